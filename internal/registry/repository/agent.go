package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openbotauth/openbotauth/internal/jwk"
	"github.com/openbotauth/openbotauth/internal/registry/model"
)

// AgentRepository provides CRUD operations for agents.
type AgentRepository struct {
	db *pgxpool.Pool
}

// NewAgentRepository creates an AgentRepository.
func NewAgentRepository(db *pgxpool.Pool) *AgentRepository {
	return &AgentRepository{db: db}
}

const agentColumns = `
	id, user_id, name, description, type, status, jwk,
	oba_agent_id, oba_parent_agent_id, oba_principal, created_at, updated_at`

// Create inserts a new agent.
func (r *AgentRepository) Create(ctx context.Context, agent *model.Agent) error {
	jwkJSON, err := json.Marshal(agent.JWK)
	if err != nil {
		return fmt.Errorf("marshal jwk: %w", err)
	}

	agent.ID = uuid.New()
	now := time.Now().UTC()
	agent.CreatedAt = now
	agent.UpdatedAt = now

	_, err = r.db.Exec(ctx, `
		INSERT INTO agents (
			id, user_id, name, description, type, status, jwk,
			oba_agent_id, oba_parent_agent_id, oba_principal, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		agent.ID, agent.UserID, agent.Name, agent.Description, agent.Type,
		agent.Status, jwkJSON, agent.AgentID, agent.ParentAgentID,
		agent.Principal, agent.CreatedAt, agent.UpdatedAt,
	)
	return err
}

// GetByID retrieves an agent by its internal UUID.
func (r *AgentRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Agent, error) {
	return r.scanOne(r.db.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = $1`, id))
}

// GetByAgentID retrieves an agent by its oba_agent_id string.
func (r *AgentRepository) GetByAgentID(ctx context.Context, agentID string) (*model.Agent, error) {
	return r.scanOne(r.db.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE oba_agent_id = $1`, agentID))
}

// ListByUser returns all agents owned by a user, newest first.
func (r *AgentRepository) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*model.Agent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+agentColumns+` FROM agents
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.scanAll(rows)
}

// ListActiveByUser returns the user's status=active agents.
func (r *AgentRepository) ListActiveByUser(ctx context.Context, userID uuid.UUID) ([]*model.Agent, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+agentColumns+` FROM agents
		WHERE user_id = $1 AND status = 'active'
		ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.scanAll(rows)
}

// Update persists the mutable fields of an agent.
func (r *AgentRepository) Update(ctx context.Context, agent *model.Agent) error {
	jwkJSON, err := json.Marshal(agent.JWK)
	if err != nil {
		return fmt.Errorf("marshal jwk: %w", err)
	}
	agent.UpdatedAt = time.Now().UTC()

	tag, err := r.db.Exec(ctx, `
		UPDATE agents SET
			name = $2, description = $3, type = $4, status = $5, jwk = $6,
			oba_agent_id = $7, oba_parent_agent_id = $8, oba_principal = $9,
			updated_at = $10
		WHERE id = $1`,
		agent.ID, agent.Name, agent.Description, agent.Type, agent.Status,
		jwkJSON, agent.AgentID, agent.ParentAgentID, agent.Principal,
		agent.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes an agent; certificates cascade in the schema.
func (r *AgentRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM agents WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *AgentRepository) scanOne(row pgx.Row) (*model.Agent, error) {
	var (
		a       model.Agent
		jwkJSON []byte
	)
	err := row.Scan(
		&a.ID, &a.UserID, &a.Name, &a.Description, &a.Type, &a.Status,
		&jwkJSON, &a.AgentID, &a.ParentAgentID, &a.Principal,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(jwkJSON, &a.JWK); err != nil {
		return nil, fmt.Errorf("unmarshal jwk: %w", err)
	}
	return &a, nil
}

func (r *AgentRepository) scanAll(rows pgx.Rows) ([]*model.Agent, error) {
	var agents []*model.Agent
	for rows.Next() {
		var (
			a       model.Agent
			jwkJSON []byte
		)
		err := rows.Scan(
			&a.ID, &a.UserID, &a.Name, &a.Description, &a.Type, &a.Status,
			&jwkJSON, &a.AgentID, &a.ParentAgentID, &a.Principal,
			&a.CreatedAt, &a.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(jwkJSON, &a.JWK); err != nil {
			a.JWK = jwk.Key{} // malformed agent JWK is skipped downstream
		}
		agents = append(agents, &a)
	}
	return agents, rows.Err()
}
