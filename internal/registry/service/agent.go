package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openbotauth/openbotauth/internal/jwk"
	"github.com/openbotauth/openbotauth/internal/registry/model"
	"github.com/openbotauth/openbotauth/internal/registry/repository"
)

// AgentRepo is the persistence surface AgentService needs.
type AgentRepo interface {
	Create(ctx context.Context, agent *model.Agent) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.Agent, error)
	GetByAgentID(ctx context.Context, agentID string) (*model.Agent, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*model.Agent, error)
	ListActiveByUser(ctx context.Context, userID uuid.UUID) ([]*model.Agent, error)
	Update(ctx context.Context, agent *model.Agent) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// AgentService manages agent sub-identities.
type AgentService struct {
	repo   AgentRepo
	logger *zap.Logger
}

// NewAgentService creates an AgentService.
func NewAgentService(repo AgentRepo, logger *zap.Logger) *AgentService {
	return &AgentService{repo: repo, logger: logger}
}

// CreateAgentInput carries the caller-supplied fields for a new agent.
type CreateAgentInput struct {
	Name          string  `json:"name"`
	Description   string  `json:"description"`
	Type          string  `json:"type"`
	JWK           jwk.Key `json:"jwk"`
	AgentID       string  `json:"oba_agent_id"`
	ParentAgentID string  `json:"oba_parent_agent_id"`
	Principal     string  `json:"oba_principal"`
}

// Create validates and stores a new agent for the user. The JWK must be
// an OKP/Ed25519 public key; its kid is normalized to the canonical
// thumbprint regardless of what the caller sent.
func (s *AgentService) Create(ctx context.Context, userID uuid.UUID, in CreateAgentInput) (*model.Agent, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if err := in.JWK.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if in.AgentID != "" {
		if err := model.ValidateAgentID(in.AgentID); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
	}
	if in.ParentAgentID != "" {
		if err := model.ValidateAgentID(in.ParentAgentID); err != nil {
			return nil, fmt.Errorf("%w: parent: %v", ErrInvalidInput, err)
		}
	}

	key := in.JWK
	key.Kid = jwk.ThumbprintFromX(key.X)

	agent := &model.Agent{
		UserID:        userID,
		Name:          name,
		Description:   in.Description,
		Type:          in.Type,
		Status:        model.AgentActive,
		JWK:           key,
		AgentID:       in.AgentID,
		ParentAgentID: in.ParentAgentID,
		Principal:     in.Principal,
	}
	if err := s.repo.Create(ctx, agent); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, fmt.Errorf("%w: oba_agent_id already registered", ErrInvalidInput)
		}
		return nil, err
	}
	s.logger.Info("agent created",
		zap.String("agent_id", agent.ID.String()),
		zap.String("user_id", userID.String()))
	return agent, nil
}

// Get returns an agent after an ownership check.
func (s *AgentService) Get(ctx context.Context, userID, agentID uuid.UUID) (*model.Agent, error) {
	return s.owned(ctx, userID, agentID)
}

// List returns the user's agents.
func (s *AgentService) List(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*model.Agent, error) {
	return s.repo.ListByUser(ctx, userID, limit, offset)
}

// UpdateAgentInput carries the mutable agent fields. Nil pointers mean
// "leave unchanged".
type UpdateAgentInput struct {
	Name        *string            `json:"name"`
	Description *string            `json:"description"`
	Type        *string            `json:"type"`
	Status      *model.AgentStatus `json:"status"`
	JWK         *jwk.Key           `json:"jwk"`
	Principal   *string            `json:"oba_principal"`
}

// Update applies the changed fields after an ownership check.
func (s *AgentService) Update(ctx context.Context, userID, agentID uuid.UUID, in UpdateAgentInput) (*model.Agent, error) {
	agent, err := s.owned(ctx, userID, agentID)
	if err != nil {
		return nil, err
	}

	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: name cannot be empty", ErrInvalidInput)
		}
		agent.Name = name
	}
	if in.Description != nil {
		agent.Description = *in.Description
	}
	if in.Type != nil {
		agent.Type = *in.Type
	}
	if in.Status != nil {
		if !in.Status.Valid() {
			return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, *in.Status)
		}
		agent.Status = *in.Status
	}
	if in.JWK != nil {
		if err := in.JWK.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		key := *in.JWK
		key.Kid = jwk.ThumbprintFromX(key.X)
		agent.JWK = key
	}
	if in.Principal != nil {
		agent.Principal = *in.Principal
	}

	if err := s.repo.Update(ctx, agent); err != nil {
		return nil, err
	}
	return agent, nil
}

// Delete removes an agent after an ownership check.
func (s *AgentService) Delete(ctx context.Context, userID, agentID uuid.UUID) error {
	if _, err := s.owned(ctx, userID, agentID); err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, agentID); err != nil {
		return err
	}
	s.logger.Info("agent deleted",
		zap.String("agent_id", agentID.String()),
		zap.String("user_id", userID.String()))
	return nil
}

func (s *AgentService) owned(ctx context.Context, userID, agentID uuid.UUID) (*model.Agent, error) {
	agent, err := s.repo.GetByID(ctx, agentID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if agent.UserID != userID {
		// Existence of other users' agents is not disclosed.
		return nil, ErrNotFound
	}
	return agent, nil
}
