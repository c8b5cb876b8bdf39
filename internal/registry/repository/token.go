package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openbotauth/openbotauth/internal/registry/model"
)

// TokenRepository stores personal access tokens. Only SHA-256 hashes of
// raw tokens ever touch this table.
type TokenRepository struct {
	db *pgxpool.Pool
}

// NewTokenRepository creates a TokenRepository.
func NewTokenRepository(db *pgxpool.Pool) *TokenRepository {
	return &TokenRepository{db: db}
}

const tokenColumns = `
	id, user_id, name, token_hash, prefix, scopes, expires_at, last_used_at, created_at`

// Create inserts a token row.
func (r *TokenRepository) Create(ctx context.Context, t *model.ApiToken) error {
	t.ID = uuid.New()
	t.CreatedAt = time.Now().UTC()
	scopes := make([]string, len(t.Scopes))
	for i, s := range t.Scopes {
		scopes[i] = string(s)
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO api_tokens (id, user_id, name, token_hash, prefix, scopes, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		t.ID, t.UserID, t.Name, t.TokenHash, t.Prefix, scopes, t.ExpiresAt, t.CreatedAt,
	)
	return err
}

// CountByUser returns how many tokens a user currently holds.
func (r *TokenRepository) CountByUser(ctx context.Context, userID uuid.UUID) (int, error) {
	var n int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM api_tokens WHERE user_id = $1`, userID,
	).Scan(&n)
	return n, err
}

// ListByUser returns a user's tokens, newest first.
func (r *TokenRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]*model.ApiToken, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+tokenColumns+` FROM api_tokens WHERE user_id = $1 ORDER BY created_at DESC`,
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []*model.ApiToken
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

// GetByHash looks a token up by its SHA-256 hex hash.
func (r *TokenRepository) GetByHash(ctx context.Context, hash string) (*model.ApiToken, error) {
	return scanToken(r.db.QueryRow(ctx,
		`SELECT `+tokenColumns+` FROM api_tokens WHERE token_hash = $1`, hash))
}

// Delete removes a token owned by the given user.
func (r *TokenRepository) Delete(ctx context.Context, userID, tokenID uuid.UUID) error {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM api_tokens WHERE id = $1 AND user_id = $2`, tokenID, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchLastUsed updates last_used_at. Called asynchronously after a
// successful token auth; failures are the caller's to log and drop.
func (r *TokenRepository) TouchLastUsed(ctx context.Context, tokenID uuid.UUID) error {
	_, err := r.db.Exec(ctx,
		`UPDATE api_tokens SET last_used_at = now() WHERE id = $1`, tokenID)
	return err
}

func scanToken(row pgx.Row) (*model.ApiToken, error) {
	var (
		t      model.ApiToken
		scopes []string
	)
	err := row.Scan(&t.ID, &t.UserID, &t.Name, &t.TokenHash, &t.Prefix,
		&scopes, &t.ExpiresAt, &t.LastUsedAt, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.Scopes = make([]model.Scope, len(scopes))
	for i, s := range scopes {
		t.Scopes[i] = model.Scope(s)
	}
	return &t, nil
}
