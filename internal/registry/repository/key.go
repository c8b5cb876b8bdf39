package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openbotauth/openbotauth/internal/registry/model"
)

// KeyRepository stores the current public key and the append-only key
// history for each user.
type KeyRepository struct {
	db *pgxpool.Pool
}

// NewKeyRepository creates a KeyRepository.
func NewKeyRepository(db *pgxpool.Pool) *KeyRepository {
	return &KeyRepository{db: db}
}

// Rotate replaces the user's current key. In one transaction: the
// public_keys row is upserted, all active history rows are deactivated,
// and a new active history row is appended.
func (r *KeyRepository) Rotate(ctx context.Context, userID uuid.UUID, raw []byte) (*model.KeyHistory, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	now := time.Now().UTC()
	_, err = tx.Exec(ctx, `
		INSERT INTO public_keys (user_id, raw, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET raw = $2, created_at = $3`,
		userID, raw, now,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert public key: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE key_history SET active = false WHERE user_id = $1 AND active`, userID); err != nil {
		return nil, fmt.Errorf("deactivate history: %w", err)
	}

	h := &model.KeyHistory{
		ID:        uuid.New(),
		UserID:    userID,
		Raw:       raw,
		Active:    true,
		CreatedAt: now,
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO key_history (id, user_id, raw, active, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		h.ID, h.UserID, h.Raw, h.Active, h.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("append history: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return h, nil
}

// Current returns the user's current public key.
func (r *KeyRepository) Current(ctx context.Context, userID uuid.UUID) (*model.PublicKey, error) {
	var k model.PublicKey
	err := r.db.QueryRow(ctx,
		`SELECT user_id, raw, created_at FROM public_keys WHERE user_id = $1`, userID,
	).Scan(&k.UserID, &k.Raw, &k.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &k, nil
}

// History returns the full key history, newest first.
func (r *KeyRepository) History(ctx context.Context, userID uuid.UUID) ([]*model.KeyHistory, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, user_id, raw, active, created_at
		FROM key_history WHERE user_id = $1
		ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []*model.KeyHistory
	for rows.Next() {
		var h model.KeyHistory
		if err := rows.Scan(&h.ID, &h.UserID, &h.Raw, &h.Active, &h.CreatedAt); err != nil {
			return nil, err
		}
		history = append(history, &h)
	}
	return history, rows.Err()
}

// ActiveKeys returns the active history rows for a user. When the
// single-active invariant is violated the latest row wins, so rows come
// back newest first.
func (r *KeyRepository) ActiveKeys(ctx context.Context, userID uuid.UUID) ([]*model.KeyHistory, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, user_id, raw, active, created_at
		FROM key_history WHERE user_id = $1 AND active
		ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*model.KeyHistory
	for rows.Next() {
		var h model.KeyHistory
		if err := rows.Scan(&h.ID, &h.UserID, &h.Raw, &h.Active, &h.CreatedAt); err != nil {
			return nil, err
		}
		keys = append(keys, &h)
	}
	return keys, rows.Err()
}
