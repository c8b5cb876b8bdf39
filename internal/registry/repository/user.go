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

// UserRepository stores users and their profiles.
type UserRepository struct {
	db *pgxpool.Pool
}

// NewUserRepository creates a UserRepository.
func NewUserRepository(db *pgxpool.Pool) *UserRepository {
	return &UserRepository{db: db}
}

// GetOrCreateFromOAuth finds the user for (provider, providerID) or
// creates it together with a default profile. Returns the user and
// whether it was newly created.
func (r *UserRepository) GetOrCreateFromOAuth(ctx context.Context, provider, providerID, handle, avatarURL string) (*model.User, bool, error) {
	u, err := r.getByProvider(ctx, provider, providerID)
	if err == nil {
		return u, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	now := time.Now().UTC()
	u = &model.User{
		ID:         uuid.New(),
		Provider:   provider,
		ProviderID: providerID,
		Handle:     handle,
		AvatarURL:  avatarURL,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO users (id, provider, provider_id, handle, avatar_url, disabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, false, $6, $7)`,
		u.ID, u.Provider, u.ProviderID, u.Handle, u.AvatarURL, u.CreatedAt, u.UpdatedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert user: %w", err)
	}

	username, err := r.uniqueUsername(ctx, tx, handle)
	if err != nil {
		return nil, false, err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO profiles (user_id, username, client_name, stats_public, created_at, updated_at)
		VALUES ($1, $2, $3, true, $4, $5)`,
		u.ID, username, username, now, now,
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert profile: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit: %w", err)
	}
	return u, true, nil
}

// uniqueUsername derives a free username from the OAuth handle by
// appending a numeric suffix on collision. Uniqueness is
// case-insensitive.
func (r *UserRepository) uniqueUsername(ctx context.Context, tx pgx.Tx, handle string) (string, error) {
	candidate := handle
	for i := 0; ; i++ {
		if i > 0 {
			candidate = fmt.Sprintf("%s%d", handle, i)
		}
		var exists bool
		err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM profiles WHERE lower(username) = lower($1))`,
			candidate,
		).Scan(&exists)
		if err != nil {
			return "", fmt.Errorf("check username: %w", err)
		}
		if !exists {
			return candidate, nil
		}
	}
}

// GetByID retrieves a user by internal identifier.
func (r *UserRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.User, error) {
	return r.scanUser(r.db.QueryRow(ctx, `
		SELECT id, provider, provider_id, handle, avatar_url, disabled, created_at, updated_at
		FROM users WHERE id = $1`, id))
}

func (r *UserRepository) getByProvider(ctx context.Context, provider, providerID string) (*model.User, error) {
	return r.scanUser(r.db.QueryRow(ctx, `
		SELECT id, provider, provider_id, handle, avatar_url, disabled, created_at, updated_at
		FROM users WHERE provider = $1 AND provider_id = $2`, provider, providerID))
}

func (r *UserRepository) scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	err := row.Scan(&u.ID, &u.Provider, &u.ProviderID, &u.Handle, &u.AvatarURL, &u.Disabled, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// ─── Profiles ────────────────────────────────────────────────────────────

const profileColumns = `
	user_id, username, client_name, client_uri, logo_uri, contacts,
	expected_user_agent, rfc9309_product_token, rfc9309_compliance,
	trigger, purpose, targeted_content, rate_control, rate_expectation,
	known_urls, stats_public, created_at, updated_at`

// GetProfile returns the profile for a user.
func (r *UserRepository) GetProfile(ctx context.Context, userID uuid.UUID) (*model.Profile, error) {
	return r.scanProfile(r.db.QueryRow(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE user_id = $1`, userID))
}

// GetProfileByUsername looks a profile up case-insensitively.
func (r *UserRepository) GetProfileByUsername(ctx context.Context, username string) (*model.Profile, error) {
	return r.scanProfile(r.db.QueryRow(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE lower(username) = lower($1)`, username))
}

// ListProfiles returns profiles ordered by username.
func (r *UserRepository) ListProfiles(ctx context.Context, limit, offset int) ([]*model.Profile, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx,
		`SELECT `+profileColumns+` FROM profiles ORDER BY lower(username) LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var profiles []*model.Profile
	for rows.Next() {
		p, err := r.scanProfile(rows)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

// UpdateProfile persists the owner-mutable fields.
func (r *UserRepository) UpdateProfile(ctx context.Context, p *model.Profile) error {
	p.UpdatedAt = time.Now().UTC()
	tag, err := r.db.Exec(ctx, `
		UPDATE profiles SET
			client_name = $2, client_uri = $3, logo_uri = $4, contacts = $5,
			expected_user_agent = $6, rfc9309_product_token = $7,
			rfc9309_compliance = $8, trigger = $9, purpose = $10,
			targeted_content = $11, rate_control = $12, rate_expectation = $13,
			known_urls = $14, stats_public = $15, updated_at = $16
		WHERE user_id = $1`,
		p.UserID, p.ClientName, p.ClientURI, p.LogoURI, p.Contacts,
		p.ExpectedUserAgent, p.RFC9309ProductToken, p.RFC9309Compliance,
		p.Trigger, p.Purpose, p.TargetedContent, p.RateControl,
		p.RateExpectation, p.KnownURLs, p.StatsPublic, p.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *UserRepository) scanProfile(row pgx.Row) (*model.Profile, error) {
	var p model.Profile
	err := row.Scan(
		&p.UserID, &p.Username, &p.ClientName, &p.ClientURI, &p.LogoURI,
		&p.Contacts, &p.ExpectedUserAgent, &p.RFC9309ProductToken,
		&p.RFC9309Compliance, &p.Trigger, &p.Purpose, &p.TargetedContent,
		&p.RateControl, &p.RateExpectation, &p.KnownURLs, &p.StatsPublic,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}
