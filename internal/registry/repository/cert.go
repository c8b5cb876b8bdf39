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

var (
	// ErrPopReplay is returned when the proof-of-possession message was
	// already consumed.
	ErrPopReplay = errors.New("repository: proof of possession already used")
	// ErrIssueCap is returned when the per-agent daily issuance cap is hit.
	ErrIssueCap = errors.New("repository: daily issuance cap reached")
	// ErrActiveCap is returned when the (agent, kid) active-cert cap is hit.
	ErrActiveCap = errors.New("repository: active certificate cap reached")
)

// CertRepository stores agent certificates and the PoP-nonce table.
type CertRepository struct {
	db *pgxpool.Pool
}

// NewCertRepository creates a CertRepository.
func NewCertRepository(db *pgxpool.Pool) *CertRepository {
	return &CertRepository{db: db}
}

// revoked_reason is NULL until revocation; COALESCE keeps the scan
// target a plain string.
const certColumns = `
	id, agent_id, user_id, serial, kid, leaf_pem, chain_pem, x5c,
	not_before, not_after, fingerprint_sha256, revoked_at,
	COALESCE(revoked_reason, ''), created_at`

// Issue commits one issuance inside a single transaction: the agent row
// is locked to serialize caps-checking, the PoP nonce is consumed with an
// atomic insert, both caps are checked, and the certificate row is
// written. Any failure rolls the whole unit back, including the nonce
// consumption.
func (r *CertRepository) Issue(ctx context.Context, cert *model.AgentCertificate, popHash string, popTTL time.Duration, dailyCap, activeCap int) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// Row lock on the agent serializes concurrent issuance for it.
	var locked uuid.UUID
	err = tx.QueryRow(ctx,
		`SELECT id FROM agents WHERE id = $1 FOR UPDATE`, cert.AgentID,
	).Scan(&locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock agent: %w", err)
	}

	// Atomic PoP consume: first insert wins, duplicates affect zero rows.
	tag, err := tx.Exec(ctx, `
		INSERT INTO pop_nonces (hash, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (hash) DO NOTHING`,
		popHash, time.Now().UTC().Add(popTTL),
	)
	if err != nil {
		return fmt.Errorf("consume pop nonce: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPopReplay
	}

	var issuedToday int
	err = tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM agent_certificates
		WHERE agent_id = $1 AND created_at >= date_trunc('day', now())`,
		cert.AgentID,
	).Scan(&issuedToday)
	if err != nil {
		return fmt.Errorf("count daily issues: %w", err)
	}
	if dailyCap > 0 && issuedToday >= dailyCap {
		return ErrIssueCap
	}

	var active int
	err = tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM agent_certificates
		WHERE agent_id = $1 AND kid = $2 AND revoked_at IS NULL
		  AND not_before <= now() AND not_after > now()`,
		cert.AgentID, cert.Kid,
	).Scan(&active)
	if err != nil {
		return fmt.Errorf("count active certs: %w", err)
	}
	if activeCap > 0 && active >= activeCap {
		return ErrActiveCap
	}

	cert.ID = uuid.New()
	cert.CreatedAt = time.Now().UTC()
	_, err = tx.Exec(ctx, `
		INSERT INTO agent_certificates (
			id, agent_id, user_id, serial, kid, leaf_pem, chain_pem, x5c,
			not_before, not_after, fingerprint_sha256, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		cert.ID, cert.AgentID, cert.UserID, cert.Serial, cert.Kid,
		cert.LeafPEM, cert.ChainPEM, cert.X5c, cert.NotBefore,
		cert.NotAfter, cert.FingerprintSHA256, cert.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert certificate: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Revoke marks matching unrevoked certificates revoked. Matching is by
// serial, kid, or fingerprint, always scoped to the owning user.
// Re-revocation is safe: zero updated rows with at least one revoked
// match reports alreadyRevoked.
func (r *CertRepository) Revoke(ctx context.Context, userID uuid.UUID, serial, kid, fingerprint string, reason model.RevocationReason) (revoked int, alreadyRevoked bool, err error) {
	if serial == "" && kid == "" && fingerprint == "" {
		return 0, false, fmt.Errorf("%w: no selector", ErrNotFound)
	}
	match := `user_id = $1
		AND ($2 = '' OR serial = $2)
		AND ($3 = '' OR kid = $3)
		AND ($4 = '' OR fingerprint_sha256 = $4)`

	tag, err := r.db.Exec(ctx, `
		UPDATE agent_certificates
		SET revoked_at = now(), revoked_reason = $5
		WHERE revoked_at IS NULL AND `+match,
		userID, serial, kid, fingerprint, reason,
	)
	if err != nil {
		return 0, false, err
	}
	if n := tag.RowsAffected(); n > 0 {
		return int(n), false, nil
	}

	var existing int
	err = r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM agent_certificates WHERE revoked_at IS NOT NULL AND `+match,
		userID, serial, kid, fingerprint,
	).Scan(&existing)
	if err != nil {
		return 0, false, err
	}
	if existing == 0 {
		return 0, false, ErrNotFound
	}
	return 0, true, nil
}

// GetBySerial returns the certificate with the given serial for a user.
func (r *CertRepository) GetBySerial(ctx context.Context, userID uuid.UUID, serial string) (*model.AgentCertificate, error) {
	return r.scanOne(r.db.QueryRow(ctx,
		`SELECT `+certColumns+` FROM agent_certificates WHERE user_id = $1 AND serial = $2`,
		userID, serial))
}

// GetByFingerprint returns a certificate by fingerprint, unscoped. Used
// by the public status endpoint, which never accepts serials.
func (r *CertRepository) GetByFingerprint(ctx context.Context, fingerprint string) (*model.AgentCertificate, error) {
	return r.scanOne(r.db.QueryRow(ctx,
		`SELECT `+certColumns+` FROM agent_certificates WHERE fingerprint_sha256 = $1`,
		fingerprint))
}

// ListByUser returns all certificates owned by a user, newest first.
func (r *CertRepository) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*model.AgentCertificate, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+certColumns+` FROM agent_certificates
		WHERE user_id = $1 ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var certs []*model.AgentCertificate
	for rows.Next() {
		c, err := r.scanOne(rows)
		if err != nil {
			return nil, err
		}
		certs = append(certs, c)
	}
	return certs, rows.Err()
}

// ActiveByUserKid returns the newest active certificate for a (user, kid)
// pair, used when attaching x5c chains to directory responses.
func (r *CertRepository) ActiveByUserKid(ctx context.Context, userID uuid.UUID, kid string) (*model.AgentCertificate, error) {
	return r.scanOne(r.db.QueryRow(ctx, `
		SELECT `+certColumns+` FROM agent_certificates
		WHERE user_id = $1 AND kid = $2 AND revoked_at IS NULL
		  AND not_before <= now() AND not_after > now()
		ORDER BY created_at DESC
		LIMIT 1`, userID, kid))
}

// PurgeExpiredPopNonces removes consumed PoP hashes past their TTL.
func (r *CertRepository) PurgeExpiredPopNonces(ctx context.Context) (int, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM pop_nonces WHERE expires_at < now()`)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (r *CertRepository) scanOne(row pgx.Row) (*model.AgentCertificate, error) {
	var c model.AgentCertificate
	err := row.Scan(
		&c.ID, &c.AgentID, &c.UserID, &c.Serial, &c.Kid, &c.LeafPEM,
		&c.ChainPEM, &c.X5c, &c.NotBefore, &c.NotAfter,
		&c.FingerprintSHA256, &c.RevokedAt, &c.RevokedReason, &c.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}
