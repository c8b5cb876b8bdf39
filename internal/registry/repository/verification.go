package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openbotauth/openbotauth/internal/registry/model"
)

// VerificationRepository appends and aggregates verification records.
// It satisfies telemetry.LogWriter.
type VerificationRepository struct {
	db *pgxpool.Pool
}

// NewVerificationRepository creates a VerificationRepository.
func NewVerificationRepository(db *pgxpool.Pool) *VerificationRepository {
	return &VerificationRepository{db: db}
}

// InsertVerification appends one verifier-side record.
func (r *VerificationRepository) InsertVerification(ctx context.Context, username, origin, method string, verified bool) error {
	return r.InsertActivity(ctx, username, "", origin, method, verified)
}

// InsertActivity appends one record with an optional oba_agent_id.
func (r *VerificationRepository) InsertActivity(ctx context.Context, username, agentID, origin, method string, verified bool) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO verification_log (id, username, agent_id, origin, method, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())`,
		uuid.New(), username, agentID, origin, method, verified,
	)
	return err
}

// ListByUsername returns recent records for one username.
func (r *VerificationRepository) ListByUsername(ctx context.Context, username string, since time.Time, limit int) ([]*model.VerificationLog, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.list(ctx, `lower(username) = lower($1)`, username, since, limit)
}

// ListByAgent returns recent records for one oba_agent_id.
func (r *VerificationRepository) ListByAgent(ctx context.Context, agentID string, since time.Time, limit int) ([]*model.VerificationLog, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.list(ctx, `agent_id = $1`, agentID, since, limit)
}

func (r *VerificationRepository) list(ctx context.Context, where, key string, since time.Time, limit int) ([]*model.VerificationLog, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, username, agent_id, origin, method, verified, created_at
		FROM verification_log
		WHERE `+where+` AND created_at >= $2
		ORDER BY created_at DESC
		LIMIT $3`, key, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*model.VerificationLog
	for rows.Next() {
		var l model.VerificationLog
		if err := rows.Scan(&l.ID, &l.Username, &l.AgentID, &l.Origin, &l.Method, &l.Verified, &l.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}

// AggregateRow is one bucketed count from an aggregation query.
type AggregateRow struct {
	Key      string    `json:"key"`
	Bucket   time.Time `json:"bucket,omitempty"`
	Count    int64     `json:"count"`
	Verified int64     `json:"verified"`
}

// Overview returns total and verified counts since the window start.
func (r *VerificationRepository) Overview(ctx context.Context, since time.Time) (total, verified int64, err error) {
	err = r.db.QueryRow(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE verified)
		FROM verification_log WHERE created_at >= $1`, since,
	).Scan(&total, &verified)
	return total, verified, err
}

// Timeseries buckets counts by hour since the window start.
func (r *VerificationRepository) Timeseries(ctx context.Context, since time.Time) ([]AggregateRow, error) {
	rows, err := r.db.Query(ctx, `
		SELECT date_trunc('hour', created_at) AS bucket,
		       COUNT(*), COUNT(*) FILTER (WHERE verified)
		FROM verification_log
		WHERE created_at >= $1
		GROUP BY bucket ORDER BY bucket`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AggregateRow
	for rows.Next() {
		var a AggregateRow
		if err := rows.Scan(&a.Bucket, &a.Count, &a.Verified); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// TopAgents returns the busiest usernames since the window start.
func (r *VerificationRepository) TopAgents(ctx context.Context, since time.Time, limit int) ([]AggregateRow, error) {
	return r.top(ctx, "username", since, limit)
}

// TopOrigins returns the busiest origins since the window start.
func (r *VerificationRepository) TopOrigins(ctx context.Context, since time.Time, limit int) ([]AggregateRow, error) {
	return r.top(ctx, "origin", since, limit)
}

func (r *VerificationRepository) top(ctx context.Context, column string, since time.Time, limit int) ([]AggregateRow, error) {
	if limit <= 0 {
		limit = 10
	}
	// column is one of two compile-time constants, never user input.
	rows, err := r.db.Query(ctx, `
		SELECT `+column+`, COUNT(*), COUNT(*) FILTER (WHERE verified)
		FROM verification_log
		WHERE created_at >= $1
		GROUP BY `+column+`
		ORDER BY COUNT(*) DESC
		LIMIT $2`, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AggregateRow
	for rows.Next() {
		var a AggregateRow
		if err := rows.Scan(&a.Key, &a.Count, &a.Verified); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
