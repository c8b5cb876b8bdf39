// Package telemetry maintains the per-user verification counters and
// derives the karma score. Counters live in the KV store; the
// append-only verification log goes to the relational store.
package telemetry

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/openbotauth/openbotauth/internal/kv"
)

// KV key layout per user.
func keyRequests(user string) string { return "stats:" + user + ":requests" }
func keyOrigins(user string) string  { return "stats:" + user + ":origins" }
func keyLastSeen(user string) string { return "stats:" + user + ":last_seen" }

// Karma derives the karma score: one point per hundred requests plus ten
// per distinct origin. Computed on read, never stored.
func Karma(requests, origins int64) int64 {
	return requests/100 + 10*origins
}

// LogWriter appends one verification record. Failures are logged and
// dropped; the log is fire-and-forget.
type LogWriter interface {
	InsertVerification(ctx context.Context, username, origin, method string, verified bool) error
}

// Stats is the per-user counter snapshot.
type Stats struct {
	Requests   int64 `json:"requests"`
	Origins    int64 `json:"origins"`
	LastSeenMs int64 `json:"last_seen_ms"`
	Karma      int64 `json:"karma"`
}

// Recorder implements verifier.TelemetrySink against the KV store. All
// writes happen off the verification path; verify latency never depends
// on telemetry I/O.
type Recorder struct {
	store   kv.Store
	logs    LogWriter // nil disables the relational log
	timeout time.Duration
	logger  *zap.Logger
}

// NewRecorder creates a Recorder. logs may be nil.
func NewRecorder(store kv.Store, logs LogWriter, logger *zap.Logger) *Recorder {
	return &Recorder{store: store, logs: logs, timeout: 5 * time.Second, logger: logger}
}

// RecordVerification updates the three KV values and appends to the
// verification log. Called from a goroutine per decision.
func (r *Recorder) RecordVerification(username, origin, method string, verified bool) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if verified {
		if _, err := r.store.Incr(ctx, keyRequests(username)); err != nil {
			r.logger.Warn("telemetry incr failed", zap.Error(err))
		}
		if origin != "" {
			if err := r.store.SAdd(ctx, keyOrigins(username), origin); err != nil {
				r.logger.Warn("telemetry sadd failed", zap.Error(err))
			}
		}
		nowMs := strconv.FormatInt(time.Now().UnixMilli(), 10)
		if err := r.store.Set(ctx, keyLastSeen(username), nowMs, 0); err != nil {
			r.logger.Warn("telemetry last_seen failed", zap.Error(err))
		}
	}

	if r.logs != nil {
		if err := r.logs.InsertVerification(ctx, username, origin, method, verified); err != nil {
			r.logger.Warn("verification log insert failed", zap.Error(err))
		}
	}
}

// Read returns the counter snapshot for a user, karma included.
func (r *Recorder) Read(ctx context.Context, username string) (Stats, error) {
	var st Stats
	if v, ok, err := r.store.Get(ctx, keyRequests(username)); err != nil {
		return st, err
	} else if ok {
		st.Requests, _ = strconv.ParseInt(v, 10, 64)
	}
	origins, err := r.store.SCard(ctx, keyOrigins(username))
	if err != nil {
		return st, err
	}
	st.Origins = origins
	if v, ok, err := r.store.Get(ctx, keyLastSeen(username)); err != nil {
		return st, err
	} else if ok {
		st.LastSeenMs, _ = strconv.ParseInt(v, 10, 64)
	}
	st.Karma = Karma(st.Requests, st.Origins)
	return st, nil
}
