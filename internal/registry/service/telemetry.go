package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openbotauth/openbotauth/internal/registry/model"
	"github.com/openbotauth/openbotauth/internal/registry/repository"
	"github.com/openbotauth/openbotauth/internal/telemetry"
)

// StatsReader reads the per-user KV counters. Satisfied by
// *telemetry.Recorder.
type StatsReader interface {
	Read(ctx context.Context, username string) (telemetry.Stats, error)
}

// VerificationRepo aggregates the verification log.
type VerificationRepo interface {
	InsertActivity(ctx context.Context, username, agentID, origin, method string, verified bool) error
	ListByUsername(ctx context.Context, username string, since time.Time, limit int) ([]*model.VerificationLog, error)
	ListByAgent(ctx context.Context, agentID string, since time.Time, limit int) ([]*model.VerificationLog, error)
	Overview(ctx context.Context, since time.Time) (total, verified int64, err error)
	Timeseries(ctx context.Context, since time.Time) ([]repository.AggregateRow, error)
	TopAgents(ctx context.Context, since time.Time, limit int) ([]repository.AggregateRow, error)
	TopOrigins(ctx context.Context, since time.Time, limit int) ([]repository.AggregateRow, error)
}

// AgentResolver resolves oba_agent_id strings for the activity routes.
// Satisfied by *repository.AgentRepository.
type AgentResolver interface {
	GetByAgentID(ctx context.Context, agentID string) (*model.Agent, error)
}

// TelemetryService serves verification stats with the profile's
// visibility rule applied.
type TelemetryService struct {
	profiles ProfileRepo
	agents   AgentResolver
	stats    StatsReader
	logs     VerificationRepo
	logger   *zap.Logger
}

// NewTelemetryService creates a TelemetryService.
func NewTelemetryService(profiles ProfileRepo, agents AgentResolver, stats StatsReader, logs VerificationRepo, logger *zap.Logger) *TelemetryService {
	return &TelemetryService{profiles: profiles, agents: agents, stats: stats, logs: logs, logger: logger}
}

// UserStats returns a user's counters. Private stats are visible only
// to the owner; viewerID is uuid.Nil for anonymous callers.
func (s *TelemetryService) UserStats(ctx context.Context, username string, viewerID uuid.UUID) (*telemetry.Stats, error) {
	profile, err := s.profiles.GetProfileByUsername(ctx, username)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if !profile.StatsPublic && profile.UserID != viewerID {
		// Private stats read as absent, not forbidden.
		return nil, ErrNotFound
	}

	st, err := s.stats.Read(ctx, profile.Username)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// Activity returns a user's recent verification records, owner only.
func (s *TelemetryService) Activity(ctx context.Context, userID uuid.UUID, window time.Duration, limit int) ([]*model.VerificationLog, error) {
	profile, err := s.profiles.GetProfile(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if window <= 0 {
		window = 7 * 24 * time.Hour
	}
	return s.logs.ListByUsername(ctx, profile.Username, time.Now().UTC().Add(-window), limit)
}

// SetVisibility flips the owner's stats_public flag.
func (s *TelemetryService) SetVisibility(ctx context.Context, userID uuid.UUID, username string, public bool) error {
	profile, err := s.profiles.GetProfileByUsername(ctx, username)
	if errors.Is(err, repository.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if profile.UserID != userID {
		return ErrNotFound
	}
	profile.StatsPublic = public
	return s.profiles.UpdateProfile(ctx, profile)
}

// ActivityInput is one activity-ingest record.
type ActivityInput struct {
	AgentID  string `json:"oba_agent_id"`
	Origin   string `json:"origin"`
	Method   string `json:"method"`
	Verified bool   `json:"verified"`
}

// RecordActivity appends an activity record for one of the caller's
// agents.
func (s *TelemetryService) RecordActivity(ctx context.Context, userID uuid.UUID, in ActivityInput) error {
	if err := model.ValidateAgentID(in.AgentID); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidInput, err)
	}
	if in.Origin == "" || in.Method == "" {
		return fmt.Errorf("%w: origin and method are required", ErrInvalidInput)
	}
	agent, err := s.ownedAgent(ctx, userID, in.AgentID)
	if err != nil {
		return err
	}
	profile, err := s.profiles.GetProfile(ctx, agent.UserID)
	if err != nil {
		return err
	}
	return s.logs.InsertActivity(ctx, profile.Username, in.AgentID, in.Origin, in.Method, in.Verified)
}

// AgentActivity returns recent records for one of the caller's agents.
func (s *TelemetryService) AgentActivity(ctx context.Context, userID uuid.UUID, agentID string, window time.Duration, limit int) ([]*model.VerificationLog, error) {
	if _, err := s.ownedAgent(ctx, userID, agentID); err != nil {
		return nil, err
	}
	if window <= 0 {
		window = 7 * 24 * time.Hour
	}
	return s.logs.ListByAgent(ctx, agentID, time.Now().UTC().Add(-window), limit)
}

// ownedAgent resolves an oba_agent_id and enforces ownership. Foreign
// agents read as absent.
func (s *TelemetryService) ownedAgent(ctx context.Context, userID uuid.UUID, agentID string) (*model.Agent, error) {
	agent, err := s.agents.GetByAgentID(ctx, agentID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if agent.UserID != userID {
		return nil, ErrNotFound
	}
	return agent, nil
}

// OverviewStats is the instance-wide aggregate view.
type OverviewStats struct {
	Total      int64                     `json:"total"`
	Verified   int64                     `json:"verified"`
	Timeseries []repository.AggregateRow `json:"timeseries"`
	TopAgents  []repository.AggregateRow `json:"top_agents"`
	TopOrigins []repository.AggregateRow `json:"top_origins"`
}

// Overview aggregates the verification log over the window.
func (s *TelemetryService) Overview(ctx context.Context, window time.Duration) (*OverviewStats, error) {
	if window <= 0 {
		window = 24 * time.Hour
	}
	since := time.Now().UTC().Add(-window)

	total, verified, err := s.logs.Overview(ctx, since)
	if err != nil {
		return nil, err
	}
	series, err := s.logs.Timeseries(ctx, since)
	if err != nil {
		return nil, err
	}
	agents, err := s.logs.TopAgents(ctx, since, 10)
	if err != nil {
		return nil, err
	}
	origins, err := s.logs.TopOrigins(ctx, since, 10)
	if err != nil {
		return nil, err
	}
	return &OverviewStats{
		Total:      total,
		Verified:   verified,
		Timeseries: series,
		TopAgents:  agents,
		TopOrigins: origins,
	}, nil
}

// Timeseries returns hourly buckets over the window.
func (s *TelemetryService) Timeseries(ctx context.Context, window time.Duration) ([]repository.AggregateRow, error) {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return s.logs.Timeseries(ctx, time.Now().UTC().Add(-window))
}

// TopAgents returns the busiest usernames over the window.
func (s *TelemetryService) TopAgents(ctx context.Context, window time.Duration, limit int) ([]repository.AggregateRow, error) {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return s.logs.TopAgents(ctx, time.Now().UTC().Add(-window), limit)
}

// TopOrigins returns the busiest origins over the window.
func (s *TelemetryService) TopOrigins(ctx context.Context, window time.Duration, limit int) ([]repository.AggregateRow, error) {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return s.logs.TopOrigins(ctx, time.Now().UTC().Add(-window), limit)
}
