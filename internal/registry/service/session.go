package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openbotauth/openbotauth/internal/registry/model"
	"github.com/openbotauth/openbotauth/internal/registry/repository"
)

// SessionRepo is the persistence surface SessionService needs.
type SessionRepo interface {
	Create(ctx context.Context, userID uuid.UUID, ttl time.Duration) (*model.Session, error)
	Get(ctx context.Context, id uuid.UUID) (*model.Session, error)
	Delete(ctx context.Context, id uuid.UUID) error
	PurgeExpired(ctx context.Context) (int, error)
}

// UserReader resolves session user IDs to users.
type UserReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.User, error)
}

// SessionService manages portal login sessions.
type SessionService struct {
	sessions SessionRepo
	users    UserReader
	ttl      time.Duration
	logger   *zap.Logger
}

// NewSessionService creates a SessionService.
func NewSessionService(sessions SessionRepo, users UserReader, ttl time.Duration, logger *zap.Logger) *SessionService {
	if ttl == 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &SessionService{sessions: sessions, users: users, ttl: ttl, logger: logger}
}

// TTL returns the configured session lifetime, for cookie Max-Age.
func (s *SessionService) TTL() time.Duration { return s.ttl }

// Login creates a session for the user.
func (s *SessionService) Login(ctx context.Context, userID uuid.UUID) (*model.Session, error) {
	sess, err := s.sessions.Create(ctx, userID, s.ttl)
	if err != nil {
		return nil, err
	}
	s.logger.Info("session created", zap.String("user_id", userID.String()))
	return sess, nil
}

// Resolve validates a session cookie value and returns the logged-in
// user. Disabled users cannot resolve.
func (s *SessionService) Resolve(ctx context.Context, sessionID uuid.UUID) (*model.User, error) {
	sess, err := s.sessions.Get(ctx, sessionID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if sess.Expired() {
		return nil, ErrNotFound
	}
	user, err := s.users.GetByID(ctx, sess.UserID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if user.Disabled {
		return nil, ErrNotFound
	}
	return user, nil
}

// Logout destroys a session. Unknown sessions log out successfully.
func (s *SessionService) Logout(ctx context.Context, sessionID uuid.UUID) error {
	return s.sessions.Delete(ctx, sessionID)
}

// PurgeExpired removes stale sessions; run from the janitor.
func (s *SessionService) PurgeExpired(ctx context.Context) (int, error) {
	return s.sessions.PurgeExpired(ctx)
}
