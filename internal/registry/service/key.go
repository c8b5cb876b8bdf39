package service

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openbotauth/openbotauth/internal/jwk"
	"github.com/openbotauth/openbotauth/internal/registry/model"
	"github.com/openbotauth/openbotauth/internal/registry/repository"
)

// KeyRepo is the persistence surface KeyService needs.
type KeyRepo interface {
	Rotate(ctx context.Context, userID uuid.UUID, raw []byte) (*model.KeyHistory, error)
	Current(ctx context.Context, userID uuid.UUID) (*model.PublicKey, error)
	History(ctx context.Context, userID uuid.UUID) ([]*model.KeyHistory, error)
	ActiveKeys(ctx context.Context, userID uuid.UUID) ([]*model.KeyHistory, error)
}

// KeyService manages user public keys. Private keys never reach the
// server; callers upload the JWK public form only.
type KeyService struct {
	repo   KeyRepo
	logger *zap.Logger
}

// NewKeyService creates a KeyService.
func NewKeyService(repo KeyRepo, logger *zap.Logger) *KeyService {
	return &KeyService{repo: repo, logger: logger}
}

// RegisteredKey is the response shape for a registered key: both kid
// forms so clients can reference either during the deprecation window.
type RegisteredKey struct {
	ID        uuid.UUID `json:"id"`
	Kid       string    `json:"kid"`
	LegacyKid string    `json:"legacy_kid"`
	JWK       jwk.Key   `json:"jwk"`
}

// Register validates and stores a new public key, rotating out the
// previous one.
func (s *KeyService) Register(ctx context.Context, userID uuid.UUID, key jwk.Key) (*RegisteredKey, error) {
	pub, err := key.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	h, err := s.repo.Rotate(ctx, userID, pub)
	if err != nil {
		return nil, fmt.Errorf("rotate key: %w", err)
	}

	stored, err := jwk.FromEd25519(pub)
	if err != nil {
		return nil, err
	}
	s.logger.Info("public key registered", zap.String("user_id", userID.String()))
	return &RegisteredKey{
		ID:        h.ID,
		Kid:       stored.Kid,
		LegacyKid: jwk.LegacyKid(pub),
		JWK:       stored,
	}, nil
}

// Current returns the user's current key in registered form.
func (s *KeyService) Current(ctx context.Context, userID uuid.UUID) (*RegisteredKey, error) {
	k, err := s.repo.Current(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	stored, err := jwk.FromEd25519(ed25519.PublicKey(k.Raw))
	if err != nil {
		return nil, err
	}
	return &RegisteredKey{
		Kid:       stored.Kid,
		LegacyKid: jwk.LegacyKid(ed25519.PublicKey(k.Raw)),
		JWK:       stored,
	}, nil
}

// History returns the user's key history with derived kids.
func (s *KeyService) History(ctx context.Context, userID uuid.UUID) ([]*RegisteredKey, error) {
	rows, err := s.repo.History(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]*RegisteredKey, 0, len(rows))
	for _, h := range rows {
		k, err := jwk.FromEd25519(ed25519.PublicKey(h.Raw))
		if err != nil {
			s.logger.Warn("skipping malformed key history row", zap.String("id", h.ID.String()))
			continue
		}
		out = append(out, &RegisteredKey{
			ID:        h.ID,
			Kid:       k.Kid,
			LegacyKid: jwk.LegacyKid(ed25519.PublicKey(h.Raw)),
			JWK:       k,
		})
	}
	return out, nil
}
