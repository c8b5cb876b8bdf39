package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openbotauth/openbotauth/internal/registry/model"
	"github.com/openbotauth/openbotauth/internal/registry/repository"
)

// TokenRepo is the persistence surface TokenService needs.
type TokenRepo interface {
	Create(ctx context.Context, t *model.ApiToken) error
	CountByUser(ctx context.Context, userID uuid.UUID) (int, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*model.ApiToken, error)
	GetByHash(ctx context.Context, hash string) (*model.ApiToken, error)
	Delete(ctx context.Context, userID, tokenID uuid.UUID) error
	TouchLastUsed(ctx context.Context, tokenID uuid.UUID) error
}

// TokenConfig carries the token limits.
type TokenConfig struct {
	MaxPerUser    int // default 20
	MaxExpiryDays int // default 365
}

// TokenService manages personal access tokens.
type TokenService struct {
	repo   TokenRepo
	cfg    TokenConfig
	logger *zap.Logger

	now func() time.Time
}

// NewTokenService creates a TokenService.
func NewTokenService(repo TokenRepo, cfg TokenConfig, logger *zap.Logger) *TokenService {
	if cfg.MaxPerUser == 0 {
		cfg.MaxPerUser = 20
	}
	if cfg.MaxExpiryDays == 0 {
		cfg.MaxExpiryDays = 365
	}
	return &TokenService{repo: repo, cfg: cfg, logger: logger, now: time.Now}
}

// CreateTokenInput is one token creation request.
type CreateTokenInput struct {
	Name       string   `json:"name"`
	Scopes     []string `json:"scopes"`
	ExpiryDays int      `json:"expiry_days"`
}

// CreatedToken carries the raw token alongside its stored row. The raw
// value appears here and nowhere else.
type CreatedToken struct {
	Token string          `json:"token"`
	Row   *model.ApiToken `json:"row"`
}

// Create mints a new token: 32 bytes of CSPRNG output rendered as
// "oba_" plus 64 lowercase hex. Only the SHA-256 of the full raw string
// is stored.
func (s *TokenService) Create(ctx context.Context, userID uuid.UUID, in CreateTokenInput) (*CreatedToken, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if len(in.Scopes) == 0 {
		return nil, fmt.Errorf("%w: at least one scope is required", ErrInvalidInput)
	}
	scopes := make([]model.Scope, 0, len(in.Scopes))
	seen := make(map[model.Scope]bool, len(in.Scopes))
	for _, raw := range in.Scopes {
		sc := model.Scope(raw)
		if !model.ValidScope(sc) {
			return nil, fmt.Errorf("%w: unknown scope %q", ErrInvalidInput, raw)
		}
		if !seen[sc] {
			seen[sc] = true
			scopes = append(scopes, sc)
		}
	}
	days := in.ExpiryDays
	if days == 0 {
		days = 30
	}
	if days < 1 || days > s.cfg.MaxExpiryDays {
		return nil, fmt.Errorf("%w: expiry must be 1..%d days", ErrInvalidInput, s.cfg.MaxExpiryDays)
	}

	n, err := s.repo.CountByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if n >= s.cfg.MaxPerUser {
		return nil, ErrTokenLimit
	}

	var secret [32]byte
	if _, err := rand.Read(secret[:]); err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}
	raw := model.TokenPrefix + hex.EncodeToString(secret[:])

	t := &model.ApiToken{
		UserID:    userID,
		Name:      name,
		TokenHash: HashToken(raw),
		Prefix:    raw[:len(model.TokenPrefix)+4],
		Scopes:    scopes,
		ExpiresAt: s.now().UTC().AddDate(0, 0, days),
	}
	if err := s.repo.Create(ctx, t); err != nil {
		return nil, err
	}
	s.logger.Info("token created",
		zap.String("user_id", userID.String()),
		zap.String("prefix", t.Prefix))
	return &CreatedToken{Token: raw, Row: t}, nil
}

// List returns the user's tokens. Hashes never leave the repository
// layer in serialized form.
func (s *TokenService) List(ctx context.Context, userID uuid.UUID) ([]*model.ApiToken, error) {
	return s.repo.ListByUser(ctx, userID)
}

// Delete removes a token owned by the user.
func (s *TokenService) Delete(ctx context.Context, userID, tokenID uuid.UUID) error {
	err := s.repo.Delete(ctx, userID, tokenID)
	if errors.Is(err, repository.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

// ErrBadToken covers every authentication failure: malformed, unknown,
// or expired tokens are indistinguishable to the caller.
var ErrBadToken = errors.New("service: invalid token")

// Authenticate resolves a raw bearer token to its row. The format gate
// runs before the storage lookup so junk input costs no query.
func (s *TokenService) Authenticate(ctx context.Context, raw string) (*model.ApiToken, error) {
	if !wellFormedToken(raw) {
		return nil, ErrBadToken
	}
	t, err := s.repo.GetByHash(ctx, HashToken(raw))
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrBadToken
	}
	if err != nil {
		return nil, err
	}
	if t.Expired(s.now().UTC()) {
		return nil, ErrBadToken
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.repo.TouchLastUsed(ctx, t.ID); err != nil {
			s.logger.Warn("touch last_used failed", zap.Error(err))
		}
	}()
	return t, nil
}

// HashToken is the storage form of a raw token: SHA-256 hex over the
// whole string, prefix included.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func wellFormedToken(raw string) bool {
	rest, ok := strings.CutPrefix(raw, model.TokenPrefix)
	if !ok || len(rest) != 64 {
		return false
	}
	for i := 0; i < len(rest); i++ {
		c := rest[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
