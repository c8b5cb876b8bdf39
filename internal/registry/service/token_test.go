package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openbotauth/openbotauth/internal/registry/model"
	"github.com/openbotauth/openbotauth/internal/registry/repository"
)

type stubTokenRepo struct {
	mu      sync.Mutex
	rows    map[uuid.UUID]*model.ApiToken
	byHash  map[string]uuid.UUID
	touched chan uuid.UUID
	lookups int
}

func newStubTokenRepo() *stubTokenRepo {
	return &stubTokenRepo{
		rows:    make(map[uuid.UUID]*model.ApiToken),
		byHash:  make(map[string]uuid.UUID),
		touched: make(chan uuid.UUID, 8),
	}
}

func (s *stubTokenRepo) Create(_ context.Context, t *model.ApiToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.ID = uuid.New()
	t.CreatedAt = time.Now().UTC()
	cp := *t
	s.rows[t.ID] = &cp
	s.byHash[t.TokenHash] = t.ID
	return nil
}

func (s *stubTokenRepo) CountByUser(_ context.Context, userID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.rows {
		if t.UserID == userID {
			n++
		}
	}
	return n, nil
}

func (s *stubTokenRepo) ListByUser(_ context.Context, userID uuid.UUID) ([]*model.ApiToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.ApiToken
	for _, t := range s.rows {
		if t.UserID == userID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *stubTokenRepo) GetByHash(_ context.Context, hash string) (*model.ApiToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups++
	id, ok := s.byHash[hash]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *s.rows[id]
	return &cp, nil
}

func (s *stubTokenRepo) Delete(_ context.Context, userID, tokenID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.rows[tokenID]
	if !ok || t.UserID != userID {
		return repository.ErrNotFound
	}
	delete(s.byHash, t.TokenHash)
	delete(s.rows, tokenID)
	return nil
}

func (s *stubTokenRepo) TouchLastUsed(_ context.Context, tokenID uuid.UUID) error {
	s.touched <- tokenID
	return nil
}

func newTokenService(repo *stubTokenRepo, cfg TokenConfig) *TokenService {
	return NewTokenService(repo, cfg, zap.NewNop())
}

// ── Create ───────────────────────────────────────────────────────────────

func TestTokenCreate_shapeAndStorage(t *testing.T) {
	repo := newStubTokenRepo()
	svc := newTokenService(repo, TokenConfig{})
	userID := uuid.New()

	created, err := svc.Create(context.Background(), userID, CreateTokenInput{
		Name:   "ci",
		Scopes: []string{"agents:read", "keys:write", "agents:read"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	raw := created.Token
	if !strings.HasPrefix(raw, model.TokenPrefix) || len(raw) != len(model.TokenPrefix)+64 {
		t.Fatalf("raw token shape wrong: %q", raw)
	}
	for _, c := range raw[len(model.TokenPrefix):] {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			t.Fatalf("token body is not lowercase hex: %q", raw)
		}
	}

	row := created.Row
	if row.TokenHash != HashToken(raw) {
		t.Fatal("stored hash does not cover the full raw token")
	}
	if row.TokenHash == raw {
		t.Fatal("raw token stored verbatim")
	}
	if row.Prefix != raw[:len(model.TokenPrefix)+4] {
		t.Fatalf("prefix = %q", row.Prefix)
	}
	// Duplicate scope collapsed.
	if len(row.Scopes) != 2 {
		t.Fatalf("scopes = %v", row.Scopes)
	}
	// Default expiry is 30 days.
	days := time.Until(row.ExpiresAt).Hours() / 24
	if days < 29 || days > 31 {
		t.Fatalf("default expiry ≈ %.1f days, want 30", days)
	}
}

func TestTokenCreate_validation(t *testing.T) {
	repo := newStubTokenRepo()
	svc := newTokenService(repo, TokenConfig{MaxExpiryDays: 90})
	userID := uuid.New()
	ctx := context.Background()

	cases := []struct {
		name string
		in   CreateTokenInput
	}{
		{"empty name", CreateTokenInput{Scopes: []string{"agents:read"}}},
		{"no scopes", CreateTokenInput{Name: "x"}},
		{"unknown scope", CreateTokenInput{Name: "x", Scopes: []string{"admin:*"}}},
		{"expiry too long", CreateTokenInput{Name: "x", Scopes: []string{"agents:read"}, ExpiryDays: 91}},
		{"negative expiry", CreateTokenInput{Name: "x", Scopes: []string{"agents:read"}, ExpiryDays: -1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.Create(ctx, userID, tc.in); !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("got %v, want ErrInvalidInput", err)
			}
		})
	}
}

func TestTokenCreate_perUserCap(t *testing.T) {
	repo := newStubTokenRepo()
	svc := newTokenService(repo, TokenConfig{MaxPerUser: 2})
	userID := uuid.New()
	ctx := context.Background()
	in := CreateTokenInput{Name: "t", Scopes: []string{"agents:read"}}

	for i := 0; i < 2; i++ {
		if _, err := svc.Create(ctx, userID, in); err != nil {
			t.Fatalf("token %d: %v", i, err)
		}
	}
	if _, err := svc.Create(ctx, userID, in); !errors.Is(err, ErrTokenLimit) {
		t.Fatalf("got %v, want ErrTokenLimit", err)
	}
	// The cap is per user, not global.
	if _, err := svc.Create(ctx, uuid.New(), in); err != nil {
		t.Fatalf("other user blocked: %v", err)
	}
}

// ── Authenticate ─────────────────────────────────────────────────────────

func TestTokenAuthenticate(t *testing.T) {
	repo := newStubTokenRepo()
	svc := newTokenService(repo, TokenConfig{})
	userID := uuid.New()

	created, err := svc.Create(context.Background(), userID, CreateTokenInput{
		Name: "ci", Scopes: []string{"agents:read"},
	})
	if err != nil {
		t.Fatal(err)
	}

	tok, err := svc.Authenticate(context.Background(), created.Token)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if tok.ID != created.Row.ID || tok.UserID != userID {
		t.Fatalf("resolved wrong row: %+v", tok)
	}

	select {
	case id := <-repo.touched:
		if id != tok.ID {
			t.Fatalf("touched %s, want %s", id, tok.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("last_used never touched")
	}
}

func TestTokenAuthenticate_formatGateSkipsStorage(t *testing.T) {
	repo := newStubTokenRepo()
	svc := newTokenService(repo, TokenConfig{})
	ctx := context.Background()

	for _, raw := range []string{
		"",
		"oba_",
		"nope_" + strings.Repeat("a", 64),
		model.TokenPrefix + strings.Repeat("a", 63),
		model.TokenPrefix + strings.Repeat("A", 64), // uppercase hex
		model.TokenPrefix + strings.Repeat("g", 64), // not hex
	} {
		if _, err := svc.Authenticate(ctx, raw); !errors.Is(err, ErrBadToken) {
			t.Errorf("%q: got %v, want ErrBadToken", raw, err)
		}
	}
	if repo.lookups != 0 {
		t.Fatalf("%d storage lookups for malformed tokens, want 0", repo.lookups)
	}
}

func TestTokenAuthenticate_unknownAndExpiredIndistinguishable(t *testing.T) {
	repo := newStubTokenRepo()
	svc := newTokenService(repo, TokenConfig{})
	userID := uuid.New()
	ctx := context.Background()

	created, err := svc.Create(ctx, userID, CreateTokenInput{Name: "t", Scopes: []string{"agents:read"}, ExpiryDays: 1})
	if err != nil {
		t.Fatal(err)
	}

	unknown := model.TokenPrefix + strings.Repeat("0", 64)
	_, errUnknown := svc.Authenticate(ctx, unknown)
	if !errors.Is(errUnknown, ErrBadToken) {
		t.Fatalf("unknown: got %v", errUnknown)
	}

	// Advance the clock past expiry.
	svc.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	_, errExpired := svc.Authenticate(ctx, created.Token)
	if !errors.Is(errExpired, ErrBadToken) {
		t.Fatalf("expired: got %v", errExpired)
	}
	if errUnknown.Error() != errExpired.Error() {
		t.Fatal("unknown and expired tokens are distinguishable")
	}
}

func TestTokenDelete(t *testing.T) {
	repo := newStubTokenRepo()
	svc := newTokenService(repo, TokenConfig{})
	userID := uuid.New()
	ctx := context.Background()

	created, err := svc.Create(ctx, userID, CreateTokenInput{Name: "t", Scopes: []string{"agents:read"}})
	if err != nil {
		t.Fatal(err)
	}

	// Another user cannot delete it.
	if err := svc.Delete(ctx, uuid.New(), created.Row.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("foreign delete: got %v", err)
	}
	if err := svc.Delete(ctx, userID, created.Row.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := svc.Authenticate(ctx, created.Token); !errors.Is(err, ErrBadToken) {
		t.Fatalf("deleted token still authenticates: %v", err)
	}
}

func TestHashToken(t *testing.T) {
	a := HashToken("oba_" + strings.Repeat("a", 64))
	if len(a) != 64 {
		t.Fatalf("hash length = %d", len(a))
	}
	if a != HashToken("oba_"+strings.Repeat("a", 64)) {
		t.Fatal("hash not deterministic")
	}
	if a == HashToken("oba_"+strings.Repeat("b", 64)) {
		t.Fatal("distinct tokens collide")
	}
}
