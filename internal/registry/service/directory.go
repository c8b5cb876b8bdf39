package service

import (
	"context"
	"crypto/ed25519"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openbotauth/openbotauth/internal/directory"
	"github.com/openbotauth/openbotauth/internal/jwk"
	"github.com/openbotauth/openbotauth/internal/registry/model"
	"github.com/openbotauth/openbotauth/internal/registry/repository"
)

// CertLookup resolves the active certificate chain for a (user, kid)
// pair when assembling directory responses.
type CertLookup interface {
	ActiveByUserKid(ctx context.Context, userID uuid.UUID, kid string) (*model.AgentCertificate, error)
}

// DirectoryService assembles the public Web-Bot-Auth documents: the
// per-user signature-agent directory and the per-agent JWKS.
type DirectoryService struct {
	profiles ProfileRepo
	keys     KeyRepo
	agents   AgentRepo
	certs    CertLookup // nil skips x5c attachment
	logger   *zap.Logger
}

// NewDirectoryService creates a DirectoryService. certs may be nil.
func NewDirectoryService(profiles ProfileRepo, keys KeyRepo, agents AgentRepo, certs CertLookup, logger *zap.Logger) *DirectoryService {
	return &DirectoryService{
		profiles: profiles,
		keys:     keys,
		agents:   agents,
		certs:    certs,
		logger:   logger,
	}
}

// BuildDirectory assembles the directory document for a username: the
// user's active keys plus every active agent's key, deduplicated by
// canonical kid, each followed by its legacy alias. A user with no
// usable keys has no directory.
func (s *DirectoryService) BuildDirectory(ctx context.Context, username string) (*directory.Document, error) {
	profile, err := s.profiles.GetProfileByUsername(ctx, username)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	keys := s.collectKeys(ctx, profile.UserID)
	if len(keys) == 0 {
		return nil, ErrNotFound
	}

	return &directory.Document{
		ClientName:          profile.ClientName,
		ClientURI:           profile.ClientURI,
		LogoURI:             profile.LogoURI,
		Contacts:            profile.Contacts,
		ExpectedUserAgent:   profile.ExpectedUserAgent,
		RFC9309ProductToken: profile.RFC9309ProductToken,
		RFC9309Compliance:   profile.RFC9309Compliance,
		Trigger:             profile.Trigger,
		Purpose:             profile.Purpose,
		TargetedContent:     profile.TargetedContent,
		RateControl:         profile.RateControl,
		RateExpectation:     profile.RateExpectation,
		KnownURLs:           profile.KnownURLs,
		Verified:            true,
		Keys:                keys,
	}, nil
}

// collectKeys gathers the user's key history and active-agent keys,
// canonical kid first, deduplicated, legacy aliases appended. Malformed
// agent keys are skipped with a warning rather than failing the whole
// document.
func (s *DirectoryService) collectKeys(ctx context.Context, userID uuid.UUID) []jwk.Key {
	var canonical []jwk.Key

	history, err := s.keys.ActiveKeys(ctx, userID)
	if err != nil {
		s.logger.Warn("key history read failed", zap.Error(err))
	}
	for _, h := range history {
		k, err := jwk.FromEd25519(ed25519.PublicKey(h.Raw))
		if err != nil {
			s.logger.Warn("skipping malformed user key", zap.String("id", h.ID.String()))
			continue
		}
		canonical = append(canonical, k)
	}

	// Accounts predating the history table hold their key in the
	// public_keys row only; fall back to it when history is empty.
	if len(canonical) == 0 {
		if cur, err := s.keys.Current(ctx, userID); err == nil {
			if k, err := jwk.FromEd25519(ed25519.PublicKey(cur.Raw)); err == nil {
				canonical = append(canonical, k)
			}
		} else if !errors.Is(err, repository.ErrNotFound) {
			s.logger.Warn("current key read failed", zap.Error(err))
		}
	}

	agents, err := s.agents.ListActiveByUser(ctx, userID)
	if err != nil {
		s.logger.Warn("agent list read failed", zap.Error(err))
	}
	for _, a := range agents {
		if err := a.JWK.Validate(); err != nil {
			s.logger.Warn("skipping malformed agent key", zap.String("agent_id", a.ID.String()))
			continue
		}
		k := a.JWK
		k.Kid = jwk.ThumbprintFromX(k.X)
		canonical = append(canonical, k)
	}

	seen := make(map[string]bool, len(canonical))
	var out []jwk.Key
	for _, k := range canonical {
		if seen[k.Kid] {
			continue
		}
		seen[k.Kid] = true
		k = s.attachChain(ctx, userID, k)
		for _, variant := range k.WithAlias() {
			if variant.Kid != k.Kid && seen[variant.Kid] {
				continue
			}
			seen[variant.Kid] = true
			out = append(out, variant)
		}
	}
	return out
}

// attachChain adds the x5c chain of the newest active certificate for
// the kid, when one exists.
func (s *DirectoryService) attachChain(ctx context.Context, userID uuid.UUID, k jwk.Key) jwk.Key {
	if s.certs == nil {
		return k
	}
	cert, err := s.certs.ActiveByUserKid(ctx, userID, k.Kid)
	if errors.Is(err, repository.ErrNotFound) {
		return k
	}
	if err != nil {
		s.logger.Warn("certificate lookup failed", zap.String("kid", k.Kid), zap.Error(err))
		return k
	}
	k.X5c = cert.X5c
	return k
}

// AgentJWKS returns the single-key JWKS for one oba_agent_id. Only
// active agents publish keys.
func (s *DirectoryService) AgentJWKS(ctx context.Context, agentID string) (*jwk.Set, error) {
	agent, err := s.agents.GetByAgentID(ctx, agentID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if agent.Status != model.AgentActive {
		return nil, ErrNotFound
	}
	if err := agent.JWK.Validate(); err != nil {
		return nil, ErrNotFound
	}

	k := agent.JWK
	k.Kid = jwk.ThumbprintFromX(k.X)
	k = s.attachChain(ctx, agent.UserID, k)
	return &jwk.Set{Keys: k.WithAlias()}, nil
}

// AgentCard is the public card for one agent: identity metadata plus
// the JWKS, served at the signature-agent-card well-known path.
type AgentCard struct {
	AgentID       string    `json:"oba_agent_id,omitempty"`
	Name          string    `json:"name"`
	Description   string    `json:"description,omitempty"`
	Type          string    `json:"type,omitempty"`
	ParentAgentID string    `json:"oba_parent_agent_id,omitempty"`
	Principal     string    `json:"oba_principal,omitempty"`
	Keys          []jwk.Key `json:"keys"`
}

// BuildUserCard assembles a card covering all of a user's directory
// keys, for callers that identify a user rather than a single agent.
func (s *DirectoryService) BuildUserCard(ctx context.Context, username string) (*AgentCard, error) {
	profile, err := s.profiles.GetProfileByUsername(ctx, username)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.userCard(ctx, profile)
}

// BuildUserCardByID is BuildUserCard keyed by the session user's ID.
func (s *DirectoryService) BuildUserCardByID(ctx context.Context, userID uuid.UUID) (*AgentCard, error) {
	profile, err := s.profiles.GetProfile(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.userCard(ctx, profile)
}

func (s *DirectoryService) userCard(ctx context.Context, profile *model.Profile) (*AgentCard, error) {
	keys := s.collectKeys(ctx, profile.UserID)
	if len(keys) == 0 {
		return nil, ErrNotFound
	}
	name := profile.ClientName
	if name == "" {
		name = profile.Username
	}
	return &AgentCard{
		Name:      name,
		Principal: profile.Username,
		Keys:      keys,
	}, nil
}

// BuildAgentCard assembles the public card for an active agent.
func (s *DirectoryService) BuildAgentCard(ctx context.Context, agentID string) (*AgentCard, error) {
	agent, err := s.agents.GetByAgentID(ctx, agentID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if agent.Status != model.AgentActive {
		return nil, ErrNotFound
	}
	set, err := s.AgentJWKS(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return &AgentCard{
		AgentID:       agent.AgentID,
		Name:          agent.Name,
		Description:   agent.Description,
		Type:          agent.Type,
		ParentAgentID: agent.ParentAgentID,
		Principal:     agent.Principal,
		Keys:          set.Keys,
	}, nil
}
