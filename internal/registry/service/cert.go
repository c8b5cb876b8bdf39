package service

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openbotauth/openbotauth/internal/ca"
	"github.com/openbotauth/openbotauth/internal/registry/model"
	"github.com/openbotauth/openbotauth/internal/registry/repository"
)

// Proof-of-possession freshness window around the embedded timestamp.
const (
	popMaxAge  = 300 * time.Second
	popMaxSkew = 30 * time.Second
)

// CertRepo is the persistence surface CertService needs.
type CertRepo interface {
	Issue(ctx context.Context, cert *model.AgentCertificate, popHash string, popTTL time.Duration, dailyCap, activeCap int) error
	Revoke(ctx context.Context, userID uuid.UUID, serial, kid, fingerprint string, reason model.RevocationReason) (int, bool, error)
	GetBySerial(ctx context.Context, userID uuid.UUID, serial string) (*model.AgentCertificate, error)
	GetByFingerprint(ctx context.Context, fingerprint string) (*model.AgentCertificate, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*model.AgentCertificate, error)
}

// Issuer signs leaf certificates. Satisfied by *ca.Manager.
type Issuer interface {
	Ready() bool
	IssueLeaf(pub ed25519.PublicKey, agentName, agentID string, validFor time.Duration) (*ca.Leaf, error)
}

// CertConfig carries the issuance limits.
type CertConfig struct {
	LeafValidity  time.Duration // default 90 days
	DailyIssueCap int           // per agent per UTC day, 0 disables
	ActivePerKid  int           // active certs per (agent, kid), 0 disables
}

// CertService issues and revokes agent certificates.
type CertService struct {
	certs  CertRepo
	agents AgentRepo
	issuer Issuer
	cfg    CertConfig
	logger *zap.Logger

	now func() time.Time
}

// NewCertService creates a CertService.
func NewCertService(certs CertRepo, agents AgentRepo, issuer Issuer, cfg CertConfig, logger *zap.Logger) *CertService {
	if cfg.LeafValidity == 0 {
		cfg.LeafValidity = 90 * 24 * time.Hour
	}
	return &CertService{
		certs:  certs,
		agents: agents,
		issuer: issuer,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// ErrCANotReady is returned when no CA keypair is configured.
var ErrCANotReady = errors.New("service: certificate authority not configured")

// IssueInput is one issuance request. Proof is the base64 (standard or
// url-safe, padded or not) Ed25519 signature over
// "cert-issue:{oba_agent_id}:{unix}" made with the agent's private key.
type IssueInput struct {
	AgentID   string `json:"oba_agent_id"`
	Timestamp int64  `json:"timestamp"`
	Proof     string `json:"proof"`
}

// Issue verifies the proof of possession and, within a single storage
// transaction, consumes it and writes the certificate. The consumed
// proof hash outlives its freshness window so a replay inside the
// window still loses.
func (s *CertService) Issue(ctx context.Context, userID uuid.UUID, in IssueInput) (*model.AgentCertificate, error) {
	if s.issuer == nil || !s.issuer.Ready() {
		return nil, ErrCANotReady
	}

	agent, err := s.agents.GetByAgentID(ctx, in.AgentID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if agent.UserID != userID {
		return nil, ErrNotFound
	}

	now := s.now().UTC()
	issued := time.Unix(in.Timestamp, 0).UTC()
	if issued.Before(now.Add(-popMaxAge)) || issued.After(now.Add(popMaxSkew)) {
		return nil, fmt.Errorf("%w: timestamp outside freshness window", ErrPopInvalid)
	}

	pub, err := agent.JWK.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("%w: agent key: %v", ErrInvalidInput, err)
	}

	sig, err := decodeProof(in.Proof)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPopInvalid, err)
	}
	message := "cert-issue:" + in.AgentID + ":" + strconv.FormatInt(in.Timestamp, 10)
	if !ed25519.Verify(pub, []byte(message), sig) {
		return nil, fmt.Errorf("%w: signature does not verify", ErrPopInvalid)
	}
	popSum := sha256.Sum256([]byte(message))
	popHash := hex.EncodeToString(popSum[:])

	leaf, err := s.issuer.IssueLeaf(pub, agent.Name, agent.AgentID, s.cfg.LeafValidity)
	if err != nil {
		return nil, fmt.Errorf("issue leaf: %w", err)
	}

	cert := &model.AgentCertificate{
		AgentID:           agent.ID,
		UserID:            userID,
		Serial:            leaf.Serial,
		Kid:               agent.JWK.Kid,
		LeafPEM:           leaf.LeafPEM,
		ChainPEM:          leaf.ChainPEM,
		X5c:               leaf.X5c,
		NotBefore:         leaf.NotBefore,
		NotAfter:          leaf.NotAfter,
		FingerprintSHA256: leaf.FingerprintSHA256,
	}
	err = s.certs.Issue(ctx, cert, popHash, popMaxAge+popMaxSkew, s.cfg.DailyIssueCap, s.cfg.ActivePerKid)
	switch {
	case errors.Is(err, repository.ErrPopReplay):
		return nil, ErrPopReplay
	case errors.Is(err, repository.ErrIssueCap):
		return nil, ErrIssueCap
	case errors.Is(err, repository.ErrActiveCap):
		return nil, ErrActiveCap
	case errors.Is(err, repository.ErrNotFound):
		return nil, ErrNotFound
	case err != nil:
		return nil, err
	}

	s.logger.Info("certificate issued",
		zap.String("agent_id", agent.ID.String()),
		zap.String("serial", cert.Serial),
		zap.String("kid", cert.Kid))
	return cert, nil
}

// RevokeInput selects certificates to revoke. Exactly one selector is
// required; all matching unrevoked certificates of the user are revoked.
type RevokeInput struct {
	Serial      string `json:"serial"`
	Kid         string `json:"kid"`
	Fingerprint string `json:"fingerprint"`
	Reason      string `json:"reason"`
}

// RevokeResult reports the outcome of a revocation call.
type RevokeResult struct {
	Revoked        int  `json:"revoked"`
	AlreadyRevoked bool `json:"already_revoked"`
}

// Revoke marks matching certificates revoked. Revocation is permanent;
// repeating a revocation reports already_revoked instead of failing.
func (s *CertService) Revoke(ctx context.Context, userID uuid.UUID, in RevokeInput) (*RevokeResult, error) {
	selectors := 0
	for _, v := range []string{in.Serial, in.Kid, in.Fingerprint} {
		if v != "" {
			selectors++
		}
	}
	if selectors != 1 {
		return nil, fmt.Errorf("%w: exactly one of serial, kid, fingerprint required", ErrInvalidInput)
	}
	if in.Fingerprint != "" && !model.IsValidFingerprint(in.Fingerprint) {
		return nil, fmt.Errorf("%w: malformed fingerprint", ErrInvalidInput)
	}
	reason, ok := model.ParseRevocationReason(in.Reason)
	if !ok {
		return nil, fmt.Errorf("%w: unknown revocation reason %q", ErrInvalidInput, in.Reason)
	}

	revoked, already, err := s.certs.Revoke(ctx, userID, in.Serial, in.Kid, in.Fingerprint, reason)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if revoked > 0 {
		s.logger.Info("certificates revoked",
			zap.String("user_id", userID.String()),
			zap.Int("count", revoked),
			zap.String("reason", string(reason)))
	}
	return &RevokeResult{Revoked: revoked, AlreadyRevoked: already}, nil
}

// Get returns one certificate by serial after an ownership check.
func (s *CertService) Get(ctx context.Context, userID uuid.UUID, serial string) (*model.AgentCertificate, error) {
	cert, err := s.certs.GetBySerial(ctx, userID, serial)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotFound
	}
	return cert, err
}

// List returns the user's certificates, newest first.
func (s *CertService) List(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*model.AgentCertificate, error) {
	return s.certs.ListByUser(ctx, userID, limit, offset)
}

// CertStatus is the public status view of a certificate. No serials, no
// PEM: just enough for a relying party to check liveness.
type CertStatus struct {
	FingerprintSHA256 string     `json:"fingerprint_sha256"`
	Valid             bool       `json:"valid"`
	Revoked           bool       `json:"revoked"`
	NotBefore         time.Time  `json:"not_before"`
	NotAfter          time.Time  `json:"not_after"`
	RevokedAt         *time.Time `json:"revoked_at,omitempty"`
	RevokedReason     string     `json:"revoked_reason,omitempty"`
}

// PublicStatus looks a certificate up by fingerprint only. The
// fingerprint format gate runs before any storage access.
func (s *CertService) PublicStatus(ctx context.Context, fingerprint string) (*CertStatus, error) {
	if !model.IsValidFingerprint(fingerprint) {
		return nil, fmt.Errorf("%w: malformed fingerprint", ErrInvalidInput)
	}
	cert, err := s.certs.GetByFingerprint(ctx, fingerprint)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &CertStatus{
		FingerprintSHA256: cert.FingerprintSHA256,
		Valid:             cert.Active(s.now().UTC()),
		Revoked:           cert.RevokedAt != nil,
		NotBefore:         cert.NotBefore,
		NotAfter:          cert.NotAfter,
		RevokedAt:         cert.RevokedAt,
		RevokedReason:     string(cert.RevokedReason),
	}, nil
}

// GetOwned returns one certificate by serial or fingerprint after an
// ownership check. Exactly one selector is required.
func (s *CertService) GetOwned(ctx context.Context, userID uuid.UUID, serial, fingerprint string) (*model.AgentCertificate, error) {
	switch {
	case serial != "" && fingerprint != "":
		return nil, fmt.Errorf("%w: serial and fingerprint are mutually exclusive", ErrInvalidInput)
	case serial != "":
		return s.Get(ctx, userID, serial)
	case fingerprint != "":
		if !model.IsValidFingerprint(fingerprint) {
			return nil, fmt.Errorf("%w: malformed fingerprint", ErrInvalidInput)
		}
		cert, err := s.certs.GetByFingerprint(ctx, fingerprint)
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, err
		}
		if cert.UserID != userID {
			return nil, ErrNotFound
		}
		return cert, nil
	default:
		return nil, fmt.Errorf("%w: serial or fingerprint required", ErrInvalidInput)
	}
}

func decodeProof(proof string) ([]byte, error) {
	var (
		sig []byte
		err error
	)
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.RawStdEncoding,
		base64.URLEncoding, base64.RawURLEncoding,
	} {
		if sig, err = enc.DecodeString(proof); err == nil {
			break
		}
	}
	if err != nil {
		return nil, errors.New("proof is not base64")
	}
	if len(sig) != ed25519.SignatureSize {
		return nil, fmt.Errorf("proof is %d bytes, want %d", len(sig), ed25519.SignatureSize)
	}
	return sig, nil
}
