package verifier

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/openbotauth/openbotauth/internal/directory"
	"github.com/openbotauth/openbotauth/internal/httpsig"
	"github.com/openbotauth/openbotauth/internal/kv"
)

// Config tunes the verification pipeline.
type Config struct {
	MaxSkew            time.Duration   // |now − created| bound, default 300s
	DefaultExpiry      time.Duration   // lifetime when expires is absent
	MinNonceTTL        time.Duration   // floor for the replay-cache TTL
	TrustedDirectories []string        // allow-listed Signature-Agent hostnames; empty allows any
	RequireTag         string          // non-empty: tag= must match exactly
	PreferredLabel     string          // breaks multi-label dictionaries
	Receipts           ReceiptVerifier // nil installs the hash-match stub
}

func (c *Config) withDefaults() {
	if c.MaxSkew == 0 {
		c.MaxSkew = 300 * time.Second
	}
	if c.DefaultExpiry == 0 {
		c.DefaultExpiry = 300 * time.Second
	}
	if c.MinNonceTTL == 0 {
		c.MinNonceTTL = 600 * time.Second
	}
	if c.Receipts == nil {
		c.Receipts = HashReceipts{}
	}
}

// TelemetrySink receives post-verification telemetry. Implementations
// must not block: Service calls them synchronously from a goroutine it
// spawns per decision.
type TelemetrySink interface {
	RecordVerification(username, origin, method string, verified bool)
}

// VerifyRequest is the wire input to /verify and /authorize: the request
// metadata the edge forwarded.
type VerifyRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
}

// Service runs the fail-closed verification pipeline.
type Service struct {
	cfg    Config
	dirs   *directory.Cache
	nonces kv.Store
	sink   TelemetrySink
	logger *zap.Logger
	now    func() time.Time
}

// NewService creates a verifier Service. sink may be nil.
func NewService(cfg Config, dirs *directory.Cache, nonces kv.Store, sink TelemetrySink, logger *zap.Logger) *Service {
	cfg.withDefaults()
	return &Service{
		cfg:    cfg,
		dirs:   dirs,
		nonces: nonces,
		sink:   sink,
		logger: logger,
		now:    time.Now,
	}
}

// Verify runs the pipeline and returns the wire result. Verification is
// never retried internally; every ambiguity is a deny.
func (s *Service) Verify(ctx context.Context, req VerifyRequest) Result {
	result, _ := s.verify(ctx, req)
	return result
}

// Authorize is Verify plus the side effects of the edge entry point:
// telemetry is recorded for every decision with a resolvable username.
func (s *Service) Authorize(ctx context.Context, req VerifyRequest) (Result, Verdict) {
	result, agentURL := s.verify(ctx, req)

	if s.sink != nil {
		if username := UsernameFromJWKSURL(agentURL); username != "" {
			origin := originOf(req.URL)
			verified := result.Verified
			method := req.Method
			go s.sink.RecordVerification(username, origin, method, verified)
		}
	}

	if result.Verified {
		return result, Verdict{
			Kind:    VerdictAllow,
			Agent:   result.Agent,
			Created: result.Created,
			Expires: result.Expires,
		}
	}
	if result.Error == CodeRateLimited {
		return result, Verdict{Kind: VerdictRateLimit, Code: result.Error, RetryAfter: 1}
	}
	return result, Verdict{Kind: VerdictDeny, Code: result.Error}
}

// verify is the nine-step pipeline. It returns the Signature-Agent URL
// separately so Authorize can attribute telemetry even on failure.
func (s *Service) verify(ctx context.Context, req VerifyRequest) (Result, string) {
	header := make(http.Header, len(req.Headers))
	for k, v := range req.Headers {
		header.Set(k, v)
	}
	headerGet := func(name string) string { return header.Get(name) }

	// Step 1: extract and parse the triplet.
	agentURL := header.Get(httpsig.HeaderSignatureAgent)
	extracted, err := httpsig.Extract(headerGet, s.cfg.PreferredLabel)
	if err != nil {
		if header.Get(httpsig.HeaderSignatureInput) == "" ||
			header.Get(httpsig.HeaderSignature) == "" ||
			agentURL == "" {
			return deny(CodeMissingSignature), agentURL
		}
		return deny(CodeMalformedSignature), agentURL
	}
	params := extracted.Params

	// Step 2: required parameters and optional tag policy.
	if err := params.Validate(); err != nil {
		return deny(CodeMalformedSignature), agentURL
	}
	if s.cfg.RequireTag != "" && params.Tag != s.cfg.RequireTag {
		return deny(CodeTagRequired), agentURL
	}

	// Sensitive headers must never be covered; checked before any
	// network activity.
	if err := httpsig.CheckCoveredComponents(params.Components); err != nil {
		return deny(CodeSensitiveHeaderCovered), agentURL
	}

	// Step 3: freshness.
	now := s.now()
	created := time.Unix(params.Created, 0)
	switch {
	case created.After(now.Add(s.cfg.MaxSkew)):
		return deny(CodeFuture), agentURL
	case created.Before(now.Add(-s.cfg.MaxSkew)):
		return deny(CodeStale), agentURL
	}
	expires := created.Add(s.cfg.DefaultExpiry)
	if params.Expires > 0 {
		expires = time.Unix(params.Expires, 0)
	}
	if now.After(expires) {
		return deny(CodeExpired), agentURL
	}

	// Step 4: replay. First atomic insert wins; a backend failure is a
	// deny, never an optimistic allow.
	if params.Nonce == "" {
		return deny(CodeNonceMissing), agentURL
	}
	ttl := expires.Sub(now)
	if ttl < s.cfg.MinNonceTTL {
		ttl = s.cfg.MinNonceTTL
	}
	inserted, err := s.nonces.SetNX(ctx, "nonce:"+params.Nonce, "1", ttl)
	if err != nil {
		s.logger.Error("nonce cache unavailable", zap.Error(err))
		return deny(CodeReplay), agentURL
	}
	if !inserted {
		s.logger.Info("replayed nonce rejected", zap.String("nonce_hash", hashForLog(params.Nonce)))
		return deny(CodeReplay), agentURL
	}

	// Step 5: directory trust.
	if !s.directoryTrusted(agentURL) {
		return deny(CodeUntrustedDirectory), agentURL
	}

	// Step 6: directory fetch through the cache.
	doc, err := s.dirs.Get(ctx, agentURL)
	if err != nil {
		return deny(CodeDirectoryFetch), agentURL
	}

	// Step 7: key selection, with one cache-bypass refresh when the kid
	// is absent (the key may have rotated since the cached fetch).
	key, ok := doc.Lookup(params.KeyID)
	if !ok {
		if doc, err = s.dirs.Refresh(ctx, agentURL); err != nil {
			return deny(CodeDirectoryFetch), agentURL
		}
		if key, ok = doc.Lookup(params.KeyID); !ok {
			s.logger.Info("kid not found in directory",
				zap.String("kid_hash", hashForLog(params.KeyID)))
			return deny(CodeUnknownKeyID), agentURL
		}
	}
	pub, err := key.PublicKey()
	if err != nil {
		return deny(CodeUnknownKeyID), agentURL
	}

	// Step 8: base reconstruction and Ed25519 verify.
	sigReq, err := httpsig.FromURL(req.Method, req.URL, header)
	if err != nil {
		return deny(CodeMalformedSignature), agentURL
	}
	if err := httpsig.Verify(sigReq, params, extracted.Signature, pub); err != nil {
		if errors.Is(err, httpsig.ErrBadSignature) {
			return deny(CodeBadSignature), agentURL
		}
		return deny(CodeMalformedSignature), agentURL
	}

	// Step 9: receipt, when presented. A valid signature with a
	// mismatched receipt is still a deny.
	receiptOK := false
	if receipt := header.Get(HeaderReceipt); receipt != "" {
		hash := RequestHash(sigReq.Method, sigReq.Path, params.Created, params.KeyID)
		if err := s.cfg.Receipts.VerifyReceipt(ctx, receipt, hash); err != nil {
			s.logger.Info("receipt rejected", zap.String("request_hash", hash))
			return deny(CodeReceiptInvalid), agentURL
		}
		receiptOK = true
	}

	// Verdict.
	return Result{
		Verified:        true,
		ReceiptVerified: receiptOK,
		Agent: &AgentInfo{
			JWKSURL:    agentURL,
			Kid:        params.KeyID,
			ClientName: doc.ClientName,
		},
		Created: params.Created,
		Expires: expires.Unix(),
	}, agentURL
}

// directoryTrusted checks the Signature-Agent origin against the
// allow-list. An empty allow-list accepts any absolute URL.
func (s *Service) directoryTrusted(agentURL string) bool {
	u, err := url.Parse(agentURL)
	if err != nil || !u.IsAbs() || u.Hostname() == "" {
		return false
	}
	if len(s.cfg.TrustedDirectories) == 0 {
		return true
	}
	host := strings.ToLower(u.Hostname())
	for _, trusted := range s.cfg.TrustedDirectories {
		if host == strings.ToLower(strings.TrimSpace(trusted)) {
			return true
		}
	}
	return false
}

func deny(code ErrorCode) Result {
	return Result{Verified: false, Error: code}
}

// UsernameFromJWKSURL extracts the username from a directory URL of the
// form …/jwks/{username}.json. Returns "" for any other shape.
func UsernameFromJWKSURL(rawurl string) string {
	u, err := url.Parse(rawurl)
	if err != nil {
		return ""
	}
	path := u.Path
	const prefix = "/jwks/"
	i := strings.LastIndex(path, prefix)
	if i < 0 || !strings.HasSuffix(path, ".json") {
		return ""
	}
	name := path[i+len(prefix) : len(path)-len(".json")]
	if name == "" || strings.ContainsRune(name, '/') {
		return ""
	}
	return name
}

func originOf(rawurl string) string {
	u, err := url.Parse(rawurl)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

// hashForLog returns a short SHA-256 digest so nonces and kids never
// appear raw in logs.
func hashForLog(v string) string {
	sum := sha256.Sum256([]byte(v))
	return hex.EncodeToString(sum[:8])
}

// RequestHash is the payment-challenge binding:
// hex sha256 of method|path|created|kid.
func RequestHash(method, path string, created int64, kid string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%s", method, path, created, kid)))
	return hex.EncodeToString(sum[:])
}
