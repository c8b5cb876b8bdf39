package verifier_test

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/openbotauth/openbotauth/internal/directory"
	"github.com/openbotauth/openbotauth/internal/httpsig"
	"github.com/openbotauth/openbotauth/internal/jwk"
	"github.com/openbotauth/openbotauth/internal/kv"
	"github.com/openbotauth/openbotauth/internal/verifier"
)

// ── Fixtures ─────────────────────────────────────────────────────────────

type fixture struct {
	pub      ed25519.PublicKey
	priv     ed25519.PrivateKey
	kid      string
	agentURL string
	dirHits  *atomic.Int32
	dirs     *directory.Cache
	nonces   *kv.Memory
}

// newFixture stands up a directory server publishing the test key and a
// cache pointed at it.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	key, err := jwk.FromEd25519(pub)
	if err != nil {
		t.Fatal(err)
	}

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", directory.MediaType)
		json.NewEncoder(w).Encode(directory.Document{
			ClientName: "TestBot",
			Keys:       []jwk.Key{key},
		})
	}))
	t.Cleanup(srv.Close)

	nonces := kv.NewMemory(0)
	t.Cleanup(func() { nonces.Close() })

	return &fixture{
		pub:      pub,
		priv:     priv,
		kid:      key.Kid,
		agentURL: srv.URL + "/jwks/alice.json",
		dirHits:  &hits,
		dirs:     directory.NewCache(directory.CacheConfig{DefaultTTL: time.Minute}, zap.NewNop()),
		nonces:   nonces,
	}
}

func (f *fixture) service(cfg verifier.Config, sink verifier.TelemetrySink) *verifier.Service {
	return verifier.NewService(cfg, f.dirs, f.nonces, sink, zap.NewNop())
}

// sign produces the header map an edge would forward.
func (f *fixture) sign(t *testing.T, method, rawurl string, opts httpsig.SignOptions) map[string]string {
	t.Helper()
	req, err := httpsig.FromURL(method, rawurl, nil)
	if err != nil {
		t.Fatal(err)
	}
	opts.Key = f.priv
	if opts.KeyID == "" {
		opts.KeyID = f.kid
	}
	if opts.AgentURL == "" {
		opts.AgentURL = f.agentURL
	}
	result, err := httpsig.Sign(req, opts)
	if err != nil {
		t.Fatal(err)
	}
	headers := map[string]string{}
	result.Apply(func(k, v string) { headers[k] = v })
	return headers
}

const targetURL = "https://origin.example/articles/42"

func verifyReq(headers map[string]string) verifier.VerifyRequest {
	return verifier.VerifyRequest{Method: "GET", URL: targetURL, Headers: headers}
}

// ── Pipeline ─────────────────────────────────────────────────────────────

func TestVerify_happyPath(t *testing.T) {
	f := newFixture(t)
	svc := f.service(verifier.Config{}, nil)

	headers := f.sign(t, "GET", targetURL, httpsig.SignOptions{})
	result := svc.Verify(context.Background(), verifyReq(headers))

	if !result.Verified {
		t.Fatalf("not verified: %+v", result)
	}
	if result.Agent == nil || result.Agent.Kid != f.kid || result.Agent.JWKSURL != f.agentURL {
		t.Fatalf("agent info wrong: %+v", result.Agent)
	}
	if result.Agent.ClientName != "TestBot" {
		t.Fatalf("client_name = %q", result.Agent.ClientName)
	}
	if result.Created == 0 || result.Expires <= result.Created {
		t.Fatalf("bad validity window: created=%d expires=%d", result.Created, result.Expires)
	}
}

func TestVerify_replayDenied(t *testing.T) {
	f := newFixture(t)
	svc := f.service(verifier.Config{}, nil)

	headers := f.sign(t, "GET", targetURL, httpsig.SignOptions{})
	ctx := context.Background()

	if result := svc.Verify(ctx, verifyReq(headers)); !result.Verified {
		t.Fatalf("first pass not verified: %+v", result)
	}
	second := svc.Verify(ctx, verifyReq(headers))
	if second.Verified || second.Error != verifier.CodeReplay {
		t.Fatalf("replay: got %+v, want CodeReplay", second)
	}
}

func TestVerify_replayConcurrent(t *testing.T) {
	f := newFixture(t)
	svc := f.service(verifier.Config{}, nil)

	// Warm the directory cache so the fanout races only on the nonce.
	if result := svc.Verify(context.Background(), verifyReq(f.sign(t, "GET", targetURL, httpsig.SignOptions{}))); !result.Verified {
		t.Fatalf("warmup not verified: %+v", result)
	}

	headers := f.sign(t, "GET", targetURL, httpsig.SignOptions{})
	const attempts = 16

	var wg sync.WaitGroup
	var allowed, replayed atomic.Int32
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result := svc.Verify(context.Background(), verifyReq(headers))
			switch {
			case result.Verified:
				allowed.Add(1)
			case result.Error == verifier.CodeReplay:
				replayed.Add(1)
			}
		}()
	}
	wg.Wait()

	if allowed.Load() != 1 {
		t.Fatalf("%d concurrent attempts verified, want exactly 1", allowed.Load())
	}
	if replayed.Load() != attempts-1 {
		t.Fatalf("%d replays rejected, want %d", replayed.Load(), attempts-1)
	}
}

// ── Receipts ─────────────────────────────────────────────────────────────

func TestVerify_receiptHook(t *testing.T) {
	f := newFixture(t)
	svc := f.service(verifier.Config{}, nil)
	ctx := context.Background()

	created := time.Now()
	match := verifier.RequestHash("GET", "/articles/42", created.Unix(), f.kid)

	headers := f.sign(t, "GET", targetURL, httpsig.SignOptions{Created: created})
	headers[verifier.HeaderReceipt] = match
	result := svc.Verify(ctx, verifyReq(headers))
	if !result.Verified || !result.ReceiptVerified {
		t.Fatalf("matching receipt: %+v", result)
	}

	// A cryptographically valid signature with a garbage receipt is
	// still a deny.
	headers = f.sign(t, "GET", targetURL, httpsig.SignOptions{Created: created})
	headers[verifier.HeaderReceipt] = "not-the-hash"
	result = svc.Verify(ctx, verifyReq(headers))
	if result.Verified || result.Error != verifier.CodeReceiptInvalid {
		t.Fatalf("mismatched receipt: got %+v, want CodeReceiptInvalid", result)
	}

	// No receipt header leaves the flag unset.
	headers = f.sign(t, "GET", targetURL, httpsig.SignOptions{})
	result = svc.Verify(ctx, verifyReq(headers))
	if !result.Verified || result.ReceiptVerified {
		t.Fatalf("no receipt: %+v", result)
	}
}

func TestVerify_freshness(t *testing.T) {
	f := newFixture(t)
	svc := f.service(verifier.Config{MaxSkew: 300 * time.Second}, nil)
	ctx := context.Background()

	cases := []struct {
		name    string
		created time.Time
		expiry  time.Duration
		want    verifier.ErrorCode
	}{
		{"stale", time.Now().Add(-10 * time.Minute), 5 * time.Minute, verifier.CodeStale},
		{"future", time.Now().Add(10 * time.Minute), 5 * time.Minute, verifier.CodeFuture},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			headers := f.sign(t, "GET", targetURL, httpsig.SignOptions{Created: tc.created, Expiry: tc.expiry})
			result := svc.Verify(ctx, verifyReq(headers))
			if result.Verified || result.Error != tc.want {
				t.Fatalf("got %+v, want %s", result, tc.want)
			}
		})
	}
}

func TestVerify_expiredWithinSkew(t *testing.T) {
	f := newFixture(t)
	// Wide skew so the expired check, not staleness, trips.
	svc := f.service(verifier.Config{MaxSkew: time.Hour}, nil)

	headers := f.sign(t, "GET", targetURL, httpsig.SignOptions{
		Created: time.Now().Add(-10 * time.Minute),
		Expiry:  5 * time.Minute,
	})
	result := svc.Verify(context.Background(), verifyReq(headers))
	if result.Verified || result.Error != verifier.CodeExpired {
		t.Fatalf("got %+v, want CodeExpired", result)
	}
}

func TestVerify_missingAndMalformed(t *testing.T) {
	f := newFixture(t)
	svc := f.service(verifier.Config{}, nil)
	ctx := context.Background()

	result := svc.Verify(ctx, verifyReq(nil))
	if result.Error != verifier.CodeMissingSignature {
		t.Fatalf("no headers: got %s, want MissingSignature", result.Error)
	}

	headers := f.sign(t, "GET", targetURL, httpsig.SignOptions{})
	headers[httpsig.HeaderSignatureInput] = "sig1=garbage"
	result = svc.Verify(ctx, verifyReq(headers))
	if result.Error != verifier.CodeMalformedSignature {
		t.Fatalf("garbage input: got %s, want MalformedSignature", result.Error)
	}
}

// dummySignature is a well-formed but meaningless Ed25519-sized value.
func dummySignature() string {
	return base64.StdEncoding.EncodeToString(make([]byte, ed25519.SignatureSize))
}

func craftedHeaders(agentURL string, params httpsig.Params) map[string]string {
	return map[string]string{
		httpsig.HeaderSignatureInput: "sig1=" + params.Serialize(),
		httpsig.HeaderSignature:      "sig1=:" + dummySignature() + ":",
		httpsig.HeaderSignatureAgent: agentURL,
	}
}

func TestVerify_sensitiveHeaderCheckedBeforeFetch(t *testing.T) {
	f := newFixture(t)
	svc := f.service(verifier.Config{}, nil)

	headers := craftedHeaders(f.agentURL, httpsig.Params{
		Components: []string{"@method", "cookie"},
		Created:    time.Now().Unix(),
		Nonce:      "n-1",
		KeyID:      f.kid,
		Alg:        "ed25519",
	})
	result := svc.Verify(context.Background(), verifyReq(headers))
	if result.Error != verifier.CodeSensitiveHeaderCovered {
		t.Fatalf("got %s, want SensitiveHeaderCovered", result.Error)
	}
	if n := f.dirHits.Load(); n != 0 {
		t.Fatalf("directory fetched %d times before the sensitive-header check", n)
	}
}

func TestVerify_nonceRequired(t *testing.T) {
	f := newFixture(t)
	svc := f.service(verifier.Config{}, nil)

	headers := craftedHeaders(f.agentURL, httpsig.Params{
		Components: []string{"@method"},
		Created:    time.Now().Unix(),
		KeyID:      f.kid,
		Alg:        "ed25519",
	})
	result := svc.Verify(context.Background(), verifyReq(headers))
	if result.Error != verifier.CodeNonceMissing {
		t.Fatalf("got %s, want NonceMissing", result.Error)
	}
}

func TestVerify_untrustedDirectory(t *testing.T) {
	f := newFixture(t)
	svc := f.service(verifier.Config{TrustedDirectories: []string{"registry.example"}}, nil)

	headers := f.sign(t, "GET", targetURL, httpsig.SignOptions{})
	result := svc.Verify(context.Background(), verifyReq(headers))
	if result.Error != verifier.CodeUntrustedDirectory {
		t.Fatalf("got %s, want UntrustedDirectory", result.Error)
	}
	if n := f.dirHits.Load(); n != 0 {
		t.Fatal("untrusted directory was fetched")
	}
}

func TestVerify_relativeAgentURLDenied(t *testing.T) {
	f := newFixture(t)
	svc := f.service(verifier.Config{}, nil)

	headers := f.sign(t, "GET", targetURL, httpsig.SignOptions{})
	headers[httpsig.HeaderSignatureAgent] = "/jwks/alice.json"
	result := svc.Verify(context.Background(), verifyReq(headers))
	if result.Error != verifier.CodeUntrustedDirectory {
		t.Fatalf("got %s, want UntrustedDirectory", result.Error)
	}
}

func TestVerify_unknownKidTriggersOneRefresh(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	key, _ := jwk.FromEd25519(pub)

	// First response omits the key, simulating a stale cached directory;
	// later responses carry it.
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := hits.Add(1)
		doc := directory.Document{ClientName: "TestBot"}
		if n > 1 {
			doc.Keys = []jwk.Key{key}
		}
		json.NewEncoder(w).Encode(doc)
	}))
	defer srv.Close()

	nonces := kv.NewMemory(0)
	defer nonces.Close()
	dirs := directory.NewCache(directory.CacheConfig{DefaultTTL: time.Hour}, zap.NewNop())
	svc := verifier.NewService(verifier.Config{}, dirs, nonces, nil, zap.NewNop())

	agentURL := srv.URL + "/jwks/alice.json"
	req, _ := httpsig.FromURL("GET", targetURL, nil)
	result, err := httpsig.Sign(req, httpsig.SignOptions{Key: priv, KeyID: key.Kid, AgentURL: agentURL})
	if err != nil {
		t.Fatal(err)
	}
	headers := map[string]string{}
	result.Apply(func(k, v string) { headers[k] = v })

	out := svc.Verify(context.Background(), verifier.VerifyRequest{Method: "GET", URL: targetURL, Headers: headers})
	if !out.Verified {
		t.Fatalf("rotated key not picked up on refresh: %+v", out)
	}
	if n := hits.Load(); n != 2 {
		t.Fatalf("directory hit %d times, want 2 (cache then refresh)", n)
	}
}

func TestVerify_badSignature(t *testing.T) {
	f := newFixture(t)
	svc := f.service(verifier.Config{}, nil)

	// Signed for GET, replayed as DELETE: a covered component changed.
	headers := f.sign(t, "GET", targetURL, httpsig.SignOptions{})
	result := svc.Verify(context.Background(), verifier.VerifyRequest{
		Method:  "DELETE",
		URL:     targetURL,
		Headers: headers,
	})
	if result.Verified || result.Error != verifier.CodeBadSignature {
		t.Fatalf("got %+v, want CodeBadSignature", result)
	}
}

func TestVerify_requireTag(t *testing.T) {
	f := newFixture(t)
	svc := f.service(verifier.Config{RequireTag: "web-bot-auth"}, nil)
	ctx := context.Background()

	headers := f.sign(t, "GET", targetURL, httpsig.SignOptions{})
	if result := svc.Verify(ctx, verifyReq(headers)); result.Error != verifier.CodeTagRequired {
		t.Fatalf("untagged: got %s, want TagRequired", result.Error)
	}

	headers = f.sign(t, "GET", targetURL, httpsig.SignOptions{Tag: "web-bot-auth"})
	if result := svc.Verify(ctx, verifyReq(headers)); !result.Verified {
		t.Fatalf("tagged request denied: %+v", result)
	}
}

// ── Authorize telemetry ──────────────────────────────────────────────────

type chanSink struct{ ch chan string }

func (s *chanSink) RecordVerification(username, origin, method string, verified bool) {
	s.ch <- username
}

func TestAuthorize_recordsTelemetry(t *testing.T) {
	f := newFixture(t)
	sink := &chanSink{ch: make(chan string, 1)}
	svc := f.service(verifier.Config{}, sink)

	headers := f.sign(t, "GET", targetURL, httpsig.SignOptions{})
	result, verdict := svc.Authorize(context.Background(), verifyReq(headers))
	if !result.Verified || verdict.Kind != verifier.VerdictAllow {
		t.Fatalf("got %+v / %+v", result, verdict)
	}

	select {
	case username := <-sink.ch:
		if username != "alice" {
			t.Fatalf("telemetry username = %q, want alice", username)
		}
	case <-time.After(time.Second):
		t.Fatal("telemetry never recorded")
	}
}

// ── Helpers ──────────────────────────────────────────────────────────────

func TestUsernameFromJWKSURL(t *testing.T) {
	cases := []struct {
		url  string
		want string
	}{
		{"https://registry.example/jwks/alice.json", "alice"},
		{"https://registry.example/v1/jwks/bob.json", "bob"},
		{"https://registry.example/jwks/alice", ""},
		{"https://registry.example/jwks/.json", ""},
		{"https://registry.example/other/alice.json", ""},
		{"://bad", ""},
	}
	for _, tc := range cases {
		if got := verifier.UsernameFromJWKSURL(tc.url); got != tc.want {
			t.Errorf("UsernameFromJWKSURL(%q) = %q, want %q", tc.url, got, tc.want)
		}
	}
}

func TestRequestHash_deterministic(t *testing.T) {
	a := verifier.RequestHash("GET", "/x", 1700000000, "kid-1")
	b := verifier.RequestHash("GET", "/x", 1700000000, "kid-1")
	if a != b {
		t.Fatal("hash not deterministic")
	}
	if len(a) != 64 {
		t.Fatalf("hash length = %d, want 64 hex chars", len(a))
	}
	if a == verifier.RequestHash("GET", "/y", 1700000000, "kid-1") {
		t.Fatal("path not bound into hash")
	}
}

// ── HTTP surface ─────────────────────────────────────────────────────────

func newTestRouter(t *testing.T, f *fixture, adminSecret string) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	svc := f.service(verifier.Config{}, nil)
	h, err := verifier.NewHandler(svc, f.dirs, f.nonces, adminSecret, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	r := gin.New()
	h.Register(r)
	return r
}

func postJSON(t *testing.T, r *gin.Engine, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_verifyAlwaysHTTP200(t *testing.T) {
	f := newFixture(t)
	r := newTestRouter(t, f, "")

	headers := f.sign(t, "GET", targetURL, httpsig.SignOptions{})
	w := postJSON(t, r, "/verify", verifyReq(headers), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var result verifier.Result
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatal(err)
	}
	if !result.Verified {
		t.Fatalf("not verified: %+v", result)
	}

	// A failed verification is still HTTP 200 on /verify.
	w = postJSON(t, r, "/verify", verifyReq(nil), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("failed verification status = %d, want 200", w.Code)
	}
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatal(err)
	}
	if result.Verified || result.Error != verifier.CodeMissingSignature {
		t.Fatalf("got %+v", result)
	}
}

func TestHandler_authorizeEmitsTrustHeaders(t *testing.T) {
	f := newFixture(t)
	r := newTestRouter(t, f, "")

	headers := f.sign(t, "GET", targetURL, httpsig.SignOptions{})
	w := postJSON(t, r, "/authorize", verifyReq(headers), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if w.Header().Get(verifier.HeaderVerified) != "true" {
		t.Fatal("X-OBAuth-Verified missing")
	}
	if w.Header().Get(verifier.HeaderAgentKID) != f.kid {
		t.Fatalf("kid header = %q", w.Header().Get(verifier.HeaderAgentKID))
	}
	if w.Header().Get(verifier.HeaderAgentJWKS) != f.agentURL {
		t.Fatalf("jwks header = %q", w.Header().Get(verifier.HeaderAgentJWKS))
	}

	// Unsigned requests get 401 and no trust headers.
	w = postJSON(t, r, "/authorize", verifyReq(nil), nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("deny status = %d, want 401", w.Code)
	}
	if w.Header().Get(verifier.HeaderVerified) != "" {
		t.Fatal("trust header leaked on deny")
	}
}

func TestHandler_adminRoutes(t *testing.T) {
	f := newFixture(t)
	r := newTestRouter(t, f, "s3cret")

	w := postJSON(t, r, "/cache/jwks/clear", gin.H{}, nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("no secret: status = %d, want 403", w.Code)
	}
	w = postJSON(t, r, "/cache/jwks/clear", gin.H{}, map[string]string{"X-OBAuth-Admin-Secret": "wrong"})
	if w.Code != http.StatusForbidden {
		t.Fatalf("wrong secret: status = %d, want 403", w.Code)
	}
	w = postJSON(t, r, "/cache/nonces/clear", gin.H{}, map[string]string{"X-OBAuth-Admin-Secret": "s3cret"})
	if w.Code != http.StatusOK {
		t.Fatalf("right secret: status = %d, body %s", w.Code, w.Body.String())
	}

	// Routes stay disabled entirely without a configured secret.
	disabled := newTestRouter(t, newFixture(t), "")
	w = postJSON(t, disabled, "/cache/jwks/clear", gin.H{}, map[string]string{"X-OBAuth-Admin-Secret": "anything"})
	if w.Code != http.StatusForbidden {
		t.Fatalf("disabled admin: status = %d, want 403", w.Code)
	}
}
