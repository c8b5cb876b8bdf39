package botsign_test

import (
	"context"
	"crypto/ed25519"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/openbotauth/openbotauth/internal/httpsig"
	"github.com/openbotauth/openbotauth/internal/jwk"
	"github.com/openbotauth/openbotauth/pkg/botsign"
)

const agentURL = "https://registry.example/.well-known/http-message-signatures-directory/alice.json"

func newSigner(t *testing.T, opts ...botsign.SignerOption) (*botsign.Signer, ed25519.PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	s, err := botsign.NewSigner(priv, agentURL, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return s, pub
}

// ── Signer ───────────────────────────────────────────────────────────────

func TestSigner_defaultKeyID(t *testing.T) {
	s, pub := newSigner(t)
	k, err := jwk.FromEd25519(pub)
	if err != nil {
		t.Fatal(err)
	}
	if s.KeyID() != k.Kid {
		t.Fatalf("KeyID = %q, want thumbprint %q", s.KeyID(), k.Kid)
	}
	if s.AgentURL() != agentURL {
		t.Fatalf("AgentURL = %q", s.AgentURL())
	}

	legacy, err := botsign.NewSigner(mustPriv(t), agentURL, botsign.WithKeyID("legacy-kid"))
	if err != nil {
		t.Fatal(err)
	}
	if legacy.KeyID() != "legacy-kid" {
		t.Fatalf("KeyID override = %q", legacy.KeyID())
	}
}

func mustPriv(t *testing.T) ed25519.PrivateKey {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	return priv
}

func TestSigner_signAttachesHeaders(t *testing.T) {
	s, _ := newSigner(t, botsign.WithTag("web-bot-auth"))

	req := httptest.NewRequest(http.MethodGet, "https://origin.example/page", nil)
	if err := s.Sign(req); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	for _, h := range []string{httpsig.HeaderSignatureInput, httpsig.HeaderSignature, httpsig.HeaderSignatureAgent} {
		if req.Header.Get(h) == "" {
			t.Errorf("header %s not set", h)
		}
	}
	if got := req.Header.Get(httpsig.HeaderSignatureAgent); got != agentURL {
		t.Fatalf("Signature-Agent = %q", got)
	}
	if !strings.Contains(req.Header.Get(httpsig.HeaderSignatureInput), `tag="web-bot-auth"`) {
		t.Fatalf("tag missing from Signature-Input: %q", req.Header.Get(httpsig.HeaderSignatureInput))
	}
}

func TestSigner_freshSignaturePerCall(t *testing.T) {
	s, _ := newSigner(t)

	sigs := make(map[string]bool)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "https://origin.example/page", nil)
		if err := s.Sign(req); err != nil {
			t.Fatal(err)
		}
		sigs[req.Header.Get(httpsig.HeaderSignature)] = true
	}
	if len(sigs) != 3 {
		t.Fatalf("%d distinct signatures over 3 signs, want 3", len(sigs))
	}
}

// ── Client payment loop ──────────────────────────────────────────────────

type capturedRequest struct {
	signature string
	receipt   string
	body      string
}

// paywall returns 402 with a challenge until a receipt arrives.
type paywall struct {
	mu   sync.Mutex
	hits []capturedRequest
}

func (p *paywall) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	p.mu.Lock()
	p.hits = append(p.hits, capturedRequest{
		signature: r.Header.Get(httpsig.HeaderSignature),
		receipt:   r.Header.Get(botsign.HeaderReceipt),
		body:      string(body),
	})
	p.mu.Unlock()

	if r.Header.Get(botsign.HeaderReceipt) == "" {
		w.Header().Set(botsign.HeaderPrice, "0.002 USD")
		w.Header().Set(botsign.HeaderRequestHash, strings.Repeat("ab", 32))
		w.Header().Set("Link", `<https://pay.example/settle>; rel="payment"`)
		w.WriteHeader(http.StatusPaymentRequired)
		return
	}
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, "full content")
}

func TestClient_settlesPaymentChallenge(t *testing.T) {
	pw := &paywall{}
	srv := httptest.NewServer(http.HandlerFunc(pw.handler))
	defer srv.Close()

	signer, _ := newSigner(t)
	var seen botsign.Challenge
	client := botsign.NewClient(signer, botsign.WithReceiptFunc(
		func(_ context.Context, ch botsign.Challenge) (string, error) {
			seen = ch
			return "receipt-123", nil
		}))

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/article", strings.NewReader("query body"))
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("final status = %d", resp.StatusCode)
	}

	if seen.Price != "0.002 USD" || seen.RequestHash != strings.Repeat("ab", 32) {
		t.Fatalf("challenge = %+v", seen)
	}
	if seen.PaymentURL != "https://pay.example/settle" {
		t.Fatalf("payment link = %q", seen.PaymentURL)
	}

	if len(pw.hits) != 2 {
		t.Fatalf("%d requests, want 2", len(pw.hits))
	}
	first, second := pw.hits[0], pw.hits[1]
	if first.receipt != "" || second.receipt != "receipt-123" {
		t.Fatalf("receipts = %q, %q", first.receipt, second.receipt)
	}
	// The retry is re-signed, not replayed.
	if first.signature == second.signature {
		t.Fatal("retry reused the original signature")
	}
	if first.body != "query body" || second.body != "query body" {
		t.Fatalf("bodies = %q, %q", first.body, second.body)
	}
}

func TestClient_noPayerConfigured(t *testing.T) {
	pw := &paywall{}
	srv := httptest.NewServer(http.HandlerFunc(pw.handler))
	defer srv.Close()

	signer, _ := newSigner(t)
	client := botsign.NewClient(signer)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/article", nil)
	resp, err := client.Do(req)
	if !errors.Is(err, botsign.ErrNoPayer) {
		t.Fatalf("err = %v, want ErrNoPayer", err)
	}
	if resp == nil || resp.StatusCode != http.StatusPaymentRequired {
		t.Fatal("original 402 not surfaced")
	}
	resp.Body.Close()
	if len(pw.hits) != 1 {
		t.Fatalf("%d requests, want 1", len(pw.hits))
	}
}

func TestClient_receiptFuncError(t *testing.T) {
	pw := &paywall{}
	srv := httptest.NewServer(http.HandlerFunc(pw.handler))
	defer srv.Close()

	signer, _ := newSigner(t)
	client := botsign.NewClient(signer, botsign.WithReceiptFunc(
		func(_ context.Context, _ botsign.Challenge) (string, error) {
			return "", errors.New("wallet empty")
		}))

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/article", nil)
	resp, err := client.Do(req)
	if err == nil || !strings.Contains(err.Error(), "wallet empty") {
		t.Fatalf("err = %v", err)
	}
	if resp == nil || resp.StatusCode != http.StatusPaymentRequired {
		t.Fatal("original 402 not surfaced")
	}
	resp.Body.Close()
}

func TestClient_singleRetry(t *testing.T) {
	// An origin that keeps demanding payment gets exactly one retry.
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Header().Set(botsign.HeaderPrice, "0.002 USD")
		w.WriteHeader(http.StatusPaymentRequired)
	}))
	defer srv.Close()

	signer, _ := newSigner(t)
	client := botsign.NewClient(signer, botsign.WithReceiptFunc(
		func(_ context.Context, _ botsign.Challenge) (string, error) {
			return "receipt-123", nil
		}))

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/article", nil)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402 passed through", resp.StatusCode)
	}
	if hits != 2 {
		t.Fatalf("%d requests, want 2", hits)
	}
}
