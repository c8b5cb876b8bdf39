package httpsig_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/openbotauth/openbotauth/internal/httpsig"
)

func testRequest(t *testing.T) httpsig.Request {
	t.Helper()
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	req, err := httpsig.FromURL("GET", "https://origin.example:443/articles/42?page=2", h)
	if err != nil {
		t.Fatalf("FromURL: %v", err)
	}
	return req
}

// ── Signature base ───────────────────────────────────────────────────────

func TestBuildBase_knownAnswer(t *testing.T) {
	req := testRequest(t)
	params := httpsig.Params{
		Components: []string{"@method", "@path", "@authority", "@query"},
		Created:    1700000000,
		Expires:    1700000300,
		Nonce:      "abc123",
		KeyID:      "test-kid",
		Alg:        "ed25519",
	}

	base, err := httpsig.BuildBase(req, params)
	if err != nil {
		t.Fatalf("BuildBase: %v", err)
	}

	want := strings.Join([]string{
		`"@method": GET`,
		`"@path": /articles/42`,
		`"@authority": origin.example`,
		`"@query": ?page=2`,
		`"@signature-params": ("@method" "@path" "@authority" "@query");created=1700000000;expires=1700000300;nonce="abc123";keyid="test-kid";alg="ed25519"`,
	}, "\n")
	if base != want {
		t.Fatalf("base mismatch:\ngot:\n%s\nwant:\n%s", base, want)
	}
}

func TestBuildBase_defaultPortStripped(t *testing.T) {
	for _, tc := range []struct {
		url  string
		want string
	}{
		{"https://Origin.Example:443/x", "origin.example"},
		{"http://origin.example:80/x", "origin.example"},
		{"https://origin.example:8443/x", "origin.example:8443"},
	} {
		req, err := httpsig.FromURL("GET", tc.url, nil)
		if err != nil {
			t.Fatalf("FromURL(%q): %v", tc.url, err)
		}
		base, err := httpsig.BuildBase(req, httpsig.Params{Components: []string{"@authority"}})
		if err != nil {
			t.Fatalf("BuildBase: %v", err)
		}
		if !strings.Contains(base, `"@authority": `+tc.want+"\n") {
			t.Errorf("%s: authority line wrong in:\n%s", tc.url, base)
		}
	}
}

func TestBuildBase_emptyQueryOmitsQuestionMark(t *testing.T) {
	req, _ := httpsig.FromURL("GET", "https://origin.example/x", nil)
	base, err := httpsig.BuildBase(req, httpsig.Params{Components: []string{"@query"}})
	if err != nil {
		t.Fatalf("BuildBase: %v", err)
	}
	if !strings.Contains(base, `"@query": `+"\n") {
		t.Fatalf("empty @query must produce an empty value:\n%s", base)
	}
}

func TestBuildBase_headerComponents(t *testing.T) {
	h := http.Header{}
	h.Add("X-Custom", "  one  ")
	h.Add("X-Custom", "two")
	req, _ := httpsig.FromURL("POST", "https://origin.example/x", h)

	base, err := httpsig.BuildBase(req, httpsig.Params{Components: []string{"x-custom"}})
	if err != nil {
		t.Fatalf("BuildBase: %v", err)
	}
	if !strings.Contains(base, `"x-custom": one, two`+"\n") {
		t.Fatalf("repeated header not joined with OWS trimmed:\n%s", base)
	}

	_, err = httpsig.BuildBase(req, httpsig.Params{Components: []string{"x-missing"}})
	if !errors.Is(err, httpsig.ErrMissingComponent) {
		t.Fatalf("missing header: got %v, want ErrMissingComponent", err)
	}
}

func TestBuildBase_unknownDerivedComponent(t *testing.T) {
	req := testRequest(t)
	_, err := httpsig.BuildBase(req, httpsig.Params{Components: []string{"@bogus"}})
	if !errors.Is(err, httpsig.ErrUnknownDerivedComponent) {
		t.Fatalf("got %v, want ErrUnknownDerivedComponent", err)
	}
}

func TestCheckCoveredComponents_rejectsSensitiveHeaders(t *testing.T) {
	for _, name := range []string{"cookie", "Authorization", "PROXY-AUTHORIZATION", "www-authenticate"} {
		err := httpsig.CheckCoveredComponents([]string{"@method", name})
		if !errors.Is(err, httpsig.ErrSensitiveHeaderCovered) {
			t.Errorf("%s: got %v, want ErrSensitiveHeaderCovered", name, err)
		}
	}
	if err := httpsig.CheckCoveredComponents([]string{"@method", "content-type"}); err != nil {
		t.Fatalf("benign set rejected: %v", err)
	}
}

// ── Params encode/parse ──────────────────────────────────────────────────

func TestParseSignatureInput_roundTrip(t *testing.T) {
	in := httpsig.Params{
		Components: []string{"@method", "@path", "@authority"},
		Created:    1700000000,
		Expires:    1700000300,
		Nonce:      "n-123",
		KeyID:      "kid-1",
		Alg:        "ed25519",
		Tag:        "web-bot-auth",
	}

	label, out, err := httpsig.ParseSignatureInput("sig1="+in.Serialize(), "")
	if err != nil {
		t.Fatalf("ParseSignatureInput: %v", err)
	}
	if label != "sig1" {
		t.Fatalf("label = %q", label)
	}
	if out.Created != in.Created || out.Expires != in.Expires ||
		out.Nonce != in.Nonce || out.KeyID != in.KeyID ||
		out.Alg != in.Alg || out.Tag != in.Tag {
		t.Fatalf("params mismatch: %+v vs %+v", out, in)
	}
	if len(out.Components) != 3 || out.Components[0] != "@method" {
		t.Fatalf("components mismatch: %v", out.Components)
	}
}

func TestParseSignatureInput_multiLabel(t *testing.T) {
	value := `sig1=("@method");created=1;keyid="a";alg="ed25519", sig2=("@method");created=2;keyid="b";alg="ed25519"`

	if _, _, err := httpsig.ParseSignatureInput(value, ""); !errors.Is(err, httpsig.ErrAmbiguousLabel) {
		t.Fatalf("no preference: got %v, want ErrAmbiguousLabel", err)
	}

	label, params, err := httpsig.ParseSignatureInput(value, "sig2")
	if err != nil {
		t.Fatalf("with preference: %v", err)
	}
	if label != "sig2" || params.KeyID != "b" {
		t.Fatalf("got label=%q keyid=%q, want sig2/b", label, params.KeyID)
	}

	if _, _, err := httpsig.ParseSignatureInput(value, "sig9"); !errors.Is(err, httpsig.ErrAmbiguousLabel) {
		t.Fatalf("absent preference: got %v, want ErrAmbiguousLabel", err)
	}
}

func TestParseSignatureInput_malformed(t *testing.T) {
	for _, value := range []string{
		"",
		"sig1=not-a-list",
		`sig1=("@method"`,
		`=("@method");created=1`,
		`sig1=("@method");created=abc`,
	} {
		if _, _, err := httpsig.ParseSignatureInput(value, ""); !errors.Is(err, httpsig.ErrMalformedSignature) {
			t.Errorf("%q: got %v, want ErrMalformedSignature", value, err)
		}
	}
}

func TestParseSignatureInput_ignoresUnknownParameters(t *testing.T) {
	value := `sig1=("@method");created=1700000000;keyid="k";alg="ed25519";future="x"`
	_, params, err := httpsig.ParseSignatureInput(value, "")
	if err != nil {
		t.Fatalf("ParseSignatureInput: %v", err)
	}
	if params.KeyID != "k" {
		t.Fatalf("keyid lost: %+v", params)
	}
}

func TestParseSignature(t *testing.T) {
	b64, err := httpsig.ParseSignature("sig1=:QUJD:", "sig1")
	if err != nil {
		t.Fatalf("ParseSignature: %v", err)
	}
	if b64 != "QUJD" {
		t.Fatalf("payload = %q", b64)
	}

	if _, err := httpsig.ParseSignature("sig1=:QUJD:", "sig2"); !errors.Is(err, httpsig.ErrMalformedSignature) {
		t.Fatalf("wrong label: got %v", err)
	}
	if _, err := httpsig.ParseSignature("sig1=QUJD", "sig1"); !errors.Is(err, httpsig.ErrMalformedSignature) {
		t.Fatalf("missing colons: got %v", err)
	}
}

func TestParamsValidate(t *testing.T) {
	valid := httpsig.Params{Created: 1, KeyID: "k", Alg: "Ed25519"}
	if err := valid.Validate(); err != nil {
		t.Fatalf("case-insensitive alg rejected: %v", err)
	}

	cases := []struct {
		name string
		p    httpsig.Params
		want error
	}{
		{"missing created", httpsig.Params{KeyID: "k", Alg: "ed25519"}, httpsig.ErrMissingRequiredParameter},
		{"missing keyid", httpsig.Params{Created: 1, Alg: "ed25519"}, httpsig.ErrMissingRequiredParameter},
		{"missing alg", httpsig.Params{Created: 1, KeyID: "k"}, httpsig.ErrMissingRequiredParameter},
		{"rsa alg", httpsig.Params{Created: 1, KeyID: "k", Alg: "rsa-pss-sha512"}, httpsig.ErrUnsupportedAlgorithm},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.p.Validate(); !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
		})
	}
}

// ── Sign / Extract / Verify ──────────────────────────────────────────────

func TestSignExtractVerify(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	req := testRequest(t)

	result, err := httpsig.Sign(req, httpsig.SignOptions{
		Key:      priv,
		KeyID:    "kid-1",
		AgentURL: "https://registry.example/jwks/alice.json",
		Tag:      "web-bot-auth",
	})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	// Apply then re-extract as a verifier would.
	h := http.Header{}
	result.Apply(h.Set)

	ext, err := httpsig.Extract(h.Get, "")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if ext.Label != httpsig.DefaultLabel {
		t.Fatalf("label = %q", ext.Label)
	}
	if ext.AgentURL != "https://registry.example/jwks/alice.json" {
		t.Fatalf("agent URL = %q", ext.AgentURL)
	}
	if err := ext.Params.Validate(); err != nil {
		t.Fatalf("params invalid: %v", err)
	}
	if ext.Params.Nonce == "" {
		t.Fatal("nonce missing")
	}
	if got := ext.Params.Expires - ext.Params.Created; got != int64(httpsig.DefaultExpiry/time.Second) {
		t.Fatalf("expiry window = %ds", got)
	}

	if err := httpsig.Verify(req, ext.Params, ext.Signature, pub); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerify_detectsTampering(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	req := testRequest(t)

	result, err := httpsig.Sign(req, httpsig.SignOptions{
		Key:      priv,
		KeyID:    "kid-1",
		AgentURL: "https://registry.example/jwks/alice.json",
	})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	h := http.Header{}
	result.Apply(h.Set)
	ext, err := httpsig.Extract(h.Get, "")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}

	// A changed covered component breaks the signature.
	tampered := req
	tampered.Path = "/articles/43"
	if err := httpsig.Verify(tampered, ext.Params, ext.Signature, pub); !errors.Is(err, httpsig.ErrBadSignature) {
		t.Fatalf("tampered path: got %v, want ErrBadSignature", err)
	}

	// A different key fails too.
	otherPub, _, _ := ed25519.GenerateKey(rand.Reader)
	if err := httpsig.Verify(req, ext.Params, ext.Signature, otherPub); !errors.Is(err, httpsig.ErrBadSignature) {
		t.Fatalf("wrong key: got %v, want ErrBadSignature", err)
	}
}

func TestSign_freshNoncePerCall(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	req := testRequest(t)
	opts := httpsig.SignOptions{
		Key:      priv,
		KeyID:    "kid-1",
		AgentURL: "https://registry.example/jwks/alice.json",
	}

	a, err := httpsig.Sign(req, opts)
	if err != nil {
		t.Fatal(err)
	}
	b, err := httpsig.Sign(req, opts)
	if err != nil {
		t.Fatal(err)
	}
	if a.Params.Nonce == b.Params.Nonce {
		t.Fatal("two signatures share a nonce")
	}
}

func TestSign_refusesSensitiveComponents(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	req := testRequest(t)

	_, err := httpsig.Sign(req, httpsig.SignOptions{
		Key:        priv,
		KeyID:      "kid-1",
		AgentURL:   "https://registry.example/jwks/alice.json",
		Components: []string{"@method", "authorization"},
	})
	if !errors.Is(err, httpsig.ErrSensitiveHeaderCovered) {
		t.Fatalf("got %v, want ErrSensitiveHeaderCovered", err)
	}
}

func TestExtract_missingHeaders(t *testing.T) {
	h := http.Header{}
	h.Set(httpsig.HeaderSignatureInput, `sig1=("@method");created=1;keyid="k";alg="ed25519"`)
	// Signature and Signature-Agent absent.
	if _, err := httpsig.Extract(h.Get, ""); !errors.Is(err, httpsig.ErrMalformedSignature) {
		t.Fatalf("got %v, want ErrMalformedSignature", err)
	}
}

func TestFromHTTP(t *testing.T) {
	hr, err := http.NewRequest("POST", "https://origin.example/a%20b/c?q=1", nil)
	if err != nil {
		t.Fatal(err)
	}
	req := httpsig.FromHTTP(hr)
	if req.Path != "/a%20b/c" {
		t.Fatalf("escaped path lost: %q", req.Path)
	}
	if req.Authority != "origin.example" || req.Scheme != "https" || req.Query != "q=1" {
		t.Fatalf("unexpected request view: %+v", req)
	}
}
