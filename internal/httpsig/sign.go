package httpsig

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"
)

// HeaderSignatureInput, HeaderSignature, and HeaderSignatureAgent are the
// three headers carried by every signed request.
const (
	HeaderSignatureInput = "Signature-Input"
	HeaderSignature      = "Signature"
	HeaderSignatureAgent = "Signature-Agent"
)

// DefaultExpiry is the signature lifetime the signer requests and the
// verifier assumes when expires is absent.
const DefaultExpiry = 300 * time.Second

// DefaultComponents is the minimum covered set.
var DefaultComponents = []string{"@method", "@path", "@authority"}

// SignOptions configure one signing operation.
type SignOptions struct {
	Key        ed25519.PrivateKey
	KeyID      string
	AgentURL   string   // Signature-Agent value, an absolute JWKS URL
	Components []string // nil means DefaultComponents
	Label      string   // "" means DefaultLabel
	Tag        string
	Created    time.Time // zero means now
	Expiry     time.Duration
}

// SignResult holds the three header values produced by Sign.
type SignResult struct {
	SignatureInput string
	Signature      string
	SignatureAgent string
	Params         Params
}

// Sign constructs the base string for req, signs it, and returns the
// three headers. A fresh 16-byte nonce is generated per call.
func Sign(req Request, opts SignOptions) (*SignResult, error) {
	if len(opts.Key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("httpsig: private key is %d bytes, want %d", len(opts.Key), ed25519.PrivateKeySize)
	}
	if opts.KeyID == "" || opts.AgentURL == "" {
		return nil, fmt.Errorf("httpsig: keyid and agent URL are required")
	}

	components := opts.Components
	if components == nil {
		components = DefaultComponents
	}
	if err := CheckCoveredComponents(components); err != nil {
		return nil, err
	}

	label := opts.Label
	if label == "" {
		label = DefaultLabel
	}
	created := opts.Created
	if created.IsZero() {
		created = time.Now()
	}
	expiry := opts.Expiry
	if expiry == 0 {
		expiry = DefaultExpiry
	}

	nonce, err := newNonce()
	if err != nil {
		return nil, err
	}

	params := Params{
		Components: components,
		Created:    created.Unix(),
		Expires:    created.Add(expiry).Unix(),
		Nonce:      nonce,
		KeyID:      opts.KeyID,
		Alg:        AlgEd25519,
		Tag:        opts.Tag,
	}

	base, err := BuildBase(req, params)
	if err != nil {
		return nil, err
	}

	sig := ed25519.Sign(opts.Key, []byte(base))
	return &SignResult{
		SignatureInput: label + "=" + params.Serialize(),
		Signature:      label + "=:" + base64.StdEncoding.EncodeToString(sig) + ":",
		SignatureAgent: opts.AgentURL,
		Params:         params,
	}, nil
}

// Apply sets the three headers on an *http.Request-style header map.
func (r *SignResult) Apply(set func(key, value string)) {
	set(HeaderSignatureInput, r.SignatureInput)
	set(HeaderSignature, r.Signature)
	set(HeaderSignatureAgent, r.SignatureAgent)
}

// newNonce returns 16 random bytes as unpadded base64url.
func newNonce() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("httpsig: generate nonce: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf[:]), nil
}
