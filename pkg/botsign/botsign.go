// Package botsign is the client SDK for OpenBotAuth: it signs outbound
// HTTP requests with RFC 9421 HTTP Message Signatures and drives the
// 402 payment-challenge retry loop.
package botsign

import (
	"crypto/ed25519"
	"net/http"
	"time"

	"github.com/openbotauth/openbotauth/internal/httpsig"
	"github.com/openbotauth/openbotauth/internal/jwk"
)

// Signer holds a bot identity: the Ed25519 private key, its canonical
// kid, and the Signature-Agent directory URL relying parties resolve.
type Signer struct {
	key        ed25519.PrivateKey
	keyID      string
	agentURL   string
	components []string
	tag        string
	expiry     time.Duration
}

// SignerOption configures a Signer.
type SignerOption func(*Signer)

// WithComponents overrides the covered component set.
func WithComponents(components ...string) SignerOption {
	return func(s *Signer) { s.components = components }
}

// WithTag sets the application tag carried in signature params.
func WithTag(tag string) SignerOption {
	return func(s *Signer) { s.tag = tag }
}

// WithExpiry sets the requested signature lifetime.
func WithExpiry(d time.Duration) SignerOption {
	return func(s *Signer) { s.expiry = d }
}

// WithKeyID overrides the derived kid, for keys registered under a
// legacy identifier.
func WithKeyID(kid string) SignerOption {
	return func(s *Signer) { s.keyID = kid }
}

// NewSigner creates a Signer. The kid defaults to the canonical JWK
// thumbprint of the public key.
func NewSigner(key ed25519.PrivateKey, agentURL string, opts ...SignerOption) (*Signer, error) {
	pub, ok := key.Public().(ed25519.PublicKey)
	if !ok {
		return nil, jwk.ErrMalformedKey
	}
	k, err := jwk.FromEd25519(pub)
	if err != nil {
		return nil, err
	}
	s := &Signer{
		key:      key,
		keyID:    k.Kid,
		agentURL: agentURL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// KeyID returns the kid the Signer signs under.
func (s *Signer) KeyID() string { return s.keyID }

// AgentURL returns the Signature-Agent value.
func (s *Signer) AgentURL() string { return s.agentURL }

// Sign attaches the three signature headers to req. A fresh nonce and
// created timestamp are used on every call, so re-signing a retried
// request is always safe.
func (s *Signer) Sign(req *http.Request) error {
	result, err := httpsig.Sign(httpsig.FromHTTP(req), httpsig.SignOptions{
		Key:        s.key,
		KeyID:      s.keyID,
		AgentURL:   s.agentURL,
		Components: s.components,
		Tag:        s.tag,
		Expiry:     s.expiry,
	})
	if err != nil {
		return err
	}
	result.Apply(req.Header.Set)
	return nil
}
