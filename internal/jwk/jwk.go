// Package jwk implements the JSON Web Key subset used by OpenBotAuth:
// OKP/Ed25519 public keys, the canonical thumbprint kid, and the legacy
// kid alias retained for pre-thumbprint references.
package jwk

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
)

const (
	// KeyTypeOKP is the only key type accepted in v1.
	KeyTypeOKP = "OKP"
	// CurveEd25519 is the only curve accepted in v1.
	CurveEd25519 = "Ed25519"
)

var (
	ErrUnsupportedKeyType = errors.New("jwk: unsupported key type (only OKP/Ed25519)")
	ErrMalformedKey       = errors.New("jwk: malformed key")
)

// Key is a single JSON Web Key. Only the fields this system produces or
// consumes are modeled; unknown fields are dropped on parse.
type Key struct {
	Kty string   `json:"kty"`
	Crv string   `json:"crv,omitempty"`
	X   string   `json:"x,omitempty"`
	Kid string   `json:"kid,omitempty"`
	Use string   `json:"use,omitempty"`
	Alg string   `json:"alg,omitempty"`
	X5c []string `json:"x5c,omitempty"`
}

// Set is a JWKS document body.
type Set struct {
	Keys []Key `json:"keys"`
}

// FromEd25519 builds an OKP JWK from a raw Ed25519 public key. The kid is
// the canonical thumbprint.
func FromEd25519(pub ed25519.PublicKey) (Key, error) {
	if len(pub) != ed25519.PublicKeySize {
		return Key{}, fmt.Errorf("%w: public key is %d bytes, want %d", ErrMalformedKey, len(pub), ed25519.PublicKeySize)
	}
	x := base64.RawURLEncoding.EncodeToString(pub)
	return Key{
		Kty: KeyTypeOKP,
		Crv: CurveEd25519,
		X:   x,
		Kid: ThumbprintFromX(x),
	}, nil
}

// PublicKey decodes the raw Ed25519 public key from the JWK.
func (k Key) PublicKey() (ed25519.PublicKey, error) {
	if err := k.Validate(); err != nil {
		return nil, err
	}
	raw, err := base64.RawURLEncoding.DecodeString(k.X)
	if err != nil {
		return nil, fmt.Errorf("%w: decode x: %v", ErrMalformedKey, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: x decodes to %d bytes, want %d", ErrMalformedKey, len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// Validate checks that the key is a well-formed OKP/Ed25519 public key.
func (k Key) Validate() error {
	if k.Kty != KeyTypeOKP || k.Crv != CurveEd25519 {
		return fmt.Errorf("%w: kty=%q crv=%q", ErrUnsupportedKeyType, k.Kty, k.Crv)
	}
	if k.X == "" {
		return fmt.Errorf("%w: missing x", ErrMalformedKey)
	}
	return nil
}

// Thumbprint returns the canonical RFC 7638 kid for the key.
func (k Key) Thumbprint() (string, error) {
	if err := k.Validate(); err != nil {
		return "", err
	}
	return ThumbprintFromX(k.X), nil
}

// ThumbprintFromX computes the canonical kid from the base64url x
// coordinate: base64url(SHA-256 of the canonical JSON form). The canonical
// form is the fixed three-field object with lexicographically ordered
// members, exactly as RFC 7638 requires for OKP keys.
func ThumbprintFromX(x string) string {
	canonical := `{"crv":"Ed25519","kty":"OKP","x":"` + x + `"}`
	sum := sha256.Sum256([]byte(canonical))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// LegacyKid computes the pre-thumbprint kid emitted as an alias: the
// base64url of the SHA-256 of the raw 32-byte public key. Keys registered
// before the canonical-thumbprint rule were referenced by this value, so
// every directory response carries it alongside the canonical kid.
func LegacyKid(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// LegacyKidFromX is LegacyKid over the base64url x coordinate.
func LegacyKidFromX(x string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(x)
	if err != nil {
		return "", fmt.Errorf("%w: decode x: %v", ErrMalformedKey, err)
	}
	return LegacyKid(ed25519.PublicKey(raw)), nil
}

// WithAlias returns the key plus, when it differs from the canonical kid,
// a copy carrying the legacy kid. Used when assembling directory
// responses so older signatures keep verifying.
func (k Key) WithAlias() []Key {
	out := []Key{k}
	legacy, err := LegacyKidFromX(k.X)
	if err != nil || legacy == k.Kid {
		return out
	}
	alias := k
	alias.Kid = legacy
	return append(out, alias)
}

// Lookup returns the first key in the set whose kid matches.
func (s Set) Lookup(kid string) (Key, bool) {
	for _, k := range s.Keys {
		if k.Kid == kid {
			return k, true
		}
	}
	return Key{}, false
}
