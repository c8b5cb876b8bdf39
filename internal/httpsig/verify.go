package httpsig

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
)

// ErrBadSignature is returned when the Ed25519 verification fails.
var ErrBadSignature = errors.New("httpsig: signature verification failed")

// Extracted is the parsed signature triplet pulled off a request.
type Extracted struct {
	Label     string
	Params    Params
	Signature []byte // decoded raw signature
	AgentURL  string
}

// Extract parses the three signature headers. preferredLabel breaks
// multi-label dictionaries; empty rejects them as ambiguous.
func Extract(header func(string) string, preferredLabel string) (*Extracted, error) {
	sigInput := header(HeaderSignatureInput)
	sig := header(HeaderSignature)
	agent := header(HeaderSignatureAgent)
	if sigInput == "" || sig == "" || agent == "" {
		return nil, fmt.Errorf("%w: Signature-Input, Signature, and Signature-Agent are all required", ErrMalformedSignature)
	}

	label, params, err := ParseSignatureInput(sigInput, preferredLabel)
	if err != nil {
		return nil, err
	}
	b64, err := ParseSignature(sig, label)
	if err != nil {
		return nil, err
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("%w: decode signature: %v", ErrMalformedSignature, err)
	}
	if len(raw) != ed25519.SignatureSize {
		return nil, fmt.Errorf("%w: signature is %d bytes, want %d", ErrMalformedSignature, len(raw), ed25519.SignatureSize)
	}
	return &Extracted{Label: label, Params: params, Signature: raw, AgentURL: agent}, nil
}

// Verify rebuilds the base string and checks the Ed25519 signature.
func Verify(req Request, params Params, signature []byte, pub ed25519.PublicKey) error {
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("httpsig: public key is %d bytes, want %d", len(pub), ed25519.PublicKeySize)
	}
	base, err := BuildBase(req, params)
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, []byte(base), signature) {
		return ErrBadSignature
	}
	return nil
}
