package ca

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"
)

// fallbackCN is the Subject CN when sanitization empties the agent name.
const fallbackCN = "OpenBotAuth Agent"

// Leaf is the result of one leaf issuance: everything the certificate
// row persists.
type Leaf struct {
	Serial            string
	LeafPEM           string
	ChainPEM          string
	X5c               []string
	NotBefore         time.Time
	NotAfter          time.Time
	FingerprintSHA256 string // 64 lowercase hex over the leaf DER
}

// IssueLeaf signs a leaf certificate over the agent's Ed25519 public key.
// The subject CN is the sanitized agent name; agentID, when well-formed,
// rides as a URI SAN.
func (m *Manager) IssueLeaf(pub ed25519.PublicKey, agentName, agentID string, validFor time.Duration) (*Leaf, error) {
	if !m.Ready() {
		return nil, ErrNotConfigured
	}
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("ca: public key is %d bytes, want %d", len(pub), ed25519.PublicKeySize)
	}
	if validFor == 0 {
		validFor = 90 * 24 * time.Hour
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   SanitizeCN(agentName),
			Organization: []string{"OpenBotAuth"},
		},
		NotBefore:   now.Add(-time.Minute),
		NotAfter:    now.Add(validFor),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}

	if u, err := url.Parse(agentID); err == nil && u.Scheme == "agent" {
		template.URIs = []*url.URL{u}
	}

	leafDER, err := x509.CreateCertificate(rand.Reader, template, m.cert, pub, m.key)
	if err != nil {
		return nil, fmt.Errorf("create leaf certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(leafDER)
	if err != nil {
		return nil, fmt.Errorf("parse leaf certificate: %w", err)
	}

	leafPEM := string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: leafDER}))
	chainPEM := leafPEM + string(m.CertPEM())
	fingerprint := sha256.Sum256(leafDER)

	return &Leaf{
		Serial:   serial.Text(16),
		LeafPEM:  leafPEM,
		ChainPEM: chainPEM,
		X5c: []string{
			base64.StdEncoding.EncodeToString(leafDER),
			base64.StdEncoding.EncodeToString(m.cert.Raw),
		},
		NotBefore:         leaf.NotBefore,
		NotAfter:          leaf.NotAfter,
		FingerprintSHA256: hex.EncodeToString(fingerprint[:]),
	}, nil
}

// SanitizeCN normalizes an agent name into a safe Subject CN: control and
// DN-significant characters become spaces, whitespace collapses, and the
// result is clipped to at most 64 bytes without splitting a rune.
func SanitizeCN(name string) string {
	replaced := strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', '\t', 0:
			return ' '
		case '=', ',', '+', '<', '>', '#', ';', '"', '\\':
			return ' '
		}
		return r
	}, name)

	collapsed := strings.Join(strings.Fields(replaced), " ")
	if collapsed == "" {
		return fallbackCN
	}
	if len(collapsed) > 64 {
		cut := 64
		for cut > 0 && !utf8.RuneStart(collapsed[cut]) {
			cut--
		}
		collapsed = strings.TrimSpace(collapsed[:cut])
	}
	return collapsed
}
