package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// RevocationReason is an RFC 5280 reason code as a lowercase snake-case
// string.
type RevocationReason string

const (
	ReasonUnspecified          RevocationReason = "unspecified"
	ReasonKeyCompromise        RevocationReason = "key_compromise"
	ReasonCACompromise         RevocationReason = "ca_compromise"
	ReasonAffiliationChanged   RevocationReason = "affiliation_changed"
	ReasonSuperseded           RevocationReason = "superseded"
	ReasonCessationOfOperation RevocationReason = "cessation_of_operation"
	ReasonCertificateHold      RevocationReason = "certificate_hold"
	ReasonPrivilegeWithdrawn   RevocationReason = "privilege_withdrawn"
	ReasonRemoveFromCRL        RevocationReason = "remove_from_crl"
	ReasonAACompromise         RevocationReason = "aa_compromise"
)

var revocationReasons = map[RevocationReason]bool{
	ReasonUnspecified:          true,
	ReasonKeyCompromise:        true,
	ReasonCACompromise:         true,
	ReasonAffiliationChanged:   true,
	ReasonSuperseded:           true,
	ReasonCessationOfOperation: true,
	ReasonCertificateHold:      true,
	ReasonPrivilegeWithdrawn:   true,
	ReasonRemoveFromCRL:        true,
	ReasonAACompromise:         true,
}

// ParseRevocationReason normalizes and validates a reason string.
// Case-insensitive; "-" is accepted as "_". Empty means unspecified.
func ParseRevocationReason(s string) (RevocationReason, bool) {
	if s == "" {
		return ReasonUnspecified, true
	}
	normalized := RevocationReason(strings.ReplaceAll(strings.ToLower(s), "-", "_"))
	return normalized, revocationReasons[normalized]
}

// AgentCertificate is a leaf X.509 certificate over an agent's Ed25519
// public key, chained to the local CA. Revocation is irreversible.
type AgentCertificate struct {
	ID                uuid.UUID        `json:"id"                       db:"id"`
	AgentID           uuid.UUID        `json:"agent_id"                 db:"agent_id"`
	UserID            uuid.UUID        `json:"user_id"                  db:"user_id"`
	Serial            string           `json:"serial"                   db:"serial"`
	Kid               string           `json:"kid"                      db:"kid"`
	LeafPEM           string           `json:"leaf_pem"                 db:"leaf_pem"`
	ChainPEM          string           `json:"chain_pem"                db:"chain_pem"`
	X5c               []string         `json:"x5c"                      db:"x5c"`
	NotBefore         time.Time        `json:"not_before"               db:"not_before"`
	NotAfter          time.Time        `json:"not_after"                db:"not_after"`
	FingerprintSHA256 string           `json:"fingerprint_sha256"       db:"fingerprint_sha256"`
	RevokedAt         *time.Time       `json:"revoked_at,omitempty"     db:"revoked_at"`
	RevokedReason     RevocationReason `json:"revoked_reason,omitempty" db:"revoked_reason"`
	CreatedAt         time.Time        `json:"created_at"               db:"created_at"`
}

// Active reports whether the certificate is unrevoked and inside its
// validity window.
func (c *AgentCertificate) Active(now time.Time) bool {
	return c.RevokedAt == nil && now.After(c.NotBefore) && now.Before(c.NotAfter)
}

// IsValidFingerprint enforces the 64-lowercase-hex fingerprint format.
func IsValidFingerprint(fp string) bool {
	if len(fp) != 64 {
		return false
	}
	for i := 0; i < len(fp); i++ {
		c := fp[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
