package model

import (
	"time"

	"github.com/google/uuid"
)

// Scope is one personal-access-token permission from the closed set.
type Scope string

const (
	ScopeAgentsRead   Scope = "agents:read"
	ScopeAgentsWrite  Scope = "agents:write"
	ScopeKeysRead     Scope = "keys:read"
	ScopeKeysWrite    Scope = "keys:write"
	ScopeProfileRead  Scope = "profile:read"
	ScopeProfileWrite Scope = "profile:write"
)

var scopes = map[Scope]bool{
	ScopeAgentsRead:   true,
	ScopeAgentsWrite:  true,
	ScopeKeysRead:     true,
	ScopeKeysWrite:    true,
	ScopeProfileRead:  true,
	ScopeProfileWrite: true,
}

// ValidScope reports whether s is in the closed scope set.
func ValidScope(s Scope) bool { return scopes[s] }

// TokenPrefix is the display prefix of every personal access token.
const TokenPrefix = "oba_"

// ApiToken is a personal access token. The raw token is returned exactly
// once on creation; only its SHA-256 hash is stored.
type ApiToken struct {
	ID         uuid.UUID  `json:"id"                     db:"id"`
	UserID     uuid.UUID  `json:"user_id"                db:"user_id"`
	Name       string     `json:"name"                   db:"name"`
	TokenHash  string     `json:"-"                      db:"token_hash"`
	Prefix     string     `json:"prefix"                 db:"prefix"` // oba_XXXX display hint
	Scopes     []Scope    `json:"scopes"                 db:"scopes"`
	ExpiresAt  time.Time  `json:"expires_at"             db:"expires_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty" db:"last_used_at"`
	CreatedAt  time.Time  `json:"created_at"             db:"created_at"`
}

// Expired reports whether the token is past its expiry.
func (t *ApiToken) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// HasScope reports whether the token grants the required scope.
func (t *ApiToken) HasScope(required Scope) bool {
	for _, s := range t.Scopes {
		if s == required {
			return true
		}
	}
	return false
}

// VerificationLog is one append-only verification record. AgentID is
// the oba_agent_id when the record came through the activity ingest;
// verifier-side records carry only the username.
type VerificationLog struct {
	ID        uuid.UUID `json:"id"                 db:"id"`
	Username  string    `json:"username"           db:"username"`
	AgentID   string    `json:"agent_id,omitempty" db:"agent_id"`
	Origin    string    `json:"origin"             db:"origin"`
	Method    string    `json:"method"             db:"method"`
	Verified  bool      `json:"verified"           db:"verified"`
	CreatedAt time.Time `json:"created_at"         db:"created_at"`
}
