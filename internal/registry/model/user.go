// Package model defines the registry's persistent entities. Ownership is
// hierarchical: a User owns Profiles, keys, Agents, Sessions, and
// ApiTokens; an Agent owns AgentCertificates.
package model

import (
	"time"

	"github.com/google/uuid"
)

// User is one registered human owner. Created on first OAuth login,
// never deleted (disable only).
type User struct {
	ID         uuid.UUID `json:"id"          db:"id"`
	Provider   string    `json:"provider"    db:"provider"`
	ProviderID string    `json:"provider_id" db:"provider_id"`
	Handle     string    `json:"handle"      db:"handle"`
	AvatarURL  string    `json:"avatar_url"  db:"avatar_url"`
	Disabled   bool      `json:"disabled"    db:"disabled"`
	CreatedAt  time.Time `json:"created_at"  db:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"  db:"updated_at"`
}

// Profile holds the Web-Bot-Auth directory metadata, 1:1 with User.
// Username is unique, case-preserving, case-insensitive for lookup.
type Profile struct {
	UserID              uuid.UUID `json:"user_id"                         db:"user_id"`
	Username            string    `json:"username"                        db:"username"`
	ClientName          string    `json:"client_name"                     db:"client_name"`
	ClientURI           string    `json:"client_uri,omitempty"            db:"client_uri"`
	LogoURI             string    `json:"logo_uri,omitempty"              db:"logo_uri"`
	Contacts            []string  `json:"contacts,omitempty"              db:"contacts"`
	ExpectedUserAgent   string    `json:"expected_user_agent,omitempty"   db:"expected_user_agent"`
	RFC9309ProductToken string    `json:"rfc9309_product_token,omitempty" db:"rfc9309_product_token"`
	RFC9309Compliance   []string  `json:"rfc9309_compliance,omitempty"    db:"rfc9309_compliance"`
	Trigger             string    `json:"trigger,omitempty"               db:"trigger"`
	Purpose             string    `json:"purpose,omitempty"               db:"purpose"`
	TargetedContent     string    `json:"targeted_content,omitempty"      db:"targeted_content"`
	RateControl         string    `json:"rate_control,omitempty"          db:"rate_control"`
	RateExpectation     string    `json:"rate_expectation,omitempty"      db:"rate_expectation"`
	KnownURLs           []string  `json:"known_urls,omitempty"            db:"known_urls"`
	StatsPublic         bool      `json:"stats_public"                    db:"stats_public"`
	CreatedAt           time.Time `json:"created_at"                      db:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"                      db:"updated_at"`
}

// Session is the opaque cookie-bound login record used only for
// portal/admin flows.
type Session struct {
	ID        uuid.UUID `json:"id"         db:"id"`
	UserID    uuid.UUID `json:"user_id"    db:"user_id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	ExpiresAt time.Time `json:"expires_at" db:"expires_at"`
}

// Expired reports whether the session is past its expiry.
func (s *Session) Expired() bool {
	return time.Now().After(s.ExpiresAt)
}
