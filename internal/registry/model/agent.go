package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openbotauth/openbotauth/internal/jwk"
)

// AgentStatus is the agent lifecycle state.
type AgentStatus string

const (
	AgentActive   AgentStatus = "active"
	AgentPaused   AgentStatus = "paused"
	AgentInactive AgentStatus = "inactive"
)

// Valid reports whether s is a known status.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentActive, AgentPaused, AgentInactive:
		return true
	}
	return false
}

// Agent is a named sub-identity belonging to a User, carrying its own
// public key in JWK form.
type Agent struct {
	ID            uuid.UUID   `json:"id"                            db:"id"`
	UserID        uuid.UUID   `json:"user_id"                       db:"user_id"`
	Name          string      `json:"name"                          db:"name"`
	Description   string      `json:"description,omitempty"         db:"description"`
	Type          string      `json:"type,omitempty"                db:"type"`
	Status        AgentStatus `json:"status"                        db:"status"`
	JWK           jwk.Key     `json:"jwk"                           db:"jwk"`
	AgentID       string      `json:"oba_agent_id,omitempty"        db:"oba_agent_id"`
	ParentAgentID string      `json:"oba_parent_agent_id,omitempty" db:"oba_parent_agent_id"`
	Principal     string      `json:"oba_principal,omitempty"       db:"oba_principal"`
	CreatedAt     time.Time   `json:"created_at"                    db:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"                    db:"updated_at"`
}

// ErrInvalidAgentID is returned for a malformed oba_agent_id.
var ErrInvalidAgentID = errors.New("model: invalid oba_agent_id")

const maxAgentIDLen = 255

// ValidateAgentID checks the agent:LOCAL@HOST[/RESOURCE] grammar:
// each segment draws from [A-Za-z0-9._-], total length at most 255,
// no whitespace anywhere.
func ValidateAgentID(id string) error {
	if len(id) > maxAgentIDLen {
		return fmt.Errorf("%w: exceeds %d characters", ErrInvalidAgentID, maxAgentIDLen)
	}
	rest, ok := strings.CutPrefix(id, "agent:")
	if !ok {
		return fmt.Errorf("%w: missing agent: prefix", ErrInvalidAgentID)
	}

	local, rest, ok := strings.Cut(rest, "@")
	if !ok {
		return fmt.Errorf("%w: missing @HOST", ErrInvalidAgentID)
	}
	host, resource, hasResource := strings.Cut(rest, "/")

	if !validSegment(local) || !validSegment(host) {
		return fmt.Errorf("%w: bad character in local or host part", ErrInvalidAgentID)
	}
	if hasResource && !validSegment(resource) {
		return fmt.Errorf("%w: bad character in resource part", ErrInvalidAgentID)
	}
	return nil
}

func validSegment(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case c == '.', c == '_', c == '-':
		default:
			return false
		}
	}
	return true
}
