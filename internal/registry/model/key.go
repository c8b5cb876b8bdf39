package model

import (
	"time"

	"github.com/google/uuid"
)

// PublicKey is the user's current Ed25519 public key. One row per user;
// rotation replaces it and appends to KeyHistory.
type PublicKey struct {
	UserID    uuid.UUID `json:"user_id"    db:"user_id"`
	Raw       []byte    `json:"-"          db:"raw"` // 32-byte Ed25519 point
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// KeyHistory is the append-only record of all keys a user has held.
// Exactly one active row per user at steady state; the latest row wins
// when the invariant is violated.
type KeyHistory struct {
	ID        uuid.UUID `json:"id"         db:"id"`
	UserID    uuid.UUID `json:"user_id"    db:"user_id"`
	Raw       []byte    `json:"-"          db:"raw"`
	Active    bool      `json:"active"     db:"active"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
