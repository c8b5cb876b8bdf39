// Package repository provides the PostgreSQL persistence layer for the
// registry, one repository per aggregate, all backed by a shared
// pgxpool.Pool.
package repository

import "errors"

// ErrNotFound is returned when the requested row does not exist.
var ErrNotFound = errors.New("repository: not found")

// ErrConflict is returned when a uniqueness or cap constraint blocks a
// write.
var ErrConflict = errors.New("repository: conflict")
