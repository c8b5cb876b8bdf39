// Package service implements the registry's business logic between the
// HTTP handlers and the repositories.
package service

import "errors"

var (
	// ErrNotFound mirrors repository.ErrNotFound at the service boundary.
	ErrNotFound = errors.New("service: not found")
	// ErrNotOwner is returned when a caller operates on another user's
	// resource.
	ErrNotOwner = errors.New("service: not the owner")
	// ErrInvalidInput covers validation failures on caller-supplied data.
	ErrInvalidInput = errors.New("service: invalid input")
	// ErrPopInvalid is returned for a proof of possession that fails
	// format, freshness, or signature checks.
	ErrPopInvalid = errors.New("service: invalid proof of possession")
	// ErrPopReplay is returned when the proof message was already consumed.
	ErrPopReplay = errors.New("service: proof of possession replay")
	// ErrIssueCap is returned when the daily issuance cap is reached.
	ErrIssueCap = errors.New("service: issuance cap reached")
	// ErrActiveCap is returned when the active-cert cap for the kid is
	// reached.
	ErrActiveCap = errors.New("service: active certificate cap reached")
	// ErrTokenLimit is returned when the per-user token cap is reached.
	ErrTokenLimit = errors.New("service: token limit reached")
)
