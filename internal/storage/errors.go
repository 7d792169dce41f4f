package storage

import "errors"

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrStateInvalid is returned by ConsumeState when the state token is
	// unknown, expired, or was already consumed.
	ErrStateInvalid = errors.New("storage: oauth state not found or expired")
)
