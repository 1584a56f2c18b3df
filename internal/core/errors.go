package core

import "errors"

var (
	// ErrSessionNotFound is returned when no record exists for the
	// given id, or when the record is hidden from the caller.
	ErrSessionNotFound = errors.New("session not found")

	// ErrNotAuthorized is returned when the caller is neither the
	// initiator nor the counterpart of the session.
	ErrNotAuthorized = errors.New("caller is not a session participant")

	// ErrTerminalStatus is returned on transition attempts out of
	// rejected or completed.
	ErrTerminalStatus = errors.New("session is in a terminal status")

	// ErrInvalidTransition is returned for transitions the lifecycle
	// does not define, e.g. pending -> completed.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrStatusConflict is returned when a guarded update matched no
	// row because the status changed concurrently.
	ErrStatusConflict = errors.New("session status changed concurrently")
)
