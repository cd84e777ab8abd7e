package session

import "errors"

// Session package errors.
var (
	// ErrTableFull is returned when a new session is requested but every slot
	// is occupied.
	ErrTableFull = errors.New("session: table full")

	// ErrNotFound is returned when no session exists for a connection.
	ErrNotFound = errors.New("session: not found")
)
