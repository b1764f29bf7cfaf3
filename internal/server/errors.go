package server

import "github.com/pkg/errors"

var (
	// ErrValidationRejected is returned for a send whose body is empty after
	// trimming whitespace. Nothing is persisted or broadcast.
	ErrValidationRejected = errors.New("message rejected: empty body")
	// ErrSessionNotFound is returned for events from a connection that has no
	// registered session.
	ErrSessionNotFound = errors.New("session not found")
	// ErrGatewayClosed is returned once Shutdown has begun.
	ErrGatewayClosed = errors.New("gateway closed")
	// ErrSlowConsumer marks a session whose outbound queue overflowed.
	ErrSlowConsumer = errors.New("slow consumer")
)
