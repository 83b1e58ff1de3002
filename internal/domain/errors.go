package domain

import "errors"

// Protocol-level error taxonomy. Connection-level failures terminate only the
// connection they belong to; everything else degrades to an advisory error
// event on the wire and never tears down a connection.
var (
	// ErrHandshakeRejected means the connection attempt presented an absent
	// or malformed principal. Fatal to that one connection attempt.
	ErrHandshakeRejected = errors.New("handshake rejected: missing or invalid principal")

	// ErrPersistence wraps transient persistence gateway failures. The
	// channel emits no partial protocol state when this occurs.
	ErrPersistence = errors.New("persistence gateway failure")

	// ErrNotFound is returned by the gateway when a message id is unknown.
	// Delete treats it as already-satisfied rather than an error.
	ErrNotFound = errors.New("message not found")
)
