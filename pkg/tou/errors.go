package tou

import "github.com/pkg/errors"

// Errors returned by Connection operations. Segment-level problems
// (bad checksum, inconsistent size) never reach this surface — they
// are dropped at the segment codec and logged, never returned.
var (
	// ErrHandshakeTimeout is returned by Dial/Accept-style constructors
	// when the three-way handshake does not complete within timeout.
	ErrHandshakeTimeout = errors.New("tou: handshake timed out")

	// ErrPeerTimeout indicates the peer went silent for longer than the
	// connection's idle timeout.
	ErrPeerTimeout = errors.New("tou: peer timed out")

	// ErrConnectionClosed is returned by Send once a connection has
	// reached the CLOSED state, and by Recv once the connection has left
	// CONNECTED and no buffered bytes remain. Close on a CLOSED
	// connection returns nil.
	ErrConnectionClosed = errors.New("tou: connection closed")

	// ErrInvalidState is returned for an operation that is not valid in
	// the connection's current state (e.g. Close while still in HANDSHAKE).
	ErrInvalidState = errors.New("tou: invalid operation for current state")

	// ErrHostCapacityExceeded is recorded when a SYN arrives and the
	// host's connection-count cap has already been reached. It is
	// never surfaced to an application; the SYN is simply dropped.
	ErrHostCapacityExceeded = errors.New("tou: host connection capacity exceeded")
)
