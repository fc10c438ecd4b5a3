// Package errs defines the error taxonomy shared by every engine component.
// The bridge layer maps these sentinels onto the four boundary status codes.
package errs

import "errors"

var (
	// Lifecycle errors

	// ErrNotStarted is returned by operations that require a running instance.
	ErrNotStarted = errors.New("messenger not started")

	// ErrStopped is returned when starting an instance that was already stopped.
	ErrStopped = errors.New("messenger stopped")

	// ErrDestroyed is returned by any operation on a destroyed instance.
	ErrDestroyed = errors.New("messenger destroyed")

	// Parameter errors

	// ErrInvalidParameter covers malformed or out-of-range arguments.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrPeerNotFound means the peer id is not in the discovered-peer table.
	ErrPeerNotFound = errors.New("peer not found")

	// Network errors

	// ErrPeerNotConnected means no live connection exists for the peer.
	ErrPeerNotConnected = errors.New("peer not connected")

	// ErrConnectionFailed means the transport handshake did not complete.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrSendQueueFull means the connection's bounded send queue is full.
	ErrSendQueueFull = errors.New("send queue full")

	// ErrPeerUnresponsive means keep-alive detected silent peer loss.
	ErrPeerUnresponsive = errors.New("peer unresponsive")
)
