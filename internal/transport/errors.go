package transport

import "errors"

var (
	// ErrUnauthenticated is returned when no bearer token is available; no
	// network attempt is made in that case.
	ErrUnauthenticated = errors.New("no auth token available")

	// ErrNotConnected is returned by Publish and SendSubscribe when there is
	// no active transport.
	ErrNotConnected = errors.New("not connected")

	// ErrReconnectExhausted is surfaced to the error callback once the
	// reconnect policy has used up all attempts.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)
