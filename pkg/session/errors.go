package session

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectTimeout is returned when the signaling server does not
	// acknowledge a new connection within the configured window.
	ErrConnectTimeout = errors.New("signaling connect timeout")
	// ErrJoinTimeout is returned when a room join is not acknowledged
	// within the configured window.
	ErrJoinTimeout = errors.New("room join timeout")
	// ErrNotConnected is returned by room operations on a stopped session.
	ErrNotConnected = errors.New("not connected to signaling")
)

// NegotiationError reports a per-peer transport failure. It never
// surfaces to the caller: the peer degrades to the relayed route and the
// error only shows up in logs.
type NegotiationError struct {
	PeerId string
	Err    error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation with %s failed: %v", e.PeerId, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }
