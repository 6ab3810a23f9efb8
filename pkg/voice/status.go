// Package voice manages voice transport sessions: one [Connection] per guild,
// supervised by a [Registry], negotiated through a pluggable signaling
// [Transport], and framing outbound audio with the session [Cipher].
//
// A Connection moves through [StatusSignalling], [StatusConnecting] and
// [StatusReady] as the transport reports progress. A socket close while Ready
// is re-awaited for up to the connect timeout; any other disconnect reason,
// or a timeout, destroys the Connection. [StatusDestroyed] is terminal.
package voice

import (
	"errors"
	"fmt"
)

// Status is the lifecycle state of a [Connection].
type Status int

const (
	// StatusSignalling means the join request was sent and the connection is
	// waiting for session and server details.
	StatusSignalling Status = iota

	// StatusConnecting means the voice socket is negotiating.
	StatusConnecting

	// StatusReady means packets can be sent.
	StatusReady

	// StatusDisconnected means the session was lost. A reason accompanies it.
	StatusDisconnected

	// StatusDestroyed is terminal.
	StatusDestroyed
)

// String returns the lowercase status name.
func (s Status) String() string {
	switch s {
	case StatusSignalling:
		return "signalling"
	case StatusConnecting:
		return "connecting"
	case StatusReady:
		return "ready"
	case StatusDisconnected:
		return "disconnected"
	case StatusDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// DisconnectReason explains a transition to [StatusDisconnected].
type DisconnectReason int

const (
	// ReasonAdapterUnavailable means the main gateway could not carry the
	// voice state request.
	ReasonAdapterUnavailable DisconnectReason = iota

	// ReasonEndpointRemoved means the voice server was deallocated.
	ReasonEndpointRemoved

	// ReasonWebSocketClose means the voice socket closed.
	ReasonWebSocketClose

	// ReasonManual means the bot left or was removed from the channel.
	ReasonManual
)

// String returns a human-readable reason.
func (r DisconnectReason) String() string {
	switch r {
	case ReasonAdapterUnavailable:
		return "adapter unavailable"
	case ReasonEndpointRemoved:
		return "endpoint removed"
	case ReasonWebSocketClose:
		return "websocket closed"
	case ReasonManual:
		return "manual disconnect"
	default:
		return "unknown reason"
	}
}

var (
	// ErrConnectionTimeout is returned by [Registry.Connect] when the
	// connection does not become ready within the connect timeout.
	ErrConnectionTimeout = errors.New("voice: connection timed out")

	// ErrDestroyed is returned when a connection is destroyed while a caller
	// waits for it.
	ErrDestroyed = errors.New("voice: connection destroyed")

	// ErrNotReady is returned by send operations on a connection that is not
	// in [StatusReady].
	ErrNotReady = errors.New("voice: connection not ready")
)

// RejectedError reports that signaling ended the negotiation with a
// disconnect.
type RejectedError struct {
	Reason DisconnectReason

	// Err is the underlying transport error, if any.
	Err error
}

func (e *RejectedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("voice: connection rejected: %s: %v", e.Reason, e.Err)
	}
	return "voice: connection rejected: " + e.Reason.String()
}

func (e *RejectedError) Unwrap() error { return e.Err }
