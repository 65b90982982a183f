package call

import (
	"errors"
	"fmt"
)

var (
	ErrMediaAccessDenied        = errors.New("media access denied")
	ErrRoomUnavailable          = errors.New("room unavailable")
	ErrSignalChannelUnavailable = errors.New("signal channel unavailable")
	ErrPeerNegotiationFailed    = errors.New("peer negotiation failed")
	ErrPeerUnreachable          = errors.New("peer unreachable")
	ErrSessionClosed            = errors.New("session closed")
	ErrAlreadyJoined            = errors.New("session already joined")
	ErrUnexpectedSignal         = errors.New("unexpected signal")
)

// Error annotates a call error with the operation and peer it concerns.
type Error struct {
	Op      string
	PeerID  string
	Err     error
	Details string
}

func (e *Error) Error() string {
	msg := e.Op
	if e.PeerID != "" {
		msg += " " + e.PeerID
	}
	if e.Details != "" {
		return fmt.Sprintf("%s: %v (%s)", msg, e.Err, e.Details)
	}
	return fmt.Sprintf("%s: %v", msg, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewError(op string, err error) *Error {
	return &Error{Op: op, Err: err}
}

func NewPeerError(op, peerID string, err error) *Error {
	return &Error{Op: op, PeerID: peerID, Err: err}
}

func WrapError(op string, err error, details string) *Error {
	return &Error{Op: op, Err: err, Details: details}
}

// wrapCause keeps both the taxonomy sentinel and the adapter error in the chain.
func wrapCause(op string, kind, cause error) *Error {
	return &Error{Op: op, Err: fmt.Errorf("%w: %w", kind, cause)}
}
