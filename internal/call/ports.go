package call

import (
	"context"
	"encoding/json"
)

// RoomRegistry is the authoritative source of room membership.
type RoomRegistry interface {
	CreateOrGetRoom(ctx context.Context, roomID string) (Room, error)
	AddParticipant(ctx context.Context, roomID string, p Participant) error
	RemoveParticipant(ctx context.Context, roomID, participantID string) error

	// SubscribeRoom delivers the current roster of roomID to onChange, then
	// every change after it.
	SubscribeRoom(roomID string, onChange func(Room)) (unsubscribe func(), err error)
}

// SignalChannel delivers negotiation messages to a participant's inbox.
// Delivery is at-least-once and ordered per sender/receiver pair.
type SignalChannel interface {
	Send(ctx context.Context, msg SignalMessage) error
	Subscribe(selfID string, onMessage func(SignalMessage)) (unsubscribe func(), err error)
}

// Notifier alerts room members that a call has started.
type Notifier interface {
	NotifyRoomOfNewCall(ctx context.Context, roomID, callerID string, recipientIDs []string) error
}

// MediaProvider opens the local capture devices.
type MediaProvider interface {
	AcquireLocalStream(ctx context.Context, c Constraints) (LocalStream, error)
}

// ConnState is the connectivity state reported by a Transport.
type ConnState int

const (
	ConnNew ConnState = iota
	ConnChecking
	ConnConnected
	ConnCompleted
	ConnDisconnected
	ConnFailed
	ConnClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnNew:
		return "new"
	case ConnChecking:
		return "checking"
	case ConnConnected:
		return "connected"
	case ConnCompleted:
		return "completed"
	case ConnDisconnected:
		return "disconnected"
	case ConnFailed:
		return "failed"
	case ConnClosed:
		return "closed"
	}
	return "unknown"
}

// Transport is the platform peer connection behind a PeerLink.
// CreateOffer and CreateAnswer also install the result as the local description.
type Transport interface {
	CreateOffer() (json.RawMessage, error)
	CreateAnswer() (json.RawMessage, error)
	SetRemoteDescription(kind SignalKind, sdp json.RawMessage) error
	AddICECandidate(candidate json.RawMessage) error
	Close() error
}

// TransportEvents is the callback set a Transport reports through. The
// callbacks may run on any goroutine and must not block.
type TransportEvents struct {
	OnCandidate    func(candidate json.RawMessage)
	OnConnectivity func(state ConnState)
	OnRemoteTrack  func(track RemoteTrack)
}

// TransportFactory builds a Transport carrying the given local tracks.
type TransportFactory interface {
	NewTransport(peerID string, stream LocalStream, events TransportEvents) (Transport, error)
}
