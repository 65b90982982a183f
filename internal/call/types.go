package call

import (
	"encoding/json"
	"slices"
	"sort"
	"strings"
	"sync/atomic"
	"time"
)

// Participant is a roster entry. It carries no connection state.
type Participant struct {
	ID          string    `json:"id" msgpack:"id"`
	SessionID   string    `json:"session_id" msgpack:"session_id"`
	DisplayName string    `json:"display_name,omitempty" msgpack:"display_name"`
	JoinedAt    time.Time `json:"joined_at" msgpack:"joined_at"`
}

// Room is a snapshot of a call room as published by a RoomRegistry.
type Room struct {
	ID           string        `json:"id"`
	HostID       string        `json:"host_id,omitempty"`
	Participants []Participant `json:"participants"`

	// Members are the users alerted when a call starts in this room.
	Members []string `json:"members,omitempty"`
}

// Participant returns the roster entry for id.
func (r Room) Participant(id string) (Participant, bool) {
	for _, p := range r.Participants {
		if p.ID == id {
			return p, true
		}
	}
	return Participant{}, false
}

// SortParticipants orders the roster by join time, then id.
func (r *Room) SortParticipants() {
	sort.SliceStable(r.Participants, func(i, j int) bool {
		a, b := r.Participants[i], r.Participants[j]
		if !a.JoinedAt.Equal(b.JoinedAt) {
			return a.JoinedAt.Before(b.JoinedAt)
		}
		return a.ID < b.ID
	})
}

// membership returns a stable key over (id, session) pairs, excluding selfID.
func (r Room) membership(selfID string) string {
	keys := make([]string, 0, len(r.Participants))
	for _, p := range r.Participants {
		if p.ID == selfID {
			continue
		}
		keys = append(keys, p.ID+"/"+p.SessionID)
	}
	slices.Sort(keys)
	return strings.Join(keys, ",")
}

// SignalKind is the kind of a negotiation message.
type SignalKind string

const (
	KindOffer     SignalKind = "offer"
	KindAnswer    SignalKind = "answer"
	KindCandidate SignalKind = "ice-candidate"
)

// SignalMessage is a negotiation message addressed to one participant.
// Payload is opaque to the call layer.
type SignalMessage struct {
	RoomID  string          `json:"room_id" msgpack:"room_id"`
	FromID  string          `json:"from_id" msgpack:"from_id"`
	ToID    string          `json:"to_id" msgpack:"to_id"`
	Session string          `json:"session" msgpack:"session"`
	Attempt int             `json:"attempt" msgpack:"attempt"`
	Seq     uint64          `json:"seq" msgpack:"seq"`
	Kind    SignalKind      `json:"kind" msgpack:"kind"`
	Payload json.RawMessage `json:"payload" msgpack:"payload"`
}

// TrackKind distinguishes audio from video.
type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// Track is a local media track shared by reference with every transport.
type Track interface {
	ID() string
	Kind() TrackKind
	SetEnabled(enabled bool)
	Enabled() bool
	Stop() error
}

// LocalStream groups the tracks returned by a MediaProvider. Either track
// may be nil when the device was not requested.
type LocalStream struct {
	ID    string
	Audio Track
	Video Track
}

// Tracks returns the non-nil tracks of the stream.
func (s LocalStream) Tracks() []Track {
	var out []Track
	if s.Audio != nil {
		out = append(out, s.Audio)
	}
	if s.Video != nil {
		out = append(out, s.Video)
	}
	return out
}

// Constraints select which devices a MediaProvider should open.
type Constraints struct {
	Audio bool
	Video bool
}

// TrackStats counts RTP traffic received on a remote track.
type TrackStats struct {
	Packets atomic.Uint64
	Bytes   atomic.Uint64
}

// RemoteTrack describes a track received from a peer.
type RemoteTrack struct {
	ID       string
	StreamID string
	Kind     TrackKind
	Stats    *TrackStats
}

// RemoteStream is the set of tracks received from one peer.
type RemoteStream struct {
	PeerID string
	Tracks []RemoteTrack
}

// PeerStatus is the presentation view of one PeerLink.
type PeerStatus struct {
	ID          string
	DisplayName string
	State       LinkState
	RetryCount  int
	Reconnect   bool
	Unreachable bool
	Reason      FailureReason
	Tracks      int
	Packets     uint64
	Bytes       uint64
}

// Snapshot is the state published to the presentation layer.
type Snapshot struct {
	RoomID   string
	SelfID   string
	Muted    bool
	VideoOff bool
	Degraded bool
	Peers    []PeerStatus
}
