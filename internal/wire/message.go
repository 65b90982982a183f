package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/BioHazard786/warpcall/internal/call"
)

// Message represents all WebSocket messages between a call client and the relay.
type Message struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	RoomID  string          `json:"room_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Message type constants.
const (
	TypeCreateRoom        = "create_room"
	TypeGetRoom           = "get_room"
	TypeAddParticipant    = "add_participant"
	TypeRemoveParticipant = "remove_participant"
	TypeSubscribeRoom     = "subscribe_room"
	TypeUnsubscribeRoom   = "unsubscribe_room"
	TypeIdentify          = "identify"
	TypeSignal            = "signal"
	TypeNotifyCall        = "notify_call"

	TypeOK           = "ok"
	TypeRoom         = "room"
	TypeRoster       = "roster"
	TypeIncomingCall = "incoming_call"
	TypeError        = "error"
)

// RoomPayload carries the members to alert when a room is created.
type RoomPayload struct {
	Members []string `json:"members,omitempty"`
}

// ParticipantPayload names a participant for identify and remove requests.
type ParticipantPayload struct {
	ParticipantID string `json:"participant_id"`
}

// NotifyPayload asks the relay to alert recipients of a new call.
type NotifyPayload struct {
	CallerID     string   `json:"caller_id"`
	RecipientIDs []string `json:"recipient_ids"`
}

// IncomingCallPayload is pushed to a recipient when a call starts.
type IncomingCallPayload struct {
	RoomID   string `json:"room_id"`
	CallerID string `json:"caller_id"`
}

// ErrorPayload represents error messages from server.
type ErrorPayload struct {
	Error string `json:"error"`
}

// New builds a message with payload encoded as JSON. A nil payload is omitted.
func New(typ, roomID string, payload any) (*Message, error) {
	msg := &Message{Type: typ, RoomID: roomID}
	if payload == nil {
		return msg, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	msg.Payload = raw
	return msg, nil
}

// Reply builds the response to req, echoing its request id.
func Reply(req *Message, typ string, payload any) (*Message, error) {
	msg, err := New(typ, req.RoomID, payload)
	if err != nil {
		return nil, err
	}
	msg.ID = req.ID
	return msg, nil
}

// Errorf builds an error reply to req.
func Errorf(req *Message, format string, args ...any) *Message {
	raw, _ := json.Marshal(ErrorPayload{Error: fmt.Sprintf(format, args...)})
	return &Message{Type: TypeError, ID: req.ID, RoomID: req.RoomID, Payload: raw}
}

// Decode unmarshals the payload into v.
func (m *Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s message has no payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return nil
}

// ErrorText returns the server error carried by an error message.
func (m *Message) ErrorText() string {
	var p ErrorPayload
	if err := json.Unmarshal(m.Payload, &p); err != nil || p.Error == "" {
		return "unknown error from server"
	}
	return p.Error
}

// RoomInfo is a room as listed by the relay's HTTP endpoints.
type RoomInfo struct {
	ID           string             `json:"id"`
	HostID       string             `json:"host_id,omitempty"`
	Members      []string           `json:"members,omitempty"`
	Participants []call.Participant `json:"participants"`
	CreatedAt    time.Time          `json:"created_at,omitzero"`
	ArchivedAt   time.Time          `json:"archived_at,omitzero"`
}
