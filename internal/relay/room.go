package relay

import (
	"slices"
	"time"

	"github.com/BioHazard786/warpcall/internal/call"
	"github.com/BioHazard786/warpcall/internal/wire"
)

// Room is a call room held in memory by the hub.
type Room struct {
	ID           string
	HostID       string
	Members      []string
	Participants []call.Participant
	CreatedAt    time.Time

	// owners maps each participant to the connection that registered it.
	owners      map[string]*Client
	subscribers map[*Client]bool
}

func newRoom(id string, members []string, now time.Time) *Room {
	return &Room{
		ID:          id,
		Members:     slices.Clone(members),
		CreatedAt:   now,
		owners:      make(map[string]*Client),
		subscribers: make(map[*Client]bool),
	}
}

// add inserts p, replacing an earlier entry with the same id.
func (r *Room) add(p call.Participant, owner *Client) {
	r.Participants = slices.DeleteFunc(r.Participants, func(q call.Participant) bool { return q.ID == p.ID })
	r.Participants = append(r.Participants, p)
	r.owners[p.ID] = owner
	if r.HostID == "" {
		r.HostID = p.ID
	}
	r.sort()
}

// remove deletes participantID and hands the host role to the earliest
// remaining participant. It reports whether anything was removed.
func (r *Room) remove(participantID string) bool {
	n := len(r.Participants)
	r.Participants = slices.DeleteFunc(r.Participants, func(q call.Participant) bool { return q.ID == participantID })
	delete(r.owners, participantID)
	if len(r.Participants) == n {
		return false
	}
	if r.HostID == participantID {
		r.HostID = ""
		if len(r.Participants) > 0 {
			r.HostID = r.Participants[0].ID
		}
	}
	return true
}

func (r *Room) sort() {
	snapshot := call.Room{Participants: r.Participants}
	snapshot.SortParticipants()
	r.Participants = snapshot.Participants
}

// snapshot returns a copy safe to hand to other goroutines.
func (r *Room) snapshot() call.Room {
	return call.Room{
		ID:           r.ID,
		HostID:       r.HostID,
		Participants: slices.Clone(r.Participants),
		Members:      slices.Clone(r.Members),
	}
}

func (r *Room) info() wire.RoomInfo {
	s := r.snapshot()
	return wire.RoomInfo{
		ID:           s.ID,
		HostID:       s.HostID,
		Members:      s.Members,
		Participants: s.Participants,
		CreatedAt:    r.CreatedAt,
	}
}
