package store

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/BioHazard786/warpcall/internal/call"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "calls.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func participant(id string, joined int) call.Participant {
	return call.Participant{
		ID:          id,
		SessionID:   id + "-session",
		DisplayName: id,
		JoinedAt:    time.UnixMilli(int64(1000 + joined)),
	}
}

func TestRoomLifecycle(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	room, err := st.EnsureRoom(ctx, "r1", []string{"alice", "bob"})
	if err != nil {
		t.Fatalf("EnsureRoom: %v", err)
	}
	if len(room.Participants) != 0 || len(room.Members) != 2 {
		t.Fatalf("new room = %+v", room)
	}

	if err := st.AddParticipant(ctx, "r1", participant("bob", 2)); err != nil {
		t.Fatalf("AddParticipant: %v", err)
	}
	if err := st.AddParticipant(ctx, "r1", participant("alice", 1)); err != nil {
		t.Fatalf("AddParticipant: %v", err)
	}

	room, v1, err := st.Room(ctx, "r1")
	if err != nil {
		t.Fatalf("Room: %v", err)
	}
	if room.HostID != "bob" {
		t.Fatalf("host = %q, want first participant", room.HostID)
	}
	if len(room.Participants) != 2 || room.Participants[0].ID != "alice" {
		t.Fatalf("participants not ordered by join time: %+v", room.Participants)
	}

	if err := st.RemoveParticipant(ctx, "r1", "bob"); err != nil {
		t.Fatalf("RemoveParticipant: %v", err)
	}
	room, v2, _ := st.Room(ctx, "r1")
	if v2 <= v1 {
		t.Fatalf("version did not advance: %d -> %d", v1, v2)
	}
	if room.HostID != "alice" {
		t.Fatalf("host = %q after host left", room.HostID)
	}

	if err := st.RemoveParticipant(ctx, "r1", "bob"); err != nil {
		t.Fatalf("removing an absent participant: %v", err)
	}
	if err := st.RemoveParticipant(ctx, "r1", "alice"); err != nil {
		t.Fatalf("RemoveParticipant: %v", err)
	}

	active, _ := st.ListRooms(ctx, false)
	archived, _ := st.ListRooms(ctx, true)
	if len(active) != 0 || len(archived) != 1 || archived[0].ArchivedAt.IsZero() {
		t.Fatalf("active = %d archived = %+v", len(active), archived)
	}

	if err := st.AddParticipant(ctx, "r1", participant("carol", 3)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("joining an archived room: err = %v", err)
	}
	if _, err := st.EnsureRoom(ctx, "r1", nil); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if err := st.AddParticipant(ctx, "r1", participant("carol", 3)); err != nil {
		t.Fatalf("AddParticipant after reopen: %v", err)
	}
	active, _ = st.ListRooms(ctx, false)
	if len(active) != 1 || active[0].HostID != "carol" || len(active[0].Participants) != 1 {
		t.Fatalf("reopened room = %+v", active)
	}
}

func TestRejoinReplacesSession(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	st.EnsureRoom(ctx, "r1", nil)

	st.AddParticipant(ctx, "r1", participant("alice", 1))
	again := participant("alice", 5)
	again.SessionID = "second"
	if err := st.AddParticipant(ctx, "r1", again); err != nil {
		t.Fatalf("AddParticipant: %v", err)
	}

	room, _, _ := st.Room(ctx, "r1")
	if len(room.Participants) != 1 || room.Participants[0].SessionID != "second" {
		t.Fatalf("participants = %+v", room.Participants)
	}
}

func TestSignalInboxKeepsOrder(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	for seq := uint64(1); seq <= 3; seq++ {
		err := st.PushSignal(ctx, call.SignalMessage{
			RoomID:  "r1",
			FromID:  "a",
			ToID:    "b",
			Session: "s-a",
			Attempt: 1,
			Seq:     seq,
			Kind:    call.KindCandidate,
			Payload: json.RawMessage(`{"candidate":"x"}`),
		})
		if err != nil {
			t.Fatalf("PushSignal: %v", err)
		}
	}
	st.PushSignal(ctx, call.SignalMessage{FromID: "b", ToID: "a", Seq: 1, Kind: call.KindAnswer})

	got, err := st.PopSignals(ctx, "b", 2)
	if err != nil {
		t.Fatalf("PopSignals: %v", err)
	}
	if len(got) != 2 || got[0].Seq != 1 || got[1].Seq != 2 {
		t.Fatalf("first batch = %+v", got)
	}
	if string(got[0].Payload) != `{"candidate":"x"}` || got[0].Kind != call.KindCandidate || got[0].Session != "s-a" {
		t.Fatalf("signal round trip = %+v", got[0])
	}

	got, _ = st.PopSignals(ctx, "b", 10)
	if len(got) != 1 || got[0].Seq != 3 {
		t.Fatalf("second batch = %+v", got)
	}
	if got, _ = st.PopSignals(ctx, "b", 10); len(got) != 0 {
		t.Fatalf("inbox not drained: %+v", got)
	}
	if got, _ = st.PopSignals(ctx, "a", 10); len(got) != 1 {
		t.Fatal("other inbox affected")
	}
}

func TestNotices(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.PushNotices(ctx, "r1", "alice", []string{"bob", "carol"}); err != nil {
		t.Fatalf("PushNotices: %v", err)
	}
	got, err := st.PopNotices(ctx, "bob")
	if err != nil || len(got) != 1 || got[0].CallerID != "alice" || got[0].RoomID != "r1" {
		t.Fatalf("PopNotices = %+v, %v", got, err)
	}
	if got, _ = st.PopNotices(ctx, "bob"); len(got) != 0 {
		t.Fatal("notice delivered twice")
	}
}

func TestArchiveActive(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	st.EnsureRoom(ctx, "busy", nil)
	st.EnsureRoom(ctx, "idle", nil)
	if err := st.AddParticipant(ctx, "busy", participant("alice", 1)); err != nil {
		t.Fatalf("AddParticipant: %v", err)
	}

	n, err := st.ArchiveActive(ctx)
	if err != nil || n != 1 {
		t.Fatalf("ArchiveActive = %d, %v; want 1", n, err)
	}

	archived, _ := st.ListRooms(ctx, true)
	if len(archived) != 1 || archived[0].ID != "busy" || len(archived[0].Participants) != 0 {
		t.Fatalf("archived = %+v", archived)
	}
	active, _ := st.ListRooms(ctx, false)
	if len(active) != 1 || active[0].ID != "idle" {
		t.Fatalf("active = %+v", active)
	}
}

func newTestPoller(st *Store) *Poller {
	return NewPoller(st, PollerOptions{
		Interval: 10 * time.Millisecond,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestPollerRoster(t *testing.T) {
	st := openTestStore(t)
	p := newTestPoller(st)
	ctx := context.Background()

	if _, err := p.CreateOrGetRoom(ctx, "r1"); err != nil {
		t.Fatalf("CreateOrGetRoom: %v", err)
	}
	p.AddParticipant(ctx, "r1", participant("alice", 1))

	var (
		mu      sync.Mutex
		rosters []call.Room
	)
	stop, err := p.SubscribeRoom("r1", func(r call.Room) {
		mu.Lock()
		rosters = append(rosters, r)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("SubscribeRoom: %v", err)
	}
	defer stop()

	mu.Lock()
	if len(rosters) != 1 || len(rosters[0].Participants) != 1 {
		t.Fatalf("initial roster not delivered: %+v", rosters)
	}
	mu.Unlock()

	p.AddParticipant(ctx, "r1", participant("bob", 2))

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(rosters)
		var last call.Room
		if n > 0 {
			last = rosters[n-1]
		}
		mu.Unlock()
		if len(last.Participants) == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("roster change not delivered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	stop()
	stop()
}

func TestPollerSignalsAndNotices(t *testing.T) {
	st := openTestStore(t)
	p := newTestPoller(st)
	ctx := context.Background()

	// Queued before the recipient subscribes.
	p.Send(ctx, call.SignalMessage{FromID: "a", ToID: "b", Seq: 1, Kind: call.KindOffer})

	got := make(chan call.SignalMessage, 4)
	stop, err := p.Subscribe("b", func(m call.SignalMessage) { got <- m })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stop()

	p.Send(ctx, call.SignalMessage{FromID: "a", ToID: "b", Seq: 2, Kind: call.KindCandidate})

	for want := uint64(1); want <= 2; want++ {
		select {
		case m := <-got:
			if m.Seq != want {
				t.Fatalf("seq = %d, want %d", m.Seq, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("signal %d not delivered", want)
		}
	}

	notices := make(chan Notice, 1)
	stopNotices := p.WatchNotices("b", func(n Notice) { notices <- n })
	defer stopNotices()
	if err := p.NotifyRoomOfNewCall(ctx, "r1", "a", []string{"b"}); err != nil {
		t.Fatalf("NotifyRoomOfNewCall: %v", err)
	}
	select {
	case n := <-notices:
		if n.CallerID != "a" {
			t.Fatalf("notice = %+v", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notice not delivered")
	}
}
