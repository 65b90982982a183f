package ui

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/BioHazard786/warpcall/internal/call"
	"github.com/BioHazard786/warpcall/internal/wire"
	tea "github.com/charmbracelet/bubbletea"
)

type fakeControls struct {
	muted, videoOff bool
	videoErr        error
}

func (f *fakeControls) ToggleMute() (bool, error) {
	f.muted = !f.muted
	return f.muted, nil
}

func (f *fakeControls) ToggleVideo() (bool, error) {
	if f.videoErr != nil {
		return f.videoOff, f.videoErr
	}
	f.videoOff = !f.videoOff
	return f.videoOff, nil
}

func key(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestCallModelFollowsSnapshots(t *testing.T) {
	updates := make(chan call.Snapshot, 1)
	m := newCallModel(&fakeControls{}, updates, CallUIOptions{RoomLink: "https://example.com/r/room", MaxRetries: 3})

	m.Update(snapshotMsg(call.Snapshot{
		RoomID:   "kitten-waffle",
		Degraded: true,
		Peers: []call.PeerStatus{
			{ID: "alice", DisplayName: "Alice", State: call.StateConnected, Tracks: 2, Bytes: 2048, Packets: 10},
			{ID: "bob", State: call.StateFailed, RetryCount: 3, Unreachable: true},
		},
	}))

	view := m.View()
	for _, want := range []string{"kitten-waffle", "Alice", "bob", "unreachable", "3/3", "2.00 KB", "SIGNALING DEGRADED", "1 of 2 peers connected", "example.com/r/room"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}
}

func TestCallModelKeys(t *testing.T) {
	controls := &fakeControls{videoErr: call.ErrMediaAccessDenied}
	m := newCallModel(controls, make(chan call.Snapshot), CallUIOptions{})

	m.Update(key("m"))
	if !controls.muted || m.status != "Microphone off" {
		t.Fatalf("mute: muted=%v status=%q", controls.muted, m.status)
	}

	m.Update(key("v"))
	if !errors.Is(m.err, call.ErrMediaAccessDenied) {
		t.Fatalf("video toggle error = %v", m.err)
	}

	_, cmd := m.Update(key("q"))
	if !m.left || cmd == nil {
		t.Fatal("q did not leave")
	}
	if m.View() != "" {
		t.Fatal("view rendered after leaving")
	}
}

func TestCallModelQuitsWhenSessionCloses(t *testing.T) {
	updates := make(chan call.Snapshot)
	close(updates)
	m := newCallModel(&fakeControls{}, updates, CallUIOptions{})

	msg := m.listenForUpdates()()
	if _, ok := msg.(sessionClosedMsg); !ok {
		t.Fatalf("msg = %T, want sessionClosedMsg", msg)
	}
	m.Update(msg)
	if !m.closed || m.left {
		t.Fatalf("closed=%v left=%v", m.closed, m.left)
	}
}

func TestPeerState(t *testing.T) {
	tests := []struct {
		in   call.PeerStatus
		want string
	}{
		{call.PeerStatus{State: call.StateConnected}, "connected"},
		{call.PeerStatus{State: call.StateFailed, Reason: call.ReasonTimeout}, "failed (timeout)"},
		{call.PeerStatus{State: call.StateNegotiating, Reconnect: true}, "reconnecting"},
		{call.PeerStatus{State: call.StateFailed, Unreachable: true}, "unreachable"},
	}
	for _, tt := range tests {
		if got := peerState(tt.in); got != tt.want {
			t.Errorf("peerState(%+v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRoomsTableView(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rooms := []wire.RoomInfo{
		{
			ID:     "kitten-waffle",
			HostID: "alice",
			Participants: []call.Participant{
				{ID: "alice", DisplayName: "Alice"},
				{ID: "bob"},
				{ID: "carol"},
				{ID: "dave"},
			},
			CreatedAt: created,
		},
		{ID: "quiet-room", CreatedAt: created},
	}

	// go-pretty upper-cases headers and footers.
	view := strings.ToLower(RoomsTableView("Active Rooms", rooms, false))
	for _, want := range []string{"active rooms", "kitten-waffle", "alice, bob, carol +1", "quiet-room", "2 rooms", "4 in calls"} {
		if !strings.Contains(view, want) {
			t.Errorf("rooms table missing %q:\n%s", want, view)
		}
	}

	rooms[1].ArchivedAt = created.Add(time.Hour)
	archived := strings.ToLower(RoomsTableView("Archived Rooms", rooms[1:], true))
	if !strings.Contains(archived, "quiet-room") || strings.Contains(archived, "in calls") {
		t.Errorf("archived table:\n%s", archived)
	}

	if got := RoomsTableView("Empty", nil, false); !strings.Contains(got, "No rooms") {
		t.Errorf("empty table = %q", got)
	}
}

func TestFormatting(t *testing.T) {
	if got := truncateString("warpcall-room-name", 10); got != "warpcal..." {
		t.Errorf("truncateString = %q", got)
	}
	if got := formatBytes(3 * 1024 * 1024); got != "3.00 MB" {
		t.Errorf("formatBytes = %q", got)
	}
	if got := formatDuration(125 * time.Second); got != "2m5s" {
		t.Errorf("formatDuration = %q", got)
	}
}
