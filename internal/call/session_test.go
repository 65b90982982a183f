package call

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
)

const roomID = "kitten-waffle-stardust-happy"

type harness struct {
	reg      *fakeRegistry
	sig      *fakeSignals
	fab      *fabric
	notifier *fakeNotifier
}

func newHarness() *harness {
	return &harness{
		reg:      newFakeRegistry(),
		sig:      newFakeSignals(),
		fab:      newFabric(),
		notifier: &fakeNotifier{},
	}
}

func (h *harness) session(t *testing.T, id string, tune ...func(*Options)) (*Session, *fakeMedia) {
	t.Helper()
	media := &fakeMedia{}
	opts := Options{
		SelfID:      id,
		DisplayName: id,
		Constraints: Constraints{Audio: true, Video: true},
		Logger:      quietLogger(),
	}
	for _, fn := range tune {
		fn(&opts)
	}
	s := NewSession(Deps{
		Registry:   h.reg,
		Signals:    h.sig,
		Notifier:   h.notifier,
		Media:      media,
		Transports: h.fab.factory(id),
	}, opts)
	t.Cleanup(func() { s.Leave(context.Background()) })
	return s, media
}

func join(t *testing.T, sessions ...*Session) {
	t.Helper()
	for _, s := range sessions {
		if err := s.Join(context.Background(), roomID); err != nil {
			t.Fatalf("%s Join: %v", s.SelfID(), err)
		}
	}
}

func peerStatus(s *Session, id string) PeerStatus {
	for _, p := range s.Snapshot().Peers {
		if p.ID == id {
			return p
		}
	}
	return PeerStatus{}
}

func connectedTo(s *Session, n int) bool {
	peers := s.Snapshot().Peers
	if len(peers) != n {
		return false
	}
	for _, p := range peers {
		if p.State != StateConnected {
			return false
		}
	}
	return true
}

func settle(t *testing.T, s *Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.barrier(ctx); err != nil {
		t.Fatalf("barrier: %v", err)
	}
}

func TestMeshConvergesAsParticipantsJoin(t *testing.T) {
	h := newHarness()
	a, _ := h.session(t, "a")
	b, _ := h.session(t, "b")
	c, _ := h.session(t, "c")
	join(t, a, b, c)

	waitFor(t, 2*time.Second, "full mesh", func() bool {
		return connectedTo(a, 2) && connectedTo(b, 2) && connectedTo(c, 2)
	})

	for _, p := range []pair{{"a", "b"}, {"a", "c"}, {"b", "c"}} {
		if n := h.sig.count(p.owner, p.peer, KindOffer); n != 1 {
			t.Errorf("%s sent %d offers to %s, want 1", p.owner, n, p.peer)
		}
		if n := h.sig.count(p.peer, p.owner, KindOffer); n != 0 {
			t.Errorf("%s sent %d offers to %s, want 0", p.peer, n, p.owner)
		}
		if n := len(h.fab.created(p.owner, p.peer)); n != 1 {
			t.Errorf("%d transports from %s to %s", n, p.owner, p.peer)
		}
	}

	streams := a.RemoteStreams()
	if len(streams) != 2 || len(streams["b"].Tracks) != 1 {
		t.Fatalf("remote streams = %+v", streams)
	}
}

func TestCandidatesBeforeAnswerAreNotLost(t *testing.T) {
	h := newHarness()

	var mu sync.Mutex
	var held []SignalMessage
	h.sig.drop = func(m SignalMessage) bool {
		if m.FromID == "b" && m.ToID == "a" && m.Kind == KindAnswer {
			mu.Lock()
			held = append(held, m)
			mu.Unlock()
			return true
		}
		return false
	}

	a, _ := h.session(t, "a")
	b, _ := h.session(t, "b")
	join(t, a, b)

	waitFor(t, 2*time.Second, "answerer candidates", func() bool {
		return h.sig.count("b", "a", KindCandidate) >= 2
	})
	settle(t, a)

	mu.Lock()
	answers := slices.Clone(held)
	mu.Unlock()
	if len(answers) != 1 {
		t.Fatalf("held %d answers", len(answers))
	}
	h.sig.inject(answers[0])

	waitFor(t, 2*time.Second, "connection", func() bool { return connectedTo(a, 1) })

	tr := h.fab.created("a", "b")[0]
	remoteSets, rejected := tr.stats()
	if remoteSets != 1 || rejected != 0 {
		t.Fatalf("remoteSets = %d rejected = %d", remoteSets, rejected)
	}
	applied := tr.appliedCandidates()
	want := []string{`{"candidate":"candidate:b>a/1/1"}`, `{"candidate":"candidate:b>a/1/2"}`}
	if !slices.Equal(applied, want) {
		t.Fatalf("applied = %v, want %v", applied, want)
	}
}

func TestParticipantLeavesMidNegotiation(t *testing.T) {
	h := newHarness()
	h.fab.block("a", "b")
	h.fab.block("b", "a")

	a, _ := h.session(t, "a")
	b, _ := h.session(t, "b")
	join(t, a, b)

	waitFor(t, 2*time.Second, "negotiation", func() bool {
		return peerStatus(a, "b").State == StateIceGathering
	})
	oldSession := b.sessionID

	if err := b.Leave(context.Background()); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	waitFor(t, 2*time.Second, "peer removed", func() bool { return len(a.Snapshot().Peers) == 0 })

	h.sig.inject(SignalMessage{
		RoomID:  roomID,
		FromID:  "b",
		ToID:    "a",
		Session: oldSession,
		Attempt: 1,
		Seq:     1000,
		Kind:    KindCandidate,
		Payload: []byte(`{"candidate":"late"}`),
	})
	settle(t, a)

	transports := h.fab.created("a", "b")
	if len(transports) != 1 || !transports[0].isClosed() {
		t.Fatalf("transports to departed peer: %d", len(transports))
	}
	if n := a.supervisor.Active(); n != 0 {
		t.Fatalf("%d timers left for departed peer", n)
	}
	if a.manager.Len() != 0 {
		t.Fatal("late signal recreated a link")
	}
}

func TestRetriesThenGivesUp(t *testing.T) {
	h := newHarness()
	h.fab.block("a", "b")
	mock := clock.NewMock()

	a, _ := h.session(t, "a", func(o *Options) { o.Clock = mock })
	b, _ := h.session(t, "b")
	join(t, a, b)

	for retry := 0; retry < DefaultMaxRetries; retry++ {
		waitFor(t, 2*time.Second, "negotiation", func() bool {
			st := peerStatus(a, "b")
			return st.State == StateIceGathering && st.RetryCount == retry
		})
		mock.Add(DefaultConnectTimeout)
		if retry == DefaultMaxRetries-1 {
			break
		}
		waitFor(t, 2*time.Second, "backoff", func() bool {
			st := peerStatus(a, "b")
			return st.Reconnect && st.RetryCount == retry+1 && st.Reason == ReasonTimeout
		})
		mock.Add(DefaultRetryBackoff)
	}

	waitFor(t, 2*time.Second, "unreachable", func() bool { return peerStatus(a, "b").Unreachable })
	settle(t, a)

	if st := peerStatus(a, "b"); st.State != StateFailed || st.RetryCount != DefaultMaxRetries {
		t.Fatalf("final status = %s retry %d, want failed retry %d", st.State, st.RetryCount, DefaultMaxRetries)
	}

	transports := h.fab.created("a", "b")
	if len(transports) != DefaultMaxRetries {
		t.Fatalf("%d attempts, want %d", len(transports), DefaultMaxRetries)
	}
	for _, tr := range transports {
		if !tr.isClosed() {
			t.Fatal("failed attempt left its transport open")
		}
	}
	if n := a.supervisor.Active(); n != 0 {
		t.Fatalf("%d timers still active", n)
	}
	if n := h.sig.count("b", "a", KindOffer); n != 0 {
		t.Fatalf("answering side sent %d offers", n)
	}

	// A roster change restores the retry budget.
	c, _ := h.session(t, "c")
	join(t, c)
	waitFor(t, 2*time.Second, "fresh attempt", func() bool {
		return len(h.fab.created("a", "b")) == DefaultMaxRetries+1
	})
}

func TestAnsweringSideGivesUpWithUnequalTimeouts(t *testing.T) {
	h := newHarness()
	h.fab.block("a", "b")
	h.fab.block("b", "a")
	mock := clock.NewMock()

	a, _ := h.session(t, "a", func(o *Options) { o.Clock = mock })
	b, _ := h.session(t, "b", func(o *Options) {
		o.Clock = mock
		o.Supervisor = SupervisorConfig{ConnectTimeout: 20 * time.Second}
	})
	join(t, a, b)

	waitFor(t, 2*time.Second, "negotiation", func() bool {
		return peerStatus(a, "b").State == StateIceGathering && peerStatus(b, "a").State == StateIceGathering
	})
	waitFor(t, 5*time.Second, "both sides give up", func() bool {
		mock.Add(time.Second)
		return peerStatus(a, "b").Unreachable && peerStatus(b, "a").Unreachable
	})
	settle(t, a)
	settle(t, b)

	for _, side := range []struct {
		s    *Session
		peer string
	}{{a, "b"}, {b, "a"}} {
		st := peerStatus(side.s, side.peer)
		if st.State != StateFailed || st.RetryCount != DefaultMaxRetries || st.Reason != ReasonTimeout {
			t.Errorf("%s->%s = %s retry %d reason %q", side.s.SelfID(), side.peer, st.State, st.RetryCount, st.Reason)
		}
		if n := side.s.supervisor.Active(); n != 0 {
			t.Errorf("%s has %d timers left", side.s.SelfID(), n)
		}
		for _, tr := range h.fab.created(side.s.SelfID(), side.peer) {
			if !tr.isClosed() {
				t.Errorf("%s left a transport open", side.s.SelfID())
			}
		}
	}
}

func TestPeerFailureIsIsolated(t *testing.T) {
	h := newHarness()
	h.fab.fail("a", "c")

	a, _ := h.session(t, "a", func(o *Options) {
		o.Supervisor = SupervisorConfig{RetryBackoff: 10 * time.Millisecond}
	})
	b, _ := h.session(t, "b")
	c, _ := h.session(t, "c")
	join(t, a, b, c)

	waitFor(t, 3*time.Second, "c unreachable", func() bool { return peerStatus(a, "c").Unreachable })

	if st := peerStatus(a, "b"); st.State != StateConnected {
		t.Fatalf("healthy peer state = %s", st.State)
	}
	if n := len(h.fab.created("a", "b")); n != 1 {
		t.Fatalf("healthy peer reconnected %d times", n)
	}
	if n := len(h.fab.created("a", "c")); n != DefaultMaxRetries {
		t.Fatalf("failing peer attempted %d times", n)
	}
	if st := peerStatus(a, "c"); st.Reason != ReasonICEFailed {
		t.Fatalf("reason = %q", st.Reason)
	}
}

func TestDuplicateDeliveryConverges(t *testing.T) {
	h := newHarness()
	h.sig.duplicate = true
	h.reg.duplicate = true

	a, _ := h.session(t, "a")
	b, _ := h.session(t, "b")
	c, _ := h.session(t, "c")
	join(t, a, b, c)

	waitFor(t, 2*time.Second, "full mesh", func() bool {
		return connectedTo(a, 2) && connectedTo(b, 2) && connectedTo(c, 2)
	})

	for _, tr := range h.fab.all() {
		if remoteSets, rejected := tr.stats(); remoteSets != 1 || rejected != 0 {
			t.Fatalf("%s>%s remoteSets = %d rejected = %d", tr.owner, tr.peer, remoteSets, rejected)
		}
	}
	if n := len(h.fab.all()); n != 6 {
		t.Fatalf("%d transports, want 6", n)
	}
}

func TestLeaveIsIdempotent(t *testing.T) {
	h := newHarness()
	a, media := h.session(t, "a")
	b, _ := h.session(t, "b")
	join(t, a, b)
	waitFor(t, 2*time.Second, "connection", func() bool { return connectedTo(a, 1) && connectedTo(b, 1) })

	if err := a.Leave(context.Background()); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if err := a.Leave(context.Background()); err != nil {
		t.Fatalf("second Leave: %v", err)
	}

	if !media.audio.stopped.Load() || !media.video.stopped.Load() {
		t.Fatal("local tracks not stopped")
	}
	for _, tr := range h.fab.created("a", "b") {
		if !tr.isClosed() {
			t.Fatal("transport left open")
		}
	}
	if ids := h.reg.participantIDs(roomID); !slices.Equal(ids, []string{"b"}) {
		t.Fatalf("roster = %v", ids)
	}
	waitFor(t, 2*time.Second, "remote side cleanup", func() bool { return len(b.Snapshot().Peers) == 0 })

	for range a.Updates() {
	}
	if err := a.Join(context.Background(), roomID); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("rejoin err = %v", err)
	}
}

func TestLeaveContinuesPastErrors(t *testing.T) {
	h := newHarness()
	a, media := h.session(t, "a")
	b, _ := h.session(t, "b")
	join(t, a, b)
	waitFor(t, 2*time.Second, "connection", func() bool { return connectedTo(a, 1) })

	h.reg.mu.Lock()
	h.reg.failRemove = errors.New("registry down")
	h.reg.mu.Unlock()
	h.fab.mu.Lock()
	h.fab.closeErr = errors.New("close failed")
	h.fab.mu.Unlock()

	err := a.Leave(context.Background())
	if got := len(multierr.Errors(err)); got != 2 {
		t.Fatalf("got %d errors, want 2: %v", got, err)
	}
	if !errors.Is(err, ErrRoomUnavailable) {
		t.Fatalf("err = %v", err)
	}
	if !media.audio.stopped.Load() {
		t.Fatal("tracks not stopped after earlier errors")
	}
	if err := a.Leave(context.Background()); err != nil {
		t.Fatalf("second Leave: %v", err)
	}
}

func TestJoinFailsWithoutMedia(t *testing.T) {
	h := newHarness()
	a, media := h.session(t, "a")
	media.err = errors.New("permission denied")

	err := a.Join(context.Background(), roomID)
	if !errors.Is(err, ErrMediaAccessDenied) {
		t.Fatalf("err = %v", err)
	}
	if ids := h.reg.participantIDs(roomID); len(ids) != 0 {
		t.Fatalf("registered despite media failure: %v", ids)
	}
}

func TestJoinFailsWhenRoomUnavailable(t *testing.T) {
	h := newHarness()
	h.reg.failCreate = errors.New("connection refused")
	a, media := h.session(t, "a")

	err := a.Join(context.Background(), roomID)
	if !errors.Is(err, ErrRoomUnavailable) {
		t.Fatalf("err = %v", err)
	}
	if !media.audio.stopped.Load() {
		t.Fatal("media not released after failed join")
	}
}

func TestOnlyTheCallerNotifies(t *testing.T) {
	h := newHarness()
	h.reg.members = []string{"a", "b", "z"}

	a, _ := h.session(t, "a", func(o *Options) { o.Invite = []string{"y", "z"} })
	b, _ := h.session(t, "b")
	join(t, a)

	waitFor(t, time.Second, "notification", func() bool { return len(h.notifier.snapshot()) == 1 })
	call := h.notifier.snapshot()[0]
	if call.callerID != "a" || call.roomID != roomID {
		t.Fatalf("notification = %+v", call)
	}
	if !slices.Equal(call.recipients, []string{"b", "z", "y"}) {
		t.Fatalf("recipients = %v", call.recipients)
	}

	join(t, b)
	time.Sleep(50 * time.Millisecond)
	if n := len(h.notifier.snapshot()); n != 1 {
		t.Fatalf("%d notifications, want 1", n)
	}
}

func TestToggleFlipsSharedTracks(t *testing.T) {
	h := newHarness()
	a, media := h.session(t, "a")
	b, _ := h.session(t, "b")
	join(t, a, b)
	waitFor(t, 2*time.Second, "connection", func() bool { return connectedTo(a, 1) })

	muted, err := a.ToggleMute()
	if err != nil || !muted || media.audio.Enabled() {
		t.Fatalf("ToggleMute = %v, %v; enabled = %v", muted, err, media.audio.Enabled())
	}
	off, err := a.ToggleVideo()
	if err != nil || !off || media.video.Enabled() {
		t.Fatalf("ToggleVideo = %v, %v", off, err)
	}
	if muted, _ = a.ToggleMute(); muted || !media.audio.Enabled() {
		t.Fatal("second ToggleMute did not unmute")
	}

	waitFor(t, time.Second, "snapshot flags", func() bool {
		s := a.Snapshot()
		return !s.Muted && s.VideoOff
	})
	if n := len(h.fab.created("a", "b")); n != 1 {
		t.Fatal("toggling media renegotiated the link")
	}
}

func TestSendFailuresMarkDegraded(t *testing.T) {
	h := newHarness()
	a, _ := h.session(t, "a")
	join(t, a)

	h.sig.mu.Lock()
	h.sig.failSend = ErrSignalChannelUnavailable
	h.sig.mu.Unlock()

	b, _ := h.session(t, "b")
	join(t, b)

	waitFor(t, 2*time.Second, "degraded", func() bool { return a.Snapshot().Degraded })
}

func TestSlowSignalDoesNotStallOtherPeers(t *testing.T) {
	h := newHarness()
	gate := make(chan struct{})
	stalled := make(chan struct{}, 1)
	h.sig.stall = func(m SignalMessage) <-chan struct{} {
		if m.FromID != "a" || m.ToID != "c" {
			return nil
		}
		select {
		case stalled <- struct{}{}:
		default:
		}
		return gate
	}

	a, _ := h.session(t, "a")
	b, _ := h.session(t, "b")
	c, _ := h.session(t, "c")
	join(t, a, c)

	select {
	case <-stalled:
	case <-time.After(2 * time.Second):
		t.Fatal("offer to c never reached the relay")
	}

	join(t, b)
	waitFor(t, 2*time.Second, "a and b connected", func() bool {
		return peerStatus(a, "b").State == StateConnected && peerStatus(b, "a").State == StateConnected
	})
	if n := h.sig.count("a", "c", KindOffer); n != 0 {
		t.Fatalf("stalled offer delivered %d times", n)
	}

	close(gate)
	waitFor(t, 2*time.Second, "full mesh", func() bool {
		return connectedTo(a, 2) && connectedTo(b, 2) && connectedTo(c, 2)
	})
}

func TestFullStashKeepsDescriptions(t *testing.T) {
	s := NewSession(Deps{}, Options{SelfID: "a", Logger: quietLogger()})
	s.stash = make(map[string][]SignalMessage)
	stash := func(kind SignalKind, seq uint64) {
		s.stashSignal(SignalMessage{FromID: "b", ToID: "a", Session: "s1", Seq: seq, Kind: kind})
	}

	stash(KindOffer, 1)
	for seq := uint64(2); seq <= stashLimit+10; seq++ {
		stash(KindCandidate, seq)
	}
	queued := s.stash["b"]
	if len(queued) != stashLimit || queued[0].Kind != KindOffer {
		t.Fatalf("stash = %d signals, first %s", len(queued), queued[0].Kind)
	}
	if last := queued[len(queued)-1].Seq; last != stashLimit {
		t.Fatalf("last kept candidate seq = %d, want %d", last, stashLimit)
	}

	// A newer offer pushes out the oldest candidate.
	stash(KindOffer, 1000)
	queued = s.stash["b"]
	if len(queued) != stashLimit || queued[0].Seq != 1 || queued[1].Seq != 3 || queued[len(queued)-1].Seq != 1000 {
		t.Fatalf("after second offer: first %d second %d last %d", queued[0].Seq, queued[1].Seq, queued[len(queued)-1].Seq)
	}
}
