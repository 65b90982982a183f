package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type fakeTrack struct {
	id      string
	kind    TrackKind
	enabled atomic.Bool
	stopped atomic.Bool
	stopErr error
}

func newFakeTrack(id string, kind TrackKind) *fakeTrack {
	t := &fakeTrack{id: id, kind: kind}
	t.enabled.Store(true)
	return t
}

func (t *fakeTrack) ID() string              { return t.id }
func (t *fakeTrack) Kind() TrackKind         { return t.kind }
func (t *fakeTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }
func (t *fakeTrack) Enabled() bool           { return t.enabled.Load() }
func (t *fakeTrack) Stop() error {
	t.stopped.Store(true)
	return t.stopErr
}

type fakeMedia struct {
	err    error
	audio  *fakeTrack
	video  *fakeTrack
	opened int
}

func (m *fakeMedia) AcquireLocalStream(_ context.Context, c Constraints) (LocalStream, error) {
	if m.err != nil {
		return LocalStream{}, m.err
	}
	m.opened++
	stream := LocalStream{ID: "local"}
	if c.Audio {
		m.audio = newFakeTrack("mic", TrackAudio)
		stream.Audio = m.audio
	}
	if c.Video {
		m.video = newFakeTrack("cam", TrackVideo)
		stream.Video = m.video
	}
	return stream, nil
}

type fakeRegistry struct {
	deliverMu sync.Mutex
	mu        sync.Mutex
	rooms     map[string]*Room
	subs      map[string]map[int]func(Room)
	nextSub   int
	members   []string

	failCreate error
	failAdd    error
	failRemove error
	duplicate  bool
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		rooms: make(map[string]*Room),
		subs:  make(map[string]map[int]func(Room)),
	}
}

func cloneRoom(r Room) Room {
	r.Participants = slices.Clone(r.Participants)
	r.Members = slices.Clone(r.Members)
	return r
}

func (r *fakeRegistry) room(id string) *Room {
	room, ok := r.rooms[id]
	if !ok {
		room = &Room{ID: id, Members: slices.Clone(r.members)}
		r.rooms[id] = room
	}
	return room
}

func (r *fakeRegistry) CreateOrGetRoom(_ context.Context, roomID string) (Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failCreate != nil {
		return Room{}, r.failCreate
	}
	return cloneRoom(*r.room(roomID)), nil
}

func (r *fakeRegistry) AddParticipant(_ context.Context, roomID string, p Participant) error {
	return r.mutate(roomID, func(room *Room) error {
		if r.failAdd != nil {
			return r.failAdd
		}
		room.Participants = slices.DeleteFunc(room.Participants, func(q Participant) bool { return q.ID == p.ID })
		room.Participants = append(room.Participants, p)
		if room.HostID == "" {
			room.HostID = p.ID
		}
		return nil
	})
}

func (r *fakeRegistry) RemoveParticipant(_ context.Context, roomID, participantID string) error {
	return r.mutate(roomID, func(room *Room) error {
		if r.failRemove != nil {
			return r.failRemove
		}
		room.Participants = slices.DeleteFunc(room.Participants, func(q Participant) bool { return q.ID == participantID })
		return nil
	})
}

// mutate applies fn and delivers the resulting roster in mutation order.
func (r *fakeRegistry) mutate(roomID string, fn func(room *Room) error) error {
	r.deliverMu.Lock()
	defer r.deliverMu.Unlock()

	r.mu.Lock()
	room := r.room(roomID)
	if err := fn(room); err != nil {
		r.mu.Unlock()
		return err
	}
	snap := cloneRoom(*room)
	var subs []func(Room)
	for _, fn := range r.subs[roomID] {
		subs = append(subs, fn)
	}
	dup := r.duplicate
	r.mu.Unlock()

	for _, fn := range subs {
		fn(snap)
		if dup {
			fn(snap)
		}
	}
	return nil
}

func (r *fakeRegistry) SubscribeRoom(roomID string, onChange func(Room)) (func(), error) {
	r.deliverMu.Lock()
	defer r.deliverMu.Unlock()

	r.mu.Lock()
	if r.subs[roomID] == nil {
		r.subs[roomID] = make(map[int]func(Room))
	}
	r.nextSub++
	id := r.nextSub
	r.subs[roomID][id] = onChange
	snap := cloneRoom(*r.room(roomID))
	r.mu.Unlock()

	onChange(snap)
	return func() {
		r.mu.Lock()
		delete(r.subs[roomID], id)
		r.mu.Unlock()
	}, nil
}

func (r *fakeRegistry) participantIDs(roomID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for _, p := range r.room(roomID).Participants {
		ids = append(ids, p.ID)
	}
	return ids
}

type fakeSignals struct {
	mu        sync.Mutex
	inbox     map[string]func(SignalMessage)
	pending   map[string][]SignalMessage
	sent      []SignalMessage
	duplicate bool
	drop      func(SignalMessage) bool
	failSend  error

	// stall, when it returns a channel, holds the send until the channel
	// closes or the caller gives up.
	stall func(SignalMessage) <-chan struct{}
}

func newFakeSignals() *fakeSignals {
	return &fakeSignals{
		inbox:   make(map[string]func(SignalMessage)),
		pending: make(map[string][]SignalMessage),
	}
}

func (f *fakeSignals) Send(ctx context.Context, msg SignalMessage) error {
	f.mu.Lock()
	stall := f.stall
	f.mu.Unlock()
	if stall != nil {
		if gate := stall(msg); gate != nil {
			select {
			case <-gate:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	f.mu.Lock()
	if f.failSend != nil {
		f.mu.Unlock()
		return f.failSend
	}
	f.sent = append(f.sent, msg)
	if f.drop != nil && f.drop(msg) {
		f.mu.Unlock()
		return nil
	}
	fn := f.inbox[msg.ToID]
	if fn == nil {
		f.pending[msg.ToID] = append(f.pending[msg.ToID], msg)
		f.mu.Unlock()
		return nil
	}
	dup := f.duplicate
	f.mu.Unlock()

	fn(msg)
	if dup {
		fn(msg)
	}
	return nil
}

func (f *fakeSignals) Subscribe(selfID string, onMessage func(SignalMessage)) (func(), error) {
	f.mu.Lock()
	f.inbox[selfID] = onMessage
	queued := f.pending[selfID]
	delete(f.pending, selfID)
	f.mu.Unlock()

	for _, msg := range queued {
		onMessage(msg)
	}
	return func() {
		f.mu.Lock()
		delete(f.inbox, selfID)
		f.mu.Unlock()
	}, nil
}

// inject delivers msg to selfID as if the relay had sent it.
func (f *fakeSignals) inject(msg SignalMessage) {
	f.mu.Lock()
	fn := f.inbox[msg.ToID]
	f.mu.Unlock()
	if fn != nil {
		fn(msg)
	}
}

func (f *fakeSignals) count(from, to string, kind SignalKind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.sent {
		if m.FromID == from && m.ToID == to && m.Kind == kind {
			n++
		}
	}
	return n
}

type notifyCall struct {
	roomID     string
	callerID   string
	recipients []string
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []notifyCall
}

func (n *fakeNotifier) NotifyRoomOfNewCall(_ context.Context, roomID, callerID string, recipientIDs []string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, notifyCall{roomID, callerID, slices.Clone(recipientIDs)})
	return nil
}

func (n *fakeNotifier) snapshot() []notifyCall {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.calls)
}

type pair struct{ owner, peer string }

// fabric hands out fake transports that "connect" once both descriptions
// are installed and a remote candidate was applied.
type fabric struct {
	mu         sync.Mutex
	transports []*fakeTransport
	blocked    map[pair]bool
	failICE    map[pair]bool
	closeErr   error
}

func newFabric() *fabric {
	return &fabric{blocked: make(map[pair]bool), failICE: make(map[pair]bool)}
}

func (f *fabric) block(owner, peer string) {
	f.mu.Lock()
	f.blocked[pair{owner, peer}] = true
	f.mu.Unlock()
}

func (f *fabric) fail(owner, peer string) {
	f.mu.Lock()
	f.failICE[pair{owner, peer}] = true
	f.mu.Unlock()
}

func (f *fabric) factory(owner string) TransportFactory {
	return &fakeFactory{fabric: f, owner: owner}
}

func (f *fabric) created(owner, peer string) []*fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*fakeTransport
	for _, t := range f.transports {
		if t.owner == owner && t.peer == peer {
			out = append(out, t)
		}
	}
	return out
}

func (f *fabric) all() []*fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.transports)
}

type fakeFactory struct {
	fabric *fabric
	owner  string
	err    error
}

func (ff *fakeFactory) NewTransport(peerID string, stream LocalStream, ev TransportEvents) (Transport, error) {
	if ff.err != nil {
		return nil, ff.err
	}
	t := &fakeTransport{owner: ff.owner, peer: peerID, tracks: len(stream.Tracks()), ev: ev, fabric: ff.fabric}
	ff.fabric.mu.Lock()
	ff.fabric.transports = append(ff.fabric.transports, t)
	ff.fabric.mu.Unlock()
	return t, nil
}

type fakeTransport struct {
	owner  string
	peer   string
	tracks int
	ev     TransportEvents
	fabric *fabric

	mu         sync.Mutex
	descs      int
	localSet   bool
	remoteSet  bool
	remoteSets int
	applied    []string
	rejected   int
	connected  bool
	closed     bool
	failOffer  bool
}

func (t *fakeTransport) describe(kind SignalKind) json.RawMessage {
	t.descs++
	t.localSet = true
	for i := 1; i <= 2; i++ {
		c := fmt.Sprintf(`{"candidate":"candidate:%s>%s/%d/%d"}`, t.owner, t.peer, t.descs, i)
		t.ev.OnCandidate(json.RawMessage(c))
	}
	return json.RawMessage(fmt.Sprintf(`{"type":%q,"from":%q,"n":%d}`, kind, t.owner, t.descs))
}

func (t *fakeTransport) CreateOffer() (json.RawMessage, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failOffer {
		return nil, errors.New("offer refused")
	}
	return t.describe(KindOffer), nil
}

func (t *fakeTransport) CreateAnswer() (json.RawMessage, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.remoteSet {
		return nil, errors.New("answer without offer")
	}
	out := t.describe(KindAnswer)
	t.check()
	return out, nil
}

func (t *fakeTransport) SetRemoteDescription(_ SignalKind, _ json.RawMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.remoteSet = true
	t.remoteSets++
	t.check()
	return nil
}

func (t *fakeTransport) AddICECandidate(c json.RawMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.remoteSet {
		t.rejected++
		return errors.New("remote description not set")
	}
	t.applied = append(t.applied, string(c))
	t.check()
	return nil
}

func (t *fakeTransport) check() {
	if t.connected || t.closed || !t.localSet || !t.remoteSet || len(t.applied) == 0 {
		return
	}
	t.fabric.mu.Lock()
	blocked := t.fabric.blocked[pair{t.owner, t.peer}]
	failed := t.fabric.failICE[pair{t.owner, t.peer}]
	t.fabric.mu.Unlock()

	switch {
	case failed:
		t.ev.OnConnectivity(ConnFailed)
	case !blocked:
		t.connected = true
		t.ev.OnConnectivity(ConnChecking)
		t.ev.OnConnectivity(ConnConnected)
		t.ev.OnRemoteTrack(RemoteTrack{ID: t.peer + "-mic", StreamID: t.peer, Kind: TrackAudio, Stats: &TrackStats{}})
	}
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.fabric.mu.Lock()
	err := t.fabric.closeErr
	t.fabric.mu.Unlock()
	return err
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *fakeTransport) stats() (remoteSets, rejected int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remoteSets, t.rejected
}

func (t *fakeTransport) appliedCandidates() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.applied)
}
