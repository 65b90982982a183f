package call

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/multierr"
)

const (
	defaultSendTimeout = 5 * time.Second
	removeTimeout      = 5 * time.Second
	notifyTimeout      = 10 * time.Second

	// stashLimit bounds the signals kept for a peer not yet in the roster.
	stashLimit = 64

	// degradedAfter consecutive send failures mark the session degraded.
	degradedAfter = 3
)

// Deps are the ports a Session drives.
type Deps struct {
	Registry   RoomRegistry
	Signals    SignalChannel
	Notifier   Notifier
	Media      MediaProvider
	Transports TransportFactory
}

// Options tune a Session. Zero values take defaults.
type Options struct {
	SelfID      string
	DisplayName string
	Constraints Constraints

	// Invite lists users alerted in addition to the room members when this
	// session starts the call.
	Invite []string

	Supervisor  SupervisorConfig
	SendTimeout time.Duration
	Clock       clock.Clock
	Logger      *slog.Logger
}

type phase int

const (
	phaseIdle phase = iota
	phaseJoined
	phaseLeft
)

type seqKey struct {
	from    string
	session string
	seq     uint64
}

// Session is one participant's membership in a call room. All PeerLinks,
// timers and roster bookkeeping are owned by a single loop goroutine; the
// exported methods are safe for concurrent use.
type Session struct {
	deps      Deps
	opts      Options
	selfID    string
	sessionID string
	clock     clock.Clock
	log       *slog.Logger

	lifecycle sync.Mutex
	phase     phase

	queue        *eventQueue
	done         chan struct{}
	unsubRoom    func()
	unsubSignals func()

	mediaMu  sync.Mutex
	local    LocalStream
	muted    atomic.Bool
	videoOff atomic.Bool

	// loop state
	roomID       string
	membership   string
	participants map[string]Participant
	manager      *ConnectionManager
	supervisor   *ReconnectSupervisor
	seen         map[seqKey]struct{}
	outSeq       map[string]uint64
	stash        map[string][]SignalMessage
	departed     map[string]string
	unreachable  map[string]int
	reasons      map[string]FailureReason
	streams      map[string]*RemoteStream
	sendFailures int
	degraded     bool

	outboxes   map[string]*outbox
	sendCtx    context.Context
	sendCancel context.CancelFunc
	sendWG     sync.WaitGroup

	mu          sync.RWMutex
	snapshot    Snapshot
	streamsView map[string]RemoteStream
	updates     chan Snapshot
}

func NewSession(deps Deps, opts Options) *Session {
	if opts.SelfID == "" {
		opts.SelfID = uuid.NewString()
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = defaultSendTimeout
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		deps:    deps,
		opts:    opts,
		selfID:  opts.SelfID,
		clock:   clk,
		log:     log.With("component", "call", "self", opts.SelfID),
		queue:   newEventQueue(),
		done:    make(chan struct{}),
		updates: make(chan Snapshot, 1),
	}
}

func (s *Session) SelfID() string { return s.selfID }

// Join enters roomID: it acquires local media, registers this participant
// and starts connecting to everyone already in the room.
func (s *Session) Join(ctx context.Context, roomID string) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	switch s.phase {
	case phaseJoined:
		return NewError("join", ErrAlreadyJoined)
	case phaseLeft:
		return NewError("join", ErrSessionClosed)
	}

	stream, err := s.deps.Media.AcquireLocalStream(ctx, s.opts.Constraints)
	if err != nil {
		if errors.Is(err, ErrMediaAccessDenied) {
			return NewError("acquire media", err)
		}
		return wrapCause("acquire media", ErrMediaAccessDenied, err)
	}
	s.mediaMu.Lock()
	s.local = stream
	s.mediaMu.Unlock()

	room, err := s.deps.Registry.CreateOrGetRoom(ctx, roomID)
	if err != nil {
		return multierr.Append(wrapCause("open room", ErrRoomUnavailable, err), s.stopLocal())
	}
	starting := len(room.Participants) == 0

	self := Participant{
		ID:          s.selfID,
		SessionID:   uuid.NewString(),
		DisplayName: s.opts.DisplayName,
		JoinedAt:    s.clock.Now(),
	}
	if err := s.deps.Registry.AddParticipant(ctx, roomID, self); err != nil {
		return multierr.Append(wrapCause("register participant", ErrRoomUnavailable, err), s.stopLocal())
	}
	s.sessionID = self.SessionID

	s.initLoop(roomID, stream)
	go s.run()

	unsubSignals, err := s.deps.Signals.Subscribe(s.selfID, func(msg SignalMessage) {
		s.queue.push(signalEvent{msg: msg})
	})
	if err != nil {
		s.abortJoin(ctx)
		return wrapCause("subscribe signals", ErrSignalChannelUnavailable, err)
	}
	s.unsubSignals = unsubSignals

	seed := room
	if _, ok := seed.Participant(s.selfID); !ok {
		seed.Participants = append(slices.Clone(seed.Participants), self)
	}
	s.queue.push(rosterEvent{room: seed})

	unsubRoom, err := s.deps.Registry.SubscribeRoom(roomID, func(r Room) {
		s.queue.push(rosterEvent{room: r})
	})
	if err != nil {
		s.abortJoin(ctx)
		return wrapCause("subscribe room", ErrRoomUnavailable, err)
	}
	s.unsubRoom = unsubRoom
	s.phase = phaseJoined

	s.log.Info("Joined room", "room", roomID, "session", s.sessionID, "participants", len(seed.Participants))

	if starting {
		go s.notify(roomID, room.Members)
	}
	return nil
}

// abortJoin unwinds a join that failed after the loop started.
func (s *Session) abortJoin(ctx context.Context) {
	if err := s.leave(ctx); err != nil {
		s.log.Warn("Rollback after failed join", "error", err)
	}
	s.phase = phaseLeft
}

func (s *Session) initLoop(roomID string, stream LocalStream) {
	s.roomID = roomID
	s.participants = make(map[string]Participant)
	s.seen = make(map[seqKey]struct{})
	s.outSeq = make(map[string]uint64)
	s.stash = make(map[string][]SignalMessage)
	s.departed = make(map[string]string)
	s.unreachable = make(map[string]int)
	s.outboxes = make(map[string]*outbox)
	s.sendCtx, s.sendCancel = context.WithCancel(context.Background())
	s.reasons = make(map[string]FailureReason)
	s.streams = make(map[string]*RemoteStream)
	s.supervisor = NewReconnectSupervisor(s.opts.Supervisor, s.clock, s.queue.push)
	s.manager = NewConnectionManager(ManagerConfig{
		SelfID:     s.selfID,
		Transports: s.deps.Transports,
		Stream:     stream,
		Events:     s,
		Bridge:     s.bridge,
		Now:        s.clock.Now,
		Logger:     s.log,
	})
	s.publish()
}

// bridge turns transport callbacks into queued events tagged with the link
// generation, so callbacks from a replaced transport are discarded.
func (s *Session) bridge(peerID string, gen uint64) TransportEvents {
	return TransportEvents{
		OnCandidate: func(c json.RawMessage) {
			s.queue.push(transportEvent{peerID: peerID, gen: gen, candidate: c})
		},
		OnConnectivity: func(state ConnState) {
			s.queue.push(transportEvent{peerID: peerID, gen: gen, conn: state, hasConn: true})
		},
		OnRemoteTrack: func(t RemoteTrack) {
			s.queue.push(transportEvent{peerID: peerID, gen: gen, track: &t})
		},
	}
}

func (s *Session) notify(roomID string, members []string) {
	if s.deps.Notifier == nil {
		return
	}
	seen := map[string]bool{s.selfID: true}
	var recipients []string
	for _, id := range append(slices.Clone(members), s.opts.Invite...) {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		recipients = append(recipients, id)
	}
	if len(recipients) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	if err := s.deps.Notifier.NotifyRoomOfNewCall(ctx, roomID, s.selfID, recipients); err != nil {
		s.log.Warn("Failed to notify room of new call", "room", roomID, "error", err)
		return
	}
	s.log.Debug("Notified room of new call", "room", roomID, "recipients", len(recipients))
}

// Leave tears the session down. It is idempotent and continues past errors,
// returning them combined. No timer fires after Leave returns.
func (s *Session) Leave(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.phase != phaseJoined {
		s.phase = phaseLeft
		return nil
	}
	s.phase = phaseLeft
	return s.leave(ctx)
}

func (s *Session) leave(ctx context.Context) error {
	reply := make(chan error, 1)
	if !s.queue.push(leaveEvent{ctx: ctx, reply: reply}) {
		return nil
	}
	err := <-reply
	<-s.done
	return err
}

// ToggleMute flips the shared audio track and returns the new muted state.
func (s *Session) ToggleMute() (bool, error) {
	s.mediaMu.Lock()
	defer s.mediaMu.Unlock()

	if s.local.Audio == nil {
		return s.muted.Load(), NewError("toggle mute", ErrMediaAccessDenied)
	}
	muted := !s.muted.Load()
	s.local.Audio.SetEnabled(!muted)
	s.muted.Store(muted)
	s.refresh()
	return muted, nil
}

// ToggleVideo flips the shared video track and returns the new video-off state.
func (s *Session) ToggleVideo() (bool, error) {
	s.mediaMu.Lock()
	defer s.mediaMu.Unlock()

	if s.local.Video == nil {
		return s.videoOff.Load(), NewError("toggle video", ErrMediaAccessDenied)
	}
	off := !s.videoOff.Load()
	s.local.Video.SetEnabled(!off)
	s.videoOff.Store(off)
	s.refresh()
	return off, nil
}

func (s *Session) refresh() {
	s.queue.push(refreshEvent{})
}

func (s *Session) stopLocal() error {
	s.mediaMu.Lock()
	defer s.mediaMu.Unlock()

	var err error
	for _, t := range s.local.Tracks() {
		err = multierr.Append(err, t.Stop())
	}
	s.local = LocalStream{}
	return err
}

// Snapshot returns the latest published state.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot
}

// Updates delivers snapshots, keeping only the latest when the reader lags.
// The channel is closed when the session leaves.
func (s *Session) Updates() <-chan Snapshot {
	return s.updates
}

// RemoteStreams returns the streams received from connected peers.
func (s *Session) RemoteStreams() map[string]RemoteStream {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]RemoteStream, len(s.streamsView))
	for id, rs := range s.streamsView {
		out[id] = rs
	}
	return out
}

func (s *Session) run() {
	defer close(s.done)
	for range s.queue.ready {
		for _, ev := range s.queue.drain() {
			if s.handle(ev) {
				return
			}
		}
		s.publish()
	}
}

func (s *Session) handle(ev any) bool {
	switch ev := ev.(type) {
	case rosterEvent:
		s.applyRoster(ev.room)
	case signalEvent:
		s.routeSignal(ev.msg)
	case transportEvent:
		s.handleTransport(ev)
	case timeoutEvent:
		s.handleTimeout(ev)
	case retryEvent:
		s.handleRetry(ev)
	case linkFailedEvent:
		s.handleLinkFailed(ev)
	case sendResultEvent:
		s.handleSendResult(ev)
	case barrierEvent:
		s.publish()
		close(ev.done)
	case leaveEvent:
		ev.reply <- s.teardown(ev.ctx)
		return true
	}
	return false
}

func (s *Session) teardown(ctx context.Context) error {
	var err error

	s.supervisor.CancelAll()
	s.sendCancel()
	s.sendWG.Wait()
	if s.unsubSignals != nil {
		s.unsubSignals()
	}
	if s.unsubRoom != nil {
		s.unsubRoom()
	}
	err = multierr.Append(err, s.manager.CloseAll())
	clear(s.streams)
	clear(s.participants)
	err = multierr.Append(err, s.stopLocal())

	rmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), removeTimeout)
	defer cancel()
	if rerr := s.deps.Registry.RemoveParticipant(rmCtx, s.roomID, s.selfID); rerr != nil {
		err = multierr.Append(err, WrapError("remove participant", ErrRoomUnavailable, rerr.Error()))
	}

	s.queue.close()
	s.publish()
	close(s.updates)

	s.log.Info("Left room", "room", s.roomID)
	return err
}

func (s *Session) applyRoster(room Room) {
	if room.ID != s.roomID {
		return
	}
	room.SortParticipants()

	if key := room.membership(s.selfID); key != s.membership {
		s.membership = key
		clear(s.unreachable)
	}

	desired := make(map[string]Participant, len(room.Participants))
	for _, p := range room.Participants {
		if p.ID == s.selfID {
			continue
		}
		desired[p.ID] = p
		if s.departed[p.ID] == p.SessionID {
			delete(s.departed, p.ID)
		}
	}

	for id, prev := range s.participants {
		if p, ok := desired[id]; ok && p.SessionID == prev.SessionID {
			continue
		}
		s.departed[id] = prev.SessionID
		s.dropPeer(id)
		s.closeOutbox(id)
		s.forgetSeen(id, prev.SessionID)
		delete(s.reasons, id)
		s.log.Info("Participant left", "peer", id)
	}
	s.participants = desired

	ids := make([]string, 0, len(desired))
	for id := range desired {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	for _, id := range ids {
		if _, ok := s.manager.Get(id); ok {
			continue
		}
		if _, ok := s.supervisor.PendingRetry(id); ok {
			continue
		}
		if _, ok := s.unreachable[id]; ok {
			continue
		}
		s.connect(desired[id], 0)
	}
}

// connect creates the PeerLink for p, replays stashed signals and starts
// negotiation.
func (s *Session) connect(p Participant, retryCount int) *PeerLink {
	l, created, err := s.manager.CreateOrGet(LinkSpec{
		PeerID:        p.ID,
		RemoteSession: p.SessionID,
		RetryCount:    retryCount,
	})
	if err != nil {
		s.log.Warn("Failed to create peer link", "peer", p.ID, "error", err)
		s.reasons[p.ID] = ReasonSetup
		s.scheduleRetry(p.ID, retryCount)
		return nil
	}
	if !created {
		return l
	}
	delete(s.reasons, p.ID)

	if err := l.Start(); err != nil {
		s.log.Warn("Failed to start negotiation", "peer", p.ID, "error", err)
	}
	if l.Role() == RoleAnswerer && l.State() == StateNew && retryCount > 0 {
		// A retried answering link waits for an offer the other side may
		// never send.
		s.supervisor.Watch(p.ID, l.generation())
	}

	stashed := s.stash[p.ID]
	delete(s.stash, p.ID)
	for _, msg := range stashed {
		if msg.Session == p.SessionID {
			s.deliver(l, msg)
		}
	}
	return l
}

func (s *Session) dropPeer(peerID string) {
	s.supervisor.Cancel(peerID)
	if err := s.manager.Remove(peerID); err != nil {
		s.log.Warn("Failed to close peer link", "peer", peerID, "error", err)
	}
	delete(s.streams, peerID)
}

func (s *Session) routeSignal(msg SignalMessage) {
	if msg.ToID != s.selfID || msg.FromID == s.selfID {
		return
	}
	if msg.RoomID != "" && msg.RoomID != s.roomID {
		return
	}

	key := seqKey{from: msg.FromID, session: msg.Session, seq: msg.Seq}
	if _, dup := s.seen[key]; dup {
		s.log.Debug("Dropping duplicate signal", "peer", msg.FromID, "kind", msg.Kind, "seq", msg.Seq)
		return
	}
	s.seen[key] = struct{}{}

	if s.departed[msg.FromID] == msg.Session {
		s.log.Debug("Dropping signal from departed session", "peer", msg.FromID, "kind", msg.Kind)
		return
	}

	p, ok := s.participants[msg.FromID]
	if !ok || p.SessionID != msg.Session {
		s.stashSignal(msg)
		return
	}

	l, ok := s.manager.Get(msg.FromID)
	if ok && msg.Kind == KindOffer && l.Role() == RoleAnswerer && l.Attempt() >= 0 && msg.Attempt > l.Attempt() {
		// The offering side restarted negotiation; start over on a fresh link.
		retryCount := l.RetryCount()
		s.dropPeer(msg.FromID)
		l = s.connect(p, retryCount)
		ok = l != nil
	}

	if !ok {
		if _, bad := s.unreachable[msg.FromID]; bad {
			return
		}
		retryCount, pending := s.supervisor.PendingRetry(msg.FromID)
		if pending && (msg.Kind != KindOffer || roleFor(s.selfID, msg.FromID) != RoleAnswerer) {
			return
		}
		if pending {
			s.supervisor.claimRetry(msg.FromID, 0)
		}
		if l = s.connect(p, retryCount); l == nil {
			return
		}
	}
	s.deliver(l, msg)
}

// forgetSeen drops the duplicate filter of a departed session; its late
// signals are rejected by the departed check instead.
func (s *Session) forgetSeen(peerID, session string) {
	for k := range s.seen {
		if k.from == peerID && k.session == session {
			delete(s.seen, k)
		}
	}
}

// stashSignal keeps msg until its sender shows up in the roster. A full
// stash drops candidates, never descriptions: without its offer a batch of
// candidates is useless.
func (s *Session) stashSignal(msg SignalMessage) {
	queued := s.stash[msg.FromID]
	if len(queued) >= stashLimit {
		if msg.Kind == KindCandidate {
			s.log.Debug("Stash full, dropping candidate", "peer", msg.FromID)
			return
		}
		i := slices.IndexFunc(queued, func(m SignalMessage) bool { return m.Kind == KindCandidate })
		if i < 0 {
			i = 0
		}
		queued = slices.Delete(queued, i, i+1)
	}
	s.stash[msg.FromID] = append(queued, msg)
}

func (s *Session) deliver(l *PeerLink, msg SignalMessage) {
	if err := l.HandleSignal(msg); err != nil {
		s.log.Warn("Failed to apply signal", "peer", l.PeerID(), "kind", msg.Kind, "error", err)
	}
}

func (s *Session) handleTransport(ev transportEvent) {
	l, ok := s.manager.Get(ev.peerID)
	if !ok || l.generation() != ev.gen {
		return
	}
	switch {
	case ev.candidate != nil:
		s.send(l, KindCandidate, ev.candidate)
	case ev.track != nil:
		rs, ok := s.streams[ev.peerID]
		if !ok {
			rs = &RemoteStream{PeerID: ev.peerID}
			s.streams[ev.peerID] = rs
		}
		rs.Tracks = append(rs.Tracks, *ev.track)
		s.log.Info("Remote track added", "peer", ev.peerID, "kind", ev.track.Kind)
	case ev.hasConn:
		l.HandleConnectivity(ev.conn)
	}
}

func (s *Session) handleTimeout(ev timeoutEvent) {
	l, ok := s.manager.Get(ev.peerID)
	if !ok || l.generation() != ev.gen {
		return
	}
	if st := l.State(); st == StateNew || st == StateNegotiating || st == StateIceGathering {
		s.log.Warn("Peer connect timeout", "peer", ev.peerID, "state", st.String())
		l.Fail(ReasonTimeout)
	}
}

func (s *Session) handleRetry(ev retryEvent) {
	retryCount, ok := s.supervisor.claimRetry(ev.peerID, ev.token)
	if !ok {
		return
	}
	p, ok := s.participants[ev.peerID]
	if !ok {
		return
	}
	if _, exists := s.manager.Get(ev.peerID); exists {
		return
	}
	s.log.Info("Retrying peer", "peer", ev.peerID, "retry", retryCount)
	s.connect(p, retryCount)
}

func (s *Session) handleLinkFailed(ev linkFailedEvent) {
	l, ok := s.manager.Get(ev.peerID)
	if !ok || l.generation() != ev.gen {
		return
	}
	retryCount := l.RetryCount()
	s.reasons[ev.peerID] = l.Reason()
	s.dropPeer(ev.peerID)
	s.scheduleRetry(ev.peerID, retryCount)
}

func (s *Session) scheduleRetry(peerID string, retryCount int) {
	next, retry := s.supervisor.Failed(peerID, retryCount)
	if retry {
		s.log.Warn("Peer link failed, retrying", "peer", peerID, "reason", s.reasons[peerID], "retry", next,
			"backoff", s.supervisor.Config().RetryBackoff)
		return
	}
	s.unreachable[peerID] = next
	err := &Error{Op: "connect", PeerID: peerID, Err: ErrPeerUnreachable, Details: string(s.reasons[peerID])}
	s.log.Warn("Giving up on peer", "peer", peerID, "retries", next, "error", err)
}

// LinkSignal sends a negotiation message produced by a PeerLink.
func (s *Session) LinkSignal(l *PeerLink, kind SignalKind, payload json.RawMessage) {
	s.send(l, kind, payload)
}

// LinkStateChanged drives the supervisor from PeerLink transitions.
func (s *Session) LinkStateChanged(l *PeerLink, from, to LinkState) {
	switch to {
	case StateNegotiating:
		s.supervisor.Watch(l.PeerID(), l.generation())
	case StateConnected:
		s.supervisor.Settle(l.PeerID())
		s.log.Info("Peer connected", "peer", l.PeerID(), "retry", l.RetryCount())
	case StateFailed:
		s.supervisor.Settle(l.PeerID())
		s.queue.push(linkFailedEvent{peerID: l.PeerID(), gen: l.generation()})
	case StateClosed:
		s.supervisor.Settle(l.PeerID())
	}
}

// send numbers a negotiation message and queues it on the outbox of its
// peer. The relay round-trip happens off the loop.
func (s *Session) send(l *PeerLink, kind SignalKind, payload json.RawMessage) {
	s.outSeq[l.PeerID()]++
	msg := SignalMessage{
		RoomID:  s.roomID,
		FromID:  s.selfID,
		ToID:    l.PeerID(),
		Session: s.sessionID,
		Attempt: l.Attempt(),
		Seq:     s.outSeq[l.PeerID()],
		Kind:    kind,
		Payload: payload,
	}

	ob, ok := s.outboxes[msg.ToID]
	if !ok {
		ob = s.openOutbox(msg.ToID)
	}
	ob.queue.push(msg)
}

func (s *Session) handleSendResult(ev sendResultEvent) {
	if ev.err != nil {
		s.sendFailures++
		if s.sendFailures >= degradedAfter && !s.degraded {
			s.degraded = true
			s.log.Warn("Signal channel degraded", "failures", s.sendFailures)
		}
		s.log.Warn("Failed to send signal", "peer", ev.peerID, "kind", ev.kind, "error", ev.err)
		return
	}
	s.sendFailures = 0
	s.degraded = false
}

func (s *Session) publish() {
	snap := Snapshot{
		RoomID:   s.roomID,
		SelfID:   s.selfID,
		Muted:    s.muted.Load(),
		VideoOff: s.videoOff.Load(),
		Degraded: s.degraded,
	}

	ids := make([]string, 0, len(s.participants))
	for id := range s.participants {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	for _, id := range ids {
		st := PeerStatus{
			ID:          id,
			DisplayName: s.participants[id].DisplayName,
			State:       StateNew,
			Reason:      s.reasons[id],
		}
		if l, ok := s.manager.Get(id); ok {
			st.State = l.State()
			st.RetryCount = l.RetryCount()
		} else if n, ok := s.supervisor.PendingRetry(id); ok {
			st.State = StateFailed
			st.RetryCount = n
			st.Reconnect = true
		} else if n, ok := s.unreachable[id]; ok {
			st.State = StateFailed
			st.RetryCount = n
			st.Unreachable = true
		}
		if rs, ok := s.streams[id]; ok {
			st.Tracks = len(rs.Tracks)
			for _, t := range rs.Tracks {
				if t.Stats != nil {
					st.Packets += t.Stats.Packets.Load()
					st.Bytes += t.Stats.Bytes.Load()
				}
			}
		}
		snap.Peers = append(snap.Peers, st)
	}

	view := make(map[string]RemoteStream, len(s.streams))
	for id, rs := range s.streams {
		view[id] = RemoteStream{PeerID: rs.PeerID, Tracks: slices.Clone(rs.Tracks)}
	}

	s.mu.Lock()
	s.snapshot = snap
	s.streamsView = view
	s.mu.Unlock()

	select {
	case <-s.updates:
	default:
	}
	select {
	case s.updates <- snap:
	default:
	}
}

// barrier blocks until every event queued before it has been handled.
func (s *Session) barrier(ctx context.Context) error {
	done := make(chan struct{})
	if !s.queue.push(barrierEvent{done: done}) {
		return ErrSessionClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
