package call

import (
	"encoding/json"
	"log/slog"
	"time"
)

// LinkState is the negotiation state of a PeerLink.
type LinkState int

const (
	StateNew LinkState = iota
	StateNegotiating
	StateIceGathering
	StateConnected
	StateFailed
	StateClosed
)

func (s LinkState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateNegotiating:
		return "negotiating"
	case StateIceGathering:
		return "ice-gathering"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Role decides which side of a pair sends the offer.
type Role int

const (
	RoleOfferer Role = iota
	RoleAnswerer
)

func (r Role) String() string {
	if r == RoleOfferer {
		return "offerer"
	}
	return "answerer"
}

// roleFor makes the participant with the lower id the offerer, so exactly
// one side of every pair offers.
func roleFor(selfID, peerID string) Role {
	if selfID < peerID {
		return RoleOfferer
	}
	return RoleAnswerer
}

// FailureReason says why a PeerLink entered StateFailed.
type FailureReason string

const (
	ReasonNone      FailureReason = ""
	ReasonICEFailed FailureReason = "ice-failed"
	ReasonTimeout   FailureReason = "timeout"
	ReasonSetup     FailureReason = "setup-error"
)

type linkInput int

const (
	inputLocalOffer linkInput = iota
	inputRemoteOffer
	inputAnswerSent
	inputRemoteAnswer
	inputConnected
	inputFailed
	inputClose
)

// nextState is the PeerLink transition function. It reports false when the
// input does not move the link.
func nextState(cur LinkState, in linkInput) (LinkState, bool) {
	if cur == StateClosed {
		return cur, false
	}
	switch in {
	case inputClose:
		return StateClosed, true
	case inputFailed:
		if cur == StateFailed {
			return cur, false
		}
		return StateFailed, true
	}

	switch {
	case cur == StateNew && (in == inputLocalOffer || in == inputRemoteOffer):
		return StateNegotiating, true
	case cur == StateNegotiating && (in == inputAnswerSent || in == inputRemoteAnswer):
		return StateIceGathering, true
	case cur == StateIceGathering && in == inputConnected:
		return StateConnected, true
	}
	return cur, false
}

// LinkEvents is the narrow capability a PeerLink reports through.
type LinkEvents interface {
	LinkSignal(l *PeerLink, kind SignalKind, payload json.RawMessage)
	LinkStateChanged(l *PeerLink, from, to LinkState)
}

type pendingCandidate struct {
	attempt int
	payload json.RawMessage
}

// PeerLink owns the negotiation with one remote participant. It is not safe
// for concurrent use; the owning session drives it from a single goroutine.
type PeerLink struct {
	peerID        string
	remoteSession string
	role          Role
	gen           uint64
	attempt       int
	retryCount    int

	state          LinkState
	reason         FailureReason
	lastTransition time.Time

	remoteApplied bool
	pending       []pendingCandidate
	applied       map[string]struct{}

	transport Transport
	events    LinkEvents
	now       func() time.Time
	log       *slog.Logger
}

type linkConfig struct {
	peerID        string
	remoteSession string
	role          Role
	gen           uint64
	attempt       int
	retryCount    int
	transport     Transport
	events        LinkEvents
	now           func() time.Time
	log           *slog.Logger
}

func newPeerLink(cfg linkConfig) *PeerLink {
	now := cfg.now
	if now == nil {
		now = time.Now
	}
	log := cfg.log
	if log == nil {
		log = slog.Default()
	}
	return &PeerLink{
		peerID:         cfg.peerID,
		remoteSession:  cfg.remoteSession,
		role:           cfg.role,
		gen:            cfg.gen,
		attempt:        cfg.attempt,
		retryCount:     cfg.retryCount,
		state:          StateNew,
		lastTransition: now(),
		applied:        make(map[string]struct{}),
		transport:      cfg.transport,
		events:         cfg.events,
		now:            now,
		log:            log.With("peer", cfg.peerID, "role", cfg.role.String()),
	}
}

func (l *PeerLink) PeerID() string            { return l.peerID }
func (l *PeerLink) RemoteSession() string     { return l.remoteSession }
func (l *PeerLink) Role() Role                { return l.role }
func (l *PeerLink) State() LinkState          { return l.state }
func (l *PeerLink) Attempt() int              { return l.attempt }
func (l *PeerLink) RetryCount() int           { return l.retryCount }
func (l *PeerLink) Reason() FailureReason     { return l.reason }
func (l *PeerLink) LastTransition() time.Time { return l.lastTransition }
func (l *PeerLink) PendingCandidates() int    { return len(l.pending) }
func (l *PeerLink) generation() uint64        { return l.gen }

func (l *PeerLink) terminal() bool {
	return l.state == StateFailed || l.state == StateClosed
}

// Start sends the offer when this side is the offerer. The answering side
// stays in StateNew until an offer arrives.
func (l *PeerLink) Start() error {
	if l.role != RoleOfferer || l.state != StateNew {
		return nil
	}
	offer, err := l.transport.CreateOffer()
	if err != nil {
		l.Fail(ReasonSetup)
		return &Error{Op: "create offer", PeerID: l.peerID, Err: ErrPeerNegotiationFailed, Details: err.Error()}
	}
	l.apply(inputLocalOffer)
	l.events.LinkSignal(l, KindOffer, offer)
	return nil
}

// HandleSignal applies one inbound negotiation message. Repeated
// descriptions and candidates are no-ops.
func (l *PeerLink) HandleSignal(msg SignalMessage) error {
	if l.terminal() {
		return nil
	}
	switch msg.Kind {
	case KindOffer:
		return l.handleOffer(msg)
	case KindAnswer:
		return l.handleAnswer(msg)
	case KindCandidate:
		return l.handleCandidate(msg)
	}
	return &Error{Op: "handle signal", PeerID: l.peerID, Err: ErrUnexpectedSignal, Details: string(msg.Kind)}
}

func (l *PeerLink) handleOffer(msg SignalMessage) error {
	if l.role != RoleAnswerer {
		return &Error{Op: "handle offer", PeerID: l.peerID, Err: ErrUnexpectedSignal, Details: "offer sent to offering side"}
	}
	if l.remoteApplied {
		if msg.Attempt == l.attempt {
			return nil
		}
		return &Error{Op: "handle offer", PeerID: l.peerID, Err: ErrUnexpectedSignal, Details: "offer for another attempt"}
	}

	l.attempt = msg.Attempt
	l.apply(inputRemoteOffer)

	if err := l.transport.SetRemoteDescription(KindOffer, msg.Payload); err != nil {
		l.Fail(ReasonSetup)
		return &Error{Op: "apply offer", PeerID: l.peerID, Err: ErrPeerNegotiationFailed, Details: err.Error()}
	}
	l.remoteApplied = true
	l.flush()

	answer, err := l.transport.CreateAnswer()
	if err != nil {
		l.Fail(ReasonSetup)
		return &Error{Op: "create answer", PeerID: l.peerID, Err: ErrPeerNegotiationFailed, Details: err.Error()}
	}
	l.events.LinkSignal(l, KindAnswer, answer)
	l.apply(inputAnswerSent)
	return nil
}

func (l *PeerLink) handleAnswer(msg SignalMessage) error {
	if l.role != RoleOfferer {
		return &Error{Op: "handle answer", PeerID: l.peerID, Err: ErrUnexpectedSignal, Details: "answer sent to answering side"}
	}
	if msg.Attempt != l.attempt {
		l.log.Debug("Dropping answer from stale attempt", "attempt", msg.Attempt, "current", l.attempt)
		return nil
	}
	if l.remoteApplied {
		return nil
	}
	if l.state != StateNegotiating {
		return &Error{Op: "handle answer", PeerID: l.peerID, Err: ErrUnexpectedSignal, Details: "no offer outstanding"}
	}

	if err := l.transport.SetRemoteDescription(KindAnswer, msg.Payload); err != nil {
		l.Fail(ReasonSetup)
		return &Error{Op: "apply answer", PeerID: l.peerID, Err: ErrPeerNegotiationFailed, Details: err.Error()}
	}
	l.remoteApplied = true
	l.flush()
	l.apply(inputRemoteAnswer)
	return nil
}

func (l *PeerLink) handleCandidate(msg SignalMessage) error {
	known := l.role == RoleOfferer || l.remoteApplied
	if known && msg.Attempt != l.attempt {
		l.log.Debug("Dropping candidate from stale attempt", "attempt", msg.Attempt, "current", l.attempt)
		return nil
	}

	key := string(msg.Payload)
	if _, ok := l.applied[key]; ok {
		return nil
	}

	if !l.remoteApplied {
		for _, c := range l.pending {
			if c.attempt == msg.Attempt && string(c.payload) == key {
				return nil
			}
		}
		l.pending = append(l.pending, pendingCandidate{attempt: msg.Attempt, payload: msg.Payload})
		return nil
	}

	l.applied[key] = struct{}{}
	if err := l.transport.AddICECandidate(msg.Payload); err != nil {
		return &Error{Op: "add ice candidate", PeerID: l.peerID, Err: err}
	}
	return nil
}

// flush applies the buffered candidates in arrival order and clears the
// buffer. Candidates buffered for another attempt belong to a dead
// negotiation and are discarded.
func (l *PeerLink) flush() {
	pending := l.pending
	l.pending = nil

	for _, c := range pending {
		if c.attempt != l.attempt {
			continue
		}
		key := string(c.payload)
		if _, ok := l.applied[key]; ok {
			continue
		}
		l.applied[key] = struct{}{}
		if err := l.transport.AddICECandidate(c.payload); err != nil {
			l.log.Warn("Failed to apply buffered candidate", "error", err)
		}
	}
}

// HandleConnectivity feeds a transport connectivity change into the link.
func (l *PeerLink) HandleConnectivity(state ConnState) {
	switch state {
	case ConnConnected, ConnCompleted:
		l.apply(inputConnected)
	case ConnFailed:
		l.Fail(ReasonICEFailed)
	}
}

// Fail moves the link to StateFailed. It has no effect on a closed or
// already failed link.
func (l *PeerLink) Fail(reason FailureReason) {
	if l.terminal() {
		return
	}
	l.reason = reason
	l.apply(inputFailed)
}

// Close releases the transport. Safe to call in any state and more than once.
func (l *PeerLink) Close() error {
	if l.state == StateClosed {
		return nil
	}
	l.pending = nil
	err := l.transport.Close()
	l.apply(inputClose)
	if err != nil {
		return NewPeerError("close transport", l.peerID, err)
	}
	return nil
}

func (l *PeerLink) apply(in linkInput) bool {
	next, ok := nextState(l.state, in)
	if !ok {
		return false
	}
	prev := l.state
	l.state = next
	l.lastTransition = l.now()
	l.log.Debug("Peer link transition", "from", prev.String(), "to", next.String())
	l.events.LinkStateChanged(l, prev, next)
	return true
}
