package call

import (
	"context"
	"encoding/json"
	"sync"
)

// eventQueue is an unbounded FIFO feeding a session loop. push never blocks,
// so transport and timer callbacks can post from any goroutine.
type eventQueue struct {
	mu     sync.Mutex
	items  []any
	closed bool
	ready  chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{ready: make(chan struct{}, 1)}
}

func (q *eventQueue) push(ev any) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, ev)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return true
}

func (q *eventQueue) drain() []any {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.mu.Unlock()
}

type rosterEvent struct {
	room Room
}

type signalEvent struct {
	msg SignalMessage
}

// transportEvent carries one transport callback. gen identifies the PeerLink
// the transport was created for.
type transportEvent struct {
	peerID    string
	gen       uint64
	candidate json.RawMessage
	track     *RemoteTrack
	conn      ConnState
	hasConn   bool
}

type timeoutEvent struct {
	peerID string
	gen    uint64
}

type retryEvent struct {
	peerID string
	token  uint64
}

type linkFailedEvent struct {
	peerID string
	gen    uint64
}

// sendResultEvent reports the outcome of one relayed signal.
type sendResultEvent struct {
	peerID string
	kind   SignalKind
	err    error
}

type refreshEvent struct{}

type barrierEvent struct {
	done chan struct{}
}

type leaveEvent struct {
	ctx   context.Context
	reply chan error
}
