package call

import "context"

// outbox delivers the signals for one peer in order on its own goroutine,
// so a slow relay round-trip for one pair never stalls the session loop.
type outbox struct {
	peerID string
	queue  *eventQueue
	ctx    context.Context
	cancel context.CancelFunc
}

func (s *Session) openOutbox(peerID string) *outbox {
	ctx, cancel := context.WithCancel(s.sendCtx)
	ob := &outbox{peerID: peerID, queue: newEventQueue(), ctx: ctx, cancel: cancel}
	s.outboxes[peerID] = ob

	s.sendWG.Add(1)
	go func() {
		defer s.sendWG.Done()
		s.drainOutbox(ob)
	}()
	return ob
}

// closeOutbox abandons the signals still queued for peerID.
func (s *Session) closeOutbox(peerID string) {
	ob, ok := s.outboxes[peerID]
	if !ok {
		return
	}
	delete(s.outboxes, peerID)
	ob.queue.close()
	ob.cancel()
}

func (s *Session) drainOutbox(ob *outbox) {
	for {
		select {
		case <-ob.queue.ready:
		case <-ob.ctx.Done():
			return
		}
		for _, item := range ob.queue.drain() {
			if ob.ctx.Err() != nil {
				return
			}
			msg := item.(SignalMessage)
			ctx, cancel := context.WithTimeout(ob.ctx, s.opts.SendTimeout)
			err := s.deps.Signals.Send(ctx, msg)
			cancel()
			s.queue.push(sendResultEvent{peerID: ob.peerID, kind: msg.Kind, err: err})
		}
	}
}
