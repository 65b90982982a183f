package call

import (
	"time"

	"github.com/benbjohnson/clock"
)

const (
	DefaultConnectTimeout = 15 * time.Second
	DefaultRetryBackoff   = 2 * time.Second
	DefaultMaxRetries     = 3
)

// SupervisorConfig bounds connection attempts. Zero values take the defaults.
type SupervisorConfig struct {
	ConnectTimeout time.Duration
	RetryBackoff   time.Duration
	MaxRetries     int
}

func (c SupervisorConfig) withDefaults() SupervisorConfig {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	return c
}

type scheduledRetry struct {
	timer      *clock.Timer
	token      uint64
	retryCount int
}

// ReconnectSupervisor owns the connect timeouts and retry backoff timers of
// a session. Timers never touch PeerLinks; they post events for the session
// loop, which also is the only caller of these methods.
type ReconnectSupervisor struct {
	cfg   SupervisorConfig
	clock clock.Clock
	post  func(ev any) bool

	timeouts map[string]*clock.Timer
	retries  map[string]*scheduledRetry
	token    uint64
}

func NewReconnectSupervisor(cfg SupervisorConfig, clk clock.Clock, post func(ev any) bool) *ReconnectSupervisor {
	if clk == nil {
		clk = clock.New()
	}
	return &ReconnectSupervisor{
		cfg:      cfg.withDefaults(),
		clock:    clk,
		post:     post,
		timeouts: make(map[string]*clock.Timer),
		retries:  make(map[string]*scheduledRetry),
	}
}

func (s *ReconnectSupervisor) Config() SupervisorConfig { return s.cfg }

// Watch starts the connect timeout for the PeerLink generation gen.
func (s *ReconnectSupervisor) Watch(peerID string, gen uint64) {
	s.Settle(peerID)
	s.timeouts[peerID] = s.clock.AfterFunc(s.cfg.ConnectTimeout, func() {
		s.post(timeoutEvent{peerID: peerID, gen: gen})
	})
}

// Settle stops the connect timeout of peerID.
func (s *ReconnectSupervisor) Settle(peerID string) {
	if t, ok := s.timeouts[peerID]; ok {
		t.Stop()
		delete(s.timeouts, peerID)
	}
}

// Failed records a failed attempt that had used retryCount retries. It
// returns the new count and whether a retry was scheduled.
func (s *ReconnectSupervisor) Failed(peerID string, retryCount int) (int, bool) {
	s.Cancel(peerID)

	next := retryCount + 1
	if next >= s.cfg.MaxRetries {
		return next, false
	}

	s.token++
	token := s.token
	s.retries[peerID] = &scheduledRetry{
		token:      token,
		retryCount: next,
		timer: s.clock.AfterFunc(s.cfg.RetryBackoff, func() {
			s.post(retryEvent{peerID: peerID, token: token})
		}),
	}
	return next, true
}

// PendingRetry reports the retry count of a scheduled retry for peerID.
func (s *ReconnectSupervisor) PendingRetry(peerID string) (int, bool) {
	r, ok := s.retries[peerID]
	if !ok {
		return 0, false
	}
	return r.retryCount, true
}

// claimRetry consumes the retry identified by token. A token of zero claims
// whatever retry is scheduled, cancelling its timer.
func (s *ReconnectSupervisor) claimRetry(peerID string, token uint64) (int, bool) {
	r, ok := s.retries[peerID]
	if !ok || (token != 0 && r.token != token) {
		return 0, false
	}
	r.timer.Stop()
	delete(s.retries, peerID)
	return r.retryCount, true
}

// Cancel stops every timer of peerID.
func (s *ReconnectSupervisor) Cancel(peerID string) {
	s.Settle(peerID)
	if r, ok := s.retries[peerID]; ok {
		r.timer.Stop()
		delete(s.retries, peerID)
	}
}

// CancelAll stops every timer the supervisor owns.
func (s *ReconnectSupervisor) CancelAll() {
	for id := range s.timeouts {
		s.Settle(id)
	}
	for id, r := range s.retries {
		r.timer.Stop()
		delete(s.retries, id)
	}
}

// Active returns the number of live timers.
func (s *ReconnectSupervisor) Active() int {
	return len(s.timeouts) + len(s.retries)
}
