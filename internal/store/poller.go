package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BioHazard786/warpcall/internal/call"
	"github.com/benbjohnson/clock"
)

const (
	DefaultPollInterval = 100 * time.Millisecond

	pollBatch   = 64
	pollTimeout = 5 * time.Second
)

// PollerOptions tune a Poller. Zero values take defaults.
type PollerOptions struct {
	Interval time.Duration
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Poller implements the RoomRegistry, SignalChannel and Notifier ports of
// the call package directly over a shared Store by polling it.
type Poller struct {
	store    *Store
	interval time.Duration
	clock    clock.Clock
	log      *slog.Logger
}

var (
	_ call.RoomRegistry  = (*Poller)(nil)
	_ call.SignalChannel = (*Poller)(nil)
	_ call.Notifier      = (*Poller)(nil)
)

func NewPoller(st *Store, opts PollerOptions) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = DefaultPollInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Poller{
		store:    st,
		interval: opts.Interval,
		clock:    opts.Clock,
		log:      opts.Logger.With("component", "store-poller"),
	}
}

func (p *Poller) CreateOrGetRoom(ctx context.Context, roomID string) (call.Room, error) {
	return p.store.EnsureRoom(ctx, roomID, nil)
}

func (p *Poller) AddParticipant(ctx context.Context, roomID string, participant call.Participant) error {
	return p.store.AddParticipant(ctx, roomID, participant)
}

func (p *Poller) RemoveParticipant(ctx context.Context, roomID, participantID string) error {
	return p.store.RemoveParticipant(ctx, roomID, participantID)
}

// SubscribeRoom delivers the current roster, then polls for version changes.
func (p *Poller) SubscribeRoom(roomID string, onChange func(call.Room)) (func(), error) {
	ctx, cancel := context.WithTimeout(context.Background(), pollTimeout)
	room, version, err := p.store.Room(ctx, roomID)
	cancel()
	if err != nil {
		return nil, err
	}
	onChange(room)

	return p.loop(func(ctx context.Context) {
		next, v, err := p.store.Room(ctx, roomID)
		if err != nil {
			p.log.Warn("Failed to poll room", "room", roomID, "error", err)
			return
		}
		if v != version {
			version = v
			onChange(next)
		}
	}), nil
}

func (p *Poller) Send(ctx context.Context, msg call.SignalMessage) error {
	return p.store.PushSignal(ctx, msg)
}

// Subscribe drains the persisted inbox of selfID, including signals queued
// before the subscription.
func (p *Poller) Subscribe(selfID string, onMessage func(call.SignalMessage)) (func(), error) {
	return p.loop(func(ctx context.Context) {
		msgs, err := p.store.PopSignals(ctx, selfID, pollBatch)
		if err != nil {
			p.log.Warn("Failed to poll signals", "participant", selfID, "error", err)
			return
		}
		for _, msg := range msgs {
			onMessage(msg)
		}
	}), nil
}

func (p *Poller) NotifyRoomOfNewCall(ctx context.Context, roomID, callerID string, recipientIDs []string) error {
	return p.store.PushNotices(ctx, roomID, callerID, recipientIDs)
}

// WatchNotices delivers the new-call alerts addressed to recipientID.
func (p *Poller) WatchNotices(recipientID string, onNotice func(Notice)) func() {
	return p.loop(func(ctx context.Context) {
		notices, err := p.store.PopNotices(ctx, recipientID)
		if err != nil {
			p.log.Warn("Failed to poll notices", "participant", recipientID, "error", err)
			return
		}
		for _, n := range notices {
			onNotice(n)
		}
	})
}

// loop runs poll immediately and then on every tick until the returned
// stop function is called. stop waits for an in-flight poll to finish.
func (p *Poller) loop(poll func(ctx context.Context)) func() {
	ctx, cancel := context.WithCancel(context.Background())
	ticker := p.clock.Ticker(p.interval)
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			pollCtx, pollCancel := context.WithTimeout(ctx, pollTimeout)
			poll(pollCtx)
			pollCancel()

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
