package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/BioHazard786/warpcall/internal/call"
	"github.com/BioHazard786/warpcall/internal/store"
	"github.com/BioHazard786/warpcall/internal/wire"
)

const (
	storeTimeout = 5 * time.Second
	inboxBatch   = 64
)

// ErrStopped is returned by queries made after the hub stopped.
var ErrStopped = errors.New("hub stopped")

// HubOptions configure a Hub. Store is optional; without it signals to
// offline participants are rejected and nothing survives a restart.
type HubOptions struct {
	Store  *store.Store
	Logger *slog.Logger
}

// Hub is the central brain of the relay server. It owns every room, the
// participant inboxes and all connection bookkeeping; a single goroutine
// running Run mutates that state.
type Hub struct {
	rooms   map[string]*Room
	inboxes map[string]*Client
	clients map[*Client]bool

	store *store.Store
	log   *slog.Logger
	now   func() time.Time

	registerCh   chan *Client
	unregisterCh chan *Client
	inbound      chan inbound
	queries      chan func()

	quit     chan struct{}
	stopOnce sync.Once
}

type inbound struct {
	client *Client
	msg    *wire.Message
}

// NewHub creates a new Hub instance.
func NewHub(opts HubOptions) *Hub {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Hub{
		rooms:        make(map[string]*Room),
		inboxes:      make(map[string]*Client),
		clients:      make(map[*Client]bool),
		store:        opts.Store,
		log:          opts.Logger.With("component", "relay"),
		now:          time.Now,
		registerCh:   make(chan *Client),
		unregisterCh: make(chan *Client),
		inbound:      make(chan inbound),
		queries:      make(chan func()),
		quit:         make(chan struct{}),
	}
}

// Run starts the hub's main processing loop and returns after Stop.
func (h *Hub) Run() {
	defer func() {
		for c := range h.clients {
			close(c.send)
		}
		clear(h.clients)
	}()

	for {
		select {
		case <-h.quit:
			return

		case c := <-h.registerCh:
			h.clients[c] = true
			c.log.Debug("Client registered")

		case c := <-h.unregisterCh:
			h.drop(c)

		case in := <-h.inbound:
			h.handle(in.client, in.msg)

		case q := <-h.queries:
			q()
		}
	}
}

// Stop ends Run and closes every connection.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.quit) })
}

func (h *Hub) register(c *Client) bool {
	select {
	case h.registerCh <- c:
		return true
	case <-h.quit:
		return false
	}
}

func (h *Hub) unregister(c *Client) {
	select {
	case h.unregisterCh <- c:
	case <-h.quit:
	}
}

func (h *Hub) dispatch(in inbound) bool {
	select {
	case h.inbound <- in:
		return true
	case <-h.quit:
		return false
	}
}

// query runs fn on the hub goroutine.
func (h *Hub) query(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case h.queries <- func() { fn(); close(done) }:
	case <-h.quit:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Rooms lists the rooms currently held in memory.
func (h *Hub) Rooms(ctx context.Context) ([]wire.RoomInfo, error) {
	out := []wire.RoomInfo{}
	err := h.query(ctx, func() {
		for _, r := range h.rooms {
			out = append(out, r.info())
		}
	})
	slices.SortFunc(out, func(a, b wire.RoomInfo) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return out, err
}

// ArchivedRooms lists rooms whose last participant left, newest first.
func (h *Hub) ArchivedRooms(ctx context.Context) ([]wire.RoomInfo, error) {
	if h.store == nil {
		return []wire.RoomInfo{}, nil
	}
	recs, err := h.store.ListRooms(ctx, true)
	if err != nil {
		return nil, err
	}
	out := make([]wire.RoomInfo, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.Info())
	}
	return out, nil
}

func (h *Hub) roomTaken(id string) bool {
	_, ok := h.rooms[id]
	return ok
}

func (h *Hub) handle(c *Client, msg *wire.Message) {
	c.log.Debug("Message received", "type", msg.Type, "room", msg.RoomID)

	switch msg.Type {
	case wire.TypeCreateRoom:
		var p wire.RoomPayload
		if len(msg.Payload) > 0 {
			if err := msg.Decode(&p); err != nil {
				h.fail(c, msg, "%v", err)
				return
			}
		}
		room := newRoom(generateRoomID(h.roomTaken), p.Members, h.now())
		h.rooms[room.ID] = room
		h.persist("create room", func(ctx context.Context) error {
			_, err := h.store.EnsureRoom(ctx, room.ID, room.Members)
			return err
		})
		c.log.Info("Room created", "room", room.ID)
		h.reply(c, msg, wire.TypeRoom, room.snapshot())

	case wire.TypeGetRoom:
		if msg.RoomID == "" {
			h.fail(c, msg, "Room id required")
			return
		}
		h.reply(c, msg, wire.TypeRoom, h.openRoom(msg.RoomID).snapshot())

	case wire.TypeAddParticipant:
		room, ok := h.rooms[msg.RoomID]
		if !ok {
			h.fail(c, msg, "Room not found")
			return
		}
		var p call.Participant
		if err := msg.Decode(&p); err != nil || p.ID == "" {
			h.fail(c, msg, "Invalid participant")
			return
		}
		h.addParticipant(room, p, c)
		h.reply(c, msg, wire.TypeOK, nil)

	case wire.TypeRemoveParticipant:
		var p wire.ParticipantPayload
		if err := msg.Decode(&p); err != nil {
			h.fail(c, msg, "%v", err)
			return
		}
		if room, ok := h.rooms[msg.RoomID]; ok {
			h.removeParticipant(room, p.ParticipantID)
		}
		h.reply(c, msg, wire.TypeOK, nil)

	case wire.TypeSubscribeRoom:
		room, ok := h.rooms[msg.RoomID]
		if !ok {
			h.fail(c, msg, "Room not found")
			return
		}
		room.subscribers[c] = true
		h.reply(c, msg, wire.TypeOK, nil)
		if roster, err := wire.New(wire.TypeRoster, room.ID, room.snapshot()); err == nil {
			c.deliver(roster)
		}

	case wire.TypeUnsubscribeRoom:
		if room, ok := h.rooms[msg.RoomID]; ok {
			delete(room.subscribers, c)
		}
		h.reply(c, msg, wire.TypeOK, nil)

	case wire.TypeIdentify:
		var p wire.ParticipantPayload
		if err := msg.Decode(&p); err != nil || p.ParticipantID == "" {
			h.fail(c, msg, "Invalid participant")
			return
		}
		if prev, ok := h.inboxes[p.ParticipantID]; ok && prev != c {
			delete(prev.identities, p.ParticipantID)
		}
		h.inboxes[p.ParticipantID] = c
		c.identities[p.ParticipantID] = true
		h.reply(c, msg, wire.TypeOK, nil)
		h.flushInbox(c, p.ParticipantID)

	case wire.TypeSignal:
		var sig call.SignalMessage
		if err := msg.Decode(&sig); err != nil || sig.ToID == "" {
			h.fail(c, msg, "Invalid signal")
			return
		}
		if err := h.route(sig); err != nil {
			h.fail(c, msg, "%v", err)
			return
		}
		h.reply(c, msg, wire.TypeOK, nil)

	case wire.TypeNotifyCall:
		var p wire.NotifyPayload
		if err := msg.Decode(&p); err != nil {
			h.fail(c, msg, "%v", err)
			return
		}
		h.notify(msg.RoomID, p)
		h.reply(c, msg, wire.TypeOK, nil)

	default:
		c.log.Warn("Unknown message type", "type", msg.Type)
		h.fail(c, msg, "Unknown message type %q", msg.Type)
	}
}

// openRoom returns roomID, creating it when absent. Members of a room the
// store remembers are restored.
func (h *Hub) openRoom(roomID string) *Room {
	if room, ok := h.rooms[roomID]; ok {
		return room
	}
	var members []string
	h.persist("open room", func(ctx context.Context) error {
		rec, err := h.store.EnsureRoom(ctx, roomID, nil)
		members = rec.Members
		return err
	})
	room := newRoom(roomID, members, h.now())
	h.rooms[roomID] = room
	h.log.Info("Room opened", "room", roomID)
	return room
}

func (h *Hub) addParticipant(room *Room, p call.Participant, owner *Client) {
	if p.JoinedAt.IsZero() {
		p.JoinedAt = h.now()
	}
	if prev, ok := room.owners[p.ID]; ok && prev != owner {
		delete(prev.owned[room.ID], p.ID)
	}
	room.add(p, owner)
	if owner.owned[room.ID] == nil {
		owner.owned[room.ID] = make(map[string]bool)
	}
	owner.owned[room.ID][p.ID] = true

	h.persist("add participant", func(ctx context.Context) error {
		return h.store.AddParticipant(ctx, room.ID, p)
	})
	h.log.Info("Participant joined", "room", room.ID, "participant", p.ID, "participants", len(room.Participants))
	h.broadcastRoster(room)
}

// removeParticipant drops participantID and deletes the room once empty.
func (h *Hub) removeParticipant(room *Room, participantID string) {
	if owner, ok := room.owners[participantID]; ok {
		delete(owner.owned[room.ID], participantID)
	}
	if !room.remove(participantID) {
		return
	}

	h.persist("remove participant", func(ctx context.Context) error {
		return h.store.RemoveParticipant(ctx, room.ID, participantID)
	})
	h.log.Info("Participant left", "room", room.ID, "participant", participantID, "participants", len(room.Participants))
	h.broadcastRoster(room)

	if len(room.Participants) == 0 {
		delete(h.rooms, room.ID)
		h.log.Info("Room deleted", "room", room.ID)
	}
}

func (h *Hub) broadcastRoster(room *Room) {
	msg, err := wire.New(wire.TypeRoster, room.ID, room.snapshot())
	if err != nil {
		h.log.Error("Failed to encode roster", "room", room.ID, "error", err)
		return
	}
	for sub := range room.subscribers {
		sub.deliver(msg)
	}
}

// route hands sig to the connection bound to its recipient, or queues it
// in the store while the recipient is offline.
func (h *Hub) route(sig call.SignalMessage) error {
	msg, err := wire.New(wire.TypeSignal, sig.RoomID, sig)
	if err != nil {
		return err
	}
	if target, ok := h.inboxes[sig.ToID]; ok && target.deliver(msg) {
		return nil
	}
	if h.store == nil {
		return fmt.Errorf("recipient %s is not connected", sig.ToID)
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := h.store.PushSignal(ctx, sig); err != nil {
		h.log.Warn("Failed to queue signal", "to", sig.ToID, "error", err)
		return fmt.Errorf("recipient %s is not reachable", sig.ToID)
	}
	return nil
}

func (h *Hub) notify(roomID string, p wire.NotifyPayload) {
	msg, err := wire.New(wire.TypeIncomingCall, roomID, wire.IncomingCallPayload{RoomID: roomID, CallerID: p.CallerID})
	if err != nil {
		return
	}
	var offline []string
	for _, id := range p.RecipientIDs {
		if target, ok := h.inboxes[id]; ok && target.deliver(msg) {
			continue
		}
		offline = append(offline, id)
	}
	h.log.Info("Call notice sent", "room", roomID, "caller", p.CallerID,
		"online", len(p.RecipientIDs)-len(offline), "offline", len(offline))
	if len(offline) == 0 {
		return
	}
	h.persist("queue notices", func(ctx context.Context) error {
		return h.store.PushNotices(ctx, roomID, p.CallerID, offline)
	})
}

// flushInbox delivers what was queued for participantID while it was offline.
func (h *Hub) flushInbox(c *Client, participantID string) {
	if h.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	for {
		sigs, err := h.store.PopSignals(ctx, participantID, inboxBatch)
		if err != nil {
			h.log.Warn("Failed to read queued signals", "participant", participantID, "error", err)
			break
		}
		for _, sig := range sigs {
			if msg, err := wire.New(wire.TypeSignal, sig.RoomID, sig); err == nil {
				c.deliver(msg)
			}
		}
		if len(sigs) < inboxBatch {
			break
		}
	}

	notices, err := h.store.PopNotices(ctx, participantID)
	if err != nil {
		h.log.Warn("Failed to read queued notices", "participant", participantID, "error", err)
		return
	}
	for _, n := range notices {
		payload := wire.IncomingCallPayload{RoomID: n.RoomID, CallerID: n.CallerID}
		if msg, err := wire.New(wire.TypeIncomingCall, n.RoomID, payload); err == nil {
			c.deliver(msg)
		}
	}
}

// drop forgets a closed connection and every participant it registered.
func (h *Hub) drop(c *Client) {
	if !h.clients[c] {
		return
	}
	delete(h.clients, c)

	for id := range c.identities {
		if h.inboxes[id] == c {
			delete(h.inboxes, id)
		}
	}
	for roomID, ids := range c.owned {
		room, ok := h.rooms[roomID]
		if !ok {
			continue
		}
		for id := range ids {
			if room.owners[id] == c {
				h.removeParticipant(room, id)
			}
		}
	}
	for _, room := range h.rooms {
		delete(room.subscribers, c)
	}

	close(c.send)
	c.log.Debug("Client unregistered")
}

func (h *Hub) reply(c *Client, req *wire.Message, typ string, payload any) {
	if req.ID == "" {
		return
	}
	msg, err := wire.Reply(req, typ, payload)
	if err != nil {
		h.log.Error("Failed to encode reply", "type", typ, "error", err)
		msg = wire.Errorf(req, "internal error")
	}
	c.deliver(msg)
}

func (h *Hub) fail(c *Client, req *wire.Message, format string, args ...any) {
	c.log.Debug("Request failed", "type", req.Type, "error", fmt.Sprintf(format, args...))
	c.deliver(wire.Errorf(req, format, args...))
}

// persist runs fn against the store when one is configured. Failures are
// logged; the in-memory state stays authoritative.
func (h *Hub) persist(op string, fn func(ctx context.Context) error) {
	if h.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		h.log.Warn("Store write failed", "op", op, "error", err)
	}
}
