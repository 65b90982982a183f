package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/url"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BioHazard786/warpcall/internal/call"
	"github.com/BioHazard786/warpcall/internal/dns"
	"github.com/BioHazard786/warpcall/internal/wire"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024

	requestTimeout = 10 * time.Second
	sendBuffer     = 64

	DefaultMinBackoff = 500 * time.Millisecond
	DefaultMaxBackoff = 30 * time.Second
)

var (
	// ErrRejected is returned when the relay answers a request with an error.
	ErrRejected = errors.New("request rejected by relay")

	// ErrClosed is returned by operations on a closed client.
	ErrClosed = fmt.Errorf("%w: client closed", call.ErrSignalChannelUnavailable)
)

// Options tune a Client. Zero values take defaults.
type Options struct {
	Logger     *slog.Logger
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// Client manages the WebSocket connection to the relay server and
// implements the RoomRegistry, SignalChannel and Notifier ports over it.
// A lost connection is redialled with exponential backoff; inboxes, room
// subscriptions and registered participants are restored afterwards.
type Client struct {
	serverURL  string
	dialer     *websocket.Dialer
	log        *slog.Logger
	minBackoff time.Duration
	maxBackoff time.Duration

	nextID atomic.Uint64

	mu           sync.Mutex
	link         *link
	pending      map[string]chan *wire.Message
	rooms        map[string]*roomSub
	inboxes      map[string]func(call.SignalMessage)
	participants map[participantKey]call.Participant
	callHandlers map[int]func(wire.IncomingCallPayload)
	nextSub      int
	closed       bool

	// linkUp is closed and replaced each time a connection is installed.
	linkUp chan struct{}

	done chan struct{}
	wg   sync.WaitGroup
}

var (
	_ call.RoomRegistry  = (*Client)(nil)
	_ call.SignalChannel = (*Client)(nil)
	_ call.Notifier      = (*Client)(nil)
)

type roomSub struct {
	last *call.Room
	subs map[int]func(call.Room)
}

type participantKey struct {
	roomID string
	id     string
}

// link is one websocket connection and its write queue.
type link struct {
	conn *websocket.Conn
	send chan *wire.Message
	done chan struct{}
	once sync.Once
}

func (l *link) stop() {
	l.once.Do(func() { close(l.done) })
}

// NewClient creates a new relay client. Call Connect before use.
func NewClient(serverURL string, opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = DefaultMinBackoff
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = max(DefaultMaxBackoff, opts.MinBackoff)
	}
	d := &dns.Dialer{}
	return &Client{
		serverURL: serverURL,
		dialer: &websocket.Dialer{
			NetDialContext:   d.DialContext,
			HandshakeTimeout: requestTimeout,
		},
		log:          opts.Logger.With("component", "signaling"),
		minBackoff:   opts.MinBackoff,
		maxBackoff:   opts.MaxBackoff,
		pending:      make(map[string]chan *wire.Message),
		rooms:        make(map[string]*roomSub),
		inboxes:      make(map[string]func(call.SignalMessage)),
		participants: make(map[participantKey]call.Participant),
		callHandlers: make(map[int]func(wire.IncomingCallPayload)),
		linkUp:       make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Connect establishes the WebSocket connection to the server.
func (c *Client) Connect(ctx context.Context) error {
	if _, err := url.Parse(c.serverURL); err != nil {
		return fmt.Errorf("invalid server URL: %w", err)
	}
	l, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.wg.Add(1)
	go c.maintain(l)
	return nil
}

func (c *Client) dial(ctx context.Context) (*link, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.serverURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: connect: %v", call.ErrSignalChannelUnavailable, err)
	}
	conn.SetReadLimit(maxMessageSize)
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	l := &link{conn: conn, send: make(chan *wire.Message, sendBuffer), done: make(chan struct{})}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		conn.Close()
		return nil, ErrClosed
	}
	c.link = l
	close(c.linkUp)
	c.linkUp = make(chan struct{})
	return l, nil
}

// maintain serves l and redials whenever the connection drops.
func (c *Client) maintain(l *link) {
	defer c.wg.Done()
	for {
		c.serve(l)
		c.failPending()

		select {
		case <-c.done:
			return
		default:
		}

		c.log.Warn("Lost connection to relay, reconnecting")
		if l = c.redial(); l == nil {
			return
		}
		c.log.Info("Reconnected to relay")
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.restore()
		}()
	}
}

func (c *Client) redial() *link {
	backoff := c.minBackoff
	for {
		select {
		case <-c.done:
			return nil
		case <-time.After(backoff):
		}

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		l, err := c.dial(ctx)
		cancel()
		if err == nil {
			return l
		}
		if errors.Is(err, ErrClosed) {
			return nil
		}
		c.log.Debug("Redial failed", "error", err, "backoff", backoff)
		backoff = min(backoff*2, c.maxBackoff)
	}
}

// restore replays identities, participants and room subscriptions on a
// fresh connection.
func (c *Client) restore() {
	c.mu.Lock()
	inboxes := slices.Sorted(maps.Keys(c.inboxes))
	participants := make([]participantKey, 0, len(c.participants))
	for key := range c.participants {
		participants = append(participants, key)
	}
	registered := maps.Clone(c.participants)
	rooms := slices.Sorted(maps.Keys(c.rooms))
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	for _, id := range inboxes {
		if _, err := c.request(ctx, wire.TypeIdentify, "", wire.ParticipantPayload{ParticipantID: id}); err != nil {
			c.log.Warn("Failed to restore inbox", "participant", id, "error", err)
		}
	}
	// The relay forgets a room once its last participant drops.
	reopened := make(map[string]bool)
	for _, roomID := range rooms {
		reopened[roomID] = true
	}
	for _, key := range participants {
		reopened[key.roomID] = true
	}
	for _, roomID := range slices.Sorted(maps.Keys(reopened)) {
		if _, err := c.CreateOrGetRoom(ctx, roomID); err != nil {
			c.log.Warn("Failed to reopen room", "room", roomID, "error", err)
		}
	}
	for _, key := range participants {
		if err := c.addParticipant(ctx, key.roomID, registered[key]); err != nil {
			c.log.Warn("Failed to restore participant", "room", key.roomID, "participant", key.id, "error", err)
		}
	}
	for _, roomID := range rooms {
		if _, err := c.request(ctx, wire.TypeSubscribeRoom, roomID, nil); err != nil {
			c.log.Warn("Failed to restore room subscription", "room", roomID, "error", err)
		}
	}
}

// serve runs the pumps of l until the connection drops or the client closes.
func (c *Client) serve(l *link) {
	go c.writePump(l)
	c.readPump(l)

	l.stop()
	c.mu.Lock()
	if c.link == l {
		c.link = nil
	}
	c.mu.Unlock()
}

// readPump reads messages from the WebSocket connection.
func (c *Client) readPump(l *link) {
	defer l.conn.Close()

	l.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		var msg wire.Message
		if err := l.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("Relay read failed", "error", err)
			}
			return
		}
		c.dispatch(&msg)
	}
}

// writePump writes messages to the WebSocket connection and sends periodic pings.
func (c *Client) writePump(l *link) {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		l.conn.Close()
	}()

	for {
		select {
		case message := <-l.send:
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteJSON(message); err != nil {
				return
			}

		case <-ticker.C:
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-l.done:
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			l.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *Client) dispatch(msg *wire.Message) {
	if msg.ID != "" {
		c.mu.Lock()
		reply, ok := c.pending[msg.ID]
		delete(c.pending, msg.ID)
		c.mu.Unlock()
		if ok {
			reply <- msg
			return
		}
	}

	switch msg.Type {
	case wire.TypeRoster:
		var room call.Room
		if err := msg.Decode(&room); err != nil {
			c.log.Warn("Dropping malformed roster", "error", err)
			return
		}
		c.mu.Lock()
		rs, ok := c.rooms[room.ID]
		var subs []func(call.Room)
		if ok {
			snapshot := room
			rs.last = &snapshot
			subs = slices.Collect(maps.Values(rs.subs))
		}
		c.mu.Unlock()
		for _, fn := range subs {
			fn(room)
		}

	case wire.TypeSignal:
		var sig call.SignalMessage
		if err := msg.Decode(&sig); err != nil {
			c.log.Warn("Dropping malformed signal", "error", err)
			return
		}
		c.mu.Lock()
		fn := c.inboxes[sig.ToID]
		c.mu.Unlock()
		if fn != nil {
			fn(sig)
		}

	case wire.TypeIncomingCall:
		var notice wire.IncomingCallPayload
		if err := msg.Decode(&notice); err != nil {
			c.log.Warn("Dropping malformed call notice", "error", err)
			return
		}
		c.mu.Lock()
		handlers := slices.Collect(maps.Values(c.callHandlers))
		c.mu.Unlock()
		for _, fn := range handlers {
			fn(notice)
		}

	case wire.TypeError:
		c.log.Warn("Relay error", "error", msg.ErrorText())
	}
}

// failPending releases every request waiting on the dropped connection.
func (c *Client) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, reply := range c.pending {
		close(reply)
		delete(c.pending, id)
	}
}

func (c *Client) send(ctx context.Context, msg *wire.Message) error {
	c.mu.Lock()
	l, closed := c.link, c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if l == nil {
		return fmt.Errorf("%w: not connected", call.ErrSignalChannelUnavailable)
	}

	select {
	case l.send <- msg:
		return nil
	case <-l.done:
		return fmt.Errorf("%w: connection lost", call.ErrSignalChannelUnavailable)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// request sends a message and waits for the reply carrying its id.
func (c *Client) request(ctx context.Context, typ, roomID string, payload any) (*wire.Message, error) {
	msg, err := wire.New(typ, roomID, payload)
	if err != nil {
		return nil, err
	}
	msg.ID = strconv.FormatUint(c.nextID.Add(1), 10)

	reply := make(chan *wire.Message, 1)
	c.mu.Lock()
	c.pending[msg.ID] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, msg.ID)
		c.mu.Unlock()
	}()

	if err := c.send(ctx, msg); err != nil {
		return nil, err
	}

	select {
	case resp, ok := <-reply:
		if !ok {
			return nil, fmt.Errorf("%w: connection lost awaiting %s", call.ErrSignalChannelUnavailable, typ)
		}
		if resp.Type == wire.TypeError {
			return nil, call.WrapError(typ, ErrRejected, resp.ErrorText())
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) roomRequest(ctx context.Context, typ, roomID string, payload any) (call.Room, error) {
	resp, err := c.request(ctx, typ, roomID, payload)
	if err != nil {
		return call.Room{}, err
	}
	var room call.Room
	if err := resp.Decode(&room); err != nil {
		return call.Room{}, err
	}
	return room, nil
}

// CreateRoom asks the relay for a fresh room with a memorable id. members
// are alerted when a call starts in it.
func (c *Client) CreateRoom(ctx context.Context, members []string) (call.Room, error) {
	return c.roomRequest(ctx, wire.TypeCreateRoom, "", wire.RoomPayload{Members: members})
}

func (c *Client) CreateOrGetRoom(ctx context.Context, roomID string) (call.Room, error) {
	return c.roomRequest(ctx, wire.TypeGetRoom, roomID, nil)
}

func (c *Client) AddParticipant(ctx context.Context, roomID string, p call.Participant) error {
	if err := c.addParticipant(ctx, roomID, p); err != nil {
		return err
	}
	c.mu.Lock()
	c.participants[participantKey{roomID, p.ID}] = p
	c.mu.Unlock()
	return nil
}

func (c *Client) addParticipant(ctx context.Context, roomID string, p call.Participant) error {
	_, err := c.request(ctx, wire.TypeAddParticipant, roomID, p)
	return err
}

func (c *Client) RemoveParticipant(ctx context.Context, roomID, participantID string) error {
	c.mu.Lock()
	delete(c.participants, participantKey{roomID, participantID})
	c.mu.Unlock()
	_, err := c.request(ctx, wire.TypeRemoveParticipant, roomID, wire.ParticipantPayload{ParticipantID: participantID})
	return err
}

// SubscribeRoom delivers the current roster of roomID, then every change.
func (c *Client) SubscribeRoom(roomID string, onChange func(call.Room)) (func(), error) {
	c.mu.Lock()
	rs, ok := c.rooms[roomID]
	if !ok {
		rs = &roomSub{subs: make(map[int]func(call.Room))}
		c.rooms[roomID] = rs
	}
	c.nextSub++
	id := c.nextSub
	rs.subs[id] = onChange
	last := rs.last
	c.mu.Unlock()

	if !ok {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		if _, err := c.request(ctx, wire.TypeSubscribeRoom, roomID, nil); err != nil {
			c.unsubscribeRoom(roomID, id)
			return nil, err
		}
	} else if last != nil {
		onChange(*last)
	}

	var once sync.Once
	return func() { once.Do(func() { c.unsubscribeRoom(roomID, id) }) }, nil
}

func (c *Client) unsubscribeRoom(roomID string, id int) {
	c.mu.Lock()
	rs, ok := c.rooms[roomID]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(rs.subs, id)
	last := len(rs.subs) == 0
	if last {
		delete(c.rooms, roomID)
	}
	c.mu.Unlock()

	if last {
		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		defer cancel()
		if msg, err := wire.New(wire.TypeUnsubscribeRoom, roomID, nil); err == nil {
			c.send(ctx, msg)
		}
	}
}

// Send delivers msg to the inbox of msg.ToID and waits for the relay to
// accept it. While the connection is down the message is resent on the
// next one until ctx expires, so a signal may reach the relay twice.
func (c *Client) Send(ctx context.Context, msg call.SignalMessage) error {
	for {
		c.mu.Lock()
		up := c.linkUp
		c.mu.Unlock()

		_, err := c.request(ctx, wire.TypeSignal, msg.RoomID, msg)
		if err == nil || errors.Is(err, ErrClosed) || !errors.Is(err, call.ErrSignalChannelUnavailable) {
			return err
		}
		c.log.Debug("Signal not acknowledged, waiting for relay", "to", msg.ToID, "kind", msg.Kind, "error", err)

		select {
		case <-up:
		case <-c.done:
			return ErrClosed
		case <-ctx.Done():
			return err
		}
	}
}

// Subscribe binds the inbox of selfID to this connection. Signals queued
// by the relay while selfID was offline are delivered first.
func (c *Client) Subscribe(selfID string, onMessage func(call.SignalMessage)) (func(), error) {
	c.mu.Lock()
	c.inboxes[selfID] = onMessage
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if _, err := c.request(ctx, wire.TypeIdentify, "", wire.ParticipantPayload{ParticipantID: selfID}); err != nil {
		c.mu.Lock()
		delete(c.inboxes, selfID)
		c.mu.Unlock()
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.inboxes, selfID)
			c.mu.Unlock()
		})
	}, nil
}

func (c *Client) NotifyRoomOfNewCall(ctx context.Context, roomID, callerID string, recipientIDs []string) error {
	_, err := c.request(ctx, wire.TypeNotifyCall, roomID, wire.NotifyPayload{
		CallerID:     callerID,
		RecipientIDs: recipientIDs,
	})
	return err
}

// OnIncomingCall registers fn for call notices pushed to identified
// participants. The returned function removes it.
func (c *Client) OnIncomingCall(fn func(wire.IncomingCallPayload)) func() {
	c.mu.Lock()
	c.nextSub++
	id := c.nextSub
	c.callHandlers[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.callHandlers, id)
		c.mu.Unlock()
	}
}

// Close closes the WebSocket connection and stops reconnecting.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	l := c.link
	close(c.done)
	c.mu.Unlock()

	if l != nil {
		l.stop()
	}
	c.wg.Wait()
	return nil
}
