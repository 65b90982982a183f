package relay

import (
	"log/slog"
	"time"

	"github.com/BioHazard786/warpcall/internal/wire"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024

	sendBuffer = 256
)

// Client is a wrapper for a single websocket connection. One connection
// may carry several participants; the hub tracks which ones.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	log  *slog.Logger

	// send is a buffered channel for all outbound messages. Only the hub
	// writes to it and only the hub closes it.
	send chan *wire.Message

	// Hub-owned bookkeeping, touched only from the hub goroutine.
	identities map[string]bool
	owned      map[string]map[string]bool // room id -> participant ids
}

func newClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		hub:        hub,
		conn:       conn,
		log:        hub.log.With("remote", conn.RemoteAddr().String()),
		send:       make(chan *wire.Message, sendBuffer),
		identities: make(map[string]bool),
		owned:      make(map[string]map[string]bool),
	}
}

// readPump pumps messages from the websocket connection to the hub.
//
// The application runs readPump in a per-connection goroutine. The application
// ensures that there is at most one reader on a connection by executing all
// reads from this goroutine.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg wire.Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("Connection read failed", "error", err)
			}
			return
		}
		if !c.hub.dispatch(inbound{client: c, msg: &msg}) {
			return
		}
	}
}

// writePump pumps messages from the hub to the websocket connection.
//
// A goroutine running writePump is started for each connection. The
// application ensures that there is at most one writer to a connection by
// executing all writes from this goroutine.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(message); err != nil {
				c.log.Warn("Connection write failed", "error", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// deliver queues msg without blocking the hub. A connection whose buffer is
// full is considered stalled and the message is reported as not delivered.
func (c *Client) deliver(msg *wire.Message) bool {
	select {
	case c.send <- msg:
		return true
	default:
		c.log.Warn("Send buffer full, dropping message", "type", msg.Type)
		return false
	}
}
