package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/BioHazard786/warpcall/internal/call"
	"github.com/BioHazard786/warpcall/internal/config"
	"github.com/BioHazard786/warpcall/internal/signaling"
	"github.com/BioHazard786/warpcall/internal/store"
	"github.com/BioHazard786/warpcall/internal/wire"
	"go.uber.org/multierr"
)

// Backend is what a call session runs on: a room registry, a signal
// channel and a notifier.
type Backend interface {
	call.RoomRegistry
	call.SignalChannel
	call.Notifier
}

// ConnectionContext holds the backend of a call, either the relay client
// or a poller over a shared database file.
type ConnectionContext struct {
	Backend Backend
	Client  *signaling.Client
	Store   *store.Store
	Poller  *store.Poller
	Config  *config.Config
}

func NewConnectionContext(ctx context.Context, cfg *config.Config, local bool, log *slog.Logger) (*ConnectionContext, error) {
	if local {
		st, err := store.Open(cfg.StorePath)
		if err != nil {
			return nil, call.NewError("open store", err)
		}
		poller := store.NewPoller(st, store.PollerOptions{Logger: log})
		return &ConnectionContext{Backend: poller, Store: st, Poller: poller, Config: cfg}, nil
	}

	client := signaling.NewClient(cfg.WebSocketURL, signaling.Options{Logger: log})
	if err := client.Connect(ctx); err != nil {
		return nil, call.NewError("connect to server", err)
	}
	return &ConnectionContext{Backend: client, Client: client, Config: cfg}, nil
}

// CreateRoom asks the relay for a fresh room. Local mode has no one to
// generate memorable ids, so a room id is required there.
func (c *ConnectionContext) CreateRoom(ctx context.Context, members []string) (string, error) {
	if c.Client == nil {
		return "", fmt.Errorf("a room id is required with --local")
	}
	room, err := c.Client.CreateRoom(ctx, members)
	if err != nil {
		return "", call.NewError("create room", err)
	}
	return room.ID, nil
}

// OnIncomingCall reports new calls in rooms selfID is a member of.
func (c *ConnectionContext) OnIncomingCall(selfID string, fn func(roomID, callerID string)) func() {
	if c.Poller != nil {
		return c.Poller.WatchNotices(selfID, func(n store.Notice) {
			fn(n.RoomID, n.CallerID)
		})
	}
	return c.Client.OnIncomingCall(func(p wire.IncomingCallPayload) {
		fn(p.RoomID, p.CallerID)
	})
}

func (c *ConnectionContext) Close() error {
	var err error
	if c.Client != nil {
		err = multierr.Append(err, c.Client.Close())
	}
	if c.Store != nil {
		err = multierr.Append(err, c.Store.Close())
	}
	return err
}

func LoadConfig(opts config.Options) (*config.Config, error) {
	cfg, err := config.Load(opts)
	if err != nil {
		return nil, call.NewError("load config", err)
	}

	if cfg.ForceRelay && cfg.GetTURNServers() == nil {
		return nil, fmt.Errorf("cannot force relay mode without TURN server configured")
	}

	return cfg, nil
}

// httpBase turns the relay websocket URL into the base URL of its HTTP
// routes.
func httpBase(wsURL string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", fmt.Errorf("invalid server url %q: %w", wsURL, err)
	}
	switch u.Scheme {
	case "wss", "https":
		u.Scheme = "https"
	case "ws", "http":
		u.Scheme = "http"
	default:
		return "", fmt.Errorf("invalid server url %q: unsupported scheme", wsURL)
	}
	u.Path = strings.TrimSuffix(u.Path, "/ws")
	u.RawQuery = ""
	return strings.TrimSuffix(u.String(), "/"), nil
}
