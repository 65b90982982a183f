package call

import (
	"log/slog"
	"sort"
	"time"

	"go.uber.org/multierr"
)

// LinkSpec describes the PeerLink to create for one remote participant.
type LinkSpec struct {
	PeerID        string
	RemoteSession string
	RetryCount    int
}

// ManagerConfig wires a ConnectionManager to its collaborators.
type ManagerConfig struct {
	SelfID     string
	Transports TransportFactory
	Stream     LocalStream
	Events     LinkEvents

	// Bridge builds the transport callbacks for a PeerLink generation.
	Bridge func(peerID string, gen uint64) TransportEvents

	Now    func() time.Time
	Logger *slog.Logger
}

// ConnectionManager is the arena of PeerLinks, keyed by remote participant
// id. At most one PeerLink exists per participant.
type ConnectionManager struct {
	cfg      ManagerConfig
	links    map[string]*PeerLink
	attempts map[string]int
	gen      uint64
	log      *slog.Logger
}

func NewConnectionManager(cfg ManagerConfig) *ConnectionManager {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.Bridge == nil {
		cfg.Bridge = func(string, uint64) TransportEvents { return TransportEvents{} }
	}
	return &ConnectionManager{
		cfg:      cfg,
		links:    make(map[string]*PeerLink),
		attempts: make(map[string]int),
		log:      log,
	}
}

// CreateOrGet returns the live PeerLink for req.PeerID, creating it when
// absent. The boolean reports whether a new link was created.
func (m *ConnectionManager) CreateOrGet(req LinkSpec) (*PeerLink, bool, error) {
	if l, ok := m.links[req.PeerID]; ok {
		return l, false, nil
	}

	m.gen++
	gen := m.gen

	role := roleFor(m.cfg.SelfID, req.PeerID)
	attempt := -1
	if role == RoleOfferer {
		m.attempts[req.PeerID]++
		attempt = m.attempts[req.PeerID]
	}

	t, err := m.cfg.Transports.NewTransport(req.PeerID, m.cfg.Stream, m.cfg.Bridge(req.PeerID, gen))
	if err != nil {
		return nil, false, &Error{Op: "create transport", PeerID: req.PeerID, Err: ErrPeerNegotiationFailed, Details: err.Error()}
	}

	l := newPeerLink(linkConfig{
		peerID:        req.PeerID,
		remoteSession: req.RemoteSession,
		role:          role,
		gen:           gen,
		attempt:       attempt,
		retryCount:    req.RetryCount,
		transport:     t,
		events:        m.cfg.Events,
		now:           m.cfg.Now,
		log:           m.log,
	})
	m.links[req.PeerID] = l

	m.log.Debug("Peer link created", "peer", req.PeerID, "role", role.String(), "attempt", attempt, "retry", req.RetryCount)
	return l, true, nil
}

// Get returns the live PeerLink for peerID.
func (m *ConnectionManager) Get(peerID string) (*PeerLink, bool) {
	l, ok := m.links[peerID]
	return l, ok
}

// Remove closes and forgets the PeerLink for peerID. Absent ids are ignored.
func (m *ConnectionManager) Remove(peerID string) error {
	l, ok := m.links[peerID]
	if !ok {
		return nil
	}
	delete(m.links, peerID)
	return l.Close()
}

// Links returns the live PeerLinks ordered by peer id.
func (m *ConnectionManager) Links() []*PeerLink {
	out := make([]*PeerLink, 0, len(m.links))
	for _, l := range m.links {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].peerID < out[j].peerID })
	return out
}

func (m *ConnectionManager) Len() int {
	return len(m.links)
}

// CloseAll closes every PeerLink, continuing past errors.
func (m *ConnectionManager) CloseAll() error {
	var err error
	for _, l := range m.Links() {
		delete(m.links, l.peerID)
		err = multierr.Append(err, l.Close())
	}
	return err
}
