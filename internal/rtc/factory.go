package rtc

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/BioHazard786/warpcall/internal/call"
	"github.com/BioHazard786/warpcall/internal/config"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	pionnet "github.com/pion/transport/v3"
	pion "github.com/pion/webrtc/v4"
)

// Options configure a Factory.
type Options struct {
	// Configuration is handed to every peer connection. ICEConfiguration
	// derives it from the application config.
	Configuration pion.Configuration

	// Net replaces the host network stack, e.g. with a vnet in tests.
	Net pionnet.Net

	Logger *slog.Logger
}

// Factory builds pion peer connections for the call layer.
type Factory struct {
	api    *pion.API
	config pion.Configuration
	log    *slog.Logger
}

var _ call.TransportFactory = (*Factory)(nil)

// NewFactory registers the default codecs and interceptors (NACK, RTCP
// reports, TWCC) and returns a Factory sharing them.
func NewFactory(opts Options) (*Factory, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	log := opts.Logger.With("component", "rtc")

	mediaEngine := &pion.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := pion.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	settingEngine := pion.SettingEngine{LoggerFactory: NewLoggerFactory(log)}
	if opts.Net != nil {
		settingEngine.SetNet(opts.Net)
	}

	api := pion.NewAPI(
		pion.WithMediaEngine(mediaEngine),
		pion.WithInterceptorRegistry(interceptorRegistry),
		pion.WithSettingEngine(settingEngine),
	)
	return &Factory{api: api, config: opts.Configuration, log: log}, nil
}

// ICEConfiguration centralizes ICE server configuration.
func ICEConfiguration(cfg *config.Config) pion.Configuration {
	iceServers := []pion.ICEServer{{URLs: cfg.GetSTUNServers()}}

	turnServers := cfg.GetTURNServers()

	if turnServers != nil {
		username, password := cfg.GetTURNCredentials()
		iceServers = append(iceServers, pion.ICEServer{
			URLs:       turnServers,
			Username:   username,
			Credential: password,
		})
	}

	// ForceRelay uses only TURN servers (useful behind restrictive networks).
	// Otherwise try direct P2P first and fall back to TURN.
	policy := pion.ICETransportPolicyAll
	if turnServers != nil && (cfg.ForceRelay || ShouldForceRelay()) {
		policy = pion.ICETransportPolicyRelay
	}

	return pion.Configuration{
		ICEServers:         iceServers,
		ICETransportPolicy: policy,
	}
}

// sendable is a local track that can be attached to a peer connection.
type sendable interface {
	call.Track
	local() pion.TrackLocal
}

// NewTransport creates a peer connection to peerID carrying the tracks of
// stream. Kinds the stream lacks are still received.
func (f *Factory) NewTransport(peerID string, stream call.LocalStream, events call.TransportEvents) (call.Transport, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	t := &transport{
		pc:     pc,
		peerID: peerID,
		log:    f.log.With("peer", peerID),
		events: events,
	}

	if err := t.attach(pion.RTPCodecTypeAudio, stream.Audio); err != nil {
		pc.Close()
		return nil, err
	}
	if err := t.attach(pion.RTPCodecTypeVideo, stream.Video); err != nil {
		pc.Close()
		return nil, err
	}

	t.setupHandlers()
	return t, nil
}

type transport struct {
	pc     *pion.PeerConnection
	peerID string
	log    *slog.Logger
	events call.TransportEvents

	// mu orders goroutine registration against Close, so wg.Add never
	// races wg.Wait.
	mu     sync.Mutex
	closed atomic.Bool
	wg     sync.WaitGroup
}

// spawn runs fn on a goroutine Close waits for. It reports false once the
// transport is closed.
func (t *transport) spawn(fn func()) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed.Load() {
		return false
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		fn()
	}()
	return true
}

func (t *transport) attach(kind pion.RTPCodecType, track call.Track) error {
	if track == nil {
		_, err := t.pc.AddTransceiverFromKind(kind, pion.RTPTransceiverInit{
			Direction: pion.RTPTransceiverDirectionRecvonly,
		})
		if err != nil {
			return fmt.Errorf("add %s transceiver: %w", kind, err)
		}
		return nil
	}

	s, ok := track.(sendable)
	if !ok {
		return fmt.Errorf("track %s cannot be sent over webrtc", track.ID())
	}
	sender, err := t.pc.AddTrack(s.local())
	if err != nil {
		return fmt.Errorf("add %s track: %w", kind, err)
	}

	// Read incoming RTCP so the interceptors see receiver reports and NACKs.
	t.spawn(func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	})
	return nil
}

// setupHandlers configures ICE and track handlers
func (t *transport) setupHandlers() {
	t.pc.OnICECandidate(func(c *pion.ICECandidate) {
		if c == nil || t.closed.Load() {
			return
		}
		raw, err := json.Marshal(c.ToJSON())
		if err != nil {
			t.log.Warn("Failed to encode ICE candidate", "error", err)
			return
		}
		t.events.OnCandidate(raw)
	})

	t.pc.OnICEConnectionStateChange(func(state pion.ICEConnectionState) {
		t.log.Debug("ICE connection state changed", "state", state.String())
		if t.closed.Load() {
			return
		}
		t.events.OnConnectivity(connState(state))
	})

	t.pc.OnTrack(func(remote *pion.TrackRemote, _ *pion.RTPReceiver) {
		if t.closed.Load() {
			return
		}
		t.log.Debug("Received track", "id", remote.ID(), "kind", remote.Kind().String(),
			"codec", remote.Codec().MimeType)

		stats := &call.TrackStats{}
		kind := call.TrackAudio
		if remote.Kind() == pion.RTPCodecTypeVideo {
			kind = call.TrackVideo
			// Ask for a keyframe so the first frames decode.
			if err := t.pc.WriteRTCP([]rtcp.Packet{
				&rtcp.PictureLossIndication{MediaSSRC: uint32(remote.SSRC())},
			}); err != nil {
				t.log.Debug("Failed to send PLI", "error", err)
			}
		}

		t.events.OnRemoteTrack(call.RemoteTrack{
			ID:       remote.ID(),
			StreamID: remote.StreamID(),
			Kind:     kind,
			Stats:    stats,
		})

		t.spawn(func() {
			for {
				pkt, _, err := remote.ReadRTP()
				if err != nil {
					return
				}
				count(stats, pkt)
			}
		})
	})
}

func count(stats *call.TrackStats, pkt *rtp.Packet) {
	stats.Packets.Add(1)
	stats.Bytes.Add(uint64(len(pkt.Payload)))
}

func connState(s pion.ICEConnectionState) call.ConnState {
	switch s {
	case pion.ICEConnectionStateChecking:
		return call.ConnChecking
	case pion.ICEConnectionStateConnected:
		return call.ConnConnected
	case pion.ICEConnectionStateCompleted:
		return call.ConnCompleted
	case pion.ICEConnectionStateDisconnected:
		return call.ConnDisconnected
	case pion.ICEConnectionStateFailed:
		return call.ConnFailed
	case pion.ICEConnectionStateClosed:
		return call.ConnClosed
	}
	return call.ConnNew
}

func (t *transport) CreateOffer() (json.RawMessage, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	return json.Marshal(offer)
}

func (t *transport) CreateAnswer() (json.RawMessage, error) {
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("create answer: %w", err)
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	return json.Marshal(answer)
}

func (t *transport) SetRemoteDescription(kind call.SignalKind, sdp json.RawMessage) error {
	var desc pion.SessionDescription
	if err := json.Unmarshal(sdp, &desc); err != nil {
		return fmt.Errorf("decode %s: %w", kind, err)
	}
	want := pion.SDPTypeOffer
	if kind == call.KindAnswer {
		want = pion.SDPTypeAnswer
	}
	if desc.Type != want {
		return fmt.Errorf("%w: %s carries a %s description", call.ErrUnexpectedSignal, kind, desc.Type)
	}
	return t.pc.SetRemoteDescription(desc)
}

func (t *transport) AddICECandidate(candidate json.RawMessage) error {
	var init pion.ICECandidateInit
	if err := json.Unmarshal(candidate, &init); err != nil {
		return fmt.Errorf("decode ICE candidate: %w", err)
	}
	return t.pc.AddICECandidate(init)
}

// Close stops the peer connection and waits for its read loops.
func (t *transport) Close() error {
	t.mu.Lock()
	if t.closed.Load() {
		t.mu.Unlock()
		return nil
	}
	t.closed.Store(true)
	t.mu.Unlock()

	err := t.pc.Close()
	t.wg.Wait()
	if errors.Is(err, pion.ErrConnectionClosed) {
		return nil
	}
	return err
}
