package rtc

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BioHazard786/warpcall/internal/call"
	"github.com/google/uuid"
	pion "github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// Track is a local track shared by every peer connection of a session.
// Samples written while it is disabled are dropped.
type Track struct {
	id     string
	kind   call.TrackKind
	sample *pion.TrackLocalStaticSample
	log    *slog.Logger

	enabled  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

var _ call.Track = (*Track)(nil)

func newTrack(kind call.TrackKind, capability pion.RTPCodecCapability, streamID string, log *slog.Logger) (*Track, error) {
	id := string(kind) + "-" + uuid.NewString()[:8]
	sample, err := pion.NewTrackLocalStaticSample(capability, id, streamID)
	if err != nil {
		return nil, fmt.Errorf("create %s track: %w", kind, err)
	}
	t := &Track{
		id:     id,
		kind:   kind,
		sample: sample,
		log:    log.With("track", id),
		stop:   make(chan struct{}),
	}
	t.enabled.Store(true)
	return t, nil
}

func (t *Track) ID() string              { return t.id }
func (t *Track) Kind() call.TrackKind    { return t.kind }
func (t *Track) Enabled() bool           { return t.enabled.Load() }
func (t *Track) SetEnabled(enabled bool) { t.enabled.Store(enabled) }
func (t *Track) MimeType() string        { return t.sample.Codec().MimeType }
func (t *Track) local() pion.TrackLocal  { return t.sample }

// WriteSample sends s to every connected peer unless the track is disabled.
func (t *Track) WriteSample(s media.Sample) error {
	if !t.enabled.Load() {
		return nil
	}
	return t.sample.WriteSample(s)
}

// play feeds samples from src at the pace src dictates until Stop.
func (t *Track) play(src source) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer src.Close()

		ticker := time.NewTicker(src.interval())
		defer ticker.Stop()

		for {
			select {
			case <-t.stop:
				return
			case <-ticker.C:
			}

			s, err := src.next()
			if err != nil {
				t.log.Warn("Media source stopped", "error", err)
				return
			}
			if err := t.WriteSample(s); err != nil && !errors.Is(err, io.ErrClosedPipe) {
				t.log.Debug("Failed to write sample", "error", err)
			}
		}
	}()
}

// Stop ends playback. The track stays attached to its peer connections.
func (t *Track) Stop() error {
	t.stopOnce.Do(func() { close(t.stop) })
	t.wg.Wait()
	return nil
}
