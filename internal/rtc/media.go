package rtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/BioHazard786/warpcall/internal/call"
	"github.com/google/uuid"
	pion "github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
)

const (
	opusClockRate = 48000
	opusFrame     = 20 * time.Millisecond
)

// opusSilence is a single 20ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// MediaOptions select the files played into the local tracks. Without an
// audio file the microphone track sends silence.
type MediaOptions struct {
	AudioFile string // Ogg/Opus
	VideoFile string // IVF with VP8, VP9 or AV1
	Logger    *slog.Logger
}

// Media is a MediaProvider playing files in place of capture devices.
type Media struct {
	opts MediaOptions
	log  *slog.Logger
}

var _ call.MediaProvider = (*Media)(nil)

func NewMedia(opts MediaOptions) *Media {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Media{opts: opts, log: opts.Logger.With("component", "media")}
}

// AcquireLocalStream opens the sources c asks for. Failing to open one is
// reported as call.ErrMediaAccessDenied.
func (m *Media) AcquireLocalStream(ctx context.Context, c call.Constraints) (call.LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return call.LocalStream{}, err
	}
	stream := call.LocalStream{ID: "warpcall-" + uuid.NewString()[:8]}

	if c.Audio {
		var src source = silence{}
		if m.opts.AudioFile != "" {
			ogg, err := openOgg(m.opts.AudioFile)
			if err != nil {
				return call.LocalStream{}, denied("audio", err)
			}
			src = ogg
		}
		track, err := newTrack(call.TrackAudio, pion.RTPCodecCapability{
			MimeType:  pion.MimeTypeOpus,
			ClockRate: opusClockRate,
			Channels:  2,
		}, stream.ID, m.log)
		if err != nil {
			src.Close()
			return call.LocalStream{}, err
		}
		track.play(src)
		stream.Audio = track
	}

	if c.Video {
		if m.opts.VideoFile == "" {
			stopStream(stream)
			return call.LocalStream{}, denied("video", errors.New("no video source configured"))
		}
		ivf, err := openIVF(m.opts.VideoFile)
		if err != nil {
			stopStream(stream)
			return call.LocalStream{}, denied("video", err)
		}
		track, err := newTrack(call.TrackVideo, pion.RTPCodecCapability{
			MimeType:  ivf.mimeType,
			ClockRate: 90000,
		}, stream.ID, m.log)
		if err != nil {
			ivf.Close()
			stopStream(stream)
			return call.LocalStream{}, err
		}
		track.play(ivf)
		stream.Video = track
	}

	m.log.Debug("Local stream acquired", "stream", stream.ID, "audio", c.Audio, "video", c.Video)
	return stream, nil
}

func denied(device string, err error) error {
	return call.WrapError("acquire "+device, call.ErrMediaAccessDenied, err.Error())
}

func stopStream(s call.LocalStream) {
	for _, t := range s.Tracks() {
		t.Stop()
	}
}

// source produces samples at a fixed pace.
type source interface {
	interval() time.Duration
	next() (media.Sample, error)
	Close() error
}

type silence struct{}

func (silence) interval() time.Duration { return opusFrame }
func (silence) Close() error            { return nil }
func (silence) next() (media.Sample, error) {
	return media.Sample{Data: opusSilence, Duration: opusFrame}, nil
}

// oggSource plays an Ogg/Opus file in a loop.
type oggSource struct {
	path        string
	file        *os.File
	reader      *oggreader.OggReader
	lastGranule uint64
}

func openOgg(path string) (*oggSource, error) {
	s := &oggSource{path: path}
	if err := s.rewind(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *oggSource) rewind() error {
	s.Close()
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	reader, _, err := oggreader.NewWith(f)
	if err != nil {
		f.Close()
		return fmt.Errorf("read ogg header: %w", err)
	}
	s.file, s.reader, s.lastGranule = f, reader, 0
	return nil
}

func (s *oggSource) interval() time.Duration { return opusFrame }

func (s *oggSource) next() (media.Sample, error) {
	for rewound := false; ; rewound = true {
		page, header, err := s.reader.ParseNextPage()
		if errors.Is(err, io.EOF) && !rewound {
			if err := s.rewind(); err != nil {
				return media.Sample{}, err
			}
			continue
		}
		if err != nil {
			return media.Sample{}, err
		}

		samples := header.GranulePosition - s.lastGranule
		s.lastGranule = header.GranulePosition
		return media.Sample{
			Data:     page,
			Duration: time.Duration(float64(samples) / opusClockRate * float64(time.Second)),
		}, nil
	}
}

func (s *oggSource) Close() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// ivfSource plays an IVF file in a loop.
type ivfSource struct {
	path     string
	file     *os.File
	reader   *ivfreader.IVFReader
	frame    time.Duration
	mimeType string
}

func openIVF(path string) (*ivfSource, error) {
	s := &ivfSource{path: path}
	if err := s.rewind(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ivfSource) rewind() error {
	s.Close()
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	reader, header, err := ivfreader.NewWith(f)
	if err != nil {
		f.Close()
		return fmt.Errorf("read ivf header: %w", err)
	}
	mimeType, err := ivfMimeType(header.FourCC)
	if err != nil {
		f.Close()
		return err
	}
	if header.TimebaseNumerator == 0 || header.TimebaseDenominator == 0 {
		f.Close()
		return errors.New("ivf header has no timebase")
	}

	s.file, s.reader, s.mimeType = f, reader, mimeType
	s.frame = time.Duration(float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator) * float64(time.Second))
	return nil
}

func ivfMimeType(fourCC string) (string, error) {
	switch fourCC {
	case "VP80":
		return pion.MimeTypeVP8, nil
	case "VP90":
		return pion.MimeTypeVP9, nil
	case "AV01":
		return pion.MimeTypeAV1, nil
	}
	return "", fmt.Errorf("unsupported ivf codec %q", fourCC)
}

func (s *ivfSource) interval() time.Duration { return s.frame }

func (s *ivfSource) next() (media.Sample, error) {
	for rewound := false; ; rewound = true {
		frame, _, err := s.reader.ParseNextFrame()
		if errors.Is(err, io.EOF) && !rewound {
			if err := s.rewind(); err != nil {
				return media.Sample{}, err
			}
			continue
		}
		if err != nil {
			return media.Sample{}, err
		}
		return media.Sample{Data: frame, Duration: s.frame}, nil
	}
}

func (s *ivfSource) Close() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
