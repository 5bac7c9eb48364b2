package rtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/dkeye/voicecall/internal/core"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"github.com/rs/zerolog/log"
)

var (
	ErrNothingToCapture = errors.New("neither audio nor video requested")
	ErrNoVideoSource    = errors.New("video requested without a video file")
)

const opusFrame = 20 * time.Millisecond

// opus TOC for a 20ms silent frame
var opusSilence = []byte{0xf8, 0xff, 0xfe}

type CaptureConfig struct {
	Audio     bool
	Video     bool
	AudioFile string // Ogg/Opus; empty means generated silence
	VideoFile string // IVF with VP8 or VP9
}

// Capturer produces local tracks from files or generated silence.
type Capturer struct {
	cfg CaptureConfig
}

func NewCapturer(cfg CaptureConfig) *Capturer {
	return &Capturer{cfg: cfg}
}

// Acquire opens the configured sources and starts pumping samples.
// Samples written before the track is bound to a link are discarded by pion.
func (c *Capturer) Acquire(ctx context.Context) (core.LocalMedia, error) {
	if !c.cfg.Audio && !c.cfg.Video {
		return nil, ErrNothingToCapture
	}
	if c.cfg.Video && c.cfg.VideoFile == "" {
		return nil, ErrNoVideoSource
	}

	streamID := uuid.NewString()
	pumpCtx, cancel := context.WithCancel(context.Background())
	lm := &localMedia{cancel: cancel}

	if c.cfg.Audio {
		if err := lm.addAudio(pumpCtx, c.cfg.AudioFile, streamID); err != nil {
			lm.Stop()
			return nil, err
		}
	}
	if c.cfg.Video {
		if err := lm.addVideo(pumpCtx, c.cfg.VideoFile, streamID); err != nil {
			lm.Stop()
			return nil, err
		}
	}

	if err := ctx.Err(); err != nil {
		lm.Stop()
		return nil, err
	}
	log.Info().Str("module", "capture").Str("stream_id", streamID).Int("tracks", len(lm.tracks)).Msg("local media acquired")
	return lm, nil
}

type localMedia struct {
	tracks []webrtc.TrackLocal
	files  []io.Closer
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func (m *localMedia) Tracks() []webrtc.TrackLocal { return m.tracks }

func (m *localMedia) Stop() {
	m.once.Do(func() {
		m.cancel()
		m.wg.Wait()
		for _, f := range m.files {
			_ = f.Close()
		}
		log.Info().Str("module", "capture").Msg("local media stopped")
	})
}

func (m *localMedia) addAudio(ctx context.Context, path, streamID string) error {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", streamID)
	if err != nil {
		return fmt.Errorf("audio track: %w", err)
	}

	if path == "" {
		m.tracks = append(m.tracks, track)
		m.run(func() { pumpSilence(ctx, track) })
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open audio file: %w", err)
	}
	m.files = append(m.files, f)
	ogg, _, err := oggreader.NewWith(f)
	if err != nil {
		return fmt.Errorf("read ogg header: %w", err)
	}
	m.tracks = append(m.tracks, track)
	m.run(func() { pumpOgg(ctx, track, ogg) })
	return nil
}

func (m *localMedia) addVideo(ctx context.Context, path, streamID string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open video file: %w", err)
	}
	m.files = append(m.files, f)
	ivf, header, err := ivfreader.NewWith(f)
	if err != nil {
		return fmt.Errorf("read ivf header: %w", err)
	}

	var mime string
	switch header.FourCC {
	case "VP80":
		mime = webrtc.MimeTypeVP8
	case "VP90":
		mime = webrtc.MimeTypeVP9
	default:
		return fmt.Errorf("unsupported ivf codec %q", header.FourCC)
	}
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, "video", streamID)
	if err != nil {
		return fmt.Errorf("video track: %w", err)
	}

	interval := 33 * time.Millisecond
	if header.TimebaseDenominator > 0 {
		interval = time.Duration(float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator) * float64(time.Second))
	}
	m.tracks = append(m.tracks, track)
	m.run(func() { pumpIVF(ctx, track, ivf, interval) })
	return nil
}

func (m *localMedia) run(fn func()) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn()
	}()
}

func pumpSilence(ctx context.Context, track *webrtc.TrackLocalStaticSample) {
	ticker := time.NewTicker(opusFrame)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := track.WriteSample(media.Sample{Data: opusSilence, Duration: opusFrame}); err != nil {
				log.Warn().Err(err).Str("module", "capture").Msg("write silence")
				return
			}
		}
	}
}

func pumpOgg(ctx context.Context, track *webrtc.TrackLocalStaticSample, ogg *oggreader.OggReader) {
	ticker := time.NewTicker(opusFrame)
	defer ticker.Stop()
	var lastGranule uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		page, header, err := ogg.ParseNextPage()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Warn().Err(err).Str("module", "capture").Msg("ogg page")
			}
			log.Info().Str("module", "capture").Msg("audio file exhausted")
			return
		}
		samples := header.GranulePosition - lastGranule
		lastGranule = header.GranulePosition
		d := time.Duration(float64(samples) / 48000 * float64(time.Second))
		if err := track.WriteSample(media.Sample{Data: page, Duration: d}); err != nil {
			log.Warn().Err(err).Str("module", "capture").Msg("write ogg sample")
			return
		}
	}
}

func pumpIVF(ctx context.Context, track *webrtc.TrackLocalStaticSample, ivf *ivfreader.IVFReader, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		frame, _, err := ivf.ParseNextFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Warn().Err(err).Str("module", "capture").Msg("ivf frame")
			}
			log.Info().Str("module", "capture").Msg("video file exhausted")
			return
		}
		if err := track.WriteSample(media.Sample{Data: frame, Duration: interval}); err != nil {
			log.Warn().Err(err).Str("module", "capture").Msg("write ivf sample")
			return
		}
	}
}
