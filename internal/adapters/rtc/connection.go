package rtc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dkeye/voicecall/internal/core"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Configuration builds a peer connection config from STUN/TURN urls.
func Configuration(iceServers []string) webrtc.Configuration {
	cfg := webrtc.Configuration{}
	if len(iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}
	return cfg
}

// Factory creates peer links sharing one pion API (codecs, interceptors, logging).
type Factory struct {
	api *webrtc.API
	cfg webrtc.Configuration
	seq atomic.Uint64
}

func NewFactory(iceServers []string) (*Factory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	se := webrtc.SettingEngine{}
	se.LoggerFactory = NewLoggerFactory(log.Logger)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(se),
	)
	return &Factory{api: api, cfg: Configuration(iceServers)}, nil
}

func (f *Factory) NewPeerLink() (core.PeerLink, error) {
	pc, err := f.api.NewPeerConnection(f.cfg)
	if err != nil {
		return nil, err
	}
	id := fmt.Sprintf("link-%d", f.seq.Add(1))
	return newLink(pc, id), nil
}

// Link is a core.PeerLink on top of a pion PeerConnection.
type Link struct {
	pc     *webrtc.PeerConnection
	logger zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	onICE   func(*webrtc.ICECandidateInit)
	onTrack func(ctx context.Context, track core.RemoteTrack)

	// remote candidates received before any remote description, in arrival order;
	// nil is end-of-candidates
	remoteMu sync.Mutex
	pending  []*webrtc.ICECandidateInit

	closeOnce sync.Once
	closeErr  error
}

func newLink(pc *webrtc.PeerConnection, id string) *Link {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Link{
		pc:     pc,
		logger: log.With().Str("module", "webrtc").Str("link", id).Logger(),
		ctx:    ctx,
		cancel: cancel,
	}

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		l.logger.Info().Str("ice_state", s.String()).Msg("ICE state")
		if s == webrtc.ICEConnectionStateFailed || s == webrtc.ICEConnectionStateClosed {
			cancel()
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		l.logger.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
	})

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		l.mu.RLock()
		fn := l.onICE
		l.mu.RUnlock()
		if fn == nil {
			return
		}
		if cand == nil {
			fn(nil)
			return
		}
		ci := cand.ToJSON()
		fn(&ci)
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		l.logger.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		l.mu.RLock()
		fn := l.onTrack
		l.mu.RUnlock()
		if fn != nil {
			fn(l.ctx, track)
		}
	})

	return l
}

func (l *Link) CreateOffer() (webrtc.SessionDescription, error) {
	return l.pc.CreateOffer(nil)
}

func (l *Link) CreateAnswer() (webrtc.SessionDescription, error) {
	return l.pc.CreateAnswer(nil)
}

// SetLocalDescription starts ICE gathering; candidates trickle through OnICECandidate.
func (l *Link) SetLocalDescription(desc webrtc.SessionDescription) error {
	return l.pc.SetLocalDescription(desc)
}

// SetRemoteDescription also applies the candidates that arrived ahead of it.
func (l *Link) SetRemoteDescription(desc webrtc.SessionDescription) error {
	l.remoteMu.Lock()
	defer l.remoteMu.Unlock()
	if err := l.pc.SetRemoteDescription(desc); err != nil {
		return err
	}
	pending := l.pending
	l.pending = nil
	for _, ci := range pending {
		if err := l.addCandidate(ci); err != nil {
			l.logger.Warn().Err(err).Msg("buffered candidate rejected")
		}
	}
	if len(pending) > 0 {
		l.logger.Debug().Int("count", len(pending)).Msg("buffered candidates applied")
	}
	return nil
}

// AddICECandidate applies ci, or buffers it until a remote description is set.
func (l *Link) AddICECandidate(ci *webrtc.ICECandidateInit) error {
	l.remoteMu.Lock()
	defer l.remoteMu.Unlock()
	if l.pc.RemoteDescription() == nil {
		l.pending = append(l.pending, ci)
		return nil
	}
	return l.addCandidate(ci)
}

func (l *Link) addCandidate(ci *webrtc.ICECandidateInit) error {
	if ci == nil {
		// an empty candidate signals end-of-candidates to pion
		return l.pc.AddICECandidate(webrtc.ICECandidateInit{})
	}
	return l.pc.AddICECandidate(*ci)
}

func (l *Link) AddTrack(track webrtc.TrackLocal) error {
	sender, err := l.pc.AddTrack(track)
	if err != nil {
		return err
	}
	// RTCP has to be drained for the interceptors to work.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (l *Link) OnICECandidate(fn func(*webrtc.ICECandidateInit)) {
	l.mu.Lock()
	l.onICE = fn
	l.mu.Unlock()
}

// OnTrack sets application-level callback for remote tracks.
// The ctx passed to fn ends when the link closes or ICE fails.
func (l *Link) OnTrack(fn func(ctx context.Context, track core.RemoteTrack)) {
	l.mu.Lock()
	l.onTrack = fn
	l.mu.Unlock()
}

func (l *Link) Close() error {
	l.closeOnce.Do(func() {
		l.cancel()
		l.closeErr = l.pc.Close()
		if l.closeErr != nil {
			l.logger.Error().Err(l.closeErr).Msg("close error")
		} else {
			l.logger.Info().Msg("closed")
		}
	})
	return l.closeErr
}
