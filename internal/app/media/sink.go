package media

import (
	"context"
	"sync/atomic"

	"github.com/dkeye/voicecall/internal/core"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"
)

type SinkState int32

const (
	SinkStateOk SinkState = iota
	SinkStateMuted
	SinkStateDetached
)

// Sink plays one remote track. Headless, playing means draining RTP and counting it.
type Sink struct {
	Src core.RemoteTrack

	state   atomic.Int32 // Zero by default (SinkStateOk)
	packets atomic.Uint64
	bytes   atomic.Uint64

	cancel context.CancelFunc
	done   chan struct{}
}

type SinkStats struct {
	TrackID  string    `json:"track_id"`
	StreamID string    `json:"stream_id"`
	Kind     string    `json:"kind"`
	State    SinkState `json:"state"`
	Packets  uint64    `json:"packets"`
	Bytes    uint64    `json:"bytes"`
}

func NewSink(src core.RemoteTrack, cancel context.CancelFunc) *Sink {
	return &Sink{
		Src:    src,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func (s *Sink) GetState() SinkState { return SinkState(s.state.Load()) }
func (s *Sink) MarkOk()             { s.state.Store(int32(SinkStateOk)) }
func (s *Sink) MarkMuted()          { s.state.Store(int32(SinkStateMuted)) }

// Detach stops the sink. The read loop exits on its next packet or when the track closes.
func (s *Sink) Detach() {
	s.state.Store(int32(SinkStateDetached))
	if s.cancel != nil {
		s.cancel()
	}
}

// Done is closed once the read loop has exited.
func (s *Sink) Done() <-chan struct{} { return s.done }

func (s *Sink) Stats() SinkStats {
	return SinkStats{
		TrackID:  s.Src.ID(),
		StreamID: s.Src.StreamID(),
		Kind:     s.Src.Kind().String(),
		State:    s.GetState(),
		Packets:  s.packets.Load(),
		Bytes:    s.bytes.Load(),
	}
}

// loop reads RTP packets from the remote track until detached or the track ends.
func (s *Sink) loop(ctx context.Context, logger *zerolog.Logger) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("sink ctx done")
			s.state.Store(int32(SinkStateDetached))
			return
		default:
		}
		pkt, _, err := s.Src.ReadRTP()
		if err != nil {
			logger.Info().Err(err).Msg("remote track ended")
			s.state.Store(int32(SinkStateDetached))
			return
		}
		s.consume(pkt)
	}
}

func (s *Sink) consume(pkt *rtp.Packet) {
	switch s.GetState() {
	case SinkStateOk:
		s.packets.Add(1)
		s.bytes.Add(uint64(len(pkt.Payload)))
	case SinkStateMuted, SinkStateDetached:
	}
}
