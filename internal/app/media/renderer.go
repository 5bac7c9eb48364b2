// Package media renders remote tracks of the current call.
package media

import (
	"context"
	"sort"
	"sync"

	"github.com/dkeye/voicecall/internal/core"
	"github.com/rs/zerolog/log"
)

// Renderer keeps one Sink per remote track id. It implements core.RemoteRenderer.
type Renderer struct {
	mu    sync.RWMutex
	sinks map[string]*Sink
}

func NewRenderer() *Renderer {
	return &Renderer{
		sinks: make(map[string]*Sink),
	}
}

// Attach starts a sink for track, replacing any sink for the same track id.
func (r *Renderer) Attach(ctx context.Context, track core.RemoteTrack) {
	logger := log.With().
		Str("module", "media").
		Str("track_id", track.ID()).
		Str("kind", track.Kind().String()).
		Logger()

	sinkCtx, cancel := context.WithCancel(ctx)
	sink := NewSink(track, cancel)

	r.mu.Lock()
	if old, ok := r.sinks[track.ID()]; ok {
		logger.Info().Msg("replacing existing sink for track")
		old.Detach()
	}
	r.sinks[track.ID()] = sink
	r.mu.Unlock()

	logger.Info().Msg("starting sink loop")
	go sink.loop(sinkCtx, &logger)
}

// Mute keeps draining the track but stops counting it as played.
func (r *Renderer) Mute(trackID string, muted bool) bool {
	r.mu.RLock()
	sink, ok := r.sinks[trackID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if muted {
		sink.MarkMuted()
	} else {
		sink.MarkOk()
	}
	return true
}

// DetachAll stops every sink and forgets them.
func (r *Renderer) DetachAll() {
	r.mu.Lock()
	sinks := r.sinks
	r.sinks = make(map[string]*Sink)
	r.mu.Unlock()

	for _, s := range sinks {
		s.Detach()
	}
	if len(sinks) > 0 {
		log.Info().Str("module", "media").Int("sinks", len(sinks)).Msg("detached remote media")
	}
}

func (r *Renderer) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sinks)
}

// Stats returns a snapshot of all attached sinks ordered by track id.
func (r *Renderer) Stats() []SinkStats {
	r.mu.RLock()
	out := make([]SinkStats, 0, len(r.sinks))
	for _, s := range r.sinks {
		out = append(out, s.Stats())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].TrackID < out[j].TrackID })
	return out
}
