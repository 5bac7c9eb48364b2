package call

import (
	"context"
	"sync"

	"github.com/dkeye/voicecall/internal/core"
	"github.com/dkeye/voicecall/internal/domain"
)

// session is one call attempt in one room. It exclusively owns the peer link.
type session struct {
	room                domain.RoomID
	role                domain.Role
	link                core.PeerLink
	localTracksAttached bool

	cancelJoin context.CancelFunc
	settled    chan struct{}
	settleOnce sync.Once
}

func newSession(room domain.RoomID, link core.PeerLink) *session {
	return &session{
		room:    room,
		link:    link,
		settled: make(chan struct{}),
	}
}

// settle marks the join outcome as known, whatever it was.
func (s *session) settle() {
	s.settleOnce.Do(func() { close(s.settled) })
}
