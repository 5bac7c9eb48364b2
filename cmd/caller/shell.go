package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/dkeye/voicecall/internal/app/call"
	"github.com/dkeye/voicecall/internal/app/media"
	"github.com/dkeye/voicecall/internal/domain"
)

// controller is the part of call.Coordinator the shell drives.
type controller interface {
	Start(ctx context.Context) error
	Join(ctx context.Context, room string) error
	Leave(ctx context.Context) error
	Controls() domain.Controls
	State() domain.State
	Role() domain.Role
	RoomID() domain.RoomID
}

type mediaView interface {
	Mute(trackID string, muted bool) bool
	Stats() []media.SinkStats
}

// shell reads commands from the terminal. Join runs in the background so
// leave can interrupt a join that is still waiting for the relay.
type shell struct {
	coord    controller
	renderer mediaView

	outMu sync.Mutex
	out   io.Writer

	mu   sync.Mutex
	room string

	joins sync.WaitGroup
}

func newShell(coord controller, renderer mediaView, room string, out io.Writer) *shell {
	return &shell{coord: coord, renderer: renderer, room: room, out: out}
}

func (s *shell) printf(format string, args ...any) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	_, _ = fmt.Fprintf(s.out, format, args...)
}

func (s *shell) prompt() {
	c := s.coord.Controls()
	var enabled []string
	if c.Start {
		enabled = append(enabled, "start")
	}
	if c.Join {
		enabled = append(enabled, "join <room>")
	}
	if c.Leave {
		enabled = append(enabled, "leave")
	}
	enabled = append(enabled, "status", "quit")
	s.printf("[%s] %s > ", s.coord.State(), strings.Join(enabled, " | "))
}

// exec runs one command line and reports whether the shell should keep going.
func (s *shell) exec(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return true
	}
	switch fields[0] {
	case "start":
		s.report(s.coord.Start(ctx))
	case "join":
		s.mu.Lock()
		room := s.room
		s.mu.Unlock()
		if len(fields) > 1 {
			room = fields[1]
		}
		s.joinAsync(ctx, room)
	case "leave":
		s.report(s.coord.Leave(ctx))
	case "mute", "unmute":
		if len(fields) < 2 {
			s.printf("usage: %s <track id>\n", fields[0])
			return true
		}
		if !s.renderer.Mute(fields[1], fields[0] == "mute") {
			s.printf("no such track\n")
		}
	case "status":
		s.status()
	case "quit", "exit":
		return false
	default:
		s.printf("unknown command\n")
	}
	return true
}

func (s *shell) joinAsync(ctx context.Context, room string) {
	s.printf("joining %s...\n", room)
	s.joins.Add(1)
	go func() {
		defer s.joins.Done()
		err := s.coord.Join(ctx, room)
		if err != nil {
			s.report(err)
			return
		}
		s.mu.Lock()
		s.room = room
		s.mu.Unlock()
		s.printf("joined %s\n", room)
	}()
}

// wait blocks until background joins have returned.
func (s *shell) wait() {
	s.joins.Wait()
}

func (s *shell) report(err error) {
	if err == nil {
		return
	}
	var rejected *call.JoinRejectedError
	switch {
	case errors.As(err, &rejected):
		s.printf("join rejected: %d %s\n", rejected.Code, rejected.Reason)
	case errors.Is(err, call.ErrJoinCanceled), errors.Is(err, context.Canceled):
		s.printf("join cancelled\n")
	default:
		s.printf("error: %v\n", err)
	}
}

func (s *shell) status() {
	room := s.coord.RoomID()
	if room == "" {
		room = domain.RoomID("-")
	}
	s.printf("state=%s role=%s room=%s\n", s.coord.State(), s.coord.Role(), room)
	for _, st := range s.renderer.Stats() {
		s.printf("  %s %s packets=%d bytes=%d state=%d\n", st.Kind, st.TrackID, st.Packets, st.Bytes, st.State)
	}
}
