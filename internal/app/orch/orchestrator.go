// Package orch drives the room relay: membership, join acknowledgment codes and
// fan-out of signaling frames between the members of a room.
package orch

import (
	"encoding/json"
	"errors"

	"github.com/dkeye/voicecall/internal/app"
	"github.com/dkeye/voicecall/internal/core"
	"github.com/dkeye/voicecall/internal/domain"
	"github.com/dkeye/voicecall/internal/metrics"
	"github.com/dkeye/voicecall/internal/protocol"
	"github.com/rs/zerolog/log"
)

var ErrNotInRoom = errors.New("not a member of the room")

type Orchestrator struct {
	Registry *app.Registry
	Rooms    core.RoomManager
	Policy   app.Policy
	Metrics  *metrics.Relay
}

// Forward relays an opaque payload from sid to the other members of room.
func (o *Orchestrator) Forward(sid core.SessionID, room domain.RoomID, data json.RawMessage) error {
	current, _, ok := o.Registry.RoomOf(sid)
	if !ok || current != room {
		return ErrNotInRoom
	}
	frame, err := encode(protocol.MessageEnvelope(string(room), data))
	if err != nil {
		return err
	}
	o.Metrics.Message()
	o.OnFrame(sid, frame)
	return nil
}

// OnFrame broadcasts an encoded frame to the room mates of sid and
// applies the backpressure policy to members that could not take it.
func (o *Orchestrator) OnFrame(sid core.SessionID, data core.Frame) {
	roomID, _, ok := o.Registry.RoomOf(sid)
	if !ok {
		return
	}
	room, ok := o.Rooms.GetRoom(roomID)
	if !ok {
		return
	}
	o.broadcast(room, sid, data)
}

func (o *Orchestrator) broadcast(room core.RoomService, from core.SessionID, data core.Frame) {
	res := room.Broadcast(from, data)
	o.Metrics.Dropped(len(res.Dropped))
	if o.Policy == nil {
		return
	}
	for _, slow := range res.Dropped {
		switch o.Policy.OnBackPressure(room, slow) {
		case app.KickMember:
			log.Warn().Str("module", "orch").Str("sid", string(slow.SID())).Msg("kicking slow member")
			o.KickBySID(slow.SID())
		case app.DropFrame, app.NoAction:
		}
	}
}

func encode(env protocol.Envelope) (core.Frame, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	return core.Frame(b), nil
}
