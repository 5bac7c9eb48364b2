package orch

import (
	"errors"

	"github.com/dkeye/voicecall/internal/core"
	"github.com/dkeye/voicecall/internal/domain"
	"github.com/dkeye/voicecall/internal/protocol"
	"github.com/rs/zerolog/log"
)

// Join places sid in room and returns the acknowledgment code for the request.
// Members already in the room are not told yet; see AnnounceJoin.
func (o *Orchestrator) Join(sid core.SessionID, roomID domain.RoomID) (int, string) {
	session, ok := o.Registry.GetSession(sid)
	if !ok {
		o.Metrics.Join(protocol.CodeBadRequest)
		return protocol.CodeBadRequest, "unknown session"
	}
	current, _, inRoom := o.Registry.RoomOf(sid)
	if inRoom && current == roomID {
		o.Metrics.Join(protocol.CodeConflict)
		return protocol.CodeConflict, "already in room"
	}
	if inRoom {
		o.Leave(sid)
		log.Info().Str("module", "orch").Str("sid", string(sid)).Str("from_room", string(current)).Msg("moved out of room")
	}

	if _, err := o.Rooms.AddMember(roomID, session); err != nil {
		code := protocol.CodeBadRequest
		if errors.Is(err, core.ErrRoomFull) {
			code = protocol.CodeRoomFull
		}
		o.Metrics.Join(code)
		log.Info().Str("module", "orch").Str("sid", string(sid)).Str("room", string(roomID)).Err(err).Msg("join refused")
		return code, err.Error()
	}
	o.Registry.UpdateRoom(sid, roomID)
	o.Metrics.Join(protocol.CodeOK)
	log.Info().Str("module", "orch").Str("sid", string(sid)).Str("room", string(roomID)).Msg("added to room")
	return protocol.CodeOK, ""
}

// AnnounceJoin tells the other members of sid's room that it arrived.
func (o *Orchestrator) AnnounceJoin(sid core.SessionID) {
	roomID, _, ok := o.Registry.RoomOf(sid)
	if !ok {
		return
	}
	o.notify(roomID, sid, protocol.TypeJoinNotify)
}

// Leave removes sid from its room, tells the remaining members and
// drops the room once empty. It reports the room left, if any.
func (o *Orchestrator) Leave(sid core.SessionID) (domain.RoomID, bool) {
	roomID, _, ok := o.Registry.RoomOf(sid)
	if !ok {
		return "", false
	}
	o.cleanupMembership(sid, roomID)
	o.notify(roomID, sid, protocol.TypeLeaveNotify)
	o.Rooms.StopRoom(roomID)
	log.Info().Str("module", "orch").Str("sid", string(sid)).Str("room", string(roomID)).Msg("left room")
	return roomID, true
}

// KickBySID removes sid from its room and closes its connection.
func (o *Orchestrator) KickBySID(sid core.SessionID) {
	o.Leave(sid)
	o.Registry.Cancel(sid)
}

// OnDisconnect cleans up after a closed connection.
func (o *Orchestrator) OnDisconnect(sid core.SessionID) {
	o.Leave(sid)
	o.Registry.Unbind(sid)
}

// EvictRoom kicks every member of the room.
func (o *Orchestrator) EvictRoom(id domain.RoomID) {
	for _, snap := range o.Registry.MembersOfRoom(id) {
		o.KickBySID(snap.SID)
	}
	o.Rooms.StopRoom(id)
}

func (o *Orchestrator) cleanupMembership(sid core.SessionID, roomID domain.RoomID) {
	if room, ok := o.Rooms.GetRoom(roomID); ok {
		room.RemoveMember(sid)
	}
	o.Registry.RemoveRoom(sid)
}

func (o *Orchestrator) notify(roomID domain.RoomID, from core.SessionID, t protocol.EventType) {
	room, ok := o.Rooms.GetRoom(roomID)
	if !ok {
		return
	}
	frame, err := encode(protocol.Notify(t, string(roomID)))
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Msg("encode notify")
		return
	}
	o.broadcast(room, from, frame)
}
