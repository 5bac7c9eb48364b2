package signal

import (
	"github.com/dkeye/voicecall/internal/core"
	"github.com/dkeye/voicecall/internal/domain"
	"github.com/dkeye/voicecall/internal/protocol"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) handleJoin(sid core.SessionID, conn *WsSignalConn, env protocol.Envelope) {
	roomID, err := domain.NewRoomID(env.Room)
	if err != nil {
		ctl.Orch.Metrics.Join(protocol.CodeBadRequest)
		ctl.sendJSON(conn, protocol.Ack(env.ID, protocol.CodeBadRequest, err.Error()))
		return
	}
	if !ctl.opts.Limiter.Allow(sid) {
		log.Warn().Str("module", "signal").Str("sid", string(sid)).Msg("join rate limited")
		ctl.Orch.Metrics.Join(protocol.CodeRateLimited)
		ctl.sendJSON(conn, protocol.Ack(env.ID, protocol.CodeRateLimited, "too many join attempts"))
		return
	}

	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("room_id", string(roomID)).Msg("join")
	code, reason := ctl.Orch.Join(sid, roomID)
	ctl.sendJSON(conn, protocol.Ack(env.ID, code, reason))
	if code == protocol.CodeOK {
		ctl.Orch.AnnounceJoin(sid)
	}
}

// handleLeave leaves the current room; the connection stays open.
func (ctl *SignalWSController) handleLeave(sid core.SessionID, conn *WsSignalConn, env protocol.Envelope) {
	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("room_id", env.Room).Msg("leave")
	ctl.Orch.Leave(sid)
	ctl.sendJSON(conn, protocol.Ack(env.ID, protocol.CodeOK, ""))
}

func (ctl *SignalWSController) handleMessage(sid core.SessionID, conn *WsSignalConn, env protocol.Envelope) {
	if len(env.Data) == 0 {
		ctl.sendJSON(conn, protocol.ErrorEnvelope("message without data"))
		return
	}
	if err := ctl.Orch.Forward(sid, domain.RoomID(env.Room), env.Data); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Str("room_id", env.Room).Msg("forward")
		ctl.sendJSON(conn, protocol.ErrorEnvelope(err.Error()))
	}
}
