package signal

import (
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/dkeye/Mesh/internal/protocol"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) handleJoin(
	sid domain.UserID,
	conn *WsSignalConn,
	m protocol.JoinRoom,
) {
	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("room_id", m.RoomID).Msg("join")
	if _, err := ctl.Coord.Admit(sid, conn, m.DisplayName, m.RoomID); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("join rejected")
		ctl.replyError(conn, err)
	}
}

// handleLeave leaves the current room; the connection stays open.
func (ctl *SignalWSController) handleLeave(sid domain.UserID) {
	log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("leave")
	ctl.Coord.Remove(sid)
}

func (ctl *SignalWSController) handleRelay(
	sid domain.UserID,
	conn *WsSignalConn,
	m protocol.Signal,
) {
	ctl.reply(conn, sid, ctl.Coord.Relay(sid, m))
}
