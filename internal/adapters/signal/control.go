package signal

import (
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/dkeye/Mesh/internal/protocol"
)

func (ctl *SignalWSController) handlePing(
	conn *WsSignalConn,
) {
	ctl.sendJSON(conn, protocol.Pong{Type: protocol.TypePong})
}

func (ctl *SignalWSController) handleChat(
	sid domain.UserID,
	token string,
	conn *WsSignalConn,
	m protocol.Chat,
) {
	if ctl.Limiter != nil && !ctl.Limiter.Allow(token) {
		ctl.replyError(conn, domain.ErrRateLimited)
		return
	}
	ctl.reply(conn, sid, ctl.Coord.Chat(sid, m.Text))
}
