package signal

import (
	"context"
	"errors"
	"time"

	"github.com/dkeye/Mesh/internal/domain"
	"github.com/dkeye/Mesh/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.pingPeriod())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Msg("writePump ctx done")
			c.Close()
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump ping error")
				c.Close()
				return
			}
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				c.Close()
				return
			}
		}
	}
}

// readPump owns the participant lifetime: when the socket dies the
// participant leaves its room exactly as on an explicit leave.
func (ctl *SignalWSController) readPump(ctx context.Context, cancel context.CancelFunc, sid domain.UserID, token string, c *WsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("readPump closing")
		ctl.Coord.Disconnect(sid)
		c.Close()
		cancel()
	}()

	limit := ctl.ReadLimit
	if limit <= 0 {
		limit = DefaultReadLimit
	}
	pongWait := ctl.pingPeriod() * 2
	c.conn.SetReadLimit(limit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("readPump read error")
				}
				return
			}
			_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
			ctl.handleSignal(sid, token, c, data)
		}
	}
}

func (ctl *SignalWSController) handleSignal(sid domain.UserID, token string, c *WsSignalConn, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("bad message")
		ctl.replyError(c, err)
		return
	}

	switch m := msg.(type) {
	case protocol.JoinRoom:
		ctl.handleJoin(sid, c, m)
	case protocol.LeaveRoom:
		ctl.handleLeave(sid)
	case protocol.Signal:
		ctl.handleRelay(sid, c, m)
	case protocol.Chat:
		ctl.handleChat(sid, token, c, m)
	case protocol.MuteOne:
		ctl.reply(c, sid, ctl.Coord.MuteOne(sid, m.TargetID, m.Muted))
	case protocol.MuteAll:
		ctl.reply(c, sid, ctl.Coord.MuteAll(sid, m.Muted))
	case protocol.Ping:
		ctl.handlePing(c)
	default:
		log.Warn().Str("module", "signal").Str("type", string(msg.MessageType())).Msg("unexpected message from client")
		ctl.replyError(c, domain.ErrProtocol)
	}
}

// reply reports err to the sender. Unknown targets are dropped silently.
func (ctl *SignalWSController) reply(c *WsSignalConn, sid domain.UserID, err error) {
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrUnknownTarget):
		log.Debug().Str("module", "signal").Str("sid", string(sid)).Msg("target not in room, dropped")
	default:
		ctl.replyError(c, err)
	}
}

func (ctl *SignalWSController) replyError(c *WsSignalConn, err error) {
	ctl.sendJSON(c, protocol.Error{Type: protocol.TypeError, Reason: err.Error()})
}

func (ctl *SignalWSController) sendJSON(c *WsSignalConn, m protocol.Message) {
	b, err := protocol.Encode(m)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	_ = c.TrySend(b)
}

func (ctl *SignalWSController) pingPeriod() time.Duration {
	if ctl.PingPeriod <= 0 {
		return DefaultPingPeriod
	}
	return ctl.PingPeriod
}
