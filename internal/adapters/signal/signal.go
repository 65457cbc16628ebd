package signal

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/Mesh/internal/app"
	"github.com/dkeye/Mesh/internal/core"
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	DefaultSendQueue  = 64
	DefaultReadLimit  = 64 << 10
	DefaultPingPeriod = 30 * time.Second
	writeWait         = 5 * time.Second
)

type SignalWSController struct {
	Coord   *app.Coordinator
	Limiter *RoomRateLimiter

	SendQueue  int
	ReadLimit  int64
	PingPeriod time.Duration
}

func NewSignalWSController(coord *app.Coordinator, limiter *RoomRateLimiter) *SignalWSController {
	return &SignalWSController{
		Coord:      coord,
		Limiter:    limiter,
		SendQueue:  DefaultSendQueue,
		ReadLimit:  DefaultReadLimit,
		PingPeriod: DefaultPingPeriod,
	}
}

// WsSignalConn is the server side of one participant channel.
// TrySend never blocks: a full queue reports ErrBackpressure.
type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func NewWsSignalConn(conn *websocket.Conn, queue int) *WsSignalConn {
	if queue <= 0 {
		queue = DefaultSendQueue
	}
	return &WsSignalConn{conn: conn, send: make(chan core.Frame, queue)}
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return domain.ErrChannelClosed
	}
	select {
	case c.send <- f:
	default:
		return domain.ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and serves one participant. Every
// connection gets a fresh server-side id; the browser client token only
// keys the chat rate limiter.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	sid := domain.NewUserID()
	token := c.GetString("client_token")
	if token == "" {
		token = string(sid)
	}
	log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Msg("ws upgrade")
		return
	}

	conn := NewWsSignalConn(ws, ctl.SendQueue)
	ctx, cancel := context.WithCancel(ctx)
	ctl.Coord.Connect(sid, conn, cancel)

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, sid, token, conn)
}
