package signal

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/Mesh/internal/core"
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/dkeye/Mesh/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	clientWriteWait  = 10 * time.Second
	clientPongWait   = 60 * time.Second
	clientPingPeriod = (clientPongWait * 9) / 10
)

// ClientConn is the participant side of the signaling channel.
type ClientConn struct {
	conn     *websocket.Conn
	incoming chan protocol.Message
	outgoing chan core.Frame
	done     chan struct{}
	once     sync.Once
}

// Dial connects to the coordinator websocket endpoint.
func Dial(ctx context.Context, serverURL string, header http.Header) (*ClientConn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, serverURL, header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	c := &ClientConn{
		conn:     conn,
		incoming: make(chan protocol.Message, DefaultSendQueue),
		outgoing: make(chan core.Frame, DefaultSendQueue),
		done:     make(chan struct{}),
	}
	c.conn.SetReadLimit(DefaultReadLimit)
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(clientPongWait))
	})

	go c.readPump()
	go c.writePump()
	return c, nil
}

// readPump decodes server messages; undecodable frames are logged and skipped.
func (c *ClientConn) readPump() {
	defer func() {
		c.Close()
		close(c.incoming)
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(clientPongWait))
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			log.Warn().Err(err).Str("module", "signal.client").Msg("dropping message")
			continue
		}
		select {
		case c.incoming <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *ClientConn) writePump() {
	ticker := time.NewTicker(clientPingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.outgoing:
			_ = c.conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Warn().Err(err).Str("module", "signal.client").Msg("write error")
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(clientWriteWait))
			return
		}
	}
}

// Send queues m without blocking.
func (c *ClientConn) Send(m protocol.Message) error {
	frame, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return domain.ErrChannelClosed
	default:
	}
	select {
	case c.outgoing <- frame:
		return nil
	case <-c.done:
		return domain.ErrChannelClosed
	default:
		return domain.ErrBackpressure
	}
}

func (c *ClientConn) SendSignal(m protocol.Signal) error { return c.Send(m) }

// Incoming is closed when the connection goes down.
func (c *ClientConn) Incoming() <-chan protocol.Message {
	return c.incoming
}

func (c *ClientConn) Done() <-chan struct{} { return c.done }

func (c *ClientConn) Close() {
	c.once.Do(func() { close(c.done) })
}
