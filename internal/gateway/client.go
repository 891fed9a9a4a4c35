package gateway

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	clientSendBuffer = 64
	writeTimeout     = 10 * time.Second
	pingInterval     = 30 * time.Second
)

// client is one connected WebSocket peer with a buffered send queue.
type client struct {
	id   string
	conn *websocket.Conn

	sendCh    chan []byte
	closeOnce sync.Once
	done      chan struct{}
}

func newClient(id string, conn *websocket.Conn) *client {
	return &client{
		id:     id,
		conn:   conn,
		sendCh: make(chan []byte, clientSendBuffer),
		done:   make(chan struct{}),
	}
}

// send queues v for delivery. A full queue drops the frame; event streams
// tolerate gaps, blocked bus handlers do not.
func (c *client) send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("gateway.encode_failed", "client", c.id, "error", err)
		return
	}
	select {
	case c.sendCh <- data:
	case <-c.done:
	default:
		slog.Warn("gateway.client_slow_drop", "client", c.id)
	}
}

func (c *client) writePump() {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case data := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close()
				return
			}
		case <-ping.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}
