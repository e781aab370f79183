package websocket

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"codecollab-server/domain"
)

const (
	writeWait = 10 * time.Second
	// full document states travel in one frame
	maxMessageSize = 8 << 20
)

type Conn struct {
	id        string
	ws        *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	handler   domain.MessageHandler

	pingPeriod time.Duration
	pongWait   time.Duration
}

// NewConn wraps ws. The peer is pinged every heartbeat and dropped after two
// heartbeats without a pong.
func NewConn(id string, ws *websocket.Conn, h domain.MessageHandler, heartbeat time.Duration) *Conn {
	return &Conn{
		id:         id,
		ws:         ws,
		send:       make(chan []byte, 256),
		done:       make(chan struct{}),
		handler:    h,
		pingPeriod: heartbeat,
		pongWait:   2 * heartbeat,
	}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Send(data []byte) error {
	select {
	case <-c.done:
		return websocket.ErrCloseSent
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		return websocket.ErrCloseSent
	}
}

func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return c.ws.Close()
}

func (c *Conn) Start() {
	slog.Info("client connected", "clientId", c.id, "remote", c.ws.RemoteAddr().String())
	go c.writePump()
	go c.readPump()
}

func (c *Conn) readPump() {
	defer func() {
		c.handler.Disconnect(c)
		c.Close()
		slog.Info("client disconnected", "clientId", c.id)
	}()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
		return nil
	})

	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Error("read error", "clientId", c.id, "error", err)
			}
			return
		}
		if kind != websocket.BinaryMessage {
			slog.Debug("ignoring non-binary message", "clientId", c.id)
			continue
		}
		c.ws.SetReadDeadline(time.Now().Add(c.pongWait))

		c.handler.Handle(c, data)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case message := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.BinaryMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
