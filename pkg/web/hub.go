package web

import (
	"context"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dbehnke/fleet-bridge/pkg/logger"
)

const (
	clientSendBuffer = 64
	writeWait        = 5 * time.Second
)

// client is one browser connection. Only its writePump writes to conn.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// WebSocketHub fans broadcast messages out to every connected client
type WebSocketHub struct {
	clients    map[*client]bool
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	logger     *logger.Logger

	// snapshot builds the first message for a newly registered client
	snapshot func() []byte
}

func newHub(log *logger.Logger) *WebSocketHub {
	return &WebSocketHub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		logger:     log,
	}
}

// run owns the client set until ctx is cancelled
func (hub *WebSocketHub) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for c := range hub.clients {
				delete(hub.clients, c)
				close(c.send)
			}
			return

		case c := <-hub.register:
			// The snapshot is taken here so no broadcast can fall between it
			// and the client joining
			if hub.snapshot != nil {
				if msg := hub.snapshot(); msg != nil {
					c.send <- msg
				}
			}
			hub.clients[c] = true

		case c := <-hub.unregister:
			if _, ok := hub.clients[c]; ok {
				delete(hub.clients, c)
				close(c.send)
			}

		case message := <-hub.broadcast:
			for c := range hub.clients {
				select {
				case c.send <- message:
				default:
					// Slow client; drop it rather than stall everyone else
					hub.logger.Warn("WebSocket client too slow, disconnecting",
						logger.String("remote", c.conn.RemoteAddr().String()))
					delete(hub.clients, c)
					close(c.send)
				}
			}
		}
	}
}

// writePump drains the client's send queue until it is closed
func (c *client) writePump(log *logger.Logger) {
	defer func() { _ = c.conn.Close() }()

	for message := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			log.Debug("WebSocket write failed", logger.Error(err))
			return
		}
	}

	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
}
