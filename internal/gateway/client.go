package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"realtime-service/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8192
)

// Client is one upgraded socket. room and streams are guarded by the hub's
// mutex.
type Client struct {
	id     string
	userID string
	conn   *websocket.Conn
	hub    *Hub
	send   chan []byte

	room    string
	streams map[string]struct{}

	done      chan struct{}
	closeOnce sync.Once
}

// Serve registers conn for userID and starts its pumps. It returns
// immediately; the hub unregisters the client when the socket closes.
func (h *Hub) Serve(conn *websocket.Conn, userID string) *Client {
	c := &Client{
		id:      uuid.NewString(),
		userID:  userID,
		conn:    conn,
		hub:     h,
		send:    make(chan []byte, h.sendBuffer),
		streams: make(map[string]struct{}),
		done:    make(chan struct{}),
	}

	h.register(c)

	go c.writePump()
	go c.readPump()
	return c
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.logger.Error("WebSocket error", zap.String("user_id", c.userID), zap.Error(err))
			}
			return
		}

		var frame domain.Frame
		if err := json.Unmarshal(message, &frame); err != nil || frame.Event == "" {
			c.hub.metrics.IncrementMalformedFrame()
			c.hub.logger.Warn("Failed to parse frame", zap.String("user_id", c.userID), zap.Error(err))
			c.hub.sendError(c, "INVALID_FRAME", "frame must be a JSON object with an event")
			continue
		}

		c.hub.handleFrame(c, frame)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
