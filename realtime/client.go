package realtime

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 64 * 1024

	sendBuffer = 64

	eventsPerSecond = 10
	eventBurst      = 20
)

// Client is one authenticated websocket connection.
type Client struct {
	UserID   int64
	UserName string
	Send     chan []byte

	hub     *Hub
	conn    *websocket.Conn
	limiter *rate.Limiter
	logger  *zap.Logger

	// rooms is owned by the hub goroutine.
	rooms map[string]struct{}
}

func NewClient(hub *Hub, conn *websocket.Conn, userID int64, userName string, logger *zap.Logger) *Client {
	return &Client{
		UserID:   userID,
		UserName: userName,
		Send:     make(chan []byte, sendBuffer),
		hub:      hub,
		conn:     conn,
		limiter:  rate.NewLimiter(eventsPerSecond, eventBurst),
		logger:   logger,
		rooms:    make(map[string]struct{}),
	}
}

// ReadPump reads frames until the connection fails and passes each one to
// the dispatcher.
func (c *Client) ReadPump(ctx context.Context, d *Dispatcher) {
	defer func() {
		c.hub.Unregister(c)
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
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("Realtime connection closed unexpectedly", zap.Int64("user_id", c.UserID), zap.Error(err))
			}
			return
		}

		if !c.limiter.Allow() {
			c.hub.SendTo(c, EventMessageError, ErrorPayload{Error: "Rate limit exceeded"})
			continue
		}
		d.Handle(ctx, c, message)
	}
}

// WritePump writes queued frames and keeps the connection alive with pings.
// Each frame goes out as its own websocket message.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
