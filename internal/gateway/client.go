package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lifeops/agentd/internal/common/logger"
	"github.com/lifeops/agentd/pkg/wire"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB
)

// Client represents a single WebSocket connection.
type Client struct {
	ID          string
	Channel     string
	ConnectedAt time.Time

	conn *websocket.Conn
	hub  *Hub
	send chan []byte

	// Session IDs this client is subscribed to. Guarded by hub.mu.
	subscriptions map[string]bool

	dispatcher *wire.Dispatcher

	// heartbeat is the ping period; a client with no liveness signal for two
	// periods is evicted.
	heartbeat time.Duration

	mu            sync.RWMutex
	authenticated bool

	logger *logger.Logger
}

// NewClient creates a new WebSocket client. With authenticated true the
// client starts in local-trust mode and never needs an auth message.
func NewClient(id string, conn *websocket.Conn, hub *Hub, dispatcher *wire.Dispatcher,
	heartbeat time.Duration, authenticated bool, log *logger.Logger) *Client {
	return &Client{
		ID:            id,
		ConnectedAt:   time.Now().UTC(),
		conn:          conn,
		hub:           hub,
		send:          make(chan []byte, 256),
		subscriptions: make(map[string]bool),
		dispatcher:    dispatcher,
		heartbeat:     heartbeat,
		authenticated: authenticated,
		logger:        log.WithFields(zap.String("client_id", id)),
	}
}

// Authenticated reports whether the client has passed auth.
func (c *Client) Authenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated
}

// SetAuthenticated marks the client as authenticated.
func (c *Client) SetAuthenticated() {
	c.mu.Lock()
	c.authenticated = true
	c.mu.Unlock()
}

func (c *Client) livenessWindow() time.Duration {
	return 2 * c.heartbeat
}

// ReadPump pumps messages from the WebSocket connection to the dispatcher.
// Any inbound frame, pong included, counts as liveness.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.livenessWindow()))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.livenessWindow()))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket read error", zap.Error(err))
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(c.livenessWindow()))

		var msg wire.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			// Malformed input is local to this client.
			c.logger.Warn("Failed to parse message", zap.Error(err))
			c.SendMessage(wire.NewError("", wire.ErrorCodeBadRequest, "invalid message format"))
			continue
		}

		c.handleMessage(ctx, &msg)
	}
}

// handleMessage enforces the auth gate and dispatches one inbound message.
func (c *Client) handleMessage(ctx context.Context, msg *wire.Message) {
	c.logger.Debug("Received message",
		zap.String("type", msg.Type),
		zap.String("id", msg.ID))

	if !c.Authenticated() && msg.Type != wire.TypeAuth && msg.Type != wire.TypePing {
		c.SendMessage(wire.NewError(msg.ID, wire.ErrorCodeAuthRequired, "authenticate first"))
		return
	}

	response, err := c.dispatcher.Dispatch(ctx, c.ID, msg)
	if err != nil {
		c.logger.Error("Handler error",
			zap.String("type", msg.Type),
			zap.Error(err))
		c.SendMessage(wire.NewError(msg.ID, errorCode(err), err.Error()))
		return
	}
	if response != nil {
		c.SendMessage(response)
	}
}

// SendMessage queues a message for delivery to the client. Best effort.
func (c *Client) SendMessage(msg *wire.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("Failed to marshal message", zap.Error(err))
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("Client send buffer full")
	}
}

// WritePump pumps messages from the hub to the WebSocket connection and
// drives the heartbeat pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.heartbeat)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)
			if err := w.Close(); err != nil {
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
