// Package gateway implements the loopback control-plane server: the WebSocket
// hub, the client connection registry, and the protocol handlers. The gateway
// brokers between clients and the execution manager over the event bus; it
// never runs executions itself.
package gateway

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/lifeops/agentd/internal/common/logger"
	"github.com/lifeops/agentd/pkg/wire"
)

// Hub manages all WebSocket client connections and the per-session
// subscriber sets.
type Hub struct {
	clients map[string]*Client

	// Clients subscribed to specific sessions (for stream event fan-out)
	sessionSubscribers map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a new WebSocket hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:            make(map[string]*Client),
		sessionSubscribers: make(map[string]map[*Client]bool),
		register:           make(chan *Client),
		unregister:         make(chan *Client),
		logger:             log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Run starts the hub's main processing loop.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			h.mu.Unlock()
			h.logger.Debug("Client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

// closeAllClients closes all client connections.
func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, client := range h.clients {
		close(client.send)
		delete(h.clients, id)
	}
	h.sessionSubscribers = make(map[string]map[*Client]bool)
}

// removeClient removes a client from the hub and all its subscriptions.
func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)
	close(client.send)

	for sessionID := range client.subscriptions {
		if clients, ok := h.sessionSubscribers[sessionID]; ok {
			delete(clients, client)
			if len(clients) == 0 {
				delete(h.sessionSubscribers, sessionID)
			}
		}
	}
	h.logger.Debug("Client unregistered", zap.String("client_id", client.ID))
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Client returns the registered client with the given id, or nil.
func (h *Hub) Client(id string) *Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients[id]
}

// BroadcastToSession sends pre-marshaled data to clients subscribed to a
// session. Delivery is best effort: a full client buffer never blocks the
// others, the write pump evicts dead connections. The lock is held across
// the sends; send channels are only closed under the write lock, so a
// disconnecting client cannot race the fan-out. The sends never block.
func (h *Hub) BroadcastToSession(sessionID string, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.sessionSubscribers[sessionID] {
		select {
		case client.send <- data:
		default:
			h.logger.Warn("Dropping session event, client buffer full",
				zap.String("client_id", client.ID),
				zap.String("session_id", sessionID))
		}
	}
}

// Subscribe subscribes a client to a session's stream events.
func (h *Hub) Subscribe(client *Client, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.sessionSubscribers[sessionID]; !ok {
		h.sessionSubscribers[sessionID] = make(map[*Client]bool)
	}
	h.sessionSubscribers[sessionID][client] = true
	client.subscriptions[sessionID] = true

	h.logger.Debug("Client subscribed to session",
		zap.String("client_id", client.ID),
		zap.String("session_id", sessionID))
}

// Unsubscribe removes a client from a session's subscriber set.
func (h *Hub) Unsubscribe(client *Client, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(client.subscriptions, sessionID)
	if clients, ok := h.sessionSubscribers[sessionID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.sessionSubscribers, sessionID)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ClientInfos returns a status snapshot of all connected clients.
func (h *Hub) ClientInfos() []wire.ClientInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()

	infos := make([]wire.ClientInfo, 0, len(h.clients))
	for _, client := range h.clients {
		info := wire.ClientInfo{
			ID:          client.ID,
			Channel:     client.Channel,
			ConnectedAt: client.ConnectedAt,
		}
		for sessionID := range client.subscriptions {
			info.Sessions = append(info.Sessions, sessionID)
		}
		infos = append(infos, info)
	}
	return infos
}
