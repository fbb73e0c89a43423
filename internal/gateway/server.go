package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lifeops/agentd/internal/common/config"
	"github.com/lifeops/agentd/internal/common/logger"
	"github.com/lifeops/agentd/internal/events/bus"
	"github.com/lifeops/agentd/internal/session/repository"
	"github.com/lifeops/agentd/internal/transcript"
	"github.com/lifeops/agentd/pkg/wire"
)

// Server is the loopback control-plane HTTP/WebSocket server.
type Server struct {
	cfg        config.ServerConfig
	httpServer *http.Server
	hub        *Hub
	handlers   *Handlers
	dispatcher *wire.Dispatcher
	bus        bus.EventBus
	sub        bus.Subscription
	logger     *logger.Logger
}

// NewServer creates the gateway server and wires its routes.
func NewServer(cfg config.ServerConfig, eventBus bus.EventBus, repo repository.Repository,
	store *transcript.Store, active ActiveCounter, log *logger.Logger) *Server {
	hub := NewHub(log)
	handlers, dispatcher := NewHandlers(cfg.Secret, cfg.Bind, cfg.Port,
		hub, eventBus, repo, store, active, log)

	s := &Server{
		cfg:        cfg,
		hub:        hub,
		handlers:   handlers,
		dispatcher: dispatcher,
		bus:        eventBus,
		logger:     log.WithFields(zap.String("component", "gateway-server")),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/ws", s.handleWebSocket)
	router.GET("/health", s.handleHealth)
	router.GET("/status", s.handleStatus)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Bind, cfg.Port),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeoutDuration(),
		WriteTimeout: cfg.WriteTimeoutDuration(),
	}
	return s
}

// Start runs the hub, subscribes to the session event stream, and serves
// until the listener fails or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)

	sub, err := s.bus.Subscribe(bus.SubjectSessionEvents, s.handleSessionEvent)
	if err != nil {
		return fmt.Errorf("failed to subscribe to session events: %w", err)
	}
	s.sub = sub

	s.logger.Info("Control-plane server listening",
		zap.String("addr", s.httpServer.Addr),
		zap.Bool("auth_required", s.cfg.Secret != ""))

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
	return s.httpServer.Shutdown(ctx)
}

// handleSessionEvent fans one manager-published event out to the session's
// subscribers. The wire message is re-marshaled from the event data so the
// same code path serves the memory bus and a NATS round trip.
func (s *Server) handleSessionEvent(ctx context.Context, e *bus.Event) error {
	sessionID := e.String("session_id")
	if sessionID == "" {
		s.logger.Warn("session event without session_id", zap.String("type", e.Type))
		return nil
	}
	data, err := json.Marshal(e.Data["message"])
	if err != nil {
		return fmt.Errorf("failed to marshal session event: %w", err)
	}
	s.hub.BroadcastToSession(sessionID, data)
	return nil
}

// The daemon is loopback-bound; cross-origin browser access is a local
// client's own concern.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleWebSocket upgrades the connection and starts the client pumps.
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}

	heartbeat := s.cfg.HeartbeatIntervalDuration()
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}

	// With no configured secret every local connection is trusted.
	client := NewClient(uuid.New().String(), conn, s.hub, s.dispatcher,
		heartbeat, s.cfg.Secret == "", s.logger)
	s.hub.Register(client)

	// The request context dies when this handler returns; the pumps outlive
	// it on the hijacked connection.
	go client.WritePump()
	go client.ReadPump(context.Background())

	// Local-trust clients learn their id without an auth round trip.
	if s.cfg.Secret == "" {
		if msg, err := wire.NewMessage(wire.TypeAuthOK, wire.AuthOKPayload{ClientID: client.ID}); err == nil {
			client.SendMessage(msg)
		}
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStatus(c *gin.Context) {
	status, err := s.handlers.Status(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, status)
}
