package gateway

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/lifeops/agentd/internal/common/errors"
	"github.com/lifeops/agentd/internal/common/logger"
	"github.com/lifeops/agentd/internal/events/bus"
	"github.com/lifeops/agentd/internal/session"
	"github.com/lifeops/agentd/internal/session/repository"
	"github.com/lifeops/agentd/internal/transcript"
	"github.com/lifeops/agentd/pkg/wire"
)

// ActiveCounter exposes the manager's live execution count for status
// reporting.
type ActiveCounter interface {
	ActiveCount() int
}

// Handlers implements the control-plane protocol operations behind the
// dispatcher. One instance serves all clients.
type Handlers struct {
	secret    string
	bind      string
	port      int
	startedAt time.Time

	hub    *Hub
	bus    bus.EventBus
	repo   repository.Repository
	store  *transcript.Store
	active ActiveCounter
	logger *logger.Logger
}

// NewHandlers creates the protocol handlers and registers them on a new
// dispatcher.
func NewHandlers(secret, bind string, port int, hub *Hub, eventBus bus.EventBus,
	repo repository.Repository, store *transcript.Store, active ActiveCounter,
	log *logger.Logger) (*Handlers, *wire.Dispatcher) {
	h := &Handlers{
		secret:    secret,
		bind:      bind,
		port:      port,
		startedAt: time.Now().UTC(),
		hub:       hub,
		bus:       eventBus,
		repo:      repo,
		store:     store,
		active:    active,
		logger:    log.WithFields(zap.String("component", "gateway")),
	}

	d := wire.NewDispatcher()
	d.RegisterFunc(wire.TypeAuth, h.handleAuth)
	d.RegisterFunc(wire.TypePing, h.handlePing)
	d.RegisterFunc(wire.TypeAgentRequest, h.handleAgentRequest)
	d.RegisterFunc(wire.TypeAgentCancel, h.handleAgentCancel)
	d.RegisterFunc(wire.TypeSessionList, h.handleSessionList)
	d.RegisterFunc(wire.TypeSessionResume, h.handleSessionResume)
	d.RegisterFunc(wire.TypeStatus, h.handleStatus)
	return h, d
}

// errorCode maps a handler error to its wire error code.
func errorCode(err error) string {
	return apperrors.CodeOf(err)
}

func (h *Handlers) handleAuth(ctx context.Context, clientID string, msg *wire.Message) (*wire.Message, error) {
	client := h.hub.Client(clientID)
	if client == nil {
		return nil, apperrors.InternalError("unknown client", nil)
	}

	var payload wire.AuthPayload
	if err := msg.ParsePayload(&payload); err != nil {
		return nil, apperrors.BadRequest("invalid auth payload")
	}

	// An empty configured secret means local-trust mode; the client was
	// already authenticated at connect, the message just gets its ok.
	if h.secret != "" && payload.Secret != h.secret {
		h.logger.Warn("Auth failure", zap.String("client_id", clientID))
		return wire.NewResponse(msg.ID, wire.TypeAuthFail, wire.ErrorPayload{
			Code:    wire.ErrorCodeAuthFailed,
			Message: "invalid secret",
		})
	}

	client.SetAuthenticated()
	client.Channel = payload.Channel
	return wire.NewResponse(msg.ID, wire.TypeAuthOK, wire.AuthOKPayload{ClientID: clientID})
}

func (h *Handlers) handlePing(ctx context.Context, clientID string, msg *wire.Message) (*wire.Message, error) {
	return wire.NewResponse(msg.ID, wire.TypePong, nil)
}

// handleAgentRequest subscribes the requester to the (possibly minted)
// session and hands the request to the manager over the bus. The response
// tells the client which session its request runs under.
func (h *Handlers) handleAgentRequest(ctx context.Context, clientID string, msg *wire.Message) (*wire.Message, error) {
	var payload wire.AgentRequestPayload
	if err := msg.ParsePayload(&payload); err != nil {
		return nil, apperrors.BadRequest("invalid agent.request payload")
	}
	if payload.Message == "" {
		return nil, apperrors.BadRequest("message is required")
	}
	if payload.SessionID == "" {
		payload.SessionID = uuid.New().String()
	}

	if client := h.hub.Client(clientID); client != nil {
		h.hub.Subscribe(client, payload.SessionID)
	}

	ev := bus.NewEvent("agent.requested", "gateway", map[string]interface{}{
		"session_id": payload.SessionID,
		"message":    payload.Message,
		"model":      payload.Model,
		"thinking":   payload.Thinking,
	})
	if err := h.bus.Publish(ctx, bus.SubjectAgentRequested, ev); err != nil {
		return nil, apperrors.Wrap(err, "failed to submit request")
	}

	h.logger.Info("Agent request accepted",
		zap.String("client_id", clientID),
		zap.String("session_id", payload.SessionID))

	return wire.NewResponse(msg.ID, wire.TypeSessionData, wire.SessionDataPayload{
		Session: &wire.Session{ID: payload.SessionID, Status: session.StatusActive},
	})
}

func (h *Handlers) handleAgentCancel(ctx context.Context, clientID string, msg *wire.Message) (*wire.Message, error) {
	var payload wire.AgentCancelPayload
	if err := msg.ParsePayload(&payload); err != nil || payload.SessionID == "" {
		return nil, apperrors.BadRequest("sessionId is required")
	}

	ev := bus.NewEvent("agent.cancel", "gateway", map[string]interface{}{
		"session_id": payload.SessionID,
	})
	if err := h.bus.Publish(ctx, bus.SubjectAgentCancel, ev); err != nil {
		return nil, apperrors.Wrap(err, "failed to submit cancel")
	}

	// No direct response: a cancelled execution answers with its terminal
	// event; an idle session stays silent.
	return nil, nil
}

// handleSessionList merges the repository's sessions with summaries derived
// from transcript files, so history written by earlier runs stays listable
// even when the repository starts empty.
func (h *Handlers) handleSessionList(ctx context.Context, clientID string, msg *wire.Message) (*wire.Message, error) {
	sessions, err := h.repo.List(ctx)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to list sessions")
	}

	out := make([]wire.Session, 0, len(sessions))
	known := make(map[string]bool, len(sessions))
	for _, s := range sessions {
		out = append(out, toWireSession(s))
		known[s.ID] = true
	}

	infos, err := h.store.List()
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to list transcripts")
	}
	for _, info := range infos {
		if known[info.ID] {
			continue
		}
		out = append(out, wire.Session{
			ID:           info.ID,
			CreatedAt:    info.CreatedAt,
			LastActivity: info.LastActivity,
			MessageCount: info.MessageCount,
			Status:       session.StatusIdle,
		})
	}
	return wire.NewResponse(msg.ID, wire.TypeSessionData, wire.SessionDataPayload{Sessions: out})
}

// handleSessionResume subscribes the client to an existing session and
// replays its transcript.
func (h *Handlers) handleSessionResume(ctx context.Context, clientID string, msg *wire.Message) (*wire.Message, error) {
	var payload wire.SessionResumePayload
	if err := msg.ParsePayload(&payload); err != nil || payload.SessionID == "" {
		return nil, apperrors.BadRequest("sessionId is required")
	}

	s, err := h.repo.Get(ctx, payload.SessionID)
	if err != nil {
		return nil, err
	}

	history, err := h.store.ReadRaw(payload.SessionID)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to read transcript")
	}

	if client := h.hub.Client(clientID); client != nil {
		h.hub.Subscribe(client, payload.SessionID)
	}

	ws := toWireSession(s)
	return wire.NewResponse(msg.ID, wire.TypeSessionData, wire.SessionDataPayload{
		Session: &ws,
		History: history,
	})
}

func (h *Handlers) handleStatus(ctx context.Context, clientID string, msg *wire.Message) (*wire.Message, error) {
	status, err := h.Status(ctx)
	if err != nil {
		return nil, err
	}
	return wire.NewResponse(msg.ID, wire.TypeStatusData, status)
}

// Status builds the daemon status snapshot shared by the status message and
// GET /status.
func (h *Handlers) Status(ctx context.Context) (*wire.StatusPayload, error) {
	sessions, err := h.repo.List(ctx)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to list sessions")
	}

	activeSessions := 0
	if h.active != nil {
		activeSessions = h.active.ActiveCount()
	}

	return &wire.StatusPayload{
		Running:        true,
		Port:           h.port,
		Bind:           h.bind,
		Uptime:         time.Since(h.startedAt).Round(time.Second).String(),
		Clients:        h.hub.ClientInfos(),
		ActiveSessions: activeSessions,
		TotalSessions:  len(sessions),
		PID:            os.Getpid(),
	}, nil
}

func toWireSession(s *session.Session) wire.Session {
	return wire.Session{
		ID:           s.ID,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.LastActivity,
		MessageCount: s.MessageCount,
		Model:        s.Model,
		Status:       s.Status,
	}
}
