// Package manager orchestrates active agent executions. It owns the
// session-to-execution map, enforces the one-active-execution-per-session
// rule, wires supervised events into the transcript store and the event bus,
// and performs the one-time fallback retry on rate-limited executions.
package manager

import (
	"context"
	"sync"

	"go.uber.org/zap"

	apperrors "github.com/lifeops/agentd/internal/common/errors"
	"github.com/lifeops/agentd/internal/common/logger"
	"github.com/lifeops/agentd/internal/events/bus"
	"github.com/lifeops/agentd/internal/runtime"
	"github.com/lifeops/agentd/internal/session"
	"github.com/lifeops/agentd/internal/session/repository"
	"github.com/lifeops/agentd/internal/supervisor"
	"github.com/lifeops/agentd/internal/transcript"
	"github.com/lifeops/agentd/pkg/wire"
)

// Config tunes the manager.
type Config struct {
	// Model is the default model profile when a request names none.
	Model string
	// FallbackModel is used for the one-time retry after a rate-limited
	// execution. Empty disables the retry.
	FallbackModel string
	// MaxConcurrent bounds simultaneously active executions. Defaults to 5.
	MaxConcurrent int
	// MaxQueued bounds requests waiting for capacity. Defaults to 32.
	MaxQueued int
}

// SupervisorFactory builds one supervisor per execution, configured with the
// task goal.
type SupervisorFactory func(goal string) *supervisor.Supervisor

// Manager owns active executions.
type Manager struct {
	cfg           Config
	runner        runtime.Runner
	newSupervisor SupervisorFactory
	store         *transcript.Store
	repo          repository.Repository
	bus           bus.EventBus
	logger        *logger.Logger

	mu      sync.Mutex
	active  map[string]*activeExecution
	pending *requestQueue
	subs    []bus.Subscription
	wg      sync.WaitGroup
}

// activeExecution tracks one running supervised execution.
type activeExecution struct {
	sup      *supervisor.Supervisor
	prompt   string
	model    string
	thinking string
	attempt  int
}

// NewManager creates a manager.
func NewManager(cfg Config, runner runtime.Runner, factory SupervisorFactory,
	store *transcript.Store, repo repository.Repository, eventBus bus.EventBus,
	log *logger.Logger) *Manager {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}
	if cfg.MaxQueued <= 0 {
		cfg.MaxQueued = 32
	}
	return &Manager{
		cfg:           cfg,
		runner:        runner,
		newSupervisor: factory,
		store:         store,
		repo:          repo,
		bus:           eventBus,
		logger:        log.WithFields(zap.String("component", "manager")),
		active:        make(map[string]*activeExecution),
		pending:       newRequestQueue(cfg.MaxQueued),
	}
}

// Start subscribes the manager to the gateway's request subjects.
func (m *Manager) Start(ctx context.Context) error {
	reqSub, err := m.bus.Subscribe(bus.SubjectAgentRequested, func(ctx context.Context, e *bus.Event) error {
		m.HandleRequest(ctx, e.String("session_id"), e.String("message"), e.String("model"), e.String("thinking"))
		return nil
	})
	if err != nil {
		return err
	}
	cancelSub, err := m.bus.Subscribe(bus.SubjectAgentCancel, func(ctx context.Context, e *bus.Event) error {
		m.CancelSession(e.String("session_id"))
		return nil
	})
	if err != nil {
		_ = reqSub.Unsubscribe()
		return err
	}
	m.subs = append(m.subs, reqSub, cancelSub)
	return nil
}

// Stop cancels all active executions and waits for their terminal events to
// flush.
func (m *Manager) Stop(ctx context.Context) {
	for _, sub := range m.subs {
		_ = sub.Unsubscribe()
	}

	m.mu.Lock()
	for _, act := range m.active {
		act.sup.Cancel()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("shutdown grace period expired with executions still live")
	}
}

// ActiveCount returns the number of live executions.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// QueuedCount returns the number of requests waiting for capacity.
func (m *Manager) QueuedCount() int {
	return m.pending.len()
}

// HandleRequest starts an execution for a session, queues it when the
// manager is at capacity, or rejects it when the session already runs one.
func (m *Manager) HandleRequest(ctx context.Context, sessionID, prompt, model, thinking string) {
	if sessionID == "" || prompt == "" {
		m.logger.Warn("dropping malformed agent request",
			zap.String("session_id", sessionID))
		return
	}
	if model == "" {
		model = m.cfg.Model
	}

	m.mu.Lock()
	if _, running := m.active[sessionID]; running {
		m.mu.Unlock()
		m.logger.Warn("rejecting duplicate request for active session",
			zap.String("session_id", sessionID))
		m.publishError(sessionID, apperrors.Conflict("session already has an active execution"))
		return
	}
	if m.pending.contains(sessionID) {
		m.mu.Unlock()
		m.publishError(sessionID, apperrors.Conflict("session already has a queued request"))
		return
	}
	if len(m.active) >= m.cfg.MaxConcurrent {
		err := m.pending.enqueue(&queuedRequest{
			SessionID: sessionID,
			Prompt:    prompt,
			Model:     model,
			Thinking:  thinking,
		})
		m.mu.Unlock()
		if err != nil {
			m.publishError(sessionID, apperrors.Conflict("execution queue full"))
			return
		}
		m.logger.Info("request queued, manager at capacity",
			zap.String("session_id", sessionID))
		return
	}
	// The supervisor is set before the slot is visible so a cancel racing
	// the runner start always has something to act on.
	act := &activeExecution{
		prompt:   prompt,
		model:    model,
		thinking: thinking,
		sup:      m.newSupervisor(prompt),
	}
	m.active[sessionID] = act
	m.mu.Unlock()

	m.launch(ctx, sessionID, act)
}

// CancelSession cancels the session's active execution. Cancelling an idle
// session is a harmless no-op; a queued request is simply removed.
func (m *Manager) CancelSession(sessionID string) {
	if m.pending.remove(sessionID) {
		m.logger.Info("removed queued request on cancel",
			zap.String("session_id", sessionID))
		return
	}

	m.mu.Lock()
	act, ok := m.active[sessionID]
	m.mu.Unlock()
	if !ok {
		m.logger.Debug("cancel for idle session ignored",
			zap.String("session_id", sessionID))
		return
	}
	act.sup.Cancel()
}

// launch records the request, starts the supervised execution, and spawns
// the event pump. The caller has already claimed the active slot.
func (m *Manager) launch(ctx context.Context, sessionID string, act *activeExecution) {
	log := m.logger.WithSessionID(sessionID)

	if err := m.ensureSession(ctx, sessionID, act.model); err != nil {
		log.Error("failed to record session", zap.Error(err))
		m.release(sessionID)
		m.publishError(sessionID, apperrors.Wrap(err, "failed to record session"))
		return
	}

	// Retries reuse the already-recorded prompt.
	if act.attempt == 0 {
		if err := m.store.Append(sessionID, transcript.NewMessage(transcript.RoleUser, act.prompt, nil)); err != nil {
			log.Error("failed to append prompt to transcript", zap.Error(err))
			m.release(sessionID)
			m.publishError(sessionID, apperrors.Wrap(err, "failed to persist prompt"))
			return
		}
		_ = m.repo.Touch(ctx, sessionID, 1)
	}
	_ = m.repo.UpdateStatus(ctx, sessionID, session.StatusActive)

	if err := act.sup.Start(ctx, m.runner, runtime.Request{
		SessionID: sessionID,
		Prompt:    act.prompt,
		Model:     act.model,
		Thinking:  act.thinking,
	}); err != nil {
		log.Error("failed to start execution", zap.Error(err))
		m.finish(ctx, sessionID)
		m.publishError(sessionID, err)
		return
	}

	log.Info("execution started",
		zap.String("model", act.model),
		zap.Int("attempt", act.attempt))

	m.wg.Add(1)
	go m.pump(ctx, sessionID, act)
}

// pump drains the supervised event stream into the transcript and the bus.
func (m *Manager) pump(ctx context.Context, sessionID string, act *activeExecution) {
	defer m.wg.Done()
	log := m.logger.WithSessionID(sessionID)

	for ev := range act.sup.Events() {
		switch ev.Type {
		case supervisor.EventText:
			m.publish(sessionID, wire.TypeAgentStream, wire.StreamPayload{
				SessionID: sessionID,
				Text:      ev.Text,
			})
		case supervisor.EventToolUse:
			m.appendEvent(sessionID, "tool_use", wire.ToolUsePayload{
				SessionID: sessionID, Tool: ev.Tool, Input: ev.Input,
			})
			m.publish(sessionID, wire.TypeAgentToolUse, wire.ToolUsePayload{
				SessionID: sessionID, Tool: ev.Tool, Input: ev.Input,
			})
		case supervisor.EventToolResult:
			m.appendEvent(sessionID, "tool_result", wire.ToolResultPayload{
				SessionID: sessionID, Tool: ev.Tool, Output: ev.Output, IsError: ev.IsError,
			})
			m.publish(sessionID, wire.TypeAgentToolResult, wire.ToolResultPayload{
				SessionID: sessionID, Tool: ev.Tool, Output: ev.Output, IsError: ev.IsError,
			})
		case supervisor.EventSecurityViolation:
			m.appendEvent(sessionID, "security_violation", wire.SecurityViolationPayload{
				SessionID: sessionID, Tool: ev.Tool, Path: ev.Path,
			})
			m.publish(sessionID, wire.TypeAgentSecurityViolation, wire.SecurityViolationPayload{
				SessionID: sessionID, Tool: ev.Tool, Path: ev.Path,
			})
		case supervisor.EventEscalation:
			m.appendEvent(sessionID, "escalation", wire.EscalationPayload{
				SessionID: sessionID, Reasoning: ev.Reasoning, Message: ev.Message,
			})
			m.publish(sessionID, wire.TypeAgentEscalation, wire.EscalationPayload{
				SessionID: sessionID, Reasoning: ev.Reasoning, Message: ev.Message,
			})
		case supervisor.EventDone:
			m.handleDone(ctx, sessionID, act, ev)
			return
		case supervisor.EventError:
			m.handleError(ctx, sessionID, act, ev)
			return
		}
	}

	// The supervisor guarantees a terminal event; reaching here means it
	// broke that contract.
	log.Error("supervised event stream ended without a terminal event")
	m.finish(ctx, sessionID)
	m.publishError(sessionID, apperrors.InternalError("execution ended without a result", nil))
}

func (m *Manager) handleDone(ctx context.Context, sessionID string, act *activeExecution, ev supervisor.Event) {
	var result *wire.Result
	if ev.Result != nil {
		// Rate-limited output that still reached a natural end gets the
		// same one-time retry as a rate-limited failure.
		if ev.Result.RateLimited && m.retry(ctx, sessionID, act) {
			return
		}
		result = &wire.Result{
			Text:      ev.Result.Text,
			ToolsUsed: ev.Result.ToolsUsed,
			Tokens:    ev.Result.InputTokens + ev.Result.OutputTokens,
		}
		if ev.Result.Text != "" {
			if err := m.store.Append(sessionID, transcript.NewMessage(transcript.RoleAssistant, ev.Result.Text, nil)); err != nil {
				m.logger.WithSessionID(sessionID).Error("failed to append result to transcript", zap.Error(err))
			}
			_ = m.repo.Touch(ctx, sessionID, 1)
		}
	}

	payload := wire.DonePayload{
		SessionID: sessionID,
		Reason:    ev.Reason,
		Decision:  string(ev.Decision),
		Result:    result,
	}
	m.appendEvent(sessionID, "done", payload)
	m.finish(ctx, sessionID)
	m.publish(sessionID, wire.TypeAgentDone, payload)
}

func (m *Manager) handleError(ctx context.Context, sessionID string, act *activeExecution, ev supervisor.Event) {
	if apperrors.Is(ev.Err, apperrors.CodeRateLimited) && m.retry(ctx, sessionID, act) {
		return
	}

	payload := wire.AgentErrorPayload{
		SessionID: sessionID,
		Code:      apperrors.CodeOf(ev.Err),
		Message:   ev.Err.Error(),
	}
	m.appendEvent(sessionID, "error", payload)
	m.finish(ctx, sessionID)
	m.publish(sessionID, wire.TypeAgentError, payload)
}

// retry performs the one-time fallback-model retry for a rate-limited
// execution. Returns true when a retry was launched.
func (m *Manager) retry(ctx context.Context, sessionID string, act *activeExecution) bool {
	if act.attempt > 0 || m.cfg.FallbackModel == "" {
		return false
	}
	m.logger.WithSessionID(sessionID).Warn("rate limited, retrying with fallback model",
		zap.String("fallback_model", m.cfg.FallbackModel))

	next := &activeExecution{
		prompt:   act.prompt,
		model:    m.cfg.FallbackModel,
		thinking: act.thinking,
		attempt:  act.attempt + 1,
		sup:      m.newSupervisor(act.prompt),
	}
	m.mu.Lock()
	m.active[sessionID] = next
	m.mu.Unlock()

	m.launch(ctx, sessionID, next)
	return true
}

// ensureSession creates the session record on first use.
func (m *Manager) ensureSession(ctx context.Context, sessionID, model string) error {
	_, err := m.repo.Get(ctx, sessionID)
	if err == nil {
		return nil
	}
	if !apperrors.Is(err, apperrors.CodeNotFound) {
		return err
	}
	return m.repo.Create(ctx, &session.Session{ID: sessionID, Model: model})
}

// release frees the active slot without touching session state.
func (m *Manager) release(sessionID string) {
	m.mu.Lock()
	delete(m.active, sessionID)
	next := m.pending.dequeue()
	m.mu.Unlock()
	m.startQueued(next)
}

// finish frees the active slot, marks the session idle, and starts the next
// queued request if any.
func (m *Manager) finish(ctx context.Context, sessionID string) {
	_ = m.repo.UpdateStatus(ctx, sessionID, session.StatusIdle)
	m.release(sessionID)
}

func (m *Manager) startQueued(req *queuedRequest) {
	if req == nil {
		return
	}
	m.mu.Lock()
	if _, running := m.active[req.SessionID]; running {
		m.mu.Unlock()
		return
	}
	act := &activeExecution{
		prompt:   req.Prompt,
		model:    req.Model,
		thinking: req.Thinking,
		sup:      m.newSupervisor(req.Prompt),
	}
	m.active[req.SessionID] = act
	m.mu.Unlock()

	m.launch(context.Background(), req.SessionID, act)
}

// appendEvent writes one event entry to the session transcript.
func (m *Manager) appendEvent(sessionID, name string, data any) {
	entry, err := transcript.NewEvent(name, data)
	if err != nil {
		m.logger.WithSessionID(sessionID).Error("failed to build transcript event", zap.Error(err))
		return
	}
	if err := m.store.Append(sessionID, entry); err != nil {
		m.logger.WithSessionID(sessionID).Error("failed to append transcript event", zap.Error(err))
	}
}

// publish fans one wire message out to session subscribers via the bus.
func (m *Manager) publish(sessionID, msgType string, payload any) {
	msg, err := wire.NewMessage(msgType, payload)
	if err != nil {
		m.logger.Error("failed to build wire message", zap.Error(err))
		return
	}
	ev := bus.NewEvent(msgType, "manager", map[string]interface{}{
		"session_id": sessionID,
		"message":    msg,
	})
	if err := m.bus.Publish(context.Background(), bus.SubjectSessionEvents, ev); err != nil {
		m.logger.Error("failed to publish session event", zap.Error(err))
	}
}

func (m *Manager) publishError(sessionID string, err error) {
	m.publish(sessionID, wire.TypeAgentError, wire.AgentErrorPayload{
		SessionID: sessionID,
		Code:      apperrors.CodeOf(err),
		Message:   err.Error(),
	})
}
