package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lifeops/agentd/internal/common/logger"
	"github.com/lifeops/agentd/internal/runtime"
)

// Supervisor event types.
const (
	EventText              = "text"
	EventToolUse           = "tool_use"
	EventToolResult        = "tool_result"
	EventSecurityViolation = "security_violation"
	EventEscalation        = "escalation"
	EventDone              = "done"
	EventError             = "error"
)

// Terminal reasons carried in done events.
const (
	ReasonCompleted = "completed"
	ReasonCancelled = "cancelled"
	ReasonTimeout   = "timeout"
)

// Event is one supervised-execution event, a superset of runtime events.
type Event struct {
	Type string

	// For text, tool_use, tool_result
	Text    string
	Tool    string
	Input   map[string]any
	Output  string
	IsError bool

	// For security_violation
	Path string

	// For escalation and done
	Decision  Decision
	Reasoning string
	Message   string

	// For done
	Reason string
	Result *runtime.Result

	// For error
	Err error
}

// PendingAction is one agent-proposed action awaiting a permission decision.
// Actions unresolved when the execution ends are denied.
type PendingAction struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Approved    bool   `json:"approved"`
	Resolved    bool   `json:"resolved"`
}

// Config bounds and tunes one supervised execution.
type Config struct {
	// Goal is the task description given to the evaluator.
	Goal string
	// EvalInterval is the evaluation ticker period. Defaults to 30s.
	EvalInterval time.Duration
	// MaxTurns bounds agent turns (tool calls plus injected replies).
	// Zero means unlimited.
	MaxTurns int
	// Timeout bounds wall-clock execution time. Zero means unlimited.
	Timeout time.Duration
	// OutputTailSize is how many trailing output bytes the evaluator sees.
	// Defaults to 4000.
	OutputTailSize int
}

// Supervisor drives one execution. Create one per agent.request.
type Supervisor struct {
	cfg       Config
	policy    *SecurityPolicy
	evaluator Evaluator
	logger    *logger.Logger
	sm        *stateMachine

	events chan Event
	exec   runtime.Execution

	mu              sync.Mutex
	outTail         []byte
	newOutput       bool
	recentTools     []string
	turnCount       int
	decisions       []DecisionRecord
	pending         []PendingAction
	cancelRequested bool
	limitReason     string
	completeVerdict *Verdict

	// emitMu serializes sends against channel close.
	emitMu      sync.Mutex
	closed      bool
	resolveOnce sync.Once
}

// New creates a supervisor for one execution.
func New(cfg Config, policy *SecurityPolicy, evaluator Evaluator, log *logger.Logger) *Supervisor {
	if cfg.EvalInterval <= 0 {
		cfg.EvalInterval = 30 * time.Second
	}
	if cfg.OutputTailSize <= 0 {
		cfg.OutputTailSize = 4000
	}
	return &Supervisor{
		cfg:       cfg,
		policy:    policy,
		evaluator: evaluator,
		logger:    log.WithFields(zap.String("component", "supervisor")),
		sm:        newStateMachine(),
		events:    make(chan Event, 256),
	}
}

// Start launches the execution through runner and begins supervising it.
// The request's permission gate is installed here; callers must not set one.
func (s *Supervisor) Start(ctx context.Context, runner runtime.Runner, req runtime.Request) error {
	if err := s.sm.transition(StateStarting); err != nil {
		return err
	}

	req.Permission = s.permission
	exec, err := runner.Start(ctx, req)
	if err != nil {
		_ = s.sm.transition(StateError)
		return err
	}

	s.mu.Lock()
	s.exec = exec
	cancelled := s.cancelRequested
	s.mu.Unlock()
	// A cancel that raced the runner start takes effect now.
	if cancelled {
		exec.Cancel()
	}

	if err := s.sm.transition(StateRunning); err != nil {
		exec.Cancel()
		return err
	}

	go s.loop(ctx)
	return nil
}

// Events returns the supervised event channel, closed after the terminal
// event.
func (s *Supervisor) Events() <-chan Event {
	return s.events
}

// Cancel requests termination. Idempotent, and safe before Start has
// produced an execution: the cancel is remembered and applied as soon as the
// execution exists.
func (s *Supervisor) Cancel() {
	s.mu.Lock()
	already := s.cancelRequested
	s.cancelRequested = true
	exec := s.exec
	s.mu.Unlock()
	if already || exec == nil {
		return
	}
	exec.Cancel()
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	return s.sm.current()
}

// Decisions returns a copy of the decision log.
func (s *Supervisor) Decisions() []DecisionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]DecisionRecord(nil), s.decisions...)
}

// PendingActions returns a copy of the recorded permission requests.
func (s *Supervisor) PendingActions() []PendingAction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PendingAction(nil), s.pending...)
}

func (s *Supervisor) loop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.EvalInterval)
	defer ticker.Stop()

	var timeoutC <-chan time.Time
	if s.cfg.Timeout > 0 {
		timer := time.NewTimer(s.cfg.Timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	// Fired one-shot channels are nilled out so the loop keeps blocking
	// until the runtime's terminal event arrives.
	done := ctx.Done()
	for {
		select {
		case ev, ok := <-s.exec.Events():
			if !ok {
				// The runtime closes its channel only after a terminal
				// event, so this is unreachable; resolve defensively.
				s.resolveDone(nil)
				return
			}
			if terminal := s.handleRuntimeEvent(ev); terminal {
				return
			}
		case <-ticker.C:
			s.evaluate(ctx)
		case <-timeoutC:
			s.limit(ReasonTimeout)
			timeoutC = nil
		case <-done:
			s.Cancel()
			done = nil
		}
	}
}

// handleRuntimeEvent forwards one runtime event and reports whether it was
// terminal.
func (s *Supervisor) handleRuntimeEvent(ev runtime.Event) bool {
	switch ev.Type {
	case runtime.EventText:
		s.recordOutput(ev.Text)
		s.emit(Event{Type: EventText, Text: ev.Text})
	case runtime.EventToolUse:
		s.mu.Lock()
		s.turnCount++
		s.recentTools = append(s.recentTools, ev.Tool)
		if len(s.recentTools) > 10 {
			s.recentTools = s.recentTools[1:]
		}
		turns := s.turnCount
		s.mu.Unlock()
		s.emit(Event{Type: EventToolUse, Tool: ev.Tool, Input: ev.Input})
		if s.cfg.MaxTurns > 0 && turns >= s.cfg.MaxTurns {
			s.limit(ReasonTimeout)
		}
	case runtime.EventToolResult:
		s.recordOutput(ev.Output)
		s.emit(Event{Type: EventToolResult, Tool: ev.Tool, Output: ev.Output, IsError: ev.IsError})
	case runtime.EventDone:
		s.resolveDone(ev.Result)
		return true
	case runtime.EventError:
		s.resolveError(ev.Err)
		return true
	}
	return false
}

// limit forces termination for an exhausted bound. The runtime's terminal
// event still flows through the single resolution path.
func (s *Supervisor) limit(reason string) {
	s.mu.Lock()
	already := s.limitReason != ""
	if !already {
		s.limitReason = reason
	}
	s.mu.Unlock()
	if already {
		return
	}
	s.logger.Info("execution limit reached", zap.String("reason", reason))
	s.exec.Cancel()
}

// evaluate runs one evaluation cycle if new output accumulated since the
// last one.
func (s *Supervisor) evaluate(ctx context.Context) {
	if err := s.sm.transition(StateEvaluating); err != nil {
		return
	}

	s.mu.Lock()
	fresh := s.newOutput
	s.newOutput = false
	snap := Snapshot{
		Goal:        s.cfg.Goal,
		OutputTail:  string(s.outTail),
		RecentTools: append([]string(nil), s.recentTools...),
		TurnCount:   s.turnCount,
	}
	s.mu.Unlock()

	if !fresh {
		_ = s.sm.transition(StateRunning)
		return
	}

	verdict, err := s.evaluator.Evaluate(ctx, snap)
	if err != nil || verdict == nil {
		// An evaluator failure never aborts execution.
		s.logger.Warn("evaluator unavailable, defaulting to continue", zap.Error(err))
		verdict = &Verdict{Decision: DecisionContinue}
	}
	verdict.Decision = ParseDecision(string(verdict.Decision))

	s.mu.Lock()
	s.decisions = append(s.decisions, DecisionRecord{
		Timestamp:  time.Now().UTC(),
		TurnCount:  snap.TurnCount,
		Decision:   verdict.Decision,
		Reasoning:  verdict.Reasoning,
		Message:    verdict.Message,
		Confidence: verdict.Confidence,
	})
	s.mu.Unlock()

	switch verdict.Decision {
	case DecisionReply, DecisionRedirect:
		if err := s.sm.transition(StateResponding); err != nil {
			return
		}
		if verdict.Message != "" {
			if err := s.exec.Send(verdict.Message); err != nil {
				s.logger.Warn("failed to deliver evaluator message", zap.Error(err))
			}
			s.mu.Lock()
			s.turnCount++
			s.mu.Unlock()
		}
		_ = s.sm.transition(StateRunning)
	case DecisionComplete:
		if err := s.sm.transition(StateCompleting); err != nil {
			return
		}
		s.mu.Lock()
		s.completeVerdict = verdict
		s.mu.Unlock()
		s.exec.Cancel()
	case DecisionEscalate:
		s.emit(Event{
			Type:      EventEscalation,
			Decision:  DecisionEscalate,
			Reasoning: verdict.Reasoning,
			Message:   verdict.Message,
		})
		_ = s.sm.transition(StateRunning)
	default:
		_ = s.sm.transition(StateRunning)
	}
}

// permission is the runtime permission gate.
func (s *Supervisor) permission(tool string, input map[string]any) runtime.PermissionDecision {
	result := s.policy.Check(tool, input)

	action := PendingAction{
		ID:          uuid.New().String(),
		Type:        tool,
		Description: result.Path,
		Approved:    result.Allowed,
		Resolved:    true,
	}
	if action.Description == "" {
		if cmd, ok := input["command"].(string); ok {
			action.Description = cmd
		}
	}
	s.mu.Lock()
	s.pending = append(s.pending, action)
	s.mu.Unlock()

	if result.Allowed {
		return runtime.PermissionDecision{Allow: true}
	}

	s.emit(Event{Type: EventSecurityViolation, Tool: tool, Path: result.Path})
	return runtime.PermissionDecision{
		Allow:   false,
		Message: "path is outside the allowed directories",
	}
}

func (s *Supervisor) recordOutput(text string) {
	if text == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.newOutput = true
	s.outTail = append(s.outTail, text...)
	if over := len(s.outTail) - s.cfg.OutputTailSize; over > 0 {
		s.outTail = s.outTail[over:]
	}
}

func (s *Supervisor) resolveDone(result *runtime.Result) {
	s.resolveOnce.Do(func() {
		s.mu.Lock()
		reason := ReasonCompleted
		var decision Decision
		var reasoning string
		switch {
		case s.completeVerdict != nil:
			decision = DecisionComplete
			reasoning = s.completeVerdict.Reasoning
		case s.limitReason != "":
			reason = s.limitReason
		case s.cancelRequested:
			reason = ReasonCancelled
		}
		s.denyUnresolvedLocked()
		s.mu.Unlock()

		s.toTerminalState(StateStopped)
		s.closeWith(Event{
			Type:      EventDone,
			Reason:    reason,
			Decision:  decision,
			Reasoning: reasoning,
			Result:    result,
		})
	})
}

func (s *Supervisor) resolveError(err error) {
	s.resolveOnce.Do(func() {
		s.mu.Lock()
		s.denyUnresolvedLocked()
		s.mu.Unlock()

		s.toTerminalState(StateError)
		s.closeWith(Event{Type: EventError, Err: err})
	})
}

// toTerminalState walks the machine into a terminal state whatever the
// current one is; evaluation may be mid-flight when the runtime exits.
func (s *Supervisor) toTerminalState(terminal State) {
	if err := s.sm.transition(terminal); err == nil {
		return
	}
	if s.sm.current() == StateResponding || s.sm.current() == StateEvaluating {
		_ = s.sm.transition(StateRunning)
	}
	_ = s.sm.transition(terminal)
}

// denyUnresolvedLocked denies permission requests never answered. Callers
// must hold s.mu.
func (s *Supervisor) denyUnresolvedLocked() {
	for i := range s.pending {
		if !s.pending[i].Resolved {
			s.pending[i].Resolved = true
			s.pending[i].Approved = false
		}
	}
}

// emit delivers a non-terminal event unless resolution already closed the
// channel.
func (s *Supervisor) emit(ev Event) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.logger.Warn("supervisor event dropped, consumer too slow", zap.String("type", ev.Type))
	}
}

// closeWith emits the terminal event and closes the channel.
func (s *Supervisor) closeWith(ev Event) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	s.closed = true
	s.events <- ev
	close(s.events)
}
