// Package supervisor wraps one agent execution with security enforcement,
// periodic evaluation, turn and wall-clock limits, and a single-resolution
// guarantee: every execution ends in exactly one terminal event.
package supervisor

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Decision is an evaluator verdict.
type Decision string

const (
	DecisionContinue Decision = "continue"
	DecisionReply    Decision = "reply"
	DecisionRedirect Decision = "redirect"
	DecisionComplete Decision = "complete"
	DecisionEscalate Decision = "escalate"
)

// ParseDecision normalizes an evaluator verdict string. Anything unknown maps
// to continue so a confused evaluator can never abort an execution.
func ParseDecision(s string) Decision {
	switch Decision(strings.ToLower(strings.TrimSpace(s))) {
	case DecisionReply:
		return DecisionReply
	case DecisionRedirect:
		return DecisionRedirect
	case DecisionComplete:
		return DecisionComplete
	case DecisionEscalate:
		return DecisionEscalate
	default:
		return DecisionContinue
	}
}

// Verdict is one evaluator response.
type Verdict struct {
	Decision   Decision `json:"decision"`
	Reasoning  string   `json:"reasoning,omitempty"`
	Message    string   `json:"message,omitempty"`
	Confidence float64  `json:"confidence,omitempty"`
}

// DecisionRecord is one entry in the decision log.
type DecisionRecord struct {
	Timestamp  time.Time `json:"timestamp"`
	TurnCount  int       `json:"turn_count"`
	Decision   Decision  `json:"decision"`
	Reasoning  string    `json:"reasoning,omitempty"`
	Message    string    `json:"message,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
}

// State is one execution lifecycle state.
type State string

const (
	StateIdle       State = "idle"
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateEvaluating State = "evaluating"
	StateResponding State = "responding"
	StateCompleting State = "completing"
	StateStopped    State = "stopped"
	StateError      State = "error"
)

// transitions is the total transition function. Absent pairs are invalid.
var transitions = map[State]map[State]bool{
	StateIdle:       {StateStarting: true},
	StateStarting:   {StateRunning: true, StateError: true},
	StateRunning:    {StateEvaluating: true, StateCompleting: true, StateStopped: true, StateError: true},
	StateEvaluating: {StateRunning: true, StateResponding: true, StateCompleting: true, StateStopped: true, StateError: true},
	StateResponding: {StateRunning: true, StateStopped: true, StateError: true},
	StateCompleting: {StateStopped: true, StateError: true},
	StateStopped:    {},
	StateError:      {},
}

// stateMachine tracks the execution state and rejects invalid transitions.
type stateMachine struct {
	mu    sync.Mutex
	state State
}

func newStateMachine() *stateMachine {
	return &stateMachine{state: StateIdle}
}

func (m *stateMachine) current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *stateMachine) transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !transitions[m.state][to] {
		return fmt.Errorf("invalid state transition: %s -> %s", m.state, to)
	}
	m.state = to
	return nil
}
