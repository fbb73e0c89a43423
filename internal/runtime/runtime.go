// Package runtime starts and drives agent executions. Two runner
// implementations exist: an in-process library client and a subprocess CLI.
// Both normalize their output to the same event stream so the layers above
// never care which path ran.
package runtime

import "context"

// EventType identifies a normalized runtime event.
type EventType string

const (
	// EventText is partial assistant text output.
	EventText EventType = "text"
	// EventToolUse is a tool invocation by the agent.
	EventToolUse EventType = "tool_use"
	// EventToolResult is the output of a tool invocation.
	EventToolResult EventType = "tool_result"
	// EventDone is the terminal success event. Exactly one terminal event
	// (Done or Error) is emitted per execution.
	EventDone EventType = "done"
	// EventError is the terminal failure event.
	EventError EventType = "error"
)

// Event is one normalized runtime event.
type Event struct {
	Type EventType

	// For text events
	Text string

	// For tool_use and tool_result events
	Tool    string
	Input   map[string]any
	Output  string
	IsError bool

	// For done events
	Result *Result

	// For error events
	Err error
}

// Result summarizes a finished execution.
type Result struct {
	Text         string
	ToolsUsed    []string
	InputTokens  int64
	OutputTokens int64
	NumTurns     int
	// RateLimited marks output that matched rate-limit phrasing; the retry
	// decision belongs to the caller.
	RateLimited bool
}

// PermissionDecision answers a tool permission request.
type PermissionDecision struct {
	Allow bool
	// Message is fed back to the agent on deny.
	Message string
}

// PermissionFunc decides whether the agent may invoke a tool. A nil func
// allows everything.
type PermissionFunc func(tool string, input map[string]any) PermissionDecision

// Request describes one execution to start.
type Request struct {
	SessionID string
	Prompt    string
	Model     string
	// Thinking is a reasoning-effort hint passed through to the agent.
	Thinking   string
	Permission PermissionFunc
}

// Execution is one live agent run.
type Execution interface {
	// Events returns the event channel. It is closed after the terminal
	// event has been delivered.
	Events() <-chan Event
	// Send writes a user message into the live agent.
	Send(text string) error
	// Cancel aborts the execution. Safe to call more than once; calls after
	// the first are no-ops.
	Cancel()
}

// Runner starts executions.
type Runner interface {
	Start(ctx context.Context, req Request) (Execution, error)
}
