// Package agentcli provides types and a client for the agent CLI stream-json
// protocol: one JSON object per stdout line, control requests for permission
// gating, and user messages written to stdin.
package agentcli

import "encoding/json"

// Message types emitted by the agent CLI.
const (
	// MessageTypeSystem is the initial system message with session info.
	MessageTypeSystem = "system"
	// MessageTypeAssistant contains text, thinking, or tool_use blocks.
	MessageTypeAssistant = "assistant"
	// MessageTypeUser carries tool_result blocks back from the CLI.
	MessageTypeUser = "user"
	// MessageTypeResult is the final result message for a turn.
	MessageTypeResult = "result"
	// MessageTypeControlRequest is a control request (permission gating).
	MessageTypeControlRequest = "control_request"
	// MessageTypeControlResponse is a response to a control request.
	MessageTypeControlResponse = "control_response"
)

// Control request subtypes.
const (
	// SubtypeCanUseTool is a permission request for tool use.
	SubtypeCanUseTool = "can_use_tool"
	// SubtypeInterrupt interrupts the current operation.
	SubtypeInterrupt = "interrupt"
)

// Permission behaviors.
const (
	BehaviorAllow = "allow"
	BehaviorDeny  = "deny"
)

// Tool names the CLI reports for file and shell operations.
const (
	ToolBash  = "Bash"
	ToolWrite = "Write"
	ToolEdit  = "Edit"
	ToolRead  = "Read"
	ToolGlob  = "Glob"
	ToolGrep  = "Grep"
)

// FileTools are the structured tools whose target path can be resolved and
// validated. Shell execution (Bash) is deliberately absent: command text
// cannot be reliably path-validated.
var FileTools = map[string]bool{
	ToolWrite: true,
	ToolEdit:  true,
	ToolRead:  true,
	ToolGlob:  true,
	ToolGrep:  true,
}

// CLIMessage represents one parsed line from the agent CLI stdout.
// The message type determines which fields are populated.
type CLIMessage struct {
	Type string `json:"type"`

	// For control_request messages
	RequestID string          `json:"request_id,omitempty"`
	Request   *ControlRequest `json:"request,omitempty"`

	// For system messages
	SessionID     string `json:"session_id,omitempty"`
	SessionStatus string `json:"session_status,omitempty"`

	// For assistant and user messages
	Message *AssistantMessage `json:"message,omitempty"`

	// For result messages. Result can be either a string (error message)
	// or an object (ResultData).
	Result            json.RawMessage `json:"result,omitempty"`
	Subtype           string          `json:"subtype,omitempty"`
	IsError           bool            `json:"is_error,omitempty"`
	NumTurns          int             `json:"num_turns,omitempty"`
	TotalInputTokens  int64           `json:"total_input_tokens,omitempty"`
	TotalOutputTokens int64           `json:"total_output_tokens,omitempty"`
}

// AssistantMessage contains the assistant's response content.
type AssistantMessage struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content,omitempty"`
	Model   string         `json:"model,omitempty"`
	Usage   *Usage         `json:"usage,omitempty"`
}

// ContentBlock represents a block of content in an assistant or user message.
type ContentBlock struct {
	Type string `json:"type"`

	// For text blocks
	Text string `json:"text,omitempty"`

	// For thinking blocks
	Thinking string `json:"thinking,omitempty"`

	// For tool_use blocks
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// For tool_result blocks
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// Usage contains token usage information.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// ResultData contains the final result information.
type ResultData struct {
	Text      string `json:"text,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// GetResultData attempts to parse the Result field as a ResultData object.
// Returns nil if Result is empty, a string, or cannot be parsed.
func (m *CLIMessage) GetResultData() *ResultData {
	if len(m.Result) == 0 {
		return nil
	}
	var data ResultData
	if err := json.Unmarshal(m.Result, &data); err != nil {
		return nil
	}
	return &data
}

// GetResultString returns the Result field as a string, used when the result
// is an error message string.
func (m *CLIMessage) GetResultString() string {
	if len(m.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Result, &s); err != nil {
		return ""
	}
	return s
}

// ControlRequest represents a control request from the agent CLI, used for
// permission requests (can_use_tool).
type ControlRequest struct {
	Subtype string `json:"subtype"`

	// For can_use_tool requests
	ToolName  string         `json:"tool_name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
}

// ControlResponseMessage is sent to respond to control requests.
type ControlResponseMessage struct {
	Type      string           `json:"type"` // "control_response"
	RequestID string           `json:"request_id"`
	Response  *ControlResponse `json:"response"`
}

// ControlResponse is the body of a control response.
type ControlResponse struct {
	Subtype string            `json:"subtype"` // success, error
	Result  *PermissionResult `json:"result,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// PermissionResult is the result for tool approval responses.
type PermissionResult struct {
	Behavior string `json:"behavior"` // allow or deny
	// Message provides feedback to the model on deny.
	Message string `json:"message,omitempty"`
}

// OutgoingControlRequest is a control request sent to the agent CLI
// (e.g. interrupt).
type OutgoingControlRequest struct {
	Type      string                     `json:"type"` // "control_request"
	RequestID string                     `json:"request_id"`
	Request   OutgoingControlRequestBody `json:"request"`
}

// OutgoingControlRequestBody contains the body of an outgoing control request.
type OutgoingControlRequestBody struct {
	Subtype string `json:"subtype"`
}

// UserMessage is written to stdin to deliver a prompt or a mid-run reply.
type UserMessage struct {
	Type    string          `json:"type"` // "user"
	Message UserMessageBody `json:"message"`
}

// UserMessageBody contains the user message content.
type UserMessageBody struct {
	Role    string `json:"role"` // "user"
	Content string `json:"content"`
}
