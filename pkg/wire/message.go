// Package wire defines the control-plane protocol: one JSON object per
// WebSocket text message, routed by its type field. Outbound messages always
// carry a ts timestamp.
package wire

import (
	"encoding/json"
	"time"
)

// Message is the envelope for all control-plane messages.
type Message struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"` // request/response correlation
	Ts      time.Time       `json:"ts,omitzero"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage creates an outbound message with the current timestamp.
func NewMessage(msgType string, payload interface{}) (*Message, error) {
	var data json.RawMessage
	if payload != nil {
		var err error
		data, err = json.Marshal(payload)
		if err != nil {
			return nil, err
		}
	}
	return &Message{
		Type:    msgType,
		Ts:      time.Now().UTC(),
		Payload: data,
	}, nil
}

// NewResponse creates an outbound message correlated to an inbound request.
func NewResponse(id, msgType string, payload interface{}) (*Message, error) {
	msg, err := NewMessage(msgType, payload)
	if err != nil {
		return nil, err
	}
	msg.ID = id
	return msg, nil
}

// NewError creates an error message addressed to one client.
func NewError(id, code, message string) *Message {
	data, _ := json.Marshal(ErrorPayload{Code: code, Message: message})
	return &Message{
		Type:    TypeError,
		ID:      id,
		Ts:      time.Now().UTC(),
		Payload: data,
	}
}

// ParsePayload parses the payload into the given struct.
func (m *Message) ParsePayload(v interface{}) error {
	if m.Payload == nil {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}

// AuthPayload is the payload of an auth request.
type AuthPayload struct {
	Secret  string `json:"secret,omitempty"`
	Channel string `json:"channel,omitempty"`
}

// AuthOKPayload is the payload of an auth.ok response.
type AuthOKPayload struct {
	ClientID string `json:"clientId"`
}

// AgentRequestPayload starts or continues an agent task.
type AgentRequestPayload struct {
	SessionID string `json:"sessionId,omitempty"` // minted when empty
	Message   string `json:"message"`
	Model     string `json:"model,omitempty"`
	Thinking  string `json:"thinking,omitempty"` // reasoning-effort hint
}

// AgentCancelPayload aborts a session's active execution.
type AgentCancelPayload struct {
	SessionID string `json:"sessionId"`
}

// SessionResumePayload subscribes the client to an existing session.
type SessionResumePayload struct {
	SessionID string `json:"sessionId"`
}

// Session is the wire representation of session metadata.
type Session struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
	MessageCount int       `json:"messageCount"`
	Model        string    `json:"model,omitempty"`
	Status       string    `json:"status"`
}

// SessionDataPayload answers session.list and session.resume.
type SessionDataPayload struct {
	Sessions []Session         `json:"sessions,omitempty"`
	Session  *Session          `json:"session,omitempty"`
	History  []json.RawMessage `json:"history,omitempty"` // transcript replay on resume
}

// StatusPayload answers a status query.
type StatusPayload struct {
	Running        bool         `json:"running"`
	Port           int          `json:"port"`
	Bind           string       `json:"bind"`
	Uptime         string       `json:"uptime"`
	Clients        []ClientInfo `json:"clients"`
	ActiveSessions int          `json:"activeSessions"`
	TotalSessions  int          `json:"totalSessions"`
	PID            int          `json:"pid"`
}

// ClientInfo describes one connected client in a status response.
type ClientInfo struct {
	ID          string    `json:"id"`
	Channel     string    `json:"channel,omitempty"`
	ConnectedAt time.Time `json:"connectedAt"`
	Sessions    []string  `json:"sessions,omitempty"`
}

// StreamPayload carries partial agent output.
type StreamPayload struct {
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
}

// ToolUsePayload reports a tool invocation by the agent.
type ToolUsePayload struct {
	SessionID string                 `json:"sessionId"`
	Tool      string                 `json:"tool"`
	Input     map[string]interface{} `json:"input,omitempty"`
}

// ToolResultPayload reports the output of a tool invocation.
type ToolResultPayload struct {
	SessionID string `json:"sessionId"`
	Tool      string `json:"tool"`
	Output    string `json:"output,omitempty"`
	IsError   bool   `json:"isError,omitempty"`
}

// Result summarizes a finished execution.
type Result struct {
	Text      string   `json:"text"`
	ToolsUsed []string `json:"toolsUsed,omitempty"`
	Tokens    int64    `json:"tokens,omitempty"`
}

// DonePayload is the terminal success event for an execution.
type DonePayload struct {
	SessionID string  `json:"sessionId"`
	Reason    string  `json:"reason"` // completed, cancelled, timeout
	Decision  string  `json:"decision,omitempty"`
	Result    *Result `json:"result,omitempty"`
}

// AgentErrorPayload is the terminal failure event for an execution.
type AgentErrorPayload struct {
	SessionID string `json:"sessionId"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// SecurityViolationPayload reports a blocked file-tool path access.
type SecurityViolationPayload struct {
	SessionID string `json:"sessionId"`
	Tool      string `json:"tool"`
	Path      string `json:"path"`
}

// EscalationPayload reports an evaluator escalate decision for human handling.
type EscalationPayload struct {
	SessionID string `json:"sessionId"`
	Reasoning string `json:"reasoning,omitempty"`
	Message   string `json:"message,omitempty"`
}

// ErrorPayload is the payload of an error response.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
