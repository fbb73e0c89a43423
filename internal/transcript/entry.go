// Package transcript implements the append-only session transcript store.
// Each session owns one JSONL file; entries are appended in arrival order and
// never rewritten.
package transcript

import (
	"encoding/json"
	"time"
)

// Entry kinds.
const (
	KindMessage = "message"
	KindEvent   = "event"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Entry is one transcript line. Kind selects which fields are meaningful:
// message entries carry Role/Content/Meta, event entries carry Name/Data.
type Entry struct {
	Kind string    `json:"kind"`
	Ts   time.Time `json:"ts"`

	// message fields
	Role    string         `json:"role,omitempty"`
	Content string         `json:"content,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`

	// event fields
	Name string          `json:"name,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewMessage creates a message entry stamped with the current time.
func NewMessage(role, content string, meta map[string]any) Entry {
	return Entry{
		Kind:    KindMessage,
		Ts:      time.Now().UTC(),
		Role:    role,
		Content: content,
		Meta:    meta,
	}
}

// NewEvent creates an event entry stamped with the current time. The data
// payload is marshaled once at creation so failures surface to the caller
// instead of at append time.
func NewEvent(name string, data any) (Entry, error) {
	e := Entry{
		Kind: KindEvent,
		Ts:   time.Now().UTC(),
		Name: name,
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Entry{}, err
		}
		e.Data = raw
	}
	return e, nil
}
