// Package session defines session metadata and its storage.
package session

import "time"

// Session statuses.
const (
	StatusIdle   = "idle"
	StatusActive = "active"
)

// Session is the durable metadata of one conversation. The transcript itself
// lives in the transcript store; this record only tracks identity and
// activity.
type Session struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	MessageCount int       `json:"message_count"`
	Model        string    `json:"model,omitempty"`
	Status       string    `json:"status"`
}
