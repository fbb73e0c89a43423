// Package repository provides session metadata storage.
package repository

import (
	"context"

	"github.com/lifeops/agentd/internal/session"
)

// Repository defines the interface for session metadata storage.
type Repository interface {
	Create(ctx context.Context, s *session.Session) error
	Get(ctx context.Context, id string) (*session.Session, error)
	Update(ctx context.Context, s *session.Session) error
	List(ctx context.Context) ([]*session.Session, error)
	UpdateStatus(ctx context.Context, id, status string) error
	// Touch bumps last_activity and increments message_count by delta.
	Touch(ctx context.Context, id string, delta int) error

	// Close closes the repository (for database connections)
	Close() error
}
