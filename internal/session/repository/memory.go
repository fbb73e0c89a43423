package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/lifeops/agentd/internal/common/errors"
	"github.com/lifeops/agentd/internal/session"
)

// MemoryRepository provides in-memory session storage operations
type MemoryRepository struct {
	sessions map[string]*session.Session
	mu       sync.RWMutex
}

// Ensure MemoryRepository implements Repository interface
var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates a new in-memory session repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		sessions: make(map[string]*session.Session),
	}
}

// Close is a no-op for in-memory repository
func (r *MemoryRepository) Close() error {
	return nil
}

// Create creates a new session record
func (r *MemoryRepository) Create(ctx context.Context, s *session.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	s.CreatedAt = now
	s.LastActivity = now
	if s.Status == "" {
		s.Status = session.StatusIdle
	}

	copied := *s
	r.sessions[s.ID] = &copied
	return nil
}

// Get retrieves a session by ID
func (r *MemoryRepository) Get(ctx context.Context, id string) (*session.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, apperrors.NotFound("session", id)
	}
	copied := *s
	return &copied, nil
}

// Update updates an existing session
func (r *MemoryRepository) Update(ctx context.Context, s *session.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[s.ID]; !ok {
		return apperrors.NotFound("session", s.ID)
	}
	s.LastActivity = time.Now().UTC()
	copied := *s
	r.sessions[s.ID] = &copied
	return nil
}

// List returns all sessions, most recently active first
func (r *MemoryRepository) List(ctx context.Context) ([]*session.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*session.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		copied := *s
		result = append(result, &copied)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].LastActivity.After(result[j].LastActivity)
	})
	return result, nil
}

// UpdateStatus updates the status of a session
func (r *MemoryRepository) UpdateStatus(ctx context.Context, id, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return apperrors.NotFound("session", id)
	}
	s.Status = status
	s.LastActivity = time.Now().UTC()
	return nil
}

// Touch bumps last_activity and increments message_count by delta
func (r *MemoryRepository) Touch(ctx context.Context, id string, delta int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return apperrors.NotFound("session", id)
	}
	s.MessageCount += delta
	s.LastActivity = time.Now().UTC()
	return nil
}
