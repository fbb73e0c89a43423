package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	apperrors "github.com/lifeops/agentd/internal/common/errors"
	"github.com/lifeops/agentd/internal/session"
)

// SQLiteRepository provides SQLite-based session storage operations
type SQLiteRepository struct {
	db *sql.DB
}

// Ensure SQLiteRepository implements Repository interface
var _ Repository = (*SQLiteRepository)(nil)

// NewSQLiteRepository creates a new SQLite repository
func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	repo := &SQLiteRepository{db: db}

	if err := repo.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return repo, nil
}

// initSchema creates the database tables if they don't exist
func (r *SQLiteRepository) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		created_at DATETIME NOT NULL,
		last_activity DATETIME NOT NULL,
		message_count INTEGER DEFAULT 0,
		model TEXT DEFAULT '',
		status TEXT DEFAULT 'idle'
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_last_activity ON sessions(last_activity);
	`

	_, err := r.db.Exec(schema)
	return err
}

// Close closes the database connection
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

// Create creates a new session record
func (r *SQLiteRepository) Create(ctx context.Context, s *session.Session) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	s.CreatedAt = now
	s.LastActivity = now
	if s.Status == "" {
		s.Status = session.StatusIdle
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (id, created_at, last_activity, message_count, model, status)
		VALUES (?, ?, ?, ?, ?, ?)
	`, s.ID, s.CreatedAt, s.LastActivity, s.MessageCount, s.Model, s.Status)

	return err
}

// Get retrieves a session by ID
func (r *SQLiteRepository) Get(ctx context.Context, id string) (*session.Session, error) {
	s := &session.Session{}

	err := r.db.QueryRowContext(ctx, `
		SELECT id, created_at, last_activity, message_count, model, status
		FROM sessions WHERE id = ?
	`, id).Scan(&s.ID, &s.CreatedAt, &s.LastActivity, &s.MessageCount, &s.Model, &s.Status)

	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("session", id)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Update updates an existing session
func (r *SQLiteRepository) Update(ctx context.Context, s *session.Session) error {
	s.LastActivity = time.Now().UTC()

	result, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET last_activity = ?, message_count = ?, model = ?, status = ?
		WHERE id = ?
	`, s.LastActivity, s.MessageCount, s.Model, s.Status, s.ID)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("session", s.ID)
	}
	return nil
}

// List returns all sessions, most recently active first
func (r *SQLiteRepository) List(ctx context.Context) ([]*session.Session, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, created_at, last_activity, message_count, model, status
		FROM sessions ORDER BY last_activity DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*session.Session
	for rows.Next() {
		s := &session.Session{}
		err := rows.Scan(&s.ID, &s.CreatedAt, &s.LastActivity, &s.MessageCount, &s.Model, &s.Status)
		if err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

// UpdateStatus updates the status of a session
func (r *SQLiteRepository) UpdateStatus(ctx context.Context, id, status string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, last_activity = ? WHERE id = ?
	`, status, time.Now().UTC(), id)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("session", id)
	}
	return nil
}

// Touch bumps last_activity and increments message_count by delta
func (r *SQLiteRepository) Touch(ctx context.Context, id string, delta int) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET message_count = message_count + ?, last_activity = ? WHERE id = ?
	`, delta, time.Now().UTC(), id)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("session", id)
	}
	return nil
}
