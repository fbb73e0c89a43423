package transcript

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/lifeops/agentd/internal/common/logger"
	"go.uber.org/zap"
)

// Store persists session transcripts as one JSONL file per session under a
// base directory. Appends are serialized per store; read does not block
// concurrent appends beyond file-level atomicity of line writes.
type Store struct {
	dir    string
	logger *logger.Logger
	mu     sync.Mutex
}

// NewStore creates a transcript store rooted at dir, creating it if needed.
func NewStore(dir string, log *logger.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create transcript dir: %w", err)
	}
	return &Store{
		dir:    dir,
		logger: log.WithFields(zap.String("component", "transcript-store")),
	}, nil
}

// Append writes one entry to the session's transcript file. Write errors are
// returned to the caller; an entry is either fully written or reported failed.
func (s *Store) Append(sessionID string, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal transcript entry: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path(sessionID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open transcript: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("failed to append transcript entry: %w", err)
	}
	return nil
}

// Read returns all entries of a session in append order. Corrupt lines are
// skipped with a warning so one bad write cannot make history unreadable.
// A session with no transcript yet reads as empty.
func (s *Store) Read(sessionID string) ([]Entry, error) {
	f, err := os.Open(s.path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open transcript: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			s.logger.Warn("skipping corrupt transcript line",
				zap.String("session_id", sessionID),
				zap.Int("line", lineNo),
				zap.Error(err))
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return entries, fmt.Errorf("failed to read transcript: %w", err)
	}
	return entries, nil
}

// ReadRaw returns the session's valid transcript lines unparsed, for replay
// to clients without a decode/encode round trip.
func (s *Store) ReadRaw(sessionID string) ([]json.RawMessage, error) {
	entries, err := s.Read(sessionID)
	if err != nil {
		return nil, err
	}
	raw := make([]json.RawMessage, 0, len(entries))
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			return nil, err
		}
		raw = append(raw, data)
	}
	return raw, nil
}

// SessionInfo summarizes one session's transcript.
type SessionInfo struct {
	ID           string
	CreatedAt    time.Time
	LastActivity time.Time
	MessageCount int
}

// List summarizes every session that has a transcript file. Creation and
// last-activity times come from the first and last entries; the count covers
// conversation messages, not events. Empty files are skipped.
func (s *Store) List() ([]SessionInfo, error) {
	dirents, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list transcripts: %w", err)
	}

	var infos []SessionInfo
	for _, d := range dirents {
		name := d.Name()
		if d.IsDir() || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		id := strings.TrimSuffix(name, ".jsonl")
		entries, err := s.Read(id)
		if err != nil {
			return nil, err
		}
		if len(entries) == 0 {
			continue
		}
		info := SessionInfo{
			ID:           id,
			CreatedAt:    entries[0].Ts,
			LastActivity: entries[len(entries)-1].Ts,
		}
		for _, e := range entries {
			if e.Kind == KindMessage {
				info.MessageCount++
			}
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func (s *Store) path(sessionID string) string {
	// Session IDs are server-minted UUIDs, but sanitize anyway.
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, sessionID)
	return filepath.Join(s.dir, safe+".jsonl")
}
