package auditlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	defaultMaxBytes   = int64(1 << 20) // 1 MiB
	defaultMaxBackups = 3

	activeName = "activity.jsonl"
)

const (
	ActionConversationOpened = "conversation_opened"
	ActionMessageSent        = "message_sent"
	ActionMessageFailed      = "message_failed"
	ActionBack               = "back_to_selection"
)

// Entry is one line of the local activity log. It never carries message text or image bytes.
type Entry struct {
	CreatedAt string `json:"created_at"`
	Action    string `json:"action"`

	// Status is "success" or "failure".
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`

	OrganizationID string `json:"organization_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	ThreadID       string `json:"thread_id,omitempty"`

	Images     int    `json:"images,omitempty"`
	Stage      string `json:"stage,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

type Options struct {
	Logger *slog.Logger
	// StateDir is the widgetchat state directory; the log lives in StateDir/activity.
	StateDir string

	// MaxBytes is the rotation threshold of the active file. If <= 0, 1 MiB.
	MaxBytes int64
	// MaxBackups keeps the latest N rotated files. If <= 0, 3.
	MaxBackups int
}

// Store is an append-only JSONL log with size-based rotation.
type Store struct {
	log *slog.Logger

	dir        string
	activePath string
	maxBytes   int64
	maxBackups int

	mu sync.Mutex
}

func New(opts Options) (*Store, error) {
	stateDir := strings.TrimSpace(opts.StateDir)
	if stateDir == "" {
		return nil, errors.New("missing StateDir")
	}
	dir := filepath.Join(stateDir, "activity")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	maxBackups := opts.MaxBackups
	if maxBackups <= 0 {
		maxBackups = defaultMaxBackups
	}

	activePath := filepath.Join(dir, activeName)
	f, err := os.OpenFile(activePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	_ = f.Close()

	return &Store{
		log:        logger,
		dir:        dir,
		activePath: activePath,
		maxBytes:   maxBytes,
		maxBackups: maxBackups,
	}, nil
}

// Append writes e, filling CreatedAt and Status when empty. Failures are logged, not returned.
func (s *Store) Append(e Entry) {
	if s == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(e.CreatedAt) == "" {
		e.CreatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if strings.TrimSpace(e.Status) == "" {
		e.Status = "success"
		if e.Error != "" {
			e.Status = "failure"
		}
	}

	f, err := os.OpenFile(s.activePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		s.log.Warn("activity append failed", "error", err)
		return
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(&e); err != nil {
		s.log.Warn("activity encode failed", "error", err)
		return
	}

	s.maybeRotateLocked()
}

// List returns up to limit entries, newest first, across rotated files.
func (s *Store) List(limit int) ([]Entry, error) {
	if s == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}

	s.mu.Lock()
	rotated := s.rotatedLocked()
	s.mu.Unlock()

	// Newest first: active file, then backups from newest to oldest.
	paths := []string{s.activePath}
	for i := len(rotated) - 1; i >= 0; i-- {
		paths = append(paths, filepath.Join(s.dir, rotated[i]))
	}

	out := make([]Entry, 0, limit)
	for _, path := range paths {
		if len(out) >= limit {
			break
		}
		entries, err := readNewestFirst(path, limit-len(out))
		if err != nil {
			s.log.Warn("activity read failed", "path", path, "error", err)
			continue
		}
		out = append(out, entries...)
	}
	return out, nil
}

// rotatedLocked returns backup file names, oldest first.
func (s *Store) rotatedLocked() []string {
	ents, err := os.ReadDir(s.dir)
	if err != nil {
		return nil
	}
	var names []string
	for _, ent := range ents {
		if ent == nil || ent.IsDir() {
			continue
		}
		name := ent.Name()
		// activity-<unix_ms>.jsonl
		if strings.HasPrefix(name, "activity-") && strings.HasSuffix(name, ".jsonl") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (s *Store) maybeRotateLocked() {
	st, err := os.Stat(s.activePath)
	if err != nil || st.Size() <= s.maxBytes {
		return
	}

	dst := filepath.Join(s.dir, fmt.Sprintf("activity-%d.jsonl", time.Now().UnixMilli()))
	if err := os.Rename(s.activePath, dst); err != nil {
		s.log.Warn("activity rotate failed", "error", err)
		return
	}
	if f, err := os.OpenFile(s.activePath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600); err == nil {
		_ = f.Close()
	}

	rotated := s.rotatedLocked()
	if len(rotated) <= s.maxBackups {
		return
	}
	for _, name := range rotated[:len(rotated)-s.maxBackups] {
		_ = os.Remove(filepath.Join(s.dir, name))
	}
}

func readNewestFirst(path string, limit int) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var entries []Entry
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}
