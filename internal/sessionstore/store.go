package sessionstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store is a local SQLite-backed persistence layer for widget identity and navigation state.
//
// Notes:
//   - Rows are keyed by organization id; one widget install may serve several organizations.
//   - Contact session ids are opaque tokens issued by the backend. They are never generated here.
type Store struct {
	db *sql.DB
}

const (
	ScreenSelection = "selection"
	ScreenChat      = "chat"
)

type ContactSession struct {
	OrganizationID   string `json:"organization_id"`
	ContactSessionID string `json:"contact_session_id"`
	CreatedAtUnixMs  int64  `json:"created_at_unix_ms"`
	UpdatedAtUnixMs  int64  `json:"updated_at_unix_ms"`
}

type WidgetState struct {
	OrganizationID  string `json:"organization_id"`
	ConversationID  string `json:"conversation_id"`
	Screen          string `json:"screen"`
	UpdatedAtUnixMs int64  `json:"updated_at_unix_ms"`
}

func Open(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" || p == "." {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// GetContactSession returns nil, nil when no session is stored for the organization.
func (s *Store) GetContactSession(ctx context.Context, organizationID string) (*ContactSession, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	organizationID = strings.TrimSpace(organizationID)
	if organizationID == "" {
		return nil, errors.New("missing organization_id")
	}

	var cs ContactSession
	err := s.db.QueryRowContext(ctx, `
SELECT organization_id, contact_session_id, created_at_unix_ms, updated_at_unix_ms
FROM widget_contact_sessions
WHERE organization_id = ?
`, organizationID).Scan(&cs.OrganizationID, &cs.ContactSessionID, &cs.CreatedAtUnixMs, &cs.UpdatedAtUnixMs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &cs, nil
}

// PutContactSession stores (or replaces) the contact session for an organization.
func (s *Store) PutContactSession(ctx context.Context, organizationID string, contactSessionID string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	organizationID = strings.TrimSpace(organizationID)
	contactSessionID = strings.TrimSpace(contactSessionID)
	if organizationID == "" || contactSessionID == "" {
		return errors.New("invalid request")
	}

	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO widget_contact_sessions(organization_id, contact_session_id, created_at_unix_ms, updated_at_unix_ms)
VALUES(?, ?, ?, ?)
ON CONFLICT(organization_id) DO UPDATE SET
  contact_session_id = excluded.contact_session_id,
  updated_at_unix_ms = excluded.updated_at_unix_ms
`, organizationID, contactSessionID, now, now)
	return err
}

// DeleteContactSession forgets the organization's session and its navigation state.
func (s *Store) DeleteContactSession(ctx context.Context, organizationID string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	organizationID = strings.TrimSpace(organizationID)
	if organizationID == "" {
		return errors.New("missing organization_id")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM widget_state WHERE organization_id = ?`, organizationID); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM widget_contact_sessions WHERE organization_id = ?`, organizationID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return tx.Commit()
}

// GetWidgetState returns the zero state (selection screen) when nothing is stored.
func (s *Store) GetWidgetState(ctx context.Context, organizationID string) (WidgetState, error) {
	if s == nil || s.db == nil {
		return WidgetState{}, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	organizationID = strings.TrimSpace(organizationID)
	if organizationID == "" {
		return WidgetState{}, errors.New("missing organization_id")
	}

	st := WidgetState{OrganizationID: organizationID, Screen: ScreenSelection}
	err := s.db.QueryRowContext(ctx, `
SELECT conversation_id, screen, updated_at_unix_ms
FROM widget_state
WHERE organization_id = ?
`, organizationID).Scan(&st.ConversationID, &st.Screen, &st.UpdatedAtUnixMs)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return WidgetState{}, err
	}
	st.Screen = normalizeScreen(st.Screen)
	return st, nil
}

func (s *Store) PutWidgetState(ctx context.Context, st WidgetState) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	st.OrganizationID = strings.TrimSpace(st.OrganizationID)
	st.ConversationID = strings.TrimSpace(st.ConversationID)
	st.Screen = normalizeScreen(st.Screen)
	if st.OrganizationID == "" {
		return errors.New("missing organization_id")
	}
	if st.Screen == ScreenChat && st.ConversationID == "" {
		return errors.New("chat screen requires conversation_id")
	}

	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO widget_state(organization_id, conversation_id, screen, updated_at_unix_ms)
VALUES(?, ?, ?, ?)
ON CONFLICT(organization_id) DO UPDATE SET
  conversation_id = excluded.conversation_id,
  screen = excluded.screen,
  updated_at_unix_ms = excluded.updated_at_unix_ms
`, st.OrganizationID, st.ConversationID, st.Screen, now)
	return err
}

func normalizeScreen(screen string) string {
	switch strings.TrimSpace(screen) {
	case ScreenChat:
		return ScreenChat
	default:
		return ScreenSelection
	}
}

func initSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	return migrateSchema(db)
}

func migrateSchema(db *sql.DB) error {
	const targetVersion = 2

	var v int
	if err := db.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		return fmt.Errorf("pragma user_version: %w", err)
	}
	if v >= targetVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS widget_contact_sessions (
  organization_id TEXT PRIMARY KEY,
  contact_session_id TEXT NOT NULL,
  created_at_unix_ms INTEGER NOT NULL,
  updated_at_unix_ms INTEGER NOT NULL
);
`); err != nil {
		return err
	}

	// v2: navigation state.
	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS widget_state (
  organization_id TEXT PRIMARY KEY,
  conversation_id TEXT NOT NULL DEFAULT '',
  screen TEXT NOT NULL DEFAULT 'selection',
  updated_at_unix_ms INTEGER NOT NULL DEFAULT 0
);
`); err != nil {
		return err
	}

	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version=%d;`, targetVersion)); err != nil {
		return err
	}
	return tx.Commit()
}
