package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements ChatStore and ArtifactStore on a single
// SQLite database. The schema is created on open.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLiteStore opens (or creates) the database at path. Parent
// directories are created if needed.
func NewSQLiteStore(path string, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL mode for better concurrent performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("sqlite store opened", zap.String("path", path))
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			stage TEXT NOT NULL DEFAULT 'chat',
			blueprint_ready INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(id)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_session_sequence
			ON messages(session_id, sequence);

		CREATE TABLE IF NOT EXISTS artifacts (
			id TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			session_id TEXT NOT NULL,
			type TEXT NOT NULL,
			title TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_artifacts_session
			ON artifacts(session_id);

		CREATE TABLE IF NOT EXISTS artifact_versions (
			id TEXT PRIMARY KEY,
			artifact_id TEXT NOT NULL,
			version_number INTEGER NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			content_json TEXT NOT NULL DEFAULT '',
			change_summary TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			FOREIGN KEY (artifact_id) REFERENCES artifacts(id),
			UNIQUE (artifact_id, version_number)
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ensureSession inserts the session row if it does not exist yet.
func (s *SQLiteStore) ensureSession(ctx context.Context, sessionID string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, created_at, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		sessionID, now, now)
	return err
}

// GetMessages returns a session's messages in sequence order.
func (s *SQLiteStore) GetMessages(ctx context.Context, sessionID string) ([]ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, sequence, created_at
		FROM messages
		WHERE session_id = ?
		ORDER BY sequence ASC`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var msgs []ChatMessage
	for rows.Next() {
		var m ChatMessage
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.Sequence, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// AddMessage appends a message, assigning ID, Sequence and CreatedAt
// when unset.
func (s *SQLiteStore) AddMessage(ctx context.Context, msg ChatMessage) (ChatMessage, error) {
	if err := s.ensureSession(ctx, msg.SessionID); err != nil {
		return ChatMessage{}, fmt.Errorf("ensuring session: %w", err)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ChatMessage{}, fmt.Errorf("beginning tx: %w", err)
	}
	defer tx.Rollback()

	if msg.Sequence == 0 {
		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(sequence), 0) + 1
			FROM messages WHERE session_id = ?`,
			msg.SessionID).Scan(&msg.Sequence); err != nil {
			return ChatMessage{}, fmt.Errorf("assigning sequence: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, role, content, sequence, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, msg.Role, msg.Content, msg.Sequence, msg.CreatedAt); err != nil {
		return ChatMessage{}, fmt.Errorf("inserting message: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE sessions SET updated_at = ? WHERE id = ?`,
		time.Now().UTC(), msg.SessionID); err != nil {
		return ChatMessage{}, fmt.Errorf("touching session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return ChatMessage{}, fmt.Errorf("committing: %w", err)
	}
	return msg, nil
}

// NextSequenceNumber returns the sequence the next message will get.
func (s *SQLiteStore) NextSequenceNumber(ctx context.Context, sessionID string) (int, error) {
	var next int
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(sequence), 0) + 1
		FROM messages WHERE session_id = ?`,
		sessionID).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("querying sequence: %w", err)
	}
	return next, nil
}

// UpdateSession applies the non-nil fields, creating the session row
// if absent.
func (s *SQLiteStore) UpdateSession(ctx context.Context, sessionID string, fields SessionFields) error {
	if err := s.ensureSession(ctx, sessionID); err != nil {
		return fmt.Errorf("ensuring session: %w", err)
	}

	set := "updated_at = ?"
	args := []any{time.Now().UTC()}
	if fields.Title != nil {
		set += ", title = ?"
		args = append(args, *fields.Title)
	}
	if fields.Stage != nil {
		set += ", stage = ?"
		args = append(args, *fields.Stage)
	}
	if fields.BlueprintReady != nil {
		set += ", blueprint_ready = ?"
		args = append(args, boolToInt(*fields.BlueprintReady))
	}
	args = append(args, sessionID)

	_, err := s.db.ExecContext(ctx, "UPDATE sessions SET "+set+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("updating session: %w", err)
	}
	return nil
}

// Session returns a session's stored attributes.
func (s *SQLiteStore) Session(ctx context.Context, sessionID string) (title, stage string, blueprintReady bool, err error) {
	var ready int
	err = s.db.QueryRowContext(ctx, `
		SELECT title, stage, blueprint_ready FROM sessions WHERE id = ?`,
		sessionID).Scan(&title, &stage, &ready)
	if err == sql.ErrNoRows {
		return "", "", false, ErrNotFound
	}
	if err != nil {
		return "", "", false, fmt.Errorf("querying session: %w", err)
	}
	return title, stage, ready != 0, nil
}

// CreateArtifact records a new artifact and returns its id.
func (s *SQLiteStore) CreateArtifact(ctx context.Context, a Artifact) (string, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO artifacts (id, owner, session_id, type, title, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.Owner, a.SessionID, a.Type, a.Title, a.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("inserting artifact: %w", err)
	}
	return a.ID, nil
}

// CreateVersion appends a revision, assigning the next version number
// when unset.
func (s *SQLiteStore) CreateVersion(ctx context.Context, v ArtifactVersion) (ArtifactVersion, error) {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ArtifactVersion{}, fmt.Errorf("beginning tx: %w", err)
	}
	defer tx.Rollback()

	if v.VersionNumber == 0 {
		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(version_number), 0) + 1
			FROM artifact_versions WHERE artifact_id = ?`,
			v.ArtifactID).Scan(&v.VersionNumber); err != nil {
			return ArtifactVersion{}, fmt.Errorf("assigning version: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO artifact_versions
			(id, artifact_id, version_number, content, content_json, change_summary, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.ArtifactID, v.VersionNumber, v.Content, v.ContentJSON, v.ChangeSummary, v.CreatedAt); err != nil {
		return ArtifactVersion{}, fmt.Errorf("inserting version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return ArtifactVersion{}, fmt.Errorf("committing: %w", err)
	}
	return v, nil
}

// LatestVersion returns the newest revision of an artifact.
func (s *SQLiteStore) LatestVersion(ctx context.Context, artifactID string) (ArtifactVersion, error) {
	var v ArtifactVersion
	err := s.db.QueryRowContext(ctx, `
		SELECT id, artifact_id, version_number, content, content_json, change_summary, created_at
		FROM artifact_versions
		WHERE artifact_id = ?
		ORDER BY version_number DESC
		LIMIT 1`,
		artifactID).Scan(&v.ID, &v.ArtifactID, &v.VersionNumber, &v.Content, &v.ContentJSON, &v.ChangeSummary, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return ArtifactVersion{}, ErrNotFound
	}
	if err != nil {
		return ArtifactVersion{}, fmt.Errorf("querying version: %w", err)
	}
	return v, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
