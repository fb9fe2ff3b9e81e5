package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/voicechat-io/voiced/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency. Pragmas go in the
	// DSN so every pooled connection gets them.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)" +
		"&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL,
		last_active_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(user_id),
		started_at INTEGER NOT NULL,
		ended_at INTEGER,
		turn_count INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);

	CREATE TABLE IF NOT EXISTS messages (
		message_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(session_id) ON DELETE CASCADE,
		user_id TEXT NOT NULL REFERENCES users(user_id),
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		vector_id TEXT,
		processing_ms INTEGER,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// EnsureUser creates the user record if missing and bumps last_active_at.
func (s *SQLiteStore) EnsureUser(ctx context.Context, userID string) error {
	now := time.Now().UnixMilli()
	query := `
	INSERT INTO users (user_id, created_at, last_active_at)
	VALUES (?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET last_active_at = excluded.last_active_at`

	if _, err := s.db.ExecContext(ctx, query, userID, now, now); err != nil {
		return fmt.Errorf("ensure user: %w", err)
	}
	return nil
}

// CreateSession persists a new session record.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.Session) error {
	query := `
	INSERT INTO sessions (session_id, user_id, started_at, ended_at, turn_count)
	VALUES (?, ?, ?, NULL, 0)`

	_, err := s.db.ExecContext(ctx, query,
		session.SessionID, session.UserID, session.StartedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by id.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	query := `
		SELECT session_id, user_id, started_at, ended_at, turn_count
		FROM sessions WHERE session_id = ?`

	row := s.db.QueryRowContext(ctx, query, sessionID)

	var sess domain.Session
	var startedAt int64
	var endedAt sql.NullInt64

	err := row.Scan(&sess.SessionID, &sess.UserID, &startedAt, &endedAt, &sess.TurnCount)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	sess.StartedAt = time.UnixMilli(startedAt)
	if endedAt.Valid {
		t := time.UnixMilli(endedAt.Int64)
		sess.EndedAt = &t
	}

	return &sess, nil
}

// EndSession sets ended_at once; an already ended session is left untouched.
func (s *SQLiteStore) EndSession(ctx context.Context, sessionID string, endedAt time.Time) error {
	query := `UPDATE sessions SET ended_at = ? WHERE session_id = ? AND ended_at IS NULL`
	result, err := s.db.ExecContext(ctx, query, endedAt.UnixMilli(), sessionID)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		// Either unknown or already ended. Distinguish so callers can
		// treat repeated ends as a no-op.
		if _, getErr := s.GetSession(ctx, sessionID); getErr != nil {
			return getErr
		}
	}
	return nil
}

// DeleteSession removes a session and cascades to its messages.
func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// ListSessions returns all sessions for a user, newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context, userID string) ([]*domain.Session, error) {
	query := `
		SELECT session_id, user_id, started_at, ended_at, turn_count
		FROM sessions WHERE user_id = ? ORDER BY started_at DESC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*domain.Session
	for rows.Next() {
		var sess domain.Session
		var startedAt int64
		var endedAt sql.NullInt64
		if err := rows.Scan(&sess.SessionID, &sess.UserID, &startedAt, &endedAt, &sess.TurnCount); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sess.StartedAt = time.UnixMilli(startedAt)
		if endedAt.Valid {
			t := time.UnixMilli(endedAt.Int64)
			sess.EndedAt = &t
		}
		sessions = append(sessions, &sess)
	}
	return sessions, rows.Err()
}

// SessionStats returns aggregate counters for a session.
func (s *SQLiteStore) SessionStats(ctx context.Context, sessionID string) (*SessionStats, error) {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	var count int
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID)
	if err := row.Scan(&count); err != nil {
		return nil, fmt.Errorf("count messages: %w", err)
	}

	return &SessionStats{
		SessionID:    sess.SessionID,
		MessageCount: count,
		StartedAt:    sess.StartedAt,
		EndedAt:      sess.EndedAt,
		Duration:     sess.Duration(),
	}, nil
}

// UserStats returns aggregate counters across all of a user's sessions.
func (s *SQLiteStore) UserStats(ctx context.Context, userID string) (*UserStats, error) {
	var createdAt int64
	row := s.db.QueryRowContext(ctx,
		`SELECT created_at FROM users WHERE user_id = ?`, userID)
	err := row.Scan(&createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	stats := &UserStats{UserID: userID, CreatedAt: time.UnixMilli(createdAt)}

	query := `
		SELECT
			(SELECT COUNT(*) FROM sessions WHERE user_id = ?),
			(SELECT COUNT(*) FROM sessions WHERE user_id = ? AND ended_at IS NULL),
			(SELECT COUNT(*) FROM messages WHERE user_id = ?),
			(SELECT MAX(created_at) FROM messages WHERE user_id = ?)`

	var latest sql.NullInt64
	err = s.db.QueryRowContext(ctx, query, userID, userID, userID, userID).
		Scan(&stats.SessionCount, &stats.ActiveSessions, &stats.TotalMessages, &latest)
	if err != nil {
		return nil, fmt.Errorf("aggregate user stats: %w", err)
	}
	if latest.Valid {
		t := time.UnixMilli(latest.Int64)
		stats.LatestActivity = &t
	}
	return stats, nil
}

// InsertMessage durably records a message. User messages increment the
// owning session's turn counter.
func (s *SQLiteStore) InsertMessage(ctx context.Context, msg *domain.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	query := `
	INSERT INTO messages (message_id, session_id, user_id, role, content, vector_id, processing_ms, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	var vectorID interface{}
	if msg.VectorID != "" {
		vectorID = msg.VectorID
	}

	_, err = tx.ExecContext(ctx, query,
		msg.MessageID, msg.SessionID, msg.UserID, string(msg.Role),
		msg.Content, vectorID, msg.ProcessingMs, msg.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	if msg.Role == domain.RoleUser {
		if _, err := tx.ExecContext(ctx,
			`UPDATE sessions SET turn_count = turn_count + 1 WHERE session_id = ?`,
			msg.SessionID); err != nil {
			return fmt.Errorf("increment turn count: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit message: %w", err)
	}
	return nil
}

// RecentMessages returns the last limit messages in chronological order.
func (s *SQLiteStore) RecentMessages(ctx context.Context, sessionID string, limit int) ([]*domain.Message, error) {
	query := `
		SELECT message_id, session_id, user_id, role, content, vector_id, processing_ms, created_at
		FROM (
			SELECT * FROM messages WHERE session_id = ?
			ORDER BY created_at DESC, message_id DESC LIMIT ?
		) ORDER BY created_at ASC, message_id ASC`

	return s.queryMessages(ctx, query, sessionID, limit)
}

// MessagesBySession returns all messages of a session in chronological order.
func (s *SQLiteStore) MessagesBySession(ctx context.Context, sessionID string) ([]*domain.Message, error) {
	query := `
		SELECT message_id, session_id, user_id, role, content, vector_id, processing_ms, created_at
		FROM messages WHERE session_id = ?
		ORDER BY created_at ASC, message_id ASC`

	return s.queryMessages(ctx, query, sessionID)
}

func (s *SQLiteStore) queryMessages(ctx context.Context, query string, args ...interface{}) ([]*domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []*domain.Message
	for rows.Next() {
		var msg domain.Message
		var role string
		var vectorID sql.NullString
		var processingMs sql.NullInt64
		var createdAt int64

		err := rows.Scan(&msg.MessageID, &msg.SessionID, &msg.UserID, &role,
			&msg.Content, &vectorID, &processingMs, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}

		msg.Role = domain.Role(role)
		msg.VectorID = vectorID.String
		msg.ProcessingMs = processingMs.Int64
		msg.CreatedAt = time.UnixMilli(createdAt)
		msgs = append(msgs, &msg)
	}
	return msgs, rows.Err()
}

// SetMessageVector records the semantic-index entry id for a message.
func (s *SQLiteStore) SetMessageVector(ctx context.Context, messageID, vectorID string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE messages SET vector_id = ? WHERE message_id = ?`, vectorID, messageID)
	if err != nil {
		return fmt.Errorf("set message vector: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("message not found: %s", messageID)
	}
	return nil
}
