package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/imbhargav5/unbound.computer-sub014/internal/domain"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
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
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		closed INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		sequence_number INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE(session_id, sequence_number)
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, sequence_number);

	CREATE TABLE IF NOT EXISTS sync_state (
		session_id TEXT PRIMARY KEY REFERENCES sessions(id) ON DELETE CASCADE,
		cursor_seq INTEGER NOT NULL DEFAULT 0,
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_attempt_ms INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT ''
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// withConflictRetry retries fn on SQLITE_BUSY / "database is locked" with
// 100/200/400ms backoff.
func withConflictRetry(fn func() error) error {
	var err error
	delay := 100 * time.Millisecond
	for attempt := 0; attempt < 4; attempt++ {
		if attempt > 0 {
			time.Sleep(delay)
			delay *= 2
		}
		err = fn()
		if err == nil || !isSQLiteConflictError(err) {
			return err
		}
	}
	return err
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateSession inserts a new session row.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.Session) error {
	query := `INSERT INTO sessions (id, closed, created_at) VALUES (?, ?, ?)`
	return withConflictRetry(func() error {
		if _, err := s.db.ExecContext(ctx, query, session.ID, boolToInt(session.Closed), session.CreatedAt.Unix()); err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		return nil
	})
}

// GetSession retrieves a session by id.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	query := `SELECT id, closed, created_at FROM sessions WHERE id = ?`
	row := s.db.QueryRowContext(ctx, query, sessionID)

	var session domain.Session
	var closed int
	var createdAt int64
	err := row.Scan(&session.ID, &closed, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	session.Closed = closed != 0
	session.CreatedAt = time.Unix(createdAt, 0)
	return &session, nil
}

// ListSessions returns all sessions ordered by creation time.
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]*domain.Session, error) {
	query := `SELECT id, closed, created_at FROM sessions ORDER BY created_at, id`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*domain.Session
	for rows.Next() {
		var session domain.Session
		var closed int
		var createdAt int64
		if err := rows.Scan(&session.ID, &closed, &createdAt); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		session.Closed = closed != 0
		session.CreatedAt = time.Unix(createdAt, 0)
		sessions = append(sessions, &session)
	}
	return sessions, rows.Err()
}

// CloseSession marks a session closed.
func (s *SQLiteStore) CloseSession(ctx context.Context, sessionID string) error {
	query := `UPDATE sessions SET closed = 1 WHERE id = ?`
	return withConflictRetry(func() error {
		if _, err := s.db.ExecContext(ctx, query, sessionID); err != nil {
			return fmt.Errorf("close session: %w", err)
		}
		return nil
	})
}

// DeleteSession removes a session and its messages.
func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) error {
	return withConflictRetry(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin delete: %w", err)
		}
		defer tx.Rollback()

		for _, q := range []string{
			`DELETE FROM messages WHERE session_id = ?`,
			`DELETE FROM sync_state WHERE session_id = ?`,
			`DELETE FROM sessions WHERE id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, q, sessionID); err != nil {
				return fmt.Errorf("delete session: %w", err)
			}
		}
		return tx.Commit()
	})
}

// InsertMessage commits a message with the next sequence number for its
// session. The subquery and the insert run in the same statement, so two
// concurrent appends can never observe the same MAX and the resulting
// numbers are gap-free.
func (s *SQLiteStore) InsertMessage(ctx context.Context, msg *domain.Message) error {
	query := `
	INSERT INTO messages (id, session_id, role, content, sequence_number, created_at)
	VALUES (?, ?, ?, ?,
		(SELECT COALESCE(MAX(sequence_number), 0) + 1 FROM messages WHERE session_id = ?),
		?)
	RETURNING sequence_number`

	return withConflictRetry(func() error {
		row := s.db.QueryRowContext(ctx, query,
			msg.ID, msg.SessionID, string(msg.Role), msg.Content,
			msg.SessionID, msg.CreatedAt.Unix(),
		)
		if err := row.Scan(&msg.SequenceNumber); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		return nil
	})
}

// ListMessages returns a session's messages past afterSeq in sequence order.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]*domain.Message, error) {
	query := `
		SELECT id, session_id, role, content, sequence_number, created_at
		FROM messages
		WHERE session_id = ? AND sequence_number > ?
		ORDER BY sequence_number`
	args := []interface{}{sessionID, afterSeq}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []*domain.Message
	for rows.Next() {
		var msg domain.Message
		var role string
		var createdAt int64
		if err := rows.Scan(&msg.ID, &msg.SessionID, &role, &msg.Content, &msg.SequenceNumber, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		msg.Role = domain.Role(role)
		msg.CreatedAt = time.Unix(createdAt, 0)
		messages = append(messages, &msg)
	}
	return messages, rows.Err()
}

// GetSyncState retrieves sync bookkeeping, creating a zero row if missing.
func (s *SQLiteStore) GetSyncState(ctx context.Context, sessionID string) (*domain.SyncState, error) {
	insert := `INSERT INTO sync_state (session_id) VALUES (?) ON CONFLICT(session_id) DO NOTHING`
	if err := withConflictRetry(func() error {
		_, err := s.db.ExecContext(ctx, insert, sessionID)
		return err
	}); err != nil {
		return nil, fmt.Errorf("ensure sync state: %w", err)
	}

	query := `SELECT session_id, cursor_seq, retry_count, last_attempt_ms, last_error FROM sync_state WHERE session_id = ?`
	return scanSyncState(s.db.QueryRowContext(ctx, query, sessionID))
}

// ListSyncStates returns sync bookkeeping for all tracked sessions.
func (s *SQLiteStore) ListSyncStates(ctx context.Context) ([]*domain.SyncState, error) {
	query := `SELECT session_id, cursor_seq, retry_count, last_attempt_ms, last_error FROM sync_state ORDER BY session_id`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query sync state: %w", err)
	}
	defer rows.Close()

	var states []*domain.SyncState
	for rows.Next() {
		state, err := scanSyncState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, state)
	}
	return states, rows.Err()
}

// MarkSyncSuccess advances the cursor and resets retries.
func (s *SQLiteStore) MarkSyncSuccess(ctx context.Context, sessionID string, cursorSeq int64) error {
	query := `UPDATE sync_state SET cursor_seq = ?, retry_count = 0, last_error = '' WHERE session_id = ?`
	return withConflictRetry(func() error {
		if _, err := s.db.ExecContext(ctx, query, cursorSeq, sessionID); err != nil {
			return fmt.Errorf("mark sync success: %w", err)
		}
		return nil
	})
}

// MarkSyncFailure records a failed attempt.
func (s *SQLiteStore) MarkSyncFailure(ctx context.Context, sessionID string, attemptAt time.Time, lastError string) error {
	query := `UPDATE sync_state SET retry_count = retry_count + 1, last_attempt_ms = ?, last_error = ? WHERE session_id = ?`
	return withConflictRetry(func() error {
		if _, err := s.db.ExecContext(ctx, query, attemptAt.UnixMilli(), lastError, sessionID); err != nil {
			return fmt.Errorf("mark sync failure: %w", err)
		}
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSyncState(row rowScanner) (*domain.SyncState, error) {
	var state domain.SyncState
	var lastAttemptMS int64
	if err := row.Scan(&state.SessionID, &state.CursorSeq, &state.RetryCount, &lastAttemptMS, &state.LastError); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan sync state row: %w", err)
	}
	if lastAttemptMS > 0 {
		state.LastAttempt = time.UnixMilli(lastAttemptMS)
	}
	return &state, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
