// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/imbhargav5/unbound.computer-sub014/internal/domain"
)

// Repository defines the interface for persisting sessions and messages.
// It is the sole source of truth: derived views are rebuilt from it at
// startup and updated in lock-step with its commits.
type Repository interface {
	// CreateSession inserts a new session row.
	CreateSession(ctx context.Context, session *domain.Session) error

	// GetSession retrieves a session by id. Returns (nil, nil) when the
	// session does not exist.
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)

	// ListSessions returns all sessions ordered by creation time.
	ListSessions(ctx context.Context) ([]*domain.Session, error)

	// CloseSession marks a session closed. Closing an already-closed
	// session is a no-op.
	CloseSession(ctx context.Context, sessionID string) error

	// DeleteSession removes a session and its messages.
	DeleteSession(ctx context.Context, sessionID string) error

	// InsertMessage commits a message and assigns it the next sequence
	// number for its session, atomically with the insert. The assigned
	// number is written back into msg.SequenceNumber.
	InsertMessage(ctx context.Context, msg *domain.Message) error

	// ListMessages returns a session's messages with sequence number
	// greater than afterSeq, ordered by sequence number. limit <= 0 means
	// no limit.
	ListMessages(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]*domain.Message, error)

	// GetSyncState retrieves cold-path sync bookkeeping for a session,
	// creating a zero-cursor row if none exists.
	GetSyncState(ctx context.Context, sessionID string) (*domain.SyncState, error)

	// ListSyncStates returns sync bookkeeping for all sessions that have
	// a sync row.
	ListSyncStates(ctx context.Context) ([]*domain.SyncState, error)

	// MarkSyncSuccess advances a session's cursor and resets its retry
	// count.
	MarkSyncSuccess(ctx context.Context, sessionID string, cursorSeq int64) error

	// MarkSyncFailure increments a session's retry count and records the
	// error and attempt time.
	MarkSyncFailure(ctx context.Context, sessionID string, attemptAt time.Time, lastError string) error

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
