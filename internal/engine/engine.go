// Package engine implements the session state engine: the single authority
// for session and message facts, the derived snapshot/delta/live read
// views, and crash recovery.
//
// Every write follows the same strict order: (1) commit to the store,
// (2) update derived in-memory state, (3) emit a side effect. A failed
// commit stops the sequence and surfaces the store error; steps (2) and
// (3) cannot fail once (1) succeeded.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/imbhargav5/unbound.computer-sub014/internal/domain"
	"github.com/imbhargav5/unbound.computer-sub014/internal/effect"
	"github.com/imbhargav5/unbound.computer-sub014/internal/store"
)

var (
	ErrUnknownSession = errors.New("unknown session")
	ErrSessionClosed  = errors.New("session closed")
	ErrInvalidRole    = errors.New("invalid message role")
)

// State is the engine lifecycle phase.
type State int

const (
	Uninitialized State = iota
	Recovering
	Ready
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Recovering:
		return "recovering"
	case Ready:
		return "ready"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// sessionMeta is the engine's in-memory record of a session.
type sessionMeta struct {
	closed      bool
	createdAt   time.Time
	agentStatus domain.AgentStatus
}

// Engine owns all writes and serves derived reads. Reads never touch the
// store after recovery and writes are serialized so no reader can observe
// a derived view ahead of its commit.
type Engine struct {
	repo store.Repository
	sink effect.Sink

	// writeMu serializes the full commit-derive-emit sequence.
	writeMu sync.Mutex

	// mu guards sessions, snapshot, and state.
	mu       sync.RWMutex
	state    State
	sessions map[string]*sessionMeta
	snapshot *Snapshot

	deltas *deltaStore
	live   *liveHub
}

// Recover opens the engine against a store: it loads all sessions, rebuilds
// each session's delta from its stored messages, takes the initial
// snapshot, and transitions to Ready. Recovery is silent — no side effects
// are emitted and no live subscriber is notified.
func Recover(ctx context.Context, repo store.Repository, sink effect.Sink) (*Engine, error) {
	e := &Engine{
		repo:     repo,
		sink:     sink,
		state:    Recovering,
		sessions: make(map[string]*sessionMeta),
		deltas:   newDeltaStore(),
		live:     newLiveHub(),
	}

	sessions, err := repo.ListSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}

	lastSeq := make(map[string]int64, len(sessions))
	for _, session := range sessions {
		messages, err := repo.ListMessages(ctx, session.ID, 0, 0)
		if err != nil {
			return nil, fmt.Errorf("load messages for session %s: %w", session.ID, err)
		}
		e.sessions[session.ID] = &sessionMeta{
			closed:      session.Closed,
			createdAt:   session.CreatedAt,
			agentStatus: domain.AgentIdle,
		}
		e.deltas.initSession(session.ID, messages)
		if n := len(messages); n > 0 {
			lastSeq[session.ID] = messages[n-1].SequenceNumber
		}
	}

	e.snapshot = buildSnapshot(sessions, lastSeq, time.Now())
	e.state = Ready

	slog.Info("engine recovered", "sessions", len(sessions))
	return e, nil
}

// State reports the engine lifecycle phase.
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// CreateSession commits a new session, registers its derived state, and
// emits SessionCreated.
func (e *Engine) CreateSession(ctx context.Context) (string, error) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	session := &domain.Session{ID: uuid.NewString(), CreatedAt: time.Now()}
	if err := e.repo.CreateSession(ctx, session); err != nil {
		return "", fmt.Errorf("commit session: %w", err)
	}

	e.mu.Lock()
	e.sessions[session.ID] = &sessionMeta{
		createdAt:   session.CreatedAt,
		agentStatus: domain.AgentIdle,
	}
	e.snapshot = e.snapshot.withSession(SessionView{Session: *session}, time.Now())
	e.mu.Unlock()
	e.deltas.initSession(session.ID, nil)

	e.sink.Handle(effect.Effect{
		Type:        effect.SessionCreated,
		SessionID:   session.ID,
		CreatedAtMS: session.CreatedAt.UnixMilli(),
	})
	return session.ID, nil
}

// Append commits a message to an active session, updates the delta, fans
// out to live subscribers, and emits MessageAppended. The sequence number
// is assigned by the store atomically with the insert.
func (e *Engine) Append(ctx context.Context, sessionID string, newMsg domain.NewMessage) (string, error) {
	if !newMsg.Role.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, newMsg.Role)
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	e.mu.RLock()
	meta, ok := e.sessions[sessionID]
	closed := ok && meta.closed
	e.mu.RUnlock()
	if !ok {
		return "", ErrUnknownSession
	}
	if closed {
		return "", ErrSessionClosed
	}

	msg := &domain.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      newMsg.Role,
		Content:   newMsg.Content,
		CreatedAt: time.Now(),
	}
	if err := e.repo.InsertMessage(ctx, msg); err != nil {
		return "", fmt.Errorf("commit message: %w", err)
	}

	e.mu.Lock()
	if view, found := e.snapshot.Session(sessionID); found {
		view.LastSequence = msg.SequenceNumber
		e.snapshot = e.snapshot.withSession(view, time.Now())
	}
	e.mu.Unlock()
	e.deltas.append(msg)
	e.live.notify(msg)

	e.sink.Handle(effect.Effect{
		Type:           effect.MessageAppended,
		SessionID:      sessionID,
		MessageID:      msg.ID,
		SequenceNumber: msg.SequenceNumber,
		Role:           msg.Role,
		Content:        msg.Content,
		CreatedAtMS:    msg.CreatedAt.UnixMilli(),
	})
	return msg.ID, nil
}

// CloseSession commits the closed flag and emits SessionClosed. Further
// appends are rejected; reads remain valid.
func (e *Engine) CloseSession(ctx context.Context, sessionID string) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	e.mu.RLock()
	meta, ok := e.sessions[sessionID]
	e.mu.RUnlock()
	if !ok {
		return ErrUnknownSession
	}
	if meta.closed {
		return nil
	}

	if err := e.repo.CloseSession(ctx, sessionID); err != nil {
		return fmt.Errorf("commit close: %w", err)
	}

	e.mu.Lock()
	meta.closed = true
	if view, found := e.snapshot.Session(sessionID); found {
		view.Session.Closed = true
		e.snapshot = e.snapshot.withSession(view, time.Now())
	}
	e.mu.Unlock()

	e.sink.Handle(effect.Effect{Type: effect.SessionClosed, SessionID: sessionID})
	return nil
}

// DeleteSession removes the session and all derived state. Deletion is
// terminal: live subscribers are closed and no further operation on the
// session succeeds.
func (e *Engine) DeleteSession(ctx context.Context, sessionID string) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	e.mu.RLock()
	_, ok := e.sessions[sessionID]
	e.mu.RUnlock()
	if !ok {
		return ErrUnknownSession
	}

	if err := e.repo.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}

	e.mu.Lock()
	delete(e.sessions, sessionID)
	e.snapshot = e.snapshot.withoutSession(sessionID, time.Now())
	e.mu.Unlock()
	e.deltas.remove(sessionID)
	e.live.closeSession(sessionID)

	e.sink.Handle(effect.Effect{Type: effect.SessionDeleted, SessionID: sessionID})
	return nil
}

// SetAgentStatus records what the session's agent is doing and emits
// AgentStatusChanged. Status is presence-like derived state, not a durable
// fact, so there is no store commit.
func (e *Engine) SetAgentStatus(sessionID string, status domain.AgentStatus) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	e.mu.Lock()
	meta, ok := e.sessions[sessionID]
	if !ok {
		e.mu.Unlock()
		return ErrUnknownSession
	}
	meta.agentStatus = status
	e.mu.Unlock()

	e.sink.Handle(effect.Effect{
		Type:      effect.AgentStatusChanged,
		SessionID: sessionID,
		Status:    status,
	})
	return nil
}

// Snapshot returns the current immutable snapshot. Pure read.
func (e *Engine) Snapshot() *Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snapshot
}

// Delta returns the messages appended to a session since its snapshot
// baseline. Pure read.
func (e *Engine) Delta(sessionID string) ([]*domain.Message, error) {
	messages, ok := e.deltas.get(sessionID)
	if !ok {
		return nil, ErrUnknownSession
	}
	return messages, nil
}

// Subscribe returns a live subscription for a session. The subscription
// receives messages appended after this call; it never replays history.
func (e *Engine) Subscribe(sessionID string) (*Subscription, error) {
	e.mu.RLock()
	_, ok := e.sessions[sessionID]
	e.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownSession
	}
	return e.live.subscribe(sessionID), nil
}

// SubscriberCount reports live subscribers for a session.
func (e *Engine) SubscriberCount(sessionID string) int {
	return e.live.subscriberCount(sessionID)
}

// RefreshSnapshot rebuilds the snapshot from the store and re-baselines
// every delta to empty. Emits nothing: a refresh changes no facts.
func (e *Engine) RefreshSnapshot(ctx context.Context) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	sessions, err := e.repo.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}

	lastSeq := make(map[string]int64, len(sessions))
	for _, session := range sessions {
		messages, err := e.repo.ListMessages(ctx, session.ID, 0, 0)
		if err != nil {
			return fmt.Errorf("load messages for session %s: %w", session.ID, err)
		}
		if n := len(messages); n > 0 {
			lastSeq[session.ID] = messages[n-1].SequenceNumber
		}
	}

	snap := buildSnapshot(sessions, lastSeq, time.Now())

	e.mu.Lock()
	e.snapshot = snap
	e.mu.Unlock()
	e.deltas.clearAll()
	return nil
}
