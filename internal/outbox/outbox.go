// Package outbox feeds the cold-path uploader from the durable store. It
// derives pending work from per-session sync cursors on every poll, so a
// side effect lost between commit and emission still gets uploaded — the
// cold path reconciles from the store, it does not depend on effect
// delivery.
package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/imbhargav5/unbound.computer-sub014/internal/domain"
	"github.com/imbhargav5/unbound.computer-sub014/internal/store"
	"github.com/imbhargav5/unbound.computer-sub014/internal/uploader"
)

const (
	// DefaultBatchSize caps messages per upload batch.
	DefaultBatchSize = 50

	maxResponseBytes = 64 * 1024
)

// MessageBatch is one session's pending messages past its sync cursor. The
// ULID identifier is stable across retries of the same batch.
type MessageBatch struct {
	ID        string
	SessionID string
	Messages  []*domain.Message
	cursorEnd int64
}

// BatchID implements uploader.Batch.
func (b *MessageBatch) BatchID() string { return b.ID }

// Options configures the outbox.
type Options struct {
	// IngestURL is the remote durable store's batch endpoint.
	IngestURL string

	// DeviceID identifies this daemon in upload payloads.
	DeviceID string

	// BatchSize caps messages per batch; DefaultBatchSize when zero.
	BatchSize int

	// MaxRetries, BackoffBase, and BackoffMax gate when a failing
	// session becomes due again. This is durable bookkeeping in
	// sync_state, distinct from the uploader's in-memory per-batch
	// retries.
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
}

// Outbox implements the uploader's four callbacks over the store.
type Outbox struct {
	repo store.Repository
	opts Options

	client *http.Client

	mu       sync.Mutex
	inFlight map[string]bool // session id -> batch handed out
}

// New creates an outbox over the repository.
func New(repo store.Repository, opts Options) *Outbox {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 2 * time.Second
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 5 * time.Minute
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 20
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Outbox{
		repo:     repo,
		opts:     opts,
		client:   client,
		inFlight: make(map[string]bool),
	}
}

// Callbacks wires the outbox into an uploader.
func (o *Outbox) Callbacks() uploader.Callbacks[*MessageBatch] {
	return uploader.Callbacks[*MessageBatch]{
		GetNextBatch: o.GetNextBatch,
		SendBatch:    o.SendBatch,
		OnSuccess:    o.OnSuccess,
		OnFailure:    o.OnFailure,
	}
}

// GetNextBatch scans sessions for pending messages past their cursors and
// returns the first due batch. A session already handed out, over its retry
// budget, or still inside its backoff window is skipped.
func (o *Outbox) GetNextBatch(ctx context.Context) (*MessageBatch, bool, error) {
	sessions, err := o.repo.ListSessions(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("list sessions: %w", err)
	}

	now := time.Now()
	for _, session := range sessions {
		o.mu.Lock()
		busy := o.inFlight[session.ID]
		o.mu.Unlock()
		if busy {
			continue
		}

		state, err := o.repo.GetSyncState(ctx, session.ID)
		if err != nil {
			return nil, false, fmt.Errorf("sync state for %s: %w", session.ID, err)
		}
		if state.RetryCount > o.opts.MaxRetries {
			continue
		}
		if !o.isDue(state, now) {
			continue
		}

		messages, err := o.repo.ListMessages(ctx, session.ID, state.CursorSeq, o.opts.BatchSize)
		if err != nil {
			return nil, false, fmt.Errorf("pending messages for %s: %w", session.ID, err)
		}
		if len(messages) == 0 {
			continue
		}

		batch := &MessageBatch{
			ID:        ulid.Make().String(),
			SessionID: session.ID,
			Messages:  messages,
			cursorEnd: messages[len(messages)-1].SequenceNumber,
		}
		o.mu.Lock()
		o.inFlight[session.ID] = true
		o.mu.Unlock()
		return batch, true, nil
	}
	return nil, false, nil
}

// isDue applies the durable backoff window: a session that failed recently
// waits base*2^(n-1) (capped) since its last attempt.
func (o *Outbox) isDue(state *domain.SyncState, now time.Time) bool {
	if state.RetryCount == 0 || state.LastAttempt.IsZero() {
		return true
	}
	delay := uploader.Backoff(o.opts.BackoffBase, o.opts.BackoffMax, state.RetryCount)
	return !now.Before(state.LastAttempt.Add(delay))
}

// uploadRequest is the ingest endpoint's JSON body.
type uploadRequest struct {
	BatchID   string            `json:"batch_id"`
	DeviceID  string            `json:"device_id"`
	SessionID string            `json:"session_id"`
	Messages  []*domain.Message `json:"messages"`
}

// SendBatch uploads one batch.
func (o *Outbox) SendBatch(ctx context.Context, batch *MessageBatch) error {
	body, err := json.Marshal(uploadRequest{
		BatchID:   batch.ID,
		DeviceID:  o.opts.DeviceID,
		SessionID: batch.SessionID,
		Messages:  batch.Messages,
	})
	if err != nil {
		return fmt.Errorf("marshal batch %s: %w", batch.ID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.opts.IngestURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Batch-ID", batch.ID)

	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("post batch %s: %w", batch.ID, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("batch %s rejected: status %d", batch.ID, resp.StatusCode)
	}
	return nil
}

// OnSuccess advances the session cursor and frees the session for the next
// batch.
func (o *Outbox) OnSuccess(batch *MessageBatch) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.repo.MarkSyncSuccess(ctx, batch.SessionID, batch.cursorEnd); err != nil {
		// The cursor did not advance; the same messages will be
		// re-batched and the remote dedupes on message id.
		slog.Warn("advance sync cursor", "session_id", batch.SessionID, "error", err)
	}
	o.release(batch.SessionID)
}

// OnFailure records the error for backoff gating and frees the session.
func (o *Outbox) OnFailure(batch *MessageBatch, lastErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.repo.MarkSyncFailure(ctx, batch.SessionID, time.Now(), lastErr.Error()); err != nil {
		slog.Warn("record sync failure", "session_id", batch.SessionID, "error", err)
	}
	o.release(batch.SessionID)
}

func (o *Outbox) release(sessionID string) {
	o.mu.Lock()
	delete(o.inFlight, sessionID)
	o.mu.Unlock()
}
