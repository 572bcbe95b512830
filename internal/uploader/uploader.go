// Package uploader implements a generic bounded-concurrency, retrying
// batch-upload pipeline. It is decoupled from what a batch contains:
// behavior is injected through four callbacks (next batch, send, success,
// failure) and the scheduler only guarantees ordering, retry timing, the
// in-flight cap, and graceful drain.
package uploader

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Batch is the minimal contract for an uploadable unit: a stable identifier
// that survives retries.
type Batch interface {
	BatchID() string
}

// Config tunes the pipeline.
type Config struct {
	// MaxInFlight caps concurrent sends. The scheduler never dispatches
	// while at capacity, so exceeding the cap is impossible by
	// construction.
	MaxInFlight int

	// PollInterval is how often the source is polled when idle.
	PollInterval time.Duration

	// RequestTimeout bounds each individual send attempt.
	RequestTimeout time.Duration

	// MaxRetries is the number of additional attempts after the first
	// failure.
	MaxRetries int

	// BaseRetryDelay and MaxRetryDelay shape the exponential backoff:
	// delay for retry n is min(BaseRetryDelay * 2^(n-1), MaxRetryDelay).
	BaseRetryDelay time.Duration
	MaxRetryDelay  time.Duration
}

// DefaultConfig matches the production cold path.
func DefaultConfig() Config {
	return Config{
		MaxInFlight:    4,
		PollInterval:   500 * time.Millisecond,
		RequestTimeout: 30 * time.Second,
		MaxRetries:     20,
		BaseRetryDelay: 2 * time.Second,
		MaxRetryDelay:  5 * time.Minute,
	}
}

// Callbacks inject the pipeline's behavior.
type Callbacks[B Batch] struct {
	// GetNextBatch returns the next batch to upload, or ok=false when
	// the source is empty.
	GetNextBatch func(ctx context.Context) (batch B, ok bool, err error)

	// SendBatch performs one upload attempt.
	SendBatch func(ctx context.Context, batch B) error

	// OnSuccess fires exactly once per batch that uploaded.
	OnSuccess func(batch B)

	// OnFailure fires exactly once per batch whose retry budget was
	// exhausted (or whose retries were cut short by a stop). The batch
	// is then abandoned; re-enqueueing from a durable source is the
	// caller's call.
	OnFailure func(batch B, lastErr error)
}

// Uploader is the pipeline scheduler.
type Uploader[B Batch] struct {
	cfg Config
	cb  Callbacks[B]

	mu       sync.Mutex
	inFlight int
	slotFree chan struct{}

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates an uploader; call Start to begin polling.
func New[B Batch](cfg Config, cb Callbacks[B]) *Uploader[B] {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	return &Uploader[B]{
		cfg:      cfg,
		cb:       cb,
		slotFree: make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the driving loop.
func (u *Uploader[B]) Start(ctx context.Context) {
	go u.run(ctx)
}

// Stop halts polling and waits for every in-flight send to finish. A batch
// mid-retry reports failure instead of sleeping out its remaining backoff;
// no batch is silently dropped.
func (u *Uploader[B]) Stop() {
	u.stopOnce.Do(func() { close(u.stopCh) })
	<-u.doneCh
	u.wg.Wait()
}

func (u *Uploader[B]) run(ctx context.Context) {
	defer close(u.doneCh)

	ticker := time.NewTicker(u.cfg.PollInterval)
	defer ticker.Stop()

	for {
		u.fill(ctx)
		select {
		case <-u.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-u.slotFree:
		}
	}
}

// fill polls the source and dispatches until it is empty or the in-flight
// cap is reached.
func (u *Uploader[B]) fill(ctx context.Context) {
	for {
		select {
		case <-u.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		u.mu.Lock()
		atCapacity := u.inFlight >= u.cfg.MaxInFlight
		u.mu.Unlock()
		if atCapacity {
			return
		}

		batch, ok, err := u.cb.GetNextBatch(ctx)
		if err != nil {
			slog.Warn("batch source error", "error", err)
			return
		}
		if !ok {
			return
		}

		u.mu.Lock()
		u.inFlight++
		u.mu.Unlock()
		u.wg.Add(1)
		go u.send(ctx, batch)
	}
}

func (u *Uploader[B]) send(ctx context.Context, batch B) {
	defer u.wg.Done()
	defer func() {
		u.mu.Lock()
		u.inFlight--
		u.mu.Unlock()
		select {
		case u.slotFree <- struct{}{}:
		default:
		}
	}()

	var lastErr error
	attempts := 1 + u.cfg.MaxRetries
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			delay := Backoff(u.cfg.BaseRetryDelay, u.cfg.MaxRetryDelay, attempt-1)
			select {
			case <-u.stopCh:
				// Stop requested mid-retry: report and drain.
				u.fail(batch, fmt.Errorf("stopped before retry %d: %w", attempt-1, lastErr))
				return
			case <-ctx.Done():
				u.fail(batch, fmt.Errorf("canceled before retry %d: %w", attempt-1, lastErr))
				return
			case <-time.After(delay):
			}
		}

		attemptCtx := ctx
		var cancel context.CancelFunc
		if u.cfg.RequestTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, u.cfg.RequestTimeout)
		}
		err := u.cb.SendBatch(attemptCtx, batch)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			if u.cb.OnSuccess != nil {
				u.cb.OnSuccess(batch)
			}
			return
		}
		lastErr = err
		slog.Debug("batch send failed", "batch_id", batch.BatchID(), "attempt", attempt, "error", err)
	}

	u.fail(batch, lastErr)
}

func (u *Uploader[B]) fail(batch B, err error) {
	slog.Warn("batch abandoned", "batch_id", batch.BatchID(), "error", err)
	if u.cb.OnFailure != nil {
		u.cb.OnFailure(batch, err)
	}
}

// Backoff computes the delay before retry n (1-indexed):
// min(base * 2^(n-1), max). Zero for n <= 0.
func Backoff(base, max time.Duration, n int) time.Duration {
	if n <= 0 {
		return 0
	}
	delay := base
	for i := 1; i < n; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}
