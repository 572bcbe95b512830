package effect

import (
	"log/slog"
	"sync"
)

// Sink consumes committed effects. Handle must not block the caller
// meaningfully and must never fail the write that produced the effect.
type Sink interface {
	Handle(e Effect)
}

// Composite fans each effect out to every downstream sink. Each sink drains
// its own queue on a single goroutine, so one sink observes effects in
// commit order; a slow or failing sink never delays the caller or a
// sibling, and a panicking sink is contained.
type Composite struct {
	queues []*sinkQueue
}

// NewComposite builds a composite over the given sinks.
func NewComposite(sinks ...Sink) *Composite {
	c := &Composite{queues: make([]*sinkQueue, 0, len(sinks))}
	for _, s := range sinks {
		c.queues = append(c.queues, &sinkQueue{sink: s})
	}
	return c
}

// Handle enqueues e for every sink and returns immediately.
func (c *Composite) Handle(e Effect) {
	for _, q := range c.queues {
		q.enqueue(e)
	}
}

// sinkQueue serializes one sink's dispatches. A drain goroutine runs only
// while effects are pending.
type sinkQueue struct {
	sink Sink

	mu       sync.Mutex
	pending  []Effect
	draining bool
}

func (q *sinkQueue) enqueue(e Effect) {
	q.mu.Lock()
	q.pending = append(q.pending, e)
	start := !q.draining
	q.draining = true
	q.mu.Unlock()
	if start {
		go q.drain()
	}
}

func (q *sinkQueue) drain() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.draining = false
			q.mu.Unlock()
			return
		}
		e := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()
		q.dispatch(e)
	}
}

func (q *sinkQueue) dispatch(e Effect) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("effect sink panicked", "panic", r, "effect_type", e.Type)
		}
	}()
	q.sink.Handle(e)
}

// NullSink discards every effect.
type NullSink struct{}

func (NullSink) Handle(Effect) {}

// RecordingSink captures effects for tests.
type RecordingSink struct {
	mu      sync.Mutex
	effects []Effect
}

func (r *RecordingSink) Handle(e Effect) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.effects = append(r.effects, e)
}

// Effects returns a copy of everything recorded so far.
func (r *RecordingSink) Effects() []Effect {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Effect, len(r.effects))
	copy(out, r.effects)
	return out
}

// Count returns the number of recorded effects.
func (r *RecordingSink) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.effects)
}
