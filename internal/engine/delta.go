package engine

import (
	"sync"

	"github.com/imbhargav5/unbound.computer-sub014/internal/domain"
)

// deltaStore holds, per session, the ordered messages appended since the
// session's snapshot baseline. Append-only, monotonic by sequence number.
type deltaStore struct {
	mu     sync.RWMutex
	deltas map[string][]*domain.Message
}

func newDeltaStore() *deltaStore {
	return &deltaStore{deltas: make(map[string][]*domain.Message)}
}

// initSession registers a session with the given baseline messages.
func (d *deltaStore) initSession(sessionID string, messages []*domain.Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deltas[sessionID] = append([]*domain.Message(nil), messages...)
}

// append adds a committed message to its session's delta. Unknown sessions
// are ignored; the write path guarantees initSession ran first.
func (d *deltaStore) append(msg *domain.Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.deltas[msg.SessionID]; !ok {
		return
	}
	d.deltas[msg.SessionID] = append(d.deltas[msg.SessionID], msg)
}

// get returns a copy of a session's delta and whether the session is known.
func (d *deltaStore) get(sessionID string) ([]*domain.Message, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	messages, ok := d.deltas[sessionID]
	if !ok {
		return nil, false
	}
	out := make([]*domain.Message, len(messages))
	copy(out, messages)
	return out, true
}

// remove drops a session's delta entirely.
func (d *deltaStore) remove(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.deltas, sessionID)
}

// clearAll re-baselines every known session to an empty delta.
func (d *deltaStore) clearAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id := range d.deltas {
		d.deltas[id] = nil
	}
}
