package engine

import (
	"sync"

	"github.com/imbhargav5/unbound.computer-sub014/internal/domain"
)

// subscriptionBuffer bounds each live subscription's queue. A consumer that
// fails to drain in time loses messages rather than blocking the writer.
const subscriptionBuffer = 64

// Subscription is a per-session handle receiving newly committed messages.
type Subscription struct {
	sessionID string
	ch        chan *domain.Message
	hub       *liveHub

	closeOnce sync.Once
	closed    chan struct{}
}

// C is the message stream. It is closed when the subscription is closed or
// the session is deleted.
func (s *Subscription) C() <-chan *domain.Message {
	return s.ch
}

// Close unregisters the subscription and closes its channel.
func (s *Subscription) Close() {
	s.hub.unsubscribe(s)
}

// liveHub tracks live subscribers per session and fans committed messages
// out to them, best-effort.
type liveHub struct {
	mu          sync.RWMutex
	subscribers map[string][]*Subscription
}

func newLiveHub() *liveHub {
	return &liveHub{subscribers: make(map[string][]*Subscription)}
}

func (h *liveHub) subscribe(sessionID string) *Subscription {
	sub := &Subscription{
		sessionID: sessionID,
		ch:        make(chan *domain.Message, subscriptionBuffer),
		hub:       h,
		closed:    make(chan struct{}),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribers[sessionID] = append(h.subscribers[sessionID], sub)
	return sub
}

func (h *liveHub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.subscribers[sub.sessionID]
	for i, s := range subs {
		if s == sub {
			h.subscribers[sub.sessionID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(h.subscribers[sub.sessionID]) == 0 {
		delete(h.subscribers, sub.sessionID)
	}
	sub.closeOnce.Do(func() {
		close(sub.closed)
		close(sub.ch)
	})
}

// notify delivers msg to every subscriber of its session. A full queue
// drops the message for that subscriber only. Sends happen under the read
// lock so a subscription channel is never closed mid-send.
func (h *liveHub) notify(msg *domain.Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscribers[msg.SessionID] {
		select {
		case sub.ch <- msg:
		default:
		}
	}
}

// closeSession closes and removes every subscriber of a session.
func (h *liveHub) closeSession(sessionID string) {
	h.mu.Lock()
	subs := h.subscribers[sessionID]
	delete(h.subscribers, sessionID)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.closeOnce.Do(func() {
			close(sub.closed)
			close(sub.ch)
		})
	}
}

// subscriberCount reports how many live subscribers a session has.
func (h *liveHub) subscriberCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[sessionID])
}
