package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/imbhargav5/unbound.computer-sub014/internal/effect"
)

// clientQueueSize caps buffered effects per websocket client. A client that
// cannot keep up loses events rather than stalling the write path.
const clientQueueSize = 64

// Hub broadcasts committed side effects to locally connected websocket
// clients. It is one sink in the daemon's composite: a dead or slow client
// never blocks a commit.
type Hub struct {
	mu      sync.RWMutex
	clients map[*hubClient]struct{}
}

type hubClient struct {
	queue chan []byte
	done  chan struct{}
	once  sync.Once
}

func (c *hubClient) close() {
	c.once.Do(func() { close(c.done) })
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*hubClient]struct{})}
}

// Handle implements effect.Sink. Effects are JSON-encoded once and queued
// to every client; full queues drop.
func (h *Hub) Handle(e effect.Effect) {
	data, err := json.Marshal(e)
	if err != nil {
		slog.Error("marshal effect for broadcast", "type", e.Type, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		select {
		case client.queue <- data:
		default:
			slog.Debug("event client queue full, dropping", "type", e.Type)
		}
	}
}

// ClientCount reports connected event clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) register(c *hubClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(c *hubClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

// Events upgrades to a websocket and streams every committed effect to the
// client until it disconnects.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns(),
	})
	if err != nil {
		slog.Error("websocket accept failed", "error", err)
		return
	}
	defer ws.Close(websocket.StatusNormalClosure, "stream ended")

	client := &hubClient{
		queue: make(chan []byte, clientQueueSize),
		done:  make(chan struct{}),
	}
	h.hub.register(client)
	defer h.hub.unregister(client)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		defer cancel()
		for {
			if _, _, err := ws.Read(ctx); err != nil {
				return
			}
		}
	}()

	slog.Info("event stream attached", "clients", h.hub.ClientCount())
	for {
		select {
		case <-ctx.Done():
			return
		case <-client.done:
			return
		case data := <-client.queue:
			if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
				slog.Debug("event stream write ended", "error", err)
				return
			}
		}
	}
}
