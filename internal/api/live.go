package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/imbhargav5/unbound.computer-sub014/internal/engine"
)

// Live upgrades to a websocket and streams a session's messages as they
// are committed. History is never replayed; clients catch up through the
// snapshot and delta endpoints first.
func (h *Handler) Live(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	sub, err := h.eng.Subscribe(sessionID)
	if err != nil {
		if errors.Is(err, engine.ErrUnknownSession) {
			Error(w, http.StatusNotFound, "session not found")
			return
		}
		slog.Error("live subscribe failed", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to subscribe")
		return
	}
	defer sub.Close()

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns(),
	})
	if err != nil {
		slog.Error("websocket accept failed", "session_id", sessionID, "error", err)
		return
	}
	defer ws.Close(websocket.StatusNormalClosure, "stream ended")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Read loop exists only to notice the client going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := ws.Read(ctx); err != nil {
				return
			}
		}
	}()

	slog.Info("live stream attached", "session_id", sessionID)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.C():
			if !ok {
				// Session closed or deleted under the subscriber.
				ws.Close(websocket.StatusNormalClosure, "session ended")
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				slog.Error("marshal live message", "session_id", sessionID, "error", err)
				continue
			}
			if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
				slog.Debug("live stream write ended", "session_id", sessionID, "error", err)
				return
			}
		}
	}
}
