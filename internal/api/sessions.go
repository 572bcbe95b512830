package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/imbhargav5/unbound.computer-sub014/internal/domain"
	"github.com/imbhargav5/unbound.computer-sub014/internal/engine"
)

const defaultMessagePageSize = 200

// ListSessions returns the current snapshot.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, h.eng.Snapshot())
}

// CreateSession opens a new session.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	sessionID, err := h.eng.CreateSession(r.Context())
	if err != nil {
		slog.Error("create session failed", "error", err)
		Error(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	JSON(w, http.StatusCreated, map[string]string{"session_id": sessionID})
}

// GetSession returns one session's snapshot view.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	view, ok := h.eng.Snapshot().Session(sessionID)
	if !ok {
		Error(w, http.StatusNotFound, "session not found")
		return
	}
	JSON(w, http.StatusOK, view)
}

// DeleteSession removes a session and its messages.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if err := h.eng.DeleteSession(r.Context(), sessionID); err != nil {
		if errors.Is(err, engine.ErrUnknownSession) {
			Error(w, http.StatusNotFound, "session not found")
			return
		}
		slog.Error("delete session failed", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to delete session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CloseSession marks a session closed; further appends are rejected.
func (h *Handler) CloseSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if err := h.eng.CloseSession(r.Context(), sessionID); err != nil {
		switch {
		case errors.Is(err, engine.ErrUnknownSession):
			Error(w, http.StatusNotFound, "session not found")
		case errors.Is(err, engine.ErrSessionClosed):
			Error(w, http.StatusConflict, "session already closed")
		default:
			slog.Error("close session failed", "session_id", sessionID, "error", err)
			Error(w, http.StatusInternalServerError, "failed to close session")
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListMessages returns a session's committed messages, paged by sequence
// number.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, ok := h.eng.Snapshot().Session(sessionID); !ok {
		Error(w, http.StatusNotFound, "session not found")
		return
	}

	afterSeq := int64(0)
	if v := r.URL.Query().Get("after_seq"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil || parsed < 0 {
			Error(w, http.StatusBadRequest, "invalid after_seq")
			return
		}
		afterSeq = parsed
	}

	limit := defaultMessagePageSize
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			Error(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}

	messages, err := h.repo.ListMessages(r.Context(), sessionID, afterSeq, limit)
	if err != nil {
		slog.Error("list messages failed", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"session_id": sessionID,
		"messages":   messages,
	})
}

type appendRequest struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// AppendMessage commits a new message to a session.
func (h *Handler) AppendMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req appendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Content == "" {
		Error(w, http.StatusBadRequest, "content is required")
		return
	}

	messageID, err := h.eng.Append(r.Context(), sessionID, domain.NewMessage{
		Role:    domain.Role(req.Role),
		Content: req.Content,
	})
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrInvalidRole):
			Error(w, http.StatusBadRequest, "invalid role")
		case errors.Is(err, engine.ErrUnknownSession):
			Error(w, http.StatusNotFound, "session not found")
		case errors.Is(err, engine.ErrSessionClosed):
			Error(w, http.StatusConflict, "session is closed")
		default:
			slog.Error("append message failed", "session_id", sessionID, "error", err)
			Error(w, http.StatusInternalServerError, "failed to append message")
		}
		return
	}
	JSON(w, http.StatusCreated, map[string]string{"message_id": messageID})
}

type statusRequest struct {
	Status string `json:"status"`
}

// SetAgentStatus records what a session's agent is doing.
func (h *Handler) SetAgentStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	status := domain.AgentStatus(req.Status)
	if !status.Valid() {
		Error(w, http.StatusBadRequest, "invalid status")
		return
	}

	if err := h.eng.SetAgentStatus(sessionID, status); err != nil {
		if errors.Is(err, engine.ErrUnknownSession) {
			Error(w, http.StatusNotFound, "session not found")
			return
		}
		slog.Error("set agent status failed", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to set status")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetDelta returns the messages appended since the snapshot baseline.
func (h *Handler) GetDelta(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	messages, err := h.eng.Delta(sessionID)
	if err != nil {
		if errors.Is(err, engine.ErrUnknownSession) {
			Error(w, http.StatusNotFound, "session not found")
			return
		}
		slog.Error("delta read failed", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to read delta")
		return
	}
	if messages == nil {
		messages = []*domain.Message{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"session_id": sessionID,
		"messages":   messages,
	})
}
