package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/imbhargav5/unbound.computer-sub014/internal/domain"
	"github.com/imbhargav5/unbound.computer-sub014/internal/effect"
	"github.com/imbhargav5/unbound.computer-sub014/internal/engine"
	"github.com/imbhargav5/unbound.computer-sub014/internal/store"
)

func newTestServer(t *testing.T) (*httptest.Server, *engine.Engine) {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	hub := NewHub()
	eng, err := engine.Recover(context.Background(), repo, hub)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}

	h := NewHandler(eng, repo, hub, []string{"*"})
	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)
	return srv, eng
}

func decodeBody(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func createSession(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	resp, err := http.Post(srv.URL+"/v1/sessions", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /v1/sessions: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	var body map[string]string
	decodeBody(t, resp, &body)
	if body["session_id"] == "" {
		t.Fatal("empty session_id")
	}
	return body["session_id"]
}

func appendMessage(t *testing.T, srv *httptest.Server, sessionID, role, content string) *http.Response {
	t.Helper()
	payload, _ := json.Marshal(map[string]string{"role": role, "content": content})
	resp, err := http.Post(
		fmt.Sprintf("%s/v1/sessions/%s/messages", srv.URL, sessionID),
		"application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("POST messages: %v", err)
	}
	return resp
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t)

	sessionID := createSession(t, srv)

	resp, err := http.Get(srv.URL + "/v1/sessions/" + sessionID)
	if err != nil {
		t.Fatalf("GET session: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get session status = %d", resp.StatusCode)
	}
	var view engine.SessionView
	decodeBody(t, resp, &view)
	if view.Session.ID != sessionID {
		t.Errorf("view session id = %q", view.Session.ID)
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/v1/sessions/"+sessionID, nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE session: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/v1/sessions/" + sessionID)
	if err != nil {
		t.Fatalf("GET deleted session: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get deleted session status = %d, want 404", resp.StatusCode)
	}
}

func TestSessionListReflectsWrites(t *testing.T) {
	srv, _ := newTestServer(t)

	first := createSession(t, srv)
	second := createSession(t, srv)

	resp, err := http.Get(srv.URL + "/v1/sessions")
	if err != nil {
		t.Fatalf("GET sessions: %v", err)
	}
	var snap engine.Snapshot
	decodeBody(t, resp, &snap)
	if len(snap.Sessions) != 2 {
		t.Fatalf("listed %d sessions, want 2", len(snap.Sessions))
	}
	for _, id := range []string{first, second} {
		if _, ok := snap.Session(id); !ok {
			t.Errorf("session %s missing from listing", id)
		}
	}

	resp, err = http.Post(srv.URL+"/v1/sessions/"+first+"/close", "application/json", nil)
	if err != nil {
		t.Fatalf("POST close: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("close status = %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/v1/sessions")
	if err != nil {
		t.Fatalf("GET sessions after close: %v", err)
	}
	decodeBody(t, resp, &snap)
	view, ok := snap.Session(first)
	if !ok {
		t.Fatal("closed session dropped from listing")
	}
	if !view.Session.Closed {
		t.Error("listing still shows closed session as open")
	}
}

func TestAppendAndListMessages(t *testing.T) {
	srv, _ := newTestServer(t)
	sessionID := createSession(t, srv)

	for i := 1; i <= 3; i++ {
		resp := appendMessage(t, srv, sessionID, "user", fmt.Sprintf("m%d", i))
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("append %d status = %d", i, resp.StatusCode)
		}
		resp.Body.Close()
	}

	resp, err := http.Get(srv.URL + "/v1/sessions/" + sessionID + "/messages")
	if err != nil {
		t.Fatalf("GET messages: %v", err)
	}
	var body struct {
		SessionID string            `json:"session_id"`
		Messages  []*domain.Message `json:"messages"`
	}
	decodeBody(t, resp, &body)
	if len(body.Messages) != 3 {
		t.Fatalf("messages = %d, want 3", len(body.Messages))
	}
	for i, msg := range body.Messages {
		if msg.SequenceNumber != int64(i+1) {
			t.Errorf("message %d sequence = %d", i, msg.SequenceNumber)
		}
	}

	resp, err = http.Get(srv.URL + "/v1/sessions/" + sessionID + "/messages?after_seq=2")
	if err != nil {
		t.Fatalf("GET messages after_seq: %v", err)
	}
	decodeBody(t, resp, &body)
	if len(body.Messages) != 1 || body.Messages[0].SequenceNumber != 3 {
		t.Fatalf("after_seq=2 messages = %+v", body.Messages)
	}
}

func TestAppendValidation(t *testing.T) {
	srv, _ := newTestServer(t)
	sessionID := createSession(t, srv)

	resp := appendMessage(t, srv, sessionID, "intruder", "hello")
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid role status = %d, want 400", resp.StatusCode)
	}

	resp = appendMessage(t, srv, sessionID, "user", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty content status = %d, want 400", resp.StatusCode)
	}

	resp = appendMessage(t, srv, "no-such-session", "user", "hello")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown session status = %d, want 404", resp.StatusCode)
	}
}

func TestClosedSessionRejectsAppends(t *testing.T) {
	srv, _ := newTestServer(t)
	sessionID := createSession(t, srv)

	resp, err := http.Post(srv.URL+"/v1/sessions/"+sessionID+"/close", "application/json", nil)
	if err != nil {
		t.Fatalf("POST close: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("close status = %d", resp.StatusCode)
	}

	resp = appendMessage(t, srv, sessionID, "user", "too late")
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("append to closed status = %d, want 409", resp.StatusCode)
	}

	resp, err = http.Post(srv.URL+"/v1/sessions/"+sessionID+"/close", "application/json", nil)
	if err != nil {
		t.Fatalf("POST close twice: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("double close status = %d, want 409", resp.StatusCode)
	}
}

func TestDeltaEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	sessionID := createSession(t, srv)

	resp, err := http.Get(srv.URL + "/v1/sessions/" + sessionID + "/delta")
	if err != nil {
		t.Fatalf("GET delta: %v", err)
	}
	var body struct {
		Messages []*domain.Message `json:"messages"`
	}
	decodeBody(t, resp, &body)
	if len(body.Messages) != 0 {
		t.Fatalf("fresh delta = %d messages, want 0", len(body.Messages))
	}

	appendMessage(t, srv, sessionID, "assistant", "working on it").Body.Close()

	resp, err = http.Get(srv.URL + "/v1/sessions/" + sessionID + "/delta")
	if err != nil {
		t.Fatalf("GET delta: %v", err)
	}
	decodeBody(t, resp, &body)
	if len(body.Messages) != 1 || body.Messages[0].Content != "working on it" {
		t.Fatalf("delta = %+v", body.Messages)
	}

	resp, err = http.Get(srv.URL + "/v1/sessions/unknown/delta")
	if err != nil {
		t.Fatalf("GET unknown delta: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown delta status = %d, want 404", resp.StatusCode)
	}
}

func TestSetAgentStatus(t *testing.T) {
	srv, _ := newTestServer(t)
	sessionID := createSession(t, srv)

	payload, _ := json.Marshal(map[string]string{"status": "running"})
	resp, err := http.Post(srv.URL+"/v1/sessions/"+sessionID+"/status", "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("POST status: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status code = %d, want 204", resp.StatusCode)
	}

	payload, _ = json.Marshal(map[string]string{"status": "daydreaming"})
	resp, err = http.Post(srv.URL+"/v1/sessions/"+sessionID+"/status", "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("POST bad status: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad status code = %d, want 400", resp.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d", resp.StatusCode)
	}
}

func TestHubDropsSlowClientsWithoutBlocking(t *testing.T) {
	hub := NewHub()
	client := &hubClient{queue: make(chan []byte, 1), done: make(chan struct{})}
	hub.register(client)
	defer hub.unregister(client)

	// Second effect overflows the queue; Handle must not block.
	for i := 0; i < 3; i++ {
		hub.Handle(effect.Effect{Type: effect.MessageAppended, SessionID: "s1"})
	}
	if got := len(client.queue); got != 1 {
		t.Fatalf("queued = %d, want 1", got)
	}
}
