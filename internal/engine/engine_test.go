package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/imbhargav5/unbound.computer-sub014/internal/domain"
	"github.com/imbhargav5/unbound.computer-sub014/internal/effect"
	"github.com/imbhargav5/unbound.computer-sub014/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, *effect.RecordingSink) {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	sink := &effect.RecordingSink{}
	eng, err := Recover(context.Background(), repo, sink)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	return eng, sink
}

func TestCreateSessionEmitsEffect(t *testing.T) {
	eng, sink := newTestEngine(t)

	id, err := eng.CreateSession(context.Background())
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if id == "" {
		t.Fatal("empty session id")
	}

	effects := sink.Effects()
	if len(effects) != 1 || effects[0].Type != effect.SessionCreated || effects[0].SessionID != id {
		t.Fatalf("effects = %+v", effects)
	}
}

func TestAppendAssignsSequenceAndEmits(t *testing.T) {
	eng, sink := newTestEngine(t)
	ctx := context.Background()

	id, err := eng.CreateSession(ctx)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	for i := 1; i <= 2; i++ {
		if _, err := eng.Append(ctx, id, domain.NewMessage{Role: domain.RoleUser, Content: fmt.Sprintf("m%d", i)}); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	messages, err := eng.Delta(id)
	if err != nil {
		t.Fatalf("Delta: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("delta has %d messages, want 2", len(messages))
	}
	if messages[0].SequenceNumber != 1 || messages[1].SequenceNumber != 2 {
		t.Errorf("sequences = %d, %d", messages[0].SequenceNumber, messages[1].SequenceNumber)
	}

	var appended []effect.Effect
	for _, e := range sink.Effects() {
		if e.Type == effect.MessageAppended {
			appended = append(appended, e)
		}
	}
	if len(appended) != 2 {
		t.Fatalf("got %d MessageAppended effects, want 2", len(appended))
	}
	if appended[0].SequenceNumber != 1 || appended[1].SequenceNumber != 2 {
		t.Errorf("effect sequences = %d, %d", appended[0].SequenceNumber, appended[1].SequenceNumber)
	}
}

func TestAppendRejectsUnknownAndClosed(t *testing.T) {
	eng, sink := newTestEngine(t)
	ctx := context.Background()

	if _, err := eng.Append(ctx, "missing", domain.NewMessage{Role: domain.RoleUser, Content: "x"}); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("append to missing session: err = %v", err)
	}

	id, err := eng.CreateSession(ctx)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := eng.CloseSession(ctx, id); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	if _, err := eng.Append(ctx, id, domain.NewMessage{Role: domain.RoleUser, Content: "x"}); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("append to closed session: err = %v", err)
	}

	// Rejections must leave no trace: only the create and close effects.
	if n := sink.Count(); n != 2 {
		t.Errorf("recorded %d effects, want 2: %+v", n, sink.Effects())
	}
}

func TestAppendRejectsInvalidRole(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	id, _ := eng.CreateSession(ctx)
	if _, err := eng.Append(ctx, id, domain.NewMessage{Role: "robot", Content: "x"}); !errors.Is(err, ErrInvalidRole) {
		t.Errorf("err = %v, want ErrInvalidRole", err)
	}
}

func TestLiveSubscriptionReceivesAppend(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	id, err := eng.CreateSession(ctx)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	sub, err := eng.Subscribe(id)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	if _, err := eng.Append(ctx, id, domain.NewMessage{Role: domain.RoleUser, Content: "Hello!"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	// The fan-out happens before Append returns, so the message is
	// already queued.
	select {
	case msg := <-sub.C():
		if msg.Content != "Hello!" || msg.SequenceNumber != 1 {
			t.Errorf("got %+v", msg)
		}
	default:
		t.Fatal("live subscription empty after append returned")
	}
}

func TestDeleteSessionClosesSubscribers(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	id, _ := eng.CreateSession(ctx)
	sub, err := eng.Subscribe(id)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := eng.DeleteSession(ctx, id); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}

	select {
	case _, ok := <-sub.C():
		if ok {
			t.Error("received message on deleted session")
		}
	case <-time.After(time.Second):
		t.Fatal("subscription not closed after delete")
	}

	if _, err := eng.Delta(id); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("Delta after delete: err = %v", err)
	}
	if _, err := eng.Append(ctx, id, domain.NewMessage{Role: domain.RoleUser, Content: "x"}); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("Append after delete: err = %v", err)
	}
}

func TestRecoveryIsSilentAndIdempotent(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "engine.db")
	ctx := context.Background()

	repo, err := store.NewSQLite(dbPath)
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	eng, err := Recover(ctx, repo, &effect.RecordingSink{})
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	id, _ := eng.CreateSession(ctx)
	for i := 0; i < 3; i++ {
		if _, err := eng.Append(ctx, id, domain.NewMessage{Role: domain.RoleAssistant, Content: fmt.Sprintf("m%d", i)}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	wantDelta, _ := eng.Delta(id)
	repo.Close()

	// Restart against the unmodified store.
	repo2, err := store.NewSQLite(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer repo2.Close()

	sink2 := &effect.RecordingSink{}
	eng2, err := Recover(ctx, repo2, sink2)
	if err != nil {
		t.Fatalf("second Recover: %v", err)
	}

	if sink2.Count() != 0 {
		t.Errorf("recovery emitted %d effects, want 0", sink2.Count())
	}
	if eng2.State() != Ready {
		t.Errorf("state = %s, want ready", eng2.State())
	}

	gotDelta, err := eng2.Delta(id)
	if err != nil {
		t.Fatalf("Delta after recovery: %v", err)
	}
	if len(gotDelta) != len(wantDelta) {
		t.Fatalf("recovered delta has %d messages, want %d", len(gotDelta), len(wantDelta))
	}
	for i := range gotDelta {
		if gotDelta[i].ID != wantDelta[i].ID || gotDelta[i].SequenceNumber != wantDelta[i].SequenceNumber {
			t.Errorf("message %d differs: %+v vs %+v", i, gotDelta[i], wantDelta[i])
		}
	}
}

func TestSnapshotTracksWrites(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	id, err := eng.CreateSession(ctx)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	// A session created after recovery is visible without a refresh.
	view, ok := eng.Snapshot().Session(id)
	if !ok {
		t.Fatal("new session missing from snapshot")
	}
	if view.Session.Closed || view.LastSequence != 0 {
		t.Errorf("fresh view = %+v", view)
	}

	for i := 1; i <= 2; i++ {
		if _, err := eng.Append(ctx, id, domain.NewMessage{Role: domain.RoleUser, Content: fmt.Sprintf("m%d", i)}); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}
	view, _ = eng.Snapshot().Session(id)
	if view.LastSequence != 2 {
		t.Errorf("last sequence = %d, want 2", view.LastSequence)
	}

	if err := eng.CloseSession(ctx, id); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	view, _ = eng.Snapshot().Session(id)
	if !view.Session.Closed {
		t.Error("snapshot still shows session open after close")
	}

	// Published snapshots are values: one taken before the delete keeps
	// the session, the current one drops it.
	before := eng.Snapshot()
	if err := eng.DeleteSession(ctx, id); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, ok := before.Session(id); !ok {
		t.Error("earlier snapshot mutated by delete")
	}
	if _, ok := eng.Snapshot().Session(id); ok {
		t.Error("deleted session still in snapshot")
	}
}

func TestRefreshSnapshotRebaselinesDeltas(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	id, _ := eng.CreateSession(ctx)
	if _, err := eng.Append(ctx, id, domain.NewMessage{Role: domain.RoleUser, Content: "before"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if err := eng.RefreshSnapshot(ctx); err != nil {
		t.Fatalf("RefreshSnapshot: %v", err)
	}

	delta, err := eng.Delta(id)
	if err != nil {
		t.Fatalf("Delta: %v", err)
	}
	if len(delta) != 0 {
		t.Errorf("delta not cleared by refresh: %d messages", len(delta))
	}

	view, ok := eng.Snapshot().Session(id)
	if !ok {
		t.Fatal("session missing from snapshot")
	}
	if view.LastSequence != 1 {
		t.Errorf("snapshot last sequence = %d, want 1", view.LastSequence)
	}

	// New appends land in the fresh delta with continuing sequence numbers.
	if _, err := eng.Append(ctx, id, domain.NewMessage{Role: domain.RoleUser, Content: "after"}); err != nil {
		t.Fatalf("Append after refresh: %v", err)
	}
	delta, _ = eng.Delta(id)
	if len(delta) != 1 || delta[0].SequenceNumber != 2 {
		t.Errorf("post-refresh delta = %+v", delta)
	}
}

func TestSetAgentStatus(t *testing.T) {
	eng, sink := newTestEngine(t)
	ctx := context.Background()

	if err := eng.SetAgentStatus("missing", domain.AgentRunning); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("err = %v, want ErrUnknownSession", err)
	}

	id, _ := eng.CreateSession(ctx)
	if err := eng.SetAgentStatus(id, domain.AgentRunning); err != nil {
		t.Fatalf("SetAgentStatus: %v", err)
	}

	var found bool
	for _, e := range sink.Effects() {
		if e.Type == effect.AgentStatusChanged && e.Status == domain.AgentRunning {
			found = true
		}
	}
	if !found {
		t.Error("AgentStatusChanged effect not emitted")
	}
}

func TestEndToEndScenario(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	id, err := eng.CreateSession(ctx)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	sub, err := eng.Subscribe(id)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	if _, err := eng.Append(ctx, id, domain.NewMessage{Role: domain.RoleUser, Content: "Hello!"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	delta, err := eng.Delta(id)
	if err != nil {
		t.Fatalf("Delta: %v", err)
	}
	if len(delta) != 1 || delta[0].SequenceNumber != 1 || delta[0].Content != "Hello!" {
		t.Fatalf("delta = %+v", delta)
	}

	select {
	case msg := <-sub.C():
		if msg.ID != delta[0].ID {
			t.Errorf("live message %s != delta message %s", msg.ID, delta[0].ID)
		}
	case <-time.After(time.Second):
		t.Fatal("live subscription never delivered")
	}
}
