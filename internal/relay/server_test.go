package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/imbhargav5/unbound.computer-sub014/internal/effect"
	"github.com/imbhargav5/unbound.computer-sub014/internal/protocol"
)

type publishCall struct {
	channel string
	event   string
	payload []byte
}

type fakePublisher struct {
	mu    sync.Mutex
	calls []publishCall
	err   error
}

func (f *fakePublisher) Publish(ctx context.Context, channelName, eventName string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, publishCall{channel: channelName, event: eventName, payload: payload})
	return f.err
}

func (f *fakePublisher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func startTestServer(t *testing.T, pub EnvelopePublisher) (*Server, string) {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "sidecar.sock")
	srv := NewServer(socketPath, pub)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	return srv, socketPath
}

func dialTestServer(t *testing.T, socketPath string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("unix", socketPath, 2*time.Second)
	if err != nil {
		t.Fatalf("dial sidecar socket: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readAck reads one publish ack frame off the connection, tolerating
// partial reads.
func readAck(t *testing.T, conn net.Conn) *protocol.PublishAckFrame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var buf []byte
	chunk := make([]byte, 4096)
	for {
		data, _, err := protocol.ReadFrame(buf)
		if err == nil {
			ack, err := protocol.ParsePublishAckFrame(data)
			if err != nil {
				t.Fatalf("parse ack: %v", err)
			}
			return ack
		}
		if !errors.Is(err, protocol.ErrIncompleteFrame) {
			t.Fatalf("read frame: %v", err)
		}

		n, err := conn.Read(chunk)
		if err != nil {
			t.Fatalf("read ack bytes: %v", err)
		}
		buf = append(buf, chunk[:n]...)
	}
}

func encodeTestEffect(t *testing.T, id uuid.UUID, channel, event string) []byte {
	t.Helper()
	env := effect.PublishEnvelope{
		Type:    effect.MessageAppended,
		Channel: channel,
		Event:   event,
		Payload: json.RawMessage(`{"schema_version":1}`),
	}
	body, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	frame := &protocol.SideEffectFrame{EffectID: id, JSONPayload: body}
	return frame.Encode()
}

func TestServerPublishesAndAcks(t *testing.T) {
	pub := &fakePublisher{}
	_, socketPath := startTestServer(t, pub)
	conn := dialTestServer(t, socketPath)

	id := uuid.New()
	if _, err := conn.Write(encodeTestEffect(t, id, "session:s1:conversation", effect.ConversationEvent)); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	ack := readAck(t, conn)
	if ack.EffectID != id {
		t.Fatalf("ack effect id = %s, want %s", ack.EffectID, id)
	}
	if ack.Status != protocol.PublishSuccess {
		t.Fatalf("ack status = %v, want success (%q)", ack.Status, ack.ErrorMessage)
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.calls) != 1 {
		t.Fatalf("publish calls = %d, want 1", len(pub.calls))
	}
	if pub.calls[0].channel != "session:s1:conversation" {
		t.Errorf("published channel = %q", pub.calls[0].channel)
	}
	if pub.calls[0].event != effect.ConversationEvent {
		t.Errorf("published event = %q", pub.calls[0].event)
	}
}

func TestServerReportsPublishFailure(t *testing.T) {
	pub := &fakePublisher{err: errors.New("relay unavailable")}
	_, socketPath := startTestServer(t, pub)
	conn := dialTestServer(t, socketPath)

	id := uuid.New()
	if _, err := conn.Write(encodeTestEffect(t, id, "session:s1:conversation", effect.ConversationEvent)); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	ack := readAck(t, conn)
	if ack.Status != protocol.PublishFailed {
		t.Fatalf("ack status = %v, want failed", ack.Status)
	}
	if ack.ErrorMessage == "" {
		t.Error("expected an error message on a failed ack")
	}
}

func TestServerRejectsEnvelopeMissingChannel(t *testing.T) {
	pub := &fakePublisher{}
	_, socketPath := startTestServer(t, pub)
	conn := dialTestServer(t, socketPath)

	if _, err := conn.Write(encodeTestEffect(t, uuid.New(), "", effect.ConversationEvent)); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	ack := readAck(t, conn)
	if ack.Status != protocol.PublishFailed {
		t.Fatalf("ack status = %v, want failed", ack.Status)
	}
	if pub.callCount() != 0 {
		t.Fatalf("publish calls = %d, want 0", pub.callCount())
	}
}

func TestServerResyncsAfterGarbage(t *testing.T) {
	pub := &fakePublisher{}
	_, socketPath := startTestServer(t, pub)
	conn := dialTestServer(t, socketPath)

	id := uuid.New()
	garbage := []byte{0xde, 0xad, 0xbe, 0xef}
	if _, err := conn.Write(append(garbage, encodeTestEffect(t, id, "session:s2:conversation", effect.ConversationEvent)...)); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	ack := readAck(t, conn)
	if ack.EffectID != id {
		t.Fatalf("ack effect id = %s, want %s", ack.EffectID, id)
	}
	if ack.Status != protocol.PublishSuccess {
		t.Fatalf("ack status = %v, want success", ack.Status)
	}
}

func TestServerHandlesSplitFrames(t *testing.T) {
	pub := &fakePublisher{}
	_, socketPath := startTestServer(t, pub)
	conn := dialTestServer(t, socketPath)

	id := uuid.New()
	frame := encodeTestEffect(t, id, "session:s3:conversation", effect.ConversationEvent)
	mid := len(frame) / 2
	if _, err := conn.Write(frame[:mid]); err != nil {
		t.Fatalf("write first half: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if _, err := conn.Write(frame[mid:]); err != nil {
		t.Fatalf("write second half: %v", err)
	}

	ack := readAck(t, conn)
	if ack.EffectID != id {
		t.Fatalf("ack effect id = %s, want %s", ack.EffectID, id)
	}
	if ack.Status != protocol.PublishSuccess {
		t.Fatalf("ack status = %v, want success", ack.Status)
	}
}

func TestAnnouncePresence(t *testing.T) {
	pub := &fakePublisher{}
	if err := AnnouncePresence(context.Background(), pub, "user-1", "device-1", PresenceOnline); err != nil {
		t.Fatalf("AnnouncePresence: %v", err)
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.calls) != 1 {
		t.Fatalf("publish calls = %d, want 1", len(pub.calls))
	}
	if got, want := pub.calls[0].channel, PresenceChannel("user-1"); got != want {
		t.Errorf("channel = %q, want %q", got, want)
	}
	if pub.calls[0].event != PresenceEvent {
		t.Errorf("event = %q, want %q", pub.calls[0].event, PresenceEvent)
	}

	var payload PresencePayload
	if err := json.Unmarshal(pub.calls[0].payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.SchemaVersion != 1 || payload.UserID != "user-1" || payload.DeviceID != "device-1" {
		t.Errorf("payload = %+v", payload)
	}
	if payload.Status != PresenceOnline {
		t.Errorf("status = %q", payload.Status)
	}
	if payload.SentAtMS == 0 {
		t.Error("sent_at_ms not set")
	}
}
