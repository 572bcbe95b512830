package effect

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/imbhargav5/unbound.computer-sub014/internal/protocol"
)

const (
	// How long one frame send plus its ack may take before the
	// connection is considered wedged.
	socketSinkTimeout = 10 * time.Second

	ackReadBufferSize = 4096
)

// SocketSink is the hot-path dispatch: it frames each effect and sends it
// to the publisher sidecar over a unix socket, waiting for the sidecar's
// publish ack. Publish failures are logged, never propagated — the hot path
// is best-effort and must not fail the write that produced the effect.
//
// The connection is dialed lazily and redialed after any error, so the
// daemon tolerates the sidecar being down or restarting.
type SocketSink struct {
	socketPath string

	mu   sync.Mutex
	conn net.Conn
	buf  []byte
}

// NewSocketSink creates a sink that publishes via the sidecar socket at
// socketPath.
func NewSocketSink(socketPath string) *SocketSink {
	return &SocketSink{socketPath: socketPath}
}

// Handle frames the effect, sends it, and waits for the ack. Called on its
// own goroutine by the composite.
func (s *SocketSink) Handle(e Effect) {
	env, err := Envelope(e)
	if err != nil {
		slog.Error("encode side effect envelope", "error", err, "effect_type", e.Type)
		return
	}
	if err := s.send(env); err != nil {
		slog.Warn("hot-path publish failed", "error", err, "effect_type", e.Type, "session_id", e.SessionID)
	}
}

func (s *SocketSink) send(env *PublishEnvelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	effectID := uuid.New()
	frame := &protocol.SideEffectFrame{EffectID: effectID, JSONPayload: payload}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureConnLocked(); err != nil {
		return err
	}

	deadline := time.Now().Add(socketSinkTimeout)
	if err := s.conn.SetDeadline(deadline); err != nil {
		s.dropConnLocked()
		return fmt.Errorf("set deadline: %w", err)
	}

	if _, err := s.conn.Write(frame.Encode()); err != nil {
		s.dropConnLocked()
		return fmt.Errorf("write side effect frame: %w", err)
	}

	ack, err := s.readAckLocked()
	if err != nil {
		s.dropConnLocked()
		return err
	}
	if ack.EffectID != effectID {
		// Acks are strictly in-order on this connection; a mismatch
		// means the stream is desynchronized.
		s.dropConnLocked()
		return fmt.Errorf("ack correlation mismatch: sent %s, got %s", effectID, ack.EffectID)
	}
	if ack.Status != protocol.PublishSuccess {
		return fmt.Errorf("sidecar publish failed: %s", ack.ErrorMessage)
	}
	return nil
}

func (s *SocketSink) ensureConnLocked() error {
	if s.conn != nil {
		return nil
	}
	conn, err := net.DialTimeout("unix", s.socketPath, 2*time.Second)
	if err != nil {
		return fmt.Errorf("dial publisher socket: %w", err)
	}
	s.conn = conn
	s.buf = s.buf[:0]
	return nil
}

func (s *SocketSink) readAckLocked() (*protocol.PublishAckFrame, error) {
	chunk := make([]byte, ackReadBufferSize)
	for {
		data, consumed, err := protocol.ReadFrame(s.buf)
		if err == nil {
			s.buf = append(s.buf[:0], s.buf[consumed:]...)
			ack, err := protocol.ParsePublishAckFrame(data)
			if err != nil {
				return nil, fmt.Errorf("parse publish ack: %w", err)
			}
			return ack, nil
		}
		if !errors.Is(err, protocol.ErrIncompleteFrame) {
			return nil, fmt.Errorf("read publish ack frame: %w", err)
		}

		n, err := s.conn.Read(chunk)
		if err != nil {
			if err == io.EOF {
				return nil, fmt.Errorf("sidecar closed connection")
			}
			return nil, fmt.Errorf("read publish ack: %w", err)
		}
		s.buf = append(s.buf, chunk[:n]...)
	}
}

func (s *SocketSink) dropConnLocked() {
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.buf = s.buf[:0]
}

// Close releases the sidecar connection.
func (s *SocketSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropConnLocked()
}
