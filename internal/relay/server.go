package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/imbhargav5/unbound.computer-sub014/internal/effect"
	"github.com/imbhargav5/unbound.computer-sub014/internal/protocol"
)

// EnvelopePublisher is what the sidecar server needs from the publisher.
type EnvelopePublisher interface {
	Publish(ctx context.Context, channelName, eventName string, payload []byte) error
}

const serverPublishTimeout = 30 * time.Second

// Server is the publisher sidecar's socket server: it accepts side-effect
// frames from the daemon, publishes each envelope to the relay, and answers
// with a publish ack frame carrying the outcome.
type Server struct {
	socketPath string
	pub        EnvelopePublisher

	ln     net.Listener
	wg     sync.WaitGroup
	closed chan struct{}

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// NewServer creates the sidecar server; call Start to begin accepting.
func NewServer(socketPath string, pub EnvelopePublisher) *Server {
	return &Server{
		socketPath: socketPath,
		pub:        pub,
		closed:     make(chan struct{}),
		conns:      make(map[net.Conn]struct{}),
	}
}

// Start binds the socket and serves until Close.
func (s *Server) Start() error {
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on sidecar socket: %w", err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("chmod sidecar socket: %w", err)
	}
	s.ln = ln

	s.wg.Add(1)
	go s.acceptLoop()

	slog.Info("sidecar server listening", "socket", s.socketPath)
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			slog.Warn("sidecar accept failed", "error", err)
			continue
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.conns, conn)
				s.mu.Unlock()
			}()
			s.handleConn(conn)
		}()
	}
}

// handleConn reads frames incrementally. A malformed frame is logged and
// skipped by resyncing one byte; processing continues.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	var buf []byte
	chunk := make([]byte, 16*1024)
	for {
		select {
		case <-s.closed:
			return
		default:
		}

		n, err := conn.Read(chunk)
		if err != nil {
			if err != io.EOF {
				slog.Debug("sidecar connection read ended", "error", err)
			}
			return
		}
		buf = append(buf, chunk[:n]...)

		for {
			data, consumed, err := protocol.ReadFrame(buf)
			if errors.Is(err, protocol.ErrIncompleteFrame) {
				break
			}
			if err != nil {
				slog.Warn("bad frame, resyncing", "error", err)
				buf = buf[1:]
				continue
			}
			buf = append(buf[:0], buf[consumed:]...)

			frame, err := protocol.ParseSideEffectFrame(data)
			if err != nil {
				slog.Warn("unparseable side effect frame, skipping", "error", err)
				continue
			}
			s.processFrame(conn, frame)
		}
	}
}

func (s *Server) processFrame(conn net.Conn, frame *protocol.SideEffectFrame) {
	ack := &protocol.PublishAckFrame{
		EffectID: frame.EffectID,
		Status:   protocol.PublishSuccess,
	}

	var env effect.PublishEnvelope
	if err := json.Unmarshal(frame.JSONPayload, &env); err != nil {
		ack.Status = protocol.PublishFailed
		ack.ErrorMessage = fmt.Sprintf("unparseable envelope: %v", err)
	} else if env.Channel == "" || env.Event == "" {
		ack.Status = protocol.PublishFailed
		ack.ErrorMessage = "envelope missing channel or event"
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), serverPublishTimeout)
		err := s.pub.Publish(ctx, env.Channel, env.Event, env.Payload)
		cancel()
		if err != nil {
			ack.Status = protocol.PublishFailed
			ack.ErrorMessage = err.Error()
			slog.Warn("sidecar publish failed", "channel", env.Channel, "event", env.Event, "error", err)
		}
	}

	if _, err := conn.Write(ack.Encode()); err != nil {
		slog.Warn("write publish ack failed", "error", err)
	}
}

// Close stops accepting, waits for in-flight connections, and removes the
// socket.
func (s *Server) Close() error {
	close(s.closed)
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	os.Remove(s.socketPath)
	return err
}
