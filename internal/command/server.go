// Package command implements the daemon's command ingress socket: the
// server side accepts framed commands from the bridge and answers each with
// a decision frame; the client side is what the bridge uses to submit a
// command and wait for that decision.
package command

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/imbhargav5/unbound.computer-sub014/internal/protocol"
)

// Decider is the daemon's policy for inbound commands. It returns the
// verdict and an optional opaque result carried back to the remote caller.
type Decider interface {
	Decide(ctx context.Context, commandID uuid.UUID, payload []byte) (protocol.Decision, []byte, error)
}

// DeciderFunc adapts a function to the Decider interface.
type DeciderFunc func(ctx context.Context, commandID uuid.UUID, payload []byte) (protocol.Decision, []byte, error)

func (f DeciderFunc) Decide(ctx context.Context, commandID uuid.UUID, payload []byte) (protocol.Decision, []byte, error) {
	return f(ctx, commandID, payload)
}

// decideTimeout bounds one decision. It stays under the bridge's wait so a
// slow decider yields a reject rather than a bridge-side timeout.
const decideTimeout = 10 * time.Second

// Server accepts bridge connections on a unix socket and answers command
// frames with decision frames.
type Server struct {
	socketPath string
	decider    Decider

	ln     net.Listener
	wg     sync.WaitGroup
	closed chan struct{}

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// NewServer creates the command server; call Start to begin accepting.
func NewServer(socketPath string, decider Decider) *Server {
	return &Server{
		socketPath: socketPath,
		decider:    decider,
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
		return fmt.Errorf("listen on command socket: %w", err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("chmod command socket: %w", err)
	}
	s.ln = ln

	s.wg.Add(1)
	go s.acceptLoop()

	slog.Info("command server listening", "socket", s.socketPath)
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
			slog.Warn("command accept failed", "error", err)
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

// handleConn reads command frames incrementally. A malformed frame is
// logged and skipped by resyncing one byte.
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
				slog.Debug("command connection read ended", "error", err)
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

			frame, err := protocol.ParseCommandFrame(data)
			if err != nil {
				slog.Warn("unparseable command frame, skipping", "error", err)
				continue
			}
			s.processFrame(conn, frame)
		}
	}
}

func (s *Server) processFrame(conn net.Conn, frame *protocol.CommandFrame) {
	ctx, cancel := context.WithTimeout(context.Background(), decideTimeout)
	decision, result, err := s.decider.Decide(ctx, frame.CommandID, frame.EncryptedPayload)
	cancel()
	if err != nil {
		slog.Warn("command decision failed", "command_id", frame.CommandID, "error", err)
		decision = protocol.Reject
		result = nil
	}

	reply := &protocol.DecisionFrame{
		CommandID: frame.CommandID,
		Decision:  decision,
		Result:    result,
	}
	if _, err := conn.Write(reply.Encode()); err != nil {
		slog.Warn("write decision failed", "command_id", frame.CommandID, "error", err)
	}
}

// Close stops accepting, cuts active connections, and removes the socket.
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
