package broker

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

	"github.com/google/uuid"
)

const (
	// ioTimeout bounds one request/response exchange.
	ioTimeout = 5 * time.Second

	// maxRequestBytes caps a request body.
	maxRequestBytes = 16 * 1024

	// cacheRefreshMargin re-mints a cached token this long before it
	// expires, so a sidecar never receives a token about to die.
	cacheRefreshMargin = 120 * time.Second
)

// Minter produces audience-scoped relay tokens. The production minter
// holds the real relay key; tests inject fakes.
type Minter interface {
	Mint(ctx context.Context, audience Audience, deviceID string) (*TokenDetails, error)
}

type cacheKey struct {
	audience Audience
	deviceID string
}

// Server is the broker socket server. It generates one random broker token
// per audience at construction; the daemon passes each token to exactly one
// sidecar.
type Server struct {
	socketPath string
	deviceID   string
	minter     Minter
	tokens     map[Audience]string

	mu    sync.Mutex
	cache map[cacheKey]*TokenDetails

	ln     net.Listener
	wg     sync.WaitGroup
	closed chan struct{}
}

// NewServer creates a broker server; call Start to begin serving.
func NewServer(socketPath, deviceID string, minter Minter) *Server {
	return &Server{
		socketPath: socketPath,
		deviceID:   deviceID,
		minter:     minter,
		tokens: map[Audience]string{
			AudiencePublisher: uuid.NewString(),
			AudienceIngress:   uuid.NewString(),
		},
		cache:  make(map[cacheKey]*TokenDetails),
		closed: make(chan struct{}),
	}
}

// BrokerToken returns the per-audience broker token to hand to that
// audience's sidecar.
func (s *Server) BrokerToken(audience Audience) string {
	return s.tokens[audience]
}

// Start binds the socket with owner-only permissions and serves requests
// until Close.
func (s *Server) Start() error {
	// A stale socket from a crashed run blocks the bind.
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on broker socket: %w", err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("chmod broker socket: %w", err)
	}
	s.ln = ln

	s.wg.Add(1)
	go s.acceptLoop()

	slog.Info("token broker listening", "socket", s.socketPath)
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
			slog.Warn("broker accept failed", "error", err)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(ioTimeout))

	body, err := io.ReadAll(io.LimitReader(conn, maxRequestBytes))
	if err != nil {
		slog.Warn("broker read failed", "error", err)
		return
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		s.respond(conn, &Response{OK: false, Error: "malformed request"})
		return
	}

	details, err := s.serve(&req)
	if err != nil {
		slog.Warn("broker request rejected", "audience", req.Audience, "error", err)
		s.respond(conn, &Response{OK: false, Error: err.Error()})
		return
	}
	s.respond(conn, &Response{OK: true, TokenDetails: details})
}

func (s *Server) serve(req *Request) (*TokenDetails, error) {
	audience := Audience(req.Audience)
	if !audience.Valid() {
		return nil, fmt.Errorf("unknown audience %q", req.Audience)
	}
	if req.BrokerToken == "" || req.BrokerToken != s.tokens[audience] {
		return nil, fmt.Errorf("invalid broker token for audience %q", req.Audience)
	}
	if req.DeviceID == "" || req.DeviceID != s.deviceID {
		return nil, fmt.Errorf("device id mismatch")
	}
	if s.minter == nil {
		return nil, fmt.Errorf("no token minter configured")
	}

	key := cacheKey{audience: audience, deviceID: req.DeviceID}
	s.mu.Lock()
	defer s.mu.Unlock()

	if cached, ok := s.cache[key]; ok {
		if time.Now().Add(cacheRefreshMargin).UnixMilli() < cached.Expires {
			return cached, nil
		}
		delete(s.cache, key)
	}

	ctx, cancel := context.WithTimeout(context.Background(), ioTimeout)
	defer cancel()
	details, err := s.minter.Mint(ctx, audience, req.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("mint token: %w", err)
	}
	s.cache[key] = details
	return details, nil
}

func (s *Server) respond(conn net.Conn, resp *Response) {
	body, err := json.Marshal(resp)
	if err != nil {
		slog.Error("broker marshal response", "error", err)
		return
	}
	if _, err := conn.Write(body); err != nil {
		slog.Warn("broker write response", "error", err)
	}
}

// Close stops serving and removes the socket.
func (s *Server) Close() error {
	close(s.closed)
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	s.wg.Wait()
	os.Remove(s.socketPath)
	return err
}
