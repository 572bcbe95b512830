package command

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/imbhargav5/unbound.computer-sub014/internal/protocol"
)

const (
	// DecisionTimeout is how long the bridge waits for the daemon's
	// verdict before treating the command as timed out.
	DecisionTimeout = 15 * time.Second

	dialTimeout  = 2 * time.Second
	writeTimeout = 5 * time.Second
)

// ErrDecisionTimeout is returned when the daemon does not answer within
// DecisionTimeout. The bridge acks such commands fail-open.
var ErrDecisionTimeout = errors.New("timed out waiting for decision")

// Client submits commands to the daemon over its unix socket and waits for
// the matching decision. It keeps one connection and redials on demand; the
// bridge runs one command at a time, so calls are serialized.
type Client struct {
	socketPath string

	mu   sync.Mutex
	conn net.Conn
	buf  []byte
}

// NewClient creates a client for the daemon's command socket. No connection
// is made until the first SendAndWait.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

// SendAndWait frames the payload under a fresh command id, writes it to the
// daemon, and blocks until the matching decision arrives or DecisionTimeout
// elapses. The command id is returned on every path, including failures, so
// the caller can ack the outcome under the same correlation id. Any protocol
// violation drops the connection so the next call starts clean.
func (c *Client) SendAndWait(ctx context.Context, payload []byte) (uuid.UUID, *protocol.DecisionFrame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := uuid.New()
	if err := c.connectLocked(ctx); err != nil {
		return id, nil, err
	}

	frame := &protocol.CommandFrame{CommandID: id, EncryptedPayload: payload}

	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := c.conn.Write(frame.Encode()); err != nil {
		c.dropLocked()
		return id, nil, fmt.Errorf("write command frame: %w", err)
	}

	decision, err := c.readDecisionLocked(ctx, id)
	if err != nil {
		c.dropLocked()
		return id, nil, err
	}
	return id, decision, nil
}

func (c *Client) connectLocked(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return fmt.Errorf("dial command socket: %w", err)
	}
	c.conn = conn
	c.buf = c.buf[:0]
	return nil
}

// readDecisionLocked reads frames until one carries the wanted command id.
// A decision for any other id means the connection is out of sync.
func (c *Client) readDecisionLocked(ctx context.Context, want uuid.UUID) (*protocol.DecisionFrame, error) {
	deadline := time.Now().Add(DecisionTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetReadDeadline(deadline)

	chunk := make([]byte, 16*1024)
	for {
		for {
			data, consumed, err := protocol.ReadFrame(c.buf)
			if errors.Is(err, protocol.ErrIncompleteFrame) {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("read decision frame: %w", err)
			}
			c.buf = append(c.buf[:0], c.buf[consumed:]...)

			decision, err := protocol.ParseDecisionFrame(data)
			if err != nil {
				return nil, fmt.Errorf("parse decision frame: %w", err)
			}
			if decision.CommandID != want {
				return nil, fmt.Errorf("decision for unexpected command %s, want %s", decision.CommandID, want)
			}
			return decision, nil
		}

		n, err := c.conn.Read(chunk)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				return nil, ErrDecisionTimeout
			}
			return nil, fmt.Errorf("read from command socket: %w", err)
		}
		c.buf = append(c.buf, chunk[:n]...)
	}
}

func (c *Client) dropLocked() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.buf = c.buf[:0]
}

// Close drops the connection if one is open.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropLocked()
	return nil
}
