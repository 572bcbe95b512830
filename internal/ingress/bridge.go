// Package ingress bridges remote commands from the relay into the daemon's
// command socket. It processes one command at a time: the next relay
// delivery is not consumed until the current command has been decided and
// acknowledged.
package ingress

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/imbhargav5/unbound.computer-sub014/internal/command"
	"github.com/imbhargav5/unbound.computer-sub014/internal/protocol"
	"github.com/imbhargav5/unbound.computer-sub014/internal/relay"
)

// Ack statuses reported back to the remote caller.
const (
	StatusAccepted = "accepted"
	StatusRejected = "rejected"
	StatusTimeout  = "timeout"
)

const (
	// ConnectionErrorDelay is the pause before retrying a command after
	// the daemon socket was unreachable.
	ConnectionErrorDelay = 1 * time.Second

	// ProtocolErrorDelay is the pause after a wire-level error on an
	// otherwise healthy connection.
	ProtocolErrorDelay = 100 * time.Millisecond

	// maxSendAttempts bounds retries per command before the bridge gives
	// up and acks it as timed out.
	maxSendAttempts = 3
)

// MessageSource is the relay side of the bridge: inbound deliveries plus
// the channel acks are published on.
type MessageSource interface {
	Receive() <-chan *relay.InboundMessage
	Publish(ctx context.Context, eventName string, payload []byte) error
}

// DecisionClient is the daemon side of the bridge. SendAndWait returns the
// correlation id it generated for the attempt even when the decision never
// arrived; acks are published under that id.
type DecisionClient interface {
	SendAndWait(ctx context.Context, payload []byte) (uuid.UUID, *protocol.DecisionFrame, error)
}

// AckPayload is the JSON body published on the command channel after every
// decided (or abandoned) command. CommandID is the correlation id minted at
// this boundary, not the relay message id.
type AckPayload struct {
	SchemaVersion int    `json:"schema_version"`
	CommandID     string `json:"command_id"`
	Status        string `json:"status"`
	CreatedAtMS   int64  `json:"created_at_ms"`
	ResultB64     string `json:"result_b64,omitempty"`
}

// Bridge pumps commands from the relay into the daemon and acks outcomes.
type Bridge struct {
	source MessageSource
	client DecisionClient

	// sleep is swapped in tests.
	sleep func(ctx context.Context, d time.Duration)
}

// NewBridge wires a relay source to a daemon decision client.
func NewBridge(source MessageSource, client DecisionClient) *Bridge {
	return &Bridge{
		source: source,
		client: client,
		sleep:  sleepCtx,
	}
}

// Run consumes deliveries until the context is cancelled. Each command is
// fully resolved, including its ack, before the next one is read.
func (b *Bridge) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-b.source.Receive():
			if !ok {
				return errors.New("relay delivery channel closed")
			}
			b.handle(ctx, msg)
		}
	}
}

// handle forwards one command and publishes its ack. A command whose
// verdict could not be obtained is acked as timed out rather than dropped
// silently.
func (b *Bridge) handle(ctx context.Context, msg *relay.InboundMessage) {
	commandID, status, result := b.decide(ctx, msg)
	if ctx.Err() != nil {
		return
	}

	payload, err := json.Marshal(AckPayload{
		SchemaVersion: 1,
		CommandID:     commandID.String(),
		Status:        status,
		CreatedAtMS:   time.Now().UnixMilli(),
		ResultB64:     result,
	})
	if err != nil {
		slog.Error("marshal command ack", "command_id", commandID, "error", err)
		return
	}
	if err := b.source.Publish(ctx, relay.CommandAckEvent, payload); err != nil {
		slog.Warn("publish command ack failed",
			"command_id", commandID, "message_id", msg.ID, "status", status, "error", err)
	}
}

func (b *Bridge) decide(ctx context.Context, msg *relay.InboundMessage) (commandID uuid.UUID, status, resultB64 string) {
	for attempt := 1; attempt <= maxSendAttempts; attempt++ {
		id, decision, err := b.client.SendAndWait(ctx, msg.Payload)
		commandID = id
		if err == nil {
			if decision.Decision == protocol.Acknowledge {
				if len(decision.Result) > 0 {
					return commandID, StatusAccepted, base64.StdEncoding.EncodeToString(decision.Result)
				}
				return commandID, StatusAccepted, ""
			}
			return commandID, StatusRejected, ""
		}

		if errors.Is(err, command.ErrDecisionTimeout) {
			slog.Warn("command decision timed out", "command_id", commandID, "message_id", msg.ID)
			return commandID, StatusTimeout, ""
		}
		if ctx.Err() != nil {
			return commandID, StatusTimeout, ""
		}

		delay := ProtocolErrorDelay
		if isConnectionError(err) {
			delay = ConnectionErrorDelay
		}
		slog.Warn("command forward failed, retrying",
			"command_id", commandID, "message_id", msg.ID, "attempt", attempt, "error", err)
		b.sleep(ctx, delay)
	}

	slog.Error("command abandoned after retries", "command_id", commandID, "message_id", msg.ID)
	return commandID, StatusTimeout, ""
}

func isConnectionError(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) ||
		containsAny(err, "dial", "connection refused", "broken pipe", "reset by peer")
}

func containsAny(err error, substrs ...string) bool {
	msg := err.Error()
	for _, s := range substrs {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
