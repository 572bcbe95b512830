package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/imbhargav5/unbound.computer-sub014/internal/domain"
	"github.com/imbhargav5/unbound.computer-sub014/internal/engine"
	"github.com/imbhargav5/unbound.computer-sub014/internal/protocol"
)

// Remote command actions.
const (
	ActionSessionCreate = "session.create"
	ActionSessionClose  = "session.close"
	ActionSessionDelete = "session.delete"
	ActionSessionList   = "session.list"
	ActionMessageAppend = "message.append"
)

// remoteCommand is the JSON body of a command payload.
type remoteCommand struct {
	Action    string `json:"action"`
	SessionID string `json:"session_id,omitempty"`
	Role      string `json:"role,omitempty"`
	Content   string `json:"content,omitempty"`
}

// EngineDecider executes remote commands against the session engine. Every
// command either commits through the engine's write path or is rejected;
// there is no side channel around the store.
type EngineDecider struct {
	eng *engine.Engine
}

// NewEngineDecider creates a decider backed by the engine.
func NewEngineDecider(eng *engine.Engine) *EngineDecider {
	return &EngineDecider{eng: eng}
}

// Decide implements Decider.
func (d *EngineDecider) Decide(ctx context.Context, commandID uuid.UUID, payload []byte) (protocol.Decision, []byte, error) {
	var cmd remoteCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		slog.Warn("malformed remote command", "command_id", commandID, "error", err)
		return protocol.Reject, nil, nil
	}

	switch cmd.Action {
	case ActionSessionCreate:
		sessionID, err := d.eng.CreateSession(ctx)
		if err != nil {
			return protocol.Reject, nil, fmt.Errorf("create session: %w", err)
		}
		return ackResult(map[string]string{"session_id": sessionID})

	case ActionSessionClose:
		if err := d.eng.CloseSession(ctx, cmd.SessionID); err != nil {
			return rejectOrFail(err, "close session")
		}
		return protocol.Acknowledge, nil, nil

	case ActionSessionDelete:
		if err := d.eng.DeleteSession(ctx, cmd.SessionID); err != nil {
			return rejectOrFail(err, "delete session")
		}
		return protocol.Acknowledge, nil, nil

	case ActionSessionList:
		return ackResult(d.eng.Snapshot())

	case ActionMessageAppend:
		messageID, err := d.eng.Append(ctx, cmd.SessionID, domain.NewMessage{
			Role:    domain.Role(cmd.Role),
			Content: cmd.Content,
		})
		if err != nil {
			return rejectOrFail(err, "append message")
		}
		return ackResult(map[string]string{"message_id": messageID})

	default:
		slog.Warn("unknown remote command action", "command_id", commandID, "action", cmd.Action)
		return protocol.Reject, nil, nil
	}
}

func ackResult(v interface{}) (protocol.Decision, []byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return protocol.Reject, nil, fmt.Errorf("marshal command result: %w", err)
	}
	return protocol.Acknowledge, data, nil
}

// rejectOrFail maps domain rejections to a clean Reject and keeps real
// failures as errors so the server logs them.
func rejectOrFail(err error, op string) (protocol.Decision, []byte, error) {
	if errors.Is(err, engine.ErrUnknownSession) ||
		errors.Is(err, engine.ErrSessionClosed) ||
		errors.Is(err, engine.ErrInvalidRole) {
		return protocol.Reject, nil, nil
	}
	return protocol.Reject, nil, fmt.Errorf("%s: %w", op, err)
}
