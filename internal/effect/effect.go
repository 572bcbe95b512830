// Package effect defines the side effects emitted by the session engine and
// the sinks that consume them. An effect is an immutable fact describing
// what just became true; it is emitted only after the store commit for it
// has succeeded, and carries no behavior of its own.
package effect

import (
	"encoding/json"
	"fmt"

	"github.com/imbhargav5/unbound.computer-sub014/internal/domain"
)

// Type identifies the kind of side effect.
type Type string

const (
	SessionCreated Type = "session_created"
	SessionClosed  Type = "session_closed"
	SessionDeleted Type = "session_deleted"

	MessageAppended Type = "message_appended"

	AgentStatusChanged Type = "agent_status_changed"
)

// Effect is the fact handed to every sink. Only the fields relevant to its
// Type are populated.
type Effect struct {
	Type Type `json:"type"`

	SessionID string `json:"session_id,omitempty"`

	// Message fields, set for MessageAppended.
	MessageID      string      `json:"message_id,omitempty"`
	SequenceNumber int64       `json:"sequence_number,omitempty"`
	Role           domain.Role `json:"role,omitempty"`
	Content        string      `json:"content,omitempty"`
	CreatedAtMS    int64       `json:"created_at_ms,omitempty"`

	// Agent status, set for AgentStatusChanged.
	Status domain.AgentStatus `json:"status,omitempty"`
}

// SchemaVersion is the version stamped on relay conversation payloads.
const SchemaVersion = 1

// ConversationEvent is the relay event name for conversation facts.
const ConversationEvent = "conversation.message.v1"

// SessionConversationChannel names the relay channel carrying a session's
// conversation stream.
func SessionConversationChannel(sessionID string) string {
	return fmt.Sprintf("session:%s:conversation", sessionID)
}

// PublishEnvelope is the JSON body of a SideEffectFrame sent to the
// publisher sidecar: the effect plus the relay channel and event it should
// be published under.
type PublishEnvelope struct {
	Type    Type            `json:"type"`
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// ConversationPayload is the relay payload for one committed conversation
// fact, published on the session's conversation channel.
type ConversationPayload struct {
	SchemaVersion  int    `json:"schema_version"`
	SessionID      string `json:"session_id"`
	MessageID      string `json:"message_id,omitempty"`
	SequenceNumber int64  `json:"sequence_number,omitempty"`
	Role           string `json:"role,omitempty"`
	Content        string `json:"content,omitempty"`
	Status         string `json:"status,omitempty"`
	EffectType     string `json:"effect_type"`
	CreatedAtMS    int64  `json:"created_at_ms"`
}

// Envelope wraps an effect for the publisher sidecar, deriving the channel
// and payload from the effect itself.
func Envelope(e Effect) (*PublishEnvelope, error) {
	payload := ConversationPayload{
		SchemaVersion:  SchemaVersion,
		SessionID:      e.SessionID,
		MessageID:      e.MessageID,
		SequenceNumber: e.SequenceNumber,
		Role:           string(e.Role),
		Content:        e.Content,
		Status:         string(e.Status),
		EffectType:     string(e.Type),
		CreatedAtMS:    e.CreatedAtMS,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal conversation payload: %w", err)
	}
	return &PublishEnvelope{
		Type:    e.Type,
		Channel: SessionConversationChannel(e.SessionID),
		Event:   ConversationEvent,
		Payload: raw,
	}, nil
}
