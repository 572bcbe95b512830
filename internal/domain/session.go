// Package domain defines the core entities owned by the session engine.
package domain

import "time"

// Session is the unit of collaboration. It is created on explicit request,
// mutated only through engine write operations, and never deleted by
// derived components.
type Session struct {
	ID        string    `json:"id"`
	Closed    bool      `json:"closed"`
	CreatedAt time.Time `json:"created_at"`
}

// Message belongs to exactly one session. SequenceNumber is assigned at
// commit time, is monotonically increasing per session, and is never reused
// or reordered.
type Message struct {
	ID             string    `json:"id"`
	SessionID      string    `json:"session_id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	SequenceNumber int64     `json:"sequence_number"`
	CreatedAt      time.Time `json:"created_at"`
}

// NewMessage is the caller-supplied part of an append.
type NewMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// AgentStatus describes what the session's agent is currently doing.
type AgentStatus string

const (
	AgentIdle    AgentStatus = "idle"
	AgentRunning AgentStatus = "running"
	AgentWaiting AgentStatus = "waiting"
	AgentError   AgentStatus = "error"
)

// Valid reports whether s is one of the known agent statuses.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentIdle, AgentRunning, AgentWaiting, AgentError:
		return true
	}
	return false
}
