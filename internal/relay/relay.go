// Package relay wraps the realtime relay service: the hot-path publisher,
// the command-channel consumer, and the channel/event naming contracts
// shared by both.
package relay

import (
	"errors"
	"fmt"
)

// Relay event names. Versioned so payload changes are additive.
const (
	// CommandEvent carries inbound remote commands. The consumer filters
	// on it so the bridge never sees its own acks echoed back.
	CommandEvent = "remote.command.v1"

	// CommandAckEvent carries command acknowledgments back to remote
	// peers.
	CommandAckEvent = "remote.command.ack.v1"

	// PresenceEvent announces daemon presence transitions.
	PresenceEvent = "daemon.presence.v1"
)

var (
	ErrNotConnected  = errors.New("not connected to relay")
	ErrClosed        = errors.New("relay client closed")
	ErrPublishFailed = errors.New("publish failed after retries")
)

// RemoteCommandChannel names the device-scoped channel carrying inbound
// commands and their acks.
func RemoteCommandChannel(deviceID string) string {
	return fmt.Sprintf("remote:%s:commands", deviceID)
}

// PresenceChannel names the user-scoped presence channel.
func PresenceChannel(userID string) string {
	return fmt.Sprintf("session:presence:%s:conversation", userID)
}
