package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Presence statuses.
const (
	PresenceOnline  = "online"
	PresenceOffline = "offline"
)

// PresencePayload announces a daemon presence transition to remote peers.
type PresencePayload struct {
	SchemaVersion int    `json:"schema_version"`
	UserID        string `json:"user_id"`
	DeviceID      string `json:"device_id"`
	Status        string `json:"status"`
	Source        string `json:"source"`
	SentAtMS      int64  `json:"sent_at_ms"`
}

// AnnouncePresence publishes an online/offline transition on the user's
// presence channel. Best-effort like every hot-path publish.
func AnnouncePresence(ctx context.Context, pub EnvelopePublisher, userID, deviceID, status string) error {
	payload, err := json.Marshal(PresencePayload{
		SchemaVersion: 1,
		UserID:        userID,
		DeviceID:      deviceID,
		Status:        status,
		Source:        "daemon",
		SentAtMS:      time.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("marshal presence payload: %w", err)
	}
	return pub.Publish(ctx, PresenceChannel(userID), PresenceEvent, payload)
}
