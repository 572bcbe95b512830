// Package broker implements the local token broker: a privileged socket
// server that owns the real relay credential and mints short-lived,
// audience-scoped tokens for the sidecars. Each sidecar role gets its own
// broker token at startup and can only mint for its own audience, so a
// compromised sidecar is bounded to its own capability set.
package broker

// Audience names a sidecar role. Audiences receive mutually exclusive
// relay capabilities.
type Audience string

const (
	// AudiencePublisher may publish conversation and presence events.
	AudiencePublisher Audience = "publisher"

	// AudienceIngress may subscribe to the device command channel and
	// publish acks on it.
	AudienceIngress Audience = "ingress"
)

// Valid reports whether a is a known audience.
func (a Audience) Valid() bool {
	return a == AudiencePublisher || a == AudienceIngress
}

// TokenDetails is the short-lived relay credential returned to a sidecar.
// Field names mirror the relay SDK's token shape.
type TokenDetails struct {
	Token      string `json:"token"`
	Expires    int64  `json:"expires"`
	Issued     int64  `json:"issued"`
	ClientID   string `json:"clientId"`
	Capability string `json:"capability"`
}

// Request is the broker socket request body.
type Request struct {
	BrokerToken string `json:"broker_token"`
	Audience    string `json:"audience"`
	DeviceID    string `json:"device_id"`
}

// Response is the broker socket response body.
type Response struct {
	OK           bool          `json:"ok"`
	TokenDetails *TokenDetails `json:"token_details,omitempty"`
	Error        string        `json:"error,omitempty"`
}
