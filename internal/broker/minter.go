package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ably/ably-go/ably"
)

// tokenTTL is how long minted relay tokens live. The broker's cache
// refresh margin keeps sidecars ahead of expiry.
const tokenTTL = time.Hour

// AblyMinter mints real relay tokens from the account key. Only the daemon
// process ever holds the key.
type AblyMinter struct {
	rest *ably.REST
}

// NewAblyMinter creates a minter over the given API key.
func NewAblyMinter(apiKey string) (*AblyMinter, error) {
	rest, err := ably.NewREST(ably.WithKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create relay rest client: %w", err)
	}
	return &AblyMinter{rest: rest}, nil
}

// Mint requests a token limited to the audience's capability set.
func (m *AblyMinter) Mint(ctx context.Context, audience Audience, deviceID string) (*TokenDetails, error) {
	capability, err := capabilityFor(audience, deviceID)
	if err != nil {
		return nil, err
	}

	params := &ably.TokenParams{
		TTL:        tokenTTL.Milliseconds(),
		ClientID:   deviceID,
		Capability: capability,
	}
	details, err := m.rest.Auth.RequestToken(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("request relay token: %w", err)
	}

	return &TokenDetails{
		Token:      details.Token,
		Expires:    details.Expires,
		Issued:     details.Issued,
		ClientID:   details.ClientID,
		Capability: details.Capability,
	}, nil
}

// capabilityFor builds the audience's channel capability JSON. The two
// audiences are mutually exclusive: the publisher cannot touch the command
// channel and the ingress bridge cannot touch conversation channels.
func capabilityFor(audience Audience, deviceID string) (string, error) {
	var caps map[string][]string
	switch audience {
	case AudiencePublisher:
		caps = map[string][]string{
			"session:*:conversation": {"publish"},
			"session:presence:*":     {"publish", "presence"},
		}
	case AudienceIngress:
		caps = map[string][]string{
			fmt.Sprintf("remote:%s:commands", deviceID): {"subscribe", "publish"},
		}
	default:
		return "", fmt.Errorf("unknown audience %q", audience)
	}

	raw, err := json.Marshal(caps)
	if err != nil {
		return "", fmt.Errorf("marshal capability: %w", err)
	}
	return string(raw), nil
}
