package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ably/ably-go/ably"

	"github.com/imbhargav5/unbound.computer-sub014/internal/broker"
)

const (
	// DefaultPublishTimeout bounds one publish attempt.
	DefaultPublishTimeout = 5 * time.Second

	// Per-publish retry policy. A fixed short delay, not exponential: a
	// realtime message is small, idempotent to rewrite, and consumed
	// quickly or not at all.
	MaxPublishRetries = 3
	PublishRetryDelay = 500 * time.Millisecond
)

// PublisherOptions configures a Publisher.
type PublisherOptions struct {
	// BrokerSocketPath and BrokerToken authenticate to the local token
	// broker; the publisher never holds a long-lived relay credential.
	BrokerSocketPath string
	BrokerToken      string

	// DeviceID identifies this client in token requests.
	DeviceID string

	// PublishTimeout bounds each publish attempt; DefaultPublishTimeout
	// when zero.
	PublishTimeout time.Duration
}

// Publisher publishes events to the relay with bounded retries. Channel
// handles are cached per channel name and reused across publishes.
type Publisher struct {
	client         *ably.Realtime
	publishTimeout time.Duration

	mu        sync.Mutex
	channels  map[string]*ably.RealtimeChannel
	connected bool
	closed    bool
	closedCh  chan struct{}
}

// NewPublisher creates a publisher. Connect must succeed before Publish.
func NewPublisher(opts PublisherOptions) (*Publisher, error) {
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = DefaultPublishTimeout
	}

	client, err := ably.NewRealtime(
		ably.WithClientID(opts.DeviceID),
		ably.WithAuthCallback(func(ctx context.Context, _ ably.TokenParams) (ably.Tokener, error) {
			details, err := broker.RequestToken(ctx, opts.BrokerSocketPath, opts.BrokerToken, broker.AudiencePublisher, opts.DeviceID)
			if err != nil {
				return nil, err
			}
			return tokener(details), nil
		}),
		ably.WithAutoConnect(false),
	)
	if err != nil {
		return nil, fmt.Errorf("create relay client: %w", err)
	}

	return &Publisher{
		client:         client,
		publishTimeout: opts.PublishTimeout,
		channels:       make(map[string]*ably.RealtimeChannel),
		closedCh:       make(chan struct{}),
	}, nil
}

// Connect blocks until the relay connection reaches Connected or Failed,
// surfacing the failure reason.
func (p *Publisher) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}

	p.client.Connect()

	connected := make(chan struct{})
	var connErr error
	p.client.Connection.OnAll(func(change ably.ConnectionStateChange) {
		slog.Debug("relay connection state change", "previous", change.Previous, "current", change.Current)
		switch change.Current {
		case ably.ConnectionStateConnected:
			select {
			case connected <- struct{}{}:
			default:
			}
		case ably.ConnectionStateFailed:
			connErr = change.Reason
			select {
			case connected <- struct{}{}:
			default:
			}
		}
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-connected:
		if connErr != nil {
			return fmt.Errorf("relay connection failed: %w", connErr)
		}
	}

	p.connected = true
	slog.Info("relay publisher connected", "connection_id", p.client.Connection.ID())
	return nil
}

// Publish sends one event, retrying up to MaxPublishRetries attempts with
// a fixed delay between them. All attempts exhausted wraps
// ErrPublishFailed around the last underlying error.
func (p *Publisher) Publish(ctx context.Context, channelName, eventName string, payload []byte) error {
	if channelName == "" {
		return fmt.Errorf("channel name is required")
	}
	if eventName == "" {
		return fmt.Errorf("event name is required")
	}

	channel, err := p.channelFor(channelName)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 1; attempt <= MaxPublishRetries; attempt++ {
		pubCtx, cancel := context.WithTimeout(ctx, p.publishTimeout)
		err := channel.Publish(pubCtx, eventName, payload)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		slog.Warn("publish attempt failed", "channel", channelName, "event", eventName, "attempt", attempt, "error", err)

		if attempt < MaxPublishRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-p.closedCh:
				return ErrClosed
			case <-time.After(PublishRetryDelay):
			}
		}
	}

	return fmt.Errorf("%w: %v", ErrPublishFailed, lastErr)
}

// channelFor returns the cached channel handle, creating one for an unseen
// channel name.
func (p *Publisher) channelFor(channelName string) (*ably.RealtimeChannel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrClosed
	}
	if !p.connected {
		return nil, ErrNotConnected
	}
	if ch, ok := p.channels[channelName]; ok {
		return ch, nil
	}
	ch := p.client.Channels.Get(channelName)
	p.channels[channelName] = ch
	return ch, nil
}

// IsConnected reports the live connection state.
func (p *Publisher) IsConnected() bool {
	return p.client.Connection.State() == ably.ConnectionStateConnected
}

// Close shuts the publisher down.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.closedCh)
	p.client.Close()
	return nil
}

// tokener converts broker token details into the relay SDK's token shape.
func tokener(details *broker.TokenDetails) ably.Tokener {
	return &ably.TokenDetails{
		Token:      details.Token,
		Expires:    details.Expires,
		Issued:     details.Issued,
		ClientID:   details.ClientID,
		Capability: details.Capability,
	}
}
