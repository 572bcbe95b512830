package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ably/ably-go/ably"

	"github.com/imbhargav5/unbound.computer-sub014/internal/broker"
)

// InboundMessage is one delivery from the relay channel.
type InboundMessage struct {
	// ID is the relay's message identifier.
	ID string

	// Payload is the raw (encrypted) command data. The consumer never
	// inspects it.
	Payload []byte
}

// ConsumerOptions configures a Consumer.
type ConsumerOptions struct {
	BrokerSocketPath string
	BrokerToken      string
	DeviceID         string

	// ChannelName is the relay channel to attach to.
	ChannelName string

	// EventName filters deliveries; other events are skipped.
	EventName string

	// BufferSize caps queued deliveries. The ingress bridge uses 1:
	// with one message buffered and the loop processing another, the
	// subscription callback blocks, which is exactly the one-in-flight
	// backpressure the command path requires.
	BufferSize int
}

// Consumer subscribes to one relay channel and delivers payloads through a
// bounded channel. It can also publish (acks) on the same channel.
type Consumer struct {
	client      *ably.Realtime
	channelName string
	eventName   string

	messages chan *InboundMessage
	errors   chan error

	mu       sync.Mutex
	channel  *ably.RealtimeChannel
	unsub    func()
	closed   bool
	closedCh chan struct{}
}

// NewConsumer creates a consumer; call Connect to attach and subscribe.
func NewConsumer(opts ConsumerOptions) (*Consumer, error) {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1
	}

	client, err := ably.NewRealtime(
		ably.WithClientID(opts.DeviceID),
		ably.WithAuthCallback(func(ctx context.Context, _ ably.TokenParams) (ably.Tokener, error) {
			details, err := broker.RequestToken(ctx, opts.BrokerSocketPath, opts.BrokerToken, broker.AudienceIngress, opts.DeviceID)
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

	return &Consumer{
		client:      client,
		channelName: opts.ChannelName,
		eventName:   opts.EventName,
		messages:    make(chan *InboundMessage, opts.BufferSize),
		errors:      make(chan error, 1),
		closedCh:    make(chan struct{}),
	}, nil
}

// Connect blocks until connected (or failed), then attaches and subscribes
// to the channel.
func (c *Consumer) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	c.client.Connect()

	connected := make(chan struct{})
	var connErr error
	c.client.Connection.OnAll(func(change ably.ConnectionStateChange) {
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

	c.channel = c.client.Channels.Get(c.channelName)
	if err := c.channel.Attach(ctx); err != nil {
		return fmt.Errorf("attach to %s: %w", c.channelName, err)
	}

	unsub, err := c.channel.SubscribeAll(ctx, c.handleMessage)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", c.channelName, err)
	}
	c.unsub = unsub

	slog.Info("relay consumer attached", "channel", c.channelName)
	return nil
}

func (c *Consumer) handleMessage(msg *ably.Message) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if c.eventName != "" && msg.Name != c.eventName {
		return
	}

	var payload []byte
	switch data := msg.Data.(type) {
	case []byte:
		payload = data
	case string:
		payload = []byte(data)
	default:
		marshaled, err := json.Marshal(data)
		if err != nil {
			slog.Error("unexpected relay message data", "id", msg.ID, "error", err)
			return
		}
		payload = marshaled
	}

	// Blocks when the buffer is full: backpressure, not loss.
	select {
	case c.messages <- &InboundMessage{ID: msg.ID, Payload: payload}:
	case <-c.closedCh:
	}
}

// Receive returns the delivery channel.
func (c *Consumer) Receive() <-chan *InboundMessage {
	return c.messages
}

// Publish sends an event on the attached channel.
func (c *Consumer) Publish(ctx context.Context, eventName string, payload []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	channel := c.channel
	c.mu.Unlock()

	if channel == nil {
		return ErrNotConnected
	}
	return channel.Publish(ctx, eventName, payload)
}

// Errors returns the error stream.
func (c *Consumer) Errors() <-chan error {
	return c.errors
}

// Close shuts the consumer down.
func (c *Consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.closedCh)
	if c.unsub != nil {
		c.unsub()
	}
	c.client.Close()
	return nil
}
