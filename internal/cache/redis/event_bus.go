package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/jtradehq/jtrade/internal/domain"
)

// EventBus implements domain.EventBus over Redis Pub/Sub. Platform
// events (executions, stream state changes, copy results) flow through
// it to the monitoring stream and to any other replica.
type EventBus struct {
	rdb *redis.Client
}

// NewEventBus creates an EventBus backed by the given Client.
func NewEventBus(c *Client) *EventBus {
	return &EventBus{rdb: c.Underlying()}
}

// Publish JSON-encodes payload and sends it to the channel. Failures
// are returned but callers on the trading path log and continue; the
// bus is never load-bearing for order flow.
func (b *EventBus) Publish(ctx context.Context, channel string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("redis: encode event for %s: %w", channel, err)
	}
	if err := b.rdb.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe opens a subscription on the given channels and returns a
// delivery channel plus a stop function. The delivery channel is closed
// when the context is cancelled or stop is called.
func (b *EventBus) Subscribe(ctx context.Context, channels ...string) (<-chan domain.BusMessage, func(), error) {
	pubsub := b.rdb.Subscribe(ctx, channels...)

	// Confirm the subscription before handing out the channel.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("redis: subscribe %v: %w", channels, err)
	}

	out := make(chan domain.BusMessage, 128)
	done := make(chan struct{})
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- domain.BusMessage{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
				case <-ctx.Done():
					return
				case <-done:
					return
				}
			}
		}
	}()

	var stopped bool
	stop := func() {
		if !stopped {
			stopped = true
			close(done)
		}
	}
	return out, stop, nil
}

var _ domain.EventBus = (*EventBus)(nil)
