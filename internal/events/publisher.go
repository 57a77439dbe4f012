// Package events publishes engine events (stage transitions, conversions,
// optimizations, link merges) on a Redis pub/sub channel for analytics
// and monitoring consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/journeykit-dev/journeykit/pkg/journey"
)

// DefaultChannel is the pub/sub channel events land on.
const DefaultChannel = "jk:events"

// Publisher implements journey.Sink over Redis pub/sub.
type Publisher struct {
	client  *redis.Client
	channel string
}

// NewPublisher creates a publisher on the given channel ("" uses
// DefaultChannel).
func NewPublisher(client *redis.Client, channel string) *Publisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Publisher{client: client, channel: channel}
}

// Publish marshals and emits one event. Callers treat failures as
// best-effort; delivery is fire-and-forget.
func (p *Publisher) Publish(ctx context.Context, ev journey.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Subscribe returns a channel of decoded events, for in-process
// consumers and tests. The subscription closes when ctx is done.
func Subscribe(ctx context.Context, client *redis.Client, channel string) (<-chan journey.Event, error) {
	if channel == "" {
		channel = DefaultChannel
	}
	sub := client.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	out := make(chan journey.Event, 64)
	go func() {
		defer close(out)
		defer func() { _ = sub.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.Channel():
				if !ok {
					return
				}
				var ev journey.Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
