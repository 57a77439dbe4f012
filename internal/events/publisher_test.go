package events

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/journeykit-dev/journeykit/pkg/journey"
)

func TestPublishSubscribe(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events, err := Subscribe(ctx, client, "")
	require.NoError(t, err)

	pub := NewPublisher(client, "")
	sent := journey.Event{
		Type:      "stage_transition",
		SessionID: "sess-1",
		At:        time.Now().UTC().Truncate(time.Millisecond),
		Data: map[string]any{
			"from": "awareness",
			"to":   "consideration",
		},
	}
	require.NoError(t, pub.Publish(ctx, sent))

	select {
	case got := <-events:
		assert.Equal(t, sent.Type, got.Type)
		assert.Equal(t, sent.SessionID, got.SessionID)
		assert.Equal(t, "consideration", got.Data["to"])
	case <-ctx.Done():
		t.Fatal("event never arrived")
	}
}

func TestSubscribe_ClosesWithContext(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	events, err := Subscribe(ctx, client, "custom:events")
	require.NoError(t, err)

	cancel()

	select {
	case _, ok := <-events:
		assert.False(t, ok, "channel should close after cancel")
	case <-time.After(2 * time.Second):
		t.Fatal("channel did not close")
	}
}
