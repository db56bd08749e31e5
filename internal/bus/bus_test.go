package bus

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T) Bus {
	t.Helper()
	b := New(16, zerolog.Nop())
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestPublishSubscribe(t *testing.T) {
	b := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := b.Subscribe(ctx, SessionTopic("s1"))
	require.NoError(t, err)

	err = b.Publish(SessionTopic("s1"), Event{
		Type:      EventSessionStateChanged,
		SessionID: "s1",
		Payload:   map[string]any{"from": "initializing", "to": "active"},
	})
	require.NoError(t, err)

	select {
	case ev := <-events:
		assert.Equal(t, EventSessionStateChanged, ev.Type)
		assert.Equal(t, "s1", ev.SessionID)
		assert.NotEmpty(t, ev.ID)
		assert.False(t, ev.Timestamp.IsZero())
		assert.Equal(t, "active", ev.Payload["to"])
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

// Events on one session topic must arrive in publish order.
func TestPerTopicOrdering(t *testing.T) {
	b := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := b.Subscribe(ctx, SessionTopic("ordered"))
	require.NoError(t, err)

	const n = 50
	for i := 0; i < n; i++ {
		require.NoError(t, b.Publish(SessionTopic("ordered"), Event{
			Type:      EventSessionActivity,
			SessionID: "ordered",
			Payload:   map[string]any{"seq": fmt.Sprintf("%d", i)},
		}))
	}

	for i := 0; i < n; i++ {
		select {
		case ev := <-events:
			assert.Equal(t, fmt.Sprintf("%d", i), ev.Payload["seq"], "event %d out of order", i)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestTopicsAreIsolated(t *testing.T) {
	b := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := b.Subscribe(ctx, SessionTopic("a"))
	require.NoError(t, err)

	require.NoError(t, b.Publish(SessionTopic("b"), Event{Type: EventSessionActivity, SessionID: "b"}))

	select {
	case ev := <-a:
		t.Fatalf("topic a received event for session %s", ev.SessionID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscribeCancelClosesChannel(t *testing.T) {
	b := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())

	events, err := b.Subscribe(ctx, SessionTopic("c"))
	require.NoError(t, err)

	cancel()

	select {
	case _, ok := <-events:
		assert.False(t, ok, "channel should be closed after cancel")
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after context cancel")
	}
}
