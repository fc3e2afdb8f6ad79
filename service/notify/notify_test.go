package notify

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishOrder(t *testing.T) {
	ctx := context.Background()
	s := NewStream("tenant-test", 16)
	_, events := s.Subscribe()

	for i := 0; i < 5; i++ {
		s.Publish(ctx, Event{Kind: LoopDiscovered, CanonicalID: fmt.Sprintf("id-%d", i)})
	}

	for i := 0; i < 5; i++ {
		ev := <-events
		assert.Equal(t, uint64(i+1), ev.Seq, "sequence numbers are gapless in order")
		assert.Equal(t, fmt.Sprintf("id-%d", i), ev.CanonicalID)
		assert.Equal(t, "tenant-test", ev.Tenant.String())
		assert.False(t, ev.At.IsZero())
	}
}

func TestFanOut(t *testing.T) {
	ctx := context.Background()
	s := NewStream("tenant-test", 16)
	_, ch1 := s.Subscribe()
	_, ch2 := s.Subscribe()

	s.Publish(ctx, Event{Kind: LoopDiscovered, CanonicalID: "id-1"})

	ev1 := <-ch1
	ev2 := <-ch2
	assert.Equal(t, ev1.Seq, ev2.Seq)
	assert.Equal(t, "id-1", ev1.CanonicalID)
	assert.Equal(t, "id-1", ev2.CanonicalID)
}

func TestLaggingSubscriberDoesNotBlock(t *testing.T) {
	ctx := context.Background()
	s := NewStream("tenant-test", 1)
	_, slow := s.Subscribe()

	// Buffer of one: the second publish would block a naive fan-out.
	s.Publish(ctx, Event{Kind: LoopDiscovered, CanonicalID: "id-1"})
	s.Publish(ctx, Event{Kind: LoopDiscovered, CanonicalID: "id-2"})

	ev := <-slow
	assert.Equal(t, "id-1", ev.CanonicalID)
	select {
	case <-slow:
		t.Fatal("the dropped event must not reappear")
	default:
	}

	// The stream itself keeps counting.
	s.Publish(ctx, Event{Kind: LoopDiscovered, CanonicalID: "id-3"})
	ev = <-slow
	assert.Equal(t, uint64(3), ev.Seq)
}

func TestUnsubscribe(t *testing.T) {
	ctx := context.Background()
	s := NewStream("tenant-test", 16)
	id, ch := s.Subscribe()

	s.Unsubscribe(id)
	_, open := <-ch
	assert.False(t, open, "unsubscribing closes the channel")

	// Publishing after unsubscribe is a no-op for that subscriber.
	s.Publish(ctx, Event{Kind: LoopDiscovered, CanonicalID: "id-1"})
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	s := NewStream("tenant-test", 16)
	_, ch1 := s.Subscribe()
	_, ch2 := s.Subscribe()

	s.Close()
	_, open := <-ch1
	assert.False(t, open)
	_, open = <-ch2
	assert.False(t, open)

	// Publish and Close are safe after Close.
	s.Publish(ctx, Event{Kind: LoopDiscovered, CanonicalID: "id-1"})
	s.Close()

	id, ch := s.Subscribe()
	require.NotEqual(t, id.String(), "")
	s.Publish(ctx, Event{Kind: LoopDiscovered})
	select {
	case <-ch:
		t.Fatal("a closed stream publishes nothing")
	default:
	}
}
