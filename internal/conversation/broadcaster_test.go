// ABOUTME: Tests for Broadcaster fan-out pub/sub system
// ABOUTME: Covers subscribe, publish, unsubscribe, context cancellation, concurrency

package conversation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/localbase/internal/store"
)

func makeMessage(id, threadID string) *store.Message {
	return &store.Message{
		ID:        id,
		ThreadID:  threadID,
		Type:      store.MessageTypeUser,
		Content:   "hello from " + id,
		CreatedAt: time.Now(),
	}
}

func TestBroadcaster_SingleSubscriberReceivesMessage(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, _ := b.Subscribe(t.Context(), "thread-1")
	b.Publish(makeMessage("msg-1", "thread-1"))

	select {
	case received := <-ch:
		assert.Equal(t, "msg-1", received.ID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestBroadcaster_MultipleSubscribersReceiveSameMessage(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx := t.Context()
	ch1, _ := b.Subscribe(ctx, "thread-1")
	ch2, _ := b.Subscribe(ctx, "thread-1")
	ch3, _ := b.Subscribe(ctx, "thread-1")

	b.Publish(makeMessage("msg-2", "thread-1"))

	for i, ch := range []<-chan *store.Message{ch1, ch2, ch3} {
		select {
		case received := <-ch:
			assert.Equal(t, "msg-2", received.ID, "subscriber %d got wrong message", i)
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d timed out", i)
		}
	}
}

func TestBroadcaster_ThreadsAreIsolated(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx := t.Context()
	ch1, _ := b.Subscribe(ctx, "thread-1")
	ch2, _ := b.Subscribe(ctx, "thread-2")

	b.Publish(makeMessage("msg-3", "thread-1"))

	select {
	case received := <-ch1:
		assert.Equal(t, "msg-3", received.ID)
	case <-time.After(time.Second):
		t.Fatal("subscriber for thread-1 timed out")
	}

	select {
	case <-ch2:
		t.Fatal("subscriber for thread-2 should not receive messages for thread-1")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBroadcaster_SlowConsumerDoesNotBlockPublisher(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx := t.Context()
	_, _ = b.Subscribe(ctx, "thread-1") // never read
	ch2, _ := b.Subscribe(ctx, "thread-1")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 3 * subscriberBufferSize {
			b.Publish(makeMessage("overflow", "thread-1"))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on slow subscriber")
	}
	assert.Len(t, ch2, subscriberBufferSize)
}

func TestBroadcaster_ContextCancellationCleansUp(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := b.Subscribe(ctx, "thread-1")
	assert.Equal(t, 1, b.SubscriberCount("thread-1"))

	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed after context cancel")
	case <-time.After(time.Second):
		t.Fatal("channel not closed after context cancel")
	}
	assert.Equal(t, 0, b.SubscriberCount("thread-1"))
}

func TestBroadcaster_ManualUnsubscribe(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, subID := b.Subscribe(t.Context(), "thread-1")
	b.Unsubscribe("thread-1", subID)
	b.Unsubscribe("thread-1", subID) // second call is a no-op

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed after unsubscribe")
	case <-time.After(time.Second):
		t.Fatal("channel not closed after unsubscribe")
	}

	// Publishing should not panic
	b.Publish(makeMessage("after-unsub", "thread-1"))
}

func TestBroadcaster_CloseClosesAllSubscriptions(t *testing.T) {
	b := NewBroadcaster(nil)

	ch1, _ := b.Subscribe(t.Context(), "thread-1")
	ch2, _ := b.Subscribe(t.Context(), "thread-2")

	b.Close()

	for i, ch := range []<-chan *store.Message{ch1, ch2} {
		select {
		case _, ok := <-ch:
			assert.False(t, ok, "channel %d should be closed after Close()", i)
		case <-time.After(time.Second):
			t.Fatalf("channel %d not closed after Close()", i)
		}
	}

	// Subscribing after Close yields a closed channel
	ch3, _ := b.Subscribe(t.Context(), "thread-3")
	_, ok := <-ch3
	assert.False(t, ok)
}

func TestBroadcaster_ConcurrentPublishSubscribe(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	for range 10 {
		wg.Go(func() {
			ch, _ := b.Subscribe(ctx, "thread-concurrent")
			for range 5 {
				select {
				case <-ch:
				case <-time.After(500 * time.Millisecond):
					return
				}
			}
		})
	}

	for range 10 {
		wg.Go(func() {
			for range 10 {
				b.Publish(makeMessage("concurrent", "thread-concurrent"))
			}
		})
	}

	wg.Wait()
}

func TestBroadcaster_SubscribeReturnsUniqueIDs(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx := t.Context()
	_, id1 := b.Subscribe(ctx, "thread-1")
	_, id2 := b.Subscribe(ctx, "thread-1")
	_, id3 := b.Subscribe(ctx, "thread-2")

	require.NotEqual(t, id1, id2)
	require.NotEqual(t, id1, id3)
	require.NotEqual(t, id2, id3)
}
