// ABOUTME: Tests for the Broadcaster fan-out
// ABOUTME: Covers private and group routing, slow subscribers, unsubscribe and context cancellation

package chat

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-chatstore/internal/store"
)

func makeMessage(id string, sender int64, tt store.TargetType, target int64) *store.Message {
	return &store.Message{
		ID:         id,
		Type:       store.TypeText,
		SenderUID:  sender,
		TargetUID:  target,
		TargetType: tt,
		Payload:    []byte(`{"text":"hi"}`),
	}
}

func receive(t *testing.T, ch <-chan *store.Message) *store.Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func assertEmpty(t *testing.T, ch <-chan *store.Message) {
	t.Helper()
	select {
	case m := <-ch:
		t.Fatalf("unexpected message %s", m.ID)
	default:
	}
}

func TestBroadcaster_PrivateReachesBothParticipants(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()
	ctx := t.Context()

	alice, _ := b.Subscribe(ctx, UserKey(1))
	bob, _ := b.Subscribe(ctx, UserKey(2))
	carol, _ := b.Subscribe(ctx, UserKey(3))

	b.Deliver(ctx, makeMessage("m1", 1, store.TargetPrivate, 2))

	assert.Equal(t, "m1", receive(t, alice).ID)
	assert.Equal(t, "m1", receive(t, bob).ID)
	assertEmpty(t, carol)
}

func TestBroadcaster_GroupKey(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()
	ctx := t.Context()

	group, _ := b.Subscribe(ctx, GroupKey(100))
	sender, _ := b.Subscribe(ctx, UserKey(1))

	b.Deliver(ctx, makeMessage("g1", 1, store.TargetGroup, 100))

	assert.Equal(t, "g1", receive(t, group).ID)
	assertEmpty(t, sender)
}

func TestBroadcaster_SlowSubscriberDrops(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()
	ctx := t.Context()

	ch, _ := b.Subscribe(ctx, GroupKey(7))

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBufferSize+10; i++ {
			b.Publish(GroupKey(7), makeMessage(fmt.Sprintf("m%d", i), 1, store.TargetGroup, 7))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Len(t, ch, subscriberBufferSize)
}

func TestBroadcaster_UnsubscribeClosesChannel(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, id := b.Subscribe(t.Context(), UserKey(1))
	b.Unsubscribe(UserKey(1), id)
	b.Unsubscribe(UserKey(1), id)

	_, ok := <-ch
	assert.False(t, ok)

	// Publishing with no subscribers is harmless.
	b.Publish(UserKey(1), makeMessage("m", 1, store.TargetPrivate, 2))
}

func TestBroadcaster_ContextCancelUnsubscribes(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := b.Subscribe(ctx, UserKey(1))
	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}

func TestBroadcaster_ConcurrentPublishAndUnsubscribe(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		ch, _ := b.Subscribe(ctx, GroupKey(1))
		wg.Add(2)
		go func() {
			defer wg.Done()
			for range ch {
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				b.Publish(GroupKey(1), makeMessage("m", 1, store.TargetGroup, 1))
			}
			cancel()
		}()
	}
	wg.Wait()
}
