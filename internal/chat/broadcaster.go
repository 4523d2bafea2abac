// ABOUTME: In-memory fan-out of stored messages for real-time delivery
// ABOUTME: Subscribers listen on a user or group key; slow subscribers drop messages

package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/coven-chatstore/internal/store"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// UserKey is the subscription key for everything addressed to or sent by uid
// in private conversations.
func UserKey(uid int64) string {
	return fmt.Sprintf("user:%d", uid)
}

// GroupKey is the subscription key for a group's messages.
func GroupKey(gid int64) string {
	return fmt.Sprintf("group:%d", gid)
}

// Broadcaster is a Deliverer that publishes stored messages to in-process
// subscribers. Sends never block: a full subscriber channel loses the message.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *store.Message // key -> subID -> ch
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan *store.Message),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers for messages on key. The subscription ends when ctx is
// cancelled or Unsubscribe is called, and the channel is closed.
func (b *Broadcaster) Subscribe(ctx context.Context, key string) (<-chan *store.Message, string) {
	subID := uuid.New().String()
	ch := make(chan *store.Message, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[key]; !ok {
		b.subscribers[key] = make(map[string]chan *store.Message)
	}
	b.subscribers[key][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "key", key, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(key, subID)
	}()

	return ch, subID
}

// Deliver publishes m to both participants of a private conversation, or to
// the group.
func (b *Broadcaster) Deliver(_ context.Context, m *store.Message) {
	if m.TargetType == store.TargetGroup {
		b.Publish(GroupKey(m.TargetUID), m)
		return
	}
	b.Publish(UserKey(m.SenderUID), m)
	b.Publish(UserKey(m.TargetUID), m)
}

// Publish sends m to every subscriber of key. The read lock is held across
// the sends so Unsubscribe cannot close a channel mid-send.
func (b *Broadcaster) Publish(key string, m *store.Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[key] {
		select {
		case ch <- m:
		default:
			b.logger.Debug("dropped message for slow subscriber", "key", key, "message_id", m.ID)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(key, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[key]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, key)
	}

	b.logger.Debug("subscriber removed", "key", key, "sub_id", subID)
}

// Close closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for key, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, key)
	}
}
