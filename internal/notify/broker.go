package notify

import (
	"context"
	"sync"

	"peerpractice/pkg/types"
)

const subscriberBuffer = 8

// Broker is an in-process pub/sub keyed by user. It feeds long-poll
// waiters; a full subscriber buffer drops the event for that subscriber.
type Broker struct {
	mu     sync.Mutex
	subs   map[string]map[chan types.Notification]struct{}
	closed bool
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[chan types.Notification]struct{})}
}

// Subscribe returns a channel of the user's notifications and a function
// that releases it. The channel is closed on release or broker shutdown.
func (b *Broker) Subscribe(userID string) (<-chan types.Notification, func()) {
	ch := make(chan types.Notification, subscriberBuffer)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch, func() {}
	}
	if b.subs[userID] == nil {
		b.subs[userID] = make(map[chan types.Notification]struct{})
	}
	b.subs[userID][ch] = struct{}{}

	var once sync.Once
	return ch, func() {
		once.Do(func() { b.remove(userID, ch) })
	}
}

func (b *Broker) remove(userID string, ch chan types.Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subs[userID]
	if !ok {
		return
	}
	if _, ok := subs[ch]; !ok {
		return
	}
	delete(subs, ch)
	close(ch)
	if len(subs) == 0 {
		delete(b.subs, userID)
	}
}

func (b *Broker) Notify(ctx context.Context, n types.Notification) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.subs[n.UserID] {
		select {
		case ch <- n:
		default:
		}
	}
	return nil
}

// Subscribers reports how many channels are open for the user
func (b *Broker) Subscribers(userID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[userID])
}

// Close releases every subscriber
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for userID, subs := range b.subs {
		for ch := range subs {
			close(ch)
		}
		delete(b.subs, userID)
	}
}
