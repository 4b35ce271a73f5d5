// Package feed fans claim change events out to in-process subscribers.
package feed

import (
	"context"
	"sync"

	"github.com/ldi/claimdeck/pkg/models"
)

// subscriberBuffer absorbs bursts such as a bulk import. A subscriber that
// still falls behind is dropped and must resync on reconnect.
const subscriberBuffer = 256

type subscriber struct {
	ch   chan models.ChangeEvent
	once sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.ch) })
}

// Hub implements backend.ChangeFeed for backends that learn about changes
// locally (sqlite writes, postgres LISTEN).
type Hub struct {
	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
}

func NewHub() *Hub {
	return &Hub{subs: make(map[*subscriber]struct{})}
}

// Subscribe registers a subscriber until ctx is done or cancel is called.
func (h *Hub) Subscribe(ctx context.Context) (<-chan models.ChangeEvent, func(), error) {
	sub := &subscriber{ch: make(chan models.ChangeEvent, subscriberBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		sub.close()
		return sub.ch, func() {}, nil
	}
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	cancel := func() { h.remove(sub) }
	stop := context.AfterFunc(ctx, cancel)
	return sub.ch, func() {
		stop()
		cancel()
	}, nil
}

func (h *Hub) remove(sub *subscriber) {
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
	sub.close()
}

// Publish never blocks. A full subscriber is disconnected.
func (h *Hub) Publish(ev models.ChangeEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		select {
		case sub.ch <- ev:
		default:
			delete(h.subs, sub)
			sub.close()
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close disconnects every subscriber and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for sub := range h.subs {
		delete(h.subs, sub)
		sub.close()
	}
}
