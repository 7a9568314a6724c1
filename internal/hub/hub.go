// Package hub fans out deal status events to live subscribers keyed by deal
// id. Subscribers registered after a transition do not receive past events;
// callers that need current state read it from the store first, then
// subscribe, then re-read.
package hub

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/dealbrief/internal/model"
)

// subscriberBuffer bounds how many undelivered events a subscriber may queue.
// A subscriber that falls further behind is evicted so publishers never block.
const subscriberBuffer = 16

// Event is one observed status transition for a deal.
type Event struct {
	DealID    string               `json:"deal_id"`
	Status    model.DealStatus     `json:"status"`
	Attempt   int                  `json:"attempt,omitempty"`
	Error     string               `json:"error,omitempty"`
	Extracted *model.ExtractedDeal `json:"extracted,omitempty"`
	At        time.Time            `json:"at"`
}

// Subscription is one subscriber's handle. Events arrive on C; the channel is
// closed when the deal reaches a terminal state, the subscriber is evicted,
// or Close is called.
type Subscription struct {
	C chan Event

	hub    *Hub
	dealID string
	once   sync.Once
}

// Close detaches the subscription. Idempotent; safe to call concurrently
// with Publish.
func (s *Subscription) Close() {
	s.hub.remove(s.dealID, s)
}

// Hub is the in-memory subscriber registry. The zero value is not usable;
// construct with New. Each test injects a fresh instance.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[*Subscription]struct{}
}

func New() *Hub {
	return &Hub{subs: make(map[string]map[*Subscription]struct{})}
}

// Subscribe registers a new subscriber for the deal id.
func (h *Hub) Subscribe(dealID string) *Subscription {
	sub := &Subscription{
		C:      make(chan Event, subscriberBuffer),
		hub:    h,
		dealID: dealID,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[dealID] == nil {
		h.subs[dealID] = make(map[*Subscription]struct{})
	}
	h.subs[dealID][sub] = struct{}{}
	return sub
}

// Publish delivers the event to every current subscriber for its deal id.
// Delivery is non-blocking: a subscriber whose buffer is full is evicted.
// Publishing a terminal status closes all subscriptions for the id after
// delivery, ending each subscriber's event sequence.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subs[ev.DealID] {
		select {
		case sub.C <- ev:
		default:
			zap.L().Warn("evicting slow status subscriber",
				zap.String("deal_id", ev.DealID),
			)
			h.removeLocked(ev.DealID, sub)
		}
	}

	if ev.Status.Terminal() {
		for sub := range h.subs[ev.DealID] {
			h.removeLocked(ev.DealID, sub)
		}
	}
}

// SubscriberCount returns the number of active subscribers for a deal id.
func (h *Hub) SubscriberCount(dealID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[dealID])
}

func (h *Hub) remove(dealID string, sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(dealID, sub)
}

// removeLocked detaches and closes a subscription. Callers hold h.mu. The
// sync.Once makes eviction and explicit Close race-free.
func (h *Hub) removeLocked(dealID string, sub *Subscription) {
	if set, ok := h.subs[dealID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, dealID)
		}
	}
	sub.once.Do(func() { close(sub.C) })
}
