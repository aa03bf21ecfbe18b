// Package pubsub fans committed record events out to live subscribers.
//
// Delivery is best effort: a slow subscriber loses its oldest buffered
// event rather than blocking the publisher. Consumers that need every event
// replay the durable log with an after-id cursor.
package pubsub

import (
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"agencyflow/internal/domain"
)

const (
	defaultSubscriberCapacity = 64
	defaultDedupeWindow       = 1024
)

// HubOption customizes Hub construction.
type HubOption func(*Hub)

// Hub routes events to subscribers keyed by record id.
type Hub struct {
	mu           sync.RWMutex
	subscribers  map[string]map[*subscriber]struct{}
	recentIDs    map[int64]struct{}
	recentOrder  []int64
	channelSize  int
	dedupeWindow int
	logger       *zap.Logger
}

// Subscription is an active subscription to one record.
type Subscription struct {
	Events <-chan domain.Event
	cancel func()
}

// Close terminates the subscription and closes Events.
func (s Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		subscribers:  map[string]map[*subscriber]struct{}{},
		recentIDs:    map[int64]struct{}{},
		channelSize:  defaultSubscriberCapacity,
		dedupeWindow: defaultDedupeWindow,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

func HubWithLogger(logger *zap.Logger) HubOption {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// HubWithSubscriberCapacity overrides the buffered channel size per subscriber.
func HubWithSubscriberCapacity(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.channelSize = n
		}
	}
}

// HubWithDedupeWindow controls how many recent event ids are remembered.
func HubWithDedupeWindow(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.dedupeWindow = n
		}
	}
}

// Subscribe registers for events about recordID.
func (h *Hub) Subscribe(recordID string) Subscription {
	key := normalize(recordID)
	sub := newSubscriber(h.channelSize, h.logger.With(zap.String("record_id", key)))
	h.mu.Lock()
	if h.subscribers[key] == nil {
		h.subscribers[key] = map[*subscriber]struct{}{}
	}
	h.subscribers[key][sub] = struct{}{}
	h.mu.Unlock()
	return Subscription{
		Events: sub.ch,
		cancel: func() { h.remove(key, sub) },
	}
}

// Publish delivers event to every subscriber of its entity id.
// It never blocks on a subscriber.
func (h *Hub) Publish(event domain.Event) {
	if event.ID != 0 && h.isDuplicate(event.ID) {
		return
	}
	key := normalize(event.EntityID)
	if key == "" {
		return
	}
	h.mu.RLock()
	subs := make([]*subscriber, 0, len(h.subscribers[key]))
	for sub := range h.subscribers[key] {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()
	for _, sub := range subs {
		sub.deliver(event)
	}
}

// Subscribers reports the live subscriber count for recordID.
func (h *Hub) Subscribers(recordID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[normalize(recordID)])
}

func (h *Hub) remove(key string, sub *subscriber) {
	h.mu.Lock()
	if subs := h.subscribers[key]; subs != nil {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.subscribers, key)
		}
	}
	h.mu.Unlock()
	sub.close()
}

func (h *Hub) isDuplicate(id int64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.recentIDs[id]; ok {
		return true
	}
	h.recentIDs[id] = struct{}{}
	h.recentOrder = append(h.recentOrder, id)
	if len(h.recentOrder) > h.dedupeWindow {
		oldest := h.recentOrder[0]
		h.recentOrder = h.recentOrder[1:]
		delete(h.recentIDs, oldest)
	}
	return false
}

func normalize(id string) string {
	return strings.TrimSpace(id)
}

type subscriber struct {
	ch      chan domain.Event
	logger  *zap.Logger
	closed  bool
	closeMu sync.Mutex
}

func newSubscriber(capacity int, logger *zap.Logger) *subscriber {
	if capacity <= 0 {
		capacity = defaultSubscriberCapacity
	}
	return &subscriber{ch: make(chan domain.Event, capacity), logger: logger}
}

// deliver holds closeMu so close cannot race a send.
func (s *subscriber) deliver(event domain.Event) {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- event:
			return
		default:
		}
		select {
		case dropped := <-s.ch:
			s.logger.Debug("pubsub: dropped event",
				zap.String("event_id", strconv.FormatInt(dropped.ID, 10)),
				zap.String("type", dropped.Type),
				zap.String("reason", "queue overflow"))
		default:
		}
	}
}

func (s *subscriber) close() {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
