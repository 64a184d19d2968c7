// Package eventbus fans roster events out to per-session subscribers.
package eventbus

import (
	"sync"

	"go.uber.org/zap"

	"github.com/noah-isme/geoattend-api/internal/models"
)

const defaultBuffer = 64

// HubConfig tunes subscriber buffering and drop reporting.
type HubConfig struct {
	Buffer int
	OnDrop func(topic string)
	Logger *zap.Logger
}

// Hub is an in-process topic broker. Publishing never blocks: a subscriber
// whose buffer is full is dropped and its channel closed.
type Hub struct {
	buffer int
	onDrop func(topic string)
	logger *zap.Logger

	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	name string
	mu   sync.Mutex
	seq  uint64
	subs map[*Subscription]struct{}
}

// Subscription receives events for one topic until closed or dropped.
type Subscription struct {
	C <-chan models.RosterEvent

	ch      chan models.RosterEvent
	hub     *Hub
	topic   *topic
	closed  bool
	dropped bool
}

// NewHub constructs an empty hub.
func NewHub(cfg HubConfig) *Hub {
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultBuffer
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Hub{
		buffer: cfg.Buffer,
		onDrop: cfg.OnDrop,
		logger: cfg.Logger,
		topics: make(map[string]*topic),
	}
}

// Subscribe registers a new subscriber. Only events published afterwards are delivered.
func (h *Hub) Subscribe(name string) *Subscription {
	ch := make(chan models.RosterEvent, h.buffer)
	sub := &Subscription{C: ch, ch: ch, hub: h}

	h.mu.Lock()
	t, ok := h.topics[name]
	if !ok {
		t = &topic{name: name, subs: make(map[*Subscription]struct{})}
		h.topics[name] = t
	}
	// register under both locks so a concurrent release cannot orphan the topic
	t.mu.Lock()
	t.subs[sub] = struct{}{}
	sub.topic = t
	t.mu.Unlock()
	h.mu.Unlock()

	return sub
}

// Publish delivers evt to every current subscriber of the topic in publish order.
func (h *Hub) Publish(name string, evt models.RosterEvent) {
	h.mu.Lock()
	t, ok := h.topics[name]
	h.mu.Unlock()
	if !ok {
		return
	}

	var dropped []*Subscription
	t.mu.Lock()
	t.seq++
	evt.Sequence = t.seq
	for sub := range t.subs {
		select {
		case sub.ch <- evt:
		default:
			delete(t.subs, sub)
			sub.closed = true
			sub.dropped = true
			close(sub.ch)
			dropped = append(dropped, sub)
		}
	}
	empty := len(t.subs) == 0
	t.mu.Unlock()

	for range dropped {
		h.logger.Warn("subscriber dropped", zap.String("topic", name))
		if h.onDrop != nil {
			h.onDrop(name)
		}
	}
	if empty {
		h.release(t)
	}
}

// CloseTopic closes every subscriber of the topic.
func (h *Hub) CloseTopic(name string) {
	h.mu.Lock()
	t, ok := h.topics[name]
	if ok {
		delete(h.topics, name)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	t.mu.Lock()
	for sub := range t.subs {
		delete(t.subs, sub)
		sub.closed = true
		close(sub.ch)
	}
	t.mu.Unlock()
}

// SubscriberCount returns the number of live subscribers on the topic.
func (h *Hub) SubscriberCount(name string) int {
	h.mu.Lock()
	t, ok := h.topics[name]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

func (h *Hub) release(t *topic) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.subs) == 0 && h.topics[t.name] == t {
		delete(h.topics, t.name)
	}
}

// Close unsubscribes. It is safe to call more than once and after a drop.
func (s *Subscription) Close() {
	t := s.topic
	t.mu.Lock()
	if s.closed {
		t.mu.Unlock()
		return
	}
	s.closed = true
	delete(t.subs, s)
	close(s.ch)
	empty := len(t.subs) == 0
	t.mu.Unlock()

	if empty {
		s.hub.release(t)
	}
}

// Dropped reports whether the hub removed this subscriber for lagging.
func (s *Subscription) Dropped() bool {
	s.topic.mu.Lock()
	defer s.topic.mu.Unlock()
	return s.dropped
}
