// SPDX-License-Identifier: MIT

// Package events provides the process-wide broadcast topic bus. Every
// supervisor publishes state changes here; the control plane relays them
// to WebSocket subscribers. Delivery is per-publisher FIFO; a subscriber
// that falls behind its bounded queue is dropped rather than allowed to
// backpressure the supervisors.
package events

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/camdeck/camdeck/internal/log"
)

// Topic names. Kept in one place because WebSocket clients filter on them.
const (
	TopicCamera  = "camera"
	TopicSession = "session"
	TopicMixer   = "mixer"
	TopicMode    = "mode"
	TopicDisk    = "disk"
)

// DefaultQueueSize bounds each subscriber's in-flight events.
const DefaultQueueSize = 256

var subscriberDropTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "camdeck_events_subscriber_drop_total",
	Help: "Total number of subscribers dropped for falling behind.",
}, []string{"topic"})

// Event is one broadcast message.
type Event struct {
	Topic   string    `json:"topic"`
	Payload any       `json:"payload"`
	At      time.Time `json:"at"`
}

// Bus is the in-memory broadcast bus.
type Bus struct {
	mu        sync.Mutex
	subs      map[uint64]*Subscription
	nextID    uint64
	queueSize int
}

// NewBus creates a bus with the given per-subscriber queue size.
func NewBus(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Bus{
		subs:      make(map[uint64]*Subscription),
		queueSize: queueSize,
	}
}

// Publish broadcasts to all subscribers without blocking. A subscriber
// whose queue is full is closed and removed.
func (b *Bus) Publish(topic string, payload any) {
	ev := Event{Topic: topic, Payload: payload, At: time.Now()}

	b.mu.Lock()
	var dead []*Subscription
	for _, sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			dead = append(dead, sub)
		}
	}
	for _, sub := range dead {
		delete(b.subs, sub.id)
	}
	b.mu.Unlock()

	logger := log.WithComponent("events")
	for _, sub := range dead {
		sub.closeOnce.Do(func() { close(sub.ch) })
		subscriberDropTotal.WithLabelValues(topic).Inc()
		logger.Warn().
			Str("topic", topic).
			Msg("dropped slow event subscriber")
	}
}

// Subscribe registers a subscriber receiving all topics. The caller must
// drain C() promptly or it will be dropped.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:  b.nextID,
		bus: b,
		ch:  make(chan Event, b.queueSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Subscription is one bus subscriber.
type Subscription struct {
	id        uint64
	bus       *Bus
	ch        chan Event
	closeOnce sync.Once
}

// C returns the event channel. It is closed when the subscription ends,
// whether by Close or by being dropped.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Close unregisters the subscriber.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()
	s.closeOnce.Do(func() { close(s.ch) })
}
