// Package eventbus implements the Event Bus Adapter (C13): a
// non-blocking, best-effort broadcast to bounded per-subscriber queues.
// Grounded on the teacher's internal/events subscription/stats idiom,
// adapted for spec §4.13's drop-OLDEST-on-full policy (the teacher's
// single global channel drops the newest event instead; see DESIGN.md
// for why this diverges). Core publishers never block on a slow
// subscriber.
package eventbus

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EventType enumerates the outbound event shapes from spec §6.
type EventType string

const (
	EventSystemStatus     EventType = "system_status"
	EventMarketAnalysis   EventType = "market_analysis"
	EventPositionsUpdate  EventType = "positions_update"
	EventPortfolioUpdate  EventType = "portfolio_update"
	EventOrderUpdate      EventType = "order_update"
	EventAccountData      EventType = "account_data"
	EventProfitTargets    EventType = "profit_targets"
	EventActivityLog      EventType = "activity_log"
	EventOperational      EventType = "operational_event"
	EventProcessingStatus EventType = "processing_status"
)

// Event is a self-contained, JSON-shaped outbound message (spec §6: each
// event carries type, timestamp, data).
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// MarshalJSON round-trips exactly the three documented fields, used by
// the testable property that serialize/deserialize preserves fields
// (spec §8).
func (e Event) MarshalJSON() ([]byte, error) {
	type alias Event
	return json.Marshal(alias(e))
}

type subscriber struct {
	queue   chan Event
	dropped prometheus.Counter
}

// Bus fans a single publish out to every subscriber's bounded queue. A
// full queue drops its oldest element rather than block the publisher.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	queueSize   int

	droppedTotal *prometheus.CounterVec
}

// New builds an event bus with the given per-subscriber queue depth
// (default 256 per spec §6 EventQueuePerSubscriber).
func New(queueSize int, reg prometheus.Registerer) *Bus {
	if queueSize <= 0 {
		queueSize = 256
	}
	b := &Bus{subscribers: make(map[string]*subscriber), queueSize: queueSize}
	if reg != nil {
		b.droppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventbus_dropped_events_total",
			Help: "Events dropped because a subscriber's queue was full.",
		}, []string{"subscriber"})
		reg.MustRegister(b.droppedTotal)
	}
	return b
}

// Subscribe registers a new named subscriber and returns its receive
// channel. Unsubscribe must be called to release it.
func (b *Bus) Subscribe(name string) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &subscriber{queue: make(chan Event, b.queueSize)}
	if b.droppedTotal != nil {
		sub.dropped = b.droppedTotal.WithLabelValues(name)
	}
	b.subscribers[name] = sub
	return sub.queue
}

// Unsubscribe removes and closes a subscriber's queue.
func (b *Bus) Unsubscribe(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subscribers[name]; ok {
		close(sub.queue)
		delete(b.subscribers, name)
	}
}

// Publish broadcasts ev to every subscriber without blocking. A
// subscriber whose queue is full has its oldest queued event dropped to
// make room, and its drop counter incremented (spec §4.13).
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subscribers {
		select {
		case sub.queue <- ev:
		default:
			select {
			case <-sub.queue:
			default:
			}
			select {
			case sub.queue <- ev:
			default:
			}
			if sub.dropped != nil {
				sub.dropped.Inc()
			}
		}
	}
}

// SubscriberCount reports how many subscribers are currently attached.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
