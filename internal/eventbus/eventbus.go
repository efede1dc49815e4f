// Package eventbus implements best-effort, in-process pub/sub for
// status changes, safety violations, and emergency lifecycle events (spec
// §4.10). Delivery loss never affects correctness: subscribers are
// fire-and-forget goroutines with panic recovery.
package eventbus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is one published fact, carrying enough context for subscribers
// (metrics, audit) to record it without a second lookup.
type Event struct {
	Topic     string
	TenantID  uuid.UUID
	Payload   any
	CreatedAt time.Time
}

// Subscriber receives events published to a topic it registered for.
type Subscriber func(Event)

// Bus fans Publish calls out to every subscriber of a topic, each in its own
// goroutine, never blocking the publisher.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]Subscriber
	logger      *slog.Logger
}

func New(logger *slog.Logger) *Bus {
	return &Bus{subscribers: make(map[string][]Subscriber), logger: logger}
}

// Subscribe registers fn to receive every event published to topic.
func (b *Bus) Subscribe(topic string, fn Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[topic] = append(b.subscribers[topic], fn)
}

// Publish fans out ev to every subscriber of ev.Topic, synchronously within
// one goroutine per subscriber so a slow or panicking subscriber cannot
// affect the publisher or other subscribers.
func (b *Bus) Publish(ev Event) {
	ev.CreatedAt = time.Now()

	b.mu.RLock()
	subs := b.subscribers[ev.Topic]
	b.mu.RUnlock()

	for _, sub := range subs {
		sub := sub
		go func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("eventbus subscriber panicked", "topic", ev.Topic, "panic", r)
				}
			}()
			sub(ev)
		}()
	}
}
