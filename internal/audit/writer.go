// Package audit persists event-bus publications to the system_events table,
// adapted from the teacher's internal/audit.Writer (async buffered channel,
// Start(ctx)/Close()) from incident-audit logging to this system's
// system_events schema.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/wisbric/fleetswitch/internal/eventbus"
)

// eventStore is the subset of internal/store.Store the writer needs.
type eventStore interface {
	InsertSystemEvent(ctx context.Context, tenantID uuid.UUID, topic string, payload []byte) error
}

const bufferSize = 1024

// Writer buffers event-bus publications and flushes them to Postgres from a
// single background goroutine, so a slow database never blocks a request
// path.
type Writer struct {
	store  eventStore
	logger *slog.Logger
	ch     chan eventbus.Event
	done   chan struct{}
	wg     sync.WaitGroup
}

func NewWriter(store eventStore, logger *slog.Logger) *Writer {
	return &Writer{
		store:  store,
		logger: logger,
		ch:     make(chan eventbus.Event, bufferSize),
		done:   make(chan struct{}),
	}
}

// Subscribe registers the writer against bus for every topic it should audit.
func (w *Writer) Subscribe(bus *eventbus.Bus, topics ...string) {
	for _, topic := range topics {
		bus.Subscribe(topic, w.enqueue)
	}
}

func (w *Writer) enqueue(ev eventbus.Event) {
	select {
	case w.ch <- ev:
	default:
		w.logger.Warn("audit writer buffer full, dropping event", "topic", ev.Topic)
	}
}

// Start begins the background flush loop; call Close to drain and stop.
func (w *Writer) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case ev := <-w.ch:
				w.write(ctx, ev)
			case <-w.done:
				// Drain remaining buffered events before exiting.
				for {
					select {
					case ev := <-w.ch:
						w.write(ctx, ev)
					default:
						return
					}
				}
			}
		}
	}()
}

func (w *Writer) write(ctx context.Context, ev eventbus.Event) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		w.logger.Warn("audit writer: marshaling event payload", "topic", ev.Topic, "error", err)
		return
	}
	if err := w.store.InsertSystemEvent(ctx, ev.TenantID, ev.Topic, payload); err != nil {
		w.logger.Error("audit writer: inserting system event", "topic", ev.Topic, "error", err)
	}
}

// Close stops the flush loop after draining buffered events.
func (w *Writer) Close() {
	close(w.done)
	w.wg.Wait()
}
