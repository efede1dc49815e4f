// Package ingest buffers raw price samples ahead of the store write, the
// channel-with-drop-metric pattern the teacher uses for its async audit
// writer (internal/audit.Writer), generalized here to a bounded queue keyed
// per pool so one noisy pool's agents cannot starve another's.
package ingest

import (
	"context"
	"log/slog"
	"sync"

	"github.com/wisbric/fleetswitch/internal/model"
	"github.com/wisbric/fleetswitch/internal/obs"
)

const perPoolCapacity = 120

// rawPriceStore is the subset of internal/store.Store the buffer needs.
type rawPriceStore interface {
	InsertRawPrice(ctx context.Context, p *model.PriceRaw) error
}

// Buffer fans incoming raw price samples out to one worker goroutine per
// pool. A pool's channel fills only under sustained overload from a single
// pool's agents; Offer never blocks the HTTP handler.
type Buffer struct {
	store  rawPriceStore
	logger *slog.Logger

	mu      sync.Mutex
	workers map[string]chan *model.PriceRaw
	ctx     context.Context
}

// New creates a Buffer. ctx governs the lifetime of its worker goroutines;
// callers should derive it from the process's shutdown context.
func New(ctx context.Context, store rawPriceStore, logger *slog.Logger) *Buffer {
	return &Buffer{
		store:   store,
		logger:  logger,
		workers: make(map[string]chan *model.PriceRaw),
		ctx:     ctx,
	}
}

// Offer enqueues p for async insertion, starting a worker for its pool on
// first use. If the pool's queue is full, p is dropped and counted.
func (b *Buffer) Offer(p *model.PriceRaw) {
	ch := b.workerFor(p.PoolID)
	select {
	case ch <- p:
	default:
		obs.PriceSamplesDroppedTotal.WithLabelValues(p.PoolID).Inc()
		b.logger.Warn("price ingest buffer full, dropping sample", "pool_id", p.PoolID)
	}
}

func (b *Buffer) workerFor(poolID string) chan *model.PriceRaw {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.workers[poolID]
	if ok {
		return ch
	}
	ch = make(chan *model.PriceRaw, perPoolCapacity)
	b.workers[poolID] = ch
	go b.run(poolID, ch)
	return ch
}

func (b *Buffer) run(poolID string, ch chan *model.PriceRaw) {
	for {
		select {
		case p := <-ch:
			if err := b.store.InsertRawPrice(b.ctx, p); err != nil {
				b.logger.Error("ingest: inserting raw price", "pool_id", poolID, "error", err)
			}
		case <-b.ctx.Done():
			return
		}
	}
}
