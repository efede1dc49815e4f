// Package pricing implements the three-tier raw → consolidated → canonical
// pipeline (spec.md §4.3): dedup by 5-minute bucket, gap interpolation over a
// 13-hour lookback, and canonical promotion, gated by a Redis single-flight
// lock so only one process runs a consolidation pass at a time.
package pricing

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/fleetswitch/internal/model"
)

const (
	bucketInterval   = 5 * time.Minute
	gapLookback      = 13 * time.Hour
	interpConfidence = 0.80
	rawRetention     = 7 * 24 * time.Hour
	consolidatedRetention = 90 * 24 * time.Hour
	canonicalRetention    = 365 * 24 * time.Hour

	lockKey = "fleetswitch:pricing:consolidation-lock"
	lockTTL = 10 * time.Minute
)

// priceStore is the subset of internal/store.Store the pipeline needs.
type priceStore interface {
	ListActivePoolIDs(ctx context.Context, since time.Time) ([]string, error)
	ListRawPricesSince(ctx context.Context, poolID string, since time.Time) ([]*model.PriceRaw, error)
	ListConsolidatedSince(ctx context.Context, poolID string, since time.Time) ([]*model.PriceConsolidated, error)
	UpsertConsolidated(ctx context.Context, p *model.PriceConsolidated) error
	InsertCanonical(ctx context.Context, p *model.PriceCanonical) error
	PruneRetention(ctx context.Context, now time.Time) error
	GetPool(ctx context.Context, id string) (*model.Pool, error)
}

// Pipeline runs the consolidation pass. Idempotent per RunID: a crashed run
// leaves partial consolidated rows a subsequent run simply overwrites (spec.md
// §4.3 "failure semantics").
type Pipeline struct {
	store    priceStore
	provider ProviderPriceHistory
	rdb      *redis.Client
	logger   *slog.Logger
	now      func() time.Time
}

func New(store priceStore, provider ProviderPriceHistory, rdb *redis.Client, logger *slog.Logger) *Pipeline {
	return &Pipeline{store: store, provider: provider, rdb: rdb, logger: logger, now: time.Now}
}

// Run executes one consolidation pass across every pool with recent raw
// samples. It acquires a Redis single-flight lock first: concurrent
// schedulers never run overlapping passes, and a process that fails to
// acquire it simply skips this tick (no observer blocks on consolidation).
func (p *Pipeline) Run(ctx context.Context) error {
	acquired, err := p.rdb.SetNX(ctx, lockKey, uuid.NewString(), lockTTL).Result()
	if err != nil {
		return fmt.Errorf("acquiring consolidation lock: %w", err)
	}
	if !acquired {
		p.logger.Info("pricing consolidation already running elsewhere, skipping")
		return nil
	}
	defer p.rdb.Del(ctx, lockKey)

	runID := uuid.New()
	now := p.now()
	since := now.Add(-gapLookback)

	poolIDs, err := p.store.ListActivePoolIDs(ctx, since)
	if err != nil {
		return fmt.Errorf("listing active pools: %w", err)
	}

	for _, poolID := range poolIDs {
		if err := p.consolidatePool(ctx, poolID, since, now, runID); err != nil {
			p.logger.Error("consolidating pool", "pool_id", poolID, "error", err)
			continue
		}
	}

	if err := p.store.PruneRetention(ctx, now); err != nil {
		return fmt.Errorf("pruning retention: %w", err)
	}
	return nil
}

func (p *Pipeline) consolidatePool(ctx context.Context, poolID string, since, now time.Time, runID uuid.UUID) error {
	raw, err := p.store.ListRawPricesSince(ctx, poolID, since)
	if err != nil {
		return fmt.Errorf("listing raw prices: %w", err)
	}

	buckets := dedupBuckets(raw, now)

	if p.provider != nil {
		if err := p.backfillFromProvider(ctx, poolID, buckets, since, now); err != nil {
			p.logger.Warn("provider backfill failed", "pool_id", poolID, "error", err)
		}
	}

	interpolateGaps(buckets, since, now)

	var timestamps []time.Time
	for ts := range buckets {
		timestamps = append(timestamps, ts)
	}
	sort.Slice(timestamps, func(i, j int) bool { return timestamps[i].Before(timestamps[j]) })

	for _, ts := range timestamps {
		sample := buckets[ts]
		consolidated := &model.PriceConsolidated{
			PoolID:     poolID,
			Timestamp:  ts,
			Price:      sample.price,
			Source:     sample.source,
			Confidence: sample.confidence,
			RunID:      runID,
		}
		if err := p.store.UpsertConsolidated(ctx, consolidated); err != nil {
			return fmt.Errorf("upserting consolidated price at %s: %w", ts, err)
		}
		if sample.source == model.SourceAgent || sample.source == model.SourceProviderAPI {
			canonical := &model.PriceCanonical{
				PoolID:     poolID,
				Timestamp:  ts,
				Price:      sample.price,
				Source:     sample.source,
				Confidence: sample.confidence,
			}
			if err := p.store.InsertCanonical(ctx, canonical); err != nil {
				return fmt.Errorf("inserting canonical price at %s: %w", ts, err)
			}
		}
	}
	return nil
}

// bucketSample is the winner of dedup within one 5-minute bucket.
type bucketSample struct {
	price      float64
	source     model.PriceSource
	confidence float64
	capturedAt time.Time
	role       model.PriceRole
}

// dedupBuckets collapses raw samples in the same pool/5-minute bucket: a
// PRIMARY-role sample outranks REPLICA-role; within the same role, the latest
// captured_at wins (spec.md §4.3).
func dedupBuckets(raw []*model.PriceRaw, now time.Time) map[time.Time]*bucketSample {
	buckets := make(map[time.Time]*bucketSample)
	for _, r := range raw {
		ts := bucketFloor(r.CapturedAt)
		existing, ok := buckets[ts]
		candidate := &bucketSample{
			price:      r.Price,
			source:     r.Source,
			confidence: 1.0,
			capturedAt: r.CapturedAt,
			role:       r.Role,
		}
		if !ok || candidate.outranks(existing) {
			buckets[ts] = candidate
		}
	}
	return buckets
}

func (c *bucketSample) outranks(existing *bucketSample) bool {
	if c.role == model.RolePrimary && existing.role != model.RolePrimary {
		return true
	}
	if c.role != model.RolePrimary && existing.role == model.RolePrimary {
		return false
	}
	return c.capturedAt.After(existing.capturedAt)
}

func bucketFloor(t time.Time) time.Time {
	return t.Truncate(bucketInterval)
}

// interpolateGaps walks the 5-minute grid over [since, now] and fills any
// inter-sample gap greater than one bucket with a linearly interpolated
// price, bounded by the nearest known samples on either side.
func interpolateGaps(buckets map[time.Time]*bucketSample, since, now time.Time) {
	var known []time.Time
	for ts := range buckets {
		known = append(known, ts)
	}
	sort.Slice(known, func(i, j int) bool { return known[i].Before(known[j]) })
	if len(known) < 2 {
		return
	}

	for i := 0; i < len(known)-1; i++ {
		t0, t1 := known[i], known[i+1]
		if t1.Sub(t0) <= bucketInterval {
			continue
		}
		p0, p1 := buckets[t0].price, buckets[t1].price
		span := t1.Sub(t0)
		for cursor := t0.Add(bucketInterval); cursor.Before(t1); cursor = cursor.Add(bucketInterval) {
			if _, exists := buckets[cursor]; exists {
				continue
			}
			frac := float64(cursor.Sub(t0)) / float64(span)
			buckets[cursor] = &bucketSample{
				price:      p0 + (p1-p0)*frac,
				source:     model.SourceInterpolated,
				confidence: interpConfidence,
				capturedAt: cursor,
			}
		}
	}
}
