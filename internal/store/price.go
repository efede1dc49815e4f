package store

import (
	"context"
	"fmt"
	"time"

	"github.com/wisbric/fleetswitch/internal/model"
)

// InsertRawPrice appends one raw price sample (spec §4.3: "append-only, TTL 7 days").
func (s *Store) InsertRawPrice(ctx context.Context, p *model.PriceRaw) error {
	_, err := s.dbtx.Exec(ctx, `
		INSERT INTO prices_raw (pool_id, price, captured_at, source, role, agent_id)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		p.PoolID, p.Price, p.CapturedAt, p.Source, p.Role, p.AgentID,
	)
	if err != nil {
		return fmt.Errorf("inserting raw price: %w", err)
	}
	return nil
}

// ListRawPricesSince returns raw samples for a pool captured at or after since,
// used by the consolidation pipeline's dedup/bucketing pass.
func (s *Store) ListRawPricesSince(ctx context.Context, poolID string, since time.Time) ([]*model.PriceRaw, error) {
	rows, err := s.dbtx.Query(ctx, `
		SELECT id, pool_id, price, captured_at, source, role, agent_id
		FROM prices_raw WHERE pool_id = $1 AND captured_at >= $2 ORDER BY captured_at ASC`,
		poolID, since,
	)
	if err != nil {
		return nil, fmt.Errorf("listing raw prices: %w", err)
	}
	defer rows.Close()
	var out []*model.PriceRaw
	for rows.Next() {
		var p model.PriceRaw
		if err := rows.Scan(&p.ID, &p.PoolID, &p.Price, &p.CapturedAt, &p.Source, &p.Role, &p.AgentID); err != nil {
			return nil, fmt.Errorf("scanning raw price: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// ListActivePoolIDs returns distinct pool ids with at least one raw sample in
// the consolidation lookback window.
func (s *Store) ListActivePoolIDs(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := s.dbtx.Query(ctx, `SELECT DISTINCT pool_id FROM prices_raw WHERE captured_at >= $1`, since)
	if err != nil {
		return nil, fmt.Errorf("listing active pools: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning pool id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ListConsolidatedSince returns consolidated samples for a pool in
// timestamp order, used for gap detection and canonical promotion.
func (s *Store) ListConsolidatedSince(ctx context.Context, poolID string, since time.Time) ([]*model.PriceConsolidated, error) {
	rows, err := s.dbtx.Query(ctx, `
		SELECT pool_id, timestamp, price, source, confidence, run_id
		FROM prices_consolidated WHERE pool_id = $1 AND timestamp >= $2 ORDER BY timestamp ASC`,
		poolID, since,
	)
	if err != nil {
		return nil, fmt.Errorf("listing consolidated prices: %w", err)
	}
	defer rows.Close()
	var out []*model.PriceConsolidated
	for rows.Next() {
		var p model.PriceConsolidated
		if err := rows.Scan(&p.PoolID, &p.Timestamp, &p.Price, &p.Source, &p.Confidence, &p.RunID); err != nil {
			return nil, fmt.Errorf("scanning consolidated price: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// UpsertConsolidated replaces the consolidated row for (pool_id, timestamp),
// per spec §3: "Replaced per consolidation run; not append-only."
func (s *Store) UpsertConsolidated(ctx context.Context, p *model.PriceConsolidated) error {
	_, err := s.dbtx.Exec(ctx, `
		INSERT INTO prices_consolidated (pool_id, timestamp, price, source, confidence, run_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (pool_id, timestamp) DO UPDATE SET
			price = EXCLUDED.price, source = EXCLUDED.source, confidence = EXCLUDED.confidence, run_id = EXCLUDED.run_id`,
		p.PoolID, p.Timestamp, p.Price, p.Source, p.Confidence, p.RunID,
	)
	if err != nil {
		return fmt.Errorf("upserting consolidated price: %w", err)
	}
	return nil
}

// InsertCanonical copies a consolidated row into the canonical feature-extraction
// table (spec §4.3 "Canonical layer").
func (s *Store) InsertCanonical(ctx context.Context, p *model.PriceCanonical) error {
	_, err := s.dbtx.Exec(ctx, `
		INSERT INTO prices_canonical (pool_id, timestamp, price, source, confidence)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (pool_id, timestamp) DO UPDATE SET
			price = EXCLUDED.price, source = EXCLUDED.source, confidence = EXCLUDED.confidence`,
		p.PoolID, p.Timestamp, p.Price, p.Source, p.Confidence,
	)
	if err != nil {
		return fmt.Errorf("inserting canonical price: %w", err)
	}
	return nil
}

// ListCanonicalWindow returns canonical samples for a pool over the trailing
// window, used by the decision harness to compute current savings.
func (s *Store) ListCanonicalWindow(ctx context.Context, poolID string, since time.Time) ([]*model.PriceCanonical, error) {
	rows, err := s.dbtx.Query(ctx, `
		SELECT pool_id, timestamp, price, source, confidence
		FROM prices_canonical WHERE pool_id = $1 AND timestamp >= $2 ORDER BY timestamp DESC`,
		poolID, since,
	)
	if err != nil {
		return nil, fmt.Errorf("listing canonical window: %w", err)
	}
	defer rows.Close()
	var out []*model.PriceCanonical
	for rows.Next() {
		var p model.PriceCanonical
		if err := rows.Scan(&p.PoolID, &p.Timestamp, &p.Price, &p.Source, &p.Confidence); err != nil {
			return nil, fmt.Errorf("scanning canonical price: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// UpsertOnDemandPrice records the effective-dated on-demand reference price
// for a region/instance-type pair.
func (s *Store) UpsertOnDemandPrice(ctx context.Context, p *model.OnDemandPrice) error {
	_, err := s.dbtx.Exec(ctx, `
		INSERT INTO ondemand_prices (region, instance_type, price, effective_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (region, instance_type) DO UPDATE SET price = EXCLUDED.price, effective_at = EXCLUDED.effective_at
		WHERE ondemand_prices.effective_at <= EXCLUDED.effective_at`,
		p.Region, p.InstanceType, p.Price, p.EffectiveAt,
	)
	if err != nil {
		return fmt.Errorf("upserting on-demand price: %w", err)
	}
	return nil
}

// PruneRetention deletes rows past each tier's retention window (spec §4.3:
// raw 7 days, consolidated 90 days, canonical 365 days).
func (s *Store) PruneRetention(ctx context.Context, now time.Time) error {
	if _, err := s.dbtx.Exec(ctx, `DELETE FROM prices_raw WHERE captured_at < $1`, now.Add(-7*24*time.Hour)); err != nil {
		return fmt.Errorf("pruning raw prices: %w", err)
	}
	if _, err := s.dbtx.Exec(ctx, `DELETE FROM prices_consolidated WHERE timestamp < $1`, now.Add(-90*24*time.Hour)); err != nil {
		return fmt.Errorf("pruning consolidated prices: %w", err)
	}
	if _, err := s.dbtx.Exec(ctx, `DELETE FROM prices_canonical WHERE timestamp < $1`, now.Add(-365*24*time.Hour)); err != nil {
		return fmt.Errorf("pruning canonical prices: %w", err)
	}
	return nil
}
