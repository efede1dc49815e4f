package pricing

import (
	"testing"
	"time"

	"github.com/wisbric/fleetswitch/internal/model"
)

func TestDedupBucketsPrimaryOutranksReplica(t *testing.T) {
	base := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	raw := []*model.PriceRaw{
		{PoolID: "p1", Price: 0.05, CapturedAt: base.Add(1 * time.Minute), Source: model.SourceAgent, Role: model.RoleReplica},
		{PoolID: "p1", Price: 0.04, CapturedAt: base.Add(2 * time.Minute), Source: model.SourceAgent, Role: model.RolePrimary},
	}
	buckets := dedupBuckets(raw, base.Add(5*time.Minute))
	bucket := buckets[bucketFloor(base)]
	if bucket == nil {
		t.Fatal("expected a bucket sample")
	}
	if bucket.price != 0.04 {
		t.Errorf("expected primary sample (0.04) to win, got %v", bucket.price)
	}
}

func TestDedupBucketsLatestWinsWithinSameRole(t *testing.T) {
	base := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	raw := []*model.PriceRaw{
		{PoolID: "p1", Price: 0.05, CapturedAt: base.Add(1 * time.Minute), Source: model.SourceAgent, Role: model.RolePrimary},
		{PoolID: "p1", Price: 0.06, CapturedAt: base.Add(3 * time.Minute), Source: model.SourceAgent, Role: model.RolePrimary},
	}
	buckets := dedupBuckets(raw, base.Add(5*time.Minute))
	bucket := buckets[bucketFloor(base)]
	if bucket.price != 0.06 {
		t.Errorf("expected latest sample (0.06) to win, got %v", bucket.price)
	}
}

func TestInterpolateGapsLinearlyFillsMissingBuckets(t *testing.T) {
	t0 := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	t1 := t0.Add(20 * time.Minute)
	buckets := map[time.Time]*bucketSample{
		t0: {price: 0.10, source: model.SourceAgent, capturedAt: t0},
		t1: {price: 0.20, source: model.SourceAgent, capturedAt: t1},
	}
	interpolateGaps(buckets, t0, t1)

	mid := t0.Add(10 * time.Minute)
	sample, ok := buckets[mid]
	if !ok {
		t.Fatalf("expected an interpolated sample at %s", mid)
	}
	if sample.source != model.SourceInterpolated {
		t.Errorf("expected interpolated source, got %v", sample.source)
	}
	if sample.confidence != interpConfidence {
		t.Errorf("expected confidence %v, got %v", interpConfidence, sample.confidence)
	}
	if want := 0.15; sample.price < want-0.0001 || sample.price > want+0.0001 {
		t.Errorf("expected linear midpoint price %v, got %v", want, sample.price)
	}
}

func TestInterpolateGapsSkipsSmallGaps(t *testing.T) {
	t0 := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	t1 := t0.Add(5 * time.Minute)
	buckets := map[time.Time]*bucketSample{
		t0: {price: 0.10, source: model.SourceAgent, capturedAt: t0},
		t1: {price: 0.11, source: model.SourceAgent, capturedAt: t1},
	}
	interpolateGaps(buckets, t0, t1)
	if len(buckets) != 2 {
		t.Errorf("expected no interpolated samples for a single-bucket gap, got %d entries", len(buckets))
	}
}
