package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/fleetswitch/internal/model"
)

// InsertSystemEvent persists one event-bus publication for audit/replay,
// adapted from the teacher's internal/audit.Writer row shape.
func (s *Store) InsertSystemEvent(ctx context.Context, tenantID uuid.UUID, topic string, payload []byte) error {
	_, err := s.dbtx.Exec(ctx, `
		INSERT INTO system_events (tenant_id, topic, payload, created_at)
		VALUES ($1, $2, $3, now())`,
		tenantID, topic, payload,
	)
	if err != nil {
		return fmt.Errorf("inserting system event: %w", err)
	}
	return nil
}

// ListRecentEvents returns the most recent system events for a tenant,
// backing the operator-facing notifications endpoint (spec §4.9).
func (s *Store) ListRecentEvents(ctx context.Context, tenantID uuid.UUID, since time.Time, limit int) ([]*model.SystemEvent, error) {
	rows, err := s.dbtx.Query(ctx, `
		SELECT id, tenant_id, topic, payload, created_at FROM system_events
		WHERE tenant_id = $1 AND created_at >= $2
		ORDER BY created_at DESC LIMIT $3`,
		tenantID, since, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing system events: %w", err)
	}
	defer rows.Close()
	var out []*model.SystemEvent
	for rows.Next() {
		var e model.SystemEvent
		if err := rows.Scan(&e.ID, &e.TenantID, &e.Topic, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning system event: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
