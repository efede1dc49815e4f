package store

import (
	"context"
	"fmt"

	"github.com/wisbric/fleetswitch/internal/model"
)

// InsertSafetyViolation records a rejected or modified recommendation (spec
// §4.5 "writes a safety violation audit row").
func (s *Store) InsertSafetyViolation(ctx context.Context, v *model.SafetyViolation) error {
	_, err := s.dbtx.Exec(ctx, `
		INSERT INTO safety_violations (id, tenant_id, severity, reasons, original, alternative, created_at)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, now())`,
		v.TenantID, v.Severity, v.Reasons, v.Original, v.Alternative,
	)
	if err != nil {
		return fmt.Errorf("inserting safety violation: %w", err)
	}
	return nil
}
