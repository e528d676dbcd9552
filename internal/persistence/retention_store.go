package persistence

import (
	"context"
	"fmt"
	"time"
)

// RetentionResult holds counts of purged records from a retention run.
type RetentionResult struct {
	PurgedSamples  int64 `json:"purged_samples"`
	PurgedAudit    int64 `json:"purged_audit"`
	PurgedSessions int64 `json:"purged_sessions"`
}

// RunRetention deletes samples older than sampleWindow, audit rows older than
// auditDays and every expired session. A zero window skips that category.
func (s *Store) RunRetention(ctx context.Context, sampleWindow time.Duration, auditDays int) (RetentionResult, error) {
	var result RetentionResult

	if sampleWindow > 0 {
		n, err := s.PruneSamples(ctx, time.Now().UTC().Add(-sampleWindow))
		if err != nil {
			return result, err
		}
		result.PurgedSamples = n
	}

	if auditDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -auditDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge audit_log: %w", err)
		}
		result.PurgedAudit, _ = res.RowsAffected()
	}

	n, err := s.PurgeExpiredSessions(ctx)
	if err != nil {
		return result, err
	}
	result.PurgedSessions = n
	return result, nil
}
