package persistence

import (
	"context"
	"fmt"
	"time"
)

type AuditEntry struct {
	ID        int64     `json:"id"`
	CreatedAt time.Time `json:"timestamp"`
	TraceID   string    `json:"traceId"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Outcome   string    `json:"outcome"`
	Detail    string    `json:"detail,omitempty"`
}

func (s *Store) RecordAudit(ctx context.Context, e AuditEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	return retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO audit_log (created_at, trace_id, actor, action, outcome, detail)
			VALUES (?, ?, ?, ?, ?, ?);
		`, e.CreatedAt.UTC(), e.TraceID, e.Actor, e.Action, e.Outcome, e.Detail)
		if err != nil {
			return fmt.Errorf("insert audit: %w", err)
		}
		return nil
	})
}

// ListAudit returns up to limit entries, newest first.
func (s *Store) ListAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_at, trace_id, actor, action, outcome, detail
		FROM audit_log ORDER BY id DESC LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	out := []AuditEntry{}
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.CreatedAt, &e.TraceID, &e.Actor, &e.Action, &e.Outcome, &e.Detail); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit rows: %w", err)
	}
	return out, nil
}
