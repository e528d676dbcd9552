package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Sample is one recorded observation of the assistant process.
type Sample struct {
	ID            int64     `json:"id"`
	SampledAt     time.Time `json:"timestamp"`
	Running       bool      `json:"running"`
	PID           *int      `json:"pid"`
	CPU           float64   `json:"cpu"`
	MemoryMB      float64   `json:"memory"`
	UptimeSeconds int64     `json:"uptime"`
}

func (s *Store) RecordSample(ctx context.Context, sample Sample) error {
	if sample.SampledAt.IsZero() {
		sample.SampledAt = time.Now().UTC()
	}
	var pid sql.NullInt64
	if sample.PID != nil {
		pid = sql.NullInt64{Int64: int64(*sample.PID), Valid: true}
	}
	return retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO process_samples (sampled_at, running, pid, cpu, memory_mb, uptime_seconds)
			VALUES (?, ?, ?, ?, ?, ?);
		`, sample.SampledAt.UTC(), boolInt(sample.Running), pid, sample.CPU, sample.MemoryMB, sample.UptimeSeconds)
		if err != nil {
			return fmt.Errorf("insert sample: %w", err)
		}
		return nil
	})
}

// ListSamples returns samples taken at or after since, oldest first.
func (s *Store) ListSamples(ctx context.Context, since time.Time) ([]Sample, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sampled_at, running, pid, cpu, memory_mb, uptime_seconds
		FROM process_samples WHERE sampled_at >= ? ORDER BY sampled_at ASC, id ASC;
	`, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("query samples: %w", err)
	}
	defer rows.Close()

	out := []Sample{}
	for rows.Next() {
		var (
			sm      Sample
			running int
			pid     sql.NullInt64
		)
		if err := rows.Scan(&sm.ID, &sm.SampledAt, &running, &pid, &sm.CPU, &sm.MemoryMB, &sm.UptimeSeconds); err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		sm.Running = running == 1
		if pid.Valid {
			p := int(pid.Int64)
			sm.PID = &p
		}
		out = append(out, sm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("samples rows: %w", err)
	}
	return out, nil
}

func (s *Store) PruneSamples(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM process_samples WHERE sampled_at < ?;`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune samples: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
