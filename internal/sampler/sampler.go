// Package sampler records the assistant's process metrics on a cron
// schedule and prunes samples that fall out of the retention window.
package sampler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/clawdash/internal/persistence"
	"github.com/basket/clawdash/internal/supervisor"
)

const (
	DefaultSchedule  = "@every 1m"
	DefaultRetention = 24 * time.Hour
)

// parser accepts 5-field expressions and descriptors such as "@every 30s".
var parser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Source yields one metrics reading. *supervisor.Supervisor satisfies it.
type Source interface {
	Metrics(ctx context.Context) supervisor.ProcessMetrics
}

// Store persists samples. *persistence.Store satisfies it.
type Store interface {
	RecordSample(ctx context.Context, s persistence.Sample) error
	RunRetention(ctx context.Context, sampleWindow time.Duration, auditDays int) (persistence.RetentionResult, error)
}

type Config struct {
	Source    Source
	Store     Store
	Logger    *slog.Logger
	Schedule  string        // cron expression; defaults to @every 1m
	Retention time.Duration // sample window; defaults to 24h
	AuditDays int           // 0 keeps audit rows forever
	Now       func() time.Time
}

type Sampler struct {
	source    Source
	store     Store
	logger    *slog.Logger
	schedule  cronlib.Schedule
	spec      string
	retention time.Duration
	auditDays int
	now       func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ParseSchedule validates a schedule expression.
func ParseSchedule(spec string) (cronlib.Schedule, error) {
	sched, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("parse sampler schedule %q: %w", spec, err)
	}
	return sched, nil
}

func New(cfg Config) (*Sampler, error) {
	if cfg.Source == nil || cfg.Store == nil {
		return nil, fmt.Errorf("sampler requires a source and a store")
	}
	spec := cfg.Schedule
	if spec == "" {
		spec = DefaultSchedule
	}
	sched, err := ParseSchedule(spec)
	if err != nil {
		return nil, err
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Sampler{
		source:    cfg.Source,
		store:     cfg.Store,
		logger:    logger,
		schedule:  sched,
		spec:      spec,
		retention: retention,
		auditDays: cfg.AuditDays,
		now:       now,
	}, nil
}

// Start runs the sampling loop until Stop or ctx cancellation.
func (s *Sampler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("sampler started", "schedule", s.spec, "retention", s.retention)
}

func (s *Sampler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("sampler stopped")
}

func (s *Sampler) loop(ctx context.Context) {
	defer s.wg.Done()

	// Record once on startup so history is never empty while the first
	// interval elapses.
	s.Tick(ctx)

	for {
		now := s.now()
		next := s.schedule.Next(now)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.Tick(ctx)
		}
	}
}

// Tick records one sample and applies retention.
func (s *Sampler) Tick(ctx context.Context) {
	m := s.source.Metrics(ctx)
	sample := persistence.Sample{
		SampledAt:     s.now().UTC(),
		Running:       m.PID != nil,
		PID:           m.PID,
		CPU:           m.CPU,
		MemoryMB:      m.MemoryMB,
		UptimeSeconds: int64(m.UptimeSeconds),
	}
	if err := s.store.RecordSample(ctx, sample); err != nil {
		s.logger.Error("sampler: record sample failed", "error", err)
		return
	}

	res, err := s.store.RunRetention(ctx, s.retention, s.auditDays)
	if err != nil {
		s.logger.Error("sampler: retention failed", "error", err)
		return
	}
	if res.PurgedSamples > 0 || res.PurgedAudit > 0 || res.PurgedSessions > 0 {
		s.logger.Debug("sampler: retention applied",
			"samples", res.PurgedSamples,
			"audit", res.PurgedAudit,
			"sessions", res.PurgedSessions,
		)
	}
}
