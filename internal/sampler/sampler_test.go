package sampler_test

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/clawdash/internal/persistence"
	"github.com/basket/clawdash/internal/sampler"
	"github.com/basket/clawdash/internal/supervisor"
)

// waitFor polls check at short intervals until it returns true or the deadline
// elapses.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "clawdash.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

type fixedSource struct {
	calls atomic.Int32
	m     supervisor.ProcessMetrics
}

func (f *fixedSource) Metrics(context.Context) supervisor.ProcessMetrics {
	f.calls.Add(1)
	return f.m
}

func TestParseSchedule(t *testing.T) {
	for _, spec := range []string{"@every 1m", "*/5 * * * *", "@hourly"} {
		if _, err := sampler.ParseSchedule(spec); err != nil {
			t.Errorf("ParseSchedule(%q): %v", spec, err)
		}
	}
	if _, err := sampler.ParseSchedule("not a schedule"); err == nil {
		t.Error("expected error for invalid schedule")
	}
}

func TestNew_RequiresDependencies(t *testing.T) {
	if _, err := sampler.New(sampler.Config{}); err == nil {
		t.Fatal("expected error without source and store")
	}
}

func TestTick_RecordsRunningSample(t *testing.T) {
	store := openTestStore(t)
	pid := 777
	src := &fixedSource{m: supervisor.ProcessMetrics{CPU: 3.5, MemoryMB: 128.25, PID: &pid, UptimeSeconds: 90}}
	s, err := sampler.New(sampler.Config{Source: src, Store: store, Logger: slog.Default()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ctx := context.Background()
	s.Tick(ctx)

	samples, err := store.ListSamples(ctx, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(samples) != 1 {
		t.Fatalf("expected 1 sample, got %d", len(samples))
	}
	got := samples[0]
	if !got.Running || got.PID == nil || *got.PID != 777 || got.CPU != 3.5 || got.MemoryMB != 128.25 || got.UptimeSeconds != 90 {
		t.Fatalf("unexpected sample: %+v", got)
	}
}

func TestTick_StoppedProcessRecordsZeroSample(t *testing.T) {
	store := openTestStore(t)
	s, err := sampler.New(sampler.Config{Source: &fixedSource{}, Store: store})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	s.Tick(context.Background())

	samples, _ := store.ListSamples(context.Background(), time.Now().Add(-time.Minute))
	if len(samples) != 1 || samples[0].Running || samples[0].PID != nil {
		t.Fatalf("unexpected samples: %+v", samples)
	}
}

func TestTick_PrunesOutsideRetention(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	if err := store.RecordSample(ctx, persistence.Sample{SampledAt: time.Now().Add(-2 * time.Hour)}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	s, err := sampler.New(sampler.Config{Source: &fixedSource{}, Store: store, Retention: time.Hour})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	s.Tick(ctx)

	samples, _ := store.ListSamples(ctx, time.Now().Add(-24*time.Hour))
	if len(samples) != 1 {
		t.Fatalf("expected old sample pruned, got %d samples", len(samples))
	}
}

func TestStart_FiresOnStartupAndSchedule(t *testing.T) {
	store := openTestStore(t)
	src := &fixedSource{}
	s, err := sampler.New(sampler.Config{Source: src, Store: store, Schedule: "@every 1s"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, 3*time.Second, func() bool { return src.calls.Load() >= 2 })
}
