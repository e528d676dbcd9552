// Package supervisor owns the lifecycle of the OpenClaw gateway process:
// start with double-start protection, graceful stop escalating to kill,
// restart, liveness probing and resource sampling. Mutating operations are
// serialized by a FIFO Lock; reads always go to the OS process table.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/clawdash/internal/bus"
	"github.com/basket/clawdash/internal/install"
	"github.com/basket/clawdash/internal/otel"
	"github.com/basket/clawdash/internal/systemd"
)

const (
	DefaultStartGrace = 3 * time.Second
	DefaultStopGrace  = 5 * time.Second
	// DefaultPattern is matched against full command lines by the liveness probe.
	DefaultPattern = "openclaw"
	LogFileName    = "openclaw.log"
)

// State is the lifecycle state of the supervised process.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateCrashed  State = "crashed"
	StateError    State = "error"
)

// ProcessHandle is the supervisor's bookkeeping for the process it spawned.
// PID is zero once the process is confirmed gone.
type ProcessHandle struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"startedAt"`
	State     State     `json:"state"`
}

// StatusSnapshot is read from the OS process table on every call.
type StatusSnapshot struct {
	Running       bool    `json:"running"`
	PID           *int    `json:"pid"`
	PPID          int     `json:"ppid,omitempty"`
	CPUPercent    float64 `json:"cpu"`
	MemoryPercent float64 `json:"memory"`
	Elapsed       string  `json:"elapsed,omitempty"`
	Command       string  `json:"command,omitempty"`
	State         State   `json:"state"`
}

// ProcessMetrics is derived from a StatusSnapshot; zero when not running.
type ProcessMetrics struct {
	CPU           float64 `json:"cpu"`
	MemoryMB      float64 `json:"memory"`
	PID           *int    `json:"pid"`
	UptimeSeconds int     `json:"uptime"`
}

// AutoStarter is the init-system integration. *systemd.Manager satisfies it.
type AutoStarter interface {
	Available() bool
	Status(ctx context.Context) systemd.Status
	Enable(ctx context.Context) (systemd.Result, error)
	Disable(ctx context.Context) (systemd.Result, error)
}

// Options configures a Supervisor. Only Probe is required.
type Options struct {
	Probe     *install.Probe
	Table     ProcessTable
	Signaller Signaller
	Spawner   Spawner
	Runner    Runner
	Systemd   AutoStarter
	Bus       *bus.Bus
	Tracer    trace.Tracer
	Metrics   *otel.Metrics
	Logger    *slog.Logger

	StartGrace time.Duration
	StopGrace  time.Duration
	Pattern    string
	// TotalMemory reports physical memory in bytes.
	TotalMemory func() uint64
	HTTPClient  *http.Client
	// HealthHost is the host TestConnection probes. Default "localhost".
	HealthHost string
}

// Supervisor is constructed once per dashboard and shared by reference.
type Supervisor struct {
	probe       *install.Probe
	table       ProcessTable
	signals     Signaller
	spawner     Spawner
	run         Runner
	autostart   AutoStarter
	bus         *bus.Bus
	tracer      trace.Tracer
	instruments *otel.Metrics
	logger      *slog.Logger

	startGrace  time.Duration
	stopGrace   time.Duration
	pattern     string
	totalMemory func() uint64
	httpClient  *http.Client
	healthHost  string

	lock Lock

	mu       sync.Mutex
	handle   ProcessHandle
	stopping bool
}

// New builds a Supervisor, filling OS-backed defaults for anything unset.
func New(opts Options) (*Supervisor, error) {
	if opts.Probe == nil {
		return nil, fmt.Errorf("supervisor: install probe is required")
	}
	s := &Supervisor{
		probe:       opts.Probe,
		table:       opts.Table,
		signals:     opts.Signaller,
		spawner:     opts.Spawner,
		run:         opts.Runner,
		autostart:   opts.Systemd,
		bus:         opts.Bus,
		tracer:      opts.Tracer,
		instruments: opts.Metrics,
		logger:      opts.Logger,
		startGrace:  opts.StartGrace,
		stopGrace:   opts.StopGrace,
		pattern:     opts.Pattern,
		totalMemory: opts.TotalMemory,
		httpClient:  opts.HTTPClient,
		healthHost:  opts.HealthHost,
		handle:      ProcessHandle{State: StateStopped},
	}
	if s.run == nil {
		s.run = ExecRunner
	}
	if s.table == nil {
		s.table = NewProcessTable(s.run)
	}
	if s.signals == nil {
		s.signals = osSignaller{}
	}
	if s.spawner == nil {
		s.spawner = execSpawner{}
	}
	if s.autostart == nil {
		s.autostart = systemd.New(systemd.DefaultUnit)
	}
	if s.tracer == nil {
		s.tracer = otel.NoopTracer()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.startGrace <= 0 {
		s.startGrace = DefaultStartGrace
	}
	if s.stopGrace <= 0 {
		s.stopGrace = DefaultStopGrace
	}
	if s.pattern == "" {
		s.pattern = DefaultPattern
	}
	if s.totalMemory == nil {
		s.totalMemory = TotalMemory
	}
	if s.httpClient == nil {
		s.httpClient = &http.Client{}
	}
	if s.healthHost == "" {
		s.healthHost = "localhost"
	}
	return s, nil
}

// Dir is the assistant's working directory.
func (s *Supervisor) Dir() string { return s.probe.Dir() }

// LogPath is where the spawned process writes stdout and stderr.
func (s *Supervisor) LogPath() string {
	return filepath.Join(s.probe.Dir(), "logs", LogFileName)
}

// DetectInstallation re-inspects the working directory on every call.
func (s *Supervisor) DetectInstallation() install.Kind { return s.probe.Detect() }

// Diagnostics reports what the installation probe can see.
func (s *Supervisor) Diagnostics(ctx context.Context) install.Diagnostics {
	return s.probe.Diagnose(ctx)
}

// Handle returns a copy of the supervisor's bookkeeping.
func (s *Supervisor) Handle() ProcessHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// State returns the last recorded lifecycle state.
func (s *Supervisor) State() State { return s.Handle().State }

// Start launches the assistant unless one is already running. A nil error
// means the liveness probe saw the process after the start grace period.
func (s *Supervisor) Start(ctx context.Context) (err error) {
	ctx, span := otel.StartSpan(ctx, s.tracer, "supervisor.start", otel.AttrOperation.String("start"))
	defer func() {
		s.instruments.RecordProcessOp(ctx, "start", err)
		otel.EndSpan(span, err)
	}()

	if err := s.lock.Acquire(ctx); err != nil {
		return err
	}
	defer s.lock.Release()
	return s.start(ctx)
}

func (s *Supervisor) start(ctx context.Context) error {
	pids, err := s.table.Find(ctx, s.pattern)
	if err != nil {
		return fmt.Errorf("liveness probe: %w", err)
	}
	if len(pids) > 0 {
		return ErrAlreadyRunning
	}

	desc, ok := s.probe.Resolve()
	if !ok {
		s.logger.Warn("openclaw installation not found", "dir", s.probe.Dir())
		return notInstalled()
	}

	s.transition(StateStarting, 0, desc.CommandLine())
	child, err := s.spawner.Spawn(ctx, desc, []string{"OPENCLAW_PATH=" + s.probe.Dir()}, s.LogPath())
	if err != nil {
		s.transition(StateError, 0, err.Error())
		return fmt.Errorf("spawn openclaw: %w", err)
	}

	s.mu.Lock()
	s.handle.PID = child.PID
	s.handle.StartedAt = time.Now()
	s.stopping = false
	s.mu.Unlock()
	s.logger.Info("openclaw spawned", "pid", child.PID, "kind", string(desc.Kind), "command", desc.CommandLine())

	exited := make(chan struct{})
	go func() {
		status, ok := <-child.Done
		if !ok {
			status = ExitStatus{Code: -1}
		}
		close(exited)
		s.onExit(child.PID, status)
	}()

	timer := time.NewTimer(s.startGrace)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-exited:
	case <-ctx.Done():
	}

	// The process is detached; a cancelled caller still gets a real answer.
	pids, err = s.table.Find(context.WithoutCancel(ctx), s.pattern)
	if err != nil || len(pids) == 0 {
		s.transition(StateError, 0, "liveness probe failed after start")
		return ErrStartFailed
	}
	pid := child.PID
	select {
	case <-exited:
		pid = pids[0]
	default:
	}
	s.transition(StateRunning, pid, "")
	s.logger.Info("openclaw running", "pid", pid)
	return nil
}

// onExit records the end of a spawned child. An exit during Stop is
// expected; one while Running is a crash; one while Starting is an error.
func (s *Supervisor) onExit(pid int, status ExitStatus) {
	s.mu.Lock()
	if s.handle.PID != pid {
		s.mu.Unlock()
		return
	}
	var next State
	switch {
	case s.stopping:
		next = StateStopped
	case s.handle.State == StateRunning:
		next = StateCrashed
	default:
		next = StateError
	}
	s.mu.Unlock()

	if next == StateStopped {
		s.logger.Info("openclaw exited", "pid", pid, "status", status.String())
	} else {
		s.logger.Warn("openclaw exited unexpectedly", "pid", pid, "status", status.String(), "state", string(next))
	}
	s.transition(next, 0, status.String())
}

// transition records a state change and publishes it when the state moved.
func (s *Supervisor) transition(next State, pid int, reason string) {
	s.mu.Lock()
	old := s.handle.State
	s.handle.State = next
	switch next {
	case StateStopped, StateCrashed, StateError:
		s.handle.PID = 0
	default:
		if pid != 0 {
			s.handle.PID = pid
		}
	}
	current := s.handle.PID
	s.mu.Unlock()

	if old == next || s.bus == nil {
		return
	}
	s.bus.Publish(bus.TopicProcessStateChanged, bus.ProcessStateChangedEvent{
		PID:      current,
		OldState: string(old),
		NewState: string(next),
		Reason:   reason,
	})
}

// Stop terminates every matching process, escalating to SIGKILL after the
// stop grace period. Stopping an absent process succeeds without signalling.
func (s *Supervisor) Stop(ctx context.Context) (err error) {
	ctx, span := otel.StartSpan(ctx, s.tracer, "supervisor.stop", otel.AttrOperation.String("stop"))
	defer func() {
		s.instruments.RecordProcessOp(ctx, "stop", err)
		otel.EndSpan(span, err)
	}()

	if err := s.lock.Acquire(ctx); err != nil {
		return err
	}
	defer s.lock.Release()
	return s.stop(ctx)
}

func (s *Supervisor) stop(ctx context.Context) error {
	pids, err := s.table.Find(ctx, s.pattern)
	if err != nil {
		return fmt.Errorf("liveness probe: %w", err)
	}
	if len(pids) == 0 {
		s.transition(StateStopped, 0, "not running")
		return nil
	}

	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()

	for _, pid := range pids {
		if err := s.signals.Terminate(pid); err != nil {
			s.logger.Warn("SIGTERM failed", "pid", pid, "error", err)
		}
	}
	s.logger.Info("openclaw stopping", "pids", pids, "grace", s.stopGrace.String())

	timer := time.NewTimer(s.stopGrace)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}

	survivors, err := s.table.Find(context.WithoutCancel(ctx), s.pattern)
	if err != nil {
		s.logger.Warn("liveness probe after SIGTERM failed", "error", err)
	}
	for _, pid := range survivors {
		s.logger.Warn("openclaw ignored SIGTERM, killing", "pid", pid)
		if err := s.signals.Kill(pid); err != nil {
			s.logger.Warn("SIGKILL failed", "pid", pid, "error", err)
		}
	}
	s.transition(StateStopped, 0, "stopped")
	return nil
}

// Restart is Stop followed by Start. The lock is taken separately for each
// half, so another caller may run in between.
func (s *Supervisor) Restart(ctx context.Context) error {
	if err := s.Stop(ctx); err != nil {
		return err
	}
	return s.Start(ctx)
}

// Status probes the OS process table. It never fails: probe errors read as
// not running.
func (s *Supervisor) Status(ctx context.Context) StatusSnapshot {
	snap := StatusSnapshot{State: s.State()}
	pids, err := s.table.Find(ctx, s.pattern)
	if err != nil {
		s.logger.Debug("status probe failed", "error", err)
	}
	if err != nil || len(pids) == 0 {
		if snap.State == StateRunning || snap.State == StateStarting {
			snap.State = StateStopped
		}
		return snap
	}

	pid := pids[0]
	snap.Running = true
	snap.PID = &pid
	if snap.State != StateStarting {
		snap.State = StateRunning
	}
	info, err := s.table.Inspect(ctx, pid)
	if err != nil {
		s.logger.Debug("process inspect failed", "pid", pid, "error", err)
		return snap
	}
	snap.PPID = info.PPID
	snap.CPUPercent = info.CPUPercent
	snap.MemoryPercent = info.MemoryPercent
	snap.Elapsed = info.Elapsed
	snap.Command = info.Command
	return snap
}

// Metrics converts the current status into absolute units.
func (s *Supervisor) Metrics(ctx context.Context) ProcessMetrics {
	return s.metricsFrom(s.Status(ctx))
}

func (s *Supervisor) metricsFrom(snap StatusSnapshot) ProcessMetrics {
	if !snap.Running {
		return ProcessMetrics{}
	}
	uptime, err := ParseElapsed(snap.Elapsed)
	if err != nil {
		uptime = 0
	}
	total := float64(s.totalMemory())
	return ProcessMetrics{
		CPU:           snap.CPUPercent,
		MemoryMB:      round2(snap.MemoryPercent / 100 * total / 1024 / 1024),
		PID:           snap.PID,
		UptimeSeconds: uptime,
	}
}

// Sample adapts Metrics for the process gauges.
func (s *Supervisor) Sample(ctx context.Context) otel.ProcessSample {
	m := s.Metrics(ctx)
	return otel.ProcessSample{
		CPUPercent:    m.CPU,
		MemoryMB:      m.MemoryMB,
		UptimeSeconds: int64(m.UptimeSeconds),
		Running:       m.PID != nil,
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// SystemdAvailable reports whether the init-system integration can be used.
func (s *Supervisor) SystemdAvailable() bool { return s.autostart.Available() }

// SystemdStatus describes the assistant's unit.
func (s *Supervisor) SystemdStatus(ctx context.Context) systemd.Status {
	return s.autostart.Status(ctx)
}

// EnableAutoStart turns on start-at-boot under the supervisor lock.
func (s *Supervisor) EnableAutoStart(ctx context.Context) (res systemd.Result, err error) {
	defer func() { s.instruments.RecordProcessOp(ctx, "autostart_enable", err) }()
	err = s.lock.Do(ctx, func() error {
		var opErr error
		res, opErr = s.autostart.Enable(ctx)
		return opErr
	})
	return res, err
}

// DisableAutoStart turns off start-at-boot under the supervisor lock.
func (s *Supervisor) DisableAutoStart(ctx context.Context) (res systemd.Result, err error) {
	defer func() { s.instruments.RecordProcessOp(ctx, "autostart_disable", err) }()
	err = s.lock.Do(ctx, func() error {
		var opErr error
		res, opErr = s.autostart.Disable(ctx)
		return opErr
	})
	return res, err
}
