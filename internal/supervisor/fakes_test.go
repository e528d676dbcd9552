package supervisor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/clawdash/internal/bus"
	"github.com/basket/clawdash/internal/install"
	"github.com/basket/clawdash/internal/systemd"
)

type opKey struct{}

// fakeTable is an in-memory process table. It also measures how many
// supervisor operations overlap.
type fakeTable struct {
	mu      sync.Mutex
	pids    []int
	info    map[int]ProcessInfo
	findErr error

	active    int
	maxActive int
	seenOps   map[any]bool
	order     []any
	calls     []any
	finds     int
}

func newFakeTable(pids ...int) *fakeTable {
	return &fakeTable{pids: pids, info: make(map[int]ProcessInfo), seenOps: make(map[any]bool)}
}

func (t *fakeTable) Find(ctx context.Context, pattern string) ([]int, error) {
	if ctx.Value(opKey{}) != nil {
		t.enter()
		time.Sleep(time.Millisecond)
		t.leave()
	}
	t.mu.Lock()
	t.finds++
	if op := ctx.Value(opKey{}); op != nil {
		t.calls = append(t.calls, op)
		if !t.seenOps[op] {
			t.seenOps[op] = true
			t.order = append(t.order, op)
		}
	}
	if t.findErr != nil {
		err := t.findErr
		t.mu.Unlock()
		return nil, err
	}
	out := append([]int(nil), t.pids...)
	t.mu.Unlock()
	return out, nil
}

func (t *fakeTable) Inspect(ctx context.Context, pid int) (ProcessInfo, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	info, ok := t.info[pid]
	if !ok {
		return ProcessInfo{}, fmt.Errorf("no such process %d", pid)
	}
	return info, nil
}

func (t *fakeTable) add(pid int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pids = append(t.pids, pid)
}

func (t *fakeTable) remove(pid int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, p := range t.pids {
		if p == pid {
			t.pids = append(t.pids[:i], t.pids[i+1:]...)
			return
		}
	}
}

func (t *fakeTable) enter() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active++
	if t.active > t.maxActive {
		t.maxActive = t.active
	}
}

func (t *fakeTable) leave() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active--
}

// fakeSignaller removes terminated pids from the table unless stubborn.
type fakeSignaller struct {
	mu       sync.Mutex
	table    *fakeTable
	spawner  *fakeSpawner
	stubborn bool
	terms    []int
	kills    []int
}

func (s *fakeSignaller) Terminate(pid int) error {
	s.mu.Lock()
	s.terms = append(s.terms, pid)
	stubborn := s.stubborn
	s.mu.Unlock()
	if !stubborn {
		s.table.remove(pid)
		s.spawner.exit(pid, ExitStatus{Code: 0})
	}
	return nil
}

func (s *fakeSignaller) Kill(pid int) error {
	s.mu.Lock()
	s.kills = append(s.kills, pid)
	s.mu.Unlock()
	s.table.remove(pid)
	s.spawner.exit(pid, ExitStatus{Code: -1})
	return nil
}

func (s *fakeSignaller) calls() (terms, kills []int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.terms...), append([]int(nil), s.kills...)
}

// fakeSpawner hands out increasing pids. Unless dead, the child shows up in
// the table; each op spends a moment inside Spawn so overlaps are visible.
type fakeSpawner struct {
	mu      sync.Mutex
	table   *fakeTable
	nextPID int
	dead    bool
	err     error
	descs   []install.LaunchDescriptor
	envs    [][]string
	logPath string
	done    map[int]chan ExitStatus
}

func (s *fakeSpawner) Spawn(ctx context.Context, desc install.LaunchDescriptor, env []string, logPath string) (Child, error) {
	s.table.enter()
	defer s.table.leave()
	time.Sleep(time.Millisecond)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return Child{}, s.err
	}
	s.nextPID++
	pid := 1000 + s.nextPID
	s.descs = append(s.descs, desc)
	s.envs = append(s.envs, env)
	s.logPath = logPath
	ch := make(chan ExitStatus, 1)
	if s.done == nil {
		s.done = make(map[int]chan ExitStatus)
	}
	s.done[pid] = ch
	if s.dead {
		ch <- ExitStatus{Code: 1}
		close(ch)
		delete(s.done, pid)
	} else {
		s.table.add(pid)
	}
	return Child{PID: pid, Done: ch}, nil
}

func (s *fakeSpawner) exit(pid int, status ExitStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.done[pid]; ok {
		ch <- status
		close(ch)
		delete(s.done, pid)
	}
}

type fakeAutoStarter struct {
	mu        sync.Mutex
	available bool
	enabled   bool
}

func (a *fakeAutoStarter) Available() bool { return a.available }

func (a *fakeAutoStarter) Status(ctx context.Context) systemd.Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return systemd.Status{Available: a.available, Exists: a.available, Enabled: a.enabled}
}

func (a *fakeAutoStarter) Enable(ctx context.Context) (systemd.Result, error) {
	if !a.available {
		return systemd.Result{Message: systemd.ErrUnavailable.Error()}, systemd.ErrUnavailable
	}
	a.mu.Lock()
	a.enabled = true
	a.mu.Unlock()
	return systemd.Result{Success: true, Message: "Auto-start enabled"}, nil
}

func (a *fakeAutoStarter) Disable(ctx context.Context) (systemd.Result, error) {
	if !a.available {
		return systemd.Result{Message: systemd.ErrUnavailable.Error()}, systemd.ErrUnavailable
	}
	a.mu.Lock()
	a.enabled = false
	a.mu.Unlock()
	return systemd.Result{Success: true, Message: "Auto-start disabled"}, nil
}

type harness struct {
	sup     *Supervisor
	dir     string
	table   *fakeTable
	spawner *fakeSpawner
	signals *fakeSignaller
	auto    *fakeAutoStarter
	bus     *bus.Bus
}

// bundleDir creates a working directory that looks like a bundle install.
func bundleDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for _, name := range []string{"uv", install.Command} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("#!/bin/sh\n"), 0o755); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return dir
}

func newHarness(t *testing.T, dir string, pids ...int) *harness {
	t.Helper()
	table := newFakeTable(pids...)
	spawner := &fakeSpawner{table: table}
	signals := &fakeSignaller{table: table, spawner: spawner}
	auto := &fakeAutoStarter{available: true}
	b := bus.New()
	sup, err := New(Options{
		Probe:       install.NewProbe(dir),
		Table:       table,
		Signaller:   signals,
		Spawner:     spawner,
		Runner:      func(context.Context, string, ...string) ([]byte, error) { return nil, fmt.Errorf("not available") },
		Systemd:     auto,
		Bus:         b,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		StartGrace:  5 * time.Millisecond,
		StopGrace:   5 * time.Millisecond,
		TotalMemory: func() uint64 { return 16 << 30 },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &harness{sup: sup, dir: dir, table: table, spawner: spawner, signals: signals, auto: auto, bus: b}
}
