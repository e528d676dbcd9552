package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// Runner executes a command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands with os/exec.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// ProcessInfo is one row of the OS process table.
type ProcessInfo struct {
	PID           int
	PPID          int
	CPUPercent    float64
	MemoryPercent float64
	// Elapsed is ps etime: [[dd-]hh:]mm:ss.
	Elapsed string
	Command string
}

// ProcessTable is the liveness probe's view of the OS.
type ProcessTable interface {
	// Find returns the ids of processes whose full command line contains pattern.
	Find(ctx context.Context, pattern string) ([]int, error)
	// Inspect reads resource usage for one process.
	Inspect(ctx context.Context, pid int) (ProcessInfo, error)
}

// psTable queries pgrep and ps.
type psTable struct {
	run  Runner
	self int
}

// NewProcessTable returns a ProcessTable backed by pgrep(1) and ps(1).
func NewProcessTable(run Runner) ProcessTable {
	if run == nil {
		run = ExecRunner
	}
	return &psTable{run: run, self: os.Getpid()}
}

func (t *psTable) Find(ctx context.Context, pattern string) ([]int, error) {
	out, err := t.run(ctx, "pgrep", "-f", pattern)
	if err != nil {
		// pgrep exits 1 when nothing matches.
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return nil, nil
		}
		if strings.TrimSpace(string(out)) == "" {
			return nil, nil
		}
		return nil, fmt.Errorf("pgrep: %w", err)
	}
	var pids []int
	for _, field := range strings.Fields(string(out)) {
		pid, err := strconv.Atoi(field)
		if err != nil || pid == t.self {
			continue
		}
		pids = append(pids, pid)
	}
	return pids, nil
}

func (t *psTable) Inspect(ctx context.Context, pid int) (ProcessInfo, error) {
	out, err := t.run(ctx, "ps", "-p", strconv.Itoa(pid), "-o", "pid=,ppid=,%cpu=,%mem=,etime=,args=")
	if err != nil {
		return ProcessInfo{}, fmt.Errorf("ps -p %d: %w", pid, err)
	}
	for _, line := range strings.Split(string(out), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		return parsePSLine(line)
	}
	return ProcessInfo{}, fmt.Errorf("ps -p %d: no such process", pid)
}

func parsePSLine(line string) (ProcessInfo, error) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return ProcessInfo{}, fmt.Errorf("malformed ps line %q", line)
	}
	pid, err := strconv.Atoi(fields[0])
	if err != nil {
		return ProcessInfo{}, fmt.Errorf("ps pid %q: %w", fields[0], err)
	}
	ppid, _ := strconv.Atoi(fields[1])
	cpu, _ := strconv.ParseFloat(fields[2], 64)
	mem, _ := strconv.ParseFloat(fields[3], 64)
	return ProcessInfo{
		PID:           pid,
		PPID:          ppid,
		CPUPercent:    cpu,
		MemoryPercent: mem,
		Elapsed:       fields[4],
		Command:       strings.Join(fields[5:], " "),
	}, nil
}

// ParseElapsed converts ps etime ([[dd-]hh:]mm:ss) into seconds.
func ParseElapsed(etime string) (int, error) {
	etime = strings.TrimSpace(etime)
	if etime == "" {
		return 0, errors.New("empty elapsed time")
	}
	days := 0
	if d, rest, ok := strings.Cut(etime, "-"); ok {
		v, err := strconv.Atoi(d)
		if err != nil {
			return 0, fmt.Errorf("elapsed days %q: %w", d, err)
		}
		days, etime = v, rest
	}
	parts := strings.Split(etime, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("malformed elapsed time %q", etime)
	}
	total := 0
	for _, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil {
			return 0, fmt.Errorf("elapsed component %q: %w", p, err)
		}
		total = total*60 + v
	}
	return days*86400 + total, nil
}
