package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/basket/clawdash/internal/install"
)

// Signaller delivers termination signals.
type Signaller interface {
	Terminate(pid int) error
	Kill(pid int) error
}

// ExitStatus describes how a spawned child ended.
type ExitStatus struct {
	Code int
	Err  error
}

func (e ExitStatus) String() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("exit status %d", e.Code)
}

// Child is a spawned process. Done delivers one ExitStatus when it exits.
type Child struct {
	PID  int
	Done <-chan ExitStatus
}

// Spawner launches the assistant.
type Spawner interface {
	Spawn(ctx context.Context, desc install.LaunchDescriptor, env []string, logPath string) (Child, error)
}

type execSpawner struct{}

// Spawn starts desc detached from the dashboard, appending stdout and stderr
// to logPath. The child is not tied to ctx.
func (execSpawner) Spawn(_ context.Context, desc install.LaunchDescriptor, env []string, logPath string) (Child, error) {
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return Child{}, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return Child{}, fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()
	fmt.Fprintf(logFile, "[clawdash] %s starting: %s\n", time.Now().UTC().Format(time.RFC3339), desc.CommandLine())

	cmd := exec.Command(desc.Executable, desc.Args...)
	cmd.Dir = desc.Dir
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	detach(cmd)
	if err := cmd.Start(); err != nil {
		return Child{}, fmt.Errorf("spawn %s: %w", desc.Executable, err)
	}

	done := make(chan ExitStatus, 1)
	go func() {
		err := cmd.Wait()
		status := ExitStatus{Code: -1}
		if cmd.ProcessState != nil {
			status.Code = cmd.ProcessState.ExitCode()
		}
		if err != nil {
			if _, ok := err.(*exec.ExitError); !ok {
				status.Err = err
			}
		}
		done <- status
		close(done)
	}()
	return Child{PID: cmd.Process.Pid, Done: done}, nil
}
