//go:build unix

package supervisor

import (
	"errors"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

type osSignaller struct{}

// Terminate sends SIGTERM. A process that is already gone is not an error.
func (osSignaller) Terminate(pid int) error {
	return ignoreGone(unix.Kill(pid, unix.SIGTERM))
}

// Kill sends SIGKILL. A process that is already gone is not an error.
func (osSignaller) Kill(pid int) error {
	return ignoreGone(unix.Kill(pid, unix.SIGKILL))
}

func ignoreGone(err error) error {
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

// detach starts the child in its own session so it outlives the dashboard.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
