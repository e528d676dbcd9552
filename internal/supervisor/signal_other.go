//go:build !unix

package supervisor

import (
	"errors"
	"os"
	"os/exec"
)

type osSignaller struct{}

func (osSignaller) Terminate(pid int) error { return osSignaller{}.Kill(pid) }

func (osSignaller) Kill(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

func detach(*exec.Cmd) {}
