package supervisor

import (
	"errors"

	"github.com/basket/clawdash/internal/install"
)

var (
	// ErrNotInstalled means no bundle or system installation was found.
	ErrNotInstalled = errors.New("openclaw is not installed")
	// ErrAlreadyRunning is returned by Start when a live process already exists.
	ErrAlreadyRunning = errors.New("OpenClaw is already running")
	// ErrStartFailed means the process did not pass the liveness probe within
	// the start grace period. It may still come up; callers should re-poll.
	ErrStartFailed = errors.New("OpenClaw failed to start")
)

// InstallError carries operator-facing remediation text for ErrNotInstalled.
type InstallError struct {
	Remediation string
}

func (e *InstallError) Error() string { return e.Remediation }

func (e *InstallError) Unwrap() error { return ErrNotInstalled }

func notInstalled() error {
	return &InstallError{Remediation: install.Remediation}
}

// Remediation returns the remediation hint carried by err, if any.
func Remediation(err error) string {
	var ie *InstallError
	if errors.As(err, &ie) {
		return ie.Remediation
	}
	return ""
}
