// Package systemd wraps systemctl for the assistant's unit. Every call fails
// closed when systemd is absent.
package systemd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// DefaultUnit is the unit name the assistant's installer registers.
const DefaultUnit = "openclaw"

var (
	ErrUnavailable  = errors.New("systemd is not available on this system")
	ErrUnitNotFound = errors.New("openclaw systemd service not found; create the service first")
)

var (
	currentEUID  = os.Geteuid
	lookPathFn   = exec.LookPath
	runCommandFn = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return exec.CommandContext(ctx, name, args...).CombinedOutput()
	}
)

// Status describes the unit. Available is false when systemctl is missing, in
// which case the other fields are zero.
type Status struct {
	Available bool   `json:"available"`
	Exists    bool   `json:"exists"`
	Active    bool   `json:"active"`
	Enabled   bool   `json:"enabled"`
	Output    string `json:"output,omitempty"`
}

// Result is returned by the autostart toggles.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type Manager struct {
	unit string
}

func New(unit string) *Manager {
	if unit == "" {
		unit = DefaultUnit
	}
	return &Manager{unit: unit}
}

func (m *Manager) Unit() string { return m.unit }

// Available reports whether systemctl is on PATH.
func (m *Manager) Available() bool {
	_, err := lookPathFn("systemctl")
	return err == nil
}

// IsManaged reports whether the unit is enabled.
func (m *Manager) IsManaged(ctx context.Context) bool {
	if !m.Available() {
		return false
	}
	out, err := runCommandFn(ctx, "systemctl", "is-enabled", m.unit)
	return err == nil && strings.TrimSpace(string(out)) == "enabled"
}

// Status queries unit properties with `systemctl show` and attaches the
// human-readable `systemctl status` text.
func (m *Manager) Status(ctx context.Context) Status {
	if !m.Available() {
		return Status{}
	}
	st := Status{Available: true}
	out, err := runCommandFn(ctx, "systemctl", "show", m.unit, "--no-pager",
		"--property=LoadState,ActiveState,UnitFileState")
	if err != nil {
		return st
	}
	props := parseProperties(string(out))
	if props["LoadState"] == "" || props["LoadState"] == "not-found" {
		return st
	}
	st.Exists = true
	st.Active = props["ActiveState"] == "active"
	st.Enabled = props["UnitFileState"] == "enabled"

	// status exits non-zero for inactive units; the text is still useful.
	text, _ := runCommandFn(ctx, "systemctl", "status", m.unit, "--no-pager")
	st.Output = strings.TrimSpace(string(text))
	return st
}

// Enable turns on start-at-boot. The unit must already exist.
func (m *Manager) Enable(ctx context.Context) (Result, error) {
	if !m.Available() {
		return Result{Message: ErrUnavailable.Error()}, ErrUnavailable
	}
	if st := m.Status(ctx); !st.Exists {
		return Result{Message: ErrUnitNotFound.Error()}, ErrUnitNotFound
	}
	if out, err := m.privileged(ctx, "enable"); err != nil {
		return Result{Message: strings.TrimSpace(string(out))}, fmt.Errorf("systemctl enable %s: %w", m.unit, err)
	}
	return Result{Success: true, Message: "Auto-start enabled"}, nil
}

// Disable turns off start-at-boot. A missing unit is not an error.
func (m *Manager) Disable(ctx context.Context) (Result, error) {
	if !m.Available() {
		return Result{Message: ErrUnavailable.Error()}, ErrUnavailable
	}
	_, _ = m.privileged(ctx, "disable")
	return Result{Success: true, Message: "Auto-start disabled"}, nil
}

// privileged runs systemctl directly as root, otherwise through non-interactive sudo.
func (m *Manager) privileged(ctx context.Context, action string) ([]byte, error) {
	if currentEUID() == 0 {
		return runCommandFn(ctx, "systemctl", action, m.unit)
	}
	return runCommandFn(ctx, "sudo", "-n", "systemctl", action, m.unit)
}

func parseProperties(out string) map[string]string {
	props := make(map[string]string)
	for _, line := range strings.Split(out, "\n") {
		k, v, ok := strings.Cut(strings.TrimSpace(line), "=")
		if ok {
			props[k] = v
		}
	}
	return props
}
