// Package install detects how the OpenClaw assistant is available on this
// machine and builds the command line used to launch its gateway.
package install

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Kind is the installation flavour found by Detect.
type Kind string

const (
	KindBundle Kind = "bundle"
	KindSystem Kind = "system"
	KindNone   Kind = "none"
)

// Command is the system-wide executable name of the assistant.
const Command = "openclaw"

// Remediation is shown to operators when no installation is found.
const Remediation = "OpenClaw not found. Please install OpenClaw first.\n\n" +
	"Installation options:\n" +
	"- npm install -g openclaw\n" +
	"- brew install openclaw\n" +
	"- Download from https://github.com/ValueCell-ai/openclaw"

// Test seams.
var (
	lookPathFn   = exec.LookPath
	statFn       = os.Stat
	runCommandFn = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return exec.CommandContext(ctx, name, args...).CombinedOutput()
	}
)

// LaunchDescriptor says how to start the assistant's gateway. It is built
// fresh for every start attempt.
type LaunchDescriptor struct {
	Kind       Kind
	Executable string
	Args       []string
	Dir        string
}

// CommandLine renders the descriptor for logs.
func (d LaunchDescriptor) CommandLine() string {
	return strings.Join(append([]string{d.Executable}, d.Args...), " ")
}

// Probe inspects a working directory. It holds no state between calls, so a
// fixed installation is picked up without restarting the dashboard.
type Probe struct {
	dir string
}

func NewProbe(dir string) *Probe {
	return &Probe{dir: dir}
}

// Dir returns the assistant working directory.
func (p *Probe) Dir() string {
	return p.dir
}

// BundleUV and BundleExecutable are the two bundle marker files.
func (p *Probe) BundleUV() string         { return filepath.Join(p.dir, "uv") }
func (p *Probe) BundleExecutable() string { return filepath.Join(p.dir, Command) }

// Detect checks for a bundle first, then for a system command.
func (p *Probe) Detect() Kind {
	if fileExists(p.BundleUV()) && fileExists(p.BundleExecutable()) {
		return KindBundle
	}
	if commandExists(Command) {
		return KindSystem
	}
	return KindNone
}

// Resolve returns the launch descriptor for the current installation. ok is
// false when nothing is installed.
func (p *Probe) Resolve() (LaunchDescriptor, bool) {
	switch p.Detect() {
	case KindBundle:
		return LaunchDescriptor{
			Kind:       KindBundle,
			Executable: p.BundleUV(),
			Args:       []string{"run", Command, "gateway"},
			Dir:        p.dir,
		}, true
	case KindSystem:
		return LaunchDescriptor{
			Kind:       KindSystem,
			Executable: Command,
			Args:       []string{"gateway"},
			Dir:        p.dir,
		}, true
	default:
		return LaunchDescriptor{Kind: KindNone}, false
	}
}

// Checks is the raw evidence behind Detect.
type Checks struct {
	BundleUV       bool `json:"bundleUv"`
	BundleOpenClaw bool `json:"bundleOpenclaw"`
	SystemOpenClaw bool `json:"systemOpenclaw"`
	SystemUV       bool `json:"systemUv"`
}

// Paths holds resolved system executables; nil means not found.
type Paths struct {
	OpenClaw *string `json:"openclaw"`
	UV       *string `json:"uv"`
}

// Diagnostics is reported by the diagnostics endpoint and `clawdash doctor`.
type Diagnostics struct {
	InstallationType Kind    `json:"installationType"`
	OpenClawPath     string  `json:"openclawPath"`
	Checks           Checks  `json:"checks"`
	Paths            Paths   `json:"paths"`
	Version          *string `json:"version,omitempty"`
}

// Diagnose collects installation evidence. The version is only queried when a
// system command exists.
func (p *Probe) Diagnose(ctx context.Context) Diagnostics {
	d := Diagnostics{
		InstallationType: p.Detect(),
		OpenClawPath:     p.dir,
		Checks: Checks{
			BundleUV:       fileExists(p.BundleUV()),
			BundleOpenClaw: fileExists(p.BundleExecutable()),
			SystemOpenClaw: commandExists(Command),
			SystemUV:       commandExists("uv"),
		},
		Paths: Paths{
			OpenClaw: resolvedPath(Command),
			UV:       resolvedPath("uv"),
		},
	}
	if d.Checks.SystemOpenClaw {
		if out, err := runCommandFn(ctx, Command, "--version"); err == nil {
			v := strings.TrimSpace(string(out))
			d.Version = &v
		}
	}
	return d
}

func fileExists(path string) bool {
	_, err := statFn(path)
	return err == nil
}

func commandExists(name string) bool {
	_, err := lookPathFn(name)
	return err == nil
}

func resolvedPath(name string) *string {
	p, err := lookPathFn(name)
	if err != nil {
		return nil
	}
	return &p
}
