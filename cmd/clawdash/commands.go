package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/clawdash/internal/config"
	"github.com/basket/clawdash/internal/systemd"
	"github.com/basket/clawdash/internal/tui"
)

// loadClient resolves the dashboard address from config.yaml.
func loadClient(stderr io.Writer) (*dashClient, bool) {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "config load: %v\n", err)
		return nil, false
	}
	return newDashClient(cfg), true
}

// runProcessCommand handles start, stop and restart.
func runProcessCommand(ctx context.Context, op string, args []string, stdout, stderr io.Writer) int {
	if len(args) != 0 {
		fmt.Fprintf(stderr, "usage: clawdash %s\n", op)
		return 2
	}
	c, ok := loadClient(stderr)
	if !ok {
		return 1
	}
	msg, err := c.Process(ctx, op)
	if err != nil {
		printAPIError(stderr, err)
		return 1
	}
	fmt.Fprintln(stdout, msg)
	return 0
}

func runStatusCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)
	asJSON := fs.Bool("json", false, "print the raw status snapshot")
	if err := fs.Parse(args); err != nil || fs.NArg() != 0 {
		fmt.Fprintln(stderr, "usage: clawdash status [-json]")
		return 2
	}
	c, ok := loadClient(stderr)
	if !ok {
		return 1
	}
	snap, err := c.Status(ctx)
	if err != nil {
		printAPIError(stderr, err)
		return 1
	}
	if *asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(snap); err != nil {
			fmt.Fprintf(stderr, "encode: %v\n", err)
			return 1
		}
		return 0
	}
	printStatus(stdout, snap)
	return 0
}

func printStatus(w io.Writer, s tui.Snapshot) {
	fmt.Fprintf(w, "OpenClaw:      %s\n", s.State)
	if s.Running {
		fmt.Fprintf(w, "PID:           %d\n", s.PID)
		fmt.Fprintf(w, "CPU:           %.1f%%\n", s.CPU)
		fmt.Fprintf(w, "Memory:        %.1f MB\n", s.MemoryMB)
		fmt.Fprintf(w, "Uptime:        %s\n", s.Uptime.Truncate(time.Second))
	}
	fmt.Fprintf(w, "Installation:  %s\n", s.Installation)
	gw := s.GatewayState
	if s.QueuedMessages > 0 {
		gw += fmt.Sprintf(" (%d queued)", s.QueuedMessages)
	}
	fmt.Fprintf(w, "Gateway:       %s\n", gw)
}

func runLogsCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("logs", flag.ContinueOnError)
	fs.SetOutput(stderr)
	n := fs.Int("n", 100, "number of trailing lines")
	if err := fs.Parse(args); err != nil || fs.NArg() != 0 || *n <= 0 {
		fmt.Fprintln(stderr, "usage: clawdash logs [-n lines]")
		return 2
	}
	c, ok := loadClient(stderr)
	if !ok {
		return 1
	}
	logs, err := c.Logs(ctx, *n)
	if err != nil {
		printAPIError(stderr, err)
		return 1
	}
	fmt.Fprint(stdout, logs)
	if logs != "" && !strings.HasSuffix(logs, "\n") {
		fmt.Fprintln(stdout)
	}
	return 0
}

// runWatchCommand shows a live view when stdout is a terminal and one
// status line per poll otherwise.
func runWatchCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	fs.SetOutput(stderr)
	interval := fs.Duration("interval", 2*time.Second, "poll interval")
	plain := fs.Bool("plain", false, "print status lines instead of the live view")
	if err := fs.Parse(args); err != nil || fs.NArg() != 0 || *interval <= 0 {
		fmt.Fprintln(stderr, "usage: clawdash watch [-interval 2s] [-plain]")
		return 2
	}
	c, ok := loadClient(stderr)
	if !ok {
		return 1
	}

	var err error
	if !*plain && stdoutIsTerminal() {
		err = tui.Run(ctx, c.Status, c.Process, *interval)
	} else {
		err = tui.Plain(ctx, stdout, c.Status, *interval)
	}
	if err != nil {
		fmt.Fprintf(stderr, "watch: %v\n", err)
		return 1
	}
	return 0
}

var stdoutIsTerminal = func() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}

// autostarter is the systemd surface used by the autostart subcommand.
type autostarter interface {
	Available() bool
	Status(ctx context.Context) systemd.Status
	Enable(ctx context.Context) (systemd.Result, error)
	Disable(ctx context.Context) (systemd.Result, error)
}

var newAutostarter = func() autostarter { return systemd.New(systemd.DefaultUnit) }

// runAutostartCommand talks to systemd directly, so it works without a
// running dashboard.
func runAutostartCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 {
		fmt.Fprintln(stderr, "usage: clawdash autostart enable|disable|status")
		return 2
	}
	m := newAutostarter()
	if !m.Available() {
		fmt.Fprintln(stderr, "systemd is not available on this host")
		return 1
	}

	var (
		res systemd.Result
		err error
	)
	switch args[0] {
	case "status":
		st := m.Status(ctx)
		fmt.Fprintf(stdout, "unit exists: %t\nenabled:     %t\nactive:      %t\n", st.Exists, st.Enabled, st.Active)
		return 0
	case "enable":
		res, err = m.Enable(ctx)
	case "disable":
		res, err = m.Disable(ctx)
	default:
		fmt.Fprintln(stderr, "usage: clawdash autostart enable|disable|status")
		return 2
	}
	if err != nil {
		fmt.Fprintf(stderr, "autostart %s: %v\n", args[0], err)
		if res.Message != "" {
			fmt.Fprintln(stderr, res.Message)
		}
		return 1
	}
	fmt.Fprintln(stdout, res.Message)
	return 0
}
