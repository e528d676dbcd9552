package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/basket/clawdash/internal/audit"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `Usage of %[1]s:

SERVER:
  %[1]s                          Start the dashboard (same as "serve")
  %[1]s serve                    Start the dashboard

PROCESS CONTROL (talks to a running dashboard):
  %[1]s start                    Start OpenClaw
  %[1]s stop                     Stop OpenClaw
  %[1]s restart                  Restart OpenClaw
  %[1]s status [-json]           Show process and gateway status
  %[1]s logs [-n lines]          Print the tail of the OpenClaw log
  %[1]s watch [-interval 2s]     Live status view (plain lines when not a terminal)

HOST:
  %[1]s autostart enable|disable|status
                              Manage the systemd unit for OpenClaw
  %[1]s doctor [-json]           Run diagnostic checks

FLAGS:
`, os.Args[0])
	flag.CommandLine.SetOutput(w)
	flag.PrintDefaults()
	fmt.Fprintf(w, `
ENVIRONMENT VARIABLES:
  CLAWDASH_HOME           Dashboard state directory (default: ~/.clawdash)
  CLAWDASH_BIND_ADDR      Override bind_addr (PORT is honoured when unset)
  CLAWDASH_API_TOKEN      API token sent by CLI subcommands and accepted by the server
  OPENCLAW_PATH           Override openclaw.dir
  OPENCLAW_GATEWAY_HOST   Override openclaw.gateway_host
  OPENCLAW_GATEWAY_PORT   Override openclaw.gateway_port
`)
}

func main() {
	quiet := flag.Bool("quiet", false, "log to the file only (serve)")
	flag.Usage = func() { printUsage(os.Stderr) }
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	cmd := "serve"
	if len(args) > 0 {
		cmd = strings.ToLower(strings.TrimSpace(args[0]))
		args = args[1:]
	}
	if cmd == "serve" {
		runServe(ctx, *quiet)
		return
	}
	os.Exit(dispatch(ctx, cmd, args, os.Stdout, os.Stderr))
}

// dispatch runs a client subcommand and returns its exit code.
func dispatch(ctx context.Context, cmd string, args []string, stdout, stderr io.Writer) int {
	switch cmd {
	case "help", "-h", "--help":
		printUsage(stdout)
		return 0
	case "version":
		fmt.Fprintln(stdout, Version)
		return 0
	case "start", "stop", "restart":
		return runProcessCommand(ctx, cmd, args, stdout, stderr)
	case "status":
		return runStatusCommand(ctx, args, stdout, stderr)
	case "logs":
		return runLogsCommand(ctx, args, stdout, stderr)
	case "watch":
		return runWatchCommand(ctx, args, stdout, stderr)
	case "autostart":
		return runAutostartCommand(ctx, args, stdout, stderr)
	case "doctor":
		return runDoctorCommand(ctx, args, stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n", cmd)
		printUsage(stderr)
		return 2
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record(context.Background(), "runtime.startup", audit.OutcomeError, reasonCode+": "+message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	if errors.Is(err, syscall.EADDRINUSE) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return strings.Contains(opErr.Err.Error(), "address already in use")
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	out, err := execCommand("lsof", "-ti", ":"+port)
	if err == nil && strings.TrimSpace(out) != "" {
		pids := strings.Join(strings.Fields(out), " ")
		return fmt.Sprintf("Port %s is occupied by PID %s. Kill it with: kill %s", port, pids, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change bind_addr in config.yaml.", port)
}

func execCommand(name string, args ...string) (string, error) {
	out, err := execCommandFunc(name, args...).Output()
	return string(out), err
}

var execCommandFunc = func(name string, args ...string) *exec.Cmd {
	return exec.Command(name, args...)
}
