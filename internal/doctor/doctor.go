// Package doctor runs local diagnostics for the dashboard and the assistant
// it supervises.
package doctor

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/basket/clawdash/internal/config"
	"github.com/basket/clawdash/internal/install"
	"github.com/basket/clawdash/internal/persistence"
	"github.com/basket/clawdash/internal/systemd"
)

const (
	StatusPass = "PASS"
	StatusWarn = "WARN"
	StatusFail = "FAIL"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

// Test seams.
var (
	systemdAvailable = func() bool { return systemd.New("").Available() }
	dialTimeout      = 3 * time.Second
)

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkPermissions,
		checkInstallation,
		checkSystemd,
		checkDatabase,
		checkGateway,
		checkHealth,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if cfg.FirstRun {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "No config.yaml yet; defaults in use",
			Detail: config.ConfigPath(cfg.HomeDir)}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

func checkInstallation(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Installation", Status: StatusSkip, Message: "Config missing"}
	}
	probe := install.NewProbe(cfg.OpenClaw.Dir)
	switch kind := probe.Detect(); kind {
	case install.KindBundle:
		return CheckResult{Name: "Installation", Status: StatusPass, Message: "Bundled install", Detail: probe.BundleExecutable()}
	case install.KindSystem:
		desc, _ := probe.Resolve()
		return CheckResult{Name: "Installation", Status: StatusPass, Message: "System install", Detail: desc.Executable}
	default:
		return CheckResult{Name: "Installation", Status: StatusFail, Message: "OpenClaw not found", Detail: install.Remediation}
	}
}

func checkSystemd(_ context.Context, _ *config.Config) CheckResult {
	if !systemdAvailable() {
		return CheckResult{Name: "Systemd", Status: StatusSkip, Message: "systemctl not available; autostart disabled"}
	}
	return CheckResult{Name: "Systemd", Status: StatusPass, Message: "systemctl available"}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DatabasePath())
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer store.Close()

	version, err := store.SchemaVersion(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{Name: "Database", Status: StatusPass, Message: "Connection and schema valid",
		Detail: fmt.Sprintf("schema v%d at %s", version, cfg.DatabasePath())}
}

func gatewayAddr(cfg *config.Config) string {
	return net.JoinHostPort(cfg.OpenClaw.GatewayHost, strconv.Itoa(cfg.OpenClaw.GatewayPort))
}

// checkGateway dials the control socket's TCP port. A stopped assistant is
// a warning, not a failure.
func checkGateway(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Gateway", Status: StatusSkip, Message: "Config missing"}
	}
	addr := gatewayAddr(cfg)
	dialer := net.Dialer{Timeout: dialTimeout}
	start := time.Now()
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return CheckResult{Name: "Gateway", Status: StatusWarn, Message: fmt.Sprintf("%s unreachable", addr),
			Detail: err.Error()}
	}
	conn.Close()
	return CheckResult{Name: "Gateway", Status: StatusPass,
		Message: fmt.Sprintf("%s reachable (%dms)", addr, time.Since(start).Milliseconds())}
}

func checkHealth(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Health", Status: StatusSkip, Message: "Config missing"}
	}
	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	url := "http://" + gatewayAddr(cfg) + "/health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return CheckResult{Name: "Health", Status: StatusFail, Message: err.Error()}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return CheckResult{Name: "Health", Status: StatusSkip, Message: "Assistant not responding", Detail: err.Error()}
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return CheckResult{Name: "Health", Status: StatusWarn, Message: fmt.Sprintf("%s returned %s", url, resp.Status)}
	}
	return CheckResult{Name: "Health", Status: StatusPass, Message: "Health endpoint OK"}
}
