package doctor

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/basket/clawdash/internal/config"
	"github.com/basket/clawdash/internal/install"
)

func testConfig(t *testing.T, gatewayURL string) *config.Config {
	t.Helper()
	cfg := &config.Config{HomeDir: t.TempDir()}
	cfg.OpenClaw.Dir = t.TempDir()
	cfg.OpenClaw.GatewayHost = "127.0.0.1"
	cfg.OpenClaw.GatewayPort = 1
	if gatewayURL != "" {
		host, port, err := net.SplitHostPort(gatewayURL[len("http://"):])
		if err != nil {
			t.Fatal(err)
		}
		cfg.OpenClaw.GatewayHost = host
		cfg.OpenClaw.GatewayPort, _ = strconv.Atoi(port)
	}
	return cfg
}

func byName(d Diagnosis) map[string]CheckResult {
	out := map[string]CheckResult{}
	for _, r := range d.Results {
		out[r.Name] = r
	}
	return out
}

func TestRun_NilConfig(t *testing.T) {
	prev := systemdAvailable
	systemdAvailable = func() bool { return false }
	t.Cleanup(func() { systemdAvailable = prev })

	d := Run(context.Background(), nil, "test")
	results := byName(d)
	if results["Config"].Status != StatusFail {
		t.Fatalf("config = %+v", results["Config"])
	}
	for _, name := range []string{"Permissions", "Installation", "Database", "Gateway", "Health"} {
		if results[name].Status != StatusSkip {
			t.Fatalf("%s = %+v, want SKIP", name, results[name])
		}
	}
	if !d.Failed() {
		t.Fatal("Failed() = false")
	}
}

func TestRun_HealthyAssistant(t *testing.T) {
	prev := systemdAvailable
	systemdAvailable = func() bool { return true }
	t.Cleanup(func() { systemdAvailable = prev })

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.Write([]byte(`{"ok":true}`))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	bundle := filepath.Join(cfg.OpenClaw.Dir, install.Command)
	if err := os.WriteFile(bundle, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(cfg.OpenClaw.Dir, "uv"), []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	d := Run(context.Background(), cfg, "test")
	results := byName(d)
	for _, name := range []string{"Config", "Permissions", "Installation", "Systemd", "Database", "Gateway", "Health"} {
		if results[name].Status != StatusPass {
			t.Fatalf("%s = %+v, want PASS", name, results[name])
		}
	}
	if d.System.Version != "test" {
		t.Fatalf("version = %q", d.System.Version)
	}
}

func TestCheckGateway_Unreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	cfg := testConfig(t, "http://"+addr)
	if res := checkGateway(context.Background(), cfg); res.Status != StatusWarn {
		t.Fatalf("gateway = %+v", res)
	}
	if res := checkHealth(context.Background(), cfg); res.Status != StatusSkip {
		t.Fatalf("health = %+v", res)
	}
}

func TestCheckHealth_Non200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	if res := checkHealth(context.Background(), testConfig(t, srv.URL)); res.Status != StatusWarn {
		t.Fatalf("health = %+v", res)
	}
}

func TestCheckPermissions_Unwritable(t *testing.T) {
	cfg := &config.Config{HomeDir: filepath.Join(t.TempDir(), "missing", "dir")}
	if res := checkPermissions(context.Background(), cfg); res.Status != StatusFail {
		t.Fatalf("permissions = %+v", res)
	}
}

func TestCheckConfig_FirstRun(t *testing.T) {
	cfg := &config.Config{HomeDir: t.TempDir(), FirstRun: true}
	if res := checkConfig(context.Background(), cfg); res.Status != StatusWarn {
		t.Fatalf("config = %+v", res)
	}
}
