package api

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/basket/clawdash/internal/auth"
	"github.com/basket/clawdash/internal/bus"
	"github.com/basket/clawdash/internal/config"
	"github.com/basket/clawdash/internal/persistence"
	"github.com/basket/clawdash/internal/supervisor"
	"github.com/basket/clawdash/internal/workspace"
)

type testEnv struct {
	srv     *Server
	handler http.Handler
	proc    *fakeProcess
	gw      *fakeGateway
	store   *persistence.Store
	ws      *workspace.Manager
	bus     *bus.Bus
}

func testConfig() config.Config {
	return config.Config{
		OpenClaw: config.OpenClawConfig{GatewayPort: config.DefaultGatewayPort},
		Stream:   config.StreamConfig{StatusPollSeconds: 60, ChatHeartbeatSeconds: 60},
	}
}

func newTestEnv(t *testing.T, cfg config.Config) *testEnv {
	t.Helper()
	dir := t.TempDir()
	store, err := persistence.Open(filepath.Join(dir, "clawdash.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	authSvc, err := auth.New(auth.Options{Store: store, Logger: logger, Cost: bcrypt.MinCost})
	if err != nil {
		t.Fatalf("auth.New: %v", err)
	}
	if _, err := authSvc.EnsureDefaultAdmin(context.Background()); err != nil {
		t.Fatalf("EnsureDefaultAdmin: %v", err)
	}

	env := &testEnv{
		proc:  &fakeProcess{},
		gw:    newFakeGateway(),
		store: store,
		ws:    workspace.New(filepath.Join(dir, "openclaw")),
		bus:   bus.New(),
	}
	env.srv, err = New(Options{
		Config:      cfg,
		Process:     env.proc,
		Gateway:     env.gw,
		Store:       store,
		Auth:        authSvc,
		Workspace:   env.ws,
		Bus:         env.bus,
		Logger:      logger,
		GatewayWait: 100 * time.Millisecond,
		Version:     "test",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	env.handler = env.srv.Handler()
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string, mutate ...func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, m := range mutate {
		m(req)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestNew_RequiresCollaborators(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("expected error without collaborators")
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, testConfig())
	rec := env.do(t, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decode(t, rec)
	if body["healthy"] != true || body["gatewayConnected"] != false || body["version"] != "test" {
		t.Fatalf("body = %v", body)
	}
	if rec.Header().Get(traceHeader) == "" {
		t.Fatal("missing trace header")
	}
}

func TestAuth_RequiredForAPI(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.Enabled = true
	cfg.Auth.Keys = []config.APIKeyEntry{{Key: "secret-key", Name: "ci"}}
	env := newTestEnv(t, cfg)

	tests := []struct {
		name   string
		path   string
		mutate func(*http.Request)
		want   int
	}{
		{"no credentials", "/api/providers", nil, http.StatusUnauthorized},
		{"bearer key", "/api/providers", func(r *http.Request) { r.Header.Set("Authorization", "Bearer secret-key") }, http.StatusOK},
		{"header key", "/api/providers", func(r *http.Request) { r.Header.Set("X-API-Key", "secret-key") }, http.StatusOK},
		{"query key", "/api/providers?api_key=secret-key", nil, http.StatusOK},
		{"wrong key", "/api/providers", func(r *http.Request) { r.Header.Set("X-API-Key", "nope") }, http.StatusUnauthorized},
		{"public health", "/api/system/health", nil, http.StatusOK},
		{"public auth status", "/api/auth/status", nil, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var mutate []func(*http.Request)
			if tt.mutate != nil {
				mutate = append(mutate, tt.mutate)
			}
			rec := env.do(t, http.MethodGet, tt.path, "", mutate...)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestAuth_LoginSessionFlow(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.Enabled = true
	env := newTestEnv(t, cfg)

	rec := env.do(t, http.MethodPost, "/api/auth/login", `{"username":"admin","password":"wrong"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad password status = %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/auth/login", `{"username":"admin","password":"admin123"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d: %s", rec.Code, rec.Body.String())
	}
	var cookie *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == auth.CookieName {
			cookie = c
		}
	}
	if cookie == nil || cookie.Value == "" {
		t.Fatal("login did not set a session cookie")
	}
	withCookie := func(r *http.Request) { r.AddCookie(cookie) }

	rec = env.do(t, http.MethodGet, "/api/auth/status", "", withCookie)
	if body := decode(t, rec); body["authenticated"] != true {
		t.Fatalf("auth status = %v", body)
	}
	if rec := env.do(t, http.MethodGet, "/api/process/status", "", withCookie); rec.Code != http.StatusOK {
		t.Fatalf("authenticated request status = %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/auth/password", `{"currentPassword":"nope","newPassword":"longer-password"}`, withCookie)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong current password status = %d", rec.Code)
	}

	env.do(t, http.MethodPost, "/api/auth/logout", "", withCookie)
	if rec := env.do(t, http.MethodGet, "/api/process/status", "", withCookie); rec.Code != http.StatusUnauthorized {
		t.Fatalf("after logout status = %d", rec.Code)
	}
}

func TestLogin_MissingFields(t *testing.T) {
	env := newTestEnv(t, testConfig())
	rec := env.do(t, http.MethodPost, "/api/auth/login", `{"username":"admin"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestProcessStart_NotInstalled(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.proc.startErr = &supervisor.InstallError{Remediation: "install it"}

	rec := env.do(t, http.MethodPost, "/api/process/start", "")
	if rec.Code != http.StatusPreconditionFailed {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decode(t, rec)
	if body["error"] != "OpenClaw not found" || body["remediation"] == "" {
		t.Fatalf("body = %v", body)
	}
}

func TestProcessOps(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		startErr error
		want     int
	}{
		{"start ok", "/api/process/start", nil, http.StatusOK},
		{"already running", "/api/process/start", supervisor.ErrAlreadyRunning, http.StatusConflict},
		{"start timeout", "/api/process/start", supervisor.ErrStartFailed, http.StatusGatewayTimeout},
		{"stop", "/api/process/stop", nil, http.StatusOK},
		{"restart", "/api/process/restart", nil, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, testConfig())
			env.proc.startErr = tt.startErr
			rec := env.do(t, http.MethodPost, tt.path, "")
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestProcessStart_ReportsPID(t *testing.T) {
	env := newTestEnv(t, testConfig())
	body := decode(t, env.do(t, http.MethodPost, "/api/process/start", ""))
	if body["success"] != true || body["pid"] != float64(4242) || body["state"] != "running" {
		t.Fatalf("body = %v", body)
	}
}

func TestTestConnection_PortValidation(t *testing.T) {
	env := newTestEnv(t, testConfig())
	if rec := env.do(t, http.MethodGet, "/api/process/test?port=70000", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decode(t, env.do(t, http.MethodGet, "/api/process/test", ""))
	data, _ := body["data"].(map[string]any)
	if data["port"] != float64(config.DefaultGatewayPort) {
		t.Fatalf("body = %v", body)
	}
}

func TestSystemd_Unavailable(t *testing.T) {
	env := newTestEnv(t, testConfig())
	rec := env.do(t, http.MethodPost, "/api/process/systemd/enable", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
	if body := decode(t, rec); body["available"] != false {
		t.Fatalf("body = %v", body)
	}
}

func TestCORS_Preflight(t *testing.T) {
	cfg := testConfig()
	cfg.CORS = config.CORSConfig{Enabled: true, AllowedOrigins: []string{"http://localhost:5173"}}
	env := newTestEnv(t, cfg)

	rec := env.do(t, http.MethodOptions, "/api/providers", "", func(r *http.Request) {
		r.Header.Set("Origin", "http://localhost:5173")
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Fatalf("allow-origin = %q", got)
	}

	rec = env.do(t, http.MethodOptions, "/api/providers", "", func(r *http.Request) {
		r.Header.Set("Origin", "http://evil.example")
	})
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("disallowed origin echoed: %q", got)
	}
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = config.RateLimitConfig{Enabled: true, RequestsPerMinute: 1, BurstSize: 2}
	env := newTestEnv(t, cfg)

	for i := range 2 {
		if rec := env.do(t, http.MethodGet, "/api/providers", ""); rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i, rec.Code)
		}
	}
	rec := env.do(t, http.MethodGet, "/api/providers", "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("missing Retry-After")
	}
	if rec := env.do(t, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz limited: %d", rec.Code)
	}
}

func TestApplyConfig_TogglesAuth(t *testing.T) {
	env := newTestEnv(t, testConfig())
	if rec := env.do(t, http.MethodGet, "/api/providers", ""); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	cfg := testConfig()
	cfg.Auth.Enabled = true
	env.srv.ApplyConfig(cfg)
	if rec := env.do(t, http.MethodGet, "/api/providers", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("after reload status = %d", rec.Code)
	}
}

func TestStatusStream_FirstEvents(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/status/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type = %q", ct)
	}

	sc := bufio.NewScanner(resp.Body)
	next := func() map[string]any {
		t.Helper()
		for sc.Scan() {
			line := sc.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var ev map[string]any
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
				t.Fatalf("bad event %q: %v", line, err)
			}
			return ev
		}
		t.Fatalf("stream ended: %v", sc.Err())
		return nil
	}

	if ev := next(); ev["type"] != "connected" {
		t.Fatalf("first event = %v", ev)
	}
	if ev := next(); ev["type"] != "status" || ev["running"] != false {
		t.Fatalf("second event = %v", ev)
	}

	env.bus.Publish(bus.TopicProcessStateChanged, bus.ProcessStateChangedEvent{
		PID: 7, OldState: "stopped", NewState: "running", Reason: "start",
	})
	if ev := next(); ev["type"] != "state" || ev["newState"] != "running" {
		t.Fatalf("state event = %v", ev)
	}
}

func TestLogs(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.proc.logs = "line one\nline two"
	body := decode(t, env.do(t, http.MethodGet, "/api/logs?lines=2", ""))
	if body["logs"] != "line one\nline two" {
		t.Fatalf("body = %v", body)
	}
}

func TestAudit_ListsRecordedActions(t *testing.T) {
	env := newTestEnv(t, testConfig())
	if err := env.store.RecordAudit(context.Background(), persistence.AuditEntry{Action: "process.start", Outcome: "ok"}); err != nil {
		t.Fatalf("RecordAudit: %v", err)
	}
	body := decode(t, env.do(t, http.MethodGet, "/api/audit?limit=10", ""))
	entries, _ := body["entries"].([]any)
	if len(entries) != 1 {
		t.Fatalf("entries = %v", body)
	}
}

func TestSystemInfo(t *testing.T) {
	env := newTestEnv(t, testConfig())
	body := decode(t, env.do(t, http.MethodGet, "/api/system/info", ""))
	if body["platform"] == "" || body["cpus"] == float64(0) {
		t.Fatalf("body = %v", body)
	}
	paths := decode(t, env.do(t, http.MethodGet, "/api/system/paths", ""))
	if !strings.HasSuffix(paths["configPath"].(string), workspace.ConfigFile) {
		t.Fatalf("paths = %v", paths)
	}
}

func TestSystemNetwork(t *testing.T) {
	env := newTestEnv(t, testConfig())
	rec := env.do(t, http.MethodGet, "/api/system/network", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body)
	}
	body := decode(t, rec)
	if _, ok := body["interfaces"].([]any); !ok {
		t.Fatalf("interfaces missing: %v", body)
	}
	if _, ok := body["hostname"].(string); !ok {
		t.Fatalf("hostname missing: %v", body)
	}
}

func TestIPv4Addrs(t *testing.T) {
	addrs := []net.Addr{
		&net.IPNet{IP: net.ParseIP("192.168.1.20"), Mask: net.CIDRMask(24, 32)},
		&net.IPNet{IP: net.ParseIP("127.0.0.1"), Mask: net.CIDRMask(8, 32)},
		&net.IPNet{IP: net.ParseIP("fe80::1"), Mask: net.CIDRMask(64, 128)},
		&net.IPAddr{IP: net.ParseIP("10.0.0.1")},
	}
	got := ipv4Addrs("eth0", "aa:bb:cc:dd:ee:ff", addrs)
	if len(got) != 1 {
		t.Fatalf("got %+v, want one address", got)
	}
	want := netInterface{Name: "eth0", Address: "192.168.1.20", Netmask: "255.255.255.0", MAC: "aa:bb:cc:dd:ee:ff"}
	if got[0] != want {
		t.Fatalf("got %+v, want %+v", got[0], want)
	}
}
