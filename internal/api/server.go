// Package api serves the dashboard's HTTP API: process control, status and
// log streams, chat relay, workspace config, and provider/channel records.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/clawdash/internal/auth"
	"github.com/basket/clawdash/internal/bus"
	"github.com/basket/clawdash/internal/config"
	"github.com/basket/clawdash/internal/gateway"
	"github.com/basket/clawdash/internal/install"
	"github.com/basket/clawdash/internal/otel"
	"github.com/basket/clawdash/internal/persistence"
	"github.com/basket/clawdash/internal/ratelimit"
	"github.com/basket/clawdash/internal/supervisor"
	"github.com/basket/clawdash/internal/systemd"
	"github.com/basket/clawdash/internal/workspace"
)

const (
	defaultGatewayWait = 5 * time.Second
	maxRequestBody     = 1 << 20
)

// Process is the supervisor surface the API drives. *supervisor.Supervisor
// satisfies it.
type Process interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Restart(ctx context.Context) error
	Status(ctx context.Context) supervisor.StatusSnapshot
	Metrics(ctx context.Context) supervisor.ProcessMetrics
	Handle() supervisor.ProcessHandle
	Logs(ctx context.Context, n int) string
	FollowLogs(ctx context.Context) (<-chan string, error)
	TestConnection(ctx context.Context, port int) supervisor.ConnectionResult
	DetectInstallation() install.Kind
	Diagnostics(ctx context.Context) install.Diagnostics
	SystemdAvailable() bool
	SystemdStatus(ctx context.Context) systemd.Status
	EnableAutoStart(ctx context.Context) (systemd.Result, error)
	DisableAutoStart(ctx context.Context) (systemd.Result, error)
}

// Gateway is the socket client surface the API drives. *gateway.Client
// satisfies it.
type Gateway interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, msgType string, data any) (bool, error)
	Request(ctx context.Context, msgType string, data any, replyType string, timeout time.Duration) (gateway.Envelope, error)
	SendChatMessage(ctx context.Context, channelID, content string) (bool, error)
	ReloadSkills(ctx context.Context) (bool, error)
	Subscribe(topic string) *bus.Subscription
	Unsubscribe(sub *bus.Subscription)
	IsConnected() bool
	Stats() gateway.Stats
}

// Options wires the server's collaborators. Process, Gateway, Store, Auth and
// Workspace are required.
type Options struct {
	Config    config.Config
	Process   Process
	Gateway   Gateway
	Store     *persistence.Store
	Auth      *auth.Service
	Workspace *workspace.Manager
	// Bus carries supervisor state changes to the status stream.
	Bus     *bus.Bus
	Metrics *otel.Metrics
	Tracer  trace.Tracer
	Logger  *slog.Logger
	// HTTPClient probes provider base URLs.
	HTTPClient  *http.Client
	GatewayWait time.Duration
	Version     string
}

type Server struct {
	process   Process
	gw        Gateway
	store     *persistence.Store
	auth      *auth.Service
	ws        *workspace.Manager
	bus       *bus.Bus
	metrics   *otel.Metrics
	tracer    trace.Tracer
	logger    *slog.Logger
	client    *http.Client
	gwWait    time.Duration
	version   string
	startedAt time.Time

	mu            sync.RWMutex
	authEnabled   bool
	keys          map[string]string
	cors          config.CORSConfig
	limitEnabled  bool
	limiter       *ratelimit.Limiter
	gatewayPort   int
	statusPoll    time.Duration
	chatHeartbeat time.Duration
}

func New(opts Options) (*Server, error) {
	switch {
	case opts.Process == nil:
		return nil, fmt.Errorf("api: process supervisor is required")
	case opts.Gateway == nil:
		return nil, fmt.Errorf("api: gateway client is required")
	case opts.Store == nil:
		return nil, fmt.Errorf("api: store is required")
	case opts.Auth == nil:
		return nil, fmt.Errorf("api: auth service is required")
	case opts.Workspace == nil:
		return nil, fmt.Errorf("api: workspace is required")
	}
	s := &Server{
		process:   opts.Process,
		gw:        opts.Gateway,
		store:     opts.Store,
		auth:      opts.Auth,
		ws:        opts.Workspace,
		bus:       opts.Bus,
		metrics:   opts.Metrics,
		tracer:    opts.Tracer,
		logger:    opts.Logger,
		client:    opts.HTTPClient,
		gwWait:    opts.GatewayWait,
		version:   opts.Version,
		startedAt: time.Now(),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.tracer == nil {
		s.tracer = otel.NoopTracer()
	}
	if s.client == nil {
		s.client = &http.Client{Timeout: 5 * time.Second}
	}
	if s.gwWait <= 0 {
		s.gwWait = defaultGatewayWait
	}
	cfg := opts.Config
	rl := cfg.RateLimit
	s.limiter = ratelimit.New(rl.RequestsPerMinute, time.Minute, rl.BurstSize)
	s.ApplyConfig(cfg)
	return s, nil
}

// ApplyConfig swaps the hot-reloadable settings: auth keys, CORS origins,
// rate-limit switch and stream intervals.
func (s *Server) ApplyConfig(cfg config.Config) {
	keys := make(map[string]string, len(cfg.Auth.Keys))
	for _, k := range cfg.Auth.Keys {
		if k.Key != "" {
			keys[k.Key] = k.Name
		}
	}
	poll := time.Duration(cfg.Stream.StatusPollSeconds) * time.Second
	if poll <= 0 {
		poll = 2 * time.Second
	}
	heartbeat := time.Duration(cfg.Stream.ChatHeartbeatSeconds) * time.Second
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	port := cfg.OpenClaw.GatewayPort
	if port <= 0 {
		port = config.DefaultGatewayPort
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.authEnabled = cfg.Auth.Enabled
	s.keys = keys
	s.cors = cfg.CORS
	s.limitEnabled = cfg.RateLimit.Enabled
	s.gatewayPort = port
	s.statusPoll = poll
	s.chatHeartbeat = heartbeat
}

// StartEviction drops idle rate-limit buckets until ctx ends.
func (s *Server) StartEviction(ctx context.Context) {
	s.limiter.StartEviction(ctx, 5*time.Minute, 10*time.Minute)
	s.auth.Limiter().StartEviction(ctx, 5*time.Minute, 30*time.Minute)
}

// lookupKey uses constant-time comparison against every configured key.
func (s *Server) lookupKey(candidate string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for k, name := range s.keys {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(k)) == 1 {
			return name, true
		}
	}
	return "", false
}

func (s *Server) settings() (authEnabled, limitEnabled bool, port int, poll, heartbeat time.Duration) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authEnabled, s.limitEnabled, s.gatewayPort, s.statusPoll, s.chatHeartbeat
}

// Handler builds the routed, wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.routes(mux)

	var h http.Handler = mux
	h = s.authMiddleware(h)
	h = s.rateLimitMiddleware(h)
	h = s.corsMiddleware(h)
	h = requestSizeLimit(maxRequestBody)(h)
	h = s.traceMiddleware(h)
	return h
}

func (s *Server) routes(mux *http.ServeMux) {
	s.handle(mux, "GET /healthz", s.handleHealthz)

	s.handle(mux, "POST /api/auth/login", s.handleLogin)
	s.handle(mux, "POST /api/auth/logout", s.handleLogout)
	s.handle(mux, "GET /api/auth/status", s.handleAuthStatus)
	s.handle(mux, "POST /api/auth/password", s.handleChangePassword)

	s.handle(mux, "GET /api/process/status", s.handleProcessStatus)
	s.handle(mux, "GET /api/process/metrics", s.handleProcessMetrics)
	s.handle(mux, "GET /api/process/metrics/history", s.handleMetricsHistory)
	s.handle(mux, "GET /api/process/test", s.handleTestConnection)
	s.handle(mux, "GET /api/process/diagnostics", s.handleDiagnostics)
	s.handle(mux, "POST /api/process/start", s.handleStart)
	s.handle(mux, "POST /api/process/stop", s.handleStop)
	s.handle(mux, "POST /api/process/restart", s.handleRestart)
	s.handle(mux, "GET /api/process/logs", s.handleLogs)
	s.handle(mux, "GET /api/process/systemd/status", s.handleSystemdStatus)
	s.handle(mux, "GET /api/process/systemd/available", s.handleSystemdAvailable)
	s.handle(mux, "POST /api/process/systemd/enable", s.handleSystemdEnable)
	s.handle(mux, "POST /api/process/systemd/disable", s.handleSystemdDisable)

	s.handle(mux, "GET /api/status", s.handleStatus)
	s.handle(mux, "GET /api/status/stream", s.handleStatusStream)

	s.handle(mux, "GET /api/logs", s.handleLogs)
	s.handle(mux, "GET /api/logs/stream", s.handleLogStream)

	s.handle(mux, "GET /api/chat/channels", s.handleChatChannels)
	s.handle(mux, "GET /api/chat/messages/{channelId}", s.handleChatMessages)
	s.handle(mux, "POST /api/chat/messages/{channelId}", s.handleChatSend)
	s.handle(mux, "DELETE /api/chat/messages/{channelId}/{messageId}", s.handleChatDelete)
	s.handle(mux, "GET /api/chat/stream/{channelId}", s.handleChatStream)
	s.handle(mux, "GET /api/chat/gateway/status", s.handleGatewayStatus)
	s.handle(mux, "POST /api/chat/gateway/reconnect", s.handleGatewayReconnect)

	s.handle(mux, "GET /api/config", s.handleGetConfig)
	s.handle(mux, "PUT /api/config", s.handlePutConfig)
	s.handle(mux, "PATCH /api/config/{section}", s.handlePatchConfig)
	s.handle(mux, "POST /api/config/validate", s.handleValidateConfig)
	s.handle(mux, "POST /api/config/backup", s.handleBackup)
	s.handle(mux, "GET /api/config/backups", s.handleListBackups)
	s.handle(mux, "POST /api/config/restore/{name}", s.handleRestore)
	s.handle(mux, "GET /api/config/env", s.handleGetEnv)
	s.handle(mux, "PUT /api/config/env/{key}", s.handlePutEnv)

	s.handle(mux, "GET /api/skills", s.handleListSkills)
	s.handle(mux, "GET /api/skills/{name}", s.handleGetSkill)
	s.handle(mux, "PUT /api/skills/{name}", s.handleUpdateSkill)
	s.handle(mux, "POST /api/skills/reload", s.handleReloadSkills)

	s.handle(mux, "GET /api/providers", s.handleListProviders)
	s.handle(mux, "GET /api/providers/types", s.handleProviderTypes)
	s.handle(mux, "GET /api/providers/{id}", s.handleGetProvider)
	s.handle(mux, "POST /api/providers", s.handleCreateProvider)
	s.handle(mux, "PUT /api/providers/{id}", s.handleUpdateProvider)
	s.handle(mux, "DELETE /api/providers/{id}", s.handleDeleteProvider)
	s.handle(mux, "POST /api/providers/{id}/test", s.handleTestProvider)

	s.handle(mux, "GET /api/channels", s.handleListChannels)
	s.handle(mux, "GET /api/channels/types", s.handleChannelTypes)
	s.handle(mux, "GET /api/channels/{id}", s.handleGetChannel)
	s.handle(mux, "POST /api/channels", s.handleCreateChannel)
	s.handle(mux, "PUT /api/channels/{id}", s.handleUpdateChannel)
	s.handle(mux, "DELETE /api/channels/{id}", s.handleDeleteChannel)
	s.handle(mux, "POST /api/channels/{id}/enable", s.handleEnableChannel)
	s.handle(mux, "POST /api/channels/{id}/disable", s.handleDisableChannel)

	s.handle(mux, "GET /api/system/info", s.handleSystemInfo)
	s.handle(mux, "GET /api/system/metrics", s.handleSystemMetrics)
	s.handle(mux, "GET /api/system/network", s.handleSystemNetwork)
	s.handle(mux, "GET /api/system/health", s.handleSystemHealth)
	s.handle(mux, "GET /api/system/paths", s.handlePaths)

	s.handle(mux, "GET /api/audit", s.handleAudit)
}

// handle registers fn and records its latency under the route pattern.
func (s *Server) handle(mux *http.ServeMux, pattern string, fn http.HandlerFunc) {
	mux.Handle(pattern, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		fn(w, r)
		s.metrics.ObserveRequest(r.Context(), pattern, time.Since(start).Seconds())
	}))
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := s.store.Ping(r.Context()) == nil
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"healthy":          dbOK,
		"db_ok":            dbOK,
		"gatewayConnected": s.gw.IsConnected(),
		"version":          s.version,
	})
}

// errGatewayDown is returned by chat mutations while the socket is closed.
var errGatewayDown = errors.New("Gateway not connected")
