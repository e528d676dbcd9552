package config

import (
	"fmt"
	"hash/fnv"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/basket/clawdash/internal/otel"
)

// DefaultGatewayPort is the port the assistant's control socket listens on.
const DefaultGatewayPort = 18789

// OpenClawConfig locates the supervised assistant and its gateway socket.
type OpenClawConfig struct {
	// Dir is the assistant's working directory (bundle layout, config.yaml, logs/).
	Dir         string `yaml:"dir"`
	GatewayHost string `yaml:"gateway_host"`
	GatewayPort int    `yaml:"gateway_port"`

	StartGraceSeconds int `yaml:"start_grace_seconds"`
	StopGraceSeconds  int `yaml:"stop_grace_seconds"`
	// AutoConnect dials the gateway on dashboard startup.
	AutoConnect bool `yaml:"auto_connect"`
}

// APIKeyEntry is a static API token accepted in place of a session cookie.
type APIKeyEntry struct {
	Key  string `yaml:"key"`
	Name string `yaml:"name"`
}

type AuthConfig struct {
	// Enabled gates every /api route behind a session or API key.
	Enabled         bool          `yaml:"enabled"`
	Keys            []APIKeyEntry `yaml:"keys"`
	SessionTTLHours int           `yaml:"session_ttl_hours"`
	SecureCookies   bool          `yaml:"secure_cookies"`
}

type RateLimitConfig struct {
	Enabled            bool `yaml:"enabled"`
	RequestsPerMinute  int  `yaml:"requests_per_minute"`
	BurstSize          int  `yaml:"burst_size"`
	LoginAttempts      int  `yaml:"login_attempts"`
	LoginWindowMinutes int  `yaml:"login_window_minutes"`
}

type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

type StreamConfig struct {
	StatusPollSeconds    int `yaml:"status_poll_seconds"`
	ChatHeartbeatSeconds int `yaml:"chat_heartbeat_seconds"`
}

// SamplerConfig controls periodic process metric recording.
type SamplerConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Schedule       string `yaml:"schedule"`
	RetentionHours int    `yaml:"retention_hours"`
	// AuditRetentionDays bounds the audit_log table; 0 keeps rows forever.
	AuditRetentionDays int `yaml:"audit_retention_days"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	OpenClaw  OpenClawConfig  `yaml:"openclaw"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	CORS      CORSConfig      `yaml:"cors"`
	Stream    StreamConfig    `yaml:"stream"`
	Sampler   SamplerConfig   `yaml:"sampler"`
	OTel      otel.Config     `yaml:"otel"`

	// FirstRun is set when no config.yaml existed at load time.
	FirstRun bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// DatabasePath returns the dashboard's SQLite path.
func (c Config) DatabasePath() string {
	return filepath.Join(c.HomeDir, "data", "clawdash.db")
}

// GatewayURL returns the ws:// URL of the assistant's control socket.
func (c Config) GatewayURL() string {
	return "ws://" + net.JoinHostPort(c.OpenClaw.GatewayHost, strconv.Itoa(c.OpenClaw.GatewayPort))
}

// DashboardURL returns the base http:// URL CLI subcommands use to reach a running server.
func (c Config) DashboardURL() string {
	addr := c.BindAddr
	host, port, err := net.SplitHostPort(addr)
	if err == nil && (host == "" || host == "0.0.0.0" || host == "::") {
		addr = net.JoinHostPort("127.0.0.1", port)
	}
	return "http://" + addr
}

// APIToken returns the first configured API key, used by CLI subcommands.
func (c Config) APIToken() string {
	if len(c.Auth.Keys) == 0 {
		return ""
	}
	return c.Auth.Keys[0].Key
}

// Fingerprint returns a stable hash of the reload-relevant config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|dir=%s|gw=%s:%d|auth=%t/%d|origins=%v|sampler=%s",
		c.BindAddr, c.LogLevel, c.OpenClaw.Dir, c.OpenClaw.GatewayHost, c.OpenClaw.GatewayPort,
		c.Auth.Enabled, len(c.Auth.Keys), c.CORS.AllowedOrigins, c.Sampler.Schedule)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr: "127.0.0.1:3000",
		LogLevel: "info",
		OpenClaw: OpenClawConfig{
			Dir:               defaultOpenClawDir(),
			GatewayHost:       "localhost",
			GatewayPort:       DefaultGatewayPort,
			StartGraceSeconds: 3,
			StopGraceSeconds:  5,
			AutoConnect:       true,
		},
		Auth: AuthConfig{
			Enabled:         true,
			SessionTTLHours: 24,
		},
		RateLimit: RateLimitConfig{
			Enabled:            true,
			RequestsPerMinute:  100,
			BurstSize:          20,
			LoginAttempts:      5,
			LoginWindowMinutes: 15,
		},
		Stream: StreamConfig{
			StatusPollSeconds:    2,
			ChatHeartbeatSeconds: 30,
		},
		Sampler: SamplerConfig{
			Enabled:            true,
			Schedule:           "@every 1m",
			RetentionHours:     24,
			AuditRetentionDays: 90,
		},
		OTel: otel.Config{
			Exporter:    "none",
			ServiceName: "clawdash",
		},
	}
}

func defaultOpenClawDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "/root"
	}
	return filepath.Join(home, ".openclaw")
}

// HomeDir returns the dashboard's own state directory.
func HomeDir() string {
	if override := os.Getenv("CLAWDASH_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".clawdash")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create clawdash home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.FirstRun = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// WriteDefault writes the default config to <home>/config.yaml if none exists.
func WriteDefault(homeDir string) error {
	path := ConfigPath(homeDir)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	cfg := defaultConfig()
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, out, 0o644)
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:3000"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if strings.TrimSpace(cfg.OpenClaw.Dir) == "" {
		cfg.OpenClaw.Dir = defaultOpenClawDir()
	}
	if strings.HasPrefix(cfg.OpenClaw.Dir, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.OpenClaw.Dir = filepath.Join(home, cfg.OpenClaw.Dir[2:])
		}
	}
	if cfg.OpenClaw.GatewayHost == "" {
		cfg.OpenClaw.GatewayHost = "localhost"
	}
	if cfg.OpenClaw.GatewayPort == 0 {
		cfg.OpenClaw.GatewayPort = DefaultGatewayPort
	}
	if cfg.OpenClaw.StartGraceSeconds <= 0 {
		cfg.OpenClaw.StartGraceSeconds = 3
	}
	if cfg.OpenClaw.StopGraceSeconds <= 0 {
		cfg.OpenClaw.StopGraceSeconds = 5
	}
	if cfg.Auth.SessionTTLHours <= 0 {
		cfg.Auth.SessionTTLHours = 24
	}
	if cfg.RateLimit.LoginAttempts <= 0 {
		cfg.RateLimit.LoginAttempts = 5
	}
	if cfg.RateLimit.LoginWindowMinutes <= 0 {
		cfg.RateLimit.LoginWindowMinutes = 15
	}
	if cfg.Stream.StatusPollSeconds <= 0 {
		cfg.Stream.StatusPollSeconds = 2
	}
	if cfg.Stream.ChatHeartbeatSeconds <= 0 {
		cfg.Stream.ChatHeartbeatSeconds = 30
	}
	if strings.TrimSpace(cfg.Sampler.Schedule) == "" {
		cfg.Sampler.Schedule = "@every 1m"
	}
	if cfg.Sampler.RetentionHours <= 0 {
		cfg.Sampler.RetentionHours = 24
	}
	if len(cfg.CORS.AllowedOrigins) > 0 {
		cfg.CORS.Enabled = true
	}
}

func validate(cfg Config) error {
	if cfg.OpenClaw.GatewayPort < 1 || cfg.OpenClaw.GatewayPort > 65535 {
		return fmt.Errorf("openclaw.gateway_port %d out of range", cfg.OpenClaw.GatewayPort)
	}
	if _, _, err := net.SplitHostPort(cfg.BindAddr); err != nil {
		return fmt.Errorf("bind_addr %q: %w", cfg.BindAddr, err)
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log_level %q must be one of debug, info, warn, error", cfg.LogLevel)
	}
	for i, k := range cfg.Auth.Keys {
		if strings.TrimSpace(k.Key) == "" {
			return fmt.Errorf("auth.keys[%d]: key must not be empty", i)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("CLAWDASH_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	} else if raw := os.Getenv("PORT"); raw != "" {
		if _, err := strconv.Atoi(raw); err == nil {
			cfg.BindAddr = net.JoinHostPort("0.0.0.0", raw)
		}
	}
	if raw := os.Getenv("CLAWDASH_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("OPENCLAW_PATH"); raw != "" {
		cfg.OpenClaw.Dir = raw
	}
	if raw := os.Getenv("OPENCLAW_GATEWAY_HOST"); raw != "" {
		cfg.OpenClaw.GatewayHost = raw
	}
	if raw := os.Getenv("OPENCLAW_GATEWAY_PORT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.OpenClaw.GatewayPort = v
		}
	}
	if raw := os.Getenv("CLAWDASH_API_TOKEN"); raw != "" {
		cfg.Auth.Keys = append([]APIKeyEntry{{Key: raw, Name: "env"}}, cfg.Auth.Keys...)
	}
	if raw := os.Getenv("CLAWDASH_ALLOW_ORIGINS"); raw != "" {
		var origins []string
		for _, o := range strings.Split(raw, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		cfg.CORS.AllowedOrigins = origins
	}
	if raw := os.Getenv("CLAWDASH_OTEL_EXPORTER"); raw != "" {
		cfg.OTel.Exporter = raw
		cfg.OTel.Enabled = raw != "none"
	}
}
