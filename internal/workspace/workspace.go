// Package workspace reads and writes the assistant's own files under its
// directory: config.yaml, .env, config backups and skill manifests.
package workspace

import (
	"bytes"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/clawdash/internal/schema"
)

const (
	ConfigFile = "config.yaml"
	EnvFile    = ".env"
	MaxBackups = 10
)

// Paths mirrors the directory layout the assistant expects.
type Paths struct {
	OpenClawPath string `json:"openclawPath"`
	ConfigPath   string `json:"configPath"`
	EnvPath      string `json:"envPath"`
	SkillsPath   string `json:"skillsPath"`
	DataPath     string `json:"dataPath"`
	LogsPath     string `json:"logsPath"`
	BackupsPath  string `json:"backupsPath"`
}

// Validation is the result shape returned to API callers.
type Validation struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}

// Manager serializes writes so a backup and the write it precedes are not
// interleaved with another writer.
type Manager struct {
	dir string
	now func() time.Time
	mu  sync.Mutex
}

func New(dir string) *Manager {
	return &Manager{dir: dir, now: time.Now}
}

func (m *Manager) Paths() Paths {
	return Paths{
		OpenClawPath: m.dir,
		ConfigPath:   filepath.Join(m.dir, ConfigFile),
		EnvPath:      filepath.Join(m.dir, EnvFile),
		SkillsPath:   filepath.Join(m.dir, "skills"),
		DataPath:     filepath.Join(m.dir, "data"),
		LogsPath:     filepath.Join(m.dir, "logs"),
		BackupsPath:  filepath.Join(m.dir, "backups"),
	}
}

// ReadConfig returns nil, nil when config.yaml does not exist.
func (m *Manager) ReadConfig() (map[string]any, error) {
	data, err := os.ReadFile(m.Paths().ConfigPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return decodeYAML(data)
}

func decodeYAML(data []byte) (map[string]any, error) {
	cfg := map[string]any{}
	if len(bytes.TrimSpace(data)) == 0 {
		return cfg, nil
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func encodeYAML(cfg map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteConfig backs up the current file, then replaces it atomically.
func (m *Manager) WriteConfig(cfg map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeConfigLocked(cfg)
}

func (m *Manager) writeConfigLocked(cfg map[string]any) error {
	if _, err := m.createBackupLocked(); err != nil {
		return err
	}
	out, err := encodeYAML(cfg)
	if err != nil {
		return err
	}
	return atomicWrite(m.Paths().ConfigPath, out, 0o644)
}

func atomicWrite(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

// UpdateSection shallow-merges updates into cfg[section] and writes the
// result. A non-map section is replaced.
func (m *Manager) UpdateSection(section string, updates map[string]any) (map[string]any, error) {
	if section == "" {
		return nil, fmt.Errorf("section name required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, err := m.ReadConfig()
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = map[string]any{}
	}
	merged := map[string]any{}
	if existing, ok := cfg[section].(map[string]any); ok {
		maps.Copy(merged, existing)
	}
	maps.Copy(merged, updates)
	cfg[section] = merged
	if err := m.writeConfigLocked(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

var configSchema = schema.MustCompile("openclaw-config.json", `{
  "type": "object",
  "properties": {
    "server": {
      "type": "object",
      "properties": {
        "host": {"type": "string"},
        "port": {"type": "integer", "minimum": 1, "maximum": 65535},
        "logLevel": {"enum": ["debug", "info", "warn", "error"]}
      }
    },
    "providers": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "name", "type"],
        "properties": {
          "id": {"type": "string", "pattern": "^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$"},
          "name": {"type": "string", "minLength": 1, "maxLength": 100},
          "type": {"enum": ["anthropic", "openai", "google", "openrouter", "moonshot", "siliconflow", "ollama", "custom"]},
          "baseUrl": {"type": "string", "pattern": "^https?://"},
          "model": {"type": "string"},
          "apiKey": {"type": "string"},
          "enabled": {"type": "boolean"},
          "config": {"type": "object"}
        }
      }
    },
    "channels": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "name", "type", "config"],
        "properties": {
          "id": {"type": "string", "pattern": "^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$"},
          "name": {"type": "string", "minLength": 1, "maxLength": 100},
          "type": {"enum": ["telegram", "zalo", "whatsapp"]},
          "enabled": {"type": "boolean"},
          "config": {"type": "object"}
        }
      }
    },
    "skills": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "enabled": {"type": "boolean"},
          "config": {"type": "object"}
        }
      }
    },
    "settings": {"type": "object"}
  }
}`)

// Validate checks cfg against the assistant's config shape. A nil config is
// valid (nothing written yet).
func Validate(cfg map[string]any) Validation {
	if cfg == nil {
		return Validation{Valid: true, Errors: []string{}}
	}
	issues := configSchema.Validate(cfg)
	if len(issues) == 0 {
		return Validation{Valid: true, Errors: []string{}}
	}
	return Validation{Valid: false, Errors: schema.Strings(issues)}
}
