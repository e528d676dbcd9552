package workspace

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/basket/clawdash/internal/schema"
	"github.com/basket/clawdash/internal/shared"
)

// MaskedValue replaces secret env values in API responses.
const MaskedValue = "••••••••"

var ErrInvalidEnv = errors.New("invalid env entry")

var envKeyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ReadEnv parses KEY=VALUE lines. A missing file yields an empty map.
func (m *Manager) ReadEnv() (map[string]string, error) {
	data, err := os.ReadFile(m.Paths().EnvPath)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read env: %w", err)
	}
	return parseEnv(data), nil
}

func parseEnv(data []byte) map[string]string {
	env := map[string]string{}
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(strings.TrimSpace(line), "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		env[key] = strings.TrimSpace(value)
	}
	return env
}

// WriteEnv rewrites .env with keys in sorted order.
func (m *Manager) WriteEnv(env map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeEnvLocked(env)
}

func (m *Manager) writeEnvLocked(env map[string]string) error {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var buf bytes.Buffer
	for _, k := range keys {
		fmt.Fprintf(&buf, "%s=%s\n", k, env[k])
	}
	return atomicWrite(m.Paths().EnvPath, buf.Bytes(), 0o600)
}

// UpdateEnv sets one variable, keeping the others.
func (m *Manager) UpdateEnv(key, value string) error {
	if !envKeyPattern.MatchString(key) {
		return fmt.Errorf("%w: key %q", ErrInvalidEnv, key)
	}
	if strings.ContainsAny(value, "\r\n") {
		return fmt.Errorf("%w: value for %s must be a single line", ErrInvalidEnv, key)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	env, err := m.ReadEnv()
	if err != nil {
		return err
	}
	env[key] = value
	return m.writeEnvLocked(env)
}

var envSchema = schema.MustCompile("openclaw-env.json", `{
  "type": "object",
  "properties": {
    "OPENCLAW_GATEWAY_PORT": {"type": "string", "pattern": "^[0-9]+$"},
    "ZALO_WEBHOOK_URL": {"type": "string", "pattern": "^https?://[^\\s]+$"},
    "OLLAMA_BASE_URL": {"type": "string", "pattern": "^https?://[^\\s]+$"}
  },
  "additionalProperties": {"type": "string"}
}`)

// ValidateEnv checks the known keys; unknown keys pass through.
func ValidateEnv(env map[string]string) Validation {
	issues := envSchema.Validate(env)
	if len(issues) == 0 {
		return Validation{Valid: true, Errors: []string{}}
	}
	return Validation{Valid: false, Errors: schema.Strings(issues)}
}

// IsSensitiveEnvKey reports keys whose values are masked in listings.
func IsSensitiveEnvKey(key string) bool {
	upper := strings.ToUpper(key)
	if strings.Contains(upper, "KEY") || strings.Contains(upper, "SECRET") ||
		strings.Contains(upper, "PASSWORD") || strings.Contains(upper, "TOKEN") {
		return true
	}
	return shared.IsSecretKey(key)
}

// MaskEnv returns a copy with sensitive non-empty values masked.
func MaskEnv(env map[string]string) map[string]string {
	out := make(map[string]string, len(env))
	for k, v := range env {
		if v != "" && IsSensitiveEnvKey(k) {
			v = MaskedValue
		}
		out[k] = v
	}
	return out
}
