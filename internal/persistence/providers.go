package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Provider is an AI-model provider record. APIKey is never serialized;
// list responses carry MaskedKey instead.
type Provider struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Type      string         `json:"type"`
	BaseURL   string         `json:"baseUrl,omitempty"`
	Model     string         `json:"model,omitempty"`
	APIKey    string         `json:"-"`
	MaskedKey string         `json:"apiKey,omitempty"`
	HasAPIKey bool           `json:"hasApiKey"`
	Enabled   bool           `json:"enabled"`
	Config    map[string]any `json:"config,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// ProviderUpdate carries optional fields; nil means unchanged.
type ProviderUpdate struct {
	Name    *string
	Type    *string
	BaseURL *string
	Model   *string
	APIKey  *string
	Enabled *bool
	Config  map[string]any
}

// MaskKey keeps the last four characters of a secret.
func MaskKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 4 {
		return "***"
	}
	return "***" + key[len(key)-4:]
}

func encodeConfig(cfg map[string]any) (sql.NullString, error) {
	if cfg == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode config: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeConfig(raw sql.NullString) map[string]any {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var cfg map[string]any
	if err := json.Unmarshal([]byte(raw.String), &cfg); err != nil {
		return nil
	}
	return cfg
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

const providerColumns = `id, name, type, COALESCE(base_url, ''), COALESCE(model, ''), COALESCE(api_key, ''), enabled, config, created_at, updated_at`

func scanProvider(scan func(dest ...any) error) (Provider, error) {
	var (
		p       Provider
		enabled int
		cfg     sql.NullString
	)
	if err := scan(&p.ID, &p.Name, &p.Type, &p.BaseURL, &p.Model, &p.APIKey, &enabled, &cfg, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return Provider{}, err
	}
	p.Enabled = enabled == 1
	p.Config = decodeConfig(cfg)
	p.HasAPIKey = p.APIKey != ""
	p.MaskedKey = MaskKey(p.APIKey)
	return p, nil
}

func (s *Store) CreateProvider(ctx context.Context, p Provider) (Provider, error) {
	if strings.TrimSpace(p.Name) == "" {
		return Provider{}, fmt.Errorf("provider name required")
	}
	cfg, err := encodeConfig(p.Config)
	if err != nil {
		return Provider{}, err
	}
	p.ID = uuid.NewString()
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	err = retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO providers (id, name, type, base_url, model, api_key, enabled, config, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, p.ID, p.Name, p.Type, nullString(p.BaseURL), nullString(p.Model), nullString(p.APIKey), boolInt(p.Enabled), cfg, now, now)
		return err
	})
	if isUniqueViolation(err) {
		return Provider{}, fmt.Errorf("provider %q: %w", p.Name, ErrConflict)
	}
	if err != nil {
		return Provider{}, fmt.Errorf("insert provider: %w", err)
	}
	p.HasAPIKey = p.APIKey != ""
	p.MaskedKey = MaskKey(p.APIKey)
	return p, nil
}

// GetProvider returns the full record, including the API key.
func (s *Store) GetProvider(ctx context.Context, id string) (Provider, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+providerColumns+` FROM providers WHERE id = ?;`, id)
	p, err := scanProvider(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Provider{}, fmt.Errorf("provider %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Provider{}, fmt.Errorf("get provider: %w", err)
	}
	return p, nil
}

// ListProviders returns newest first with API keys removed.
func (s *Store) ListProviders(ctx context.Context) ([]Provider, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+providerColumns+` FROM providers ORDER BY created_at DESC;`)
	if err != nil {
		return nil, fmt.Errorf("query providers: %w", err)
	}
	defer rows.Close()

	out := []Provider{}
	for rows.Next() {
		p, err := scanProvider(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan provider: %w", err)
		}
		p.APIKey = ""
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("providers rows: %w", err)
	}
	return out, nil
}

func (s *Store) UpdateProvider(ctx context.Context, id string, u ProviderUpdate) (Provider, error) {
	var (
		sets []string
		args []any
	)
	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if u.Name != nil && *u.Name != "" {
		add("name", *u.Name)
	}
	if u.Type != nil && *u.Type != "" {
		add("type", *u.Type)
	}
	if u.BaseURL != nil {
		add("base_url", nullString(*u.BaseURL))
	}
	if u.Model != nil {
		add("model", nullString(*u.Model))
	}
	if u.APIKey != nil && *u.APIKey != "" {
		add("api_key", *u.APIKey)
	}
	if u.Enabled != nil {
		add("enabled", boolInt(*u.Enabled))
	}
	if u.Config != nil {
		cfg, err := encodeConfig(u.Config)
		if err != nil {
			return Provider{}, err
		}
		add("config", cfg)
	}
	add("updated_at", time.Now().UTC())
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, `UPDATE providers SET `+strings.Join(sets, ", ")+` WHERE id = ?;`, args...)
	if isUniqueViolation(err) {
		return Provider{}, fmt.Errorf("provider name: %w", ErrConflict)
	}
	if err != nil {
		return Provider{}, fmt.Errorf("update provider: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Provider{}, fmt.Errorf("provider %s: %w", id, ErrNotFound)
	}
	return s.GetProvider(ctx, id)
}

func (s *Store) SetProviderEnabled(ctx context.Context, id string, enabled bool) error {
	_, err := s.UpdateProvider(ctx, id, ProviderUpdate{Enabled: &enabled})
	return err
}

func (s *Store) DeleteProvider(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM providers WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("delete provider: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("provider %s: %w", id, ErrNotFound)
	}
	return nil
}
