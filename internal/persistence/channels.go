package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Channel is a messaging-channel record (telegram, zalo, whatsapp).
type Channel struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Type      string         `json:"type"`
	Enabled   bool           `json:"enabled"`
	Config    map[string]any `json:"config,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

type ChannelUpdate struct {
	Name    *string
	Enabled *bool
	Config  map[string]any
}

const channelColumns = `id, name, type, enabled, config, created_at, updated_at`

func scanChannel(scan func(dest ...any) error) (Channel, error) {
	var (
		c       Channel
		enabled int
		cfg     sql.NullString
	)
	if err := scan(&c.ID, &c.Name, &c.Type, &enabled, &cfg, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return Channel{}, err
	}
	c.Enabled = enabled == 1
	c.Config = decodeConfig(cfg)
	return c, nil
}

func (s *Store) CreateChannel(ctx context.Context, c Channel) (Channel, error) {
	if strings.TrimSpace(c.Name) == "" {
		return Channel{}, fmt.Errorf("channel name required")
	}
	cfg, err := encodeConfig(c.Config)
	if err != nil {
		return Channel{}, err
	}
	c.ID = uuid.NewString()
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	err = retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO channels (id, name, type, enabled, config, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, c.ID, c.Name, c.Type, boolInt(c.Enabled), cfg, now, now)
		return err
	})
	if err != nil {
		return Channel{}, fmt.Errorf("insert channel: %w", err)
	}
	return c, nil
}

func (s *Store) GetChannel(ctx context.Context, id string) (Channel, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+channelColumns+` FROM channels WHERE id = ?;`, id)
	c, err := scanChannel(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Channel{}, fmt.Errorf("channel %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Channel{}, fmt.Errorf("get channel: %w", err)
	}
	return c, nil
}

func (s *Store) ListChannels(ctx context.Context) ([]Channel, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+channelColumns+` FROM channels ORDER BY created_at DESC;`)
	if err != nil {
		return nil, fmt.Errorf("query channels: %w", err)
	}
	defer rows.Close()

	out := []Channel{}
	for rows.Next() {
		c, err := scanChannel(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("channels rows: %w", err)
	}
	return out, nil
}

func (s *Store) UpdateChannel(ctx context.Context, id string, u ChannelUpdate) (Channel, error) {
	var (
		sets []string
		args []any
	)
	if u.Name != nil && *u.Name != "" {
		sets = append(sets, "name = ?")
		args = append(args, *u.Name)
	}
	if u.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolInt(*u.Enabled))
	}
	if u.Config != nil {
		cfg, err := encodeConfig(u.Config)
		if err != nil {
			return Channel{}, err
		}
		sets = append(sets, "config = ?")
		args = append(args, cfg)
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), id)

	res, err := s.db.ExecContext(ctx, `UPDATE channels SET `+strings.Join(sets, ", ")+` WHERE id = ?;`, args...)
	if err != nil {
		return Channel{}, fmt.Errorf("update channel: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Channel{}, fmt.Errorf("channel %s: %w", id, ErrNotFound)
	}
	return s.GetChannel(ctx, id)
}

func (s *Store) SetChannelEnabled(ctx context.Context, id string, enabled bool) error {
	_, err := s.UpdateChannel(ctx, id, ChannelUpdate{Enabled: &enabled})
	return err
}

func (s *Store) DeleteChannel(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM channels WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("delete channel: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("channel %s: %w", id, ErrNotFound)
	}
	return nil
}
