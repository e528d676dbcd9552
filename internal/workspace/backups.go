package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

var (
	ErrInvalidBackupName = errors.New("invalid backup name")
	ErrBackupNotFound    = errors.New("backup not found")
)

// backupStamp sorts lexically in time order.
const backupStamp = "2006-01-02T15-04-05-000Z"

type Backup struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	Created string `json:"created"`
}

// CreateBackup copies config.yaml into backups/ and keeps the newest
// MaxBackups. It returns "" when there is no config to back up.
func (m *Manager) CreateBackup() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createBackupLocked()
}

func (m *Manager) createBackupLocked() (string, error) {
	p := m.Paths()
	content, err := os.ReadFile(p.ConfigPath)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read config for backup: %w", err)
	}
	if err := os.MkdirAll(p.BackupsPath, 0o755); err != nil {
		return "", fmt.Errorf("create backups dir: %w", err)
	}

	ts := m.now().UTC()
	var path string
	for {
		path = filepath.Join(p.BackupsPath, "config."+ts.Format(backupStamp)+".yaml")
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			break
		}
		ts = ts.Add(time.Millisecond)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return "", fmt.Errorf("write backup: %w", err)
	}

	names, err := m.backupNames()
	if err != nil {
		return path, err
	}
	for _, old := range names[min(len(names), MaxBackups):] {
		_ = os.Remove(filepath.Join(p.BackupsPath, old))
	}
	return path, nil
}

// backupNames returns backup file names, newest first.
func (m *Manager) backupNames() ([]string, error) {
	entries, err := os.ReadDir(m.Paths().BackupsPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !isBackupName(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	return names, nil
}

func isBackupName(name string) bool {
	return strings.HasPrefix(name, "config.") && strings.HasSuffix(name, ".yaml")
}

func (m *Manager) ListBackups() ([]Backup, error) {
	names, err := m.backupNames()
	if err != nil {
		return nil, err
	}
	out := make([]Backup, 0, len(names))
	for _, n := range names {
		out = append(out, Backup{
			Name:    n,
			Path:    filepath.Join(m.Paths().BackupsPath, n),
			Created: strings.TrimSuffix(strings.TrimPrefix(n, "config."), ".yaml"),
		})
	}
	return out, nil
}

// RestoreBackup backs up the current config, then writes the named backup
// over it and returns the restored document.
func (m *Manager) RestoreBackup(name string) (map[string]any, error) {
	if name == "" || name != filepath.Base(name) || strings.Contains(name, "..") || !isBackupName(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidBackupName, name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	content, err := os.ReadFile(filepath.Join(m.Paths().BackupsPath, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrBackupNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("read backup: %w", err)
	}
	cfg, err := decodeYAML(content)
	if err != nil {
		return nil, err
	}
	if _, err := m.createBackupLocked(); err != nil {
		return nil, err
	}
	if err := atomicWrite(m.Paths().ConfigPath, content, 0o644); err != nil {
		return nil, err
	}
	return cfg, nil
}
