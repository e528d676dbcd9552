package workspace

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	ManifestFile  = "manifest.json"
	noManifestMsg = "No manifest found"
)

var ErrSkillNotFound = errors.New("skill not found")

// Skill is a directory under skills/ plus whatever its manifest declares.
type Skill struct {
	Name        string         `json:"name"`
	Path        string         `json:"path"`
	Description string         `json:"description"`
	Version     string         `json:"version,omitempty"`
	Enabled     bool           `json:"enabled"`
	HasManifest bool           `json:"hasManifest"`
	Manifest    map[string]any `json:"manifest,omitempty"`
}

func (m *Manager) ListSkills() ([]Skill, error) {
	root := m.Paths().SkillsPath
	entries, err := os.ReadDir(root)
	if errors.Is(err, os.ErrNotExist) {
		return []Skill{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list skills: %w", err)
	}
	out := []Skill{}
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		out = append(out, readSkill(filepath.Join(root, e.Name())))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Manager) Skill(name string) (Skill, error) {
	dir, err := m.skillDir(name)
	if err != nil {
		return Skill{}, err
	}
	return readSkill(dir), nil
}

func (m *Manager) skillDir(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("%w: %q", ErrSkillNotFound, name)
	}
	dir := filepath.Join(m.Paths().SkillsPath, name)
	fi, err := os.Stat(dir)
	if err != nil || !fi.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrSkillNotFound, name)
	}
	return dir, nil
}

func readSkill(dir string) Skill {
	s := Skill{
		Name:        filepath.Base(dir),
		Path:        dir,
		Description: noManifestMsg,
		Enabled:     true,
	}
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return s
	}
	var manifest map[string]any
	if err := json.Unmarshal(data, &manifest); err != nil {
		return s
	}
	s.HasManifest = true
	s.Manifest = manifest
	if d, ok := manifest["description"].(string); ok {
		s.Description = d
	} else {
		s.Description = ""
	}
	if v, ok := manifest["version"].(string); ok {
		s.Version = v
	}
	if en, ok := manifest["enabled"].(bool); ok {
		s.Enabled = en
	}
	return s
}

// SetSkillEnabled writes enabled into the skill's manifest, creating the
// manifest when the skill has none.
func (m *Manager) SetSkillEnabled(name string, enabled bool) (Skill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dir, err := m.skillDir(name)
	if err != nil {
		return Skill{}, err
	}
	current := readSkill(dir)
	manifest := current.Manifest
	if manifest == nil {
		manifest = map[string]any{"name": name}
	}
	manifest["enabled"] = enabled
	out, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return Skill{}, fmt.Errorf("encode manifest: %w", err)
	}
	if err := atomicWrite(filepath.Join(dir, ManifestFile), append(out, '\n'), 0o644); err != nil {
		return Skill{}, err
	}
	return readSkill(dir), nil
}
