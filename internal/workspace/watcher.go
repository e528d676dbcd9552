package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const skillsDebounce = 150 * time.Millisecond

// SkillsWatcher emits one event per burst of changes to skill directories
// or their manifests. It watches the skills root and its immediate children.
type SkillsWatcher struct {
	dir    string
	logger *slog.Logger
	events chan struct{}
}

func (m *Manager) NewSkillsWatcher(logger *slog.Logger) *SkillsWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &SkillsWatcher{
		dir:    m.Paths().SkillsPath,
		logger: logger,
		events: make(chan struct{}, 1),
	}
}

func (w *SkillsWatcher) Events() <-chan struct{} {
	return w.events
}

// Start returns an error when the skills directory cannot be watched; a
// missing directory is created first.
func (w *SkillsWatcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("create skills dir: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new watcher: %w", err)
	}
	if err := fsw.Add(w.dir); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	if entries, err := os.ReadDir(w.dir); err == nil {
		for _, e := range entries {
			if e.IsDir() {
				_ = fsw.Add(filepath.Join(w.dir, e.Name()))
			}
		}
	}

	go func() {
		defer func() {
			_ = fsw.Close()
			close(w.events)
		}()

		// Debounce bursts of events.
		var pending bool
		var timer *time.Timer
		var timerC <-chan time.Time
		flush := func() {
			if !pending {
				return
			}
			pending = false
			select {
			case w.events <- struct{}{}:
			default:
			}
		}

		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}

				relevant := filepath.Base(ev.Name) == ManifestFile
				if ev.Op&fsnotify.Create != 0 {
					if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
						_ = fsw.Add(ev.Name)
						relevant = true
					}
				}
				// A removed or renamed skill directory sits directly under the root.
				if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 && filepath.Dir(ev.Name) == filepath.Clean(w.dir) {
					relevant = true
				}
				if !relevant {
					continue
				}

				pending = true
				if timer == nil {
					timer = time.NewTimer(skillsDebounce)
				} else {
					if !timer.Stop() {
						select {
						case <-timer.C:
						default:
						}
					}
					timer.Reset(skillsDebounce)
				}
				timerC = timer.C

			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Warn("skills watcher error", "error", err)
			case <-timerC:
				flush()
				timerC = nil
			}
		}
	}()

	return nil
}
