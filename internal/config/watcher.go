package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Source identifies which config tree a reload event came from.
type Source string

const (
	SourceDashboard Source = "dashboard"
	SourceOpenClaw  Source = "openclaw"
)

type ReloadEvent struct {
	Path   string
	Op     fsnotify.Op
	Source Source
}

// Watcher reports changes to the dashboard's config.yaml and to the
// assistant's config.yaml and .env. Parent directories are watched rather
// than the files themselves so atomic tmp+rename writes are still seen.
type Watcher struct {
	files  map[string]Source
	logger *slog.Logger
	events chan ReloadEvent
}

func NewWatcher(homeDir, openclawDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	files := map[string]Source{
		filepath.Join(homeDir, "config.yaml"): SourceDashboard,
	}
	if openclawDir != "" {
		files[filepath.Join(openclawDir, "config.yaml")] = SourceOpenClaw
		files[filepath.Join(openclawDir, ".env")] = SourceOpenClaw
	}
	return &Watcher{
		files:  files,
		logger: logger,
		events: make(chan ReloadEvent, 16),
	}
}

func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dirs := make(map[string]struct{})
	for file := range w.files {
		dirs[filepath.Dir(file)] = struct{}{}
	}
	for dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			w.logger.Warn("config watcher: cannot watch directory", "dir", dir, "error", err)
		}
	}

	go func() {
		defer fsw.Close()
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				src, watched := w.files[filepath.Clean(ev.Name)]
				if !watched {
					continue
				}
				select {
				case w.events <- ReloadEvent{Path: ev.Name, Op: ev.Op, Source: src}:
				default:
				}
				w.logger.Info("config file changed", "path", ev.Name, "op", ev.Op.String(), "source", string(src))
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}
