package config

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Snapshot hands out the current configuration and swaps it atomically on
// reload. Readers call Current once per operation and keep the pointer;
// they never observe a half-applied reload.
type Snapshot struct {
	current atomic.Pointer[Config]
	path    string
	logger  *slog.Logger
}

// NewSnapshot wraps an initial configuration.
func NewSnapshot(cfg *Config, path string, logger *slog.Logger) *Snapshot {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Snapshot{path: path, logger: logger.With("component", "config")}
	s.current.Store(cfg)
	return s
}

// Current returns the live configuration.
func (s *Snapshot) Current() *Config {
	return s.current.Load()
}

// Reload re-reads the file and swaps the snapshot. Invalid files leave
// the previous snapshot in place.
func (s *Snapshot) Reload() error {
	if s.path == "" {
		return nil
	}
	cfg, err := Load(s.path)
	if err != nil {
		s.logger.Warn("config reload failed, keeping previous snapshot", "path", s.path, "error", err)
		return err
	}
	s.current.Store(cfg)
	s.logger.Info("config reloaded", "path", s.path)
	return nil
}

// Watch reloads the snapshot whenever the file changes, until ctx ends.
func (s *Snapshot) Watch(ctx context.Context) error {
	if s.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(s.path); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					_ = s.Reload() //nolint:errcheck
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("config watcher error", "error", err)
			}
		}
	}()
	return nil
}
