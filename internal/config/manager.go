package config

import (
	"log/slog"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Manager holds the current Config behind a mutex and watches its backing
// YAML file for changes, reloading in place so the rest of the agent can
// pick up a new broker address or evaluator tuning without a restart.
type Manager struct {
	mu      sync.RWMutex
	current *Config
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewManager loads path once and starts a file watcher on it.
func NewManager(path string) (*Manager, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	cfg.applyEnvOverrides()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, err
	}

	m := &Manager{current: cfg, watcher: watcher, done: make(chan struct{})}
	go m.watchLoop(path)
	return m, nil
}

// Get returns the currently active config. Callers should not retain the
// pointer across ticks if they need to observe reloads.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

func (m *Manager) watchLoop(path string) {
	for {
		select {
		case <-m.done:
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := LoadConfig(path)
			if err != nil {
				slog.Warn("config: reload failed, keeping previous config", "path", path, "error", err)
				continue
			}
			cfg.applyEnvOverrides()
			m.mu.Lock()
			m.current = cfg
			m.mu.Unlock()
			slog.Info("config: reloaded", "path", path)
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("config: watcher error", "error", err)
		}
	}
}

// Close stops the file watcher.
func (m *Manager) Close() error {
	close(m.done)
	return m.watcher.Close()
}
