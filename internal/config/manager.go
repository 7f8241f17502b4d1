package config

import (
	"fmt"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// ChangeHandler is called with the new configuration after a reload.
type ChangeHandler func(old, cur *Config)

// Manager holds the current configuration and reloads it when config.toml
// changes on disk.
type Manager struct {
	path          string
	mu            sync.RWMutex
	cfg           *Config
	watcher       *FileWatcher
	changeHandler ChangeHandler
	logger        *zap.Logger
}

// NewManager loads path and starts watching its directory.
func NewManager(path string, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		path:   path,
		cfg:    cfg,
		logger: logger.Named("config"),
	}

	watcher, err := NewFileWatcher(WatcherConfig{
		Handler: m.reload,
		Filter: func(name string) bool {
			return filepath.Base(name) == filepath.Base(path)
		},
		Logger: m.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	// The directory is watched so editors that replace the file are seen.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Stop()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}

	m.watcher = watcher
	m.logger.Info("watching config file", zap.String("path", path))
	return m, nil
}

// Current returns the active configuration. Callers must not modify it.
func (m *Manager) Current() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// OnChange sets the handler called when the configuration changes
func (m *Manager) OnChange(handler ChangeHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changeHandler = handler
}

// Stop stops the file watcher
func (m *Manager) Stop() {
	if m.watcher != nil {
		m.watcher.Stop()
	}
}

func (m *Manager) reload(changed []string) {
	m.logger.Debug("reloading", zap.Strings("changed", changed))
	cfg, err := Load(m.path)
	if err != nil {
		// Keep the last good configuration.
		m.logger.Warn("failed to reload", zap.Error(err))
		return
	}

	m.mu.Lock()
	old := m.cfg
	m.cfg = cfg
	handler := m.changeHandler
	m.mu.Unlock()

	if handler != nil {
		handler(old, cfg)
	}
}
