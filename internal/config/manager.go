package config

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Manager holds the live configuration and reloads it when the file changes.
type Manager struct {
	logger *zap.Logger
	path   string

	mu        sync.RWMutex
	config    *Config
	callbacks []func(*Config)

	watcher *Watcher
}

// NewManager loads path and returns a manager for it.
func NewManager(logger *zap.Logger, path string) (*Manager, error) {
	m := &Manager{
		logger: logger.Named("config"),
		path:   path,
	}
	if err := m.Load(); err != nil {
		return nil, fmt.Errorf("initial config load failed: %w", err)
	}
	return m, nil
}

// Path returns the watched file.
func (m *Manager) Path() string { return m.path }

// Load re-reads the configuration. The previous configuration stays active
// when the new one is invalid.
func (m *Manager) Load() error {
	cfg, err := Load(m.path)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.config = cfg
	callbacks := append([]func(*Config){}, m.callbacks...)
	m.mu.Unlock()

	for _, cb := range callbacks {
		cb(cfg)
	}
	m.logger.Info("Configuration loaded", zap.String("path", m.path))
	return nil
}

// Get returns a shallow copy of the current configuration.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c := *m.config
	return &c
}

// OnChange registers a callback run after every successful reload, in
// registration order, on the reloading goroutine.
func (m *Manager) OnChange(cb func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// Save writes the current configuration back to the file.
func (m *Manager) Save() error {
	if err := Save(m.Get(), m.path); err != nil {
		return err
	}
	m.logger.Info("Configuration saved", zap.String("path", m.path))
	return nil
}

// StartWatcher enables hot reload.
func (m *Manager) StartWatcher() error {
	w, err := NewWatcher(m.logger, m.path)
	if err != nil {
		return err
	}
	m.watcher = w
	return w.Start(func() {
		if err := m.Load(); err != nil {
			m.logger.Error("Failed to hot-reload configuration", zap.Error(err))
		}
	})
}

// StopWatcher disables hot reload.
func (m *Manager) StopWatcher() {
	if m.watcher != nil {
		m.watcher.Stop()
	}
}
