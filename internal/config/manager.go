package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ChangeHandler is invoked after a validated configuration reload with the
// previous and the new snapshot.
type ChangeHandler func(old, new *Config)

// Manager watches the configuration file and swaps an atomic snapshot on
// every validated change. Policy (.rego) files in the same directory trigger
// registered policy reload handlers instead.
type Manager struct {
	path    string
	logger  *zap.Logger
	watcher *fsnotify.Watcher

	current atomic.Pointer[Config]

	mu             sync.Mutex
	handlers       []ChangeHandler
	policyHandlers []func() error
	started        bool
	stopCh         chan struct{}
}

// NewManager loads the initial configuration from path and prepares the
// file watcher. Call Start to begin hot reload.
func NewManager(path string, logger *zap.Logger) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}

	m := &Manager{
		path:    path,
		logger:  logger,
		watcher: watcher,
		stopCh:  make(chan struct{}),
	}
	m.current.Store(cfg)
	return m, nil
}

// Get returns the current configuration snapshot. The snapshot is immutable;
// callers must not modify it.
func (m *Manager) Get() *Config {
	return m.current.Load()
}

// OnChange registers a handler called after every successful reload.
func (m *Manager) OnChange(h ChangeHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

// OnPolicyChange registers a handler called when a .rego file changes.
func (m *Manager) OnPolicyChange(h func() error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policyHandlers = append(m.policyHandlers, h)
}

// Start begins watching the config directory. Safe to call once.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	dir := filepath.Dir(m.path)
	if err := m.watcher.Add(dir); err != nil {
		return fmt.Errorf("watch config dir %s: %w", dir, err)
	}

	go m.watchLoop()

	m.logger.Info("Configuration manager started",
		zap.String("path", m.path),
		zap.String("watch_dir", dir),
	)
	return nil
}

// WatchDir adds another directory to the watcher. Policy directories
// usually live beside the config file rather than in it.
func (m *Manager) WatchDir(dir string) error {
	return m.watcher.Add(dir)
}

// Stop terminates the watch loop.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return nil
	}
	m.started = false
	close(m.stopCh)
	return m.watcher.Close()
}

func (m *Manager) watchLoop() {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Config watch loop panicked", zap.Any("panic", r))
		}
	}()

	for {
		select {
		case <-m.stopCh:
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			m.handleEvent(event)
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Error("Config watcher error", zap.Error(err))
		}
	}
}

func (m *Manager) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}

	if filepath.Ext(event.Name) == ".rego" {
		m.reloadPolicies(filepath.Base(event.Name))
		return
	}
	if filepath.Clean(event.Name) != filepath.Clean(m.path) {
		return
	}

	// Editors often emit several writes in quick succession.
	time.Sleep(50 * time.Millisecond)

	if err := m.Reload(); err != nil {
		m.logger.Error("Config reload failed, keeping previous snapshot",
			zap.String("path", m.path),
			zap.Error(err),
		)
	}
}

// Reload re-reads the configuration file, validates it, and swaps the
// snapshot. An invalid file leaves the previous snapshot in place.
func (m *Manager) Reload() error {
	cfg, err := Load(m.path)
	if err != nil {
		return err
	}

	old := m.current.Swap(cfg)

	m.mu.Lock()
	handlers := make([]ChangeHandler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.Unlock()

	for _, h := range handlers {
		h(old, cfg)
	}

	m.logger.Info("Configuration reloaded", zap.String("path", m.path))
	return nil
}

func (m *Manager) reloadPolicies(filename string) {
	m.mu.Lock()
	handlers := make([]func() error, len(m.policyHandlers))
	copy(handlers, m.policyHandlers)
	m.mu.Unlock()

	m.logger.Info("Policy file changed, triggering reload",
		zap.String("file", filename),
		zap.Int("handlers", len(handlers)),
	)
	for _, h := range handlers {
		if err := h(); err != nil {
			m.logger.Error("Policy reload handler failed",
				zap.String("file", filename),
				zap.Error(err),
			)
		}
	}
}
