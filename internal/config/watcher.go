// Package config handles configuration parsing and hot reloading.
package config

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/MAQSOODAWANhaha/api-proxy-sub005/internal/logger"
)

// ConfigWatcher watches a configuration file for changes and notifies callbacks.
type ConfigWatcher struct {
	path      string
	current   atomic.Value // *Config
	watcher   *fsnotify.Watcher
	callbacks []func(*Config)
	stopCh    chan struct{}
	mu        sync.RWMutex
}

// NewConfigWatcher creates a new ConfigWatcher for the given config file path.
func NewConfigWatcher(path string, initial *Config) (*ConfigWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	cw := &ConfigWatcher{
		path:    path,
		watcher: watcher,
		stopCh:  make(chan struct{}),
	}
	cw.current.Store(initial)

	return cw, nil
}

// Start begins watching the configuration file for changes.
func (w *ConfigWatcher) Start() error {
	if err := w.watcher.Add(w.path); err != nil {
		return err
	}

	go w.watchLoop()
	logger.Info("config_watcher_started", "path", w.path)
	return nil
}

// Stop stops the configuration watcher.
func (w *ConfigWatcher) Stop() {
	close(w.stopCh)
	w.watcher.Close()
	logger.Info("config_watcher_stopped")
}

// Current returns the current configuration.
func (w *ConfigWatcher) Current() *Config {
	return w.current.Load().(*Config)
}

// RegisterCallback adds a callback to be called when configuration changes.
func (w *ConfigWatcher) RegisterCallback(fn func(*Config)) {
	w.mu.Lock()
	w.callbacks = append(w.callbacks, fn)
	w.mu.Unlock()
}

// Reload manually reloads the configuration file.
func (w *ConfigWatcher) Reload() error {
	return w.reload()
}

// watchLoop watches for file changes with debouncing.
func (w *ConfigWatcher) watchLoop() {
	var debounceTimer *time.Timer
	debounceDuration := 100 * time.Millisecond

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			// Only react to write and create events
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				// Debounce: reset timer on each event
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(debounceDuration, func() {
					if err := w.reload(); err != nil {
						logger.Error("config_reload_failed", "error", err)
					}
				})
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Error("config_watcher_error", "error", err)

		case <-w.stopCh:
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return
		}
	}
}

// reload loads the configuration from file and notifies callbacks.
func (w *ConfigWatcher) reload() error {
	newCfg, err := LoadFromFile(w.path)
	if err != nil {
		return err
	}

	// Validate the new configuration (only reloadable fields matter)
	if err := w.validateReloadable(newCfg); err != nil {
		return err
	}

	oldCfg := w.Current()
	w.current.Store(newCfg)

	// Log what changed
	w.logChanges(oldCfg, newCfg)

	// Notify callbacks
	w.mu.RLock()
	callbacks := make([]func(*Config), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.RUnlock()

	for _, cb := range callbacks {
		cb(newCfg)
	}

	logger.Info("config_reloaded", "path", w.path)
	return nil
}

// validateReloadable validates only the hot-reloadable configuration fields.
func (w *ConfigWatcher) validateReloadable(cfg *Config) error {
	return validateReloadable(cfg)
}

// logChanges logs which configuration values changed.
func (w *ConfigWatcher) logChanges(old, new *Config) {
	if old.LogLevel != new.LogLevel {
		logger.Info("config_changed", "field", "log_level", "old", old.LogLevel, "new", new.LogLevel)
	}
	if old.LogFormat != new.LogFormat {
		logger.Info("config_changed", "field", "log_format", "old", old.LogFormat, "new", new.LogFormat)
	}
	if old.MaxInflightPerKey != new.MaxInflightPerKey {
		logger.Info("config_changed", "field", "max_inflight_per_key", "old", old.MaxInflightPerKey, "new", new.MaxInflightPerKey)
	}
	if old.MaxInflightTotal != new.MaxInflightTotal {
		logger.Info("config_changed", "field", "max_inflight_total", "old", old.MaxInflightTotal, "new", new.MaxInflightTotal)
	}

	// Warn about non-reloadable fields that changed
	if old.Management.Addr() != new.Management.Addr() || old.Proxy.Addr() != new.Proxy.Addr() {
		logger.Warn("config_change_ignored", "field", "listeners", "reason", "requires restart")
	}
	if !slices.Equal(old.Management.Allow, new.Management.Allow) || !slices.Equal(old.Management.Deny, new.Management.Deny) ||
		!slices.Equal(old.Proxy.Allow, new.Proxy.Allow) || !slices.Equal(old.Proxy.Deny, new.Proxy.Deny) ||
		!slices.Equal(old.Management.AuthTokens, new.Management.AuthTokens) || !slices.Equal(old.Proxy.AuthTokens, new.Proxy.AuthTokens) {
		logger.Warn("config_change_ignored", "field", "access_policy", "reason", "requires restart for security")
	}
	if !slices.Equal(old.Routes, new.Routes) {
		logger.Warn("config_change_ignored", "field", "routes", "reason", "requires restart")
	}
	if old.Strategy != new.Strategy {
		logger.Warn("config_change_ignored", "field", "strategy", "reason", "requires restart")
	}
	if !slices.EqualFunc(old.Keys, new.Keys, keyConfigEqual) {
		logger.Warn("config_change_ignored", "field", "keys", "reason", "managed through the management API at runtime")
	}
	if old.HealthCheckInterval != new.HealthCheckInterval || old.FailureThreshold != new.FailureThreshold || old.RecoveryThreshold != new.RecoveryThreshold {
		logger.Warn("config_change_ignored", "field", "health_check", "reason", "requires restart")
	}
}

func keyConfigEqual(a, b KeyConfig) bool {
	wa, wb := 0, 0
	if a.Weight != nil {
		wa = *a.Weight
	}
	if b.Weight != nil {
		wb = *b.Weight
	}
	return a.ID == b.ID && a.Provider == b.Provider && a.Secret == b.Secret && a.Status == b.Status && wa == wb
}
