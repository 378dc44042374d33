package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"ssmanager/internal/logger"
)

// ReloadableConfig watches the config file and swaps in new versions.
// Only settings that can change at runtime are accepted, see
// validateTransition.
type ReloadableConfig struct {
	path     string
	current  atomic.Pointer[Config]
	mu       sync.RWMutex
	watchers []func(old, new *Config)
	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
	stopOnce sync.Once
	reloadMu sync.Mutex
}

// NewReloadable loads path and starts watching it.
func NewReloadable(path string) (*ReloadableConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, fmt.Errorf("initial config load: %w", err)
	}

	r := &ReloadableConfig{
		path:   path,
		stopCh: make(chan struct{}),
	}
	r.current.Store(cfg)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	// Watch the directory so editors that replace the file by rename are
	// still seen.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch config file: %w", err)
	}

	r.watcher = watcher
	go r.watchLoop()

	return r, nil
}

// Get returns the current configuration.
func (r *ReloadableConfig) Get() *Config {
	return r.current.Load()
}

// Watch registers a callback run after every accepted reload.
func (r *ReloadableConfig) Watch(fn func(old, new *Config)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watchers = append(r.watchers, fn)
}

// Reload re-reads the file. A config that fails to load or that changes a
// restart-only setting is rejected and the current one stays in effect.
func (r *ReloadableConfig) Reload() error {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	newCfg, err := Load(r.path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	oldCfg := r.Get()
	if err := validateTransition(oldCfg, newCfg); err != nil {
		return fmt.Errorf("validate transition: %w", err)
	}

	r.current.Store(newCfg)

	r.mu.RLock()
	watchers := make([]func(old, new *Config), len(r.watchers))
	copy(watchers, r.watchers)
	r.mu.RUnlock()

	for _, fn := range watchers {
		fn(oldCfg, newCfg)
	}
	return nil
}

// validateTransition rejects changes to anything bound at startup: files,
// listeners, and the supervised process.
func validateTransition(old, new *Config) error {
	if old.StateDir != new.StateDir {
		return fmt.Errorf("state_dir change requires restart")
	}
	if old.APIPort != new.APIPort {
		return fmt.Errorf("api_port change requires restart")
	}
	if old.MetricsListen != new.MetricsListen || old.Pprof != new.Pprof {
		return fmt.Errorf("metrics server change requires restart")
	}
	if old.Proxy != new.Proxy {
		return fmt.Errorf("proxy settings change requires restart")
	}
	if old.Keys.FirstPort != new.Keys.FirstPort || old.Keys.DefaultCipher != new.Keys.DefaultCipher {
		return fmt.Errorf("keys settings change requires restart")
	}
	return nil
}

func (r *ReloadableConfig) watchLoop() {
	log := logger.GetLogger()
	name := filepath.Clean(r.path)
	for {
		select {
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := r.Reload(); err != nil {
				log.Warn().Err(err).Str("path", r.path).Msg("config reload rejected")
				continue
			}
			log.Info().Str("path", r.path).Msg("config reloaded")
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("config watcher error")
		case <-r.stopCh:
			return
		}
	}
}

// Close stops the file watcher.
func (r *ReloadableConfig) Close() error {
	var err error
	r.stopOnce.Do(func() {
		close(r.stopCh)
		err = r.watcher.Close()
	})
	return err
}
