package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/entitlementd/internal/logging"
)

// Watcher monitors the data dir .env file and re-applies runtime settings
// when it changes. Only the log level is applied live; other changes are
// reported through the reload callback.
type Watcher struct {
	envPath  string
	watcher  *fsnotify.Watcher
	stopChan chan struct{}
	done     chan struct{}

	mu       sync.RWMutex
	current  *Config
	onReload func(*Config)
}

// NewWatcher creates a watcher for cfg's data dir.
func NewWatcher(cfg *Config) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	snapshot := *cfg
	return &Watcher{
		envPath:  EnvPath(cfg.DataDir),
		watcher:  fw,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
		current:  &snapshot,
	}, nil
}

// OnReload registers a callback invoked with the reloaded configuration.
func (w *Watcher) OnReload(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onReload = fn
}

// Current returns a copy of the latest configuration.
func (w *Watcher) Current() Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return *w.current
}

// Start begins watching. The directory is watched rather than the file so
// editors that replace the file are handled.
func (w *Watcher) Start() error {
	dir := filepath.Dir(w.envPath)
	if err := w.watcher.Add(dir); err != nil {
		close(w.done)
		return err
	}
	go w.watchForChanges()
	log.Info().Str("env_path", w.envPath).Msg("Started watching config file for changes")
	return nil
}

// Stop stops the watcher and waits for the event loop to exit.
func (w *Watcher) Stop() {
	select {
	case <-w.stopChan:
		return
	default:
		close(w.stopChan)
	}
	_ = w.watcher.Close()
	<-w.done
}

// Reload re-reads the .env file immediately.
func (w *Watcher) Reload() {
	w.reload()
}

func (w *Watcher) watchForChanges() {
	defer close(w.done)

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.envPath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			// Editors often emit several events per save.
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(100*time.Millisecond, w.reload)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Config watcher error")

		case <-w.stopChan:
			return
		}
	}
}

func (w *Watcher) reload() {
	envMap, err := godotenv.Read(w.envPath)
	if err != nil {
		log.Warn().Err(err).Str("file", w.envPath).Msg("Failed to read .env file")
		return
	}

	w.mu.Lock()
	next := *w.current
	if err := next.applyEnv(func(key string) string { return envMap[key] }); err != nil {
		w.mu.Unlock()
		log.Warn().Err(err).Msg("Ignoring invalid .env update")
		return
	}
	if err := next.Validate(); err != nil {
		w.mu.Unlock()
		log.Warn().Err(err).Msg("Ignoring invalid .env update")
		return
	}
	previousLevel := w.current.LogLevel
	w.current = &next
	callback := w.onReload
	w.mu.Unlock()

	if next.LogLevel != previousLevel {
		logging.SetLevel(next.LogLevel)
		log.Info().Str("from", previousLevel).Str("to", next.LogLevel).Msg("Log level updated from .env")
	}
	if callback != nil {
		snapshot := next
		callback(&snapshot)
	}
}
