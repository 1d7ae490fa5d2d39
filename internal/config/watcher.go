package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"wsagent/internal/logger"
)

const defaultDebounce = 200 * time.Millisecond

// FileWatcher calls onChange once writes to a single file have settled.
// Editors save in several steps (truncate, write, rename), so events inside
// the debounce window are coalesced into one reload.
//
// A stopped FileWatcher cannot be restarted.
type FileWatcher struct {
	path     string
	name     string
	debounce time.Duration
	watcher  *fsnotify.Watcher
	onChange func()

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// NewFileWatcher creates a watcher for path. onChange may be nil.
func NewFileWatcher(path string, onChange func()) (*FileWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &FileWatcher{
		path:     path,
		name:     filepath.Base(path),
		debounce: defaultDebounce,
		watcher:  w,
		onChange: onChange,
	}, nil
}

// SetDebounce changes the settle window. It must be called before Start.
func (fw *FileWatcher) SetDebounce(d time.Duration) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if d > 0 {
		fw.debounce = d
	}
}

// Start watches the file's directory, which also catches atomic
// rename-over saves.
func (fw *FileWatcher) Start() error {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.running {
		return nil
	}

	dir := filepath.Dir(fw.path)
	if err := fw.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	fw.running = true
	fw.stop = make(chan struct{})
	fw.done = make(chan struct{})
	go fw.watch(fw.stop, fw.done, fw.debounce)

	log := logger.WithComponent("file-watcher")
	log.Info().
		Str("path", fw.path).
		Dur("debounce", fw.debounce).
		Msg("Started watching file")
	return nil
}

// Stop ends the watch. No callback runs after Stop returns.
func (fw *FileWatcher) Stop() error {
	fw.mu.Lock()
	if !fw.running {
		fw.mu.Unlock()
		return nil
	}
	fw.running = false
	close(fw.stop)
	done := fw.done
	fw.mu.Unlock()

	err := fw.watcher.Close()
	<-done
	return err
}

func (fw *FileWatcher) watch(stop <-chan struct{}, done chan<- struct{}, debounce time.Duration) {
	defer close(done)
	log := logger.WithComponent("file-watcher")

	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()
	var settled <-chan time.Time

	for {
		select {
		case <-stop:
			log.Info().Str("path", fw.path).Msg("File watcher stopped")
			return

		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != fw.name {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			timer.Reset(debounce)
			settled = timer.C

		case <-settled:
			settled = nil
			log.Info().Str("path", fw.path).Msg("File changed, reloading")
			if fw.onChange != nil {
				fw.onChange()
			}

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Str("path", fw.path).Msg("File watcher error")
		}
	}
}

// IsRunning returns whether the watcher is currently running.
func (fw *FileWatcher) IsRunning() bool {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.running
}

// NewWatcher creates a watcher that loads a full Config on file change.
func NewWatcher(path string, callback func(*Config)) (*FileWatcher, error) {
	return NewFileWatcher(path, func() {
		log := logger.WithComponent("config-watcher")
		cfg, err := Load(path)
		if err != nil {
			log.Error().Err(err).Msg("Failed to reload configuration")
			return
		}
		if callback != nil {
			callback(cfg)
		}
	})
}

// NewConnectionWatcher creates a watcher that reloads Agent.json and reports
// the Connection section only when it differs from the last one seen.
func NewConnectionWatcher(path string, initial ConnectionConfig, callback func(ConnectionConfig)) (*FileWatcher, error) {
	var mu sync.Mutex
	last := initial
	return NewWatcher(path, func(cfg *Config) {
		mu.Lock()
		changed := cfg.Connection.Parameters() != last.Parameters()
		last = cfg.Connection
		mu.Unlock()

		if !changed {
			return
		}
		if callback != nil {
			callback(cfg.Connection)
		}
	})
}

// NewLoggingWatcher creates a watcher that loads logger.Config on file change.
func NewLoggingWatcher(path string, callback func(*logger.Config)) (*FileWatcher, error) {
	return NewFileWatcher(path, func() {
		log := logger.WithComponent("logging-watcher")
		lc, err := LoadLogging(path)
		if err != nil {
			log.Error().Err(err).Msg("Failed to reload logging configuration")
			return
		}
		if callback != nil {
			callback(lc)
		}
	})
}
