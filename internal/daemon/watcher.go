package daemon

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// ConfigEvent reports that the watched config file changed.
type ConfigEvent struct {
	// Path is the absolute path of the config file.
	Path string
	// Removed is true when the file was deleted or renamed away.
	Removed bool
}

// ConfigWatcher watches a single config file for changes.
//
// The parent directory is watched rather than the file itself, because
// editors and config writers replace files by renaming a temporary file
// over them, which drops a watch on the old inode.
type ConfigWatcher struct {
	watcher *fsnotify.Watcher
	path    string
	events  chan ConfigEvent
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	stopped bool
}

// NewConfigWatcher creates a watcher for path. It must be started with
// Start() before it will emit events.
func NewConfigWatcher(path string) (*ConfigWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %s: %w", path, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	return &ConfigWatcher{
		watcher: watcher,
		path:    abs,
		events:  make(chan ConfigEvent, 10),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
	}, nil
}

// Path returns the watched file.
func (cw *ConfigWatcher) Path() string {
	return cw.path
}

// Start begins watching.
func (cw *ConfigWatcher) Start() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if cw.running {
		return fmt.Errorf("watcher already running")
	}
	if cw.stopped {
		return fmt.Errorf("watcher already stopped")
	}

	dir := filepath.Dir(cw.path)
	if err := cw.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch config directory %s: %w", dir, err)
	}

	cw.running = true
	cw.wg.Add(1)
	go cw.processEvents()
	return nil
}

// Stop stops watching and closes the event channels. It blocks until the
// event loop has exited.
func (cw *ConfigWatcher) Stop() error {
	cw.mu.Lock()
	if cw.stopped {
		cw.mu.Unlock()
		return nil
	}
	wasRunning := cw.running
	cw.running = false
	cw.stopped = true
	cw.mu.Unlock()

	close(cw.done)
	if err := cw.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	if wasRunning {
		cw.wg.Wait()
	}
	close(cw.events)
	close(cw.errors)
	return nil
}

// Events returns the channel of config changes. It is closed by Stop.
func (cw *ConfigWatcher) Events() <-chan ConfigEvent {
	return cw.events
}

// Errors returns the channel of watcher errors. It is closed by Stop.
func (cw *ConfigWatcher) Errors() <-chan error {
	return cw.errors
}

// IsRunning returns true if the watcher is currently running.
func (cw *ConfigWatcher) IsRunning() bool {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return cw.running
}

func (cw *ConfigWatcher) processEvents() {
	defer cw.wg.Done()

	for {
		select {
		case <-cw.done:
			return

		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			ev, ok := cw.convertEvent(event)
			if !ok {
				continue
			}
			select {
			case cw.events <- ev:
			case <-cw.done:
				return
			}

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			select {
			case cw.errors <- err:
			case <-cw.done:
				return
			}
		}
	}
}

// convertEvent keeps events for the watched file and drops chmod.
func (cw *ConfigWatcher) convertEvent(event fsnotify.Event) (ConfigEvent, bool) {
	abs, err := filepath.Abs(event.Name)
	if err != nil || abs != cw.path {
		return ConfigEvent{}, false
	}
	switch {
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		return ConfigEvent{Path: cw.path}, true
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		return ConfigEvent{Path: cw.path, Removed: true}, true
	default:
		return ConfigEvent{}, false
	}
}
