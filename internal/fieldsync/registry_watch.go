package fieldsync

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/agentworkforce/fieldsync/internal/logging"
	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

const registryReloadDebounce = 200 * time.Millisecond

// RegistryWatcher reloads a Registry whenever its YAML file changes on disk.
// A file that fails to parse leaves the previous entities in place.
type RegistryWatcher struct {
	registry *Registry
	path     string
	logger   logrus.FieldLogger
	watcher  *fsnotify.Watcher
	reloaded chan struct{}

	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

func NewRegistryWatcher(registry *Registry, path string, logger logrus.FieldLogger) (*RegistryWatcher, error) {
	if registry == nil || path == "" {
		return nil, ErrInvalidInput
	}
	if logger == nil {
		logger = logging.Discard()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		_ = watcher.Close()
		return nil, err
	}
	return &RegistryWatcher{
		registry: registry,
		path:     abs,
		logger:   logger.WithField("component", "registry_watcher"),
		watcher:  watcher,
		reloaded: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}, nil
}

// Start watches the directory holding the registry file, so editors that
// replace the file through a rename are picked up as well.
func (w *RegistryWatcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("registry watcher already running")
	}
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}
	w.running = true
	w.wg.Add(1)
	go w.loop()
	return nil
}

func (w *RegistryWatcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return w.watcher.Close()
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)
	err := w.watcher.Close()
	w.wg.Wait()
	if err != nil {
		return fmt.Errorf("close watcher: %w", err)
	}
	return nil
}

// Reloaded receives a value after every successful reload.
func (w *RegistryWatcher) Reloaded() <-chan struct{} {
	return w.reloaded
}

func (w *RegistryWatcher) loop() {
	defer w.wg.Done()

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(registryReloadDebounce)
			} else {
				timer.Reset(registryReloadDebounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Warn("registry watch error")
		}
	}
}

func (w *RegistryWatcher) reload() {
	next, err := LoadRegistryFile(w.path)
	if err != nil {
		w.logger.WithError(err).WithField("path", w.path).Error("registry reload failed; keeping previous entities")
		return
	}
	w.registry.Replace(next)
	w.logger.WithFields(logrus.Fields{
		"path":     w.path,
		"entities": next.Entities(),
	}).Info("entity registry reloaded")
	select {
	case w.reloaded <- struct{}{}:
	default:
	}
}
