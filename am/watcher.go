package am

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/teranos/digest/errors"
)

// DefaultDebounce collapses the burst of events an editor save produces
const DefaultDebounce = 500 * time.Millisecond

// ReloadCallback receives every configuration that loaded and validated
type ReloadCallback func(*Config) error

// ConfigWatcher reloads the configuration when one of its files changes
type ConfigWatcher struct {
	watcher  *fsnotify.Watcher
	files    map[string]bool
	load     func() (*Config, error)
	debounce time.Duration
	logger   *zap.SugaredLogger

	mu        sync.Mutex
	callbacks []ReloadCallback
	timer     *time.Timer
	started   bool
	done      chan struct{}
}

// NewConfigWatcher watches paths. Directories are watched rather than the
// files so a save that replaces the file is still seen. load defaults to
// re-reading the full cascade.
func NewConfigWatcher(paths []string, load func() (*Config, error), log *zap.SugaredLogger) (*ConfigWatcher, error) {
	if len(paths) == 0 {
		return nil, errors.New("no config files to watch")
	}
	if load == nil {
		load = func() (*Config, error) {
			Reset()
			return Load()
		}
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create fsnotify watcher")
	}

	files := make(map[string]bool, len(paths))
	dirs := make(map[string]bool)
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			watcher.Close()
			return nil, errors.Wrapf(err, "failed to resolve %s", p)
		}
		files[abs] = true
		dirs[filepath.Dir(abs)] = true
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return nil, errors.Wrapf(err, "failed to watch %s", dir)
		}
	}

	return &ConfigWatcher{
		watcher:  watcher,
		files:    files,
		load:     load,
		debounce: DefaultDebounce,
		logger:   log.Named("am"),
		done:     make(chan struct{}),
	}, nil
}

// OnReload registers a callback
func (cw *ConfigWatcher) OnReload(callback ReloadCallback) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.callbacks = append(cw.callbacks, callback)
}

// Start begins watching in the background
func (cw *ConfigWatcher) Start() {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.started {
		return
	}
	cw.started = true
	go cw.watchLoop()
}

// Stop ends the watch. A pending reload is dropped.
func (cw *ConfigWatcher) Stop() error {
	cw.mu.Lock()
	if cw.timer != nil {
		cw.timer.Stop()
	}
	started := cw.started
	cw.mu.Unlock()

	err := cw.watcher.Close()
	if started {
		<-cw.done
	}
	return err
}

func (cw *ConfigWatcher) watchLoop() {
	defer close(cw.done)
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if !cw.files[filepath.Clean(event.Name)] {
				continue
			}
			cw.logger.Debugw("Config file changed", "file", event.Name, "op", event.Op.String())
			cw.scheduleReload()

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.logger.Warnw("Config watcher error", "error", err)
		}
	}
}

func (cw *ConfigWatcher) scheduleReload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if cw.timer != nil {
		cw.timer.Stop()
	}
	cw.timer = time.AfterFunc(cw.debounce, func() {
		if err := cw.reload(); err != nil {
			cw.logger.Errorw("Config reload failed, keeping previous configuration", "error", err)
		}
	})
}

// reload loads and validates the configuration, then calls every callback.
// An invalid configuration reaches no callback.
func (cw *ConfigWatcher) reload() error {
	cfg, err := cw.load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	cw.mu.Lock()
	callbacks := make([]ReloadCallback, len(cw.callbacks))
	copy(callbacks, cw.callbacks)
	cw.mu.Unlock()

	for _, callback := range callbacks {
		if err := callback(cfg); err != nil {
			cw.logger.Warnw("Config reload callback error", "error", err)
		}
	}
	cw.logger.Infow("Config reloaded")
	return nil
}

// ExistingConfigFiles returns the files of the cascade that exist
func ExistingConfigFiles() []string {
	var paths []string
	for _, p := range configPaths() {
		if _, err := os.Stat(p); err == nil {
			paths = append(paths, p)
		}
	}
	return paths
}
