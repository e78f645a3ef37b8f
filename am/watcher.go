package am

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/teranos/scry/errors"
	"github.com/teranos/scry/logger"
)

// ConfigWatcher reloads configuration when the file on disk changes and
// fans the new Config out to registered callbacks. Writes scry makes
// itself are flagged beforehand so saving a setting does not bounce back
// as a reload.
type ConfigWatcher struct {
	configPath      string
	watcher         *fsnotify.Watcher
	callbacks       []ReloadCallback
	mu              sync.RWMutex
	debounceTimer   *time.Timer
	debouncePeriod  time.Duration
	isOwnWrite      bool
	isOwnWriteMutex sync.Mutex
}

// ReloadCallback receives the freshly loaded Config after a reload.
type ReloadCallback func(*Config) error

var (
	globalWatcher   *ConfigWatcher
	globalWatcherMu sync.Mutex
)

// NewConfigWatcher builds a watcher over the given config file. Call
// Start to begin receiving events.
func NewConfigWatcher(configPath string) (*ConfigWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create fsnotify watcher")
	}

	if err := watcher.Add(configPath); err != nil {
		watcher.Close()
		return nil, errors.Wrapf(err, "failed to watch config file %s", configPath)
	}

	return &ConfigWatcher{
		configPath:     configPath,
		watcher:        watcher,
		callbacks:      make([]ReloadCallback, 0),
		debouncePeriod: 500 * time.Millisecond,
	}, nil
}

// OnReload registers a callback for future reloads.
func (cw *ConfigWatcher) OnReload(callback ReloadCallback) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.callbacks = append(cw.callbacks, callback)
}

// MarkOwnWrite flags the next file event as ours. persist calls this
// right before saving so the watcher swallows the echo.
func (cw *ConfigWatcher) MarkOwnWrite() {
	cw.isOwnWriteMutex.Lock()
	defer cw.isOwnWriteMutex.Unlock()
	cw.isOwnWrite = true
}

// consumeOwnWrite reads and clears the own-write flag.
func (cw *ConfigWatcher) consumeOwnWrite() bool {
	cw.isOwnWriteMutex.Lock()
	defer cw.isOwnWriteMutex.Unlock()

	was := cw.isOwnWrite
	cw.isOwnWrite = false
	return was
}

// Start launches the watch loop.
func (cw *ConfigWatcher) Start() {
	go cw.watchLoop()
}

// Stop closes the underlying fsnotify watcher, which also ends the loop.
func (cw *ConfigWatcher) Stop() error {
	return cw.watcher.Close()
}

func (cw *ConfigWatcher) watchLoop() {
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			cw.handleEvent(event)

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			logger.Warnw("Config watcher error", "error", err)
		}
	}
}

func (cw *ConfigWatcher) handleEvent(event fsnotify.Event) {
	// Editors signal saves as Write or Create depending on how they
	// replace the file.
	if event.Op&fsnotify.Write != fsnotify.Write && event.Op&fsnotify.Create != fsnotify.Create {
		return
	}
	if isBackupFile(event.Name) {
		return
	}
	if cw.consumeOwnWrite() {
		logger.Debugw("Config watcher ignoring own write", "file", event.Name)
		return
	}

	logger.Infow("Config watcher detected change",
		"file", event.Name,
		"op", event.Op.String())
	cw.scheduleReload()
}

// scheduleReload collapses a burst of file events into one reload after
// the debounce period.
func (cw *ConfigWatcher) scheduleReload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if cw.debounceTimer != nil {
		cw.debounceTimer.Stop()
	}

	cw.debounceTimer = time.AfterFunc(cw.debouncePeriod, func() {
		if err := cw.reload(); err != nil {
			logger.Errorw("Config reload failed", "error", err)
		}
	})
}

// reload drops the cached config, loads fresh, and notifies callbacks.
// One failing callback does not stop the rest.
func (cw *ConfigWatcher) reload() error {
	Reset()

	newConfig, err := Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	logger.Infow("Config reloaded successfully", "path", cw.configPath)

	cw.mu.RLock()
	callbacks := make([]ReloadCallback, len(cw.callbacks))
	copy(callbacks, cw.callbacks)
	cw.mu.RUnlock()

	for _, callback := range callbacks {
		if err := callback(newConfig); err != nil {
			logger.Warnw("Config reload callback error", "error", err)
		}
	}

	return nil
}

// isBackupFile reports whether the path is one of the rotating backups
// persist writes alongside the config.
func isBackupFile(path string) bool {
	base := filepath.Base(path)
	return strings.HasSuffix(base, ".back1") ||
		strings.HasSuffix(base, ".back2") ||
		strings.HasSuffix(base, ".back3")
}

// SetGlobalWatcher installs the watcher persist consults before writing
// the config file.
func SetGlobalWatcher(watcher *ConfigWatcher) {
	globalWatcherMu.Lock()
	defer globalWatcherMu.Unlock()
	globalWatcher = watcher
}
