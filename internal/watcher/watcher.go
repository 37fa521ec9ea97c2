// Package watcher watches the client configuration file and triggers hot
// reloads. Events are debounced and deduplicated by content hash.
package watcher

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"github.com/speakloop/apiclient/internal/config"
)

// Watcher reloads the configuration file whenever its content changes.
type Watcher struct {
	configPath        string
	config            *config.Config
	configMu          sync.RWMutex
	configReloadMu    sync.Mutex
	configReloadTimer *time.Timer
	reloadCallback    func(*config.Config)
	watcher           *fsnotify.Watcher
	lastConfigHash    string
	stopOnce          sync.Once
}

// configReloadDebounce collapses the burst of events editors emit on save.
var configReloadDebounce = 150 * time.Millisecond

// NewWatcher creates a watcher for configPath. reloadCallback receives every
// successfully parsed new configuration.
func NewWatcher(configPath string, reloadCallback func(*config.Config)) (*Watcher, error) {
	fsw, errNewWatcher := fsnotify.NewWatcher()
	if errNewWatcher != nil {
		return nil, errNewWatcher
	}
	abs, errAbs := filepath.Abs(configPath)
	if errAbs != nil {
		abs = configPath
	}
	return &Watcher{
		configPath:     filepath.Clean(abs),
		reloadCallback: reloadCallback,
		watcher:        fsw,
	}, nil
}

// Start begins watching. The parent directory is watched so that atomic
// replace-by-rename saves are seen as well.
func (w *Watcher) Start(ctx context.Context) error {
	return w.start(ctx)
}

// Stop stops the file watcher.
func (w *Watcher) Stop() error {
	w.stopConfigReloadTimer()
	var err error
	w.stopOnce.Do(func() {
		err = w.watcher.Close()
	})
	return err
}

// SetConfig records the configuration currently in use and the hash of the
// file it came from, so that an unchanged file does not trigger a reload.
func (w *Watcher) SetConfig(cfg *config.Config) {
	hash, errHash := fileHash(w.configPath)
	if errHash != nil {
		log.WithError(errHash).Debug("failed to hash config file")
	}
	w.configMu.Lock()
	defer w.configMu.Unlock()
	w.config = cfg
	w.lastConfigHash = hash
}

// Config returns the most recently loaded configuration.
func (w *Watcher) Config() *config.Config {
	w.configMu.RLock()
	defer w.configMu.RUnlock()
	return w.config
}
