// Package watcher watches the configuration file and triggers hot reloads.
package watcher

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/qwen-gateway/qwen-gateway/internal/config"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const configReloadDebounce = 150 * time.Millisecond

// Watcher reloads the configuration when its file changes.
type Watcher struct {
	configPath        string
	config            *config.Config
	mu                sync.RWMutex
	configReloadMu    sync.Mutex
	configReloadTimer *time.Timer
	reloadCallback    func(*config.Config)
	watcher           *fsnotify.Watcher
	lastConfigHash    string
	oldConfigYaml     []byte
}

// NewWatcher creates a watcher for configPath. reloadCallback receives each
// successfully loaded configuration.
func NewWatcher(configPath string, reloadCallback func(*config.Config)) (*Watcher, error) {
	fsw, errNewWatcher := fsnotify.NewWatcher()
	if errNewWatcher != nil {
		return nil, errNewWatcher
	}
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		absPath = configPath
	}
	return &Watcher{
		configPath:     filepath.Clean(absPath),
		reloadCallback: reloadCallback,
		watcher:        fsw,
	}, nil
}

// Start watches the directory holding the config file, so editors that
// replace the file by rename are seen too.
func (w *Watcher) Start(ctx context.Context) error {
	dir := filepath.Dir(w.configPath)
	if errAdd := w.watcher.Add(dir); errAdd != nil {
		log.Errorf("failed to watch config directory %s: %v", dir, errAdd)
		return errAdd
	}
	w.mu.Lock()
	w.lastConfigHash = hashFile(w.configPath)
	w.mu.Unlock()
	log.Debugf("watching config file: %s", w.configPath)
	go w.processEvents(ctx)
	return nil
}

// Stop stops the file watcher.
func (w *Watcher) Stop() error {
	w.stopConfigReloadTimer()
	return w.watcher.Close()
}

// SetConfig records the configuration currently in effect.
func (w *Watcher) SetConfig(cfg *config.Config) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.config = cfg
	w.oldConfigYaml, _ = yaml.Marshal(cfg)
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case errWatch, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Errorf("file watcher error: %v", errWatch)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	const configOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename
	if filepath.Clean(event.Name) != w.configPath || event.Op&configOps == 0 {
		return
	}
	log.Debugf("config file event: %s", event)
	w.scheduleConfigReload()
}
