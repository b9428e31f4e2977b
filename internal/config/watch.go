package config

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// ReloadFunc is invoked with the newly-loaded config whenever the
// watched file changes and reparses successfully. A parse failure
// logs and keeps the previous config live — a bad edit mid-session
// must not take the gateway down (spec §7's "fatal at startup" applies
// to bootstrap, not to hot reload).
type ReloadFunc func(*Config)

// Watcher watches the config file's directory (and the auth directory,
// when one is given) and reloads Config from disk whenever the config
// file itself changes; events for other files, including everything
// under the auth directory, trigger no reload. Grounded on the teacher's fsnotify-backed
// watcher/reload-callback pattern
// (`_examples/other_examples/702d347d_yszxh-CLIProxyAPI__sdk-cliproxy-service.go.go`).
type Watcher struct {
	configPath string
	onReload   ReloadFunc

	fsWatcher *fsnotify.Watcher
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewWatcher builds a Watcher over configPath and authDir. authDir may
// be empty to watch only the config file.
func NewWatcher(configPath, authDir string, onReload ReloadFunc) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if configPath != "" {
		if err := fsWatcher.Add(filepath.Dir(configPath)); err != nil {
			fsWatcher.Close()
			return nil, err
		}
	}
	if authDir != "" {
		if err := fsWatcher.Add(authDir); err != nil {
			fsWatcher.Close()
			return nil, err
		}
	}
	return &Watcher{configPath: configPath, onReload: onReload, fsWatcher: fsWatcher}, nil
}

// Start begins watching in the background until ctx is cancelled or
// Stop is called.
func (w *Watcher) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.wg.Add(1)
	go w.loop(ctx)
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if w.configPath != "" && filepath.Clean(event.Name) == filepath.Clean(w.configPath) {
				w.reload()
			}
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			log.Warnf("config: watcher error: %v", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.configPath)
	if err != nil {
		log.Warnf("config: reload failed, keeping previous config: %v", err)
		return
	}
	log.Info("config: reloaded")
	if w.onReload != nil {
		w.onReload(cfg)
	}
}

// Stop halts the watch loop and releases the underlying fsnotify handle.
func (w *Watcher) Stop() error {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	return w.fsWatcher.Close()
}
