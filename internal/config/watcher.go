package config

import (
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/BrandonDHaskell/Silenus/server/internal/telemetry/logger"
)

// Watcher reloads the config file when it changes and applies the settings
// that can change without a restart. Today that is log.level.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	logger  *slog.Logger

	mu       sync.Mutex
	onReload []func(Config)

	done     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

func NewWatcher(path string, log *slog.Logger) (*Watcher, error) {
	if log == nil {
		log = slog.Default()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory so editors that replace the file are seen.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		_ = fw.Close()
		return nil, err
	}
	return &Watcher{
		path:    filepath.Clean(path),
		watcher: fw,
		logger:  log,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}, nil
}

// OnReload registers fn to run after each successful reload.
func (w *Watcher) OnReload(fn func(Config)) {
	w.mu.Lock()
	w.onReload = append(w.onReload, fn)
	w.mu.Unlock()
}

func (w *Watcher) Start() {
	go w.loop()
}

func (w *Watcher) loop() {
	defer close(w.stopped)
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
				w.reload()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config reload rejected", "path", w.path, "error", err)
		return
	}
	if lv, err := logger.ParseLevel(cfg.Log.Level); err == nil && lv != logger.Level() {
		_ = logger.SetLevel(cfg.Log.Level)
		w.logger.Info("log level changed", "level", lv.String())
	}

	w.mu.Lock()
	fns := append([]func(Config){}, w.onReload...)
	w.mu.Unlock()
	for _, fn := range fns {
		fn(cfg)
	}
}

func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		err = w.watcher.Close()
		<-w.stopped
	})
	return err
}
