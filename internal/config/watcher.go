package config

import (
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce is how long the watcher waits for a burst of events to
// settle before calling the handler.
const DefaultDebounce = 100 * time.Millisecond

// FileWatcher watches directories and calls a handler once per burst of
// changes with the names that changed during the burst.
type FileWatcher struct {
	watcher  *fsnotify.Watcher
	handler  func(changed []string)
	filter   func(name string) bool
	debounce time.Duration

	mu      sync.Mutex
	pending map[string]struct{}
	timer   *time.Timer

	stop     chan struct{}
	stopOnce sync.Once
	logger   *zap.Logger
}

// WatcherConfig configures a FileWatcher.
type WatcherConfig struct {
	Handler func(changed []string)
	// Filter returns true for names that should trigger the handler.
	Filter   func(name string) bool
	Debounce time.Duration
	Logger   *zap.Logger
}

// NewFileWatcher starts a watcher. Call Add for each directory to watch.
func NewFileWatcher(cfg WatcherConfig) (*FileWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if cfg.Debounce == 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	fw := &FileWatcher{
		watcher:  watcher,
		handler:  cfg.Handler,
		filter:   cfg.Filter,
		debounce: cfg.Debounce,
		pending:  make(map[string]struct{}),
		stop:     make(chan struct{}),
		logger:   cfg.Logger,
	}

	go fw.watchLoop()
	return fw, nil
}

// Add adds a path to watch
func (fw *FileWatcher) Add(path string) error {
	return fw.watcher.Add(path)
}

// Stop stops the watcher. A pending burst is dropped.
func (fw *FileWatcher) Stop() {
	fw.stopOnce.Do(func() {
		close(fw.stop)
		fw.watcher.Close()
		fw.mu.Lock()
		if fw.timer != nil {
			fw.timer.Stop()
		}
		fw.mu.Unlock()
	})
}

func (fw *FileWatcher) watchLoop() {
	for {
		select {
		case <-fw.stop:
			return
		case ev, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if fw.filter != nil && !fw.filter(ev.Name) {
				continue
			}
			// A removal alone keeps the current state; editors that replace
			// the file also produce a Create.
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			fw.schedule(ev.Name)
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

// schedule records name and restarts the debounce timer.
func (fw *FileWatcher) schedule(name string) {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	fw.pending[name] = struct{}{}
	if fw.timer != nil {
		fw.timer.Stop()
	}
	fw.timer = time.AfterFunc(fw.debounce, fw.flush)
}

func (fw *FileWatcher) flush() {
	select {
	case <-fw.stop:
		return
	default:
	}

	fw.mu.Lock()
	changed := make([]string, 0, len(fw.pending))
	for name := range fw.pending {
		changed = append(changed, name)
	}
	fw.pending = make(map[string]struct{})
	fw.mu.Unlock()

	if len(changed) == 0 {
		return
	}
	sort.Strings(changed)
	fw.logger.Info("files changed", zap.Strings("files", changed))
	if fw.handler != nil {
		fw.handler(changed)
	}
}
