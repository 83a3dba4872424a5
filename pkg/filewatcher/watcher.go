// Package filewatcher reports changes to a set of files, typically the
// persisted identity documents, after a quiet period.
package filewatcher

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ErrNothingToWatch is returned by Start when no file or directory was configured.
var ErrNothingToWatch = errors.New("filewatcher: nothing to watch")

// FileWatcher watches the parent directories of its files. Watching the
// directory keeps working across atomic temp-file renames.
type FileWatcher struct {
	watcher     *fsnotify.Watcher
	files       map[string]bool
	dirs        []string
	patterns    []string
	logger      *slog.Logger
	callbacks   []func(string)
	callbacksMu sync.RWMutex
	debounce    time.Duration
	changes     map[string]time.Time
	changesMu   sync.Mutex
	done        chan struct{}
	stopOnce    sync.Once
}

// New creates a FileWatcher. Nothing is watched until Start.
func New(opts ...Option) (*FileWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("filewatcher: %w", err)
	}

	fw := &FileWatcher{
		watcher:  watcher,
		files:    make(map[string]bool),
		logger:   slog.Default(),
		debounce: 200 * time.Millisecond,
		changes:  make(map[string]time.Time),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(fw)
	}
	return fw, nil
}

// AddCallback adds a callback invoked with the changed path.
func (fw *FileWatcher) AddCallback(callback func(string)) {
	fw.callbacksMu.Lock()
	defer fw.callbacksMu.Unlock()
	fw.callbacks = append(fw.callbacks, callback)
}

// Start begins watching. Parent directories that do not exist yet are created.
func (fw *FileWatcher) Start() error {
	dirs := fw.watchDirs()
	if len(dirs) == 0 {
		return ErrNothingToWatch
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("filewatcher: %w", err)
		}
		fw.logger.Info("Watching directory", "dir", dir)
		if err := fw.watcher.Add(dir); err != nil {
			return fmt.Errorf("filewatcher: watch %s: %w", dir, err)
		}
	}
	go fw.watchLoop()
	return nil
}

// Stop stops watching. It is safe to call more than once.
func (fw *FileWatcher) Stop() error {
	var err error
	fw.stopOnce.Do(func() {
		close(fw.done)
		err = fw.watcher.Close()
	})
	return err
}

func (fw *FileWatcher) watchDirs() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(dir string) {
		if dir != "" && !seen[dir] {
			seen[dir] = true
			out = append(out, dir)
		}
	}
	for _, d := range fw.dirs {
		add(filepath.Clean(d))
	}
	for f := range fw.files {
		add(filepath.Dir(f))
	}
	return out
}

func (fw *FileWatcher) watchLoop() {
	ticker := time.NewTicker(fw.debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-fw.done:
			return
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				if fw.matches(event.Name) {
					fw.changesMu.Lock()
					fw.changes[filepath.Clean(event.Name)] = time.Now()
					fw.changesMu.Unlock()
				}
			}
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.logger.Error("Watcher error", "error", err)
		case <-ticker.C:
			fw.processChanges()
		}
	}
}

// processChanges fires callbacks for paths that have been quiet for the debounce period.
func (fw *FileWatcher) processChanges() {
	now := time.Now()
	var ready []string
	fw.changesMu.Lock()
	for file, changeTime := range fw.changes {
		if now.Sub(changeTime) >= fw.debounce {
			ready = append(ready, file)
			delete(fw.changes, file)
		}
	}
	fw.changesMu.Unlock()

	for _, file := range ready {
		fw.logger.Debug("File changed", "file", file)
		fw.notifyCallbacks(file)
	}
}

func (fw *FileWatcher) notifyCallbacks(file string) {
	fw.callbacksMu.RLock()
	defer fw.callbacksMu.RUnlock()
	for _, callback := range fw.callbacks {
		callback(file)
	}
}

// matches is true for watched files, or for names matching a pattern when
// patterns are set. Without either, everything in the watched dirs matches.
func (fw *FileWatcher) matches(file string) bool {
	if fw.files[filepath.Clean(file)] {
		return true
	}
	if len(fw.patterns) == 0 {
		return len(fw.files) == 0
	}
	base := filepath.Base(file)
	for _, pattern := range fw.patterns {
		matched, err := filepath.Match(pattern, base)
		if err != nil {
			fw.logger.Error("Pattern match error", "pattern", pattern, "error", err)
			continue
		}
		if matched {
			return true
		}
	}
	return false
}
