package filewatcher

import (
	"log/slog"
	"path/filepath"
	"time"
)

// Option configures a FileWatcher
type Option func(*FileWatcher)

// WithLogger sets the logger for the file watcher
func WithLogger(logger *slog.Logger) Option {
	return func(fw *FileWatcher) {
		if logger != nil {
			fw.logger = logger
		}
	}
}

// WithFiles watches exactly these paths. Empty entries are ignored.
func WithFiles(files ...string) Option {
	return func(fw *FileWatcher) {
		for _, f := range files {
			if f != "" {
				fw.files[filepath.Clean(f)] = true
			}
		}
	}
}

// WithDirs watches whole directories, filtered by WithPatterns if given.
func WithDirs(dirs []string) Option {
	return func(fw *FileWatcher) {
		fw.dirs = append(fw.dirs, dirs...)
	}
}

// WithPatterns sets base-name glob patterns for files under WithDirs.
func WithPatterns(patterns []string) Option {
	return func(fw *FileWatcher) {
		if len(patterns) > 0 {
			fw.patterns = patterns
		}
	}
}

// WithDebounce sets the quiet period before a change is reported.
func WithDebounce(d time.Duration) Option {
	return func(fw *FileWatcher) {
		if d > 0 {
			fw.debounce = d
		}
	}
}
