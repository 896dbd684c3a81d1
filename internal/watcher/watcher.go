// Package watcher monitors the circuit file and the tracked sources for
// changes made outside the daemon.
package watcher

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Kind classifies an Event.
type Kind string

const (
	Changed Kind = "changed"
	Removed Kind = "removed"
)

// Event reports a watched file whose content settled after a change, or
// that disappeared.
type Event struct {
	Path      string
	Kind      Kind
	Hash      string
	Size      int64
	Timestamp time.Time
}

// Handler consumes events in Run.
type Handler interface {
	FileChanged(ctx context.Context, path string)
	FileRemoved(ctx context.Context, path string)
}

// Watcher monitors a changing set of files. Files are watched through
// their directories so that atomic replace-by-rename is seen.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	interval  time.Duration
	logger    *slog.Logger

	mu    sync.RWMutex
	files map[string]bool
	dirs  map[string]int
	// pending maps a changed path to the time of its last fs event.
	pending map[string]time.Time
	// hashes holds the last hash reported per path.
	hashes map[string]string

	events chan Event
	errors chan error

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a watcher. A file is reported once it saw no event for
// debounce.
func New(debounce time.Duration, logger *slog.Logger) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = 300 * time.Millisecond
	}
	return &Watcher{
		fsWatcher: fsWatcher,
		interval:  debounce,
		logger:    logger.With("component", "watcher"),
		files:     make(map[string]bool),
		dirs:      make(map[string]int),
		pending:   make(map[string]time.Time),
		hashes:    make(map[string]string),
		events:    make(chan Event, 100),
		errors:    make(chan error, 10),
		done:      make(chan struct{}),
	}, nil
}

// Events returns the channel of file events.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Errors returns the channel of errors.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// Start begins processing fs events.
func (w *Watcher) Start() {
	w.wg.Add(2)
	go w.eventLoop()
	go w.debounceLoop()
}

// Stop gracefully shuts down the watcher.
func (w *Watcher) Stop() error {
	close(w.done)
	w.wg.Wait()
	close(w.events)
	close(w.errors)
	return w.fsWatcher.Close()
}

// SetFiles replaces the set of watched files. Files that do not exist yet
// are watched through their directory when it exists.
func (w *Watcher) SetFiles(paths []string) {
	next := make(map[string]bool, len(paths))
	for _, p := range paths {
		if p == "" {
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			continue
		}
		next[filepath.Clean(abs)] = true
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	for path := range w.files {
		if next[path] {
			continue
		}
		delete(w.files, path)
		delete(w.pending, path)
		delete(w.hashes, path)
		w.releaseDir(filepath.Dir(path))
	}
	for path := range next {
		if w.files[path] {
			continue
		}
		w.files[path] = true
		if hash, _, err := HashFile(path); err == nil {
			w.hashes[path] = hash
		}
		w.retainDir(filepath.Dir(path))
	}
}

func (w *Watcher) retainDir(dir string) {
	w.dirs[dir]++
	if w.dirs[dir] > 1 {
		return
	}
	if err := w.fsWatcher.Add(dir); err != nil {
		w.logger.Debug("cannot watch directory", "dir", dir, "error", err)
	}
}

func (w *Watcher) releaseDir(dir string) {
	w.dirs[dir]--
	if w.dirs[dir] > 0 {
		return
	}
	delete(w.dirs, dir)
	w.fsWatcher.Remove(dir)
}

// WatchedFiles returns the watched files, sorted.
func (w *Watcher) WatchedFiles() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]string, 0, len(w.files))
	for path := range w.files {
		out = append(out, path)
	}
	sort.Strings(out)
	return out
}

// eventLoop handles fsnotify events.
func (w *Watcher) eventLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			path := filepath.Clean(event.Name)
			w.mu.Lock()
			if w.files[path] {
				w.pending[path] = time.Now()
			}
			w.mu.Unlock()

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			default:
			}
		}
	}
}

// debounceLoop reports files whose events settled.
func (w *Watcher) debounceLoop() {
	defer w.wg.Done()

	tick := w.interval / 2
	if tick > time.Second {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return

		case now := <-ticker.C:
			w.checkStableFiles(now)
		}
	}
}

type stableFile struct {
	path    string
	lastMod time.Time
}

// checkStableFiles hashes the files that saw no event for the debounce
// interval. The lock is released during file I/O.
func (w *Watcher) checkStableFiles(now time.Time) {
	threshold := now.Add(-w.interval)

	var stable []stableFile
	w.mu.RLock()
	for path, lastMod := range w.pending {
		if lastMod.Before(threshold) {
			stable = append(stable, stableFile{path: path, lastMod: lastMod})
		}
	}
	w.mu.RUnlock()

	if len(stable) == 0 {
		return
	}

	type hashResult struct {
		stableFile
		hash string
		size int64
		err  error
	}
	results := make([]hashResult, len(stable))
	for i, sf := range stable {
		hash, size, err := HashFile(sf.path)
		results[i] = hashResult{stableFile: sf, hash: hash, size: size, err: err}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, r := range results {
		// Modified again while hashing, or no longer watched.
		if cur, ok := w.pending[r.path]; !ok || cur != r.lastMod {
			continue
		}

		ev := Event{Path: r.path, Kind: Changed, Hash: r.hash, Size: r.size, Timestamp: now}
		switch {
		case errors.Is(r.err, fs.ErrNotExist):
			if _, known := w.hashes[r.path]; !known {
				delete(w.pending, r.path)
				continue
			}
			ev = Event{Path: r.path, Kind: Removed, Timestamp: now}
		case r.err != nil:
			select {
			case w.errors <- r.err:
			default:
			}
			delete(w.pending, r.path)
			continue
		case w.hashes[r.path] == r.hash:
			// Touched but not changed.
			delete(w.pending, r.path)
			continue
		}

		select {
		case w.events <- ev:
			delete(w.pending, r.path)
			if ev.Kind == Removed {
				delete(w.hashes, r.path)
			} else {
				w.hashes[r.path] = r.hash
			}
		default:
			// Event channel full, try again later
		}
	}
}

// Run passes events to h until ctx is done or the watcher stops.
func (w *Watcher) Run(ctx context.Context, h Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.events:
			if !ok {
				return nil
			}
			w.logger.Debug("file event", "path", ev.Path, "kind", ev.Kind)
			switch ev.Kind {
			case Changed:
				h.FileChanged(ctx, ev.Path)
			case Removed:
				h.FileRemoved(ctx, ev.Path)
			}
		case err, ok := <-w.errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

// HashFile computes the SHA-512 of a file, hex encoded, using streaming.
func HashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha512.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}
