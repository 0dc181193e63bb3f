// Package watcher detects changes to plugin sources and triggers a reload.
package watcher

import (
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"

	"github.com/adap-ai/adap/internal/logging"
)

// settle is how long notify mode waits after the first event before
// re-scanning, so a burst of writes collapses into one scan.
const settle = 100 * time.Millisecond

// Watcher compares {path: mtime} snapshots of a set of directories and
// calls onChange at most once per scan when they differ.
type Watcher struct {
	dirs       []string
	onChange   func() error
	interval   time.Duration
	extensions []string
	notify     bool
	logger     *log.Logger

	mu      sync.Mutex
	mtimes  map[string]time.Time
	running bool
	stop    chan struct{}
	wg      sync.WaitGroup
	fsw     *fsnotify.Watcher
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithInterval sets the poll interval.
func WithInterval(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithExtensions limits the watched files to the given extensions.
func WithExtensions(exts ...string) Option {
	return func(w *Watcher) {
		if len(exts) > 0 {
			w.extensions = exts
		}
	}
}

// WithNotify makes filesystem notifications wake the loop before the next
// poll. Polling continues either way.
func WithNotify(enabled bool) Option {
	return func(w *Watcher) { w.notify = enabled }
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(w *Watcher) { w.logger = logging.OrDiscard(l) }
}

// New creates a Watcher over dirs. Missing directories are skipped.
func New(dirs []string, onChange func() error, opts ...Option) *Watcher {
	w := &Watcher{
		dirs:       dirs,
		onChange:   onChange,
		interval:   1500 * time.Millisecond,
		extensions: []string{".lua"},
		logger:     logging.Discard(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start takes the initial snapshot and launches the watch loop.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	w.mtimes = w.snapshot()
	w.stop = make(chan struct{})
	w.running = true

	var events <-chan fsnotify.Event
	var errors <-chan error
	if w.notify {
		fsw, err := w.newNotifier()
		if err != nil {
			w.logger.Warn("filesystem notifications unavailable; polling only", "error", err)
		} else {
			w.fsw = fsw
			events, errors = fsw.Events, fsw.Errors
		}
	}

	w.wg.Add(1)
	go w.loop(w.stop, events, errors)
	return nil
}

// Stop ends the watch loop and waits for it to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stop)
	fsw := w.fsw
	w.fsw = nil
	w.mu.Unlock()

	w.wg.Wait()
	if fsw != nil {
		fsw.Close()
	}
}

func (w *Watcher) loop(stop <-chan struct{}, events <-chan fsnotify.Event, errors <-chan error) {
	defer w.wg.Done()

	timer := time.NewTimer(w.interval)
	defer timer.Stop()

	for {
		select {
		case <-stop:
			return

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if w.matches(ev.Name) {
				resetTimer(timer, settle)
			}

		case err, ok := <-errors:
			if !ok {
				errors = nil
				continue
			}
			w.logger.Warn("filesystem notification error", "error", err)

		case <-timer.C:
			w.check()
			timer.Reset(w.interval)
		}
	}
}

// check re-snapshots and fires onChange once if anything differs.
func (w *Watcher) check() bool {
	snap := w.snapshot()

	w.mu.Lock()
	changed := !maps.Equal(snap, w.mtimes)
	if changed {
		w.mtimes = snap
	}
	w.mu.Unlock()

	if !changed {
		return false
	}

	w.logger.Debug("source change detected", "files", len(snap))
	if err := w.invoke(); err != nil {
		w.logger.Warn("change handler failed", "error", err)
	}
	return true
}

func (w *Watcher) invoke() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("change handler panic: %v", r)
		}
	}()
	if w.onChange == nil {
		return nil
	}
	return w.onChange()
}

func (w *Watcher) snapshot() map[string]time.Time {
	snap := make(map[string]time.Time)
	for _, dir := range w.dirs {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			continue
		}
		filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() || !w.matches(path) {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			snap[path] = info.ModTime()
			return nil
		})
	}
	return snap
}

func (w *Watcher) matches(path string) bool {
	ext := filepath.Ext(path)
	for _, e := range w.extensions {
		if strings.EqualFold(ext, e) {
			return true
		}
	}
	return false
}

func (w *Watcher) newNotifier() (*fsnotify.Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, dir := range w.dirs {
		filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil || !d.IsDir() {
				return nil
			}
			if addErr := fsw.Add(path); addErr != nil {
				w.logger.Warn("failed to watch directory", "dir", path, "error", addErr)
			}
			return nil
		})
	}
	return fsw, nil
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
