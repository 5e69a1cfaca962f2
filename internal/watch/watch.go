// Package watch keeps a running policy store consistent with the files that
// feed it: pattern files are re-merged when they change and the builtin
// tables are re-verified whenever another process writes the store.
package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

// Kind says which source an event belongs to.
type Kind string

const (
	KindStore    Kind = "store"
	KindPatterns Kind = "patterns"
)

// Event is a debounced file change emitted by Watcher.
type Event struct {
	Path string
	Kind Kind
	Op   fsnotify.Op
	At   time.Time
}

// DefaultDebounce is how long a path must stay quiet before its event is
// emitted. SQLite touches the WAL several times per transaction.
const DefaultDebounce = 250 * time.Millisecond

// Watcher watches a policy store and its pattern files.
//
// Directories are watched rather than files so editors that replace a
// file by rename are still seen.
type Watcher struct {
	store        string
	patternFiles map[string]bool
	dirs         []string

	watcher *fsnotify.Watcher
	logger  *log.Logger

	debounceWindow time.Duration
	events         chan Event
	errors         chan error

	mu      sync.Mutex
	pending map[string]fsnotify.Op
	timer   *time.Timer

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce overrides DefaultDebounce.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounceWindow = d
		}
	}
}

// WithLogger sets the logger used for dropped errors and skipped dirs.
func WithLogger(l *log.Logger) Option {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// New creates a watcher for the store at storePath and the given pattern
// files. Pattern files whose directory does not exist yet are skipped.
func New(storePath string, patternFiles []string, opts ...Option) (*Watcher, error) {
	storePath = strings.TrimSpace(storePath)
	if storePath == "" {
		return nil, fmt.Errorf("store path is required")
	}
	storePath = filepath.Clean(storePath)

	w := &Watcher{
		store:          storePath,
		patternFiles:   make(map[string]bool, len(patternFiles)),
		logger:         log.Default().WithPrefix("watch"),
		debounceWindow: DefaultDebounce,
		events:         make(chan Event, 64),
		errors:         make(chan error, 16),
		pending:        make(map[string]fsnotify.Op),
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	dirs := map[string]bool{filepath.Dir(storePath): true}
	for _, p := range patternFiles {
		if strings.TrimSpace(p) == "" {
			continue
		}
		p = filepath.Clean(p)
		w.patternFiles[p] = true
		dirs[filepath.Dir(p)] = true
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("new fsnotify watcher: %w", err)
	}
	w.watcher = fsw

	storeDir := filepath.Dir(storePath)
	for _, dir := range sortedKeys(dirs) {
		if _, err := os.Stat(dir); err != nil && dir != storeDir {
			w.logger.Debug("pattern directory not watched", "dir", dir, "error", err)
			continue
		}
		if err := fsw.Add(dir); err != nil {
			fsw.Close()
			return nil, fmt.Errorf("watch %s: %w", dir, err)
		}
		w.dirs = append(w.dirs, dir)
	}
	return w, nil
}

// Dirs returns the directories being watched.
func (w *Watcher) Dirs() []string {
	return append([]string(nil), w.dirs...)
}

// Events returns a channel of debounced events. It is closed on Stop().
func (w *Watcher) Events() <-chan Event {
	if w == nil {
		ch := make(chan Event)
		close(ch)
		return ch
	}
	return w.events
}

// Errors returns a channel of watcher errors. It is closed on Stop().
func (w *Watcher) Errors() <-chan error {
	if w == nil {
		ch := make(chan error)
		close(ch)
		return ch
	}
	return w.errors
}

// Start starts the watcher event loop in a goroutine.
func (w *Watcher) Start(ctx context.Context) error {
	if w == nil || w.watcher == nil {
		return fmt.Errorf("watcher is not initialized")
	}

	w.startOnce.Do(func() {
		go w.loop(ctx)
	})
	return nil
}

// Stop stops the watcher and closes its channels.
func (w *Watcher) Stop() error {
	if w == nil {
		return nil
	}
	w.stopOnce.Do(func() {
		close(w.stopCh)
		_ = w.watcher.Close()
		w.startOnce.Do(func() { close(w.doneCh) })
		<-w.doneCh
	})
	return nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.doneCh)
	defer close(w.events)
	defer close(w.errors)

	for {
		var timerC <-chan time.Time
		w.mu.Lock()
		if w.timer != nil {
			timerC = w.timer.C
		}
		w.mu.Unlock()

		select {
		case <-ctx.Done():
			w.flush()
			return
		case <-w.stopCh:
			w.flush()
			return
		case err, ok := <-w.watcher.Errors:
			if !ok {
				w.flush()
				return
			}
			w.sendError(err)
		case ev, ok := <-w.watcher.Events:
			if !ok {
				w.flush()
				return
			}
			if _, ok := w.kindOf(ev.Name); !ok {
				continue
			}
			w.record(ev.Name, ev.Op)
		case <-timerC:
			w.flush()
		}
	}
}

// kindOf classifies path. Only the database file and its WAL carry
// committed changes; the shared-memory index and rollback journal churn on
// reads as well and are ignored.
func (w *Watcher) kindOf(path string) (Kind, bool) {
	path = filepath.Clean(path)

	switch path {
	case w.store, w.store + "-wal":
		return KindStore, true
	}
	if w.patternFiles[path] {
		return KindPatterns, true
	}
	return "", false
}

func (w *Watcher) record(path string, op fsnotify.Op) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending[filepath.Clean(path)] |= op

	if w.timer == nil {
		w.timer = time.NewTimer(w.debounceWindow)
		return
	}

	if !w.timer.Stop() {
		select {
		case <-w.timer.C:
		default:
		}
	}
	w.timer.Reset(w.debounceWindow)
}

func (w *Watcher) flush() {
	w.mu.Lock()
	pending := w.pending
	w.pending = make(map[string]fsnotify.Op)

	if w.timer != nil {
		if !w.timer.Stop() {
			select {
			case <-w.timer.C:
			default:
			}
		}
		w.timer = nil
	}
	w.mu.Unlock()

	now := time.Now().UTC()
	for _, path := range sortedKeys(pending) {
		kind, _ := w.kindOf(path)
		w.events <- Event{Path: path, Kind: kind, Op: pending[path], At: now}
	}
}

func (w *Watcher) sendError(err error) {
	if err == nil {
		return
	}
	select {
	case w.errors <- err:
	default:
		w.logger.Warn("watcher error dropped", "error", err)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
