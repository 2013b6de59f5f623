// Package watch delivers debounced filesystem change batches for session
// files under the Claude projects root. Consumers decide what to do with a
// batch (refresh caches, push events); the watcher itself never parses.
package watch

import (
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce coalesces rapid writes (tool call round-trips) into a
// single batch per directory.
const DefaultDebounce = 500 * time.Millisecond

// Kind classifies one file change.
type Kind string

const (
	KindAdd    Kind = "add"
	KindChange Kind = "change"
	KindUnlink Kind = "unlink"
)

// Change is one session file change.
type Change struct {
	Path string `json:"path"`
	Kind Kind   `json:"kind"`
}

// Batch groups the changes observed in one directory within one debounce
// window.
type Batch struct {
	Dir     string   `json:"dir"`
	Changes []Change `json:"changes"`
}

// Watcher tails directories for .jsonl changes. New directories (projects,
// session subdirs, subagents dirs) are picked up as they appear.
type Watcher struct {
	fsw      *fsnotify.Watcher
	debounce time.Duration
	batches  chan Batch
	done     chan struct{}

	// Guards pending and timers. Never held while delivering a batch.
	mu      sync.Mutex
	pending map[string]map[string]Kind
	timers  map[string]*time.Timer
}

func New(debounce time.Duration) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		fsw:      fsw,
		debounce: debounce,
		batches:  make(chan Batch, 64),
		done:     make(chan struct{}),
		pending:  make(map[string]map[string]Kind),
		timers:   make(map[string]*time.Timer),
	}
	go w.run()
	return w, nil
}

// Batches is the delivery channel. It stays open for the watcher lifetime;
// Close stops delivery without closing it.
func (w *Watcher) Batches() <-chan Batch { return w.batches }

// Add starts watching one directory.
func (w *Watcher) Add(dir string) error { return w.fsw.Add(dir) }

// WatchProjectsRoot registers the projects root, every project directory
// under it, and any existing session/subagents subdirectories. Directories
// created later are registered by the event loop.
func (w *Watcher) WatchProjectsRoot(root string) error {
	if err := w.fsw.Add(root); err != nil {
		return err
	}
	projects, err := os.ReadDir(root)
	if err != nil {
		return err
	}
	for _, p := range projects {
		if !p.IsDir() {
			continue
		}
		projectDir := filepath.Join(root, p.Name())
		if err := w.fsw.Add(projectDir); err != nil {
			log.Printf("[watch] add %s: %v", projectDir, err)
			continue
		}
		subs, err := os.ReadDir(projectDir)
		if err != nil {
			continue
		}
		for _, s := range subs {
			if !s.IsDir() {
				continue
			}
			sessionDir := filepath.Join(projectDir, s.Name())
			_ = w.fsw.Add(sessionDir)
			subagents := filepath.Join(sessionDir, "subagents")
			if st, err := os.Stat(subagents); err == nil && st.IsDir() {
				_ = w.fsw.Add(subagents)
			}
		}
	}
	return nil
}

// Close stops the watcher and cancels pending flushes.
func (w *Watcher) Close() error {
	close(w.done)
	w.mu.Lock()
	for _, t := range w.timers {
		t.Stop()
	}
	w.mu.Unlock()
	return w.fsw.Close()
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Printf("[watch] %v", err)
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if event.Has(fsnotify.Create) {
		if st, err := os.Stat(event.Name); err == nil && st.IsDir() {
			// New project or subagents directory: watch it from now on.
			_ = w.fsw.Add(event.Name)
			return
		}
	}
	if !strings.HasSuffix(event.Name, ".jsonl") {
		return
	}

	var kind Kind
	switch {
	case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
		kind = KindUnlink
	case event.Has(fsnotify.Create):
		kind = KindAdd
	case event.Has(fsnotify.Write):
		kind = KindChange
	default:
		return
	}
	w.record(event.Name, kind)
}

// record merges the change into the directory's pending set and (re)arms
// its debounce timer.
func (w *Watcher) record(path string, kind Kind) {
	dir := filepath.Dir(path)
	w.mu.Lock()
	defer w.mu.Unlock()

	set, ok := w.pending[dir]
	if !ok {
		set = make(map[string]Kind)
		w.pending[dir] = set
	}
	// A create followed by writes within the window is still "add";
	// anything followed by a remove is "unlink".
	if prev, ok := set[path]; !ok || !(prev == KindAdd && kind == KindChange) {
		set[path] = kind
	}

	if t, ok := w.timers[dir]; ok {
		t.Stop()
	}
	w.timers[dir] = time.AfterFunc(w.debounce, func() { w.flush(dir) })
}

func (w *Watcher) flush(dir string) {
	w.mu.Lock()
	set := w.pending[dir]
	delete(w.pending, dir)
	delete(w.timers, dir)
	w.mu.Unlock()
	if len(set) == 0 {
		return
	}

	b := Batch{Dir: dir, Changes: make([]Change, 0, len(set))}
	for path, kind := range set {
		b.Changes = append(b.Changes, Change{Path: path, Kind: kind})
	}
	sort.Slice(b.Changes, func(i, j int) bool { return b.Changes[i].Path < b.Changes[j].Path })
	select {
	case w.batches <- b:
	case <-w.done:
	}
}
