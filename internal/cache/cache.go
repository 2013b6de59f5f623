// Package cache owns one incrementally-maintained structured view per
// session file. Views are extended in place as the file grows; any other
// change to the file identity forces a rebuild from byte zero.
package cache

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lm-assist/backend/internal/jsonl"
	"github.com/lm-assist/backend/internal/session"
)

// DefaultTTL is how long a cached view is served without re-statting the
// file. Watch events cut the wait short via Refresh.
const DefaultTTL = 60 * time.Second

// Options configures a Cache.
type Options struct {
	TTL                time.Duration
	WarmingConcurrency int
}

// Meta is the file identity a view was derived from.
type Meta struct {
	Size  int64     `json:"fileSize"`
	Mtime time.Time `json:"mtime"`
}

type entry struct {
	mu sync.Mutex

	builder   *session.Builder
	offset    jsonl.Offset
	size      int64
	mtime     time.Time
	checkedAt time.Time

	// Raw records are bulky, so they are loaded only when first asked
	// for and keep their own resume offset. Never persisted.
	raws       []*jsonl.Record
	rawOffset  jsonl.Offset
	rawSize    int64
	rawMtime   time.Time
	rawChecked time.Time
}

// Cache maintains structured session views keyed by file path.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry

	ttl   time.Duration
	warmN int

	hits       atomic.Int64
	extensions atomic.Int64
	rebuilds   atomic.Int64
}

func New(opts Options) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.WarmingConcurrency <= 0 {
		opts.WarmingConcurrency = runtime.NumCPU()
	}
	return &Cache{
		entries: make(map[string]*entry),
		ttl:     opts.TTL,
		warmN:   opts.WarmingConcurrency,
	}
}

// acquire returns the entry for path, creating it if needed. The per-entry
// mutex makes concurrent readers of the same file share one scan.
func (c *Cache) acquire(path string) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[path]
	if !ok {
		e = &entry{}
		c.entries[path] = e
	}
	return e
}

// View returns a deep copy of the structured view for the session file,
// extending or rebuilding the cached state first when the file changed.
func (c *Cache) View(path string) (*session.View, Meta, error) {
	e := c.acquire(path)
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := c.ensureView(e, path, false); err != nil {
		return nil, Meta{}, err
	}
	return e.builder.View.Clone(), Meta{Size: e.size, Mtime: e.mtime}, nil
}

// Refresh bypasses the TTL and re-validates against the file now. Used by
// the watcher when change events arrive.
func (c *Cache) Refresh(path string) (*session.View, Meta, error) {
	e := c.acquire(path)
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := c.ensureView(e, path, true); err != nil {
		return nil, Meta{}, err
	}
	if !e.rawChecked.IsZero() {
		if err := c.ensureRaws(e, path, true); err != nil {
			log.Printf("[cache] refresh raws %s: %v", filepath.Base(path), err)
		}
	}
	return e.builder.View.Clone(), Meta{Size: e.size, Mtime: e.mtime}, nil
}

// RawMessages returns every schema-loose record of the file, incrementally
// maintained like the structured view but stored apart from it.
func (c *Cache) RawMessages(path string) ([]*jsonl.Record, Meta, error) {
	e := c.acquire(path)
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := c.ensureRaws(e, path, false); err != nil {
		return nil, Meta{}, err
	}
	out := make([]*jsonl.Record, len(e.raws))
	copy(out, e.raws)
	return out, Meta{Size: e.rawSize, Mtime: e.rawMtime}, nil
}

// Invalidate drops the cached state for a file. Used on unlink events.
func (c *Cache) Invalidate(path string) {
	c.mu.Lock()
	delete(c.entries, path)
	c.mu.Unlock()
}

// Len reports how many files currently have cached state.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats counts how structured-view requests were satisfied since start.
type Stats struct {
	Entries    int   `json:"entries"`
	Hits       int64 `json:"hits"`
	Extensions int64 `json:"extensions"`
	Rebuilds   int64 `json:"rebuilds"`
}

func (c *Cache) Stats() Stats {
	return Stats{
		Entries:    c.Len(),
		Hits:       c.hits.Load(),
		Extensions: c.extensions.Load(),
		Rebuilds:   c.rebuilds.Load(),
	}
}

// WarmProject eagerly parses every .jsonl under one project directory with
// bounded parallelism and returns how many files were parsed successfully.
// Cancelling ctx stops dispatching new files; parses already running finish.
func (c *Cache) WarmProject(ctx context.Context, projectDir string) int {
	dirents, err := os.ReadDir(projectDir)
	if err != nil {
		log.Printf("[cache] warm %s: %v", projectDir, err)
		return 0
	}
	sem := make(chan struct{}, c.warmN)
	var wg sync.WaitGroup
	var warmed atomic.Int32
	for _, d := range dirents {
		if ctx.Err() != nil {
			break
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".jsonl") {
			continue
		}
		path := filepath.Join(projectDir, d.Name())
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if _, _, err := c.View(path); err != nil {
				log.Printf("[cache] warm %s: %v", filepath.Base(path), err)
				return
			}
			warmed.Add(1)
		}()
	}
	wg.Wait()
	return int(warmed.Load())
}

// ensureView brings the structured view up to date with the file. Caller
// holds e.mu.
func (c *Cache) ensureView(e *entry, path string, force bool) error {
	if e.builder != nil && !force && time.Since(e.checkedAt) < c.ttl {
		c.hits.Add(1)
		return nil
	}
	st, err := os.Stat(path)
	if err != nil {
		return fsErr("stat", path, err)
	}
	if e.builder != nil && st.Size() == e.size && st.ModTime().Equal(e.mtime) {
		e.checkedAt = time.Now()
		c.hits.Add(1)
		return nil
	}
	if e.builder == nil || st.Size() <= e.size {
		// Never parsed, shrunk, or rewritten in place at the same size:
		// start over. Growth is the only extendable change.
		e.builder = session.NewBuilder()
		e.offset = jsonl.Offset{}
		c.rebuilds.Add(1)
	} else {
		c.extensions.Add(1)
	}
	res, err := jsonl.ScanFrom(path, e.offset)
	if err != nil {
		return fsErr("scan", path, err)
	}
	e.builder.Apply(res.Records)
	e.builder.View.MalformedLines += res.Malformed
	e.offset = res.Next
	e.size = st.Size()
	e.mtime = st.ModTime()
	e.checkedAt = time.Now()
	if e.builder.View.LastLineIndex < 0 && e.builder.View.MalformedLines > 0 {
		return fmt.Errorf("%s: %w", filepath.Base(path), session.ErrMalformed)
	}
	return nil
}

// ensureRaws is ensureView for the raw record list. Caller holds e.mu.
func (c *Cache) ensureRaws(e *entry, path string, force bool) error {
	if !e.rawChecked.IsZero() && !force && time.Since(e.rawChecked) < c.ttl {
		return nil
	}
	st, err := os.Stat(path)
	if err != nil {
		return fsErr("stat", path, err)
	}
	if !e.rawChecked.IsZero() && st.Size() == e.rawSize && st.ModTime().Equal(e.rawMtime) {
		e.rawChecked = time.Now()
		return nil
	}
	if e.rawChecked.IsZero() || st.Size() <= e.rawSize {
		e.raws = nil
		e.rawOffset = jsonl.Offset{}
	}
	res, err := jsonl.ScanFrom(path, e.rawOffset)
	if err != nil {
		return fsErr("scan", path, err)
	}
	e.raws = append(e.raws, res.Records...)
	e.rawOffset = res.Next
	e.rawSize = st.Size()
	e.rawMtime = st.ModTime()
	e.rawChecked = time.Now()
	return nil
}

func fsErr(op, path string, err error) error {
	if os.IsNotExist(err) {
		return fmt.Errorf("session file %s: %w", filepath.Base(path), session.ErrNotFound)
	}
	return fmt.Errorf("%s %s: %w: %v", op, filepath.Base(path), session.ErrIO, err)
}
