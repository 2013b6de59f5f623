package cache

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lm-assist/backend/internal/jsonl"
	"github.com/lm-assist/backend/internal/paths"
	"github.com/lm-assist/backend/internal/session"
)

const (
	// snapshotVersion is bumped when the persisted schema changes. Old
	// snapshots are discarded rather than migrated.
	snapshotVersion = 1

	cacheFileName = "session-cache.json"
)

type persistedEntry struct {
	Builder *session.Builder `json:"builder"`
	Offset  jsonl.Offset     `json:"offset"`
	Size    int64            `json:"fileSize"`
	Mtime   time.Time        `json:"mtime"`
}

type snapshot struct {
	Version int                        `json:"version"`
	SavedAt time.Time                  `json:"savedAt"`
	Entries map[string]*persistedEntry `json:"entries"`
}

// SnapshotPath returns where the session-cache snapshot for a project
// lives: {projectPath}/.lm-assist/session-cache.json.
func SnapshotPath(projectPath string) string {
	return filepath.Join(paths.StateDir(projectPath), cacheFileName)
}

// Persist writes every cached view whose file lives under projectDir to the
// project's snapshot file. Raw records are deliberately left out.
func (c *Cache) Persist(projectDir, projectPath string) error {
	snap := snapshot{
		Version: snapshotVersion,
		SavedAt: time.Now().UTC(),
		Entries: make(map[string]*persistedEntry),
	}

	prefix := filepath.Clean(projectDir) + string(filepath.Separator)
	c.mu.Lock()
	keys := make([]string, 0, len(c.entries))
	for path := range c.entries {
		if strings.HasPrefix(path, prefix) {
			keys = append(keys, path)
		}
	}
	c.mu.Unlock()

	for _, path := range keys {
		e := c.acquire(path)
		e.mu.Lock()
		if e.builder != nil {
			// Copy under the lock so a concurrent extension cannot
			// mutate the builder mid-marshal.
			snap.Entries[path] = &persistedEntry{
				Builder: &session.Builder{
					View:        e.builder.View.Clone(),
					PromptCount: e.builder.PromptCount,
					InitSeen:    e.builder.InitSeen,
				},
				Offset: e.offset,
				Size:   e.size,
				Mtime:  e.mtime,
			}
		}
		e.mu.Unlock()
	}
	if len(snap.Entries) == 0 {
		return nil
	}

	data, err := json.Marshal(&snap)
	if err != nil {
		return fmt.Errorf("marshaling cache snapshot: %w", err)
	}
	return writeAtomic(paths.StateDir(projectPath), cacheFileName, data)
}

// LoadPersisted seeds the cache from a project's snapshot file. Entries
// whose (size, mtime) no longer match the file on disk are skipped; they
// rebuild transparently on first access. Returns how many entries were
// adopted.
func (c *Cache) LoadPersisted(projectPath string) (int, error) {
	data, err := os.ReadFile(SnapshotPath(projectPath))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading cache snapshot: %w", err)
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return 0, fmt.Errorf("parsing cache snapshot: %w", err)
	}
	if snap.Version != snapshotVersion {
		return 0, nil
	}

	loaded := 0
	for path, pe := range snap.Entries {
		if pe.Builder == nil || pe.Builder.View == nil {
			continue
		}
		st, err := os.Stat(path)
		if err != nil {
			continue
		}
		if st.Size() != pe.Size || !st.ModTime().Equal(pe.Mtime) {
			log.Printf("[cache] snapshot stale for %s, will rebuild", filepath.Base(path))
			continue
		}
		pe.Builder.Reindex()
		e := c.acquire(path)
		e.mu.Lock()
		if e.builder == nil {
			e.builder = pe.Builder
			e.offset = pe.Offset
			e.size = pe.Size
			e.mtime = pe.Mtime
			e.checkedAt = time.Now()
			loaded++
		}
		e.mu.Unlock()
	}
	return loaded, nil
}

// writeAtomic writes data to dir/name via a temp file and rename so readers
// never observe a torn file.
func writeAtomic(dir, name string, data []byte) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+name+"-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("renaming into place: %w", err)
	}
	committed = true
	return nil
}
