package executions

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

const (
	eventsFileName   = "events.jsonl"
	execsFileName    = "executions.json"
	blockingFileName = "blocking-events.json"
	changesFileName  = "session-changes.json"
)

// persister owns the store's on-disk state. Event appends are serialized
// through its lock so concurrent completions cannot interleave JSONL
// lines; snapshots rewrite whole files atomically.
type persister struct {
	mu  sync.Mutex
	dir string
}

func newPersister(dir string) *persister {
	return &persister{dir: dir}
}

func (p *persister) appendEvent(ev *Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	data = append(data, '\n')

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(p.dir, eventsFileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening event log: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("appending event: %w", err)
	}
	return f.Close()
}

func (p *persister) saveExecutions(list []*Execution) error {
	return p.saveJSON(execsFileName, list)
}

func (p *persister) saveBlocking(list []*BlockingEvent) error {
	return p.saveJSON(blockingFileName, list)
}

func (p *persister) saveChanges(list []*ChangeBundle) error {
	return p.saveJSON(changesFileName, list)
}

func (p *persister) saveJSON(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", name, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return writeAtomic(p.dir, name, data)
}

func (p *persister) loadExecutions() ([]*Execution, error) {
	var list []*Execution
	if err := p.loadJSON(execsFileName, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (p *persister) loadBlocking() ([]*BlockingEvent, error) {
	var list []*BlockingEvent
	if err := p.loadJSON(blockingFileName, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (p *persister) loadChanges() ([]*ChangeBundle, error) {
	var list []*ChangeBundle
	if err := p.loadJSON(changesFileName, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (p *persister) loadJSON(name string, v any) error {
	data, err := os.ReadFile(filepath.Join(p.dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parsing %s: %w", name, err)
	}
	return nil
}

// Load seeds the store from a previous run's snapshots: finished
// executions, blocking events, and change bundles. Live executions are
// never persisted, so everything adopted arrives finished. Returns how
// many executions were adopted.
func (s *Store) Load() (int, error) {
	if s.persist == nil {
		return 0, nil
	}
	execs, err := s.persist.loadExecutions()
	if err != nil {
		return 0, err
	}
	blocking, err := s.persist.loadBlocking()
	if err != nil {
		return 0, err
	}
	changes, err := s.persist.loadChanges()
	if err != nil {
		return 0, err
	}

	sort.Slice(execs, func(i, j int) bool { return execs[i].StartedAt.Before(execs[j].StartedAt) })

	s.mu.Lock()
	defer s.mu.Unlock()
	adopted := 0
	loadedIDs := make([]string, 0, len(execs))
	for _, e := range execs {
		if e == nil || e.ID == "" || !e.Status.Terminal() {
			continue
		}
		if _, exists := s.executions[e.ID]; exists {
			continue
		}
		if len(s.executions) >= s.maxExecutions {
			break
		}
		s.executions[e.ID] = e
		loadedIDs = append(loadedIDs, e.ID)
		if e.ClaudeSessionID != "" {
			if _, taken := s.bySession[e.ClaudeSessionID]; !taken {
				s.bySession[e.ClaudeSessionID] = e.ID
			}
		}
		adopted++
	}
	// Adopted executions predate anything started this run.
	s.order = append(loadedIDs, s.order...)

	for _, be := range blocking {
		if be == nil || be.ID == "" {
			continue
		}
		if _, exists := s.blocking[be.ID]; !exists {
			s.blocking[be.ID] = be
		}
	}
	for _, cb := range changes {
		if cb == nil || cb.ExecutionID == "" {
			continue
		}
		if _, exists := s.changes[cb.ExecutionID]; !exists {
			s.changes[cb.ExecutionID] = cb
			if e := s.executions[cb.ExecutionID]; e != nil && e.Changes == nil {
				sum := cb.Summary
				e.Changes = &sum
			}
		}
	}
	return adopted, nil
}

// writeAtomic writes data to dir/name via a temp file and rename so
// readers never observe a torn file.
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
