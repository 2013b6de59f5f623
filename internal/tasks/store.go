package tasks

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/lm-assist/backend/internal/cache"
	"github.com/lm-assist/backend/internal/extract"
	"github.com/lm-assist/backend/internal/paths"
	"github.com/lm-assist/backend/internal/session"
)

const (
	storeVersion  = 1
	storeFileName = "task-store.json"
)

// Options configure a Store.
type Options struct {
	// ProjectPath is the absolute working directory whose sessions the
	// store projects.
	ProjectPath string
	// AutoRefresh re-runs Refresh on this interval. Zero disables the
	// ticker; the owner then drives refreshes from the watcher.
	AutoRefresh time.Duration
	// AutoPersist writes the snapshot after every refresh that changed
	// the projection.
	AutoPersist bool
}

// Store holds the task projection for one project. Refresh rebuilds a
// temporary map from every session and swaps it in atomically, so reads
// never observe a half-scanned state. The swapped-out maps are never
// mutated again, which is what makes the cheap snapshot reads safe.
type Store struct {
	cache *cache.Cache
	res   *paths.Resolver

	projectPath string
	projectDir  string
	autoPersist bool

	mu       sync.RWMutex
	tasks    map[string]*Task        // namespaced id -> task
	sessions map[string][]string     // session id -> namespaced ids, sorted
	scans    map[string]*SessionScan // session id -> last scan fingerprint

	subMu     sync.Mutex
	listeners map[int]Listener
	nextSub   int

	flightMu sync.Mutex
	flight   *flight

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// flight is one in-progress refresh. Callers that arrive while it runs
// wait on done and share its error instead of starting a second scan.
type flight struct {
	done chan struct{}
	err  error
}

// New builds a store for one project. Call Load before the first Refresh
// to reuse persisted scan state.
func New(c *cache.Cache, res *paths.Resolver, opts Options) *Store {
	s := &Store{
		cache:       c,
		res:         res,
		projectPath: opts.ProjectPath,
		projectDir:  res.ProjectDir(opts.ProjectPath),
		autoPersist: opts.AutoPersist,
		tasks:       make(map[string]*Task),
		sessions:    make(map[string][]string),
		scans:       make(map[string]*SessionScan),
		listeners:   make(map[int]Listener),
		stop:        make(chan struct{}),
	}
	if opts.AutoRefresh > 0 {
		s.done = make(chan struct{})
		go s.run(opts.AutoRefresh)
	}
	return s
}

// Close stops the auto-refresh ticker. It does not persist; the owner
// decides whether a final snapshot is wanted.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.stop)
		if s.done != nil {
			<-s.done
		}
	})
}

func (s *Store) run(interval time.Duration) {
	defer close(s.done)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := s.Refresh(); err != nil {
				log.Printf("[tasks] auto refresh: %v", err)
			}
		case <-s.stop:
			return
		}
	}
}

// Subscribe registers a diff listener and returns its unsubscribe func.
func (s *Store) Subscribe(fn Listener) func() {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.listeners[id] = fn
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.listeners, id)
		s.subMu.Unlock()
	}
}

func (s *Store) emit(events []Event) {
	if len(events) == 0 {
		return
	}
	s.subMu.Lock()
	fns := make([]Listener, 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()
	for _, ev := range events {
		for _, fn := range fns {
			func() {
				defer func() {
					if r := recover(); r != nil {
						log.Printf("[tasks] listener panic: %v", r)
					}
				}()
				fn(ev)
			}()
		}
	}
}

// Refresh rescans every session in the project. Refreshes are
// single-flight: a caller that arrives while one is running waits for it
// and shares its result.
func (s *Store) Refresh() error {
	s.flightMu.Lock()
	if f := s.flight; f != nil {
		s.flightMu.Unlock()
		<-f.done
		return f.err
	}
	f := &flight{done: make(chan struct{})}
	s.flight = f
	s.flightMu.Unlock()

	f.err = s.refresh()

	s.flightMu.Lock()
	s.flight = nil
	s.flightMu.Unlock()
	close(f.done)
	return f.err
}

func (s *Store) refresh() error {
	files, err := paths.ListSessionFiles(s.projectDir)
	if err != nil {
		if os.IsNotExist(err) {
			// No sessions recorded for this project yet.
			files = nil
		} else {
			return fmt.Errorf("tasks: listing sessions: %w", err)
		}
	}

	s.mu.RLock()
	oldTasks := s.tasks
	oldSessions := s.sessions
	oldScans := s.scans
	s.mu.RUnlock()

	newTasks := make(map[string]*Task, len(oldTasks))
	newSessions := make(map[string][]string, len(files))
	newScans := make(map[string]*SessionScan, len(files))
	var adhoc []string
	now := time.Now().UTC()

	for _, file := range files {
		sid := paths.SessionIDFromPath(file)
		info, err := os.Stat(file)
		if err != nil {
			// Listed a moment ago but gone now; treat as removed.
			continue
		}
		extCount, extMtime := statExternal(s.res.TaskDir(sid))

		if old, ok := oldScans[sid]; ok && old.matches(info.Size(), info.ModTime(), extCount, extMtime) {
			// Nothing moved; carry the projection forward. Tasks are
			// cloned because the derived-field pass below mutates them.
			ids := oldSessions[sid]
			for _, id := range ids {
				if t := oldTasks[id]; t != nil {
					newTasks[id] = t.Clone()
				}
			}
			newSessions[sid] = ids
			newScans[sid] = old
			continue
		}

		projected, hasFileWork, err := s.projectSession(file, sid)
		if err != nil {
			log.Printf("[tasks] scanning %s: %v", sid, err)
			// Keep what we knew rather than dropping the session.
			ids := oldSessions[sid]
			for _, id := range ids {
				if t := oldTasks[id]; t != nil {
					newTasks[id] = t.Clone()
				}
			}
			newSessions[sid] = ids
			if old, ok := oldScans[sid]; ok {
				newScans[sid] = old
			}
			continue
		}

		ids := make([]string, 0, len(projected))
		for _, t := range projected {
			newTasks[t.ID] = t
			ids = append(ids, t.ID)
		}
		newSessions[sid] = ids
		newScans[sid] = &SessionScan{
			SessionID: sid,
			FilePath:  file,
			FileSize:  info.Size(),
			Mtime:     info.ModTime(),
			ExtCount:  extCount,
			ExtMtime:  extMtime,
			ScannedAt: now,
		}
		if len(projected) == 0 && hasFileWork {
			adhoc = append(adhoc, sid)
		}
	}

	derive(newTasks)

	events := diff(oldTasks, newTasks, oldSessions, newSessions, adhoc)

	s.mu.Lock()
	s.tasks = newTasks
	s.sessions = newSessions
	s.scans = newScans
	s.mu.Unlock()

	s.emit(events)

	if s.autoPersist && len(events) > 0 {
		if err := s.Persist(); err != nil {
			log.Printf("[tasks] persist: %v", err)
		}
	}
	return nil
}

// projectSession builds the namespaced tasks of one session. External
// task files override transcript-extracted tasks with the same raw id:
// the files are the agent's own task records, while extraction from tool
// calls is the fallback for sessions that never wrote them. The second
// return reports whether the session changed files, used for ad-hoc
// detection.
func (s *Store) projectSession(file, sid string) ([]*Task, bool, error) {
	view, _, err := s.cache.View(file)
	if err != nil {
		return nil, false, err
	}

	byRaw := make(map[string]*Task)
	var order []string
	for _, st := range view.Tasks {
		if st.ID == "" {
			continue
		}
		if _, ok := byRaw[st.ID]; !ok {
			order = append(order, st.ID)
		}
		byRaw[st.ID] = &Task{
			ID:          namespacedID(sid, st.ID),
			RawID:       st.ID,
			SessionID:   sid,
			Subject:     st.Subject,
			Description: st.Description,
			Status:      orPending(st.Status),
			Owner:       st.Owner,
			Blocks:      namespaceAll(sid, st.Blocks),
			BlockedBy:   namespaceAll(sid, st.BlockedBy),
			Metadata:    st.Metadata,
			Source:      SourceSession,
			UpdatedLine: st.UpdatedLine,
		}
	}
	for _, et := range loadExternalTasks(s.res.TaskDir(sid)) {
		raw := string(et.ID)
		if _, ok := byRaw[raw]; !ok {
			order = append(order, raw)
		}
		byRaw[raw] = &Task{
			ID:          namespacedID(sid, raw),
			RawID:       raw,
			SessionID:   sid,
			Subject:     et.Subject,
			Description: et.Description,
			Status:      orPending(et.Status),
			Owner:       et.Owner,
			Blocks:      namespaceAll(sid, et.Blocks),
			BlockedBy:   namespaceAll(sid, et.BlockedBy),
			Metadata:    et.Metadata,
			Source:      SourceFile,
		}
	}

	sort.Slice(order, func(i, j int) bool { return byRawID(order[i], order[j]) })
	out := make([]*Task, len(order))
	for i, raw := range order {
		out[i] = byRaw[raw]
	}

	hasFileWork := false
	if len(out) == 0 {
		sum := extract.Summarize(extract.FileOps(view.ToolUses))
		hasFileWork = len(sum.Created)+len(sum.Updated)+len(sum.Deleted) > 0
	}
	return out, hasFileWork, nil
}

func orPending(status string) string {
	if status == "" {
		return session.TaskPending
	}
	return status
}

// derive recomputes the per-refresh fields on every task: readiness,
// parenthood, children, and auto-completability. Dependency links are
// namespaced within the owning session, so the pass never crosses
// session boundaries even though it walks the whole map.
func derive(tasks map[string]*Task) {
	// Legacy parent links: child metadata points at the parent raw id.
	legacyChildren := make(map[string][]string)
	for id, t := range tasks {
		if pid := metaString(t.Metadata, "parentTaskId"); pid != "" {
			parent := namespacedID(t.SessionID, pid)
			legacyChildren[parent] = append(legacyChildren[parent], id)
		}
	}

	for id, t := range tasks {
		t.Ready = t.open() && blockersDone(t, tasks)
		t.IsParent = metaBool(t.Metadata, "isIntent")
		t.Children = nil
		t.AutoCompletable = false
		if !t.IsParent {
			continue
		}
		if len(t.BlockedBy) > 0 {
			for _, dep := range t.BlockedBy {
				if _, ok := tasks[dep]; ok {
					t.Children = append(t.Children, dep)
				}
			}
		} else {
			t.Children = append([]string(nil), legacyChildren[id]...)
		}
		sort.Slice(t.Children, func(i, j int) bool {
			si, ri := sortKey(t.Children[i])
			sj, rj := sortKey(t.Children[j])
			if si != sj {
				return si < sj
			}
			return byRawID(ri, rj)
		})
		t.AutoCompletable = len(t.Children) > 0 && allClosed(t.Children, tasks)
	}
}

// blockersDone reports whether every blocker that still exists is
// completed. A dangling link does not block; a deleted blocker does,
// since deleted is not completed.
func blockersDone(t *Task, tasks map[string]*Task) bool {
	for _, dep := range t.BlockedBy {
		if blocker, ok := tasks[dep]; ok && blocker.Status != session.TaskCompleted {
			return false
		}
	}
	return true
}

func allClosed(ids []string, tasks map[string]*Task) bool {
	for _, id := range ids {
		if t, ok := tasks[id]; ok && t.open() {
			return false
		}
	}
	return true
}

// diff computes the events between two projections. Task events come
// first per session in raw-id order, then the session's own update
// event, then ad-hoc detections; event order is deterministic so
// subscribers can be tested against it.
func diff(oldTasks, newTasks map[string]*Task, oldSessions, newSessions map[string][]string, adhoc []string) []Event {
	sids := make([]string, 0, len(newSessions))
	for sid := range newSessions {
		sids = append(sids, sid)
	}
	sort.Strings(sids)

	var events []Event
	for _, sid := range sids {
		changed := false
		for _, id := range newSessions[sid] {
			nt := newTasks[id]
			ot, existed := oldTasks[id]
			switch {
			case !existed:
				changed = true
				events = append(events, Event{Type: EventTaskCreated, Task: nt.Clone(), SessionID: sid})
			case !ot.equal(nt):
				changed = true
				typ := EventTaskUpdated
				if ot.Status != session.TaskCompleted && nt.Status == session.TaskCompleted {
					typ = EventTaskCompleted
				}
				events = append(events, Event{Type: typ, Task: nt.Clone(), SessionID: sid})
			}
		}
		if !changed {
			// A session whose task set shrank still changed.
			changed = len(oldSessions[sid]) != len(newSessions[sid])
		}
		if changed {
			events = append(events, Event{Type: EventSessionUpdated, SessionID: sid})
		}
	}

	// Sessions that disappeared entirely.
	removed := make([]string, 0)
	for sid := range oldSessions {
		if _, ok := newSessions[sid]; !ok {
			removed = append(removed, sid)
		}
	}
	sort.Strings(removed)
	for _, sid := range removed {
		events = append(events, Event{Type: EventSessionUpdated, SessionID: sid})
	}

	for _, sid := range adhoc {
		events = append(events, Event{Type: EventAdhocDetected, SessionID: sid})
	}
	return events
}

// Get returns a copy of one task by namespaced id.
func (s *Store) Get(id string) (*Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// All returns every task ordered by session then raw id.
func (s *Store) All() []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.Clone())
	}
	sortTasks(out)
	return out
}

// BySession returns the tasks of one session in raw-id order.
func (s *Store) BySession(sessionID string) []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.sessions[sessionID]
	out := make([]*Task, 0, len(ids))
	for _, id := range ids {
		if t, ok := s.tasks[id]; ok {
			out = append(out, t.Clone())
		}
	}
	return out
}

// Ready returns the tasks that are unblocked and still open.
func (s *Store) Ready() []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Task
	for _, t := range s.tasks {
		if t.Ready {
			out = append(out, t.Clone())
		}
	}
	sortTasks(out)
	return out
}

func sortTasks(ts []*Task) {
	sort.Slice(ts, func(i, j int) bool {
		if ts[i].SessionID != ts[j].SessionID {
			return ts[i].SessionID < ts[j].SessionID
		}
		return byRawID(ts[i].RawID, ts[j].RawID)
	})
}

// Stats summarizes the current projection.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{Sessions: len(s.sessions), Tasks: len(s.tasks)}
	for _, t := range s.tasks {
		switch t.Status {
		case session.TaskPending:
			st.Pending++
		case session.TaskInProgress:
			st.InProgress++
		case session.TaskCompleted:
			st.Completed++
		case session.TaskDeleted:
			st.Deleted++
		}
		if t.Ready {
			st.Ready++
		}
		if t.IsParent {
			st.Parents++
		}
	}
	return st
}

// storeSnapshot is the on-disk shape of the store.
type storeSnapshot struct {
	Version      int                     `json:"version"`
	ProjectPath  string                  `json:"projectPath"`
	SavedAt      time.Time               `json:"savedAt"`
	SessionScans map[string]*SessionScan `json:"sessionScans"`
	Sessions     map[string][]string     `json:"sessions"`
	Tasks        map[string]*Task        `json:"tasks"`
}

// Persist writes the projection and scan state to the project state dir.
func (s *Store) Persist() error {
	s.mu.RLock()
	snap := storeSnapshot{
		Version:      storeVersion,
		ProjectPath:  s.projectPath,
		SavedAt:      time.Now().UTC(),
		SessionScans: make(map[string]*SessionScan, len(s.scans)),
		Sessions:     make(map[string][]string, len(s.sessions)),
		Tasks:        make(map[string]*Task, len(s.tasks)),
	}
	for sid, sc := range s.scans {
		snap.SessionScans[sid] = sc
	}
	for sid, ids := range s.sessions {
		snap.Sessions[sid] = ids
	}
	for id, t := range s.tasks {
		snap.Tasks[id] = t
	}
	s.mu.RUnlock()

	data, err := json.MarshalIndent(&snap, "", "  ")
	if err != nil {
		return fmt.Errorf("tasks: encoding snapshot: %w", err)
	}
	return writeAtomic(paths.StateDir(s.projectPath), storeFileName, data)
}

// Load adopts a persisted snapshot. Snapshots from another store version
// or another project are ignored, as is a missing file. Returns how many
// tasks were adopted.
func (s *Store) Load() (int, error) {
	data, err := os.ReadFile(SnapshotPath(s.projectPath))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("tasks: reading snapshot: %w", err)
	}
	var snap storeSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return 0, fmt.Errorf("tasks: decoding snapshot: %w", err)
	}
	if snap.Version != storeVersion || snap.ProjectPath != s.projectPath {
		log.Printf("[tasks] ignoring snapshot (version %d, project %s)", snap.Version, snap.ProjectPath)
		return 0, nil
	}

	s.mu.Lock()
	s.tasks = snap.Tasks
	s.sessions = snap.Sessions
	s.scans = snap.SessionScans
	if s.tasks == nil {
		s.tasks = make(map[string]*Task)
	}
	if s.sessions == nil {
		s.sessions = make(map[string][]string)
	}
	if s.scans == nil {
		s.scans = make(map[string]*SessionScan)
	}
	n := len(s.tasks)
	s.mu.Unlock()
	return n, nil
}

// SnapshotPath is where Persist writes the snapshot for a project:
// {projectPath}/.lm-assist/task-store.json.
func SnapshotPath(projectPath string) string {
	return filepath.Join(paths.StateDir(projectPath), storeFileName)
}

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
