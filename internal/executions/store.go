package executions

import (
	"encoding/json"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lm-assist/backend/internal/extract"
	"github.com/lm-assist/backend/internal/jsonl"
	"github.com/lm-assist/backend/internal/session"
)

const (
	DefaultMaxEvents     = 10000
	DefaultMaxExecutions = 1000
	DefaultCleanupAge    = 7 * 24 * time.Hour

	cleanupInterval = time.Hour
)

// Options configure a Store.
type Options struct {
	MaxEvents     int           // event ring size; DefaultMaxEvents when <= 0
	MaxExecutions int           // execution ring size; DefaultMaxExecutions when <= 0
	CleanupAge    time.Duration // completed executions older than this are dropped
	Dir           string        // state directory for persistence; empty disables it
}

// Store is the process-wide execution registry. One lock guards all the
// mutable maps; reads clone under the lock and release it before any I/O,
// and listeners always run outside it.
type Store struct {
	mu sync.Mutex

	maxEvents     int
	maxExecutions int
	cleanupAge    time.Duration

	executions map[string]*Execution
	order      []string // insertion order, oldest first
	bySession  map[string]string
	cancels    map[string]func()
	events     []*Event
	blocking   map[string]*BlockingEvent
	changes    map[string]*ChangeBundle

	listenMu   sync.RWMutex
	listeners  map[int]Listener
	listenerID int

	persist *persister

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a Store and starts its background cleanup loop.
func New(opts Options) *Store {
	if opts.MaxEvents <= 0 {
		opts.MaxEvents = DefaultMaxEvents
	}
	if opts.MaxExecutions <= 0 {
		opts.MaxExecutions = DefaultMaxExecutions
	}
	if opts.CleanupAge <= 0 {
		opts.CleanupAge = DefaultCleanupAge
	}
	s := &Store{
		maxEvents:     opts.MaxEvents,
		maxExecutions: opts.MaxExecutions,
		cleanupAge:    opts.CleanupAge,
		executions:    make(map[string]*Execution),
		bySession:     make(map[string]string),
		cancels:       make(map[string]func()),
		blocking:      make(map[string]*BlockingEvent),
		changes:       make(map[string]*ChangeBundle),
		listeners:     make(map[int]Listener),
		done:          make(chan struct{}),
	}
	if opts.Dir != "" {
		s.persist = newPersister(opts.Dir)
	}
	go s.cleanupLoop()
	return s
}

// Close stops the cleanup loop. The store stays usable for reads.
func (s *Store) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Subscribe registers a listener and returns its unsubscribe func.
func (s *Store) Subscribe(l Listener) func() {
	s.listenMu.Lock()
	id := s.listenerID
	s.listenerID++
	s.listeners[id] = l
	s.listenMu.Unlock()
	return func() {
		s.listenMu.Lock()
		delete(s.listeners, id)
		s.listenMu.Unlock()
	}
}

func (s *Store) notify(n Notification) {
	s.listenMu.RLock()
	ls := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		ls = append(ls, l)
	}
	s.listenMu.RUnlock()
	for _, l := range ls {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("[executions] listener panic: %v", r)
				}
			}()
			l(n)
		}()
	}
}

// StartRequest describes a new execution.
type StartRequest struct {
	Tier            string
	AgentType       string
	Prompt          string
	Context         string
	ClaudeSessionID string // usually unknown at start; see UpdateClaudeSessionID
	Cancel          func() // invoked by Abort to stop the runner
}

// Start registers a running execution and emits its execution_start event.
// Returns ErrOverCapacity when the ring is full and nothing is evictable.
func (s *Store) Start(req StartRequest) (*Execution, error) {
	now := time.Now().UTC()
	e := &Execution{
		ID:              uuid.New().String(),
		ClaudeSessionID: req.ClaudeSessionID,
		Tier:            req.Tier,
		AgentType:       req.AgentType,
		Prompt:          req.Prompt,
		Context:         req.Context,
		Status:          StatusRunning,
		StartedAt:       now,
	}

	s.mu.Lock()
	if len(s.executions) >= s.maxExecutions && !s.evictLocked() {
		s.mu.Unlock()
		return nil, ErrOverCapacity
	}
	s.executions[e.ID] = e
	s.order = append(s.order, e.ID)
	if e.ClaudeSessionID != "" {
		s.bySession[e.ClaudeSessionID] = e.ID
	}
	if req.Cancel != nil {
		s.cancels[e.ID] = req.Cancel
	}
	ev := s.storeEventLocked(e, KindExecutionStart, nil, now)
	snap := e.Clone()
	s.mu.Unlock()

	s.persistEvent(ev)
	s.notify(Notification{Type: NotifyExecutionStart, Execution: snap})
	return snap, nil
}

// evictLocked drops the oldest finished execution. Running and pending
// ones are never evicted.
func (s *Store) evictLocked() bool {
	for i, id := range s.order {
		e := s.executions[id]
		if e == nil || !e.Status.Terminal() {
			continue
		}
		s.dropLocked(id, e)
		s.order = append(s.order[:i], s.order[i+1:]...)
		return true
	}
	return false
}

func (s *Store) dropLocked(id string, e *Execution) {
	delete(s.executions, id)
	delete(s.cancels, id)
	delete(s.changes, id)
	if e.ClaudeSessionID != "" && s.bySession[e.ClaudeSessionID] == id {
		delete(s.bySession, e.ClaudeSessionID)
	}
}

// storeEventLocked appends an event to the ring and links it to its
// execution. Caller holds s.mu.
func (s *Store) storeEventLocked(e *Execution, kind string, payload json.RawMessage, ts time.Time) *Event {
	ev := &Event{
		ID:          uuid.New().String(),
		ExecutionID: e.ID,
		Kind:        kind,
		Timestamp:   ts,
		Payload:     payload,
	}
	s.events = append(s.events, ev)
	if len(s.events) > s.maxEvents {
		s.events = s.events[1:]
	}
	e.EventIDs = append(e.EventIDs, ev.ID)
	return ev
}

func (s *Store) persistEvent(ev *Event) {
	if s.persist == nil {
		return
	}
	if err := s.persist.appendEvent(ev); err != nil {
		log.Printf("[executions] persisting event: %v", err)
	}
}

func (s *Store) persistExecutions(terminal []*Execution) {
	if s.persist == nil {
		return
	}
	if err := s.persist.saveExecutions(terminal); err != nil {
		log.Printf("[executions] persisting executions: %v", err)
	}
}

// terminalLocked snapshots every finished execution in ring order, capped
// to the newest maxExecutions. Caller holds s.mu.
func (s *Store) terminalLocked() []*Execution {
	out := make([]*Execution, 0, len(s.order))
	for _, id := range s.order {
		if e := s.executions[id]; e != nil && e.Status.Terminal() {
			out = append(out, e.Clone())
		}
	}
	if len(out) > s.maxExecutions {
		out = out[len(out)-s.maxExecutions:]
	}
	return out
}

// AppendOutput pushes one streamed chunk onto an execution.
func (s *Store) AppendOutput(executionID string, chunk Chunk) error {
	if chunk.Timestamp.IsZero() {
		chunk.Timestamp = time.Now().UTC()
	}

	s.mu.Lock()
	e := s.executions[executionID]
	if e == nil {
		s.mu.Unlock()
		return ErrNotFound
	}
	e.Chunks = append(e.Chunks, chunk)
	snap := e.Clone()
	s.mu.Unlock()

	s.notify(Notification{Type: NotifyExecutionUpdate, Execution: snap})
	return nil
}

// RecordEvent stores one raw runner event: metadata is extracted from the
// payload, the event is linked to its execution, and the payload is
// translated into output chunks by kind.
func (s *Store) RecordEvent(executionID, kind string, payload json.RawMessage) (*Event, error) {
	ts := eventTimestamp(payload)
	meta := extractMeta(kind, payload)
	chunks := translateChunks(kind, payload, ts)

	s.mu.Lock()
	e := s.executions[executionID]
	if e == nil {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	ev := s.storeEventLocked(e, kind, payload, ts)
	ev.HookType = meta.hookType
	ev.MCPServer = meta.mcpServer
	ev.ToolName = meta.toolName
	ev.SubagentName = meta.subagentName
	e.Chunks = append(e.Chunks, chunks...)
	evSnap := *ev
	var execSnap *Execution
	if len(chunks) > 0 {
		execSnap = e.Clone()
	}
	s.mu.Unlock()

	s.persistEvent(&evSnap)
	s.notify(Notification{Type: NotifyEventRecorded, Event: &evSnap})
	if execSnap != nil {
		s.notify(Notification{Type: NotifyExecutionUpdate, Execution: execSnap})
	}
	return &evSnap, nil
}

// CompleteRequest carries the runner's final report for an execution.
type CompleteRequest struct {
	Status       Status // completed, failed, or cancelled; inferred when empty
	Output       string
	Error        string
	Usage        *jsonl.Usage
	CostUSD      float64
	Model        string // cost fallback when the runner reports no cost
	FilesChanged []string
}

// Complete finishes an execution. Finished executions are immutable, so a
// second Complete is a no-op returning the settled record.
func (s *Store) Complete(executionID string, req CompleteRequest) (*Execution, error) {
	now := time.Now().UTC()
	status := req.Status
	if !status.Terminal() {
		if req.Error != "" {
			status = StatusFailed
		} else {
			status = StatusCompleted
		}
	}

	s.mu.Lock()
	e := s.executions[executionID]
	if e == nil {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	if e.Status.Terminal() {
		snap := e.Clone()
		s.mu.Unlock()
		return snap, nil
	}
	e.Status = status
	e.CompletedAt = &now
	e.DurationMs = now.Sub(e.StartedAt).Milliseconds()
	e.Output = req.Output
	e.Error = req.Error
	if len(req.FilesChanged) > 0 {
		e.FilesChanged = append([]string(nil), req.FilesChanged...)
	}
	if req.Usage != nil {
		u := *req.Usage
		e.Usage = &u
	}
	switch {
	case req.CostUSD > 0:
		e.CostUSD = req.CostUSD
	case e.Usage != nil && req.Model != "":
		e.CostUSD = session.PricingFor(req.Model).Cost(*e.Usage)
	}
	delete(s.cancels, executionID)

	kind := KindExecutionComplete
	notifyType := NotifyExecutionComplete
	switch status {
	case StatusFailed:
		kind = KindExecutionError
		notifyType = NotifyExecutionError
	case StatusCancelled:
		kind = KindExecutionCancelled
		notifyType = NotifyExecutionCancelled
	}
	ev := s.storeEventLocked(e, kind, nil, now)
	snap := e.Clone()
	terminal := s.terminalLocked()
	s.mu.Unlock()

	s.persistEvent(ev)
	s.persistExecutions(terminal)
	s.notify(Notification{Type: notifyType, Execution: snap})
	return snap, nil
}

// Abort cancels an in-flight execution, stopping its runner when a cancel
// hook was registered at start.
func (s *Store) Abort(executionID string) (*Execution, error) {
	now := time.Now().UTC()

	s.mu.Lock()
	e := s.executions[executionID]
	if e == nil {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	if e.Status.Terminal() {
		snap := e.Clone()
		s.mu.Unlock()
		return snap, nil
	}
	cancel := s.cancels[executionID]
	delete(s.cancels, executionID)
	e.Status = StatusCancelled
	e.CompletedAt = &now
	e.DurationMs = now.Sub(e.StartedAt).Milliseconds()
	ev := s.storeEventLocked(e, KindExecutionCancelled, nil, now)
	snap := e.Clone()
	terminal := s.terminalLocked()
	s.mu.Unlock()

	if cancel != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("[executions] cancel hook panic: %v", r)
				}
			}()
			cancel()
		}()
	}
	s.persistEvent(ev)
	s.persistExecutions(terminal)
	s.notify(Notification{Type: NotifyExecutionCancelled, Execution: snap})
	return snap, nil
}

// UpdateClaudeSessionID patches the late-bound session id onto an
// execution and reindexes it.
func (s *Store) UpdateClaudeSessionID(executionID, claudeSessionID string) error {
	s.mu.Lock()
	e := s.executions[executionID]
	if e == nil {
		s.mu.Unlock()
		return ErrNotFound
	}
	if e.ClaudeSessionID == claudeSessionID {
		s.mu.Unlock()
		return nil
	}
	if e.ClaudeSessionID != "" && s.bySession[e.ClaudeSessionID] == executionID {
		delete(s.bySession, e.ClaudeSessionID)
	}
	e.ClaudeSessionID = claudeSessionID
	if claudeSessionID != "" {
		s.bySession[claudeSessionID] = executionID
	}
	snap := e.Clone()
	s.mu.Unlock()

	s.notify(Notification{Type: NotifyExecutionUpdate, Execution: snap})
	return nil
}

// BlockingRequest opens a new blocking event.
type BlockingRequest struct {
	ExecutionID string
	Kind        BlockingKind
	Request     json.RawMessage
}

// StoreBlocking registers a pending blocking event and pushes it to
// subscribers.
func (s *Store) StoreBlocking(req BlockingRequest) (*BlockingEvent, error) {
	now := time.Now().UTC()
	be := &BlockingEvent{
		ID:          uuid.New().String(),
		ExecutionID: req.ExecutionID,
		Kind:        req.Kind,
		Status:      BlockingPending,
		Request:     req.Request,
		CreatedAt:   now,
	}

	s.mu.Lock()
	if s.executions[req.ExecutionID] == nil {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	s.blocking[be.ID] = be
	snap := be.clone()
	all := s.blockingSliceLocked()
	s.mu.Unlock()

	s.persistBlocking(all)
	s.notify(Notification{Type: NotifyBlockingEvent, Blocking: snap})
	return snap, nil
}

// RespondBlocking resolves a pending blocking event. Returns ErrConflict
// when it was already resolved.
func (s *Store) RespondBlocking(id string, status BlockingStatus, response json.RawMessage, respondedBy string) (*BlockingEvent, error) {
	switch status {
	case BlockingResponded, BlockingTimedOut, BlockingCancelled:
	case "":
		status = BlockingResponded
	default:
		return nil, ErrConflict
	}
	now := time.Now().UTC()

	s.mu.Lock()
	be := s.blocking[id]
	if be == nil {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	if be.Status != BlockingPending {
		s.mu.Unlock()
		return nil, ErrConflict
	}
	be.Status = status
	be.Response = response
	be.RespondedBy = respondedBy
	be.ResolvedAt = &now
	be.WaitMs = now.Sub(be.CreatedAt).Milliseconds()
	snap := be.clone()
	all := s.blockingSliceLocked()
	s.mu.Unlock()

	s.persistBlocking(all)
	s.notify(Notification{Type: NotifyBlockingResolved, Blocking: snap})
	return snap, nil
}

func (s *Store) blockingSliceLocked() []*BlockingEvent {
	out := make([]*BlockingEvent, 0, len(s.blocking))
	for _, be := range s.blocking {
		out = append(out, be.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Store) persistBlocking(all []*BlockingEvent) {
	if s.persist == nil {
		return
	}
	if err := s.persist.saveBlocking(all); err != nil {
		log.Printf("[executions] persisting blocking events: %v", err)
	}
}

// StoreChanges attaches the runner change-tracker's file summary to an
// execution.
func (s *Store) StoreChanges(executionID, sessionID string, summary extract.FileChangeSummary) (*ChangeBundle, error) {
	now := time.Now().UTC()
	cb := &ChangeBundle{
		ExecutionID: executionID,
		SessionID:   sessionID,
		Summary:     summary,
		RecordedAt:  now,
	}

	s.mu.Lock()
	e := s.executions[executionID]
	if e == nil {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	s.changes[executionID] = cb
	sum := summary
	e.Changes = &sum
	snap := e.Clone()
	bundle := *cb
	all := s.changesSliceLocked()
	s.mu.Unlock()

	s.persistChanges(all)
	s.notify(Notification{Type: NotifyExecutionUpdate, Execution: snap})
	return &bundle, nil
}

func (s *Store) changesSliceLocked() []*ChangeBundle {
	out := make([]*ChangeBundle, 0, len(s.changes))
	for _, cb := range s.changes {
		c := *cb
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExecutionID < out[j].ExecutionID })
	return out
}

func (s *Store) persistChanges(all []*ChangeBundle) {
	if s.persist == nil {
		return
	}
	if err := s.persist.saveChanges(all); err != nil {
		log.Printf("[executions] persisting session changes: %v", err)
	}
}

// Get returns a snapshot of one execution.
func (s *Store) Get(id string) (*Execution, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.executions[id]
	if e == nil {
		return nil, false
	}
	return e.Clone(), true
}

// BySession returns the execution bound to a Claude session id.
func (s *Store) BySession(claudeSessionID string) (*Execution, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.bySession[claudeSessionID]
	if !ok {
		return nil, false
	}
	e := s.executions[id]
	if e == nil {
		return nil, false
	}
	return e.Clone(), true
}

// Live returns every unfinished execution, oldest first.
func (s *Store) Live() []*Execution {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Execution, 0, len(s.order))
	for _, id := range s.order {
		if e := s.executions[id]; e != nil && !e.Status.Terminal() {
			out = append(out, e.Clone())
		}
	}
	return out
}

// PendingBlocking returns the unresolved blocking events, oldest first.
func (s *Store) PendingBlocking() []*BlockingEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*BlockingEvent, 0, len(s.blocking))
	for _, be := range s.blocking {
		if be.Status == BlockingPending {
			out = append(out, be.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// EventsFor returns the stored events linked to one execution, in arrival
// order. Events evicted from the ring are only on disk.
func (s *Store) EventsFor(executionID string) []*Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Event
	for _, ev := range s.events {
		if ev.ExecutionID == executionID {
			c := *ev
			out = append(out, &c)
		}
	}
	return out
}

// Query filters executions. Zero-valued fields match everything.
type Query struct {
	Tier            string
	AgentType       string
	Status          Status
	ClaudeSessionID string
	Since           time.Time // StartedAt >= Since
	Until           time.Time // StartedAt <= Until
	Offset          int
	Limit           int // 0 means no limit
}

func (q Query) matches(e *Execution) bool {
	if q.Tier != "" && e.Tier != q.Tier {
		return false
	}
	if q.AgentType != "" && e.AgentType != q.AgentType {
		return false
	}
	if q.Status != "" && e.Status != q.Status {
		return false
	}
	if q.ClaudeSessionID != "" && e.ClaudeSessionID != q.ClaudeSessionID {
		return false
	}
	if !q.Since.IsZero() && e.StartedAt.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && e.StartedAt.After(q.Until) {
		return false
	}
	return true
}

// Query returns matching executions, newest first.
func (s *Store) Query(q Query) []*Execution {
	s.mu.Lock()
	matched := make([]*Execution, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		e := s.executions[s.order[i]]
		if e != nil && q.matches(e) {
			matched = append(matched, e.Clone())
		}
	}
	s.mu.Unlock()

	if q.Offset > 0 {
		if q.Offset >= len(matched) {
			return nil
		}
		matched = matched[q.Offset:]
	}
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	return matched
}

// TierStats aggregates executions sharing a tier label.
type TierStats struct {
	Tier          string  `json:"tier"`
	Total         int     `json:"total"`
	Completed     int     `json:"completed"`
	Failed        int     `json:"failed"`
	Running       int     `json:"running"`
	TotalCostUSD  float64 `json:"totalCostUsd"`
	AvgDurationMs int64   `json:"avgDurationMs"`
}

// StatsByTier aggregates per-tier totals, sorted by tier label. Unlabeled
// executions aggregate under the empty tier.
func (s *Store) StatsByTier() []TierStats {
	s.mu.Lock()
	byTier := make(map[string]*TierStats)
	durations := make(map[string][2]int64) // sum, count
	for _, e := range s.executions {
		st := byTier[e.Tier]
		if st == nil {
			st = &TierStats{Tier: e.Tier}
			byTier[e.Tier] = st
		}
		st.Total++
		st.TotalCostUSD += e.CostUSD
		switch {
		case e.Status == StatusCompleted:
			st.Completed++
		case e.Status == StatusFailed:
			st.Failed++
		case !e.Status.Terminal():
			st.Running++
		}
		if e.Status.Terminal() && e.DurationMs > 0 {
			d := durations[e.Tier]
			durations[e.Tier] = [2]int64{d[0] + e.DurationMs, d[1] + 1}
		}
	}
	s.mu.Unlock()

	out := make([]TierStats, 0, len(byTier))
	for tier, st := range byTier {
		if d := durations[tier]; d[1] > 0 {
			st.AvgDurationMs = d[0] / d[1]
		}
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tier < out[j].Tier })
	return out
}

// Cleanup drops finished executions whose completion time is older than
// the cleanup age. Returns how many were removed.
func (s *Store) Cleanup(now time.Time) int {
	cutoff := now.Add(-s.cleanupAge)

	s.mu.Lock()
	removed := 0
	kept := s.order[:0]
	for _, id := range s.order {
		e := s.executions[id]
		if e != nil && e.Status.Terminal() && e.CompletedAt != nil && e.CompletedAt.Before(cutoff) {
			s.dropLocked(id, e)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
	var terminal []*Execution
	if removed > 0 {
		terminal = s.terminalLocked()
	}
	s.mu.Unlock()

	if removed > 0 {
		log.Printf("[executions] cleaned up %d finished executions", removed)
		s.persistExecutions(terminal)
	}
	return removed
}

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.Cleanup(time.Now().UTC())
		}
	}
}
