package ws

import (
	"encoding/json"
	"errors"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lm-assist/backend/internal/aggregate"
	"github.com/lm-assist/backend/internal/cache"
	"github.com/lm-assist/backend/internal/executions"
	"github.com/lm-assist/backend/internal/monitor"
	"github.com/lm-assist/backend/internal/session"
	"github.com/lm-assist/backend/internal/tasks"
)

// DefaultThrottle is the delta batch window. Bursty refreshes within one
// window collapse into a single frame.
const DefaultThrottle = 100 * time.Millisecond

// ErrTooManyConnections is returned by AddClient once MaxClients is reached.
var ErrTooManyConnections = errors.New("too many connections")

type client struct {
	conn *websocket.Conn
	b    *Broadcaster
	send chan []byte
}

func newClient(conn *websocket.Conn, b *Broadcaster) *client {
	c := &client{
		conn: conn,
		b:    b,
		send: make(chan []byte, 64),
	}
	go c.writePump()
	return c
}

// writePump drains the send queue onto the wire. A write error removes the
// client so the broadcaster stops queueing frames for a dead connection.
func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.b.RemoveClient(c)
			return
		}
	}
}

func (c *client) close() {
	close(c.send)
}

// Options configure a Broadcaster. Every source is optional; a nil source
// contributes nothing to snapshots.
type Options struct {
	ProjectPath string // project whose sessions the snapshot lists
	Sessions    *aggregate.Service
	Executions  *executions.Store
	Tasks       *tasks.Store
	Monitor     *monitor.Monitor
	Cache       *cache.Cache
	Filter      *session.PrivacyFilter // nil means no masking, no path filtering
	Throttle    time.Duration          // delta batch window; DefaultThrottle when <= 0
	MaxClients  int                    // 0 means unlimited
}

// Broadcaster fans store events out to WebSocket clients. Deltas queued
// within one throttle window are batched into a single frame.
type Broadcaster struct {
	projectPath string
	sessions    *aggregate.Service
	store       *executions.Store
	tasks       *tasks.Store
	monitor     *monitor.Monitor
	cache       *cache.Cache
	privacy     *session.PrivacyFilter
	throttle    time.Duration
	maxClients  int

	seq atomic.Uint64

	mu      sync.RWMutex
	clients map[*client]bool

	flushMu           sync.Mutex
	flushTimer        *time.Timer
	pendingExecutions []executions.Notification
	pendingTasks      []tasks.Event
	pendingSessions   []SessionChange
	stopped           bool
}

func NewBroadcaster(opts Options) *Broadcaster {
	if opts.Throttle <= 0 {
		opts.Throttle = DefaultThrottle
	}
	if opts.Filter == nil {
		opts.Filter = &session.PrivacyFilter{}
	}
	return &Broadcaster{
		projectPath: opts.ProjectPath,
		sessions:    opts.Sessions,
		store:       opts.Executions,
		tasks:       opts.Tasks,
		monitor:     opts.Monitor,
		cache:       opts.Cache,
		privacy:     opts.Filter,
		throttle:    opts.Throttle,
		maxClients:  opts.MaxClients,
		clients:     make(map[*client]bool),
	}
}

// AddClient registers a connection and sends it the snapshot. The send is
// non-blocking: a client that cannot take the snapshot immediately misses
// it and catches up from deltas.
func (b *Broadcaster) AddClient(conn *websocket.Conn) (*client, error) {
	b.mu.Lock()
	if b.maxClients > 0 && len(b.clients) >= b.maxClients {
		b.mu.Unlock()
		return nil, ErrTooManyConnections
	}
	c := newClient(conn, b)
	b.clients[c] = true
	b.mu.Unlock()

	data, err := json.Marshal(Message{
		Type:    MsgSnapshot,
		Seq:     b.seq.Load(),
		Payload: b.Snapshot(),
	})
	if err != nil {
		log.Printf("[ws] snapshot marshal: %v", err)
		return c, nil
	}

	select {
	case c.send <- data:
	default:
		// Client too slow, drop the snapshot
	}

	return c, nil
}

func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		c.close()
	}
	b.mu.Unlock()
}

func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Snapshot assembles the connect payload from every configured source,
// privacy-filtered. Its Seq is the last broadcast frame, so deltas resume
// at Seq+1.
func (b *Broadcaster) Snapshot() SnapshotPayload {
	p := SnapshotPayload{ProjectPath: b.privacy.MaskPath(b.projectPath)}

	if b.sessions != nil {
		summaries, err := b.sessions.ListSessions(b.projectPath)
		if err != nil {
			log.Printf("[ws] snapshot sessions: %v", err)
		}
		p.Sessions = b.maskSummaries(summaries)
	}
	if b.store != nil {
		p.Executions = b.maskExecutions(b.store.Live())
		p.Blocking = b.store.PendingBlocking()
	}
	if b.tasks != nil {
		p.Tasks = b.maskTasks(b.tasks.All())
	}
	if b.monitor != nil {
		p.Activity = b.maskActivity(b.monitor.Activity())
	}
	p.Stats = b.stats()
	return p
}

func (b *Broadcaster) stats() *StatsPayload {
	if b.cache == nil && b.store == nil && b.tasks == nil {
		return nil
	}
	s := &StatsPayload{}
	if b.cache != nil {
		s.Cache = b.cache.Stats()
	}
	if b.store != nil {
		s.Tiers = b.store.StatsByTier()
	}
	if b.tasks != nil {
		s.Tasks = b.tasks.Stats()
	}
	return s
}

// QueueExecution schedules an execution notification for the next delta.
func (b *Broadcaster) QueueExecution(n executions.Notification) {
	n.Execution = b.maskExecution(n.Execution)

	b.flushMu.Lock()
	defer b.flushMu.Unlock()
	if b.stopped {
		return
	}
	b.pendingExecutions = append(b.pendingExecutions, n)
	b.armFlushLocked()
}

// QueueTask schedules a task diff event for the next delta.
func (b *Broadcaster) QueueTask(ev tasks.Event) {
	ev.SessionID = b.privacy.MaskID(ev.SessionID)
	ev.Task = b.maskTask(ev.Task)

	b.flushMu.Lock()
	defer b.flushMu.Unlock()
	if b.stopped {
		return
	}
	b.pendingTasks = append(b.pendingTasks, ev)
	b.armFlushLocked()
}

// QueueSessionChange schedules a session file transition for the next
// delta. Changes under excluded working directories are dropped here,
// before they reach any client.
func (b *Broadcaster) QueueSessionChange(sc SessionChange) {
	if !b.privacy.IsAllowed(sc.ProjectPath) {
		return
	}
	sc.SessionID = b.privacy.MaskID(sc.SessionID)
	sc.ProjectPath = b.privacy.MaskPath(sc.ProjectPath)

	b.flushMu.Lock()
	defer b.flushMu.Unlock()
	if b.stopped {
		return
	}
	b.pendingSessions = append(b.pendingSessions, sc)
	b.armFlushLocked()
}

func (b *Broadcaster) armFlushLocked() {
	if b.flushTimer == nil {
		b.flushTimer = time.AfterFunc(b.throttle, b.flush)
	}
}

func (b *Broadcaster) flush() {
	b.flushMu.Lock()
	execs := b.pendingExecutions
	taskEvents := b.pendingTasks
	sessionChanges := b.pendingSessions
	b.pendingExecutions = nil
	b.pendingTasks = nil
	b.pendingSessions = nil
	b.flushTimer = nil
	b.flushMu.Unlock()

	if len(execs) == 0 && len(taskEvents) == 0 && len(sessionChanges) == 0 {
		return
	}

	b.broadcast(MsgDelta, DeltaPayload{
		Executions: execs,
		Tasks:      taskEvents,
		Sessions:   sessionChanges,
	})
}

func (b *Broadcaster) broadcast(t MessageType, payload any) {
	data, err := json.Marshal(Message{Type: t, Seq: b.seq.Add(1), Payload: payload})
	if err != nil {
		log.Printf("[ws] broadcast marshal: %v", err)
		return
	}

	b.mu.RLock()
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- data:
		default:
			// Client can't keep up, disconnect it
			log.Printf("[ws] client too slow, disconnecting")
			b.RemoveClient(c)
		}
	}
}

// Stop halts delta flushing and disconnects every client. Queue calls after
// Stop are dropped.
func (b *Broadcaster) Stop() {
	b.flushMu.Lock()
	b.stopped = true
	if b.flushTimer != nil {
		b.flushTimer.Stop()
		b.flushTimer = nil
	}
	b.pendingExecutions = nil
	b.pendingTasks = nil
	b.pendingSessions = nil
	b.flushMu.Unlock()

	b.mu.Lock()
	for c := range b.clients {
		delete(b.clients, c)
		c.close()
	}
	b.mu.Unlock()
}

func (b *Broadcaster) maskSummaries(in []aggregate.SessionSummary) []aggregate.SessionSummary {
	out := make([]aggregate.SessionSummary, 0, len(in))
	for _, s := range in {
		if !b.privacy.IsAllowed(s.ProjectPath) {
			continue
		}
		s.SessionID = b.privacy.MaskID(s.SessionID)
		s.ForkedFrom = b.privacy.MaskID(s.ForkedFrom)
		s.ProjectPath = b.privacy.MaskPath(s.ProjectPath)
		s.FilePath = b.privacy.MaskPath(s.FilePath)
		out = append(out, s)
	}
	return out
}

// maskExecution clones only when something changes. Executions carry no
// filesystem paths, so masking touches the session id alone.
func (b *Broadcaster) maskExecution(e *executions.Execution) *executions.Execution {
	if e == nil || e.ClaudeSessionID == "" || !b.privacy.MaskSessionIDs {
		return e
	}
	c := e.Clone()
	c.ClaudeSessionID = b.privacy.MaskID(e.ClaudeSessionID)
	return c
}

func (b *Broadcaster) maskExecutions(in []*executions.Execution) []*executions.Execution {
	out := make([]*executions.Execution, len(in))
	for i, e := range in {
		out[i] = b.maskExecution(e)
	}
	return out
}

func (b *Broadcaster) maskTask(t *tasks.Task) *tasks.Task {
	if t == nil || t.SessionID == "" || !b.privacy.MaskSessionIDs {
		return t
	}
	c := t.Clone()
	c.SessionID = b.privacy.MaskID(t.SessionID)
	// Task ids embed a session id prefix; rewrite it so the original id
	// cannot be recovered from the composite.
	if i := strings.IndexByte(t.ID, ':'); i >= 0 {
		c.ID = c.SessionID + t.ID[i:]
	}
	return c
}

func (b *Broadcaster) maskTasks(in []*tasks.Task) []*tasks.Task {
	out := make([]*tasks.Task, len(in))
	for i, t := range in {
		out[i] = b.maskTask(t)
	}
	return out
}

func (b *Broadcaster) maskActivity(in []monitor.ProcessActivity) []monitor.ProcessActivity {
	out := make([]monitor.ProcessActivity, 0, len(in))
	for _, a := range in {
		if !b.privacy.IsAllowed(a.WorkingDir) {
			continue
		}
		a.PID = b.privacy.MaskPID(a.PID)
		a.WorkingDir = b.privacy.MaskPath(a.WorkingDir)
		out = append(out, a)
	}
	return out
}
