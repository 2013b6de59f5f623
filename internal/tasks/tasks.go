// Package tasks projects the tasks of every session in a project into one
// queryable store. Tasks come from two places: TaskCreate/TaskUpdate tool
// calls inside the session transcripts, and the agent's external task
// files under {home}/tasks/{sessionId}/ when it writes them. Ids are
// namespaced with the first 8 characters of the owning session id so the
// store can index many sessions without collision.
package tasks

import (
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/lm-assist/backend/internal/session"
)

// Task sources.
const (
	SourceSession = "session" // extracted from the transcript
	SourceFile    = "file"    // read from an external task file
)

// Task is one store row. Blocks, BlockedBy, and Children carry namespaced
// ids. The trailing fields are derived on every rebuild.
type Task struct {
	ID          string         `json:"id"` // {sid8}:{rawId}
	RawID       string         `json:"rawId"`
	SessionID   string         `json:"sessionId"`
	Subject     string         `json:"subject"`
	Description string         `json:"description,omitempty"`
	Status      string         `json:"status"`
	Owner       string         `json:"owner,omitempty"`
	Blocks      []string       `json:"blocks,omitempty"`
	BlockedBy   []string       `json:"blockedBy,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Source      string         `json:"source"`
	UpdatedLine int            `json:"updatedLine,omitempty"`

	Ready           bool     `json:"ready"`
	IsParent        bool     `json:"isParent,omitempty"`
	Children        []string `json:"children,omitempty"`
	AutoCompletable bool     `json:"autoCompletable,omitempty"`
}

// Clone returns a deep copy safe to hand across the store lock.
func (t *Task) Clone() *Task {
	c := *t
	if len(t.Blocks) > 0 {
		c.Blocks = append([]string(nil), t.Blocks...)
	}
	if len(t.BlockedBy) > 0 {
		c.BlockedBy = append([]string(nil), t.BlockedBy...)
	}
	if len(t.Children) > 0 {
		c.Children = append([]string(nil), t.Children...)
	}
	if len(t.Metadata) > 0 {
		c.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

func (t *Task) equal(o *Task) bool {
	return reflect.DeepEqual(t, o)
}

// open reports whether the task still counts as work. Deleted and
// completed tasks are closed.
func (t *Task) open() bool {
	return t.Status != session.TaskCompleted && t.Status != session.TaskDeleted
}

// SessionScan is the per-session fingerprint a refresh uses to decide
// whether the cached projection can be reused. The external task dir is
// part of the fingerprint so edits to task files are picked up even when
// the transcript itself did not move.
type SessionScan struct {
	SessionID string    `json:"sessionId"`
	FilePath  string    `json:"filePath"`
	FileSize  int64     `json:"fileSize"`
	Mtime     time.Time `json:"mtime"`
	ExtCount  int       `json:"extCount,omitempty"`
	ExtMtime  time.Time `json:"extMtime,omitempty"`
	ScannedAt time.Time `json:"scannedAt"`
}

func (sc *SessionScan) matches(size int64, mtime time.Time, extCount int, extMtime time.Time) bool {
	return sc.FileSize == size && sc.Mtime.Equal(mtime) &&
		sc.ExtCount == extCount && sc.ExtMtime.Equal(extMtime)
}

// EventType classifies a store diff event.
type EventType string

const (
	EventTaskCreated    EventType = "task:created"
	EventTaskUpdated    EventType = "task:updated"
	EventTaskCompleted  EventType = "task:completed"
	EventSessionUpdated EventType = "session:updated"
	EventAdhocDetected  EventType = "adhoc:detected"
)

// Event is one diff emitted after a refresh swap. Task events carry the
// task; session events carry only the session id.
type Event struct {
	Type      EventType `json:"type"`
	Task      *Task     `json:"task,omitempty"`
	SessionID string    `json:"sessionId"`
}

// Listener receives diff events. Panics are absorbed so one bad
// subscriber cannot stall emission.
type Listener func(Event)

// Stats summarize the store contents.
type Stats struct {
	Sessions   int `json:"sessions"`
	Tasks      int `json:"tasks"`
	Pending    int `json:"pending"`
	InProgress int `json:"inProgress"`
	Completed  int `json:"completed"`
	Deleted    int `json:"deleted"`
	Ready      int `json:"ready"`
	Parents    int `json:"parents"`
}

// sid8 is the 8-character session prefix used for namespacing.
func sid8(sessionID string) string {
	if len(sessionID) > 8 {
		return sessionID[:8]
	}
	return sessionID
}

func namespacedID(sessionID, raw string) string {
	return sid8(sessionID) + ":" + raw
}

func namespaceAll(sessionID string, raw []string) []string {
	if len(raw) == 0 {
		return nil
	}
	out := make([]string, len(raw))
	for i, id := range raw {
		out[i] = namespacedID(sessionID, id)
	}
	return out
}

// metaString reads a metadata value as a string, tolerating the float64
// that encoding/json produces for numbers.
func metaString(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}

func metaBool(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}

// byRawID orders tasks numerically when both ids are numbers, falling
// back to string order for ad-hoc ids.
func byRawID(a, b string) bool {
	an, aerr := strconv.Atoi(a)
	bn, berr := strconv.Atoi(b)
	if aerr == nil && berr == nil {
		return an < bn
	}
	return a < b
}

func sortKey(id string) (string, string) {
	if i := strings.IndexByte(id, ':'); i >= 0 {
		return id[:i], id[i+1:]
	}
	return "", id
}
