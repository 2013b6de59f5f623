// Package ws pushes store events to WebSocket clients. Every client gets a
// full snapshot on connect and throttled delta batches afterwards; clients
// that cannot drain their send queue are disconnected.
package ws

import (
	"time"

	"github.com/lm-assist/backend/internal/aggregate"
	"github.com/lm-assist/backend/internal/cache"
	"github.com/lm-assist/backend/internal/executions"
	"github.com/lm-assist/backend/internal/monitor"
	"github.com/lm-assist/backend/internal/session"
	"github.com/lm-assist/backend/internal/tasks"
	"github.com/lm-assist/backend/internal/watch"
)

type MessageType string

const (
	MsgSnapshot MessageType = "snapshot"
	MsgDelta    MessageType = "delta"
)

// Message is the frame envelope. Seq increments by one per frame pushed to
// any client, so a client that reconnects can tell it missed frames.
type Message struct {
	Type    MessageType `json:"type"`
	Seq     uint64      `json:"seq"`
	Payload any         `json:"payload"`
}

// SnapshotPayload is the full state sent to a client on connect: the
// project's session summaries, live executions with their pending blocking
// events, the task table, the latest process activity scan, and counters.
type SnapshotPayload struct {
	ProjectPath string                      `json:"projectPath,omitempty"`
	Sessions    []aggregate.SessionSummary  `json:"sessions"`
	Executions  []*executions.Execution     `json:"executions"`
	Blocking    []*executions.BlockingEvent `json:"blocking,omitempty"`
	Tasks       []*tasks.Task               `json:"tasks"`
	Activity    []monitor.ProcessActivity   `json:"activity,omitempty"`
	Stats       *StatsPayload               `json:"stats,omitempty"`
}

// StatsPayload carries the counters surfaced alongside snapshots.
type StatsPayload struct {
	Cache cache.Stats            `json:"cache"`
	Tiers []executions.TierStats `json:"tiers,omitempty"`
	Tasks tasks.Stats            `json:"tasks"`
}

// SessionChange describes one watched session file transition, built by the
// watch loop from the refreshed cache view.
type SessionChange struct {
	SessionID     string         `json:"sessionId"`
	ProjectPath   string         `json:"projectPath,omitempty"`
	Kind          watch.Kind     `json:"kind"`
	Status        session.Status `json:"status,omitempty"`
	Model         string         `json:"model,omitempty"`
	ContextWindow int            `json:"contextWindow,omitempty"`
	FileSize      int64          `json:"fileSize,omitempty"`
	LastModified  time.Time      `json:"lastModified,omitempty"`
}

// DeltaPayload batches everything queued within one throttle window.
type DeltaPayload struct {
	Executions []executions.Notification `json:"executions,omitempty"`
	Tasks      []tasks.Event             `json:"tasks,omitempty"`
	Sessions   []SessionChange           `json:"sessions,omitempty"`
}
