// Package executions tracks live agent executions started through the
// runner: status, streamed output chunks, linked raw events, blocking
// events awaiting a decision, and per-execution file-change bundles. The
// store is in-memory with a bounded ring per record kind and persists
// derived state under the project's state directory.
package executions

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/lm-assist/backend/internal/extract"
	"github.com/lm-assist/backend/internal/jsonl"
)

var (
	// ErrNotFound means the execution or blocking event id is unknown.
	ErrNotFound = errors.New("executions: not found")

	// ErrConflict means a response was posted to a blocking event that is
	// no longer pending.
	ErrConflict = errors.New("executions: blocking event is not pending")

	// ErrOverCapacity means the ring is full and every slot holds an
	// unfinished execution, so nothing can be evicted. Callers should
	// treat this as back-pressure.
	ErrOverCapacity = errors.New("executions: ring full of unfinished executions")
)

// Status is the lifecycle state of an execution.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status can never change again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ChunkType classifies one streamed output unit.
type ChunkType string

const (
	ChunkText             ChunkType = "text"
	ChunkToolUse          ChunkType = "tool_use"
	ChunkToolResult       ChunkType = "tool_result"
	ChunkThinking         ChunkType = "thinking"
	ChunkRedactedThinking ChunkType = "redacted_thinking"
	ChunkMCPToolCall      ChunkType = "mcp_tool_call"
	ChunkMCPToolResult    ChunkType = "mcp_tool_result"
	ChunkHookEvent        ChunkType = "hook_event"
	ChunkSubagentStart    ChunkType = "subagent_start"
	ChunkSubagentResult   ChunkType = "subagent_result"
	ChunkUserQuestion     ChunkType = "user_question"
	ChunkUserAnswer       ChunkType = "user_answer"
)

// Chunk is one unit of streamed execution output.
type Chunk struct {
	Type      ChunkType       `json:"type"`
	Content   string          `json:"content,omitempty"`
	ToolName  string          `json:"toolName,omitempty"`
	ToolInput json.RawMessage `json:"toolInput,omitempty"`
	ToolUseID string          `json:"toolUseId,omitempty"`
	MCPServer string          `json:"mcpServer,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Execution is the runtime wrapper around one agent invocation. The Claude
// session id binds late: it is unknown until the runner's first init event
// arrives.
type Execution struct {
	ID              string                     `json:"id"`
	ClaudeSessionID string                     `json:"claudeSessionId,omitempty"`
	Tier            string                     `json:"tier,omitempty"`
	AgentType       string                     `json:"agentType,omitempty"`
	Prompt          string                     `json:"prompt"`
	Context         string                     `json:"context,omitempty"`
	Status          Status                     `json:"status"`
	StartedAt       time.Time                  `json:"startedAt"`
	CompletedAt     *time.Time                 `json:"completedAt,omitempty"`
	DurationMs      int64                      `json:"durationMs,omitempty"`
	Output          string                     `json:"output,omitempty"`
	Error           string                     `json:"error,omitempty"`
	Chunks          []Chunk                    `json:"chunks,omitempty"`
	Usage           *jsonl.Usage               `json:"usage,omitempty"`
	CostUSD         float64                    `json:"costUsd,omitempty"`
	FilesChanged    []string                   `json:"filesChanged,omitempty"`
	EventIDs        []string                   `json:"eventIds,omitempty"`
	Changes         *extract.FileChangeSummary `json:"sessionChanges,omitempty"`
}

// Clone returns a deep copy so callers can hold the snapshot across lock
// boundaries.
func (e *Execution) Clone() *Execution {
	c := *e
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		c.CompletedAt = &t
	}
	if e.Usage != nil {
		u := *e.Usage
		c.Usage = &u
	}
	if len(e.Chunks) > 0 {
		c.Chunks = make([]Chunk, len(e.Chunks))
		copy(c.Chunks, e.Chunks)
	}
	if len(e.FilesChanged) > 0 {
		c.FilesChanged = append([]string(nil), e.FilesChanged...)
	}
	if len(e.EventIDs) > 0 {
		c.EventIDs = append([]string(nil), e.EventIDs...)
	}
	if e.Changes != nil {
		ch := *e.Changes
		ch.Created = append([]string(nil), e.Changes.Created...)
		ch.Updated = append([]string(nil), e.Changes.Updated...)
		ch.Deleted = append([]string(nil), e.Changes.Deleted...)
		ch.Read = append([]string(nil), e.Changes.Read...)
		c.Changes = &ch
	}
	return &c
}

// Event is one raw record from the runner's event stream, stored with the
// metadata pulled out of its payload, plus the lifecycle events the store
// itself emits.
type Event struct {
	ID           string          `json:"id"`
	ExecutionID  string          `json:"executionId"`
	Kind         string          `json:"kind"`
	Timestamp    time.Time       `json:"timestamp"`
	HookType     string          `json:"hookType,omitempty"`
	MCPServer    string          `json:"mcpServer,omitempty"`
	ToolName     string          `json:"toolName,omitempty"`
	SubagentName string          `json:"subagentName,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// Event kinds the runner produces, plus the store's own lifecycle kinds.
const (
	KindSystem         = "system"
	KindAssistant      = "assistant"
	KindUser           = "user"
	KindResult         = "result"
	KindHook           = "hook"
	KindMCPToolCall    = "mcp_tool_call"
	KindMCPToolResult  = "mcp_tool_result"
	KindSubagentStart  = "subagent_start"
	KindSubagentResult = "subagent_result"
	KindUserQuestion   = "user_question"
	KindUserAnswer     = "user_answer"

	KindExecutionStart     = "execution_start"
	KindExecutionComplete  = "execution_complete"
	KindExecutionError     = "execution_error"
	KindExecutionCancelled = "execution_cancelled"
)

// BlockingKind classifies what the runner is waiting on.
type BlockingKind string

const (
	BlockingPermission       BlockingKind = "permission"
	BlockingUserQuestion     BlockingKind = "user_question"
	BlockingSubagentApproval BlockingKind = "subagent_approval"
)

// BlockingStatus is the lifecycle of a blocking event.
type BlockingStatus string

const (
	BlockingPending   BlockingStatus = "pending"
	BlockingResponded BlockingStatus = "responded"
	BlockingTimedOut  BlockingStatus = "timed_out"
	BlockingCancelled BlockingStatus = "cancelled"
)

// BlockingEvent is a permission prompt, user question, or subagent
// approval the runner raised and is blocked on.
type BlockingEvent struct {
	ID          string          `json:"id"`
	ExecutionID string          `json:"executionId"`
	Kind        BlockingKind    `json:"kind"`
	Status      BlockingStatus  `json:"status"`
	Request     json.RawMessage `json:"request,omitempty"`
	Response    json.RawMessage `json:"response,omitempty"`
	RespondedBy string          `json:"respondedBy,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	ResolvedAt  *time.Time      `json:"resolvedAt,omitempty"`
	WaitMs      int64           `json:"waitMs,omitempty"`
}

func (b *BlockingEvent) clone() *BlockingEvent {
	c := *b
	if b.ResolvedAt != nil {
		t := *b.ResolvedAt
		c.ResolvedAt = &t
	}
	return &c
}

// ChangeBundle is the runner change-tracker's per-execution file summary.
type ChangeBundle struct {
	ExecutionID string                    `json:"executionId"`
	SessionID   string                    `json:"sessionId,omitempty"`
	Summary     extract.FileChangeSummary `json:"summary"`
	RecordedAt  time.Time                 `json:"recordedAt"`
}

// Notification is what listeners receive. Exactly one of the payload
// fields is set, matching Type.
type Notification struct {
	Type      string         `json:"type"`
	Execution *Execution     `json:"execution,omitempty"`
	Event     *Event         `json:"event,omitempty"`
	Blocking  *BlockingEvent `json:"blockingEvent,omitempty"`
}

// Notification types pushed to listeners.
const (
	NotifyExecutionStart     = "execution_start"
	NotifyExecutionUpdate    = "execution_update"
	NotifyExecutionComplete  = "execution_complete"
	NotifyExecutionError     = "execution_error"
	NotifyExecutionCancelled = "execution_cancelled"
	NotifyEventRecorded      = "event_recorded"
	NotifyBlockingEvent      = "blocking_event"
	NotifyBlockingResolved   = "blocking_resolved"
)

// Listener receives store notifications. Listeners run outside the store
// lock; a panicking listener is logged and skipped, never propagated.
type Listener func(Notification)
