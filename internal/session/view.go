package session

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/lm-assist/backend/internal/jsonl"
)

var (
	// ErrNotFound means a session id could not be resolved to an existing
	// file. Distinct from an empty session.
	ErrNotFound = errors.New("session: not found")

	// ErrMalformed means the file exists but never yielded a valid record.
	ErrMalformed = errors.New("session: malformed file")

	// ErrIO wraps OS-level read or write failures that survived the retry.
	ErrIO = errors.New("session: io error")
)

// Status is the computed lifecycle state of a session. Never stored; derived
// from file evidence on demand.
type Status string

const (
	StatusCompleted   Status = "completed"
	StatusError       Status = "error"
	StatusRunning     Status = "running"
	StatusInterrupted Status = "interrupted"
	StatusIdle        Status = "idle"
	StatusStale       Status = "stale"
)

// Task statuses written by the TaskCreate/TaskUpdate tools.
const (
	TaskPending    = "pending"
	TaskInProgress = "in_progress"
	TaskCompleted  = "completed"
	TaskDeleted    = "deleted"
)

// Subagent invocation statuses.
const (
	SubagentPending   = "pending"
	SubagentRunning   = "running"
	SubagentCompleted = "completed"
	SubagentError     = "error"
)

// UserPrompt is a user record carrying real text.
type UserPrompt struct {
	Text             string    `json:"text"`
	TurnIndex        int       `json:"turnIndex"`
	LineIndex        int       `json:"lineIndex"`
	PromptIndex      int       `json:"promptIndex"`
	Timestamp        time.Time `json:"timestamp"`
	IsCompactSummary bool      `json:"isCompactSummary,omitempty"`
	CompactOrder     int       `json:"compactOrder"`
}

// Response is one assistant text block.
type Response struct {
	Text       string    `json:"text"`
	Model      string    `json:"model,omitempty"`
	TurnIndex  int       `json:"turnIndex"`
	LineIndex  int       `json:"lineIndex"`
	Timestamp  time.Time `json:"timestamp"`
	IsAPIError bool      `json:"isApiError,omitempty"`
	RequestID  string    `json:"requestId,omitempty"`
}

// ToolUse is one structured tool call from an assistant record. LineIndex is
// the line of the assistant record that contains the call, never of the
// later tool result.
type ToolUse struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input,omitempty"`
	TurnIndex int             `json:"turnIndex"`
	LineIndex int             `json:"lineIndex"`
	Timestamp time.Time       `json:"timestamp"`
}

// Thinking is one assistant thinking block.
type Thinking struct {
	Text      string    `json:"text"`
	TurnIndex int       `json:"turnIndex"`
	LineIndex int       `json:"lineIndex"`
	Timestamp time.Time `json:"timestamp"`
}

// Task is one entry of the agent's task graph, materialized from TaskCreate
// and TaskUpdate tool calls. ID stays empty until the tool result assigns
// the real numeric id.
type Task struct {
	ID          string         `json:"id"`
	ToolUseID   string         `json:"toolUseId,omitempty"`
	Subject     string         `json:"subject"`
	Description string         `json:"description,omitempty"`
	Status      string         `json:"status"`
	Owner       string         `json:"owner,omitempty"`
	Blocks      []string       `json:"blocks,omitempty"`
	BlockedBy   []string       `json:"blockedBy,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedLine int            `json:"createdLine"`
	UpdatedLine int            `json:"updatedLine"`
}

// Todo is one TodoWrite checklist entry, deduplicated by content.
type Todo struct {
	Content    string `json:"content"`
	Status     string `json:"status"`
	ActiveForm string `json:"activeForm,omitempty"`
	LineIndex  int    `json:"lineIndex"`
}

// Subagent is an invocation of the Task tool (the subagent spawner, not the
// task graph). AgentID arrives later from a progress record.
type Subagent struct {
	ToolUseID       string    `json:"toolUseId"`
	AgentID         string    `json:"agentId,omitempty"`
	Prompt          string    `json:"prompt,omitempty"`
	Description     string    `json:"description,omitempty"`
	SubagentType    string    `json:"subagentType,omitempty"`
	Status          string    `json:"status"`
	Result          string    `json:"result,omitempty"`
	TurnIndex       int       `json:"turnIndex"`
	LineIndex       int       `json:"lineIndex"`
	UserPromptIndex int       `json:"userPromptIndex"`
	ParentUUID      string    `json:"parentUuid,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// Plan is one EnterPlanMode/ExitPlanMode call.
type Plan struct {
	Phase          string    `json:"phase"`
	Title          string    `json:"title,omitempty"`
	File           string    `json:"file,omitempty"`
	Summary        string    `json:"summary,omitempty"`
	AllowedPrompts []string  `json:"allowedPrompts,omitempty"`
	TurnIndex      int       `json:"turnIndex"`
	LineIndex      int       `json:"lineIndex"`
	Timestamp      time.Time `json:"timestamp"`
}

// TeamOp is one Teammate or SendMessage call.
type TeamOp struct {
	Tool      string `json:"tool"`
	TeamName  string `json:"teamName,omitempty"`
	Action    string `json:"action,omitempty"`
	Recipient string `json:"recipient,omitempty"`
	Message   string `json:"message,omitempty"`
	TurnIndex int    `json:"turnIndex"`
	LineIndex int    `json:"lineIndex"`
}

// ProgressUpdate is one progress record, kept for later inspection with its
// text capped.
type ProgressUpdate struct {
	AgentID         string    `json:"agentId,omitempty"`
	ParentToolUseID string    `json:"parentToolUseId,omitempty"`
	Text            string    `json:"text,omitempty"`
	LineIndex       int       `json:"lineIndex"`
	Timestamp       time.Time `json:"timestamp"`
}

// View is the structured representation of one session file, built
// incrementally by a Builder.
type View struct {
	SessionID      string   `json:"sessionId"`
	ProjectPath    string   `json:"projectPath,omitempty"`
	TeamName       string   `json:"teamName,omitempty"`
	Version        string   `json:"version,omitempty"`
	Model          string   `json:"model,omitempty"`
	PermissionMode string   `json:"permissionMode,omitempty"`
	Tools          []string `json:"tools,omitempty"`
	MCPServers     []string `json:"mcpServers,omitempty"`
	SystemPrompt   string   `json:"systemPrompt,omitempty"`

	FirstTimestamp time.Time `json:"firstTimestamp,omitempty"`
	LastTimestamp  time.Time `json:"lastTimestamp,omitempty"`

	UserPrompts []UserPrompt     `json:"userPrompts"`
	Responses   []Response       `json:"responses"`
	ToolUses    []ToolUse        `json:"toolUses"`
	Thinking    []Thinking       `json:"thinking"`
	Tasks       []*Task          `json:"tasks"`
	Todos       []*Todo          `json:"todos"`
	Subagents   []*Subagent      `json:"subagents"`
	Plans       []Plan           `json:"plans"`
	TeamOps     []TeamOp         `json:"teamOps,omitempty"`
	Teams       []string         `json:"teams,omitempty"`
	Progress    []ProgressUpdate `json:"progress,omitempty"`

	Usage        jsonl.Usage `json:"usage"`
	TotalCostUSD float64     `json:"totalCostUsd"`
	DurationMS   int64       `json:"durationMs"`
	NumTurns     int         `json:"numTurns"`
	Completed    bool        `json:"completed"`
	Success      bool        `json:"success"`
	ResultText   string      `json:"resultText,omitempty"`
	Errors       []string    `json:"errors,omitempty"`

	// Provenance flags so incremental refreshes never clobber
	// authoritative result-record values.
	CostFromResult     bool `json:"costFromResult,omitempty"`
	DurationFromResult bool `json:"durationFromResult,omitempty"`
	TurnsFromResult    bool `json:"turnsFromResult,omitempty"`

	LastLineIndex   int    `json:"lastLineIndex"`
	CompactCount    int    `json:"compactCount"`
	MalformedLines  int    `json:"malformedLines,omitempty"`
	LastRecordType  string `json:"lastRecordType,omitempty"`
	LastMessageRole string `json:"lastMessageRole,omitempty"`
	AssistantSeen   bool   `json:"assistantSeen,omitempty"`
}

// NewView returns an empty view with a last line index before line zero.
func NewView() *View {
	return &View{LastLineIndex: -1}
}

// UserPromptCount is the number of real user prompts seen so far.
func (v *View) UserPromptCount() int {
	return len(v.UserPrompts)
}

// Clone deep-copies the view so callers can hold it without racing the
// builder.
func (v *View) Clone() *View {
	if v == nil {
		return nil
	}
	c := *v

	c.Tools = append([]string(nil), v.Tools...)
	c.MCPServers = append([]string(nil), v.MCPServers...)
	c.Teams = append([]string(nil), v.Teams...)
	c.Errors = append([]string(nil), v.Errors...)

	c.UserPrompts = append([]UserPrompt(nil), v.UserPrompts...)
	c.Responses = append([]Response(nil), v.Responses...)
	c.ToolUses = append([]ToolUse(nil), v.ToolUses...)
	c.Thinking = append([]Thinking(nil), v.Thinking...)
	c.Plans = append([]Plan(nil), v.Plans...)
	c.TeamOps = append([]TeamOp(nil), v.TeamOps...)
	c.Progress = append([]ProgressUpdate(nil), v.Progress...)

	c.Tasks = make([]*Task, len(v.Tasks))
	for i, t := range v.Tasks {
		tc := *t
		tc.Blocks = append([]string(nil), t.Blocks...)
		tc.BlockedBy = append([]string(nil), t.BlockedBy...)
		if t.Metadata != nil {
			tc.Metadata = make(map[string]any, len(t.Metadata))
			for k, val := range t.Metadata {
				tc.Metadata[k] = val
			}
		}
		c.Tasks[i] = &tc
	}

	c.Todos = make([]*Todo, len(v.Todos))
	for i, td := range v.Todos {
		tc := *td
		c.Todos[i] = &tc
	}

	c.Subagents = make([]*Subagent, len(v.Subagents))
	for i, s := range v.Subagents {
		sc := *s
		c.Subagents[i] = &sc
	}

	return &c
}
