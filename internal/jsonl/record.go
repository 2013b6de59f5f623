package jsonl

import (
	"encoding/json"
	"strings"
	"time"
)

// Record type discriminators as written by the agent CLI.
const (
	TypeSystem      = "system"
	TypeUser        = "user"
	TypeAssistant   = "assistant"
	TypeResult      = "result"
	TypeProgress    = "progress"
	TypeSummary     = "summary"
	TypeFileHistory = "file-history-snapshot"
)

// Usage is the token accounting block attached to assistant messages and
// result records.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
}

// Add accumulates a per-message delta into the running total.
func (u *Usage) Add(d Usage) {
	u.InputTokens += d.InputTokens
	u.OutputTokens += d.OutputTokens
	u.CacheReadInputTokens += d.CacheReadInputTokens
	u.CacheCreationInputTokens += d.CacheCreationInputTokens
}

// TotalContext returns the context-window footprint of the message that
// reported this usage.
func (u Usage) TotalContext() int {
	return u.InputTokens + u.CacheReadInputTokens + u.CacheCreationInputTokens
}

// Record is one decoded line of a session file. Variant-specific fields are
// zero-valued on records of other types; switch on Type before trusting them.
type Record struct {
	LineIndex int `json:"lineIndex"`
	TurnIndex int `json:"turnIndex"`

	Type        string    `json:"type"`
	Subtype     string    `json:"subtype,omitempty"`
	UUID        string    `json:"uuid,omitempty"`
	ParentUUID  string    `json:"parentUuid,omitempty"`
	SessionID   string    `json:"sessionId,omitempty"`
	Timestamp   time.Time `json:"timestamp,omitempty"`
	CWD         string    `json:"cwd,omitempty"`
	Version     string    `json:"version,omitempty"`
	TeamName    string    `json:"teamName,omitempty"`
	IsSidechain bool      `json:"isSidechain,omitempty"`
	IsMeta      bool      `json:"isMeta,omitempty"`
	IsAPIError  bool      `json:"isApiErrorMessage,omitempty"`

	Message       json.RawMessage `json:"message,omitempty"`
	ToolUseResult json.RawMessage `json:"toolUseResult,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`

	// Result-record fields.
	DurationMS    int64    `json:"duration_ms,omitempty"`
	DurationAPIMS int64    `json:"duration_api_ms,omitempty"`
	NumTurns      int      `json:"num_turns,omitempty"`
	TotalCostUSD  float64  `json:"total_cost_usd,omitempty"`
	IsError       bool     `json:"is_error,omitempty"`
	Result        string   `json:"result,omitempty"`
	Errors        []string `json:"errors,omitempty"`
	Usage         *Usage   `json:"usage,omitempty"`

	// Summary-record fields.
	Summary  string `json:"summary,omitempty"`
	LeafUUID string `json:"leafUuid,omitempty"`

	// Raw preserves the original line verbatim for schema-loose consumers.
	Raw json.RawMessage `json:"-"`
}

// envelope is the decode target for one line. Some record types spell the
// session id in snake_case (system/init, result), the rest camelCase.
type envelope struct {
	Type           string          `json:"type"`
	Subtype        string          `json:"subtype"`
	UUID           string          `json:"uuid"`
	ParentUUID     string          `json:"parentUuid"`
	SessionID      string          `json:"sessionId"`
	SessionIDSnake string          `json:"session_id"`
	Timestamp      string          `json:"timestamp"`
	CWD            string          `json:"cwd"`
	Version        string          `json:"version"`
	TeamName       string          `json:"teamName"`
	IsSidechain    bool            `json:"isSidechain"`
	IsMeta         bool            `json:"isMeta"`
	IsAPIError     bool            `json:"isApiErrorMessage"`
	Message        json.RawMessage `json:"message"`
	ToolUseResult  json.RawMessage `json:"toolUseResult"`
	Data           json.RawMessage `json:"data"`
	DurationMS     int64           `json:"duration_ms"`
	DurationAPIMS  int64           `json:"duration_api_ms"`
	NumTurns       int             `json:"num_turns"`
	TotalCostUSD   float64         `json:"total_cost_usd"`
	IsError        bool            `json:"is_error"`
	Result         string          `json:"result"`
	Errors         []string        `json:"errors"`
	Usage          *Usage          `json:"usage"`
	Summary        string          `json:"summary"`
	LeafUUID       string          `json:"leafUuid"`
}

func decodeRecord(line []byte) (*Record, error) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, err
	}

	rec := &Record{
		Type:          env.Type,
		Subtype:       env.Subtype,
		UUID:          env.UUID,
		ParentUUID:    env.ParentUUID,
		SessionID:     env.SessionID,
		CWD:           env.CWD,
		Version:       env.Version,
		TeamName:      env.TeamName,
		IsSidechain:   env.IsSidechain,
		IsMeta:        env.IsMeta,
		IsAPIError:    env.IsAPIError,
		Message:       env.Message,
		ToolUseResult: env.ToolUseResult,
		Data:          env.Data,
		DurationMS:    env.DurationMS,
		DurationAPIMS: env.DurationAPIMS,
		NumTurns:      env.NumTurns,
		TotalCostUSD:  env.TotalCostUSD,
		IsError:       env.IsError,
		Result:        env.Result,
		Errors:        env.Errors,
		Usage:         env.Usage,
		Summary:       env.Summary,
		LeafUUID:      env.LeafUUID,
		Raw:           json.RawMessage(line),
	}
	if rec.SessionID == "" {
		rec.SessionID = env.SessionIDSnake
	}
	if env.Timestamp != "" {
		if t, err := time.Parse(time.RFC3339Nano, env.Timestamp); err == nil {
			rec.Timestamp = t
		}
	}
	return rec, nil
}

// IsMessage reports whether the record advances the conversation turn
// counter.
func (r *Record) IsMessage() bool {
	return r.Type == TypeUser || r.Type == TypeAssistant
}

// Message is the inner message envelope of user and assistant records.
type Message struct {
	ID         string          `json:"id,omitempty"`
	Role       string          `json:"role,omitempty"`
	Model      string          `json:"model,omitempty"`
	StopReason string          `json:"stop_reason,omitempty"`
	Usage      *Usage          `json:"usage,omitempty"`
	Content    json.RawMessage `json:"content,omitempty"`
}

// ContentBlock is one element of a message content array. The Type field
// selects which of the remaining fields are meaningful.
type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// DecodeMessage decodes the record's message envelope. Returns nil when the
// record carries no message.
func (r *Record) DecodeMessage() *Message {
	if len(r.Message) == 0 {
		return nil
	}
	var msg Message
	if err := json.Unmarshal(r.Message, &msg); err != nil {
		return nil
	}
	return &msg
}

// Blocks returns the content array. String-content messages return nil; use
// Text for those.
func (m *Message) Blocks() []ContentBlock {
	if m == nil || len(m.Content) == 0 {
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return nil
	}
	return blocks
}

// Text coalesces the message's text: a plain string content is returned
// as-is, an array has its text blocks joined by newlines.
func (m *Message) Text() string {
	if m == nil || len(m.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return s
	}
	var parts []string
	for _, b := range m.Blocks() {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// BlockText flattens a tool_result content payload, which is either a plain
// string or an array of text blocks.
func BlockText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}
