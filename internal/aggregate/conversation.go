package aggregate

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/lm-assist/backend/internal/jsonl"
	"github.com/lm-assist/backend/internal/session"
)

// ToolDetail selects how much of each tool call a conversation view carries.
type ToolDetail string

const (
	ToolDetailNone    ToolDetail = "none"
	ToolDetailSummary ToolDetail = "summary"
	ToolDetailFull    ToolDetail = "full"
)

const (
	maxWriteSummaryLen = 100
	maxSummaryLen      = 150
	maxFullResultLen   = 2000
)

// ConversationOptions filters and paginates a conversation view.
type ConversationOptions struct {
	ToolDetail    ToolDetail
	LastN         int
	BeforeLine    *int
	FromTurnIndex *int
	ToTurnIndex   *int
}

// ToolCall is one tool invocation attached to an assistant message.
// ResultSummary is set at summary detail, Result at full detail.
type ToolCall struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Input         json.RawMessage `json:"input,omitempty"`
	LineIndex     int             `json:"lineIndex"`
	ResultSummary string          `json:"resultSummary,omitempty"`
	Result        string          `json:"result,omitempty"`
}

// ConversationMessage is one chat bubble: a user prompt, or an assistant
// turn with its text blocks coalesced and its tool calls attached.
type ConversationMessage struct {
	Role             string     `json:"role"`
	Text             string     `json:"text,omitempty"`
	Model            string     `json:"model,omitempty"`
	TurnIndex        int        `json:"turnIndex"`
	LineIndex        int        `json:"lineIndex"`
	Timestamp        time.Time  `json:"timestamp,omitempty"`
	IsCompactSummary bool       `json:"isCompactSummary,omitempty"`
	ToolCalls        []ToolCall `json:"toolCalls,omitempty"`
}

// ConversationView returns the session as a flat ordered message list for
// chat rendering.
func (s *Service) ConversationView(sessionID, cwd string, opts ConversationOptions) ([]ConversationMessage, error) {
	path, err := s.res.FindSessionFile(sessionID, cwd)
	if err != nil {
		return nil, err
	}
	view, _, err := s.cache.View(path)
	if err != nil {
		return nil, err
	}

	// Tool results live in later user records, so resolving them needs the
	// raw stream; skip that read entirely at none detail.
	results := map[string]string{}
	if opts.ToolDetail == ToolDetailSummary || opts.ToolDetail == ToolDetailFull {
		raws, _, err := s.cache.RawMessages(path)
		if err != nil {
			return nil, err
		}
		for _, rec := range raws {
			if rec.Type != jsonl.TypeUser {
				continue
			}
			msg := rec.DecodeMessage()
			for _, blk := range msg.Blocks() {
				if blk.Type == "tool_result" && blk.ToolUseID != "" {
					results[blk.ToolUseID] = jsonl.BlockText(blk.Content)
				}
			}
		}
	}

	msgs := buildMessages(view, opts.ToolDetail, results)

	if opts.FromTurnIndex != nil || opts.ToTurnIndex != nil {
		fromTurn, toTurn := 0, math.MaxInt
		if opts.FromTurnIndex != nil {
			fromTurn = *opts.FromTurnIndex
		}
		if opts.ToTurnIndex != nil {
			toTurn = *opts.ToTurnIndex
		}
		kept := msgs[:0]
		for _, m := range msgs {
			if m.TurnIndex >= fromTurn && m.TurnIndex <= toTurn {
				kept = append(kept, m)
			}
		}
		msgs = kept
	}
	if opts.BeforeLine != nil {
		kept := msgs[:0]
		for _, m := range msgs {
			if m.LineIndex < *opts.BeforeLine {
				kept = append(kept, m)
			}
		}
		msgs = kept
	}
	if opts.LastN > 0 && len(msgs) > opts.LastN {
		msgs = msgs[len(msgs)-opts.LastN:]
	}
	return msgs, nil
}

func buildMessages(v *session.View, detail ToolDetail, results map[string]string) []ConversationMessage {
	msgs := make([]ConversationMessage, 0, len(v.UserPrompts)+len(v.Responses))

	for _, p := range v.UserPrompts {
		msgs = append(msgs, ConversationMessage{
			Role:             "user",
			Text:             p.Text,
			TurnIndex:        p.TurnIndex,
			LineIndex:        p.LineIndex,
			Timestamp:        p.Timestamp,
			IsCompactSummary: p.IsCompactSummary,
		})
	}

	type turnAcc struct {
		texts []string
		msg   ConversationMessage
	}
	turns := make(map[int]*turnAcc)
	acc := func(turn, line int, ts time.Time) *turnAcc {
		a, ok := turns[turn]
		if !ok {
			a = &turnAcc{msg: ConversationMessage{Role: "assistant", TurnIndex: turn, LineIndex: line, Timestamp: ts}}
			turns[turn] = a
		}
		if line < a.msg.LineIndex {
			a.msg.LineIndex = line
		}
		if !ts.IsZero() && (a.msg.Timestamp.IsZero() || ts.Before(a.msg.Timestamp)) {
			a.msg.Timestamp = ts
		}
		return a
	}

	for _, r := range v.Responses {
		a := acc(r.TurnIndex, r.LineIndex, r.Timestamp)
		if r.Text != "" {
			a.texts = append(a.texts, r.Text)
		}
		if a.msg.Model == "" {
			a.msg.Model = r.Model
		}
	}
	for _, u := range v.ToolUses {
		a := acc(u.TurnIndex, u.LineIndex, u.Timestamp)
		call := ToolCall{ID: u.ID, Name: u.Name, Input: u.Input, LineIndex: u.LineIndex}
		switch detail {
		case ToolDetailSummary:
			call.ResultSummary = summarizeResult(u.Name, results[u.ID])
		case ToolDetailFull:
			call.Result = clip(results[u.ID], maxFullResultLen)
		}
		a.msg.ToolCalls = append(a.msg.ToolCalls, call)
	}

	for _, a := range turns {
		a.msg.Text = strings.Join(a.texts, "\n\n")
		msgs = append(msgs, a.msg)
	}

	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].TurnIndex != msgs[j].TurnIndex {
			return msgs[i].TurnIndex < msgs[j].TurnIndex
		}
		return msgs[i].LineIndex < msgs[j].LineIndex
	})
	return msgs
}

// summarizeResult compresses a tool result into one line appropriate for
// the tool family.
func summarizeResult(tool, result string) string {
	switch tool {
	case "Read", "NotebookRead":
		if result == "" {
			return ""
		}
		return fmt.Sprintf("Read %d lines", countLines(result))
	case "Bash":
		if result == "" {
			return "No output"
		}
		return fmt.Sprintf("%d lines of output", countLines(result))
	case "Glob", "Grep":
		return fmt.Sprintf("%d matches found", countNonEmptyLines(result))
	case "Write", "Edit", "NotebookEdit":
		if result == "" {
			return "File modified"
		}
		return clip(result, maxWriteSummaryLen)
	default:
		return clip(result, maxSummaryLen)
	}
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	return strings.Count(strings.TrimSuffix(s, "\n"), "\n") + 1
}

func countNonEmptyLines(s string) int {
	n := 0
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) != "" {
			n++
		}
	}
	return n
}
