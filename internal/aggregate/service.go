// Package aggregate is the read-only query surface over cached session
// views: full and delta session reads, listings, change checks, chat-shaped
// conversation views and subagent trees. Everything here returns snapshots;
// nothing mutates the underlying cache entries.
package aggregate

import (
	"encoding/json"
	"math"
	"os"
	"runtime"
	"time"

	"github.com/lm-assist/backend/internal/cache"
	"github.com/lm-assist/backend/internal/extract"
	"github.com/lm-assist/backend/internal/jsonl"
	"github.com/lm-assist/backend/internal/paths"
	"github.com/lm-assist/backend/internal/session"
)

// defaultPromptCap trims unfiltered reads of long sessions to the last N
// user prompts.
const defaultPromptCap = 50

// Service answers queries from the session cache. Safe for concurrent use.
type Service struct {
	cache *cache.Cache
	res   *paths.Resolver
	loadN int
}

// New builds a query service on top of a cache and a path resolver.
func New(c *cache.Cache, r *paths.Resolver) *Service {
	return &Service{cache: c, res: r, loadN: runtime.NumCPU()}
}

// ReadOptions selects which slice of a session a read returns. Nil index
// pointers mean unbounded; a set pointer participates in filter selection
// even when zero.
type ReadOptions struct {
	IncludeRawMessages  bool
	FromLineIndex       *int
	ToLineIndex         *int
	FromTurnIndex       *int
	ToTurnIndex         *int
	FromUserPromptIndex *int
	ToUserPromptIndex   *int
	LastNUserPrompts    int
	IfModifiedSince     time.Time
	IncludeReads        bool
}

func (o ReadOptions) hasExplicitRange() bool {
	return o.FromLineIndex != nil || o.ToLineIndex != nil ||
		o.FromTurnIndex != nil || o.ToTurnIndex != nil ||
		o.FromUserPromptIndex != nil || o.ToUserPromptIndex != nil ||
		o.LastNUserPrompts > 0
}

// deltaOnly reports whether the request is the catch-up shape: a lower line
// bound and nothing else.
func (o ReadOptions) deltaOnly() bool {
	return o.FromLineIndex != nil && o.ToLineIndex == nil &&
		o.FromTurnIndex == nil && o.ToTurnIndex == nil &&
		o.FromUserPromptIndex == nil && o.ToUserPromptIndex == nil &&
		o.LastNUserPrompts == 0
}

// SessionDetail is the response of ReadSession. When NotModified is set only
// the identity and file metadata fields are populated.
type SessionDetail struct {
	SessionID    string         `json:"sessionId"`
	FilePath     string         `json:"filePath"`
	FileSize     int64          `json:"fileSize"`
	LastModified time.Time      `json:"lastModified"`
	NotModified  bool           `json:"notModified,omitempty"`
	Delta        bool           `json:"delta,omitempty"`
	Status       session.Status `json:"status,omitempty"`

	View *session.View `json:"session,omitempty"`

	FileOps     []extract.FileOp           `json:"fileOps,omitempty"`
	GitOps      []extract.GitOp            `json:"gitOps,omitempty"`
	DBOps       []extract.DBOp             `json:"dbOps,omitempty"`
	FileSummary *extract.FileChangeSummary `json:"fileChangeSummary,omitempty"`

	RawMessages []json.RawMessage `json:"rawMessages,omitempty"`
}

// ReadSession resolves the session file, honors the not-modified check
// before any parse, then returns the cached view with the requested filters
// applied.
func (s *Service) ReadSession(sessionID, cwd string, opts ReadOptions) (*SessionDetail, error) {
	path, err := s.res.FindSessionFile(sessionID, cwd)
	if err != nil {
		return nil, err
	}

	if !opts.IfModifiedSince.IsZero() {
		st, err := os.Stat(path)
		if err == nil && !st.ModTime().After(opts.IfModifiedSince) {
			return &SessionDetail{
				SessionID:    sessionID,
				FilePath:     path,
				FileSize:     st.Size(),
				LastModified: st.ModTime(),
				NotModified:  true,
			}, nil
		}
	}

	view, meta, err := s.cache.View(path)
	if err != nil {
		return nil, err
	}

	detail := &SessionDetail{
		SessionID:    sessionID,
		FilePath:     path,
		FileSize:     meta.Size,
		LastModified: meta.Mtime,
		Status:       session.ClassifyStatus(view, meta.Mtime, time.Now()),
	}

	win := resolveWindow(view, opts)
	detail.Delta = opts.deltaOnly()
	detail.View = filterView(view, win)

	tools := detail.View.ToolUses
	ops := extract.FileOps(tools)
	if !opts.IncludeReads {
		ops = dropReads(ops)
	}
	detail.FileOps = ops
	detail.GitOps = extract.GitOps(tools)
	detail.DBOps = extract.DBOps(tools)
	summary := extract.Summarize(ops)
	detail.FileSummary = &summary

	if opts.IncludeRawMessages {
		raws, _, err := s.cache.RawMessages(path)
		if err != nil {
			return nil, err
		}
		detail.RawMessages = filterRaws(raws, win.lines)
	}
	return detail, nil
}

// lineBounds is an inclusive line-index window. Filters that speak other
// units (turns, prompt indexes) are translated into one before application.
type lineBounds struct {
	from, to int
}

var unbounded = lineBounds{from: 0, to: math.MaxInt}

func (b lineBounds) contains(line int) bool {
	return line >= b.from && line <= b.to
}

// window is one resolved filter. stateFull keeps the accumulating arrays
// (tasks, todos, plans, subagents) whole: the delta fast path and the
// last-N trim want recent flow but complete state. promptFrom/promptTo are
// set only for user-prompt ranges, where subagents filter by their own
// prompt index instead of the line window.
type window struct {
	lines      lineBounds
	stateFull  bool
	promptFrom int
	promptTo   int
}

// resolveWindow translates the request filters into a window. Precedence
// when several are set: line range, then turn range, then prompt range,
// then last-N.
func resolveWindow(v *session.View, opts ReadOptions) window {
	if opts.deltaOnly() {
		return window{lines: lineBounds{from: *opts.FromLineIndex, to: math.MaxInt}, stateFull: true}
	}

	switch {
	case opts.FromLineIndex != nil || opts.ToLineIndex != nil:
		b := unbounded
		if opts.FromLineIndex != nil {
			b.from = *opts.FromLineIndex
		}
		if opts.ToLineIndex != nil {
			b.to = *opts.ToLineIndex
		}
		return window{lines: b}

	case opts.FromTurnIndex != nil || opts.ToTurnIndex != nil:
		fromTurn, toTurn := 0, math.MaxInt
		if opts.FromTurnIndex != nil {
			fromTurn = *opts.FromTurnIndex
		}
		if opts.ToTurnIndex != nil {
			toTurn = *opts.ToTurnIndex
		}
		return window{lines: turnHull(v, fromTurn, toTurn)}

	case opts.FromUserPromptIndex != nil || opts.ToUserPromptIndex != nil:
		fromP, toP := 1, math.MaxInt
		if opts.FromUserPromptIndex != nil {
			fromP = *opts.FromUserPromptIndex
		}
		if opts.ToUserPromptIndex != nil {
			toP = *opts.ToUserPromptIndex
		}
		return window{lines: promptBounds(v, fromP, toP), promptFrom: fromP, promptTo: toP}

	case opts.LastNUserPrompts > 0:
		return window{lines: lastPromptBounds(v, opts.LastNUserPrompts), stateFull: true}
	}

	// No explicit filter: long sessions are trimmed to the last
	// defaultPromptCap prompts.
	if len(v.UserPrompts) > defaultPromptCap {
		return window{lines: lastPromptBounds(v, defaultPromptCap), stateFull: true}
	}
	return window{lines: unbounded}
}

// turnHull is the smallest line window covering every indexed record whose
// turn falls in [fromTurn, toTurn]. Records without turn indexes (raw
// messages, tasks, todos) are windowed by the hull.
func turnHull(v *session.View, fromTurn, toTurn int) lineBounds {
	minLine, maxLine := math.MaxInt, -1
	scan := func(turn, line int) {
		if turn < fromTurn || turn > toTurn {
			return
		}
		if line < minLine {
			minLine = line
		}
		if line > maxLine {
			maxLine = line
		}
	}
	for _, p := range v.UserPrompts {
		scan(p.TurnIndex, p.LineIndex)
	}
	for _, r := range v.Responses {
		scan(r.TurnIndex, r.LineIndex)
	}
	for _, u := range v.ToolUses {
		scan(u.TurnIndex, u.LineIndex)
	}
	for _, th := range v.Thinking {
		scan(th.TurnIndex, th.LineIndex)
	}
	if maxLine < 0 {
		// Nothing in range: an empty window.
		return lineBounds{from: 1, to: 0}
	}
	return lineBounds{from: minLine, to: maxLine}
}

// promptBounds maps a user-prompt index range to lines: from the selected
// first prompt's line up to the line before the prompt after the range, or
// EOF when the range extends past the last prompt.
func promptBounds(v *session.View, fromP, toP int) lineBounds {
	b := unbounded
	found := false
	for _, p := range v.UserPrompts {
		if !found && p.PromptIndex >= fromP {
			b.from = p.LineIndex
			found = true
		}
		if p.PromptIndex == toP+1 {
			b.to = p.LineIndex - 1
			break
		}
	}
	if !found {
		return lineBounds{from: 1, to: 0}
	}
	return b
}

// lastPromptBounds opens the window at the n-th prompt from the end.
func lastPromptBounds(v *session.View, n int) lineBounds {
	if n <= 0 || len(v.UserPrompts) <= n {
		return unbounded
	}
	cut := v.UserPrompts[len(v.UserPrompts)-n]
	return lineBounds{from: cut.LineIndex, to: math.MaxInt}
}

// filterView copies the view with its arrays windowed. Tasks are included
// when their created-to-updated span overlaps the window; subagents follow
// the prompt range when one is set.
func filterView(v *session.View, w window) *session.View {
	b := w.lines
	if b == unbounded {
		return v
	}
	f := *v

	f.UserPrompts = nil
	for _, p := range v.UserPrompts {
		if b.contains(p.LineIndex) {
			f.UserPrompts = append(f.UserPrompts, p)
		}
	}
	f.Responses = nil
	for _, r := range v.Responses {
		if b.contains(r.LineIndex) {
			f.Responses = append(f.Responses, r)
		}
	}
	f.ToolUses = nil
	for _, u := range v.ToolUses {
		if b.contains(u.LineIndex) {
			f.ToolUses = append(f.ToolUses, u)
		}
	}
	f.Thinking = nil
	for _, th := range v.Thinking {
		if b.contains(th.LineIndex) {
			f.Thinking = append(f.Thinking, th)
		}
	}

	if w.stateFull {
		return &f
	}

	f.Tasks = nil
	for _, t := range v.Tasks {
		if t.CreatedLine <= b.to && t.UpdatedLine >= b.from {
			f.Tasks = append(f.Tasks, t)
		}
	}
	f.Todos = nil
	for _, td := range v.Todos {
		if b.contains(td.LineIndex) {
			f.Todos = append(f.Todos, td)
		}
	}
	f.Plans = nil
	for _, p := range v.Plans {
		if b.contains(p.LineIndex) {
			f.Plans = append(f.Plans, p)
		}
	}
	f.Subagents = nil
	for _, sa := range v.Subagents {
		if w.promptTo > 0 {
			if sa.UserPromptIndex >= w.promptFrom && sa.UserPromptIndex <= w.promptTo {
				f.Subagents = append(f.Subagents, sa)
			}
		} else if b.contains(sa.LineIndex) {
			f.Subagents = append(f.Subagents, sa)
		}
	}
	return &f
}

func filterRaws(raws []*jsonl.Record, b lineBounds) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(raws))
	for _, r := range raws {
		if b.contains(r.LineIndex) {
			out = append(out, r.Raw)
		}
	}
	return out
}

func dropReads(ops []extract.FileOp) []extract.FileOp {
	kept := ops[:0:0]
	for _, op := range ops {
		if op.Category != extract.CategoryRead {
			kept = append(kept, op)
		}
	}
	return kept
}
