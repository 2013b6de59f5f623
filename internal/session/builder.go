package session

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/lm-assist/backend/internal/jsonl"
)

// CompactMarker prefixes the user message the agent writes after compacting
// its context window.
const CompactMarker = "This session is being continued from a previous conversation that ran out of context."

const (
	maxSubagentResult = 2000
	maxProgressText   = 500
)

var (
	taskCreatedRe = regexp.MustCompile(`Task #(\d+) created successfully`)
	requestIDRe   = regexp.MustCompile(`"request_id"\s*:\s*"([^"]*)"`)
)

// Builder folds raw records into a View. Apply may be called repeatedly as
// the file grows; the exported state round-trips through JSON for the
// on-disk cache (call Reindex after unmarshalling).
type Builder struct {
	View        *View `json:"view"`
	PromptCount int   `json:"promptCount"`
	InitSeen    bool  `json:"initSeen,omitempty"`

	taskByID      map[string]*Task
	pendingCreate map[string]*Task
	subByToolUse  map[string]*Subagent
	todoByContent map[string]*Todo
	toolSeen      map[string]bool
	teamSeen      map[string]bool
}

func NewBuilder() *Builder {
	b := &Builder{View: NewView()}
	b.Reindex()
	return b
}

// Reindex rebuilds the lookup maps from the view arrays.
func (b *Builder) Reindex() {
	if b.View == nil {
		b.View = NewView()
	}
	v := b.View

	b.taskByID = make(map[string]*Task)
	b.pendingCreate = make(map[string]*Task)
	for _, t := range v.Tasks {
		if t.ID != "" {
			b.taskByID[t.ID] = t
		} else if t.ToolUseID != "" {
			b.pendingCreate[t.ToolUseID] = t
		}
	}

	b.subByToolUse = make(map[string]*Subagent)
	for _, s := range v.Subagents {
		b.subByToolUse[s.ToolUseID] = s
	}

	b.todoByContent = make(map[string]*Todo)
	for _, td := range v.Todos {
		b.todoByContent[td.Content] = td
	}

	b.toolSeen = make(map[string]bool)
	for _, name := range v.Tools {
		b.toolSeen[name] = true
	}

	b.teamSeen = make(map[string]bool)
	for _, name := range v.Teams {
		b.teamSeen[name] = true
	}
}

// Apply folds a batch of freshly scanned records into the view, then
// refreshes the cheap derived values.
func (b *Builder) Apply(recs []*jsonl.Record) {
	for _, rec := range recs {
		b.apply(rec)
	}
	b.refresh()
}

func (b *Builder) apply(rec *jsonl.Record) {
	v := b.View
	if rec.LineIndex > v.LastLineIndex {
		v.LastLineIndex = rec.LineIndex
	}
	if !v.TurnsFromResult && rec.TurnIndex > v.NumTurns {
		v.NumTurns = rec.TurnIndex
	}

	if v.SessionID == "" && rec.SessionID != "" {
		v.SessionID = rec.SessionID
	}
	if v.ProjectPath == "" && rec.CWD != "" {
		v.ProjectPath = rec.CWD
	}
	if v.TeamName == "" && rec.TeamName != "" {
		v.TeamName = rec.TeamName
	}
	if v.Version == "" && rec.Version != "" {
		v.Version = rec.Version
	}
	if !rec.Timestamp.IsZero() {
		if v.FirstTimestamp.IsZero() {
			v.FirstTimestamp = rec.Timestamp
		}
		if rec.Timestamp.After(v.LastTimestamp) {
			v.LastTimestamp = rec.Timestamp
		}
	}
	v.LastRecordType = rec.Type

	switch rec.Type {
	case jsonl.TypeSystem:
		b.applySystem(rec)
	case jsonl.TypeAssistant:
		v.LastMessageRole = "assistant"
		v.AssistantSeen = true
		b.applyAssistant(rec)
	case jsonl.TypeUser:
		v.LastMessageRole = "user"
		b.applyUser(rec)
	case jsonl.TypeProgress:
		b.applyProgress(rec)
	case jsonl.TypeResult:
		b.applyResult(rec)
	}
}

func (b *Builder) applySystem(rec *jsonl.Record) {
	v := b.View
	raw := []byte(rec.Raw)

	if rec.Subtype == "init" {
		b.InitSeen = true
		if s := gjson.GetBytes(raw, "model").String(); s != "" {
			v.Model = s
		}
		if s := firstString(raw, "permissionMode", "permission_mode"); s != "" {
			v.PermissionMode = s
		}
		if s := firstString(raw, "claude_code_version", "version"); s != "" {
			v.Version = s
		}
		if tools := gjson.GetBytes(raw, "tools"); tools.IsArray() {
			v.Tools = v.Tools[:0]
			b.toolSeen = make(map[string]bool)
			tools.ForEach(func(_, el gjson.Result) bool {
				name := el.String()
				if el.IsObject() {
					name = el.Get("name").String()
				}
				if name != "" && !b.toolSeen[name] {
					b.toolSeen[name] = true
					v.Tools = append(v.Tools, name)
				}
				return true
			})
		}
		if servers := gjson.GetBytes(raw, "mcp_servers"); servers.IsArray() {
			v.MCPServers = v.MCPServers[:0]
			servers.ForEach(func(_, el gjson.Result) bool {
				name := el.String()
				if el.IsObject() {
					name = el.Get("name").String()
				}
				if name != "" {
					v.MCPServers = append(v.MCPServers, name)
				}
				return true
			})
		}
		return
	}

	// The first plain system record becomes the session's system prompt.
	// Command-output records carry markup and are not prompts.
	if v.SystemPrompt == "" {
		if text := gjson.GetBytes(raw, "content").String(); text != "" && !strings.Contains(text, "<command-") {
			v.SystemPrompt = text
		}
	}
}

func (b *Builder) applyAssistant(rec *jsonl.Record) {
	v := b.View
	msg := rec.DecodeMessage()
	if msg == nil {
		return
	}
	if v.Model == "" && msg.Model != "" {
		v.Model = msg.Model
	}
	if msg.Usage != nil && !v.Completed {
		v.Usage.Add(*msg.Usage)
	}

	blocks := msg.Blocks()
	if blocks == nil {
		if text := msg.Text(); text != "" {
			v.Responses = append(v.Responses, b.response(rec, msg.Model, text))
		}
		return
	}
	for _, blk := range blocks {
		switch blk.Type {
		case "text":
			if blk.Text != "" {
				v.Responses = append(v.Responses, b.response(rec, msg.Model, blk.Text))
			}
		case "thinking":
			if blk.Thinking != "" {
				v.Thinking = append(v.Thinking, Thinking{
					Text:      blk.Thinking,
					TurnIndex: rec.TurnIndex,
					LineIndex: rec.LineIndex,
					Timestamp: rec.Timestamp,
				})
			}
		case "tool_use":
			b.applyToolUse(rec, blk)
		}
	}
}

func (b *Builder) response(rec *jsonl.Record, model, text string) Response {
	r := Response{
		Text:      text,
		Model:     model,
		TurnIndex: rec.TurnIndex,
		LineIndex: rec.LineIndex,
		Timestamp: rec.Timestamp,
	}
	if rec.IsAPIError {
		r.IsAPIError = true
		if m := requestIDRe.FindStringSubmatch(text); m != nil {
			r.RequestID = m[1]
		}
	}
	return r
}

func (b *Builder) applyToolUse(rec *jsonl.Record, blk jsonl.ContentBlock) {
	v := b.View
	v.ToolUses = append(v.ToolUses, ToolUse{
		ID:        blk.ID,
		Name:      blk.Name,
		Input:     blk.Input,
		TurnIndex: rec.TurnIndex,
		LineIndex: rec.LineIndex,
		Timestamp: rec.Timestamp,
	})
	if !b.InitSeen && blk.Name != "" && !b.toolSeen[blk.Name] {
		b.toolSeen[blk.Name] = true
		v.Tools = append(v.Tools, blk.Name)
	}

	in := []byte(blk.Input)
	switch blk.Name {
	case "TaskCreate":
		t := &Task{
			ToolUseID:   blk.ID,
			Subject:     gjson.GetBytes(in, "subject").String(),
			Description: gjson.GetBytes(in, "description").String(),
			Status:      TaskPending,
			Owner:       gjson.GetBytes(in, "owner").String(),
			Metadata:    decodeMetadata(in),
			CreatedLine: rec.LineIndex,
			UpdatedLine: rec.LineIndex,
		}
		if s := gjson.GetBytes(in, "status").String(); s != "" {
			t.Status = s
		}
		v.Tasks = append(v.Tasks, t)
		b.pendingCreate[blk.ID] = t

	case "TaskUpdate":
		b.applyTaskUpdate(rec, in)

	case "Task":
		s := &Subagent{
			ToolUseID:       blk.ID,
			Prompt:          gjson.GetBytes(in, "prompt").String(),
			Description:     gjson.GetBytes(in, "description").String(),
			SubagentType:    gjson.GetBytes(in, "subagent_type").String(),
			Status:          SubagentPending,
			TurnIndex:       rec.TurnIndex,
			LineIndex:       rec.LineIndex,
			UserPromptIndex: b.PromptCount,
			ParentUUID:      rec.UUID,
			Timestamp:       rec.Timestamp,
		}
		v.Subagents = append(v.Subagents, s)
		b.subByToolUse[blk.ID] = s

	case "Teammate":
		b.addTeamOp(TeamOp{
			Tool:      blk.Name,
			TeamName:  firstString(in, "team_name", "teamName", "name"),
			Action:    firstString(in, "operation", "action"),
			Message:   firstString(in, "message", "content"),
			TurnIndex: rec.TurnIndex,
			LineIndex: rec.LineIndex,
		})

	case "SendMessage":
		b.addTeamOp(TeamOp{
			Tool:      blk.Name,
			TeamName:  firstString(in, "team_name", "teamName"),
			Action:    firstString(in, "type", "action"),
			Recipient: firstString(in, "recipient", "to"),
			Message:   firstString(in, "content", "message"),
			TurnIndex: rec.TurnIndex,
			LineIndex: rec.LineIndex,
		})

	case "EnterPlanMode":
		b.applyPlanMode(rec, in, "enter")

	case "ExitPlanMode":
		b.applyPlanMode(rec, in, "exit")

	case "TodoWrite":
		b.applyTodos(gjson.GetBytes(in, "todos"), rec.LineIndex)
	}
}

func (b *Builder) applyTaskUpdate(rec *jsonl.Record, in []byte) {
	v := b.View
	id := firstString(in, "taskId", "task_id", "id")
	if id == "" {
		return
	}
	t := b.taskByID[id]
	if t == nil {
		t = &Task{ID: id, Status: TaskPending, CreatedLine: rec.LineIndex}
		v.Tasks = append(v.Tasks, t)
		b.taskByID[id] = t
	}
	if s := gjson.GetBytes(in, "subject").String(); s != "" {
		t.Subject = s
	}
	if s := gjson.GetBytes(in, "description").String(); s != "" {
		t.Description = s
	}
	if s := gjson.GetBytes(in, "status").String(); s != "" {
		t.Status = s
	}
	if s := gjson.GetBytes(in, "owner").String(); s != "" {
		t.Owner = s
	}
	if meta := decodeMetadata(in); meta != nil {
		if t.Metadata == nil {
			t.Metadata = meta
		} else {
			for k, val := range meta {
				t.Metadata[k] = val
			}
		}
	}
	gjson.GetBytes(in, "addBlocks").ForEach(func(_, el gjson.Result) bool {
		t.Blocks = appendUnique(t.Blocks, el.String())
		return true
	})
	gjson.GetBytes(in, "addBlockedBy").ForEach(func(_, el gjson.Result) bool {
		t.BlockedBy = appendUnique(t.BlockedBy, el.String())
		return true
	})
	t.UpdatedLine = rec.LineIndex
}

func (b *Builder) applyUser(rec *jsonl.Record) {
	v := b.View
	msg := rec.DecodeMessage()
	if msg == nil {
		return
	}

	if text := msg.Text(); !rec.IsMeta && isRealPromptText(text) {
		b.PromptCount++
		p := UserPrompt{
			Text:        text,
			TurnIndex:   rec.TurnIndex,
			LineIndex:   rec.LineIndex,
			PromptIndex: b.PromptCount,
			Timestamp:   rec.Timestamp,
		}
		if strings.HasPrefix(text, CompactMarker) {
			p.IsCompactSummary = true
			p.CompactOrder = v.CompactCount
			v.CompactCount++
		}
		v.UserPrompts = append(v.UserPrompts, p)
	}

	for _, blk := range msg.Blocks() {
		if blk.Type != "tool_result" {
			continue
		}
		resText := jsonl.BlockText(blk.Content)

		if m := taskCreatedRe.FindStringSubmatch(resText); m != nil {
			b.assignTaskID(blk.ToolUseID, m[1], rec.LineIndex)
		}

		if s, ok := b.subByToolUse[blk.ToolUseID]; ok && s.Status != SubagentCompleted && s.Status != SubagentError {
			if blk.IsError {
				s.Status = SubagentError
			} else {
				s.Status = SubagentCompleted
			}
			s.Result = truncate(resText, maxSubagentResult)
		}
	}

	if len(rec.ToolUseResult) > 0 {
		if todos := gjson.GetBytes(rec.ToolUseResult, "newTodos"); todos.Exists() {
			b.applyTodos(todos, rec.LineIndex)
		}
	}
}

// assignTaskID moves a pending TaskCreate onto its real id. If an update
// already materialized a task under that id, the two are merged so no
// duplicate ever coexists.
func (b *Builder) assignTaskID(toolUseID, id string, line int) {
	t, ok := b.pendingCreate[toolUseID]
	if !ok {
		return
	}
	delete(b.pendingCreate, toolUseID)

	if existing := b.taskByID[id]; existing != nil && existing != t {
		if existing.Subject == "" {
			existing.Subject = t.Subject
		}
		if existing.Description == "" {
			existing.Description = t.Description
		}
		if existing.ToolUseID == "" {
			existing.ToolUseID = toolUseID
		}
		existing.UpdatedLine = line
		b.removeTask(t)
		return
	}

	t.ID = id
	t.UpdatedLine = line
	b.taskByID[id] = t
}

func (b *Builder) removeTask(t *Task) {
	v := b.View
	for i, cand := range v.Tasks {
		if cand == t {
			v.Tasks = append(v.Tasks[:i], v.Tasks[i+1:]...)
			return
		}
	}
}

func (b *Builder) applyProgress(rec *jsonl.Record) {
	v := b.View
	data := []byte(rec.Data)
	if gjson.GetBytes(data, "type").String() != "agent_progress" {
		return
	}

	agentID := gjson.GetBytes(data, "agentId").String()
	parentTU := firstString(data, "parentToolUseID", "parentToolUseId")
	if parentTU != "" {
		if s, ok := b.subByToolUse[parentTU]; ok {
			if agentID != "" {
				s.AgentID = agentID
			}
			if s.Status == SubagentPending {
				s.Status = SubagentRunning
			}
		}
	}

	v.Progress = append(v.Progress, ProgressUpdate{
		AgentID:         agentID,
		ParentToolUseID: parentTU,
		Text:            truncate(progressText(data), maxProgressText),
		LineIndex:       rec.LineIndex,
		Timestamp:       rec.Timestamp,
	})
}

func (b *Builder) applyResult(rec *jsonl.Record) {
	v := b.View
	v.Completed = true
	v.Success = rec.Subtype == "success" && !rec.IsError
	if rec.Usage != nil {
		v.Usage = *rec.Usage
	}
	if rec.DurationMS > 0 {
		v.DurationMS = rec.DurationMS
		v.DurationFromResult = true
	}
	if rec.NumTurns > 0 {
		v.NumTurns = rec.NumTurns
		v.TurnsFromResult = true
	}
	if rec.TotalCostUSD > 0 {
		v.TotalCostUSD = rec.TotalCostUSD
		v.CostFromResult = true
	}
	if rec.Result != "" {
		v.ResultText = rec.Result
	}
	if len(rec.Errors) > 0 {
		v.Errors = append([]string(nil), rec.Errors...)
	}
}

func (b *Builder) applyPlanMode(rec *jsonl.Record, in []byte, phase string) {
	p := Plan{
		Phase:     phase,
		Title:     gjson.GetBytes(in, "title").String(),
		File:      firstString(in, "file", "planFile"),
		Summary:   firstString(in, "summary", "plan"),
		TurnIndex: rec.TurnIndex,
		LineIndex: rec.LineIndex,
		Timestamp: rec.Timestamp,
	}
	for _, path := range []string{"allowedPrompts", "allowed_prompts"} {
		if list := gjson.GetBytes(in, path); list.IsArray() {
			list.ForEach(func(_, el gjson.Result) bool {
				s := el.String()
				if el.IsObject() {
					s = el.Get("prompt").String()
				}
				if s != "" {
					p.AllowedPrompts = append(p.AllowedPrompts, s)
				}
				return true
			})
			break
		}
	}
	b.View.Plans = append(b.View.Plans, p)
}

func (b *Builder) applyTodos(todos gjson.Result, line int) {
	v := b.View
	todos.ForEach(func(_, el gjson.Result) bool {
		content := el.Get("content").String()
		if content == "" {
			return true
		}
		status := el.Get("status").String()
		active := el.Get("activeForm").String()
		if td, ok := b.todoByContent[content]; ok {
			if status != "" {
				td.Status = status
			}
			if active != "" {
				td.ActiveForm = active
			}
			td.LineIndex = line
		} else {
			td := &Todo{Content: content, Status: status, ActiveForm: active, LineIndex: line}
			v.Todos = append(v.Todos, td)
			b.todoByContent[content] = td
		}
		return true
	})
}

func (b *Builder) addTeamOp(op TeamOp) {
	v := b.View
	v.TeamOps = append(v.TeamOps, op)
	if op.TeamName != "" && !b.teamSeen[op.TeamName] {
		b.teamSeen[op.TeamName] = true
		v.Teams = append(v.Teams, op.TeamName)
	}
}

// refresh recomputes the derived values a result record may not have set.
func (b *Builder) refresh() {
	v := b.View
	if !v.DurationFromResult && !v.FirstTimestamp.IsZero() && v.LastTimestamp.After(v.FirstTimestamp) {
		v.DurationMS = v.LastTimestamp.Sub(v.FirstTimestamp).Milliseconds()
	}
	if !v.CostFromResult {
		v.TotalCostUSD = PricingFor(v.Model).Cost(v.Usage)
	}
}

// isRealPromptText filters out command transcripts and hook caveats that the
// agent writes as user records.
func isRealPromptText(text string) bool {
	if text == "" {
		return false
	}
	for _, prefix := range []string{"<command-", "<local-command-", "Caveat: "} {
		if strings.HasPrefix(text, prefix) {
			return false
		}
	}
	return true
}

func progressText(data []byte) string {
	for _, path := range []string{"message.message.content", "prompt", "text"} {
		r := gjson.GetBytes(data, path)
		if !r.Exists() {
			continue
		}
		if r.Type == gjson.String && r.Str != "" {
			return r.Str
		}
		if r.IsArray() {
			var parts []string
			r.ForEach(func(_, el gjson.Result) bool {
				if el.Get("type").String() == "text" {
					if t := el.Get("text").String(); t != "" {
						parts = append(parts, t)
					}
				}
				return true
			})
			if len(parts) > 0 {
				return strings.Join(parts, "\n")
			}
		}
	}
	return ""
}

func decodeMetadata(in []byte) map[string]any {
	meta := gjson.GetBytes(in, "metadata")
	if !meta.IsObject() {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(meta.Raw), &m); err != nil {
		return nil
	}
	return m
}

func firstString(data []byte, paths ...string) string {
	for _, path := range paths {
		if s := gjson.GetBytes(data, path).String(); s != "" {
			return s
		}
	}
	return ""
}

func appendUnique(list []string, s string) []string {
	if s == "" {
		return list
	}
	for _, have := range list {
		if have == s {
			return list
		}
	}
	return append(list, s)
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
