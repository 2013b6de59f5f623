// Package mock seeds demo data. Scripted sessions append real JSONL under
// the projects root and one script plays a runner event stream, so the
// watcher, cache, task store, execution store, and broadcaster all run
// against moving data without a live agent.
package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/lm-assist/backend/internal/executions"
	"github.com/lm-assist/backend/internal/monitor"
	"github.com/lm-assist/backend/internal/paths"
)

const (
	tickInterval = 500 * time.Millisecond
	demoVersion  = "2.0.33"
)

var demoTools = []string{
	"Read", "Grep", "Glob", "Edit", "Write", "Bash",
	"Task", "TaskCreate", "TaskUpdate", "TodoWrite",
}

type script struct {
	sessionID string
	model     string
	pattern   string // steady, tasky, flaky
	maxTicks  int

	tick    int
	done    bool
	agentID string // steady script's subagent file id
	taskTU  string // tasky script's pending TaskCreate tool-use id
	usage   int    // cumulative output tokens, feeds per-message usage
}

// Generator drives the demo scripts. All state is owned by the run
// goroutine; tests drive step directly.
type Generator struct {
	res         *paths.Resolver
	store       *executions.Store
	projectPath string
	projectDir  string
	events      chan monitor.RunnerEvent

	scripts []*script
	tick    int

	execID     string
	blockingID string
}

// NewGenerator prepares scripts for the given project. The steady script's
// session id doubles as the demo execution's Claude session id, so the
// execution links to a session file that actually exists.
func NewGenerator(res *paths.Resolver, store *executions.Store, projectPath string) *Generator {
	return &Generator{
		res:         res,
		store:       store,
		projectPath: projectPath,
		projectDir:  res.ProjectDir(projectPath),
		events:      make(chan monitor.RunnerEvent, 64),
		scripts: []*script{
			{sessionID: uuid.NewString(), model: "claude-opus-4-5-20251101", pattern: "steady", maxTicks: 24},
			{sessionID: uuid.NewString(), model: "claude-sonnet-4-5-20250929", pattern: "tasky", maxTicks: 16},
			{sessionID: uuid.NewString(), model: "claude-haiku-4-5-20251001", pattern: "flaky", maxTicks: 4},
		},
	}
}

// Events is the runner stream for monitor.Run.
func (g *Generator) Events() <-chan monitor.RunnerEvent { return g.events }

func (g *Generator) Start(ctx context.Context) {
	if err := os.MkdirAll(g.projectDir, 0o755); err != nil {
		log.Printf("[mock] creating project dir: %v", err)
		return
	}
	log.Printf("[mock] demo data under %s", g.projectDir)
	go g.run(ctx)
}

func (g *Generator) run(ctx context.Context) {
	defer close(g.events)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	g.step()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.step()
		}
	}
}

func (g *Generator) step() {
	g.tick++
	for _, s := range g.scripts {
		if s.done {
			continue
		}
		s.tick++
		var lines []string
		switch s.pattern {
		case "steady":
			lines = g.advanceSteady(s)
		case "tasky":
			lines = g.advanceTasky(s)
		case "flaky":
			lines = g.advanceFlaky(s)
		}
		if err := g.appendSession(s.sessionID, lines); err != nil {
			log.Printf("[mock] append %s: %v", shortID(s.sessionID), err)
		}
	}
	g.advanceRunner()
}

// advanceSteady plays a long refactoring session: reads, edits, one
// subagent, then a successful result.
func (g *Generator) advanceSteady(s *script) []string {
	switch {
	case s.tick == 1:
		return []string{
			g.initLine(s),
			g.userLine(s, "Refactor the config loader so environment overrides win over file values"),
		}

	case s.tick == 2:
		return []string{g.assistantText(s, "Let me look at how the loader reads its sources before touching anything.")}

	case s.tick == 4:
		// Spawn a subagent and give it its own file.
		tu := "toolu_demo_" + shortID(s.sessionID)
		s.agentID = "demo-" + shortID(s.sessionID)
		spawn := []string{
			g.assistantToolUse(s, tu, "Task", map[string]any{
				"prompt":        "Find every caller of config.Load and note which flags they override",
				"description":   "Survey config.Load call sites",
				"subagent_type": "explorer",
			}),
			g.progressLine(s, s.agentID, tu),
		}
		agentLines := []string{
			g.agentRecord(s, "user", map[string]any{
				"message": map[string]any{"role": "user", "content": "Find every caller of config.Load and note which flags they override"},
			}),
			g.agentRecord(s, "assistant", map[string]any{
				"message": map[string]any{
					"role": "assistant", "model": "claude-haiku-4-5-20251001",
					"usage":   map[string]any{"input_tokens": 900, "output_tokens": 120},
					"content": []any{map[string]any{"type": "text", "text": "Scanning call sites."}},
				},
			}),
		}
		if err := g.appendAgent(s.agentID, agentLines); err != nil {
			log.Printf("[mock] append agent %s: %v", s.agentID, err)
		}
		return spawn

	case s.tick == 6:
		// Subagent reports back; its tool result resolves the spawn.
		tu := "toolu_demo_" + shortID(s.sessionID)
		return []string{g.toolResult(s, tu, "Found 7 call sites; only cmd/server overrides the port flag.", nil)}

	case s.tick >= s.maxTicks:
		s.done = true
		return []string{g.resultLine(s, true, "Loader refactored; env overrides are applied last.")}

	case s.tick%3 == 0:
		tool := demoTools[(s.tick/3)%6]
		tu := fmt.Sprintf("toolu_%s_%d", shortID(s.sessionID), s.tick)
		return []string{
			g.assistantToolUse(s, tu, tool, map[string]any{"file_path": g.projectPath + "/internal/config/config.go"}),
			g.toolResult(s, tu, "ok", nil),
		}

	default:
		return []string{g.assistantText(s, "Applying the next edit; the precedence tests still pass.")}
	}
}

// advanceTasky plays a planning session that exercises the task graph:
// creates, the id round-trip through tool results, updates, todos.
func (g *Generator) advanceTasky(s *script) []string {
	switch s.tick {
	case 1:
		return []string{
			g.initLine(s),
			g.userLine(s, "Plan the storage migration and track the pieces as tasks"),
		}
	case 2:
		s.taskTU = "toolu_task_" + shortID(s.sessionID)
		return []string{g.assistantToolUse(s, s.taskTU, "TaskCreate", map[string]any{
			"subject":     "Write the schema migration",
			"description": "Add the executions table and backfill from the JSON snapshot",
		})}
	case 3:
		return []string{g.toolResult(s, s.taskTU, "Task #1 created successfully", nil)}
	case 4:
		tu := s.taskTU + "_2"
		return []string{
			g.assistantToolUse(s, tu, "TaskCreate", map[string]any{
				"subject": "Swap the persistence layer behind the store",
			}),
			g.toolResult(s, tu, "Task #2 created successfully", nil),
		}
	case 5:
		return []string{g.assistantToolUse(s, "toolu_up_1", "TaskUpdate", map[string]any{
			"taskId": "1", "status": "in_progress", "owner": "demo-agent",
		})}
	case 6:
		return []string{g.assistantToolUse(s, "toolu_up_2", "TaskUpdate", map[string]any{
			"taskId": "2", "addBlockedBy": []any{"1"},
		})}
	case 7:
		tu := "toolu_todo_1"
		return []string{
			g.assistantToolUse(s, tu, "TodoWrite", map[string]any{}),
			g.toolResult(s, tu, "todos updated", map[string]any{
				"newTodos": []any{
					map[string]any{"content": "Run the migration on staging", "status": "pending"},
					map[string]any{"content": "Delete the old snapshot loader", "status": "pending"},
				},
			}),
		}
	case 8:
		return []string{g.assistantToolUse(s, "toolu_up_3", "TaskUpdate", map[string]any{
			"taskId": "1", "status": "completed",
		})}
	}

	if s.tick >= s.maxTicks {
		s.done = true
		return []string{g.resultLine(s, true, "Migration planned; task 1 done, task 2 unblocked.")}
	}
	return []string{g.assistantText(s, "Checking the migration order against the task graph.")}
}

// advanceFlaky plays a short session that dies on an API error.
func (g *Generator) advanceFlaky(s *script) []string {
	switch s.tick {
	case 1:
		return []string{
			g.initLine(s),
			g.userLine(s, "Summarize yesterday's deploy failures"),
		}
	case 2:
		return []string{g.assistantText(s, "Pulling the deploy log going back 24 hours.")}
	case 3:
		return []string{g.apiErrorLine(s, `API Error: 529 {"type":"error","error":{"type":"overloaded_error"},"request_id":"req_demo_529"}`)}
	default:
		s.done = true
		return []string{g.errorResultLine(s)}
	}
}

// advanceRunner plays the fake runner: one execution streaming events into
// the monitor, with a permission request answered mid-run.
func (g *Generator) advanceRunner() {
	steady := g.scripts[0]

	switch g.tick {
	case 1:
		e, err := g.store.Start(executions.StartRequest{
			Tier:      "demo",
			AgentType: "implementor",
			Prompt:    "Refactor the config loader so environment overrides win",
		})
		if err != nil {
			log.Printf("[mock] start execution: %v", err)
			return
		}
		g.execID = e.ID
		g.emit(fmt.Sprintf(`{"type":"system","subtype":"init","session_id":%q,"model":%q}`,
			steady.sessionID, steady.model))

	case 2:
		g.emit(`{"type":"assistant","message":{"content":[{"type":"text","text":"Reading the loader before changing precedence."}]}}`)

	case 3:
		g.emit(`{"type":"assistant","message":{"content":[{"type":"tool_use","id":"toolu_runner_1","name":"Bash","input":{"command":"go test ./internal/config/"}}]}}`)

	case 4:
		be, err := g.store.StoreBlocking(executions.BlockingRequest{
			ExecutionID: g.execID,
			Kind:        executions.BlockingPermission,
			Request:     json.RawMessage(`{"tool":"Bash","command":"go test ./internal/config/"}`),
		})
		if err != nil {
			log.Printf("[mock] blocking: %v", err)
			return
		}
		g.blockingID = be.ID

	case 7:
		if g.blockingID == "" {
			return
		}
		if _, err := g.store.RespondBlocking(g.blockingID, executions.BlockingResponded,
			json.RawMessage(`{"behavior":"allow"}`), "demo-user"); err != nil {
			log.Printf("[mock] respond blocking: %v", err)
		}

	case 8:
		g.emit(`{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"toolu_runner_1","content":"ok\t0.41s"}]}}`)

	case 12:
		g.emit(`{"type":"result","subtype":"success","result":"Loader refactored; 2 files changed.",` +
			`"num_turns":6,"duration_ms":5500,"total_cost_usd":0.0312,` +
			`"usage":{"input_tokens":5200,"output_tokens":900,"cache_read_input_tokens":41000}}`)
	}
}

func (g *Generator) emit(raw string) {
	select {
	case g.events <- monitor.RunnerEvent{ExecutionID: g.execID, Raw: json.RawMessage(raw)}:
	default:
		// No consumer or a slow one; demo events are droppable.
	}
}

func (g *Generator) appendSession(sessionID string, lines []string) error {
	return appendLines(paths.SessionFile(g.projectDir, sessionID), lines)
}

func (g *Generator) appendAgent(agentID string, lines []string) error {
	return appendLines(filepath.Join(g.projectDir, "agent-"+agentID+".jsonl"), lines)
}

func appendLines(path string, lines []string) error {
	if len(lines) == 0 {
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	for _, ln := range lines {
		if ln == "" {
			continue
		}
		if _, err := f.WriteString(ln + "\n"); err != nil {
			return err
		}
	}
	return nil
}

// record renders one session line. extra overrides and extends the base
// envelope.
func (g *Generator) record(s *script, typ string, extra map[string]any) string {
	rec := map[string]any{
		"type":      typ,
		"uuid":      uuid.NewString(),
		"sessionId": s.sessionID,
		"cwd":       g.projectPath,
		"version":   demoVersion,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	for k, v := range extra {
		rec[k] = v
	}
	data, err := json.Marshal(rec)
	if err != nil {
		log.Printf("[mock] marshal %s record: %v", typ, err)
		return ""
	}
	return string(data)
}

// agentRecord renders a subagent file line: same envelope, parent session
// id, sidechain flag.
func (g *Generator) agentRecord(s *script, typ string, extra map[string]any) string {
	base := map[string]any{"isSidechain": true}
	for k, v := range extra {
		base[k] = v
	}
	return g.record(s, typ, base)
}

func (g *Generator) initLine(s *script) string {
	return g.record(s, "system", map[string]any{
		"subtype":        "init",
		"model":          s.model,
		"permissionMode": "acceptEdits",
		"tools":          demoTools,
		"mcp_servers":    []any{},
	})
}

func (g *Generator) userLine(s *script, text string) string {
	return g.record(s, "user", map[string]any{
		"message": map[string]any{"role": "user", "content": text},
	})
}

func (g *Generator) assistantText(s *script, text string) string {
	return g.record(s, "assistant", map[string]any{
		"message": map[string]any{
			"id": "msg_" + uuid.NewString()[:8], "role": "assistant", "model": s.model,
			"usage":   g.messageUsage(s),
			"content": []any{map[string]any{"type": "text", "text": text}},
		},
	})
}

func (g *Generator) assistantToolUse(s *script, toolUseID, name string, input map[string]any) string {
	return g.record(s, "assistant", map[string]any{
		"message": map[string]any{
			"id": "msg_" + uuid.NewString()[:8], "role": "assistant", "model": s.model,
			"usage": g.messageUsage(s),
			"content": []any{map[string]any{
				"type": "tool_use", "id": toolUseID, "name": name, "input": input,
			}},
		},
	})
}

func (g *Generator) toolResult(s *script, toolUseID, text string, toolUseResult map[string]any) string {
	extra := map[string]any{
		"message": map[string]any{
			"role": "user",
			"content": []any{map[string]any{
				"type": "tool_result", "tool_use_id": toolUseID, "content": text,
			}},
		},
	}
	if toolUseResult != nil {
		extra["toolUseResult"] = toolUseResult
	}
	return g.record(s, "user", extra)
}

func (g *Generator) progressLine(s *script, agentID, parentToolUseID string) string {
	return g.record(s, "progress", map[string]any{
		"data": map[string]any{
			"type":            "agent_progress",
			"agentId":         agentID,
			"parentToolUseID": parentToolUseID,
			"message": map[string]any{
				"content": []any{map[string]any{"type": "text", "text": "Survey under way."}},
			},
		},
	})
}

func (g *Generator) apiErrorLine(s *script, text string) string {
	return g.record(s, "assistant", map[string]any{
		"isApiErrorMessage": true,
		"message": map[string]any{
			"role": "assistant", "model": s.model,
			"content": []any{map[string]any{"type": "text", "text": text}},
		},
	})
}

func (g *Generator) resultLine(s *script, success bool, text string) string {
	subtype := "success"
	if !success {
		subtype = "error_during_execution"
	}
	return g.record(s, "result", map[string]any{
		"subtype":        subtype,
		"is_error":       !success,
		"result":         text,
		"num_turns":      s.tick,
		"duration_ms":    int64(s.tick) * int64(tickInterval/time.Millisecond),
		"total_cost_usd": float64(s.usage) * 0.00002,
		"usage": map[string]any{
			"input_tokens":  s.tick * 1200,
			"output_tokens": s.usage,
		},
	})
}

func (g *Generator) errorResultLine(s *script) string {
	return g.record(s, "result", map[string]any{
		"subtype":     "error_during_execution",
		"is_error":    true,
		"errors":      []any{"overloaded_error"},
		"num_turns":   s.tick,
		"duration_ms": int64(s.tick) * int64(tickInterval/time.Millisecond),
	})
}

// messageUsage grows the per-message token counts the way a live context
// does: inputs climb with history, outputs jitter.
func (g *Generator) messageUsage(s *script) map[string]any {
	out := 140 + rand.Intn(260)
	s.usage += out
	return map[string]any{
		"input_tokens":                900 + s.tick*40,
		"output_tokens":               out,
		"cache_read_input_tokens":     s.tick * 2100,
		"cache_creation_input_tokens": 800,
	}
}

func shortID(sessionID string) string {
	if len(sessionID) < 8 {
		return sessionID
	}
	return sessionID[:8]
}
