package aggregate

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/lm-assist/backend/internal/session"
)

func TestSubagentsUnionAndPropagation(t *testing.T) {
	f := newFixture(t)

	taskCall := fmt.Sprintf(
		`{"type":"assistant","uuid":"uuid-task-1","timestamp":%q,"message":{"role":"assistant","content":[%s]}}`,
		ts(1), toolBlock("toolu_9", "Task", `{"prompt":"inspect the logs","description":"log digger","subagent_type":"general"}`))

	f.writeSession(t, sid,
		userLine(sid, "do it", 0),
		taskCall,
		fmt.Sprintf(`{"type":"progress","timestamp":%q,"data":{"type":"agent_progress","agentId":"zz-1","parentToolUseID":"toolu_9"}}`, ts(2)),
		assistantLine(3, toolBlock("toolu_10", "Task", `{"prompt":"never started","subagent_type":"general"}`)),
	)

	// Direct transcript claiming sid on its first line, finished.
	writeLines(t, filepath.Join(f.projectDir, "agent-zz-1.jsonl"),
		userLine(sid, "inspect the logs", 0),
		assistantLine(1, textBlock("clean")),
		resultLine(true, 2),
	)
	// Direct transcript claiming another session: not ours.
	writeLines(t, filepath.Join(f.projectDir, "agent-foreign.jsonl"),
		userLine(sidOld, "other work", 0),
	)
	// Nested transcript: belongs to sid by location alone.
	writeLines(t, filepath.Join(f.projectDir, sid, "subagents", "agent-nn-2.jsonl"),
		userLine("detached-id", "nested work", 0),
		assistantLine(1, textBlock("still going")),
	)

	res, err := f.svc.Subagents(sid, testProject)
	if err != nil {
		t.Fatalf("Subagents: %v", err)
	}

	if len(res.Invocations) != 2 {
		t.Fatalf("invocations = %d, want 2", len(res.Invocations))
	}
	if len(res.Sessions) != 2 {
		t.Fatalf("sessions = %+v, want zz-1 and nn-2", res.Sessions)
	}
	if res.Sessions[0].AgentID != "nn-2" || res.Sessions[1].AgentID != "zz-1" {
		t.Fatalf("session order = %s, %s", res.Sessions[0].AgentID, res.Sessions[1].AgentID)
	}

	// The finished transcript's status lands on the invocation that spawned
	// it; the never-started one keeps its parse-time status.
	var spawned, idleInv *session.Subagent
	for i := range res.Invocations {
		switch res.Invocations[i].ToolUseID {
		case "toolu_9":
			spawned = &res.Invocations[i]
		case "toolu_10":
			idleInv = &res.Invocations[i]
		}
	}
	if spawned == nil || spawned.AgentID != "zz-1" {
		t.Fatalf("spawned invocation = %+v", spawned)
	}
	if spawned.Status != session.SubagentCompleted {
		t.Fatalf("spawned status = %q, want completed", spawned.Status)
	}
	if idleInv == nil || idleInv.Status != session.SubagentPending {
		t.Fatalf("unstarted invocation = %+v", idleInv)
	}

	loaded := res.Sessions[1]
	if loaded.ParentSessionID != sid || loaded.UserPromptCount != 1 {
		t.Fatalf("loaded session = %+v", loaded)
	}
	if loaded.Status != session.StatusCompleted {
		t.Fatalf("loaded status = %q, want completed", loaded.Status)
	}
	// The transcript's first line has no parentUuid, so the invocation's is
	// mirrored on.
	if loaded.ParentUUID != "uuid-task-1" {
		t.Fatalf("parentUuid = %q, want uuid-task-1", loaded.ParentUUID)
	}

	nested := res.Sessions[0]
	if nested.ParentSessionID != "detached-id" || nested.ParentUUID != "" {
		t.Fatalf("nested session = %+v", nested)
	}
}

func TestSubagentsParentNotFound(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.Subagents("missing-session", testProject); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSubagentsNoneIsEmptyNotNil(t *testing.T) {
	f := newFixture(t)
	f.writeSession(t, sid,
		userLine(sid, "plain session", 0),
	)

	res, err := f.svc.Subagents(sid, testProject)
	if err != nil {
		t.Fatalf("Subagents: %v", err)
	}
	if len(res.Invocations) != 0 || len(res.Sessions) != 0 {
		t.Fatalf("want empty result, got %+v", res)
	}
}
