package aggregate

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/lm-assist/backend/internal/session"
)

const sid = "11111111-2222-3333-4444-555555555555"

// sixLineSession is three prompt/answer pairs with one file-touching tool
// call per answer: a read, a write and a delete.
func sixLineSession(t *testing.T, f *fixture) {
	t.Helper()
	f.writeSession(t, sid,
		userLine(sid, "first question", 0),
		assistantLine(1, textBlock("answer one"), toolBlock("toolu_1", "Read", `{"file_path":"/work/app/main.go"}`)),
		userLine(sid, "second question", 2),
		assistantLine(3, textBlock("answer two"), toolBlock("toolu_2", "Write", `{"file_path":"/work/app/out.txt","content":"x"}`)),
		userLine(sid, "third question", 4),
		assistantLine(5, textBlock("answer three"), toolBlock("toolu_3", "Bash", `{"command":"rm /tmp/x.log"}`)),
	)
}

func TestReadSessionFull(t *testing.T) {
	f := newFixture(t)
	sixLineSession(t, f)

	detail, err := f.svc.ReadSession(sid, testProject, ReadOptions{})
	if err != nil {
		t.Fatalf("ReadSession: %v", err)
	}
	if detail.NotModified || detail.Delta {
		t.Fatalf("unexpected flags: %+v", detail)
	}
	v := detail.View
	if len(v.UserPrompts) != 3 || len(v.Responses) != 3 || len(v.ToolUses) != 3 {
		t.Fatalf("counts = %d/%d/%d, want 3/3/3", len(v.UserPrompts), len(v.Responses), len(v.ToolUses))
	}

	// Reads are excluded by default; the write and the delete survive.
	if len(detail.FileOps) != 2 {
		t.Fatalf("fileOps = %+v, want 2", detail.FileOps)
	}
	sum := detail.FileSummary
	if len(sum.Created) != 1 || sum.Created[0] != "/work/app/out.txt" {
		t.Fatalf("created = %v", sum.Created)
	}
	if len(sum.Deleted) != 1 || sum.Deleted[0] != "/tmp/x.log" {
		t.Fatalf("deleted = %v", sum.Deleted)
	}
	if len(sum.Read) != 0 {
		t.Fatalf("read = %v, want empty", sum.Read)
	}
}

func TestReadSessionIncludeReads(t *testing.T) {
	f := newFixture(t)
	sixLineSession(t, f)

	detail, err := f.svc.ReadSession(sid, testProject, ReadOptions{IncludeReads: true})
	if err != nil {
		t.Fatalf("ReadSession: %v", err)
	}
	if len(detail.FileOps) != 3 {
		t.Fatalf("fileOps = %+v, want 3", detail.FileOps)
	}
	if got := detail.FileSummary.Read; len(got) != 1 || got[0] != "/work/app/main.go" {
		t.Fatalf("read = %v", got)
	}
}

func TestReadSessionDeltaFastPath(t *testing.T) {
	f := newFixture(t)
	f.writeSession(t, sid,
		userLine(sid, "plan the work", 0),
		assistantLine(1, toolBlock("toolu_1", "TaskCreate", `{"subject":"ship it"}`)),
		toolResultLine("toolu_1", "Task #3 created successfully", 2),
		userLine(sid, "carry on", 3),
		assistantLine(4, textBlock("done")),
	)

	detail, err := f.svc.ReadSession(sid, testProject, ReadOptions{FromLineIndex: intp(3)})
	if err != nil {
		t.Fatalf("ReadSession: %v", err)
	}
	if !detail.Delta {
		t.Fatal("delta flag not set")
	}
	v := detail.View
	if len(v.UserPrompts) != 1 || v.UserPrompts[0].Text != "carry on" {
		t.Fatalf("prompts = %+v", v.UserPrompts)
	}
	if len(v.Responses) != 1 || len(v.ToolUses) != 0 {
		t.Fatalf("responses/tools = %d/%d, want 1/0", len(v.Responses), len(v.ToolUses))
	}
	// Accumulating state rides along in full on the fast path.
	if len(v.Tasks) != 1 || v.Tasks[0].ID != "3" {
		t.Fatalf("tasks = %+v, want the assigned task", v.Tasks)
	}
}

func TestReadSessionLineRange(t *testing.T) {
	f := newFixture(t)
	sixLineSession(t, f)

	detail, err := f.svc.ReadSession(sid, testProject, ReadOptions{
		FromLineIndex: intp(2),
		ToLineIndex:   intp(3),
	})
	if err != nil {
		t.Fatalf("ReadSession: %v", err)
	}
	v := detail.View
	if detail.Delta {
		t.Fatal("a bounded range is not a delta")
	}
	if len(v.UserPrompts) != 1 || v.UserPrompts[0].Text != "second question" {
		t.Fatalf("prompts = %+v", v.UserPrompts)
	}
	if len(v.ToolUses) != 1 || v.ToolUses[0].ID != "toolu_2" {
		t.Fatalf("toolUses = %+v", v.ToolUses)
	}
}

func TestReadSessionTurnRangeHullsRawMessages(t *testing.T) {
	f := newFixture(t)
	sixLineSession(t, f)

	detail, err := f.svc.ReadSession(sid, testProject, ReadOptions{
		FromTurnIndex:      intp(3),
		ToTurnIndex:        intp(4),
		IncludeRawMessages: true,
	})
	if err != nil {
		t.Fatalf("ReadSession: %v", err)
	}
	v := detail.View
	if len(v.UserPrompts) != 1 || v.UserPrompts[0].TurnIndex != 3 {
		t.Fatalf("prompts = %+v", v.UserPrompts)
	}
	if len(v.Responses) != 1 || v.Responses[0].Text != "answer two" {
		t.Fatalf("responses = %+v", v.Responses)
	}
	// Raw records lack turn indexes; the line hull of turns 3..4 is lines
	// 2..3.
	if len(detail.RawMessages) != 2 {
		t.Fatalf("raws = %d, want 2", len(detail.RawMessages))
	}
}

func TestReadSessionPromptRange(t *testing.T) {
	f := newFixture(t)
	sixLineSession(t, f)

	detail, err := f.svc.ReadSession(sid, testProject, ReadOptions{
		FromUserPromptIndex: intp(2),
		ToUserPromptIndex:   intp(2),
	})
	if err != nil {
		t.Fatalf("ReadSession: %v", err)
	}
	v := detail.View
	if len(v.UserPrompts) != 1 || v.UserPrompts[0].PromptIndex != 2 {
		t.Fatalf("prompts = %+v", v.UserPrompts)
	}
	if len(v.Responses) != 1 || v.Responses[0].Text != "answer two" {
		t.Fatalf("responses = %+v", v.Responses)
	}
}

func TestReadSessionPromptRangePastEnd(t *testing.T) {
	f := newFixture(t)
	sixLineSession(t, f)

	detail, err := f.svc.ReadSession(sid, testProject, ReadOptions{
		FromUserPromptIndex: intp(9),
	})
	if err != nil {
		t.Fatalf("ReadSession: %v", err)
	}
	if n := len(detail.View.UserPrompts); n != 0 {
		t.Fatalf("prompts = %d, want none", n)
	}
}

func TestReadSessionLastNUserPrompts(t *testing.T) {
	f := newFixture(t)
	sixLineSession(t, f)

	detail, err := f.svc.ReadSession(sid, testProject, ReadOptions{LastNUserPrompts: 1})
	if err != nil {
		t.Fatalf("ReadSession: %v", err)
	}
	v := detail.View
	if len(v.UserPrompts) != 1 || v.UserPrompts[0].Text != "third question" {
		t.Fatalf("prompts = %+v", v.UserPrompts)
	}
}

func TestReadSessionDefaultPromptCap(t *testing.T) {
	f := newFixture(t)
	lines := make([]string, 0, 60)
	for i := 0; i < 60; i++ {
		lines = append(lines, userLine(sid, fmt.Sprintf("prompt %d", i+1), i))
	}
	f.writeSession(t, sid, lines...)

	detail, err := f.svc.ReadSession(sid, testProject, ReadOptions{})
	if err != nil {
		t.Fatalf("ReadSession: %v", err)
	}
	v := detail.View
	if len(v.UserPrompts) != defaultPromptCap {
		t.Fatalf("prompts = %d, want %d", len(v.UserPrompts), defaultPromptCap)
	}
	if v.UserPrompts[0].Text != "prompt 11" {
		t.Fatalf("first kept prompt = %q, want prompt 11", v.UserPrompts[0].Text)
	}
}

func TestReadSessionIfModifiedSince(t *testing.T) {
	f := newFixture(t)
	sixLineSession(t, f)

	first, err := f.svc.ReadSession(sid, testProject, ReadOptions{})
	if err != nil {
		t.Fatalf("ReadSession: %v", err)
	}

	second, err := f.svc.ReadSession(sid, testProject, ReadOptions{IfModifiedSince: first.LastModified})
	if err != nil {
		t.Fatalf("ReadSession: %v", err)
	}
	if !second.NotModified || second.View != nil {
		t.Fatalf("want bare not-modified sentinel, got %+v", second)
	}
	if !second.LastModified.Equal(first.LastModified) {
		t.Fatalf("mtime = %v, want %v", second.LastModified, first.LastModified)
	}

	third, err := f.svc.ReadSession(sid, testProject, ReadOptions{
		IfModifiedSince: first.LastModified.Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("ReadSession: %v", err)
	}
	if third.NotModified || third.View == nil {
		t.Fatal("stale client timestamp must get a full view")
	}
}

func TestReadSessionNotFound(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.ReadSession("no-such-session", testProject, ReadOptions{}); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestReadSessionRawMessagesUnfiltered(t *testing.T) {
	f := newFixture(t)
	sixLineSession(t, f)

	detail, err := f.svc.ReadSession(sid, testProject, ReadOptions{IncludeRawMessages: true})
	if err != nil {
		t.Fatalf("ReadSession: %v", err)
	}
	if len(detail.RawMessages) != 6 {
		t.Fatalf("raws = %d, want 6", len(detail.RawMessages))
	}
}
