package aggregate

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const (
	sidOld  = "aaaaaaaa-0000-0000-0000-000000000001"
	sidFork = "bbbbbbbb-0000-0000-0000-000000000002"
)

func TestListSessionsSummaries(t *testing.T) {
	f := newFixture(t)

	newest := f.writeSession(t, sid,
		userLine(sid, "first question", 0),
		assistantLine(1, textBlock("answer"), toolBlock("toolu_1", "TaskCreate", `{"subject":"ship"}`)),
		userLine(sid, "second question", 2),
	)
	oldest := f.writeSession(t, sidOld,
		userLine(sidOld, "older work", 0),
	)

	// Direct agent file claiming sid on its first line, plus one nested
	// transcript. Both count for sid; sidOld has none.
	writeLines(t, filepath.Join(f.projectDir, "agent-x1.jsonl"),
		userLine(sid, "sub work", 0),
	)
	writeLines(t, filepath.Join(f.projectDir, sid, "subagents", "agent-x2.jsonl"),
		userLine("whatever", "nested work", 0),
	)

	base := time.Now().Add(-time.Hour)
	if err := os.Chtimes(oldest, base, base); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	if err := os.Chtimes(newest, base.Add(time.Minute), base.Add(time.Minute)); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	sums, err := f.svc.ListSessions(testProject)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sums) != 2 {
		t.Fatalf("sessions = %d, want 2", len(sums))
	}
	if sums[0].SessionID != sid || sums[1].SessionID != sidOld {
		t.Fatalf("order = %s, %s; want newest first", sums[0].SessionID, sums[1].SessionID)
	}

	got := sums[0]
	if got.UserPromptCount != 2 || got.TaskCount != 1 || got.AgentFileCount != 2 {
		t.Fatalf("counts = %d/%d/%d, want 2/1/2", got.UserPromptCount, got.TaskCount, got.AgentFileCount)
	}
	if got.LastUserMessage != "second question" {
		t.Fatalf("lastUserMessage = %q", got.LastUserMessage)
	}
	if got.ForkedFrom != "" {
		t.Fatalf("forkedFrom = %q, want empty", got.ForkedFrom)
	}
	if sums[1].AgentFileCount != 0 {
		t.Fatalf("old session agents = %d, want 0", sums[1].AgentFileCount)
	}
}

func TestListSessionsExcludesPromptless(t *testing.T) {
	f := newFixture(t)
	f.writeSession(t, sid,
		assistantLine(0, textBlock("unsolicited")),
		resultLine(true, 1),
	)

	sums, err := f.svc.ListSessions(testProject)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sums) != 0 {
		t.Fatalf("sessions = %+v, want none", sums)
	}
}

func TestListSessionsForkedFrom(t *testing.T) {
	f := newFixture(t)
	// The file is named sidFork but its records claim sid: a forked
	// continuation of sid.
	f.writeSession(t, sidFork,
		userLine(sid, "continuing earlier work", 0),
	)

	sums, err := f.svc.ListSessions(testProject)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sums) != 1 {
		t.Fatalf("sessions = %d, want 1", len(sums))
	}
	if sums[0].SessionID != sidFork || sums[0].ForkedFrom != sid {
		t.Fatalf("got id=%s forkedFrom=%s", sums[0].SessionID, sums[0].ForkedFrom)
	}
}

func TestListSessionsLastMessageSkipsCompactionAndClips(t *testing.T) {
	f := newFixture(t)
	long := strings.Repeat("x", 450)
	f.writeSession(t, sid,
		userLine(sid, long, 0),
		userLine(sid, "This session is being continued from a previous conversation that ran out of context. Summary follows.", 1),
	)

	sums, err := f.svc.ListSessions(testProject)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sums) != 1 {
		t.Fatalf("sessions = %d, want 1", len(sums))
	}
	msg := sums[0].LastUserMessage
	if len(msg) != maxListMessageLen || !strings.HasPrefix(msg, "xxx") {
		t.Fatalf("lastUserMessage len = %d, want %d of the human prompt", len(msg), maxListMessageLen)
	}
}

func TestListProjects(t *testing.T) {
	f := newFixture(t)
	f.writeSession(t, sid,
		userLine(sid, "hello", 0),
	)

	// A second project whose records carry no cwd: the decoder falls back
	// to the directory name.
	otherDir := filepath.Join(f.res.ProjectsRoot(), "-work-notexist")
	writeLines(t, filepath.Join(otherDir, "cccccccc-0000-0000-0000-000000000003.jsonl"),
		`{"type":"user","timestamp":"2026-03-01T10:00:00Z","message":{"role":"user","content":"hi"}}`,
	)

	base := time.Now().Add(-time.Hour)
	if err := os.Chtimes(filepath.Join(otherDir, "cccccccc-0000-0000-0000-000000000003.jsonl"), base, base); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	projects, err := f.svc.ListProjects()
	if err != nil {
		t.Fatalf("ListProjects: %v", err)
	}
	if len(projects) != 2 {
		t.Fatalf("projects = %d, want 2", len(projects))
	}

	if projects[0].ProjectPath != testProject {
		t.Fatalf("newest project = %q, want %q", projects[0].ProjectPath, testProject)
	}
	if projects[0].SessionCount != 1 || projects[0].TotalSize == 0 {
		t.Fatalf("project stats = %+v", projects[0])
	}
	if projects[1].ProjectPath != "/work/notexist" {
		t.Fatalf("decoded path = %q, want /work/notexist", projects[1].ProjectPath)
	}
	if projects[1].EncodedName != "-work-notexist" {
		t.Fatalf("encodedName = %q", projects[1].EncodedName)
	}
}

func TestListProjectsMissingRoot(t *testing.T) {
	f := newFixture(t)
	if err := os.RemoveAll(f.res.ProjectsRoot()); err != nil {
		t.Fatalf("remove: %v", err)
	}
	projects, err := f.svc.ListProjects()
	if err != nil {
		t.Fatalf("ListProjects: %v", err)
	}
	if len(projects) != 0 {
		t.Fatalf("projects = %+v, want none", projects)
	}
}
