package aggregate

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestBatchChangeCheck(t *testing.T) {
	f := newFixture(t)
	path := f.writeSession(t, sid,
		userLine(sid, "hello", 0),
		assistantLine(1, textBlock("hi")),
	)
	writeLines(t, filepath.Join(f.projectDir, "agent-a1.jsonl"),
		userLine(sid, "sub", 0),
	)

	st, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	size := st.Size()

	res, err := f.svc.BatchChangeCheck(testProject, []ChangeCheckRequest{
		{SessionID: sid, KnownFileSize: int64p(size), KnownAgentCount: intp(1)},
		{SessionID: sid, KnownFileSize: int64p(size - 1), KnownAgentCount: intp(0)},
		{SessionID: sid},
		{SessionID: "gone-gone-gone"},
	}, nil)
	if err != nil {
		t.Fatalf("BatchChangeCheck: %v", err)
	}
	if len(res.Sessions) != 4 {
		t.Fatalf("results = %d, want 4", len(res.Sessions))
	}

	upToDate := res.Sessions[0]
	if !upToDate.Exists || upToDate.Changed || upToDate.AgentsChanged {
		t.Fatalf("up-to-date client flagged: %+v", upToDate)
	}
	if upToDate.FileSize != size || upToDate.ChangeCursor != size || upToDate.LineCount != size {
		t.Fatalf("size fields = %d/%d/%d, want all %d",
			upToDate.FileSize, upToDate.ChangeCursor, upToDate.LineCount, size)
	}
	if len(upToDate.AgentIDs) != 1 || upToDate.AgentIDs[0] != "a1" {
		t.Fatalf("agentIds = %v", upToDate.AgentIDs)
	}

	stale := res.Sessions[1]
	if !stale.Changed || !stale.AgentsChanged {
		t.Fatalf("stale client not flagged: %+v", stale)
	}

	// No baseline at all always reads as changed.
	if noBase := res.Sessions[2]; !noBase.Changed || !noBase.AgentsChanged {
		t.Fatalf("baseline-less client not flagged: %+v", noBase)
	}

	if gone := res.Sessions[3]; gone.Exists || gone.Changed {
		t.Fatalf("missing session = %+v, want bare exists=false", gone)
	}
}

func TestBatchChangeCheckListUnchanged(t *testing.T) {
	f := newFixture(t)
	path := f.writeSession(t, sid,
		userLine(sid, "hello", 0),
	)
	st, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}

	res, err := f.svc.BatchChangeCheck(testProject, nil, &ListCheckRequest{
		KnownTotalSessions: 1,
		KnownLastModified:  st.ModTime(),
	})
	if err != nil {
		t.Fatalf("BatchChangeCheck: %v", err)
	}
	if res.List == nil {
		t.Fatal("list check missing")
	}
	if res.List.Changed || res.List.Sessions != nil {
		t.Fatalf("unchanged list got %+v", res.List)
	}
	if res.List.TotalSessions != 1 {
		t.Fatalf("totalSessions = %d, want 1", res.List.TotalSessions)
	}
}

func TestBatchChangeCheckListChanged(t *testing.T) {
	f := newFixture(t)
	f.writeSession(t, sid,
		userLine(sid, "hello", 0),
	)
	f.writeSession(t, sidOld,
		userLine(sidOld, "older", 0),
	)

	res, err := f.svc.BatchChangeCheck(testProject, nil, &ListCheckRequest{
		KnownTotalSessions: 1,
		KnownLastModified:  time.Now().Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("BatchChangeCheck: %v", err)
	}
	if !res.List.Changed {
		t.Fatal("grown list not flagged")
	}
	if len(res.List.Sessions) != 2 {
		t.Fatalf("sessions = %d, want the full list", len(res.List.Sessions))
	}
}
