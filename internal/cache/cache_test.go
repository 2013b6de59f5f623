package cache

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lm-assist/backend/internal/paths"
	"github.com/lm-assist/backend/internal/session"
)

func writeLines(t *testing.T, path string, lines ...string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func appendLines(t *testing.T, path string, lines ...string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	if _, err := f.WriteString(strings.Join(lines, "\n") + "\n"); err != nil {
		t.Fatalf("append %s: %v", path, err)
	}
}

func userLine(text string) string {
	return `{"type":"user","sessionId":"s1","cwd":"/home/u/proj","timestamp":"2026-01-02T10:00:00Z","message":{"role":"user","content":` + jsonString(text) + `}}`
}

func assistantLine(text string) string {
	return `{"type":"assistant","sessionId":"s1","timestamp":"2026-01-02T10:00:05Z","message":{"role":"assistant","model":"claude-sonnet-4-5","content":[{"type":"text","text":` + jsonString(text) + `}],"usage":{"input_tokens":10,"output_tokens":5}}}`
}

func resultLine() string {
	return `{"type":"result","subtype":"success","timestamp":"2026-01-02T10:00:09Z","duration_ms":9000,"num_turns":2,"total_cost_usd":0.012,"usage":{"input_tokens":100,"output_tokens":50}}`
}

func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// fastTTL makes every call re-validate against the file.
func fastTTL() *Cache { return New(Options{TTL: time.Nanosecond}) }

func TestViewParsesAndCounts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s1.jsonl")
	writeLines(t, path, userLine("hello"), assistantLine("hi"), resultLine())

	c := fastTTL()
	v, meta, err := c.View(path)
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	if len(v.UserPrompts) != 1 || v.UserPrompts[0].Text != "hello" {
		t.Fatalf("prompts = %+v, want one 'hello'", v.UserPrompts)
	}
	if v.UserPrompts[0].TurnIndex != 1 || v.UserPrompts[0].LineIndex != 0 {
		t.Errorf("prompt indexes = turn %d line %d, want 1/0", v.UserPrompts[0].TurnIndex, v.UserPrompts[0].LineIndex)
	}
	if v.LastLineIndex != 2 {
		t.Errorf("lastLineIndex = %d, want 2", v.LastLineIndex)
	}
	if !v.Completed || !v.Success {
		t.Errorf("completed/success = %v/%v, want true/true", v.Completed, v.Success)
	}
	if st, _ := os.Stat(path); meta.Size != st.Size() {
		t.Errorf("meta size = %d, want %d", meta.Size, st.Size())
	}
	if v.ProjectPath != "/home/u/proj" {
		t.Errorf("projectPath = %q", v.ProjectPath)
	}
}

func TestViewExtendsWithoutRereadingOldBytes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s1.jsonl")
	first := userLine("original prompt")
	writeLines(t, path, first)

	c := fastTTL()
	v, _, err := c.View(path)
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	if v.UserPrompts[0].Text != "original prompt" {
		t.Fatalf("prompt = %q", v.UserPrompts[0].Text)
	}

	// Rewrite line 0 in place with same length, then append. The cache
	// resumes past line 0, so the old text must survive.
	mutated := strings.Replace(first, "original prompt", "rewritten prmpt", 1)
	if len(mutated) != len(first) {
		t.Fatalf("fixture lengths differ: %d vs %d", len(mutated), len(first))
	}
	f, err := os.OpenFile(path, os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.WriteAt([]byte(mutated), 0); err != nil {
		t.Fatalf("writeAt: %v", err)
	}
	f.Close()
	appendLines(t, path, assistantLine("reply"))

	v2, _, err := c.View(path)
	if err != nil {
		t.Fatalf("View after append: %v", err)
	}
	if v2.UserPrompts[0].Text != "original prompt" {
		t.Errorf("prompt = %q, want the cached original (incremental extension)", v2.UserPrompts[0].Text)
	}
	if len(v2.Responses) != 1 || v2.Responses[0].LineIndex != 1 {
		t.Errorf("responses = %+v, want one at line 1", v2.Responses)
	}
	if v2.Responses[0].TurnIndex != 2 {
		t.Errorf("response turn = %d, want 2", v2.Responses[0].TurnIndex)
	}
}

func TestViewRebuildsOnTruncation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s1.jsonl")
	writeLines(t, path, userLine("one"), assistantLine("two"), resultLine())

	c := fastTTL()
	if _, _, err := c.View(path); err != nil {
		t.Fatalf("View: %v", err)
	}

	writeLines(t, path, userLine("fresh start"))
	v, _, err := c.View(path)
	if err != nil {
		t.Fatalf("View after truncate: %v", err)
	}
	if len(v.UserPrompts) != 1 || v.UserPrompts[0].Text != "fresh start" {
		t.Errorf("prompts = %+v, want one 'fresh start'", v.UserPrompts)
	}
	if v.Completed {
		t.Errorf("completed survived a rebuild")
	}
	if v.LastLineIndex != 0 {
		t.Errorf("lastLineIndex = %d, want 0", v.LastLineIndex)
	}
}

func TestViewRebuildsOnSameSizeMtimeChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s1.jsonl")
	first := userLine("aaaa")
	writeLines(t, path, first)

	c := fastTTL()
	if _, _, err := c.View(path); err != nil {
		t.Fatalf("View: %v", err)
	}

	writeLines(t, path, strings.Replace(first, "aaaa", "bbbb", 1))
	if err := os.Chtimes(path, time.Now().Add(time.Hour), time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	v, _, err := c.View(path)
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	if v.UserPrompts[0].Text != "bbbb" {
		t.Errorf("prompt = %q, want bbbb after rebuild", v.UserPrompts[0].Text)
	}
}

func TestViewServedWithinTTLWithoutStat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s1.jsonl")
	writeLines(t, path, userLine("hello"))

	c := New(Options{TTL: time.Hour})
	if _, _, err := c.View(path); err != nil {
		t.Fatalf("View: %v", err)
	}
	if err := os.Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}
	// Still served from cache.
	if _, _, err := c.View(path); err != nil {
		t.Fatalf("View after remove within TTL: %v", err)
	}
	c.Invalidate(path)
	if _, _, err := c.View(path); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound after invalidate", err)
	}
}

func TestRefreshBypassesTTL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s1.jsonl")
	writeLines(t, path, userLine("hello"))

	c := New(Options{TTL: time.Hour})
	if _, _, err := c.View(path); err != nil {
		t.Fatalf("View: %v", err)
	}
	appendLines(t, path, assistantLine("reply"))
	v, _, err := c.Refresh(path)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if len(v.Responses) != 1 {
		t.Errorf("responses = %d, want 1 after refresh", len(v.Responses))
	}
}

func TestViewNotFound(t *testing.T) {
	c := fastTTL()
	_, _, err := c.View(filepath.Join(t.TempDir(), "missing.jsonl"))
	if !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestViewMalformedOnlyFileRecovers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s1.jsonl")
	writeLines(t, path, "not json at all", "{broken")

	c := fastTTL()
	_, _, err := c.View(path)
	if !errors.Is(err, session.ErrMalformed) {
		t.Fatalf("err = %v, want ErrMalformed", err)
	}

	appendLines(t, path, userLine("now valid"))
	v, _, err := c.View(path)
	if err != nil {
		t.Fatalf("View after valid append: %v", err)
	}
	if len(v.UserPrompts) != 1 || v.UserPrompts[0].LineIndex != 2 {
		t.Fatalf("prompts = %+v, want one at line 2", v.UserPrompts)
	}
	if v.MalformedLines != 2 {
		t.Errorf("malformedLines = %d, want 2", v.MalformedLines)
	}
}

func TestViewEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s1.jsonl")
	writeLines(t, path)

	c := fastTTL()
	v, _, err := c.View(path)
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	if len(v.UserPrompts) != 0 || v.MalformedLines != 0 {
		t.Errorf("got %d prompts, %d malformed, want 0/0 (blank lines skip silently)", len(v.UserPrompts), v.MalformedLines)
	}
	if v.LastLineIndex != -1 {
		t.Errorf("lastLineIndex = %d, want -1", v.LastLineIndex)
	}
}

func TestRawMessagesIncremental(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s1.jsonl")
	writeLines(t, path, userLine("hello"), assistantLine("hi"))

	c := fastTTL()
	raws, _, err := c.RawMessages(path)
	if err != nil {
		t.Fatalf("RawMessages: %v", err)
	}
	if len(raws) != 2 {
		t.Fatalf("got %d raws, want 2", len(raws))
	}
	if raws[0].LineIndex != 0 || raws[1].LineIndex != 1 {
		t.Errorf("line indexes = %d/%d, want 0/1", raws[0].LineIndex, raws[1].LineIndex)
	}
	if !json.Valid(raws[0].Raw) {
		t.Errorf("raw bytes are not valid JSON")
	}

	appendLines(t, path, resultLine())
	raws, _, err = c.RawMessages(path)
	if err != nil {
		t.Fatalf("RawMessages after append: %v", err)
	}
	if len(raws) != 3 || raws[2].Type != "result" {
		t.Fatalf("got %d raws (last %+v), want 3 ending in result", len(raws), raws[len(raws)-1])
	}
}

func TestWarmProject(t *testing.T) {
	dir := t.TempDir()
	writeLines(t, filepath.Join(dir, "s1.jsonl"), userLine("a"))
	writeLines(t, filepath.Join(dir, "s2.jsonl"), userLine("b"))
	writeLines(t, filepath.Join(dir, "agent-x1.jsonl"), userLine("c"))
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("skip"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	c := New(Options{TTL: time.Hour, WarmingConcurrency: 2})
	if n := c.WarmProject(context.Background(), dir); n != 3 {
		t.Fatalf("warmed %d, want 3", n)
	}
	if c.Len() != 3 {
		t.Errorf("len = %d, want 3", c.Len())
	}
}

func TestWarmProjectCancelled(t *testing.T) {
	dir := t.TempDir()
	writeLines(t, filepath.Join(dir, "s1.jsonl"), userLine("a"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := New(Options{TTL: time.Hour})
	if n := c.WarmProject(ctx, dir); n != 0 {
		t.Fatalf("warmed %d after cancel, want 0", n)
	}
}

func TestStatsCountServeModes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s1.jsonl")
	writeLines(t, path, userLine("hello"))

	c := New(Options{TTL: time.Hour})
	if _, _, err := c.View(path); err != nil {
		t.Fatalf("View: %v", err)
	}
	if _, _, err := c.View(path); err != nil {
		t.Fatalf("View: %v", err)
	}
	appendLines(t, path, assistantLine("reply"))
	if _, _, err := c.Refresh(path); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	st := c.Stats()
	if st.Entries != 1 {
		t.Errorf("entries = %d, want 1", st.Entries)
	}
	if st.Rebuilds != 1 || st.Extensions != 1 || st.Hits != 1 {
		t.Errorf("stats = %+v, want 1 rebuild, 1 extension, 1 hit", st)
	}
}

func taskCreateLine() string {
	return `{"type":"assistant","sessionId":"s1","timestamp":"2026-01-02T10:00:01Z","message":{"role":"assistant","content":[{"type":"tool_use","id":"toolu_1","name":"TaskCreate","input":{"subject":"ship it"}}]}}`
}

func taskMarkerLine() string {
	return `{"type":"user","timestamp":"2026-01-02T10:00:02Z","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"toolu_1","content":"Task #9 created successfully"}]}}`
}

func TestPersistRoundTripContinuesFold(t *testing.T) {
	projectDir := t.TempDir()
	projectPath := t.TempDir()
	path := filepath.Join(projectDir, "s1.jsonl")
	writeLines(t, path, userLine("start"), taskCreateLine())

	c1 := fastTTL()
	v1, _, err := c1.View(path)
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	if len(v1.Tasks) != 1 || v1.Tasks[0].ID != "" {
		t.Fatalf("tasks = %+v, want one pending create", v1.Tasks)
	}
	if err := c1.Persist(projectDir, projectPath); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	c2 := fastTTL()
	loaded, err := c2.LoadPersisted(projectPath)
	if err != nil {
		t.Fatalf("LoadPersisted: %v", err)
	}
	if loaded != 1 {
		t.Fatalf("loaded = %d, want 1", loaded)
	}

	// The marker arrives after the reload; the revived fold must still
	// resolve the pending task id.
	appendLines(t, path, taskMarkerLine())
	v2, _, err := c2.View(path)
	if err != nil {
		t.Fatalf("View after reload: %v", err)
	}
	if len(v2.Tasks) != 1 || v2.Tasks[0].ID != "9" {
		t.Fatalf("tasks = %+v, want one with id 9", v2.Tasks)
	}
	if len(v2.UserPrompts) != 1 || v2.UserPrompts[0].Text != "start" {
		t.Errorf("prompts = %+v, want the persisted prompt", v2.UserPrompts)
	}
}

func TestLoadPersistedSkipsStaleEntries(t *testing.T) {
	projectDir := t.TempDir()
	projectPath := t.TempDir()
	path := filepath.Join(projectDir, "s1.jsonl")
	writeLines(t, path, userLine("v1"))

	c1 := fastTTL()
	if _, _, err := c1.View(path); err != nil {
		t.Fatalf("View: %v", err)
	}
	if err := c1.Persist(projectDir, projectPath); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	appendLines(t, path, assistantLine("newer"))

	c2 := fastTTL()
	loaded, err := c2.LoadPersisted(projectPath)
	if err != nil {
		t.Fatalf("LoadPersisted: %v", err)
	}
	if loaded != 0 {
		t.Fatalf("loaded = %d, want 0 for stale snapshot", loaded)
	}
	v, _, err := c2.View(path)
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	if len(v.UserPrompts) != 1 || len(v.Responses) != 1 {
		t.Errorf("rebuild missed records: %d prompts, %d responses", len(v.UserPrompts), len(v.Responses))
	}
}

func TestLoadPersistedRejectsOtherVersions(t *testing.T) {
	projectPath := t.TempDir()
	dir := paths.StateDir(projectPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	data := `{"version":99,"entries":{"/nope.jsonl":{"fileSize":1}}}`
	if err := os.WriteFile(filepath.Join(dir, cacheFileName), []byte(data), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	c := fastTTL()
	loaded, err := c.LoadPersisted(projectPath)
	if err != nil || loaded != 0 {
		t.Fatalf("got (%d, %v), want (0, nil)", loaded, err)
	}
}

func TestLoadPersistedMissingSnapshot(t *testing.T) {
	c := fastTTL()
	loaded, err := c.LoadPersisted(t.TempDir())
	if err != nil || loaded != 0 {
		t.Fatalf("got (%d, %v), want (0, nil)", loaded, err)
	}
}
