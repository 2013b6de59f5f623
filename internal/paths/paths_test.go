package paths

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/lm-assist/backend/internal/session"
)

func TestEncodeProjectPath(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"/home/user/project", "-home-user-project"},
		{"/home/dev/Projects/MyApp", "-home-dev-projects-myapp"},
		{"/tmp/test", "-tmp-test"},
	}

	for _, tt := range tests {
		got := EncodeProjectPath(tt.input)
		if got != tt.expected {
			t.Errorf("EncodeProjectPath(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestDecodeProjectPath(t *testing.T) {
	// The encoding lowercases, so probing only works for lowercase dirs.
	// t.TempDir embeds the mixed-case test name; build our own base.
	base, err := os.MkdirTemp("", "pathsdecode")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(base) })

	proj := filepath.Join(base, "my-app")
	if err := os.MkdirAll(proj, 0755); err != nil {
		t.Fatal(err)
	}

	encoded := EncodeProjectPath(proj)
	got := DecodeProjectPath(encoded)
	if got != proj {
		t.Errorf("DecodeProjectPath(%q) = %q, want %q", encoded, got, proj)
	}
}

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()
	return &Resolver{Home: t.TempDir()}
}

func mkSession(t *testing.T, r *Resolver, cwd, sessionID, firstLine string) string {
	t.Helper()
	dir := r.ProjectDir(cwd)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	path := SessionFile(dir, sessionID)
	if err := os.WriteFile(path, []byte(firstLine+"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFindSessionFile(t *testing.T) {
	r := newTestResolver(t)
	want := mkSession(t, r, "/home/dev/proj", "sess-1", `{"type":"user"}`)

	// Direct lookup with a known cwd.
	got, err := r.FindSessionFile("sess-1", "/home/dev/proj")
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Errorf("FindSessionFile = %q, want %q", got, want)
	}

	// Scan lookup without a cwd.
	got, err = r.FindSessionFile("sess-1", "")
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Errorf("scan FindSessionFile = %q, want %q", got, want)
	}

	// Unknown session id.
	_, err = r.FindSessionFile("missing", "")
	if !errors.Is(err, session.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestFindSessionFileNestedSubagent(t *testing.T) {
	r := newTestResolver(t)
	mkSession(t, r, "/home/dev/proj", "parent-1", `{"type":"user"}`)

	subDir := filepath.Join(r.ProjectDir("/home/dev/proj"), "parent-1", "subagents")
	if err := os.MkdirAll(subDir, 0755); err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(subDir, "agent-abc123.jsonl")
	if err := os.WriteFile(want, []byte(`{"type":"user","sessionId":"parent-1"}`+"\n"), 0644); err != nil {
		t.Fatal(err)
	}

	got, err := r.FindSessionFile("abc123", "")
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Errorf("nested lookup = %q, want %q", got, want)
	}
}

func TestAgentFiles(t *testing.T) {
	r := newTestResolver(t)
	mkSession(t, r, "/home/dev/proj", "parent-1", `{"type":"user"}`)
	projectDir := r.ProjectDir("/home/dev/proj")

	directPath := filepath.Join(projectDir, "agent-d1.jsonl")
	if err := os.WriteFile(directPath, []byte(`{"sessionId":"parent-1"}`+"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	subDir := filepath.Join(projectDir, "parent-1", "subagents")
	if err := os.MkdirAll(subDir, 0755); err != nil {
		t.Fatal(err)
	}
	nestedPath := filepath.Join(subDir, "agent-n1.jsonl")
	if err := os.WriteFile(nestedPath, []byte(`{"sessionId":"parent-1"}`+"\n"), 0644); err != nil {
		t.Fatal(err)
	}

	direct, nested, err := AgentFiles(projectDir, "parent-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(direct) != 1 || direct[0] != directPath {
		t.Errorf("direct = %v", direct)
	}
	if len(nested) != 1 || nested[0] != nestedPath {
		t.Errorf("nested = %v", nested)
	}
}

func TestListSessionFilesSkipsAgentFiles(t *testing.T) {
	r := newTestResolver(t)
	main := mkSession(t, r, "/home/dev/proj", "sess-1", `{"type":"user"}`)
	projectDir := r.ProjectDir("/home/dev/proj")
	if err := os.WriteFile(filepath.Join(projectDir, "agent-x.jsonl"), []byte("{}\n"), 0644); err != nil {
		t.Fatal(err)
	}

	files, err := ListSessionFiles(projectDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 || files[0] != main {
		t.Errorf("ListSessionFiles = %v, want [%s]", files, main)
	}
}

func TestAgentIDFromPath(t *testing.T) {
	if got := AgentIDFromPath("/x/subagents/agent-a9afc2c.jsonl"); got != "a9afc2c" {
		t.Errorf("AgentIDFromPath = %q, want a9afc2c", got)
	}
	if got := SessionIDFromPath("/x/-home-dev-proj/abc-123.jsonl"); got != "abc-123" {
		t.Errorf("SessionIDFromPath = %q, want abc-123", got)
	}
}
