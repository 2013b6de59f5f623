package extract

import (
	"encoding/json"
	"testing"

	"github.com/lm-assist/backend/internal/session"
)

func bashUse(t *testing.T, cmd string, line int) session.ToolUse {
	t.Helper()
	input, err := json.Marshal(map[string]string{"command": cmd})
	if err != nil {
		t.Fatalf("marshal input: %v", err)
	}
	return session.ToolUse{ID: "tu1", Name: "Bash", Input: input, TurnIndex: 2, LineIndex: line}
}

func directUse(t *testing.T, name, field, value string) session.ToolUse {
	t.Helper()
	input, err := json.Marshal(map[string]string{field: value})
	if err != nil {
		t.Fatalf("marshal input: %v", err)
	}
	return session.ToolUse{ID: "tu1", Name: name, Input: input, TurnIndex: 1, LineIndex: 4}
}

func TestFileOpsDirectTools(t *testing.T) {
	tests := []struct {
		tool     string
		field    string
		path     string
		action   FileAction
		category FileCategory
	}{
		{"Read", "file_path", "/src/main.go", ActionRead, CategoryRead},
		{"Write", "file_path", "/src/new.go", ActionWrite, CategoryUpdated},
		{"Edit", "file_path", "/src/old.go", ActionEdit, CategoryUpdated},
		{"NotebookEdit", "notebook_path", "/nb/analysis.ipynb", ActionEdit, CategoryUpdated},
		{"Glob", "pattern", "**/*.go", ActionRead, CategoryRead},
		{"Grep", "path", "/src", ActionRead, CategoryRead},
	}
	for _, tt := range tests {
		t.Run(tt.tool, func(t *testing.T) {
			ops := FileOps([]session.ToolUse{directUse(t, tt.tool, tt.field, tt.path)})
			if len(ops) != 1 {
				t.Fatalf("got %d ops, want 1", len(ops))
			}
			op := ops[0]
			if op.Path != tt.path || op.Action != tt.action || op.Category != tt.category {
				t.Errorf("got %+v, want path=%s action=%s category=%s", op, tt.path, tt.action, tt.category)
			}
			if op.Tool != tt.tool {
				t.Errorf("tool = %s, want %s", op.Tool, tt.tool)
			}
		})
	}
}

func TestFileOpsBash(t *testing.T) {
	type want struct {
		path   string
		action FileAction
	}
	tests := []struct {
		name string
		cmd  string
		want []want
	}{
		{"touch multi", "touch a.txt b.txt", []want{{"a.txt", ActionCreate}, {"b.txt", ActionCreate}}},
		{"mkdir", "mkdir -p /tmp/newdir", []want{{"/tmp/newdir", ActionCreate}}},
		{"rm multi", "rm -rf build/ old.log", []want{{"build/", ActionDelete}, {"old.log", ActionDelete}}},
		{"cp keeps destination", "cp -r src/tpl.html out/tpl.html", []want{{"out/tpl.html", ActionCopy}}},
		{"mv keeps destination", "mv old.txt new.txt", []want{{"new.txt", ActionMove}}},
		{"cat", "cat /etc/hosts", []want{{"/etc/hosts", ActionRead}}},
		{"sed in place", "sed -i 's/a/b/g' config.yaml", []want{{"config.yaml", ActionEdit}}},
		{"chmod", "chmod +x run.sh", []want{{"run.sh", ActionPermission}}},
		{"curl output", "curl -fsSL https://example.com/x -o /tmp/bin", []want{{"/tmp/bin", ActionDownload}}},
		{"tar create", "tar -czf out.tar.gz src", []want{{"out.tar.gz", ActionArchive}}},
		{"tar extract", "tar -xzf out.tar.gz", []want{{"out.tar.gz", ActionExtract}}},
		{"redirect", "echo hi > notes.txt", []want{{"notes.txt", ActionWrite}}},
		{"append redirect", "echo hi >> notes.txt", []want{{"notes.txt", ActionWrite}}},
		{"stderr redirect excluded", "make build 2> /tmp/err.log", nil},
		{"dev null excluded", "grep -r foo . > /dev/null", nil},
		{"shell var excluded", "echo $VAR > $OUT", nil},
		{"numeric excluded", "sleep 5 && rm 42", nil},
		{"plain pipeline", "ls -la | wc -l", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ops := FileOps([]session.ToolUse{bashUse(t, tt.cmd, 7)})
			if len(ops) != len(tt.want) {
				t.Fatalf("got %d ops (%+v), want %d", len(ops), ops, len(tt.want))
			}
			for i, w := range tt.want {
				if ops[i].Path != w.path || ops[i].Action != w.action {
					t.Errorf("op %d = %s/%s, want %s/%s", i, ops[i].Path, ops[i].Action, w.path, w.action)
				}
				if ops[i].LineIndex != 7 {
					t.Errorf("op %d lineIndex = %d, want 7", i, ops[i].LineIndex)
				}
			}
		})
	}
}

func TestFileOpsCompoundCommand(t *testing.T) {
	ops := FileOps([]session.ToolUse{bashUse(t, "mkdir -p out && cp a.bin out/a.bin; rm tmp.txt", 3)})
	want := []struct {
		path   string
		action FileAction
	}{
		{"out", ActionCreate},
		{"out/a.bin", ActionCopy},
		{"tmp.txt", ActionDelete},
	}
	if len(ops) != len(want) {
		t.Fatalf("got %d ops (%+v), want %d", len(ops), ops, len(want))
	}
	for i, w := range want {
		if ops[i].Path != w.path || ops[i].Action != w.action {
			t.Errorf("op %d = %s/%s, want %s/%s", i, ops[i].Path, ops[i].Action, w.path, w.action)
		}
	}
}

func TestFileOpsSSHPeel(t *testing.T) {
	ops := FileOps([]session.ToolUse{bashUse(t, "ssh deploy@web1 \"touch /srv/app/flag\"", 9)})
	if len(ops) != 1 {
		t.Fatalf("got %d ops, want 1", len(ops))
	}
	if ops[0].Remote != "web1" {
		t.Errorf("remote = %q, want web1", ops[0].Remote)
	}
	if ops[0].Path != "/srv/app/flag" || ops[0].Action != ActionCreate {
		t.Errorf("got %s/%s, want /srv/app/flag/create", ops[0].Path, ops[0].Action)
	}
}

func TestFileOpsDockerPeel(t *testing.T) {
	ops := FileOps([]session.ToolUse{bashUse(t, "docker exec -it app-container rm /data/stale.db", 9)})
	if len(ops) != 1 {
		t.Fatalf("got %d ops, want 1", len(ops))
	}
	if ops[0].Remote != "app-container" {
		t.Errorf("remote = %q, want app-container", ops[0].Remote)
	}
	if ops[0].Path != "/data/stale.db" || ops[0].Action != ActionDelete {
		t.Errorf("got %s/%s, want /data/stale.db/delete", ops[0].Path, ops[0].Action)
	}
}

func TestFileOpsIgnoresOtherTools(t *testing.T) {
	ops := FileOps([]session.ToolUse{
		{ID: "t1", Name: "WebSearch", Input: json.RawMessage(`{"query":"touch a.txt"}`)},
		{ID: "t2", Name: "Bash", Input: json.RawMessage(`{}`)},
	})
	if len(ops) != 0 {
		t.Fatalf("got %d ops, want 0", len(ops))
	}
}

func TestCleanCandidate(t *testing.T) {
	tests := []struct {
		raw  string
		want string
		ok   bool
	}{
		{"normal.txt", "normal.txt", true},
		{"\"quoted.txt\"", "quoted.txt", true},
		{"'single.txt'", "single.txt", true},
		{"trailing.txt,", "trailing.txt", true},
		{"/abs/path.go", "/abs/path.go", true},
		{"$HOME/x", "", false},
		{"$(pwd)/f", "", false},
		{"${DIR}/f", "", false},
		{"<div>", "", false},
		{"/dev/null", "", false},
		{"123", "", false},
		{"42.5", "", false},
		{"s/foo/bar/g", "", false},
		{"file*.txt", "", false},
		{"-", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := cleanCandidate(tt.raw)
		if ok != tt.ok || got != tt.want {
			t.Errorf("cleanCandidate(%q) = (%q, %v), want (%q, %v)", tt.raw, got, ok, tt.want, tt.ok)
		}
	}
}

func TestCategoryForTotal(t *testing.T) {
	actions := []FileAction{
		ActionRead, ActionWrite, ActionEdit, ActionDelete, ActionCreate, ActionCopy,
		ActionMove, ActionDownload, ActionArchive, ActionExtract, ActionPermission, ActionLink,
	}
	for _, a := range actions {
		if _, ok := actionCategories[a]; !ok {
			t.Errorf("action %s has no category", a)
		}
	}
	if CategoryFor(ActionDelete) != CategoryDeleted {
		t.Errorf("delete maps to %s", CategoryFor(ActionDelete))
	}
}
