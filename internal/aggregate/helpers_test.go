package aggregate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lm-assist/backend/internal/cache"
	"github.com/lm-assist/backend/internal/paths"
)

const testProject = "/work/app"

// fixture is one fake agent home with a query service wired to it. The
// cache TTL is a nanosecond so every call re-validates against the files.
type fixture struct {
	svc        *Service
	res        *paths.Resolver
	projectDir string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	home := t.TempDir()
	res, err := paths.NewResolver(home)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	f := &fixture{
		svc:        New(cache.New(cache.Options{TTL: time.Nanosecond}), res),
		res:        res,
		projectDir: res.ProjectDir(testProject),
	}
	if err := os.MkdirAll(f.projectDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	return f
}

func (f *fixture) writeSession(t *testing.T, id string, lines ...string) string {
	t.Helper()
	path := paths.SessionFile(f.projectDir, id)
	writeLines(t, path, lines...)
	return path
}

func writeLines(t *testing.T, path string, lines ...string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// ts yields strictly increasing timestamps so recency-based status checks
// and first/last aggregation stay deterministic.
func ts(i int) string {
	return time.Date(2026, 3, 1, 10, 0, i, 0, time.UTC).Format(time.RFC3339Nano)
}

func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func userLine(sid, text string, i int) string {
	return fmt.Sprintf(`{"type":"user","sessionId":%q,"cwd":%q,"timestamp":%q,"message":{"role":"user","content":%s}}`,
		sid, testProject, ts(i), jsonString(text))
}

func assistantLine(i int, blocks ...string) string {
	return fmt.Sprintf(`{"type":"assistant","timestamp":%q,"message":{"role":"assistant","model":"claude-sonnet-4-5","usage":{"input_tokens":10,"output_tokens":5},"content":[%s]}}`,
		ts(i), strings.Join(blocks, ","))
}

func textBlock(text string) string {
	return fmt.Sprintf(`{"type":"text","text":%s}`, jsonString(text))
}

func toolBlock(id, name, input string) string {
	return fmt.Sprintf(`{"type":"tool_use","id":%q,"name":%q,"input":%s}`, id, name, input)
}

func toolResultLine(toolUseID, text string, i int) string {
	return fmt.Sprintf(`{"type":"user","timestamp":%q,"message":{"role":"user","content":[{"type":"tool_result","tool_use_id":%q,"content":%s}]}}`,
		ts(i), toolUseID, jsonString(text))
}

func resultLine(success bool, i int) string {
	subtype := "success"
	if !success {
		subtype = "error_during_execution"
	}
	return fmt.Sprintf(`{"type":"result","subtype":%q,"is_error":%t,"timestamp":%q,"duration_ms":9000,"num_turns":2,"total_cost_usd":0.012,"usage":{"input_tokens":100,"output_tokens":50}}`,
		subtype, !success, ts(i))
}

func intp(n int) *int { return &n }

func int64p(n int64) *int64 { return &n }
