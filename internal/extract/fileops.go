package extract

import (
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/lm-assist/backend/internal/session"
)

// FileAction is what a tool did to a path.
type FileAction string

const (
	ActionRead       FileAction = "read"
	ActionWrite      FileAction = "write"
	ActionEdit       FileAction = "edit"
	ActionDelete     FileAction = "delete"
	ActionCreate     FileAction = "create"
	ActionCopy       FileAction = "copy"
	ActionMove       FileAction = "move"
	ActionDownload   FileAction = "download"
	ActionArchive    FileAction = "archive"
	ActionExtract    FileAction = "extract"
	ActionPermission FileAction = "permission"
	ActionLink       FileAction = "link"
)

// FileCategory buckets actions for the change summary.
type FileCategory string

const (
	CategoryRead    FileCategory = "read"
	CategoryCreated FileCategory = "created"
	CategoryUpdated FileCategory = "updated"
	CategoryDeleted FileCategory = "deleted"
)

var actionCategories = map[FileAction]FileCategory{
	ActionRead:       CategoryRead,
	ActionWrite:      CategoryUpdated,
	ActionEdit:       CategoryUpdated,
	ActionDelete:     CategoryDeleted,
	ActionCreate:     CategoryCreated,
	ActionCopy:       CategoryCreated,
	ActionMove:       CategoryCreated,
	ActionDownload:   CategoryCreated,
	ActionArchive:    CategoryCreated,
	ActionExtract:    CategoryCreated,
	ActionPermission: CategoryUpdated,
	ActionLink:       CategoryCreated,
}

// CategoryFor maps an action to its summary bucket. Total: every action has
// a category.
func CategoryFor(a FileAction) FileCategory {
	if c, ok := actionCategories[a]; ok {
		return c
	}
	return CategoryUpdated
}

// FileOp is one derived file operation.
type FileOp struct {
	Path      string       `json:"path"`
	Action    FileAction   `json:"action"`
	Category  FileCategory `json:"category"`
	Tool      string       `json:"tool"`
	Remote    string       `json:"remote,omitempty"`
	TurnIndex int          `json:"turnIndex"`
	LineIndex int          `json:"lineIndex"`
}

// bashRule recognizes one command shape inside a Bash tool use. multi rules
// treat the capture as a whitespace-separated path list. Rules with two
// captures (cp, mv, ln) keep only the last one: the destination.
type bashRule struct {
	re     *regexp.Regexp
	action FileAction
	multi  bool
}

var bashRules = []bashRule{
	{re: regexp.MustCompile(`\btouch\s+(?:-\w+\s+)*(.+)$`), action: ActionCreate, multi: true},
	{re: regexp.MustCompile(`\bmkdir\s+(?:-\w+\s+)*(.+)$`), action: ActionCreate, multi: true},
	{re: regexp.MustCompile(`\brm\s+(?:-\w+\s+)*(.+)$`), action: ActionDelete, multi: true},
	{re: regexp.MustCompile(`\brmdir\s+(?:-\w+\s+)*(.+)$`), action: ActionDelete, multi: true},
	{re: regexp.MustCompile(`\bcp\s+(?:-\w+\s+)*(\S+)\s+(\S+)`), action: ActionCopy},
	{re: regexp.MustCompile(`\bmv\s+(?:-\w+\s+)*(\S+)\s+(\S+)`), action: ActionMove},
	{re: regexp.MustCompile(`\bln\s+(?:-\w+\s+)*(\S+)\s+(\S+)`), action: ActionLink},
	{re: regexp.MustCompile(`\bcat\s+([^\s;|&><]+)`), action: ActionRead},
	{re: regexp.MustCompile(`\b(?:head|tail|less|more)\s+(?:-\w+\s+)*([^\s;|&><]+)`), action: ActionRead},
	{re: regexp.MustCompile(`\bsed\s+(?:-\w*\s+)*-i\S*\s+(?:'[^']*'|"[^"]*"|\S+)\s+(\S+)`), action: ActionEdit},
	{re: regexp.MustCompile(`\bchmod\s+(?:-\w+\s+)*\S+\s+(.+)$`), action: ActionPermission, multi: true},
	{re: regexp.MustCompile(`\bchown\s+(?:-\w+\s+)*\S+\s+(.+)$`), action: ActionPermission, multi: true},
	{re: regexp.MustCompile(`\b(?:curl|wget)\s+.*?(?:-o|-O|--output)\s+(\S+)`), action: ActionDownload},
	{re: regexp.MustCompile(`\btar\s+(?:-?\w*c\w*f)\s+(\S+)`), action: ActionArchive},
	{re: regexp.MustCompile(`\btar\s+(?:-?\w*x\w*f)\s+(\S+)`), action: ActionExtract},
	{re: regexp.MustCompile(`\bzip\s+(?:-\w+\s+)*(\S+)`), action: ActionArchive},
	{re: regexp.MustCompile(`\bunzip\s+(?:-\w+\s+)*(\S+)`), action: ActionExtract},
	{re: regexp.MustCompile(`\btee\s+(?:-a\s+)*(\S+)`), action: ActionWrite},
	// Redirects: the char before > must not be a digit, so 2> (stderr)
	// and fd redirects stay out. RE2 has no lookbehind; capture and check.
	{re: regexp.MustCompile(`(^|[^\d>])>{1,2}\s*([^\s;|&>]+)`), action: ActionWrite},
}

// directTools maps simple tool names to their fixed action and input path
// field.
var directTools = map[string]struct {
	action FileAction
	field  string
}{
	"Read":         {ActionRead, "file_path"},
	"Write":        {ActionWrite, "file_path"},
	"Edit":         {ActionEdit, "file_path"},
	"NotebookEdit": {ActionEdit, "notebook_path"},
	"Glob":         {ActionRead, "pattern"},
	"Grep":         {ActionRead, "path"},
}

// FileOps derives file operations from a tool-use stream. Pure: no I/O, no
// cache access.
func FileOps(tools []session.ToolUse) []FileOp {
	var ops []FileOp
	for i := range tools {
		tu := &tools[i]
		if spec, ok := directTools[tu.Name]; ok {
			path := gjson.GetBytes(tu.Input, spec.field).String()
			if path == "" {
				continue
			}
			ops = append(ops, newFileOp(path, spec.action, tu.Name, "", tu))
			continue
		}
		if tu.Name != "Bash" {
			continue
		}
		cmd := gjson.GetBytes(tu.Input, "command").String()
		if cmd == "" {
			continue
		}
		inner, remote := peelWrapper(cmd)
		for _, segment := range splitSegments(inner) {
			ops = append(ops, bashFileOps(segment, remote, tu)...)
		}
	}
	return ops
}

func bashFileOps(segment, remote string, tu *session.ToolUse) []FileOp {
	var ops []FileOp
	for _, rule := range bashRules {
		m := rule.re.FindStringSubmatch(segment)
		if m == nil {
			continue
		}
		capture := m[len(m)-1]
		switch {
		case rule.multi:
			for _, field := range strings.Fields(capture) {
				if strings.HasPrefix(field, "-") {
					continue
				}
				if path, ok := cleanCandidate(field); ok {
					ops = append(ops, newFileOp(path, rule.action, "Bash", remote, tu))
				}
			}
		default:
			if path, ok := cleanCandidate(capture); ok {
				ops = append(ops, newFileOp(path, rule.action, "Bash", remote, tu))
			}
		}
	}
	return ops
}

func newFileOp(path string, action FileAction, tool, remote string, tu *session.ToolUse) FileOp {
	return FileOp{
		Path:      path,
		Action:    action,
		Category:  CategoryFor(action),
		Tool:      tool,
		Remote:    remote,
		TurnIndex: tu.TurnIndex,
		LineIndex: tu.LineIndex,
	}
}

var (
	numericRe  = regexp.MustCompile(`^\d+(?:\.\d+)?$`)
	sedFlagRe  = regexp.MustCompile(`/(?:g|i|gi)$`)
	regexMetas = "*?[]{}()^$+|\\"
)

// cleanCandidate trims quoting and punctuation from a regex capture and
// rejects everything that is not plausibly a file path. The filters exist
// because regex-over-shell produces garbage candidates constantly: shell
// variables, process substitution, HTML fragments, sed scripts.
func cleanCandidate(raw string) (string, bool) {
	s := strings.Trim(raw, `"'`+"`")
	s = strings.TrimRight(s, ",:)")
	if s == "" {
		return "", false
	}

	switch {
	case strings.HasPrefix(s, "$"),
		strings.Contains(s, "$("),
		strings.Contains(s, "${"),
		strings.HasPrefix(s, "<("),
		strings.HasPrefix(s, ">("),
		strings.HasPrefix(s, "<"),
		strings.HasPrefix(s, "/dev/"),
		s == "-":
		return "", false
	}
	if numericRe.MatchString(s) {
		return "", false
	}
	if strings.ContainsAny(s, regexMetas) {
		return "", false
	}
	if sedFlagRe.MatchString(s) {
		return "", false
	}
	return s, true
}
