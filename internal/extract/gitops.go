package extract

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/lm-assist/backend/internal/session"
)

// GitOpType classifies a git or gh invocation. The set is closed: commands
// that do not map to one of these are dropped, never reported as "other".
type GitOpType string

const (
	GitCommit     GitOpType = "commit"
	GitPush       GitOpType = "push"
	GitPull       GitOpType = "pull"
	GitFetch      GitOpType = "fetch"
	GitMerge      GitOpType = "merge"
	GitRebase     GitOpType = "rebase"
	GitCheckout   GitOpType = "checkout"
	GitBranch     GitOpType = "branch"
	GitClone      GitOpType = "clone"
	GitInit       GitOpType = "init"
	GitAdd        GitOpType = "add"
	GitStatus     GitOpType = "status"
	GitDiff       GitOpType = "diff"
	GitLog        GitOpType = "log"
	GitTag        GitOpType = "tag"
	GitStash      GitOpType = "stash"
	GitReset      GitOpType = "reset"
	GitRevert     GitOpType = "revert"
	GitCherryPick GitOpType = "cherry-pick"
	GitRemote     GitOpType = "remote"
	GhPRCreate    GitOpType = "pr_create"
	GhPRMerge     GitOpType = "pr_merge"
	GhPRView      GitOpType = "pr_view"
	GhIssueCreate GitOpType = "issue_create"
	GhRelease     GitOpType = "release"
)

// GitOp is one derived git operation. Only the fields that make sense for
// the type are populated.
type GitOp struct {
	Type       GitOpType `json:"type"`
	Command    string    `json:"command"`
	Branch     string    `json:"branch,omitempty"`
	CommitRef  string    `json:"commitRef,omitempty"`
	Message    string    `json:"commitMessage,omitempty"`
	Remote     string    `json:"remote,omitempty"`
	RepoURL    string    `json:"repoUrl,omitempty"`
	Number     int       `json:"number,omitempty"`
	Tag        string    `json:"tag,omitempty"`
	StashRef   string    `json:"stashRef,omitempty"`
	RemoteHost string    `json:"remoteHost,omitempty"`
	TurnIndex  int       `json:"turnIndex"`
	LineIndex  int       `json:"lineIndex"`
}

var (
	gitCmdRe = regexp.MustCompile(`^(?:sudo\s+)?git\s+(?:-[cC]\s+\S+\s+|--[\w-]+(?:=\S+)?\s+)*([a-z][\w-]*)`)
	ghCmdRe  = regexp.MustCompile(`^(?:sudo\s+)?gh\s+(pr|issue|release)\s+(\w+)`)

	// Heredoc commit message, matched against the whole command before
	// segment splitting so && or ; inside the message body cannot tear it
	// apart. RE2 has no backreferences, so the delimiter is fixed to EOF.
	heredocCommitRe = regexp.MustCompile(`(?s)\bgit\s+commit[^\n]*?(?:-m|--message)\s+"?\$\(\s*cat\s+<<-?'?EOF'?\n(.*?)\n\s*EOF\s*\)?"?`)

	commitMsgRes = []*regexp.Regexp{
		regexp.MustCompile(`(?:-m|--message)[= ]\s*"((?:[^"\\]|\\.)*)"`),
		regexp.MustCompile(`(?:-m|--message)[= ]\s*'([^']*)'`),
		regexp.MustCompile(`(?:-m|--message)[= ]\s*(\S+)`),
	}

	repoURLRe   = regexp.MustCompile(`(?:https?://|git@|ssh://)[^\s"']+`)
	stashRefRe  = regexp.MustCompile(`stash@\{\d+\}`)
	commitRefRe = regexp.MustCompile(`^(?:HEAD(?:[~^]\d*)*|[0-9a-f]{6,40})$`)
	ghNumberRe  = regexp.MustCompile(`(?:^|\s)#?(\d+)(?:\s|$)`)
)

// GitOps derives git operations from a tool-use stream. Pure: no I/O, no
// cache access.
func GitOps(tools []session.ToolUse) []GitOp {
	var ops []GitOp
	for i := range tools {
		tu := &tools[i]
		if tu.Name != "Bash" {
			continue
		}
		cmd := gjson.GetBytes(tu.Input, "command").String()
		if cmd == "" {
			continue
		}
		inner, remote := peelWrapper(cmd)
		ops = append(ops, gitOpsIn(inner, remote, tu)...)
	}
	return ops
}

func gitOpsIn(cmd, remote string, tu *session.ToolUse) []GitOp {
	var ops []GitOp
	if loc := heredocCommitRe.FindStringSubmatchIndex(cmd); loc != nil {
		op := newGitOp(GitCommit, strings.TrimSpace(cmd[loc[0]:loc[1]]), remote, tu)
		op.Message = cmd[loc[2]:loc[3]]
		ops = append(ops, op)
		cmd = cmd[:loc[0]] + cmd[loc[1]:]
	}
	for _, segment := range splitSegments(cmd) {
		if op, ok := classifyGit(segment, remote, tu); ok {
			ops = append(ops, op)
		}
	}
	return ops
}

// classifyGit requires git/gh at the start of the segment so a filename
// that merely contains "git" never matches.
func classifyGit(segment, remote string, tu *session.ToolUse) (GitOp, bool) {
	if m := gitCmdRe.FindStringSubmatch(segment); m != nil {
		rest := strings.TrimSpace(segment[len(m[0]):])
		return classifyGitSub(segment, m[1], rest, remote, tu)
	}
	if m := ghCmdRe.FindStringSubmatch(segment); m != nil {
		rest := strings.TrimSpace(segment[len(m[0]):])
		return classifyGh(segment, m[1], m[2], rest, remote, tu)
	}
	return GitOp{}, false
}

func classifyGitSub(segment, sub, rest, remote string, tu *session.ToolUse) (GitOp, bool) {
	switch sub {
	case "commit":
		op := newGitOp(GitCommit, segment, remote, tu)
		op.Message = commitMessage(segment)
		return op, true
	case "push", "pull", "fetch":
		types := map[string]GitOpType{"push": GitPush, "pull": GitPull, "fetch": GitFetch}
		op := newGitOp(types[sub], segment, remote, tu)
		args := flaglessArgs(rest, 2)
		if len(args) > 0 {
			op.Remote = args[0]
		}
		if len(args) > 1 {
			op.Branch = args[1]
		}
		return op, true
	case "merge", "rebase", "branch":
		types := map[string]GitOpType{"merge": GitMerge, "rebase": GitRebase, "branch": GitBranch}
		op := newGitOp(types[sub], segment, remote, tu)
		if args := flaglessArgs(rest, 1); len(args) > 0 {
			op.Branch = args[0]
		}
		return op, true
	case "checkout", "switch":
		op := newGitOp(GitCheckout, segment, remote, tu)
		// "checkout -- <path>" restores files, no branch involved.
		if !strings.Contains(rest, " -- ") && !strings.HasPrefix(rest, "-- ") {
			if args := flaglessArgs(rest, 1); len(args) > 0 {
				op.Branch = args[0]
			}
		}
		return op, true
	case "clone":
		op := newGitOp(GitClone, segment, remote, tu)
		op.RepoURL = repoURLRe.FindString(rest)
		if op.RepoURL == "" {
			if args := flaglessArgs(rest, 1); len(args) > 0 {
				op.RepoURL = args[0]
			}
		}
		return op, true
	case "init":
		return newGitOp(GitInit, segment, remote, tu), true
	case "add":
		return newGitOp(GitAdd, segment, remote, tu), true
	case "status":
		return newGitOp(GitStatus, segment, remote, tu), true
	case "diff":
		return newGitOp(GitDiff, segment, remote, tu), true
	case "log":
		return newGitOp(GitLog, segment, remote, tu), true
	case "tag":
		op := newGitOp(GitTag, segment, remote, tu)
		if args := flaglessArgs(rest, 1); len(args) > 0 {
			op.Tag = args[0]
		}
		return op, true
	case "stash":
		op := newGitOp(GitStash, segment, remote, tu)
		op.StashRef = stashRefRe.FindString(rest)
		return op, true
	case "reset", "revert", "cherry-pick":
		types := map[string]GitOpType{"reset": GitReset, "revert": GitRevert, "cherry-pick": GitCherryPick}
		op := newGitOp(types[sub], segment, remote, tu)
		for _, arg := range flaglessArgs(rest, 4) {
			if commitRefRe.MatchString(arg) {
				op.CommitRef = arg
				break
			}
		}
		return op, true
	case "remote":
		op := newGitOp(GitRemote, segment, remote, tu)
		if args := flaglessArgs(rest, 2); len(args) > 1 {
			op.Remote = args[1]
		}
		op.RepoURL = repoURLRe.FindString(rest)
		return op, true
	}
	return GitOp{}, false
}

func classifyGh(segment, group, verb, rest, remote string, tu *session.ToolUse) (GitOp, bool) {
	switch group + " " + verb {
	case "pr create":
		return newGitOp(GhPRCreate, segment, remote, tu), true
	case "pr merge":
		op := newGitOp(GhPRMerge, segment, remote, tu)
		op.Number = ghNumber(rest)
		return op, true
	case "pr view":
		op := newGitOp(GhPRView, segment, remote, tu)
		op.Number = ghNumber(rest)
		return op, true
	case "issue create":
		return newGitOp(GhIssueCreate, segment, remote, tu), true
	case "release create":
		op := newGitOp(GhRelease, segment, remote, tu)
		if args := flaglessArgs(rest, 1); len(args) > 0 {
			op.Tag = args[0]
		}
		return op, true
	}
	return GitOp{}, false
}

func newGitOp(t GitOpType, command, remote string, tu *session.ToolUse) GitOp {
	return GitOp{
		Type:       t,
		Command:    command,
		RemoteHost: remote,
		TurnIndex:  tu.TurnIndex,
		LineIndex:  tu.LineIndex,
	}
}

func commitMessage(segment string) string {
	for i, re := range commitMsgRes {
		if m := re.FindStringSubmatch(segment); m != nil {
			msg := m[1]
			if i == 0 {
				msg = strings.ReplaceAll(msg, `\"`, `"`)
				msg = strings.ReplaceAll(msg, `\n`, "\n")
			}
			return msg
		}
	}
	return ""
}

// flaglessArgs returns up to n positional tokens, skipping anything that
// starts with a dash.
func flaglessArgs(rest string, n int) []string {
	args := make([]string, 0, n)
	for _, tok := range strings.Fields(rest) {
		if strings.HasPrefix(tok, "-") {
			continue
		}
		tok = strings.Trim(tok, `"'`)
		if tok == "" {
			continue
		}
		args = append(args, tok)
		if len(args) == n {
			break
		}
	}
	return args
}

func ghNumber(rest string) int {
	m := ghNumberRe.FindStringSubmatch(rest)
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return n
}
