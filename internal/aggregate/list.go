package aggregate

import (
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/lm-assist/backend/internal/jsonl"
	"github.com/lm-assist/backend/internal/paths"
	"github.com/lm-assist/backend/internal/session"
)

const maxListMessageLen = 200

// SessionSummary is one row of a project's session listing.
type SessionSummary struct {
	SessionID       string         `json:"sessionId"`
	ProjectPath     string         `json:"projectPath"`
	FilePath        string         `json:"filePath"`
	FileSize        int64          `json:"fileSize"`
	CreatedAt       time.Time      `json:"createdAt,omitempty"`
	LastModified    time.Time      `json:"lastModified"`
	LastUserMessage string         `json:"lastUserMessage,omitempty"`
	UserPromptCount int            `json:"userPromptCount"`
	TaskCount       int            `json:"taskCount"`
	PlanCount       int            `json:"planCount"`
	AgentFileCount  int            `json:"agentFileCount"`
	TeamName        string         `json:"teamName,omitempty"`
	ForkedFrom      string         `json:"forkedFrom,omitempty"`
	Branch          string         `json:"branch,omitempty"`
	Status          session.Status `json:"status"`
}

// ListSessions summarizes every session of one project, newest first.
// Sessions that never saw a real user prompt are skipped, as are files the
// cache cannot parse.
func (s *Service) ListSessions(projectPath string) ([]SessionSummary, error) {
	projectDir := s.res.ProjectDir(projectPath)
	files, err := paths.ListSessionFiles(projectDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	branch := paths.Branch(projectPath)
	agents := newAgentIndex(projectDir)

	summaries := make([]SessionSummary, 0, len(files))
	for _, path := range files {
		view, meta, err := s.cache.View(path)
		if err != nil {
			log.Printf("[aggregate] skipping %s: %v", filepath.Base(path), err)
			continue
		}
		if view.UserPromptCount() == 0 {
			continue
		}

		id := paths.SessionIDFromPath(path)
		sum := SessionSummary{
			SessionID:       id,
			ProjectPath:     projectPath,
			FilePath:        path,
			FileSize:        meta.Size,
			CreatedAt:       view.FirstTimestamp,
			LastModified:    meta.Mtime,
			LastUserMessage: lastUserMessage(view),
			UserPromptCount: view.UserPromptCount(),
			TaskCount:       liveTaskCount(view),
			PlanCount:       len(view.Plans),
			AgentFileCount:  agents.countFor(id),
			TeamName:        view.TeamName,
			Branch:          branch,
			Status:          session.ClassifyStatus(view, meta.Mtime, time.Now()),
		}
		if view.SessionID != "" && view.SessionID != id {
			sum.ForkedFrom = view.SessionID
		}
		summaries = append(summaries, sum)
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].LastModified.After(summaries[j].LastModified)
	})
	return summaries, nil
}

// lastUserMessage picks the newest human-typed prompt, skipping compaction
// summaries unless nothing else exists.
func lastUserMessage(v *session.View) string {
	for i := len(v.UserPrompts) - 1; i >= 0; i-- {
		if !v.UserPrompts[i].IsCompactSummary {
			return clip(v.UserPrompts[i].Text, maxListMessageLen)
		}
	}
	if n := len(v.UserPrompts); n > 0 {
		return clip(v.UserPrompts[n-1].Text, maxListMessageLen)
	}
	return ""
}

func liveTaskCount(v *session.View) int {
	n := 0
	for _, t := range v.Tasks {
		if t.Status != session.TaskDeleted {
			n++
		}
	}
	return n
}

// agentIndex maps sessions to their agent transcript ids: direct agent
// files claim a parent on their first line, nested ones belong to the
// session directory holding them. Built once per listing or batch check.
type agentIndex struct {
	direct map[string][]string
	nested map[string][]string
}

func newAgentIndex(projectDir string) *agentIndex {
	idx := &agentIndex{
		direct: make(map[string][]string),
		nested: make(map[string][]string),
	}
	entries, err := os.ReadDir(projectDir)
	if err != nil {
		return idx
	}
	for _, entry := range entries {
		name := entry.Name()
		switch {
		case !entry.IsDir() && strings.HasPrefix(name, "agent-") && strings.HasSuffix(name, ".jsonl"):
			path := filepath.Join(projectDir, name)
			rec, err := jsonl.ReadFirstRecord(path)
			if err == nil && rec.SessionID != "" {
				idx.direct[rec.SessionID] = append(idx.direct[rec.SessionID], paths.AgentIDFromPath(path))
			}
		case entry.IsDir():
			sub, err := os.ReadDir(filepath.Join(projectDir, name, "subagents"))
			if err != nil {
				continue
			}
			for _, f := range sub {
				if !f.IsDir() && strings.HasSuffix(f.Name(), ".jsonl") {
					idx.nested[name] = append(idx.nested[name], paths.AgentIDFromPath(f.Name()))
				}
			}
		}
	}
	return idx
}

func (a *agentIndex) idsFor(sessionID string) []string {
	ids := append([]string(nil), a.direct[sessionID]...)
	ids = append(ids, a.nested[sessionID]...)
	sort.Strings(ids)
	return ids
}

func (a *agentIndex) countFor(sessionID string) int {
	return len(a.direct[sessionID]) + len(a.nested[sessionID])
}

// ProjectSummary is one row of the projects listing.
type ProjectSummary struct {
	ProjectPath  string    `json:"projectPath"`
	EncodedName  string    `json:"encodedName"`
	SessionCount int       `json:"sessionCount"`
	TotalSize    int64     `json:"totalSizeBytes"`
	LastModified time.Time `json:"lastModified,omitempty"`
	Branch       string    `json:"branch,omitempty"`
}

// ListProjects returns one summary per directory under the projects root,
// newest activity first. The working directory is recovered from a session
// record when possible; the encoded directory name is only a fallback since
// its dashes are ambiguous.
func (s *Service) ListProjects() ([]ProjectSummary, error) {
	dirs, err := s.res.ListProjectDirs()
	if err != nil {
		return nil, err
	}

	summaries := make([]ProjectSummary, 0, len(dirs))
	for _, dir := range dirs {
		files, err := paths.ListSessionFiles(dir)
		if err != nil {
			log.Printf("[aggregate] skipping project %s: %v", filepath.Base(dir), err)
			continue
		}

		sum := ProjectSummary{EncodedName: filepath.Base(dir), SessionCount: len(files)}
		for _, path := range files {
			if st, err := os.Stat(path); err == nil {
				sum.TotalSize += st.Size()
				if st.ModTime().After(sum.LastModified) {
					sum.LastModified = st.ModTime()
				}
			}
			if sum.ProjectPath == "" {
				if rec, err := jsonl.ReadFirstRecord(path); err == nil && rec.CWD != "" {
					sum.ProjectPath = rec.CWD
				}
			}
		}
		if sum.ProjectPath == "" {
			sum.ProjectPath = paths.DecodeProjectPath(sum.EncodedName)
		}
		sum.Branch = paths.Branch(sum.ProjectPath)
		summaries = append(summaries, sum)
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].LastModified.After(summaries[j].LastModified)
	})
	return summaries, nil
}

func clip(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
