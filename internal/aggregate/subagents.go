package aggregate

import (
	"log"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/lm-assist/backend/internal/jsonl"
	"github.com/lm-assist/backend/internal/paths"
	"github.com/lm-assist/backend/internal/session"
)

// SubagentSession is one subagent transcript found on disk.
type SubagentSession struct {
	AgentID         string         `json:"agentId"`
	FilePath        string         `json:"filePath"`
	ParentSessionID string         `json:"parentSessionId,omitempty"`
	ParentUUID      string         `json:"parentUuid,omitempty"`
	Status          session.Status `json:"status"`
	FileSize        int64          `json:"fileSize"`
	LastModified    time.Time      `json:"lastModified,omitempty"`
	UserPromptCount int            `json:"userPromptCount"`
	ToolUseCount    int            `json:"toolUseCount"`
	Model           string         `json:"model,omitempty"`
}

// SubagentsResult pairs the parent's Task invocations with the transcripts
// discovered on disk. Invocations with no transcript and transcripts with no
// invocation both survive; the union is what the UI renders.
type SubagentsResult struct {
	Invocations []session.Subagent `json:"invocations"`
	Sessions    []SubagentSession  `json:"sessions"`
}

// Subagents resolves everything subagent-shaped for one session. Direct
// agent files claim their parent on their first line and are filtered by
// it; files nested under the session's subagents directory belong to it by
// construction. Transcripts load concurrently with bounded parallelism, and
// each loaded status is propagated onto the matching invocation.
func (s *Service) Subagents(sessionID, cwd string) (*SubagentsResult, error) {
	parentPath, err := s.res.FindSessionFile(sessionID, cwd)
	if err != nil {
		return nil, err
	}
	view, _, err := s.cache.View(parentPath)
	if err != nil {
		return nil, err
	}

	res := &SubagentsResult{Invocations: make([]session.Subagent, 0, len(view.Subagents))}
	for _, inv := range view.Subagents {
		res.Invocations = append(res.Invocations, *inv)
	}

	projectDir := filepath.Dir(parentPath)
	direct, nested, err := paths.AgentFiles(projectDir, sessionID)
	if err != nil {
		return nil, err
	}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, s.loadN)
	)
	load := func(path string, requireClaim bool) {
		defer wg.Done()
		sem <- struct{}{}
		defer func() { <-sem }()

		first, err := jsonl.ReadFirstRecord(path)
		if err != nil {
			log.Printf("[aggregate] subagent %s: %v", filepath.Base(path), err)
			return
		}
		if requireClaim && first.SessionID != sessionID {
			return
		}

		agentView, meta, err := s.cache.View(path)
		if err != nil {
			log.Printf("[aggregate] subagent %s: %v", filepath.Base(path), err)
			return
		}
		sess := SubagentSession{
			AgentID:         paths.AgentIDFromPath(path),
			FilePath:        path,
			ParentSessionID: first.SessionID,
			ParentUUID:      first.ParentUUID,
			Status:          session.ClassifyStatus(agentView, meta.Mtime, time.Now()),
			FileSize:        meta.Size,
			LastModified:    meta.Mtime,
			UserPromptCount: agentView.UserPromptCount(),
			ToolUseCount:    len(agentView.ToolUses),
			Model:           agentView.Model,
		}
		mu.Lock()
		res.Sessions = append(res.Sessions, sess)
		mu.Unlock()
	}

	for _, path := range direct {
		wg.Add(1)
		go load(path, true)
	}
	for _, path := range nested {
		wg.Add(1)
		go load(path, false)
	}
	wg.Wait()

	sort.Slice(res.Sessions, func(i, j int) bool {
		return res.Sessions[i].AgentID < res.Sessions[j].AgentID
	})
	propagate(res)
	return res, nil
}

// propagate links loaded transcripts back onto their invocations: a live
// runtime status wins over the parse-time one, and the invocation's
// parentUuid fills the gap when the transcript's first line lacks one.
func propagate(res *SubagentsResult) {
	byAgent := make(map[string]*session.Subagent, len(res.Invocations))
	for i := range res.Invocations {
		if id := res.Invocations[i].AgentID; id != "" {
			byAgent[id] = &res.Invocations[i]
		}
	}
	for i := range res.Sessions {
		sess := &res.Sessions[i]
		inv, ok := byAgent[sess.AgentID]
		if !ok {
			continue
		}
		switch sess.Status {
		case session.StatusCompleted, session.StatusError, session.StatusRunning:
			inv.Status = string(sess.Status)
		}
		if sess.ParentUUID == "" {
			sess.ParentUUID = inv.ParentUUID
		}
	}
}
