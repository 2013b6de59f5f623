package aggregate

import (
	"os"
	"time"

	"github.com/lm-assist/backend/internal/paths"
)

// ChangeCheckRequest is one session the client already holds. Nil known
// values mean the client has no baseline, which always reads as changed.
type ChangeCheckRequest struct {
	SessionID       string `json:"sessionId"`
	KnownFileSize   *int64 `json:"knownFileSize,omitempty"`
	KnownAgentCount *int   `json:"knownAgentCount,omitempty"`
}

// ChangeCheckResult answers one request. File size doubles as the change
// cursor: the files are append-only, so growth is the change signal and no
// line needs to be read. LineCount repeats the size for older clients that
// still compare it.
type ChangeCheckResult struct {
	SessionID     string    `json:"sessionId"`
	Exists        bool      `json:"exists"`
	LineCount     int64     `json:"lineCount"`
	FileSize      int64     `json:"fileSize"`
	ChangeCursor  int64     `json:"changeCursor"`
	AgentIDs      []string  `json:"agentIds,omitempty"`
	LastModified  time.Time `json:"lastModified,omitempty"`
	Changed       bool      `json:"changed"`
	AgentsChanged bool      `json:"agentsChanged"`
}

// ListCheckRequest carries the client's view of the whole session list.
type ListCheckRequest struct {
	KnownTotalSessions int       `json:"knownTotalSessions"`
	KnownLastModified  time.Time `json:"knownLastModified,omitempty"`
}

// ListCheckResult reports whether the list moved; Sessions is populated
// only when it did.
type ListCheckResult struct {
	TotalSessions int              `json:"totalSessions"`
	LastModified  time.Time        `json:"lastModified,omitempty"`
	Changed       bool             `json:"changed"`
	Sessions      []SessionSummary `json:"sessions,omitempty"`
}

// BatchCheckResult is the combined response.
type BatchCheckResult struct {
	Sessions []ChangeCheckResult `json:"sessions"`
	List     *ListCheckResult    `json:"list,omitempty"`
}

// BatchChangeCheck stats many sessions in one call so polling clients can
// skip full reads. Missing sessions come back with exists=false instead of
// failing the batch.
func (s *Service) BatchChangeCheck(projectPath string, reqs []ChangeCheckRequest, list *ListCheckRequest) (*BatchCheckResult, error) {
	projectDir := s.res.ProjectDir(projectPath)
	agents := newAgentIndex(projectDir)

	out := &BatchCheckResult{Sessions: make([]ChangeCheckResult, 0, len(reqs))}
	for _, req := range reqs {
		out.Sessions = append(out.Sessions, s.checkOne(projectDir, req, agents))
	}

	if list != nil {
		lc, err := s.checkList(projectPath, projectDir, *list)
		if err != nil {
			return nil, err
		}
		out.List = lc
	}
	return out, nil
}

func (s *Service) checkOne(projectDir string, req ChangeCheckRequest, agents *agentIndex) ChangeCheckResult {
	res := ChangeCheckResult{SessionID: req.SessionID}

	st, err := os.Stat(paths.SessionFile(projectDir, req.SessionID))
	if err != nil {
		return res
	}
	res.Exists = true
	res.FileSize = st.Size()
	res.LineCount = st.Size()
	res.ChangeCursor = st.Size()
	res.LastModified = st.ModTime()
	res.AgentIDs = agents.idsFor(req.SessionID)

	res.Changed = req.KnownFileSize == nil || *req.KnownFileSize != res.FileSize
	res.AgentsChanged = req.KnownAgentCount == nil || *req.KnownAgentCount != len(res.AgentIDs)
	return res
}

func (s *Service) checkList(projectPath, projectDir string, req ListCheckRequest) (*ListCheckResult, error) {
	files, err := paths.ListSessionFiles(projectDir)
	if err != nil {
		if os.IsNotExist(err) {
			return &ListCheckResult{Changed: req.KnownTotalSessions != 0}, nil
		}
		return nil, err
	}

	res := &ListCheckResult{TotalSessions: len(files)}
	for _, path := range files {
		if st, err := os.Stat(path); err == nil && st.ModTime().After(res.LastModified) {
			res.LastModified = st.ModTime()
		}
	}

	res.Changed = res.TotalSessions != req.KnownTotalSessions ||
		res.LastModified.After(req.KnownLastModified)
	if res.Changed {
		sessions, err := s.ListSessions(projectPath)
		if err != nil {
			return nil, err
		}
		res.Sessions = sessions
	}
	return res, nil
}
