// Package paths resolves session ids and working directories to the files
// the agent CLI writes under its home directory.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/lm-assist/backend/internal/session"
)

// Resolver locates session files under one agent home directory. Tests point
// Home at a temp dir.
type Resolver struct {
	Home string
}

// NewResolver builds a resolver rooted at home. An empty home falls back to
// $CLAUDE_HOME, then ~/.claude.
func NewResolver(home string) (*Resolver, error) {
	if home == "" {
		home = os.Getenv("CLAUDE_HOME")
	}
	if home == "" {
		userHome, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolving home dir: %w", err)
		}
		home = filepath.Join(userHome, ".claude")
	}
	return &Resolver{Home: home}, nil
}

// ProjectsRoot is the directory holding one subdirectory per project.
func (r *Resolver) ProjectsRoot() string {
	return filepath.Join(r.Home, "projects")
}

// TaskDir is where the agent writes external task files for a session, when
// it writes any.
func (r *Resolver) TaskDir(sessionID string) string {
	return filepath.Join(r.Home, "tasks", sessionID)
}

// StateDir is where derived state for a project is persisted. This lives
// inside the project itself, not under the agent home, so the state travels
// with the checkout.
func StateDir(projectPath string) string {
	return filepath.Join(projectPath, ".lm-assist")
}

// EncodeProjectPath converts a working directory to the directory name the
// agent uses under the projects root. The encoding is lossy: it lowercases
// and flattens every path separator to a dash, so it can never be decoded
// with certainty. The cwd field inside session records is the authoritative
// reverse mapping.
func EncodeProjectPath(path string) string {
	clean := filepath.Clean(path)
	return strings.ToLower(strings.ReplaceAll(clean, "/", "-"))
}

// DecodeProjectPath makes a best-effort recovery of the working directory
// from an encoded project key by probing the filesystem: first all dashes as
// separators, then progressively keeping right-hand dashes literal.
func DecodeProjectPath(encoded string) string {
	if strings.HasPrefix(encoded, "-") {
		candidate := strings.ReplaceAll(encoded, "-", "/")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}

		parts := strings.Split(encoded[1:], "-")
		for numSlashes := len(parts) - 1; numSlashes > 0; numSlashes-- {
			candidate := "/" + strings.Join(parts[:numSlashes], "/")
			if numSlashes < len(parts) {
				candidate = candidate + "/" + strings.Join(parts[numSlashes:], "-")
			}
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
		}
		return strings.ReplaceAll(encoded, "-", "/")
	}
	return encoded
}

// ProjectDir maps a working directory to its directory under the projects
// root.
func (r *Resolver) ProjectDir(projectPath string) string {
	return filepath.Join(r.ProjectsRoot(), EncodeProjectPath(projectPath))
}

// SessionFile is the main transcript path for a session inside a project
// directory.
func SessionFile(projectDir, sessionID string) string {
	return filepath.Join(projectDir, sessionID+".jsonl")
}

// SessionIDFromPath recovers the session id from a transcript path.
func SessionIDFromPath(path string) string {
	return strings.TrimSuffix(filepath.Base(path), ".jsonl")
}

// ListProjectDirs returns every project directory under the projects root.
func (r *Resolver) ListProjectDirs() ([]string, error) {
	root := r.ProjectsRoot()
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading projects root %s: %w", root, err)
	}
	var dirs []string
	for _, entry := range entries {
		if entry.IsDir() {
			dirs = append(dirs, filepath.Join(root, entry.Name()))
		}
	}
	return dirs, nil
}

// ListSessionFiles returns the top-level transcripts in one project
// directory. Agent files are excluded; sessions nest those separately.
func ListSessionFiles(projectDir string) ([]string, error) {
	entries, err := os.ReadDir(projectDir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		if strings.HasPrefix(name, "agent-") {
			continue
		}
		files = append(files, filepath.Join(projectDir, name))
	}
	return files, nil
}

// FindSessionFile resolves a session id to its transcript path. When cwd is
// known the lookup is direct; otherwise every project directory is scanned.
// Subagent layouts are checked last. Returns session.ErrNotFound when
// nothing matches.
func (r *Resolver) FindSessionFile(sessionID, cwd string) (string, error) {
	if cwd != "" {
		if path := r.probeProjectDir(r.ProjectDir(cwd), sessionID); path != "" {
			return path, nil
		}
	}

	dirs, err := r.ListProjectDirs()
	if err != nil {
		return "", err
	}
	for _, dir := range dirs {
		if path := r.probeProjectDir(dir, sessionID); path != "" {
			return path, nil
		}
	}
	return "", fmt.Errorf("session %s: %w", sessionID, session.ErrNotFound)
}

func (r *Resolver) probeProjectDir(projectDir, sessionID string) string {
	candidates := []string{
		SessionFile(projectDir, sessionID),
		filepath.Join(projectDir, "agent-"+sessionID+".jsonl"),
	}
	for _, path := range candidates {
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path
		}
	}

	// Nested subagent layout: {projectDir}/{parentSessionId}/subagents/.
	for _, pattern := range []string{
		filepath.Join(projectDir, "*", "subagents", sessionID+".jsonl"),
		filepath.Join(projectDir, "*", "subagents", "agent-"+sessionID+".jsonl"),
	} {
		if matches, err := filepath.Glob(pattern); err == nil && len(matches) > 0 {
			return matches[0]
		}
	}
	return ""
}

// AgentFiles lists subagent transcripts for a session. Direct files sit in
// the project directory and may belong to any session there; the caller
// filters them by the sessionId on their first line. Nested files under
// {projectDir}/{sessionID}/subagents/ belong to the session by construction.
func AgentFiles(projectDir, sessionID string) (direct, nested []string, err error) {
	entries, err := os.ReadDir(projectDir)
	if err != nil {
		return nil, nil, err
	}
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() && strings.HasPrefix(name, "agent-") && strings.HasSuffix(name, ".jsonl") {
			direct = append(direct, filepath.Join(projectDir, name))
		}
	}

	subDir := filepath.Join(projectDir, sessionID, "subagents")
	subEntries, err := os.ReadDir(subDir)
	if err != nil {
		if os.IsNotExist(err) {
			return direct, nil, nil
		}
		return direct, nil, err
	}
	for _, entry := range subEntries {
		name := entry.Name()
		if !entry.IsDir() && strings.HasSuffix(name, ".jsonl") {
			nested = append(nested, filepath.Join(subDir, name))
		}
	}
	return direct, nested, nil
}

// AgentIDFromPath recovers the agent id from an agent transcript path.
func AgentIDFromPath(path string) string {
	base := strings.TrimSuffix(filepath.Base(path), ".jsonl")
	return strings.TrimPrefix(base, "agent-")
}
