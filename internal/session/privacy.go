package session

import (
	"crypto/sha256"
	"fmt"
	"path/filepath"
)

// PrivacyFilter masks identifying fields and filters payloads by working
// directory before anything is pushed to clients. The zero value is a no-op
// filter. The filter exposes primitive maskers; each broadcast layer applies
// them to its own payload types.
type PrivacyFilter struct {
	MaskWorkingDirs bool
	MaskSessionIDs  bool
	MaskPIDs        bool
	AllowedPaths    []string
	BlockedPaths    []string
}

// IsAllowed reports whether a payload tied to the given working directory
// may be broadcast. An empty working directory is always allowed (the
// session hasn't resolved its path yet). When AllowedPaths is non-empty the
// path must match at least one pattern, and it must never match a
// BlockedPaths pattern.
func (f *PrivacyFilter) IsAllowed(workingDir string) bool {
	if workingDir == "" {
		return true
	}

	if len(f.AllowedPaths) > 0 {
		allowed := false
		for _, pattern := range f.AllowedPaths {
			if matchPathOrParent(pattern, workingDir) {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	for _, pattern := range f.BlockedPaths {
		if matchPathOrParent(pattern, workingDir) {
			return false
		}
	}

	return true
}

// matchPathOrParent checks if pattern matches path or any of its parent
// directories. This allows patterns like "/home/user/*" to match deeply
// nested paths like "/home/user/work/project-a" because the parent
// "/home/user/work" matches the glob.
func matchPathOrParent(pattern, path string) bool {
	for p := path; p != "." && p != "" && p != filepath.Dir(p); p = filepath.Dir(p) {
		if matched, _ := filepath.Match(pattern, p); matched {
			return true
		}
	}
	return false
}

// MaskPath reduces a filesystem path to its final element when working
// directories are masked.
func (f *PrivacyFilter) MaskPath(path string) string {
	if !f.MaskWorkingDirs || path == "" {
		return path
	}
	return filepath.Base(path)
}

// MaskID replaces an identifier with a short stable hash when session ids
// are masked. The hash is deterministic so clients can still correlate
// payloads belonging to one session.
func (f *PrivacyFilter) MaskID(id string) string {
	if !f.MaskSessionIDs || id == "" {
		return id
	}
	return shortHash(id)
}

// MaskPID zeroes process ids when they are masked.
func (f *PrivacyFilter) MaskPID(pid int32) int32 {
	if !f.MaskPIDs {
		return pid
	}
	return 0
}

// IsNoop reports whether the filter does nothing (no masking, no path
// filtering).
func (f *PrivacyFilter) IsNoop() bool {
	return !f.MaskWorkingDirs && !f.MaskSessionIDs && !f.MaskPIDs &&
		len(f.AllowedPaths) == 0 && len(f.BlockedPaths) == 0
}

// shortHash returns a truncated SHA-256 hex digest for an opaque identifier.
func shortHash(s string) string {
	h := sha256.Sum256([]byte(s))
	return fmt.Sprintf("%x", h[:6])
}
