package session

import "time"

// Idle thresholds for the status classification.
const (
	runningWindow = 60 * time.Second
	idleWindow    = 10 * time.Minute
)

// ClassifyStatus derives the lifecycle state of a session from file
// evidence: the parsed view, the file's mtime and the wall clock. Nothing is
// stored; calling again with fresher evidence may move the state, except
// that a result record pins it.
func ClassifyStatus(v *View, mtime time.Time, now time.Time) Status {
	if v.Completed {
		if len(v.Errors) > 0 {
			return StatusError
		}
		if v.Success {
			return StatusCompleted
		}
	}

	last := v.LastTimestamp
	if mtime.After(last) {
		last = mtime
	}
	idle := now.Sub(last)

	if idle < runningWindow {
		return StatusRunning
	}

	switch v.LastMessageRole {
	case "assistant":
		if idle >= idleWindow {
			return StatusCompleted
		}
	case "user":
		if !v.AssistantSeen || idle >= idleWindow {
			return StatusInterrupted
		}
	}

	if idle < idleWindow {
		return StatusIdle
	}
	return StatusStale
}
