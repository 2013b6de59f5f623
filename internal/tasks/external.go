package tasks

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// externalTask is the on-disk shape of one agent task file. Newer agent
// versions write string ids, older ones wrote numbers.
type externalTask struct {
	ID          flexibleID     `json:"id"`
	Subject     string         `json:"subject"`
	Description string         `json:"description,omitempty"`
	Status      string         `json:"status"`
	Owner       string         `json:"owner,omitempty"`
	Blocks      []string       `json:"blocks,omitempty"`
	BlockedBy   []string       `json:"blockedBy,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type flexibleID string

func (f *flexibleID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexibleID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		*f = flexibleID(n.String())
		return nil
	}
	return fmt.Errorf("tasks: id is neither string nor number: %s", data)
}

// loadExternalTasks reads every *.json task file in a session's task dir.
// A missing dir just means the agent never wrote external tasks. Files
// that fail to parse are logged and skipped; the id falls back to the
// file name when the body omits it.
func loadExternalTasks(dir string) []*externalTask {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("[tasks] reading task dir %s: %v", dir, err)
		}
		return nil
	}

	var out []*externalTask
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, ent.Name()))
		if err != nil {
			log.Printf("[tasks] reading %s: %v", ent.Name(), err)
			continue
		}
		var t externalTask
		if err := json.Unmarshal(data, &t); err != nil {
			log.Printf("[tasks] skipping %s: %v", ent.Name(), err)
			continue
		}
		if t.ID == "" {
			t.ID = flexibleID(strings.TrimSuffix(ent.Name(), ".json"))
		}
		out = append(out, &t)
	}
	sort.Slice(out, func(i, j int) bool { return byRawID(string(out[i].ID), string(out[j].ID)) })
	return out
}

// statExternal fingerprints a task dir: how many task files it holds and
// the newest mtime among them. Part of the session scan state.
func statExternal(dir string) (count int, latest time.Time) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, time.Time{}
	}
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".json") {
			continue
		}
		count++
		if info, err := ent.Info(); err == nil && info.ModTime().After(latest) {
			latest = info.ModTime()
		}
	}
	return count, latest
}
