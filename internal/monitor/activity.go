package monitor

import (
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/lm-assist/backend/internal/session"
)

// ProcessActivity is one agent process observed during a scan. When several
// processes share a working directory only the busiest is kept.
type ProcessActivity struct {
	PID        int32     `json:"pid"`
	WorkingDir string    `json:"workingDir"`
	Command    string    `json:"command,omitempty"`
	CPUPercent float64   `json:"cpuPercent"`
	StartedAt  time.Time `json:"startedAt,omitempty"`
	Busy       bool      `json:"busy"`
}

// cpuSample is the cumulative CPU reading for one PID at one scan.
type cpuSample struct {
	total float64 // user+system seconds
	at    time.Time
}

// procSnap is the raw reading for one process in one scan.
type procSnap struct {
	pid      int32
	cwd      string
	command  string
	cpuTotal float64
	started  time.Time
}

func (m *Monitor) scanLoop(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-t.C:
			m.scan(listAgentProcesses(), time.Now())
		}
	}
}

// scan folds one round of process snapshots into the activity table.
func (m *Monitor) scan(snaps []procSnap, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acts, next := computeActivity(snaps, m.prev, m.lastScan, now, m.threshold)
	m.prev = next
	m.lastScan = now

	byDir := make(map[string]ProcessActivity, len(acts))
	for _, a := range acts {
		if cur, ok := byDir[a.WorkingDir]; !ok || a.CPUPercent > cur.CPUPercent {
			byDir[a.WorkingDir] = a
		}
	}
	m.byDir = byDir
}

// computeActivity derives per-process CPU percentages from consecutive
// cumulative samples. A PID seen for the first time reports zero; the next
// scan has a delta. PIDs that disappeared fall out of the sample table.
func computeActivity(snaps []procSnap, prev map[int32]cpuSample, lastScan, now time.Time, threshold float64) ([]ProcessActivity, map[int32]cpuSample) {
	next := make(map[int32]cpuSample, len(snaps))
	elapsed := now.Sub(lastScan).Seconds()

	out := make([]ProcessActivity, 0, len(snaps))
	for _, s := range snaps {
		next[s.pid] = cpuSample{total: s.cpuTotal, at: now}

		a := ProcessActivity{
			PID:        s.pid,
			WorkingDir: s.cwd,
			Command:    s.command,
			StartedAt:  s.started,
		}
		if p, ok := prev[s.pid]; ok && !lastScan.IsZero() && elapsed > 0 && s.cpuTotal >= p.total {
			a.CPUPercent = (s.cpuTotal - p.total) / elapsed * 100
		}
		a.Busy = a.CPUPercent >= threshold
		out = append(out, a)
	}
	return out, next
}

// listAgentProcesses enumerates running agent CLI processes. Processes
// rooted inside the agent's own home (hooks, helpers) are skipped.
func listAgentProcesses() []procSnap {
	procs, err := process.Processes()
	if err != nil {
		log.Printf("[monitor] listing processes: %v", err)
		return nil
	}

	home, _ := os.UserHomeDir()
	claudeDir := filepath.Join(home, ".claude")

	var out []procSnap
	for _, p := range procs {
		args, err := p.CmdlineSlice()
		if err != nil || len(args) == 0 {
			continue
		}
		if !isAgentCommand(args) {
			continue
		}
		cwd, err := p.Cwd()
		if err != nil || cwd == "" {
			continue
		}
		if cwd == claudeDir || strings.HasPrefix(cwd, claudeDir+string(os.PathSeparator)) {
			continue
		}

		snap := procSnap{pid: p.Pid, cwd: cwd, command: strings.Join(args, " ")}
		if ts, err := p.Times(); err == nil {
			snap.cpuTotal = ts.User + ts.System
		}
		if ms, err := p.CreateTime(); err == nil {
			snap.started = time.UnixMilli(ms)
		}
		out = append(out, snap)
	}
	return out
}

// isAgentCommand matches the main agent CLI process, not subprocesses it
// spawns.
func isAgentCommand(args []string) bool {
	exe := filepath.Base(args[0])
	if exe == "claude" || exe == "claude-code" {
		return true
	}
	if exe == "node" {
		for _, a := range args[1:] {
			if strings.Contains(a, "claude") && !strings.Contains(a, "node_modules/.bin") {
				return true
			}
		}
	}
	return false
}

// Activity returns the latest scan, one entry per working directory,
// sorted by directory.
func (m *Monitor) Activity() []ProcessActivity {
	m.mu.Lock()
	out := make([]ProcessActivity, 0, len(m.byDir))
	for _, a := range m.byDir {
		out = append(out, a)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].WorkingDir < out[j].WorkingDir })
	return out
}

// BusyIn reports whether a busy agent process has dir as its working
// directory.
func (m *Monitor) BusyIn(dir string) bool {
	m.mu.Lock()
	a, ok := m.byDir[dir]
	m.mu.Unlock()
	return ok && a.Busy
}

// ConfirmStatus upgrades idle or stale file evidence to running when a busy
// agent process sits in the session's working directory. File evidence is
// never downgraded and terminal states never change.
func (m *Monitor) ConfirmStatus(st session.Status, workingDir string) session.Status {
	if st != session.StatusIdle && st != session.StatusStale {
		return st
	}
	if workingDir == "" {
		return st
	}
	if m.BusyIn(workingDir) {
		return session.StatusRunning
	}
	return st
}
