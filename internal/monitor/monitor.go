// Package monitor mirrors a runner's live event stream into the execution
// store and watches agent processes for CPU activity. The runner itself is
// external; this package owns only the consuming side.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/lm-assist/backend/internal/executions"
	"github.com/lm-assist/backend/internal/jsonl"
)

// RunnerEvent is one raw record from a runner's stream, tagged with the
// execution it belongs to.
type RunnerEvent struct {
	ExecutionID string
	Raw         json.RawMessage
}

// DefaultCPUThreshold is the CPU percentage above which a process counts
// as busy.
const DefaultCPUThreshold = 5.0

// Options configure a Monitor.
type Options struct {
	PollInterval time.Duration // activity scan cadence; 0 disables the scan
	CPUThreshold float64       // busy threshold in percent; DefaultCPUThreshold when <= 0
}

// Monitor binds runner streams to the execution store and keeps the latest
// process activity scan.
type Monitor struct {
	store     *executions.Store
	threshold float64

	// Guards the CPU bookkeeping and the per-execution model table.
	mu       sync.Mutex
	prev     map[int32]cpuSample
	lastScan time.Time
	byDir    map[string]ProcessActivity
	models   map[string]string

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a Monitor. When PollInterval is positive the activity scan
// loop starts immediately.
func New(store *executions.Store, opts Options) *Monitor {
	if opts.CPUThreshold <= 0 {
		opts.CPUThreshold = DefaultCPUThreshold
	}
	m := &Monitor{
		store:     store,
		threshold: opts.CPUThreshold,
		prev:      make(map[int32]cpuSample),
		byDir:     make(map[string]ProcessActivity),
		models:    make(map[string]string),
		done:      make(chan struct{}),
	}
	if opts.PollInterval > 0 {
		go m.scanLoop(opts.PollInterval)
	}
	return m
}

// Close stops the activity scan loop.
func (m *Monitor) Close() {
	m.closeOnce.Do(func() { close(m.done) })
}

// Run consumes runner events until the channel closes or the context ends.
// Ingest failures are logged, never fatal: one malformed event must not
// stall the stream behind it.
func (m *Monitor) Run(ctx context.Context, events <-chan RunnerEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := m.Ingest(ev.ExecutionID, ev.Raw); err != nil {
				log.Printf("[monitor] ingest: %v", err)
			}
		}
	}
}

// Ingest applies one raw runner record to its execution: system/init binds
// the late Claude session id, result completes the execution, and every
// other kind is recorded as an event (the store derives output chunks
// itself).
func (m *Monitor) Ingest(executionID string, raw json.RawMessage) error {
	kind := gjson.GetBytes(raw, "type").String()
	if kind == "" {
		return fmt.Errorf("event without type for execution %s", executionID)
	}

	switch kind {
	case executions.KindSystem:
		if gjson.GetBytes(raw, "subtype").String() == "init" {
			if sid := streamSessionID(raw); sid != "" {
				if err := m.store.UpdateClaudeSessionID(executionID, sid); err != nil {
					return err
				}
			}
			if model := gjson.GetBytes(raw, "model").String(); model != "" {
				m.mu.Lock()
				m.models[executionID] = model
				m.mu.Unlock()
			}
		}
		_, err := m.store.RecordEvent(executionID, executions.KindSystem, raw)
		return err

	case executions.KindResult:
		if _, err := m.store.RecordEvent(executionID, executions.KindResult, raw); err != nil {
			return err
		}
		req := completionFrom(raw)
		m.mu.Lock()
		req.Model = m.models[executionID]
		delete(m.models, executionID)
		m.mu.Unlock()
		_, err := m.store.Complete(executionID, req)
		return err

	default:
		_, err := m.store.RecordEvent(executionID, kind, raw)
		return err
	}
}

// streamSessionID reads the session id off an init record; the runner
// spells it snake_case, older builds camelCase.
func streamSessionID(raw json.RawMessage) string {
	if sid := gjson.GetBytes(raw, "session_id").String(); sid != "" {
		return sid
	}
	return gjson.GetBytes(raw, "sessionId").String()
}

// completionFrom maps a result record onto the store's completion request.
// Error results carry their text in the result field, so it lands on Error
// rather than Output.
func completionFrom(raw json.RawMessage) executions.CompleteRequest {
	req := executions.CompleteRequest{
		CostUSD: gjson.GetBytes(raw, "total_cost_usd").Float(),
	}

	text := gjson.GetBytes(raw, "result").String()
	subtype := gjson.GetBytes(raw, "subtype").String()
	if gjson.GetBytes(raw, "is_error").Bool() || strings.HasPrefix(subtype, "error") {
		req.Status = executions.StatusFailed
		req.Error = text
		if req.Error == "" {
			req.Error = subtype
		}
	} else {
		req.Status = executions.StatusCompleted
		req.Output = text
	}

	if u := gjson.GetBytes(raw, "usage"); u.IsObject() {
		var usage jsonl.Usage
		if err := json.Unmarshal([]byte(u.Raw), &usage); err == nil {
			req.Usage = &usage
		}
	}
	return req
}
