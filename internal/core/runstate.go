package core

import (
	"fmt"
	"sync"
	"time"
)

// =============================================================================
// RUN STATE
// =============================================================================

// NodeStatus is the terminal state of one node execution.
type NodeStatus string

const (
	NodeSucceeded NodeStatus = "succeeded"
	NodeFailed    NodeStatus = "failed"
	NodeTriggered NodeStatus = "triggered"
)

// NodeResult is the record written exactly once into RunState.results.
type NodeResult struct {
	NodeID     string                 `json:"node_id"`
	BlockID    string                 `json:"block_id"`
	Status     NodeStatus             `json:"status"`
	Output     map[string]interface{} `json:"output,omitempty"`
	Error      *Error                 `json:"-"`
	ErrorKind  string                 `json:"error_kind,omitempty"`
	ErrorText  string                 `json:"error,omitempty"`
	StartedAt  time.Time              `json:"started_at"`
	FinishedAt time.Time              `json:"finished_at"`
	Duration   time.Duration          `json:"duration"`
}

// Failed reports whether this result records a failure.
func (r *NodeResult) Failed() bool { return r.Status == NodeFailed }

// LogKind classifies run log records.
type LogKind string

const (
	LogStage  LogKind = "stage"
	LogNode   LogKind = "node"
	LogMemory LogKind = "memory"
)

// LogRecord is one ordered entry of the run log.
type LogRecord struct {
	Kind     LogKind       `json:"kind"`
	NodeID   string        `json:"node_id,omitempty"`
	Status   string        `json:"status"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	At       time.Time     `json:"at"`
}

// RunState is the per-execution state: results accumulate once per node,
// memory is a live snapshot visible to subsequent nodes, and the log
// records completion order. All mutation goes through the lock; the
// memory lock is separate so concurrent nodes cannot interleave partial
// memory updates while results are being written.
type RunState struct {
	PipelineID  string
	RunID       string
	UserID      string
	TriggerData map[string]interface{}

	mu      sync.RWMutex
	results map[string]*NodeResult
	user    map[string]interface{}
	log     []LogRecord

	memMu  sync.Mutex
	memory map[string]interface{}
}

// NewRunState creates run state for one execution.
func NewRunState(pipelineID, runID, userID string) *RunState {
	return &RunState{
		PipelineID: pipelineID,
		RunID:      runID,
		UserID:     userID,
		results:    make(map[string]*NodeResult),
		memory:     make(map[string]interface{}),
		user:       make(map[string]interface{}),
	}
}

// SetResult writes a node's result exactly once. A second write for the
// same node is a scheduler bug and is reported, not silently absorbed.
func (rs *RunState) SetResult(nodeID string, result *NodeResult) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if _, exists := rs.results[nodeID]; exists {
		return fmt.Errorf("result for node %s already written", nodeID)
	}
	if result.Error != nil {
		result.ErrorKind = result.Error.Kind.String()
		result.ErrorText = result.Error.Message
	}
	rs.results[nodeID] = result
	rs.log = append(rs.log, LogRecord{
		Kind:     LogNode,
		NodeID:   nodeID,
		Status:   string(result.Status),
		Error:    result.ErrorText,
		Duration: result.Duration,
		At:       time.Now(),
	})
	return nil
}

// Result returns a node's result, if written.
func (rs *RunState) Result(nodeID string) (*NodeResult, bool) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	r, ok := rs.results[nodeID]
	return r, ok
}

// Results returns a copy of the results map.
func (rs *RunState) Results() map[string]*NodeResult {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	out := make(map[string]*NodeResult, len(rs.results))
	for k, v := range rs.results {
		out[k] = v
	}
	return out
}

// Failed reports whether any node failed; the run's aggregate status is
// failed iff this is true.
func (rs *RunState) Failed() bool {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	for _, r := range rs.results {
		if r.Failed() {
			return true
		}
	}
	return false
}

// AppendLog adds a non-node record (stage transitions, memory lifecycle).
func (rs *RunState) AppendLog(rec LogRecord) {
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	rs.mu.Lock()
	rs.log = append(rs.log, rec)
	rs.mu.Unlock()
}

// Log returns a copy of the ordered log.
func (rs *RunState) Log() []LogRecord {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return append([]LogRecord(nil), rs.log...)
}

// SetUser installs the opaque per-user facts loaded once at run start.
func (rs *RunState) SetUser(user map[string]interface{}) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.user = user
}

// User returns the per-user facts.
func (rs *RunState) User() map[string]interface{} {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.user
}

// =============================================================================
// MEMORY (per-run lock)
// =============================================================================

// LoadMemory installs the start-of-run memory snapshot.
func (rs *RunState) LoadMemory(snapshot map[string]interface{}) {
	rs.memMu.Lock()
	defer rs.memMu.Unlock()
	rs.memory = make(map[string]interface{}, len(snapshot))
	for k, v := range snapshot {
		rs.memory[k] = v
	}
}

// MemoryGet reads one key from live memory.
func (rs *RunState) MemoryGet(key string) (interface{}, bool) {
	rs.memMu.Lock()
	defer rs.memMu.Unlock()
	v, ok := rs.memory[key]
	return v, ok
}

// MemorySet writes one key. Visible to all subsequent reads in the run.
func (rs *RunState) MemorySet(key string, value interface{}) {
	rs.memMu.Lock()
	defer rs.memMu.Unlock()
	rs.memory[key] = value
}

// MemoryMerge applies a batch of writes atomically with respect to other
// nodes. Used when a sandboxed block returns its mutated memory view.
func (rs *RunState) MemoryMerge(updates map[string]interface{}) {
	if len(updates) == 0 {
		return
	}
	rs.memMu.Lock()
	defer rs.memMu.Unlock()
	for k, v := range updates {
		rs.memory[k] = v
	}
}

// MemorySnapshot returns a copy of live memory.
func (rs *RunState) MemorySnapshot() map[string]interface{} {
	rs.memMu.Lock()
	defer rs.memMu.Unlock()
	out := make(map[string]interface{}, len(rs.memory))
	for k, v := range rs.memory {
		out[k] = v
	}
	return out
}
