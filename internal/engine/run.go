// Package engine drives validated workflow graphs to a terminal state:
// it schedules nodes whose dependencies are satisfied, gates them by
// schedule window and tick budget, executes agent and dialogue nodes,
// and aggregates their results into a WorkflowRun.
package engine

import (
	"strconv"
	"time"
)

// RunStatus tracks a workflow run's lifecycle.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// NodeStatus tracks a single node's execution state within a run.
type NodeStatus string

const (
	NodePending   NodeStatus = "pending"
	NodeRunning   NodeStatus = "running"
	NodeCompleted NodeStatus = "completed"
	NodeFailed    NodeStatus = "failed"
	NodeSkipped   NodeStatus = "skipped"
)

// Terminal reports whether the node status is final.
func (s NodeStatus) Terminal() bool {
	return s == NodeCompleted || s == NodeFailed || s == NodeSkipped
}

// Skip reasons. A false-condition skip is success-like and does not
// block the run from completing; an upstream-failure skip does.
const (
	SkipConditionFalse = "condition_false"
	SkipUpstreamFailed = "upstream_failed"
)

// Run is one execution attempt of a workflow. It exclusively owns the
// NodeRuns it creates.
type Run struct {
	ID         string              `json:"id"`
	WorkflowID string              `json:"workflow_id"`
	Status     RunStatus           `json:"status"`
	Inputs     map[string]any      `json:"inputs,omitempty"`
	NodeRuns   map[string]*NodeRun `json:"node_runs"`
	Outputs    map[string]any      `json:"outputs,omitempty"`
	Cost       float64             `json:"cost"`
	Error      string              `json:"error,omitempty"`
	CreatedAt  time.Time           `json:"created_at"`
	StartedAt  *time.Time          `json:"started_at,omitempty"`
	EndedAt    *time.Time          `json:"ended_at,omitempty"`
}

// NodeRun records one node's execution. It is mutated only by the node's
// own executor and never touched after reaching a terminal status.
type NodeRun struct {
	NodeID         string            `json:"node_id"`
	Status         NodeStatus        `json:"status"`
	ResolvedInputs map[string]string `json:"resolved_inputs,omitempty"`
	Output         any               `json:"output,omitempty"`
	Cost           float64           `json:"cost"`
	RetryCount     int               `json:"retry_count"`
	SkipReason     string            `json:"skip_reason,omitempty"`
	Error          string            `json:"error,omitempty"`
	StartedAt      *time.Time        `json:"started_at,omitempty"`
	EndedAt        *time.Time        `json:"ended_at,omitempty"`
	Logs           []string          `json:"logs,omitempty"`
}

// succeeded reports whether the node run unblocks its dependents.
func (nr *NodeRun) succeeded() bool {
	return nr.Status == NodeCompleted ||
		(nr.Status == NodeSkipped && nr.SkipReason == SkipConditionFalse)
}

// Progress is a read-only snapshot of a run, polled by callers.
type Progress struct {
	RunID            string         `json:"run_id"`
	Status           RunStatus      `json:"status"`
	CompletedNodeIDs []string       `json:"completed_node_ids"`
	CurrentNodeIDs   []string       `json:"current_node_ids,omitempty"`
	Outputs          map[string]any `json:"outputs,omitempty"`
	Cost             float64        `json:"cost"`
	Error            string         `json:"error,omitempty"`
}

// DialogueTurnResult is one participant's contribution in a dialogue.
type DialogueTurnResult struct {
	TurnID         string    `json:"turn_id"`
	Speaker        string    `json:"speaker"`
	ResolvedPrompt string    `json:"resolved_prompt"`
	Response       string    `json:"response"`
	Timestamp      time.Time `json:"timestamp"`
	Cost           string    `json:"cost,omitempty"`
}

// DialogueSummary aggregates a finished dialogue.
type DialogueSummary struct {
	TurnCount    int       `json:"turn_count"`
	Participants []string  `json:"participants"`
	StartedAt    time.Time `json:"started_at"`
	EndedAt      time.Time `json:"ended_at"`
}

// parseCost reads a decimal cost string; unparsable values count as zero.
func parseCost(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

// truthy implements condition evaluation: a resolved template is truthy
// only when it reads "true", "True" or "TRUE".
func truthy(s string) bool {
	switch s {
	case "true", "True", "TRUE":
		return true
	}
	return false
}
