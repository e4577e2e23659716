// Package workflow defines the declarative workflow graph model and its
// structural validation. A Spec is immutable once validated; execution
// state lives in the engine package.
package workflow

import (
	"github.com/nidhogg/flowline/internal/gate"
)

// NodeKind selects the executor for a node.
type NodeKind string

const (
	NodeAgent    NodeKind = "agent"
	NodeDialogue NodeKind = "dialogue"
)

// DialogueMode selects the turn-taking strategy of a dialogue node.
type DialogueMode string

const (
	DialogueSequential DialogueMode = "sequential"
	DialogueRoundRobin DialogueMode = "round-robin"
	DialogueDynamic    DialogueMode = "dynamic"
)

// Spec is a declarative workflow graph. BudgetCeiling is opaque to the
// engine and passed through to the budget ledger.
type Spec struct {
	ID            string           `json:"id"`
	Name          string           `json:"name"`
	Nodes         []Node           `json:"nodes"`
	Edges         []Edge           `json:"edges,omitempty"`
	Entry         string           `json:"entry"`
	Execution     *ExecutionConfig `json:"execution,omitempty"`
	BudgetCeiling string           `json:"budget_ceiling,omitempty"`
}

// ExecutionConfig carries workflow-level execution settings. Node-level
// schedule and tick settings override these.
type ExecutionConfig struct {
	Mode        string           `json:"mode,omitempty"` // "auto" | "manual"
	Schedule    *gate.Window     `json:"schedule,omitempty"`
	Tick        *gate.TickConfig `json:"tick,omitempty"`
	MaxParallel int              `json:"max_parallel,omitempty"`
}

// Node is a single unit of work: one external agent call, or a dialogue.
type Node struct {
	ID        string            `json:"id"`
	Kind      NodeKind          `json:"kind"`
	AgentRef  string            `json:"agent_ref,omitempty"`
	Inputs    map[string]string `json:"inputs,omitempty"` // name -> template
	Retry     *RetryPolicy      `json:"retry,omitempty"`
	Condition string            `json:"condition,omitempty"` // template, skip node unless truthy
	Schedule  *gate.Window      `json:"schedule,omitempty"`
	Tick      *gate.TickConfig  `json:"tick,omitempty"`
	Dialogue  *DialogueConfig   `json:"dialogue,omitempty"`
}

// Edge is a directed dependency between two nodes, optionally gated by a
// condition template evaluated against the run context.
type Edge struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Condition string `json:"condition,omitempty"`
}

// RetryPolicy bounds per-node retries on invocation failure.
type RetryPolicy struct {
	MaxAttempts int   `json:"max_attempts"`
	BackoffMs   int64 `json:"backoff_ms,omitempty"`
}

// DialogueConfig describes a multi-turn conversation among agents.
type DialogueConfig struct {
	Mode         DialogueMode `json:"mode"`
	Participants []string     `json:"participants"` // agent refs, ordered
	Turns        []Turn       `json:"turns,omitempty"`
	MaxTurns     int          `json:"max_turns,omitempty"`
	EndCondition string       `json:"end_condition,omitempty"` // template, stop when truthy
}

// Turn is a predefined contribution in a sequential dialogue.
type Turn struct {
	ID      string `json:"id,omitempty"`
	Speaker string `json:"speaker"` // agent ref
	Prompt  string `json:"prompt"`  // template
}

// Node returns the node with the given id.
func (s *Spec) Node(id string) (*Node, bool) {
	for i := range s.Nodes {
		if s.Nodes[i].ID == id {
			return &s.Nodes[i], true
		}
	}
	return nil, false
}

// Normalize folds convenience fields into their canonical form. Called
// once before validation.
func (s *Spec) Normalize() {
	if s.Execution != nil {
		s.Execution.Tick.Normalize()
	}
	for i := range s.Nodes {
		s.Nodes[i].Tick.Normalize()
	}
}

// EffectiveSchedule returns the node's window, falling back to the
// workflow-level one.
func (s *Spec) EffectiveSchedule(n *Node) *gate.Window {
	if n.Schedule != nil {
		return n.Schedule
	}
	if s.Execution != nil {
		return s.Execution.Schedule
	}
	return nil
}

// EffectiveTick returns the node's tick config, falling back to the
// workflow-level one.
func (s *Spec) EffectiveTick(n *Node) *gate.TickConfig {
	if n.Tick != nil {
		return n.Tick
	}
	if s.Execution != nil {
		return s.Execution.Tick
	}
	return nil
}
