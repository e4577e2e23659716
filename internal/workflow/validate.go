package workflow

import (
	"fmt"
	"strings"

	"github.com/nidhogg/flowline/internal/gate"
)

// Result is the outcome of structural validation. All failures are
// accumulated so a caller can report every problem at once.
type Result struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// Validate checks a spec for structural errors: missing required fields,
// duplicate node ids, dangling edge references, bad gate configs, and
// dependency cycles. A valid spec is guaranteed to have a topological
// execution order.
func Validate(s *Spec) Result {
	var errs []string

	if s.Name == "" {
		errs = append(errs, "workflow name is required")
	}
	if len(s.Nodes) == 0 {
		errs = append(errs, "workflow must declare at least one node")
	}
	if s.Entry == "" {
		errs = append(errs, "entry node reference is required")
	} else if _, ok := s.Node(s.Entry); !ok {
		errs = append(errs, fmt.Sprintf("entry node %q is not declared", s.Entry))
	}

	seen := make(map[string]bool, len(s.Nodes))
	for _, n := range s.Nodes {
		if n.ID == "" {
			errs = append(errs, "node with empty id")
			continue
		}
		if seen[n.ID] {
			errs = append(errs, fmt.Sprintf("duplicate node id %q", n.ID))
		}
		seen[n.ID] = true
		errs = append(errs, validateNode(s, &n)...)
	}

	for _, e := range s.Edges {
		if !seen[e.From] {
			errs = append(errs, fmt.Sprintf("edge references unknown source node %q", e.From))
		}
		if !seen[e.To] {
			errs = append(errs, fmt.Sprintf("edge references unknown target node %q", e.To))
		}
	}

	if s.Execution != nil {
		for _, msg := range gate.ValidateWindow(s.Execution.Schedule) {
			errs = append(errs, "workflow schedule: "+msg)
		}
		for _, msg := range gate.ValidateTick(s.Execution.Tick) {
			errs = append(errs, "workflow tick: "+msg)
		}
	}

	errs = append(errs, detectCycles(s)...)

	return Result{Valid: len(errs) == 0, Errors: errs}
}

func validateNode(s *Spec, n *Node) []string {
	var errs []string
	prefix := fmt.Sprintf("node %q: ", n.ID)

	switch n.Kind {
	case NodeAgent:
		if n.AgentRef == "" {
			errs = append(errs, prefix+"agent node requires agent_ref")
		}
	case NodeDialogue:
		if n.Dialogue == nil {
			errs = append(errs, prefix+"dialogue node requires a dialogue config")
			break
		}
		d := n.Dialogue
		switch d.Mode {
		case DialogueSequential:
			if len(d.Turns) == 0 {
				errs = append(errs, prefix+"sequential dialogue requires predefined turns")
			}
		case DialogueRoundRobin, DialogueDynamic:
			if d.MaxTurns <= 0 {
				errs = append(errs, prefix+fmt.Sprintf("%s dialogue requires max_turns", d.Mode))
			}
		default:
			errs = append(errs, prefix+fmt.Sprintf("unknown dialogue mode %q", d.Mode))
		}
		if len(d.Participants) == 0 {
			errs = append(errs, prefix+"dialogue requires at least one participant")
		}
	default:
		errs = append(errs, prefix+fmt.Sprintf("unknown node kind %q", n.Kind))
	}

	for _, msg := range gate.ValidateWindow(n.Schedule) {
		errs = append(errs, prefix+"schedule: "+msg)
	}
	for _, msg := range gate.ValidateTick(n.Tick) {
		errs = append(errs, prefix+"tick: "+msg)
	}
	if n.Retry != nil && n.Retry.MaxAttempts < 0 {
		errs = append(errs, prefix+"retry max_attempts must not be negative")
	}
	return errs
}

// detectCycles runs a depth-first traversal with a recursion stack over
// every connected component, so disconnected cyclic subgraphs are caught
// even when unreachable from the entry node.
func detectCycles(s *Spec) []string {
	adjacency := make(map[string][]string, len(s.Nodes))
	for _, e := range s.Edges {
		adjacency[e.From] = append(adjacency[e.From], e.To)
	}

	const (
		white = 0 // unvisited
		grey  = 1 // on the recursion stack
		black = 2 // fully explored
	)
	color := make(map[string]int, len(s.Nodes))
	var errs []string
	var path []string

	var visit func(id string)
	visit = func(id string) {
		color[id] = grey
		path = append(path, id)

		for _, next := range adjacency[id] {
			switch color[next] {
			case white:
				visit(next)
			case grey:
				// Found a back edge; report the cycle in traversal order.
				start := 0
				for i, p := range path {
					if p == next {
						start = i
						break
					}
				}
				cycle := append(append([]string{}, path[start:]...), next)
				errs = append(errs, "cycle detected: "+strings.Join(cycle, " -> "))
			}
		}

		path = path[:len(path)-1]
		color[id] = black
	}

	for _, n := range s.Nodes {
		if color[n.ID] == white {
			visit(n.ID)
		}
	}
	return errs
}
