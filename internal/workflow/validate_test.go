package workflow

import (
	"strings"
	"testing"

	"github.com/nidhogg/flowline/internal/gate"
)

func agentNode(id string) Node {
	return Node{ID: id, Kind: NodeAgent, AgentRef: id + "-agent"}
}

func linearSpec(ids ...string) *Spec {
	s := &Spec{ID: "wf-1", Name: "linear", Entry: ids[0]}
	for _, id := range ids {
		s.Nodes = append(s.Nodes, agentNode(id))
	}
	for i := 0; i+1 < len(ids); i++ {
		s.Edges = append(s.Edges, Edge{From: ids[i], To: ids[i+1]})
	}
	return s
}

func TestValidateLinearGraph(t *testing.T) {
	res := Validate(linearSpec("A", "B", "C"))
	if !res.Valid {
		t.Fatalf("expected valid, got errors: %v", res.Errors)
	}
}

func TestValidateMissingRequiredFields(t *testing.T) {
	res := Validate(&Spec{})
	if res.Valid {
		t.Fatal("empty spec should be invalid")
	}
	want := []string{"name", "at least one node", "entry"}
	for _, w := range want {
		found := false
		for _, e := range res.Errors {
			if strings.Contains(e, w) {
				found = true
			}
		}
		if !found {
			t.Errorf("expected an error mentioning %q, got %v", w, res.Errors)
		}
	}
}

func TestValidateDuplicateNodeIDs(t *testing.T) {
	s := linearSpec("A", "B")
	s.Nodes = append(s.Nodes, agentNode("A"))
	res := Validate(s)
	if res.Valid {
		t.Fatal("duplicate ids should be invalid")
	}
	if !containsSubstring(res.Errors, `duplicate node id "A"`) {
		t.Errorf("expected duplicate id error, got %v", res.Errors)
	}
}

func TestValidateDanglingEdges(t *testing.T) {
	s := linearSpec("A", "B")
	s.Edges = append(s.Edges, Edge{From: "B", To: "ghost"}, Edge{From: "phantom", To: "A"})
	res := Validate(s)
	if res.Valid {
		t.Fatal("dangling edges should be invalid")
	}
	if !containsSubstring(res.Errors, `unknown target node "ghost"`) {
		t.Errorf("expected dangling target error, got %v", res.Errors)
	}
	if !containsSubstring(res.Errors, `unknown source node "phantom"`) {
		t.Errorf("expected dangling source error, got %v", res.Errors)
	}
}

func TestValidateCycle(t *testing.T) {
	s := linearSpec("A", "B", "C")
	s.Edges = append(s.Edges, Edge{From: "C", To: "A"})
	res := Validate(s)
	if res.Valid {
		t.Fatal("cyclic graph should be invalid")
	}
	found := ""
	for _, e := range res.Errors {
		if strings.Contains(e, "cycle detected") {
			found = e
		}
	}
	if found == "" {
		t.Fatalf("expected a cycle error, got %v", res.Errors)
	}
	if !strings.Contains(found, "A -> B -> C -> A") {
		t.Errorf("cycle error should list the path in traversal order, got %q", found)
	}
}

func TestValidateDisconnectedCycle(t *testing.T) {
	// Entry component is clean; a disconnected pair forms a cycle.
	s := linearSpec("A", "B")
	s.Nodes = append(s.Nodes, agentNode("X"), agentNode("Y"))
	s.Edges = append(s.Edges,
		Edge{From: "X", To: "Y"},
		Edge{From: "Y", To: "X"},
	)
	res := Validate(s)
	if res.Valid {
		t.Fatal("disconnected cycle should be invalid")
	}
	if !containsSubstring(res.Errors, "cycle detected: X -> Y -> X") {
		t.Errorf("expected disconnected cycle error, got %v", res.Errors)
	}
}

func TestValidateAgentNodeRequiresRef(t *testing.T) {
	s := linearSpec("A")
	s.Nodes[0].AgentRef = ""
	res := Validate(s)
	if res.Valid {
		t.Fatal("agent node without agent_ref should be invalid")
	}
}

func TestValidateDialogueNode(t *testing.T) {
	s := &Spec{
		ID: "wf-d", Name: "debate", Entry: "talk",
		Nodes: []Node{{
			ID:   "talk",
			Kind: NodeDialogue,
			Dialogue: &DialogueConfig{
				Mode:         DialogueRoundRobin,
				Participants: []string{"analyst-1", "critic-1"},
				MaxTurns:     4,
			},
		}},
	}
	res := Validate(s)
	if !res.Valid {
		t.Fatalf("expected valid dialogue spec, got %v", res.Errors)
	}

	s.Nodes[0].Dialogue.MaxTurns = 0
	res = Validate(s)
	if res.Valid {
		t.Fatal("round-robin dialogue without max_turns should be invalid")
	}

	s.Nodes[0].Dialogue = &DialogueConfig{Mode: DialogueSequential, Participants: []string{"a-1"}}
	res = Validate(s)
	if res.Valid {
		t.Fatal("sequential dialogue without turns should be invalid")
	}
}

func TestValidateGateConfigsAccumulated(t *testing.T) {
	s := linearSpec("A")
	s.Nodes[0].Schedule = &gate.Window{StartTime: "late"}
	s.Nodes[0].Tick = &gate.TickConfig{Enabled: true}
	s.Execution = &ExecutionConfig{Schedule: &gate.Window{StartTime: "17:00", EndTime: "09:00"}}
	res := Validate(s)
	if res.Valid {
		t.Fatal("bad gate configs should be invalid")
	}
	if len(res.Errors) != 3 {
		t.Errorf("expected 3 accumulated errors, got %d: %v", len(res.Errors), res.Errors)
	}
}

func TestNormalizeTicks(t *testing.T) {
	s := linearSpec("A")
	s.Nodes[0].Tick = &gate.TickConfig{Enabled: true, IntervalSeconds: 5}
	s.Execution = &ExecutionConfig{Tick: &gate.TickConfig{Enabled: true, IntervalMinutes: 1}}
	s.Normalize()
	if s.Nodes[0].Tick.IntervalMs != 5000 {
		t.Errorf("node tick not normalized: %d", s.Nodes[0].Tick.IntervalMs)
	}
	if s.Execution.Tick.IntervalMs != 60000 {
		t.Errorf("workflow tick not normalized: %d", s.Execution.Tick.IntervalMs)
	}
}

func containsSubstring(errs []string, sub string) bool {
	for _, e := range errs {
		if strings.Contains(e, sub) {
			return true
		}
	}
	return false
}
