package engine

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/nidhogg/flowline/internal/invoke"
	"github.com/nidhogg/flowline/internal/workflow"
)

func dialogueSpec(d *workflow.DialogueConfig) *workflow.Spec {
	return &workflow.Spec{
		ID:    "wf-dialogue",
		Name:  "dialogue",
		Entry: "talk",
		Nodes: []workflow.Node{{ID: "talk", Kind: workflow.NodeDialogue, Dialogue: d}},
	}
}

func dialogueOutput(t *testing.T, run *Run) map[string]any {
	t.Helper()
	out, ok := run.NodeRuns["talk"].Output.(map[string]any)
	if !ok {
		t.Fatalf("dialogue output = %T, want map", run.NodeRuns["talk"].Output)
	}
	return out
}

func TestSequentialDialogueSeesPriorTurn(t *testing.T) {
	inv := newFakeInvoker()
	inv.handler = func(ref, message string, call int) (*invoke.Result, error) {
		if ref == "writer-agent" {
			return &invoke.Result{Response: "DRAFT-7", Cost: "0.01"}, nil
		}
		return &invoke.Result{Response: "reviewed: " + message, Cost: "0.01"}, nil
	}
	r := testRunner(inv, testLookup("writer-agent", "critic-agent"))

	spec := dialogueSpec(&workflow.DialogueConfig{
		Mode:         workflow.DialogueSequential,
		Participants: []string{"writer-agent", "critic-agent"},
		Turns: []workflow.Turn{
			{ID: "draft", Speaker: "writer-agent", Prompt: "Write about {{inputs.topic}}"},
			{ID: "review", Speaker: "critic-agent", Prompt: "Critique this: {{conversationHistory[-1]}}"},
		},
	})

	run, err := r.Start(context.Background(), spec, map[string]any{"topic": "tides"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	final := waitTerminal(t, r, run.ID)
	if final.Status != RunCompleted {
		t.Fatalf("status = %s (error: %s)", final.Status, final.Error)
	}

	out := dialogueOutput(t, final)
	turns := out["turns"].([]any)
	if len(turns) != 2 {
		t.Fatalf("turns = %d, want 2", len(turns))
	}
	second := turns[1].(map[string]any)
	prompt := second["prompt"].(string)
	if !strings.Contains(prompt, "DRAFT-7") {
		t.Errorf("turn 2 prompt %q should carry turn 1 response verbatim", prompt)
	}
	if !strings.HasPrefix(prompt, "Critique this: WRITER: ") {
		t.Errorf("turn 2 prompt %q should quote the labeled history line", prompt)
	}

	history := out["conversationHistory"].([]string)
	if len(history) != 2 || history[0] != "WRITER: DRAFT-7" {
		t.Errorf("history = %v", history)
	}

	summary := out["summary"].(map[string]any)
	if summary["turnCount"] != 2 {
		t.Errorf("summary turn count = %v", summary["turnCount"])
	}
}

func TestRoundRobinDialogueCyclesSpeakers(t *testing.T) {
	inv := newFakeInvoker()
	r := testRunner(inv, testLookup("red-agent", "blue-agent"))

	spec := dialogueSpec(&workflow.DialogueConfig{
		Mode:         workflow.DialogueRoundRobin,
		Participants: []string{"red-agent", "blue-agent"},
		MaxTurns:     5,
	})

	run, _ := r.Start(context.Background(), spec, nil)
	final := waitTerminal(t, r, run.ID)
	if final.Status != RunCompleted {
		t.Fatalf("status = %s (error: %s)", final.Status, final.Error)
	}

	order := inv.callOrder()
	want := []string{"red-agent", "blue-agent", "red-agent", "blue-agent", "red-agent"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestDynamicDialogueAvoidsRecentSpeakers(t *testing.T) {
	inv := newFakeInvoker()
	r := testRunner(inv, testLookup("a-agent", "b-agent", "c-agent"))

	spec := dialogueSpec(&workflow.DialogueConfig{
		Mode:         workflow.DialogueDynamic,
		Participants: []string{"a-agent", "b-agent", "c-agent"},
		MaxTurns:     6,
	})

	run, _ := r.Start(context.Background(), spec, nil)
	final := waitTerminal(t, r, run.ID)
	if final.Status != RunCompleted {
		t.Fatalf("status = %s (error: %s)", final.Status, final.Error)
	}

	order := inv.callOrder()
	if len(order) != 6 {
		t.Fatalf("turns = %d, want 6", len(order))
	}
	for i := 2; i < len(order); i++ {
		if order[i] == order[i-1] || order[i] == order[i-2] {
			t.Errorf("speaker %q at turn %d repeats within the last two turns: %v", order[i], i, order)
		}
	}
}

func TestDialogueEndConditionStopsEarly(t *testing.T) {
	inv := newFakeInvoker()
	r := testRunner(inv, testLookup("solo-agent"))

	// End condition is checked before each turn, including the first.
	spec := dialogueSpec(&workflow.DialogueConfig{
		Mode:         workflow.DialogueRoundRobin,
		Participants: []string{"solo-agent"},
		MaxTurns:     10,
		EndCondition: "{{inputs.stop}}",
	})

	run, _ := r.Start(context.Background(), spec, map[string]any{"stop": "true"})
	final := waitTerminal(t, r, run.ID)
	if final.Status != RunCompleted {
		t.Fatalf("status = %s (error: %s)", final.Status, final.Error)
	}
	if got := len(inv.callOrder()); got != 0 {
		t.Errorf("invocations = %d, want 0 when end condition holds before turn 1", got)
	}
}

func TestDialogueUnresolvableParticipantIsNonFatal(t *testing.T) {
	inv := newFakeInvoker()
	r := testRunner(inv, testLookup("real-agent"))

	spec := dialogueSpec(&workflow.DialogueConfig{
		Mode:         workflow.DialogueRoundRobin,
		Participants: []string{"ghost-agent", "real-agent"},
		MaxTurns:     2,
	})

	run, _ := r.Start(context.Background(), spec, nil)
	final := waitTerminal(t, r, run.ID)
	if final.Status != RunCompleted {
		t.Fatalf("status = %s (error: %s)", final.Status, final.Error)
	}
	for _, ref := range inv.callOrder() {
		if ref != "real-agent" {
			t.Errorf("unexpected speaker %q", ref)
		}
	}

	summary := dialogueOutput(t, final)["summary"].(map[string]any)
	refs := summary["participants"].([]string)
	if len(refs) != 1 || refs[0] != "real-agent" {
		t.Errorf("participants = %v, want only the resolvable ref", refs)
	}
}

func TestDialogueNoResolvableParticipantsFails(t *testing.T) {
	inv := newFakeInvoker()
	r := testRunner(inv, testLookup("real-agent"))

	spec := dialogueSpec(&workflow.DialogueConfig{
		Mode:         workflow.DialogueRoundRobin,
		Participants: []string{"ghost-agent"},
		MaxTurns:     2,
	})

	run, _ := r.Start(context.Background(), spec, nil)
	final := waitTerminal(t, r, run.ID)
	if final.Status != RunFailed {
		t.Fatalf("status = %s, want failed", final.Status)
	}
	if !strings.Contains(final.Error, "no resolvable dialogue participants") {
		t.Errorf("error = %q", final.Error)
	}
}

func TestDialogueTurnFailureFailsNode(t *testing.T) {
	inv := newFakeInvoker()
	inv.handler = func(ref, message string, call int) (*invoke.Result, error) {
		if call == 1 {
			return nil, fmt.Errorf("agent crashed")
		}
		return &invoke.Result{Response: "ok"}, nil
	}
	r := testRunner(inv, testLookup("solo-agent"))

	spec := dialogueSpec(&workflow.DialogueConfig{
		Mode:         workflow.DialogueRoundRobin,
		Participants: []string{"solo-agent"},
		MaxTurns:     3,
	})

	run, _ := r.Start(context.Background(), spec, nil)
	final := waitTerminal(t, r, run.ID)
	if final.Status != RunFailed {
		t.Fatalf("status = %s, want failed", final.Status)
	}
	if !strings.Contains(final.Error, "turn 2") {
		t.Errorf("error %q should name the failing turn", final.Error)
	}
}

func TestSpeakerLabel(t *testing.T) {
	cases := map[string]string{
		"writer-agent-v2": "WRITER",
		"critic":          "CRITIC",
		"a-b":             "A",
	}
	for ref, want := range cases {
		if got := speakerLabel(ref); got != want {
			t.Errorf("speakerLabel(%q) = %q, want %q", ref, got, want)
		}
	}
}

func TestPickDynamicSpeakerFallsBack(t *testing.T) {
	a := &invoke.Descriptor{Ref: "a"}
	b := &invoke.Descriptor{Ref: "b"}
	turns := []DialogueTurnResult{{Speaker: "a"}, {Speaker: "b"}}
	if got := pickDynamicSpeaker([]*invoke.Descriptor{a, b}, turns); got != a {
		t.Errorf("with every participant recent, selection should fall back to the first")
	}
}
