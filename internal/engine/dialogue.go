package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/nidhogg/flowline/internal/invoke"
	"github.com/nidhogg/flowline/internal/template"
	"github.com/nidhogg/flowline/internal/workflow"
	"go.uber.org/zap"
)

// runDialogueNode orchestrates a multi-turn conversation. Turns execute
// strictly one after another: turn n+1 always sees turn n's result in
// the conversation history.
func (r *Runner) runDialogueNode(ctx context.Context, st *runState, node *workflow.Node, nr *NodeRun) {
	d := node.Dialogue
	started := r.now()

	// An unresolvable participant is a warning, not a failure: it is
	// simply excluded from speaker selection.
	var participants []*invoke.Descriptor
	for _, ref := range d.Participants {
		desc, ok := r.lookup.Resolve(ref)
		if !ok {
			r.logger.Warn("dialogue participant unresolvable",
				zap.String("run", st.run.ID),
				zap.String("node", node.ID),
				zap.String("ref", ref))
			continue
		}
		participants = append(participants, desc)
	}
	if len(participants) == 0 {
		r.failNode(st, nr, fmt.Errorf("no resolvable dialogue participants"))
		return
	}

	maxTurns := d.MaxTurns
	if d.Mode == workflow.DialogueSequential {
		maxTurns = len(d.Turns)
	}

	base := r.contextTree(st)
	var turns []DialogueTurnResult
	var history []string
	var cost float64

	for idx := 0; idx < maxTurns; idx++ {
		select {
		case <-ctx.Done():
			r.failNode(st, nr, fmt.Errorf("run cancelled during dialogue"))
			return
		default:
		}

		tree := dialogueContext(base, history, turns)

		if d.EndCondition != "" {
			resolved, err := template.Resolve(d.EndCondition, tree)
			if err != nil {
				r.logger.Warn("dialogue end condition unresolved",
					zap.String("node", node.ID), zap.Error(err))
			} else if truthy(resolved) {
				r.logger.Debug("dialogue ended by condition",
					zap.String("node", node.ID),
					zap.Int("turns", len(turns)))
				break
			}
		}

		speaker, prompt, turnID, err := r.nextTurn(d, participants, idx, turns, tree)
		if err != nil {
			r.failNode(st, nr, err)
			return
		}
		if speaker == nil {
			continue // predefined speaker unresolvable, turn skipped
		}

		correlationID := fmt.Sprintf("%s:%s:%s", st.run.ID, node.ID, turnID)
		ictx, cancel := context.WithTimeout(context.Background(), r.opts.InvokeTimeout)
		res, err := r.invoker.Invoke(ictx, speaker, prompt, correlationID)
		cancel()
		if err != nil {
			r.failNode(st, nr, fmt.Errorf("turn %d (%s): %w", idx+1, speaker.Ref, err))
			return
		}

		turns = append(turns, DialogueTurnResult{
			TurnID:         turnID,
			Speaker:        speaker.Ref,
			ResolvedPrompt: prompt,
			Response:       res.Response,
			Timestamp:      r.now(),
			Cost:           res.Cost,
		})
		history = append(history, speakerLabel(speaker.Ref)+": "+res.Response)
		cost += parseCost(res.Cost)
	}

	refs := make([]string, len(participants))
	for i, p := range participants {
		refs[i] = p.Ref
	}
	output := map[string]any{
		"turns":               turnMaps(turns),
		"conversationHistory": history,
		"summary": map[string]any{
			"turnCount":    len(turns),
			"participants": refs,
			"startedAt":    started.Format("2006-01-02T15:04:05Z07:00"),
			"endedAt":      r.now().Format("2006-01-02T15:04:05Z07:00"),
		},
	}
	r.completeNode(st, nr, output, cost)
}

// nextTurn picks the speaker and prompt for the upcoming turn. A nil
// speaker with nil error means the turn is skipped.
func (r *Runner) nextTurn(d *workflow.DialogueConfig, participants []*invoke.Descriptor, idx int, turns []DialogueTurnResult, tree map[string]any) (*invoke.Descriptor, string, string, error) {
	switch d.Mode {
	case workflow.DialogueSequential:
		t := d.Turns[idx]
		turnID := t.ID
		if turnID == "" {
			turnID = fmt.Sprintf("turn-%d", idx+1)
		}
		desc, ok := r.lookup.Resolve(t.Speaker)
		if !ok {
			r.logger.Warn("predefined turn speaker unresolvable",
				zap.String("speaker", t.Speaker))
			return nil, "", turnID, nil
		}
		prompt, err := template.Resolve(t.Prompt, tree)
		if err != nil {
			return nil, "", "", fmt.Errorf("turn %s prompt: %w", turnID, err)
		}
		return desc, prompt, turnID, nil

	case workflow.DialogueRoundRobin:
		speaker := participants[idx%len(participants)]
		return speaker, synthesizePrompt(speaker, tree), fmt.Sprintf("turn-%d", idx+1), nil

	case workflow.DialogueDynamic:
		speaker := pickDynamicSpeaker(participants, turns)
		return speaker, synthesizePrompt(speaker, tree), fmt.Sprintf("turn-%d", idx+1), nil
	}
	return nil, "", "", fmt.Errorf("unknown dialogue mode %q", d.Mode)
}

// pickDynamicSpeaker selects the first participant who has not spoken in
// the last two turns, falling back to the first participant.
func pickDynamicSpeaker(participants []*invoke.Descriptor, turns []DialogueTurnResult) *invoke.Descriptor {
	recent := make(map[string]bool, 2)
	for i := len(turns) - 1; i >= 0 && i >= len(turns)-2; i-- {
		recent[turns[i].Speaker] = true
	}
	for _, p := range participants {
		if !recent[p.Ref] {
			return p
		}
	}
	return participants[0]
}

// synthesizePrompt builds a prompt for a speaker without a predefined
// turn, echoing up to the last three history entries.
func synthesizePrompt(speaker *invoke.Descriptor, tree map[string]any) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are %s in a multi-participant conversation.\n", speaker.Ref)

	history, _ := tree["conversationHistory"].([]string)
	if len(history) > 0 {
		sb.WriteString("Recent discussion:\n")
		start := len(history) - 3
		if start < 0 {
			start = 0
		}
		for _, line := range history[start:] {
			sb.WriteString(line + "\n")
		}
		sb.WriteString("Give your next contribution.")
	} else {
		if inputs, ok := tree["inputs"].(map[string]any); ok && len(inputs) > 0 {
			fmt.Fprintf(&sb, "Context: %v\n", inputs)
		}
		sb.WriteString("Open the discussion.")
	}
	return sb.String()
}

// dialogueContext layers the live conversation state over the run
// context for template resolution. The history slice is shared read-only
// with the resolver; only the orchestrator appends to it.
func dialogueContext(base map[string]any, history []string, turns []DialogueTurnResult) map[string]any {
	tree := make(map[string]any, len(base)+4)
	for k, v := range base {
		tree[k] = v
	}
	tree["conversationHistory"] = history
	tree["previousTurns"] = turnMaps(turns)
	tree["turnCount"] = len(turns)
	if len(turns) > 0 {
		tree["lastResponse"] = turns[len(turns)-1].Response
	} else {
		tree["lastResponse"] = ""
	}
	return tree
}

func turnMaps(turns []DialogueTurnResult) []any {
	out := make([]any, len(turns))
	for i, t := range turns {
		out[i] = map[string]any{
			"turnId":    t.TurnID,
			"speaker":   t.Speaker,
			"prompt":    t.ResolvedPrompt,
			"response":  t.Response,
			"timestamp": t.Timestamp.Format("2006-01-02T15:04:05Z07:00"),
			"cost":      t.Cost,
		}
	}
	return out
}

// speakerLabel derives a display label from an agent ref: the token
// before the first hyphen, upper-cased.
func speakerLabel(ref string) string {
	return strings.ToUpper(strings.SplitN(ref, "-", 2)[0])
}
