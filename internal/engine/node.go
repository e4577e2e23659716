package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nidhogg/flowline/internal/invoke"
	"github.com/nidhogg/flowline/internal/template"
	"github.com/nidhogg/flowline/internal/workflow"
	"go.uber.org/zap"
)

// runAgentNode executes a single-agent node: resolve inputs once against
// the settled upstream state, invoke the agent, retry per policy.
// Template failures are fatal immediately; retrying them would only
// reproduce the same error.
func (r *Runner) runAgentNode(ctx context.Context, st *runState, node *workflow.Node, nr *NodeRun) {
	tree := r.contextTree(st)
	resolved := make(map[string]string, len(node.Inputs))
	for name, tmpl := range node.Inputs {
		v, err := template.Resolve(tmpl, tree)
		if err != nil {
			r.failNode(st, nr, fmt.Errorf("resolve input %q: %w", name, err))
			return
		}
		resolved[name] = v
	}

	st.mu.Lock()
	nr.ResolvedInputs = resolved
	st.mu.Unlock()

	desc, ok := r.lookup.Resolve(node.AgentRef)
	if !ok {
		r.failNode(st, nr, fmt.Errorf("%w: %s", invoke.ErrAgentNotFound, node.AgentRef))
		return
	}

	message := buildMessage(resolved)
	correlationID := st.run.ID + ":" + node.ID

	for {
		// Invocation runs on its own context so a cancelled run never
		// aborts an in-flight call; the result is simply discarded.
		ictx, cancel := context.WithTimeout(context.Background(), r.opts.InvokeTimeout)
		res, err := r.invoker.Invoke(ictx, desc, message, correlationID)
		cancel()

		if err == nil {
			r.completeNode(st, nr, res.Response, parseCost(res.Cost))
			return
		}

		st.mu.Lock()
		attempt := nr.RetryCount
		maxAttempts := 0
		var backoff time.Duration
		if node.Retry != nil {
			maxAttempts = node.Retry.MaxAttempts
			backoff = time.Duration(node.Retry.BackoffMs) * time.Millisecond
		}
		canRetry := attempt < maxAttempts
		if canRetry {
			nr.RetryCount++
		}
		nr.Logs = append(nr.Logs, fmt.Sprintf("attempt %d failed: %v", attempt+1, err))
		st.mu.Unlock()

		if !canRetry {
			r.failNode(st, nr, err)
			return
		}

		r.logger.Debug("retrying node",
			zap.String("run", st.run.ID),
			zap.String("node", node.ID),
			zap.Int("attempt", attempt+2),
			zap.Duration("backoff", backoff))

		select {
		case <-ctx.Done():
			r.failNode(st, nr, fmt.Errorf("run cancelled during retry backoff"))
			return
		case <-time.After(backoff):
		}
	}
}

// buildMessage flattens resolved inputs into the invocation payload: a
// single input is sent verbatim, a "message" input wins over siblings,
// anything else is serialized as JSON.
func buildMessage(resolved map[string]string) string {
	if len(resolved) == 1 {
		for _, v := range resolved {
			return v
		}
	}
	if v, ok := resolved["message"]; ok {
		return v
	}
	data, err := json.Marshal(resolved)
	if err != nil {
		return fmt.Sprintf("%v", resolved)
	}
	return string(data)
}
