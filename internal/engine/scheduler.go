package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/flowline/internal/gate"
	"github.com/nidhogg/flowline/internal/invoke"
	"github.com/nidhogg/flowline/internal/template"
	"github.com/nidhogg/flowline/internal/workflow"
	"go.uber.org/zap"
)

// Budget reserves funds before dispatch and settles after a run settles.
type Budget interface {
	Reserve(ctx context.Context, runID string, amount float64) (bool, error)
	Settle(ctx context.Context, runID string, spent float64) (float64, error)
}

// RunRecorder persists terminal run records.
type RunRecorder interface {
	RecordRun(ctx context.Context, run *Run) error
}

// RunListener observes run lifecycle transitions.
type RunListener interface {
	RunStarted(run *Run)
	RunFinished(run *Run)
}

// StructuralError aborts a run before any execution: the graph itself is
// bad and retrying cannot help.
type StructuralError struct {
	Errors []string
}

func (e *StructuralError) Error() string {
	return "invalid workflow: " + strings.Join(e.Errors, "; ")
}

// Options tunes a Runner.
type Options struct {
	PoolSize      int           // max concurrently executing nodes
	PollInterval  time.Duration // frontier re-poll cadence for gated nodes
	InvokeTimeout time.Duration // per-invocation bound
}

func (o Options) withDefaults() Options {
	if o.PoolSize <= 0 {
		o.PoolSize = 10
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 250 * time.Millisecond
	}
	if o.InvokeTimeout <= 0 {
		o.InvokeTimeout = 120 * time.Second
	}
	return o
}

// Runner validates workflow specs and drives their runs to a terminal
// state. Independent nodes execute concurrently on a bounded pool;
// gated nodes are deferred and re-polled, never failed.
type Runner struct {
	invoker  invoke.Invoker
	lookup   invoke.Lookup
	ticks    *gate.TickGate
	budget   Budget
	recorder RunRecorder
	listener RunListener
	opts     Options
	pool     chan struct{} // semaphore-based pool
	now      func() time.Time
	mu       sync.RWMutex
	runs     map[string]*runState
	logger   *zap.Logger
}

// runState tracks one in-flight run. Its mutex guards every mutation of
// the run and its node runs.
type runState struct {
	spec      *workflow.Spec
	run       *Run
	preds     map[string][]workflow.Edge // incoming edges per node id
	reachable map[string]bool            // node ids reachable from entry
	firstErr  string
	reserved  bool
	cancel    context.CancelFunc
	wake      chan struct{}
	mu        sync.Mutex
}

// NewRunner creates a workflow runner.
func NewRunner(invoker invoke.Invoker, lookup invoke.Lookup, ticks *gate.TickGate, opts Options, logger *zap.Logger) *Runner {
	opts = opts.withDefaults()
	return &Runner{
		invoker: invoker,
		lookup:  lookup,
		ticks:   ticks,
		opts:    opts,
		pool:    make(chan struct{}, opts.PoolSize),
		now:     time.Now,
		runs:    make(map[string]*runState),
		logger:  logger,
	}
}

// SetBudget attaches a budget ledger. Optional.
func (r *Runner) SetBudget(b Budget) { r.budget = b }

// SetRecorder attaches run persistence. Optional.
func (r *Runner) SetRecorder(rec RunRecorder) { r.recorder = rec }

// SetListener attaches a run lifecycle observer. Optional.
func (r *Runner) SetListener(l RunListener) { r.listener = l }

// SetClock overrides the time source. Used by tests.
func (r *Runner) SetClock(now func() time.Time) { r.now = now }

// Start validates the spec, reserves budget, and launches the run loop.
// The run executes on a detached context; cancel it through Cancel.
func (r *Runner) Start(ctx context.Context, spec *workflow.Spec, inputs map[string]any) (*Run, error) {
	spec.Normalize()
	if res := workflow.Validate(spec); !res.Valid {
		return nil, &StructuralError{Errors: res.Errors}
	}

	run := &Run{
		ID:         uuid.New().String(),
		WorkflowID: spec.ID,
		Status:     RunQueued,
		Inputs:     inputs,
		NodeRuns:   make(map[string]*NodeRun, len(spec.Nodes)),
		CreatedAt:  r.now(),
	}

	st := &runState{
		spec:      spec,
		run:       run,
		preds:     incomingEdges(spec),
		reachable: reachableFrom(spec),
		wake:      make(chan struct{}, 1),
	}
	for _, n := range spec.Nodes {
		if st.reachable[n.ID] {
			run.NodeRuns[n.ID] = &NodeRun{NodeID: n.ID, Status: NodePending}
		}
	}

	if err := r.reserveBudget(ctx, st); err != nil {
		now := r.now()
		run.Status = RunFailed
		run.Error = err.Error()
		run.StartedAt = &now
		run.EndedAt = &now
		r.record(run)
		r.logger.Warn("run aborted before dispatch",
			zap.String("run", run.ID), zap.Error(err))
		return run, nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	st.cancel = cancel

	r.mu.Lock()
	r.runs[run.ID] = st
	r.mu.Unlock()

	go r.execute(runCtx, st)
	return run, nil
}

func (r *Runner) reserveBudget(ctx context.Context, st *runState) error {
	if r.budget == nil || st.spec.BudgetCeiling == "" {
		return nil
	}
	amount, err := strconv.ParseFloat(st.spec.BudgetCeiling, 64)
	if err != nil {
		return fmt.Errorf("parse budget ceiling %q: %w", st.spec.BudgetCeiling, err)
	}
	ok, err := r.budget.Reserve(ctx, st.run.ID, amount)
	if err != nil {
		return fmt.Errorf("reserve budget: %w", err)
	}
	if !ok {
		return fmt.Errorf("insufficient budget for ceiling %s", st.spec.BudgetCeiling)
	}
	st.reserved = true
	return nil
}

// Get returns a live or recently finished run by ID.
func (r *Runner) Get(runID string) (*Run, bool) {
	r.mu.RLock()
	st, ok := r.runs[runID]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return st.run, true
}

// Progress returns a read-only snapshot of a run.
func (r *Runner) Progress(runID string) (*Progress, bool) {
	r.mu.RLock()
	st, ok := r.runs[runID]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	p := &Progress{
		RunID:  st.run.ID,
		Status: st.run.Status,
		Cost:   st.run.Cost,
		Error:  st.run.Error,
	}
	for _, n := range st.spec.Nodes {
		nr, ok := st.run.NodeRuns[n.ID]
		if !ok {
			continue
		}
		switch nr.Status {
		case NodeCompleted:
			p.CompletedNodeIDs = append(p.CompletedNodeIDs, n.ID)
		case NodeRunning:
			p.CurrentNodeIDs = append(p.CurrentNodeIDs, n.ID)
		}
	}
	if st.run.Status.Terminal() {
		p.Outputs = st.run.Outputs
	}
	return p, true
}

// Cancel stops dispatching new nodes and marks the run cancelled.
// In-flight invocations are allowed to finish; their results are
// discarded with the run.
func (r *Runner) Cancel(runID string) error {
	r.mu.RLock()
	st, ok := r.runs[runID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("run %s not found", runID)
	}

	st.mu.Lock()
	terminal := st.run.Status.Terminal()
	st.mu.Unlock()
	if terminal {
		return fmt.Errorf("run %s already %s", runID, st.run.Status)
	}
	st.cancel()
	return nil
}

// execute is the per-run scheduler loop: dispatch the eligible frontier,
// then wait for a node to finish, the poll interval to elapse, or
// cancellation.
func (r *Runner) execute(ctx context.Context, st *runState) {
	st.mu.Lock()
	now := r.now()
	st.run.Status = RunRunning
	st.run.StartedAt = &now
	st.mu.Unlock()

	if r.listener != nil {
		r.listener.RunStarted(st.run)
	}
	r.logger.Info("run started",
		zap.String("run", st.run.ID),
		zap.String("workflow", st.spec.Name))

	for {
		select {
		case <-ctx.Done():
			r.finishCancelled(st)
			return
		default:
		}

		r.dispatchFrontier(ctx, st)

		if r.finalizeIfSettled(st) {
			return
		}

		select {
		case <-ctx.Done():
			r.finishCancelled(st)
			return
		case <-st.wake:
		case <-time.After(r.opts.PollInterval):
		}
	}
}

// dispatchFrontier marks skip-propagation and launches every node whose
// dependencies are satisfied and whose gates permit execution now.
func (r *Runner) dispatchFrontier(ctx context.Context, st *runState) {
	st.mu.Lock()
	defer st.mu.Unlock()

	for i := range st.spec.Nodes {
		node := &st.spec.Nodes[i]
		nr, ok := st.run.NodeRuns[node.ID]
		if !ok || nr.Status != NodePending {
			continue
		}

		ready, blocked := r.dependencyState(st, node)
		if blocked {
			r.skipNodeLocked(st, nr, SkipUpstreamFailed, "upstream dependency failed")
			continue
		}
		if !ready {
			continue
		}

		proceed, err := r.evalConditionsLocked(st, node)
		if err != nil {
			r.failNodeLocked(st, nr, err)
			continue
		}
		if !proceed {
			r.skipNodeLocked(st, nr, SkipConditionFalse, "condition resolved false")
			continue
		}

		if wait := gate.WaitUntil(st.spec.EffectiveSchedule(node), r.now()); wait > 0 {
			r.logger.Debug("node deferred by schedule",
				zap.String("run", st.run.ID),
				zap.String("node", node.ID),
				zap.Duration("wait", wait))
			continue
		}
		tick := st.spec.EffectiveTick(node)
		key := actorKey(node)
		if !r.ticks.ShouldExecute(key, tick) {
			r.logger.Debug("node deferred by tick gate",
				zap.String("run", st.run.ID),
				zap.String("node", node.ID),
				zap.String("actor", key))
			continue
		}

		started := r.now()
		nr.Status = NodeRunning
		nr.StartedAt = &started

		go func(node *workflow.Node, nr *NodeRun) {
			r.pool <- struct{}{} // acquire slot
			defer func() { <-r.pool }()
			defer r.wakeLoop(st)

			if tick != nil && tick.Enabled {
				r.ticks.RecordTick(key)
			}
			if node.Kind == workflow.NodeDialogue {
				r.runDialogueNode(ctx, st, node, nr)
			} else {
				r.runAgentNode(ctx, st, node, nr)
			}
		}(node, nr)
	}
}

// dependencyState reports whether all of a node's predecessors settled
// successfully (ready) or whether any failed upstream (blocked).
func (r *Runner) dependencyState(st *runState, node *workflow.Node) (ready, blocked bool) {
	for _, e := range st.preds[node.ID] {
		src, ok := st.run.NodeRuns[e.From]
		if !ok {
			// Predecessor outside the reachable set can never settle.
			return false, true
		}
		if !src.Status.Terminal() {
			return false, false
		}
		if !src.succeeded() {
			return false, true
		}
	}
	return true, false
}

// evalConditionsLocked resolves the node's own condition and every
// incoming edge condition. Template failures are fatal for the node.
func (r *Runner) evalConditionsLocked(st *runState, node *workflow.Node) (bool, error) {
	tree := r.contextTreeLocked(st)
	for _, e := range st.preds[node.ID] {
		if e.Condition == "" {
			continue
		}
		resolved, err := template.Resolve(e.Condition, tree)
		if err != nil {
			return false, fmt.Errorf("edge %s->%s condition: %w", e.From, e.To, err)
		}
		if !truthy(resolved) {
			return false, nil
		}
	}
	if node.Condition != "" {
		resolved, err := template.Resolve(node.Condition, tree)
		if err != nil {
			return false, fmt.Errorf("node %s condition: %w", node.ID, err)
		}
		if !truthy(resolved) {
			return false, nil
		}
	}
	return true, nil
}

// finalizeIfSettled closes the run once every reachable node is
// terminal. Returns true when the run reached a terminal state.
func (r *Runner) finalizeIfSettled(st *runState) bool {
	st.mu.Lock()

	failed := false
	blockedNode := ""
	for i := range st.spec.Nodes {
		id := st.spec.Nodes[i].ID
		if !st.reachable[id] {
			continue
		}
		nr := st.run.NodeRuns[id]
		if !nr.Status.Terminal() {
			st.mu.Unlock()
			return false
		}
		switch {
		case nr.Status == NodeFailed:
			failed = true
		case nr.Status == NodeSkipped && nr.SkipReason == SkipUpstreamFailed:
			// Blocking skips fail the run even when no node recorded an
			// error of its own, e.g. a dependency that can never settle.
			failed = true
			if blockedNode == "" {
				blockedNode = id
			}
		}
	}

	outputs := make(map[string]any)
	var cost float64
	for id, nr := range st.run.NodeRuns {
		if nr.Status == NodeCompleted && nr.Output != nil {
			outputs[id] = nr.Output
		}
		cost += nr.Cost
	}

	now := r.now()
	st.run.Outputs = outputs
	st.run.Cost = cost
	st.run.EndedAt = &now
	if failed {
		st.run.Status = RunFailed
		st.run.Error = st.firstErr
		if st.run.Error == "" {
			st.run.Error = fmt.Sprintf("node %s: upstream dependency failed", blockedNode)
		}
	} else {
		st.run.Status = RunCompleted
	}
	run := st.run
	st.mu.Unlock()

	r.settleAndRecord(st, run)
	r.logger.Info("run settled",
		zap.String("run", run.ID),
		zap.String("status", string(run.Status)),
		zap.Float64("cost", run.Cost))
	return true
}

func (r *Runner) finishCancelled(st *runState) {
	st.mu.Lock()
	if st.run.Status.Terminal() {
		st.mu.Unlock()
		return
	}
	now := r.now()
	st.run.Status = RunCancelled
	st.run.Error = "run cancelled"
	st.run.EndedAt = &now
	run := st.run
	st.mu.Unlock()

	r.settleAndRecord(st, run)
	r.logger.Info("run cancelled", zap.String("run", run.ID))
}

func (r *Runner) settleAndRecord(st *runState, run *Run) {
	if r.budget != nil && st.reserved {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		refund, err := r.budget.Settle(ctx, run.ID, run.Cost)
		cancel()
		if err != nil {
			r.logger.Warn("budget settle failed",
				zap.String("run", run.ID), zap.Error(err))
		} else if refund > 0 {
			r.logger.Debug("budget refunded",
				zap.String("run", run.ID), zap.Float64("refund", refund))
		}
	}
	r.record(run)
	if r.listener != nil {
		r.listener.RunFinished(run)
	}
}

func (r *Runner) record(run *Run) {
	if r.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.recorder.RecordRun(ctx, run); err != nil {
		r.logger.Warn("run persistence failed",
			zap.String("run", run.ID), zap.Error(err))
	}
}

// contextTreeLocked builds the template context: workflow inputs plus
// the output of every successfully settled node.
func (r *Runner) contextTreeLocked(st *runState) map[string]any {
	tree := map[string]any{
		"inputs": st.run.Inputs,
		"runId":  st.run.ID,
	}
	for id, nr := range st.run.NodeRuns {
		if nr.Status == NodeCompleted {
			tree[id] = map[string]any{"output": nr.Output}
		}
	}
	return tree
}

func (r *Runner) contextTree(st *runState) map[string]any {
	st.mu.Lock()
	defer st.mu.Unlock()
	return r.contextTreeLocked(st)
}

func (r *Runner) wakeLoop(st *runState) {
	select {
	case st.wake <- struct{}{}:
	default:
	}
}

func (r *Runner) skipNodeLocked(st *runState, nr *NodeRun, reason, detail string) {
	now := r.now()
	nr.Status = NodeSkipped
	nr.SkipReason = reason
	nr.EndedAt = &now
	nr.Logs = append(nr.Logs, detail)
	r.logger.Debug("node skipped",
		zap.String("run", st.run.ID),
		zap.String("node", nr.NodeID),
		zap.String("reason", reason))
}

func (r *Runner) failNodeLocked(st *runState, nr *NodeRun, err error) {
	now := r.now()
	nr.Status = NodeFailed
	nr.Error = err.Error()
	nr.EndedAt = &now
	nr.Logs = append(nr.Logs, "failed: "+err.Error())
	if st.firstErr == "" {
		st.firstErr = fmt.Sprintf("node %s: %s", nr.NodeID, err.Error())
	}
	r.logger.Warn("node failed",
		zap.String("run", st.run.ID),
		zap.String("node", nr.NodeID),
		zap.Error(err))
}

func (r *Runner) failNode(st *runState, nr *NodeRun, err error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	r.failNodeLocked(st, nr, err)
}

func (r *Runner) completeNode(st *runState, nr *NodeRun, output any, cost float64) {
	st.mu.Lock()
	defer st.mu.Unlock()
	now := r.now()
	nr.Status = NodeCompleted
	nr.Output = output
	nr.Cost = cost
	nr.EndedAt = &now
	r.logger.Debug("node completed",
		zap.String("run", st.run.ID),
		zap.String("node", nr.NodeID),
		zap.Float64("cost", cost))
}

// actorKey identifies the tick-gate actor for a node: nodes sharing an
// agent ref share one tick budget.
func actorKey(n *workflow.Node) string {
	if n.AgentRef != "" {
		return n.AgentRef
	}
	return n.ID
}

func incomingEdges(s *workflow.Spec) map[string][]workflow.Edge {
	preds := make(map[string][]workflow.Edge, len(s.Nodes))
	for _, e := range s.Edges {
		preds[e.To] = append(preds[e.To], e)
	}
	return preds
}

// reachableFrom returns the set of node ids reachable from the entry
// node. Only reachable nodes participate in a run.
func reachableFrom(s *workflow.Spec) map[string]bool {
	adjacency := make(map[string][]string, len(s.Nodes))
	for _, e := range s.Edges {
		adjacency[e.From] = append(adjacency[e.From], e.To)
	}
	seen := map[string]bool{s.Entry: true}
	queue := []string{s.Entry}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range adjacency[cur] {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return seen
}
