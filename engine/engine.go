// Package engine provides the core incremental processing engine for
// IncGraph-Go: a framework for incrementally processing changes from many
// inputs.
//
// The canonical use case is a control-plane agent that derives a large output
// state (e.g. forwarding rules) from many source tables. Recomputing
// everything on any input change is straightforward but does not scale;
// tracking changes and updating only what is affected does, yet is
// error-prone to implement ad hoc once intermediate results enter the
// picture. The engine does not understand the processing logic. It provides a
// unified way to declare inputs and dependencies, and interfaces for the user
// to implement how each input's changes are handled.
//
// The engine is composed of nodes. Each node maintains its own data,
// persistent across iterations of the caller's main loop. Dependencies
// between nodes form a DAG: input-less nodes hold the pure inputs (typically
// data-source adapters, see the source subpackage), offspring-less nodes hold
// the final output, nodes in the middle hold intermediate results.
//
// For each input of each node the user may register a change handler. When an
// input reports a change the handler updates the owning node's data in place;
// when no handler is registered, or a handler declines, the engine falls back
// to the node's full recompute. Implementing handlers for the most frequent
// changes is usually enough; the fall-back keeps the rest correct.
//
// An Engine instance is single-threaded and cooperative: one traversal runs
// to completion on the calling goroutine, and exactly one Run is active at a
// time. Callers that need multiple engines instantiate multiple.
//
// Design guidance carried over from long production use of this pattern:
// think of each node's data as a materialized view of its inputs; avoid
// global variables — all data flowing into a node must arrive via its
// declared inputs; and handle every input change (an input whose changes are
// never handleable probably should not be an input).
package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/incgraph-go/engine/emit"
)

// Engine drives the traversal and owns the per-iteration state machine.
//
// Lifecycle: construct with New, wire nodes with AddInput, then Init once
// with the output (root) node. Each iteration of the caller's poll loop runs
// InitRun followed by Run. Cleanup releases node data before the process
// terminates.
type Engine struct {
	id string

	root  *Node
	order []*Node // post-order from root; inputs precede their consumers

	ctx        *Context
	restricted bool // Run in progress with recomputeAllowed == false

	forceRecompute bool

	hasRun     bool
	anyUpdated bool
	canceled   bool

	runSeq      uint64
	initialized bool

	emitter emit.Emitter
	metrics *Metrics
	debug   bool
	wake    func()
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithEmitter routes engine observability events to em. Default: no events.
func WithEmitter(em emit.Emitter) Option {
	return func(e *Engine) { e.emitter = em }
}

// WithMetrics enables Prometheus metrics collection. Default: disabled.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithDebug enables compute-failure diagnostics: when a change handler
// returns Unhandled, the input's failure-info callback is invoked and its
// result emitted. Default: disabled (diagnostics can be expensive, they may
// enumerate every tracked row of a table).
func WithDebug(enabled bool) Option {
	return func(e *Engine) { e.debug = enabled }
}

// WithWakeFunc registers the poll-loop wake hook invoked by
// SetForceRecomputeImmediate and TriggerRecompute, so the next engine run is
// not delayed by the caller's poll throttling. Default: none.
func WithWakeFunc(fn func()) Option {
	return func(e *Engine) { e.wake = fn }
}

// New constructs an engine. The graph is supplied later via Init.
func New(opts ...Option) *Engine {
	e := &Engine{id: uuid.NewString()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ID returns the engine's instance identifier, used as the engine_id label
// on metrics and events.
func (e *Engine) ID() string { return e.id }

// Init initializes the data for all nodes reachable from root. It visits the
// graph in post-order, calls each node's Init callback exactly once with the
// supplied arg, stores the returned payload, and resets the node's stats.
//
// Init fails on wiring mistakes (nil or duplicate-named nodes, a node
// without a Run callback) and on the first Init callback error; the caller
// is expected to treat either as fatal.
func (e *Engine) Init(root *Node, arg *InitArg) error {
	if root == nil {
		return &EngineError{Message: "root node is nil", Code: "NIL_NODE"}
	}

	order, err := buildOrder(root)
	if err != nil {
		return err
	}

	for _, n := range order {
		n.stats = Stats{}
		n.state = StateStale
		if n.cb.Init == nil {
			continue
		}
		data, err := n.cb.Init(n, arg)
		if err != nil {
			return &EngineError{
				Message: "init of node " + n.name + " failed: " + err.Error(),
				Code:    "INIT_FAILED",
			}
		}
		n.data = data
	}

	e.root = root
	e.order = order
	e.initialized = true
	if e.metrics != nil {
		e.metrics.SetNodeCount(e.id, len(order))
	}
	return nil
}

// buildOrder returns the nodes reachable from root in post-order: every node
// appears after all of its transitive inputs. The wiring is assumed acyclic
// (a design-time property); names must be unique within the reachable graph
// and every node must carry a Run callback.
func buildOrder(root *Node) ([]*Node, error) {
	var (
		order   []*Node
		visited = make(map[*Node]bool)
		byName  = make(map[string]*Node)
	)

	var visit func(n *Node) error
	visit = func(n *Node) error {
		if visited[n] {
			return nil
		}
		visited[n] = true

		if n.name == "" {
			return &EngineError{Message: "node has an empty name", Code: "EMPTY_NAME"}
		}
		if prev, ok := byName[n.name]; ok && prev != n {
			return &EngineError{
				Message: "duplicate node name: " + n.name,
				Code:    "DUPLICATE_NODE",
			}
		}
		byName[n.name] = n

		if n.cb.Run == nil {
			return &EngineError{
				Message: "node " + n.name + " has no run callback",
				Code:    "MISSING_RUN",
			}
		}

		for i := range n.inputs {
			if err := visit(n.inputs[i].Source); err != nil {
				return err
			}
		}
		order = append(order, n)
		return nil
	}

	if err := visit(root); err != nil {
		return nil, err
	}
	return order, nil
}

// InitRun prepares the engine for a new iteration. It must be called in the
// main processing loop before every potential Run. It clears the has-run,
// any-updated and canceled flags, invokes each node's ClearTracked callback,
// and resets every node's state to StateStale.
func (e *Engine) InitRun() {
	e.hasRun = false
	e.anyUpdated = false
	e.canceled = false

	for _, n := range e.order {
		if n.cb.ClearTracked != nil && n.data != nil {
			n.cb.ClearTracked(n.data)
		}
		n.state = StateStale
	}
}

// Run executes one traversal over the graph in post-order from the root,
// updating every node's state.
//
// If the force-recompute flag is set the iteration is a forced full
// recompute: every node's Run is invoked (subject to recomputeAllowed).
// Otherwise the iteration is incremental: changed inputs are dispatched to
// change handlers, and only nodes whose changes could not be handled are
// fully recomputed.
//
// If recomputeAllowed is false and a recompute is required, the engine
// cancels processing for the affected node and all its dependents; the
// iteration itself never fails. While such a restricted run is in progress,
// Context returns a context with nil transaction handles.
func (e *Engine) Run(ctx context.Context, recomputeAllowed bool) {
	if !e.initialized {
		return
	}

	start := time.Now()
	e.runSeq++
	forced := e.forceRecompute
	e.restricted = !recomputeAllowed
	defer func() { e.restricted = false }()

	mode := "incremental"
	if forced {
		mode = "forced"
	}
	e.emit(ctx, "run_start", "", map[string]any{
		"mode":              mode,
		"recompute_allowed": recomputeAllowed,
	})

	for _, n := range e.order {
		e.processNode(ctx, n, forced, recomputeAllowed)
	}

	e.hasRun = true
	// A canceled forced run keeps the flag set so the request is not
	// silently lost; the next iteration retries the full recompute.
	if forced && !e.canceled {
		e.forceRecompute = false
	}

	outcome := "completed"
	if e.canceled {
		outcome = "canceled"
	}
	if e.metrics != nil {
		e.metrics.RecordRun(e.id, mode, outcome, time.Since(start))
	}
	e.emit(ctx, "run_end", "", map[string]any{
		"mode":     mode,
		"outcome":  outcome,
		"updated":  e.anyUpdated,
		"duration": time.Since(start).String(),
	})
}

// processNode applies the per-node state machine for one iteration.
func (e *Engine) processNode(ctx context.Context, n *Node, forced, recomputeAllowed bool) {
	// Cancellation propagates strictly forward along dependency edges.
	for i := range n.inputs {
		if n.inputs[i].Source.state == StateCanceled {
			e.cancelNode(ctx, n)
			return
		}
	}

	// Input-less nodes are pure change probes: they always run, even during
	// restricted iterations, since they need no writable transaction.
	if len(n.inputs) == 0 {
		e.recompute(ctx, n)
		return
	}

	if forced {
		if !recomputeAllowed {
			e.cancelNode(ctx, n)
			return
		}
		e.recompute(ctx, n)
		return
	}

	needsRecompute := false
	anyHandledUpdate := false

inputs:
	for i := range n.inputs {
		in := &n.inputs[i]
		switch in.Source.state {
		case StateUpdated:
			if in.Handler == nil {
				needsRecompute = true
				break inputs
			}
			switch in.Handler(ctx, n, n.data) {
			case Unhandled:
				e.computeFailure(ctx, n, in)
				needsRecompute = true
				break inputs
			case HandledUpdated:
				anyHandledUpdate = true
			case HandledUnchanged:
				// Covered; flags stay as they are.
			}
		default:
			// StateUnchanged: nothing to do. Post-order guarantees inputs
			// are finalized before their consumers, so StateStale is not
			// observed here and StateCanceled was handled above.
		}
	}

	switch {
	case needsRecompute:
		if !recomputeAllowed {
			e.cancelNode(ctx, n)
			return
		}
		e.recompute(ctx, n)
	case anyHandledUpdate:
		n.state = StateUpdated
		n.stats.Compute++
		e.anyUpdated = true
		if e.metrics != nil {
			e.metrics.RecordCompute(e.id, n.name)
		}
		e.emit(ctx, "node_state", n.name, map[string]any{"state": n.state.String(), "via": "handlers"})
	default:
		n.state = StateUnchanged
		e.emit(ctx, "node_state", n.name, map[string]any{"state": n.state.String()})
	}
}

// recompute invokes the node's Run callback and records the returned state.
func (e *Engine) recompute(ctx context.Context, n *Node) {
	n.state = n.cb.Run(ctx, n, n.data)
	n.stats.Recompute++
	switch n.state {
	case StateUpdated:
		e.anyUpdated = true
	case StateCanceled:
		e.canceled = true
	}
	if e.metrics != nil {
		e.metrics.RecordRecompute(e.id, n.name)
	}
	e.emit(ctx, "node_state", n.name, map[string]any{"state": n.state.String(), "via": "run"})
}

// cancelNode marks the node canceled and records the cancellation.
func (e *Engine) cancelNode(ctx context.Context, n *Node) {
	n.state = StateCanceled
	n.stats.Cancel++
	e.canceled = true
	if e.metrics != nil {
		e.metrics.RecordCancel(e.id, n.name)
	}
	e.emit(ctx, "node_canceled", n.name, nil)
}

// computeFailure emits the diagnostic attached to an edge whose handler
// declined, when debug is enabled. The edge-level callback wins; otherwise
// the input node's own ComputeFailureInfo callback is consulted.
func (e *Engine) computeFailure(ctx context.Context, n *Node, in *Input) {
	if !e.debug {
		return
	}
	fi := in.failureInfo
	if fi == nil {
		fi = in.Source.cb.ComputeFailureInfo
	}
	if fi == nil {
		return
	}
	meta := fi(ctx, in.Source, in.Source.data)
	if meta == nil {
		meta = map[string]any{}
	}
	meta["input"] = in.Source.name
	e.emit(ctx, "compute_failure", n.name, meta)
}

// Cleanup releases the data of every node in post-order by invoking each
// node's Cleanup callback. It should be called before the program terminates.
func (e *Engine) Cleanup() {
	for _, n := range e.order {
		if n.cb.Cleanup != nil {
			n.cb.Cleanup(n.data)
		}
		n.data = nil
		n.state = StateStale
	}
	e.initialized = false
}

// NeedRun reports whether the engine needs to run but has not: the force
// flag is set, or any input-less node observes a pending change. Probing a
// leaf invokes its Run callback, which is a pure read; tracked changes are
// not consumed.
func (e *Engine) NeedRun(ctx context.Context) bool {
	if e.forceRecompute {
		return true
	}
	for _, n := range e.order {
		if len(n.inputs) != 0 {
			continue
		}
		n.state = n.cb.Run(ctx, n, n.data)
		if n.state == StateUpdated {
			return true
		}
	}
	return false
}

// HasRun reports whether the engine has run in the last iteration.
func (e *Engine) HasRun() bool { return e.hasRun }

// HasUpdated reports whether any node's data was updated during the last
// iteration; false means nothing changed.
func (e *Engine) HasUpdated() bool { return e.anyUpdated }

// Canceled reports whether processing had to be canceled for at least one
// node during the last iteration.
func (e *Engine) Canceled() bool { return e.canceled }

// NodeChanged reports whether the node's data was updated during the last
// iteration.
func (e *Engine) NodeChanged(n *Node) bool {
	return n != nil && n.state == StateUpdated
}

// Data returns the node's payload for readers outside the engine. If the
// node is not fresh this iteration, the node's IsValid callback decides
// whether the payload is still safe to hand out; without one, Data returns
// nil.
//
// The payload must be mutated only by the node's own Run and change
// handlers; treat it as read-only everywhere else.
func (e *Engine) Data(n *Node) any {
	if n == nil {
		return nil
	}
	if n.state.fresh() {
		return n.data
	}
	if n.cb.IsValid != nil && n.cb.IsValid(n) {
		return n.data
	}
	return nil
}

// InternalData returns the node's payload without any freshness check. Use
// only when validity is guaranteed by construction, e.g. immediately after
// Init and before the first Run.
func (e *Engine) InternalData(n *Node) any {
	if n == nil {
		return nil
	}
	return n.data
}

// Input returns node's input with the given source name, or nil.
func (e *Engine) Input(name string, node *Node) *Node {
	if node == nil {
		return nil
	}
	in := node.input(name)
	if in == nil {
		return nil
	}
	return in.Source
}

// InputData returns the payload of node's input with the given source name,
// subject to the same freshness rules as Data.
func (e *Engine) InputData(name string, node *Node) any {
	return e.Data(e.Input(name, node))
}

// SetForceRecompute forces the next Run to recompute everything. Use it when
// it is unclear whether something changed, or when a change could not be
// processed in the iteration it was observed and cannot be tracked across
// iterations.
func (e *Engine) SetForceRecompute() {
	e.forceRecompute = true
}

// SetForceRecomputeImmediate is SetForceRecompute plus an immediate wake of
// the caller's poll loop, so the next run is not delayed by throttling.
func (e *Engine) SetForceRecomputeImmediate() {
	e.forceRecompute = true
	if e.wake != nil {
		e.wake()
	}
}

// ClearForceRecompute clears the force flag so the next Run does the usual
// incremental processing.
func (e *Engine) ClearForceRecompute() {
	e.forceRecompute = false
}

// ForceRecompute reports whether the next Run is forced to recompute.
func (e *Engine) ForceRecompute() bool { return e.forceRecompute }

// TriggerRecompute requests a full recompute on behalf of an external
// trigger (an operator command, a reconnect) and wakes the poll loop.
func (e *Engine) TriggerRecompute(ctx context.Context) {
	e.emit(ctx, "trigger_recompute", "", nil)
	e.SetForceRecomputeImmediate()
}

// SetContext stores the caller's context for the coming iteration. The
// engine never mutates it.
func (e *Engine) SetContext(ctx *Context) {
	e.ctx = ctx
}

// Context returns the current engine context. During a restricted run
// (recomputeAllowed == false) the returned context's transaction handles are
// nil; change handlers must check for nil and return Unhandled if they need
// one.
func (e *Engine) Context() *Context {
	if e.restricted {
		return e.ctx.masked()
	}
	return e.ctx
}

// emit forwards an event to the configured emitter, if any.
func (e *Engine) emit(_ context.Context, msg, node string, meta map[string]any) {
	if e.emitter == nil {
		return
	}
	e.emitter.Emit(emit.Event{
		EngineID: e.id,
		RunSeq:   e.runSeq,
		Node:     node,
		Msg:      msg,
		Meta:     meta,
	})
}
