// Package engine provides the core incremental processing engine for IncGraph-Go.
package engine

import "context"

// MaxInputs is the maximum number of inputs a single node may declare.
const MaxInputs = 256

// InitArg carries the caller-supplied handles passed to every node's Init
// callback by Engine.Init. Leaf data-source nodes typically capture their
// table handle from Sources; the engine itself never inspects the values.
type InitArg struct {
	// Sources maps source names to opaque handles (table handles, client
	// connections, caches). Keys are a contract between the caller and the
	// nodes' Init callbacks.
	Sources map[string]any

	// Client is an opaque caller pointer available to all Init callbacks.
	Client any
}

// Source returns the named handle, or nil. Safe on a nil receiver.
func (a *InitArg) Source(name string) any {
	if a == nil {
		return nil
	}
	return a.Sources[name]
}

// Callbacks fixes a node's lifecycle behavior at construction time.
//
// Run is mandatory: it fully processes all inputs of the node and regenerates
// the node's data. All other callbacks are optional. Run is guaranteed that
// the engine context's transaction handles are non-nil (it executes only when
// recompute is allowed), with the exception of input-less leaf nodes, whose
// Run is a pure change probe and may execute during restricted iterations.
type Callbacks struct {
	// Init allocates and initializes the node's data. Called exactly once by
	// Engine.Init, bottom-up. The returned value becomes the node's payload.
	Init func(node *Node, arg *InitArg) (any, error)

	// Cleanup releases the node's data. Called exactly once by
	// Engine.Cleanup.
	Cleanup func(data any)

	// Run fully recomputes the node's data from its inputs and returns the
	// resulting state.
	Run func(ctx context.Context, node *Node, data any) NodeState

	// IsValid reports whether the node's data can be used even though the
	// node is not fresh this iteration (e.g. the payload holds no borrowed
	// source records). Consulted by Engine.Data.
	IsValid func(node *Node) bool

	// ClearTracked clears per-iteration tracked data maintained inside the
	// node's payload. Invoked by Engine.InitRun at the start of every
	// iteration.
	ClearTracked func(data any)

	// ComputeFailureInfo describes the node's pending changes when a
	// downstream handler declines to process them. See AddInput.
	ComputeFailureInfo ComputeFailureInfo
}

// Stats counts engine work performed on a node. Counters are monotone for the
// lifetime of one Engine.Init; Init resets them.
type Stats struct {
	// Recompute counts full Run invocations.
	Recompute uint64

	// Compute counts iterations where the node was brought up to date purely
	// by change handlers (at most once per iteration).
	Compute uint64

	// Cancel counts iterations where the node's processing was canceled.
	Cancel uint64
}

// Node is a vertex of the processing DAG. It exists for the data it
// maintains: the payload is the pure outcome of the node's inputs, mutated
// only by the node's own Run and by change handlers registered on the node.
//
// Nodes are constructed with NewNode and wired with AddInput before
// Engine.Init. A node must not be shared between engines.
type Node struct {
	name   string
	inputs []Input
	data   any
	state  NodeState
	cb     Callbacks
	stats  Stats
}

// NewNode constructs a node with the given unique name and callbacks.
// The name is used for diagnostics and for input lookup by name.
func NewNode(name string, cb Callbacks) *Node {
	return &Node{
		name:  name,
		state: StateStale,
		cb:    cb,
	}
}

// Name returns the node's unique name.
func (n *Node) Name() string { return n.name }

// State returns the node's state after the last engine run.
func (n *Node) State() NodeState { return n.state }

// Stats returns a snapshot of the node's work counters.
func (n *Node) Stats() Stats { return n.stats }

// Inputs returns the node's input edges in registration order. The returned
// slice is shared; callers must not modify it.
func (n *Node) Inputs() []Input { return n.inputs }

// input returns the edge whose source bears the given name, or nil.
func (n *Node) input(name string) *Input {
	for i := range n.inputs {
		if n.inputs[i].Source.name == name {
			return &n.inputs[i]
		}
	}
	return nil
}

// AddInput appends a dependency edge to node: source's data participates in
// the generation of node's data, and handler processes source's changes.
//
// A nil handler means the engine cannot process changes of this input
// incrementally and will fall back to a full recompute of node whenever
// source reports a change.
//
// Wiring is a design-time activity; AddInput fails if node already carries
// MaxInputs inputs or a sibling input with the same source name.
func AddInput(node, source *Node, handler ChangeHandler) error {
	return AddInputWithComputeDebug(node, source, handler, nil)
}

// AddInputWithComputeDebug is AddInput with a per-edge diagnostic callback.
// When handler returns Unhandled and the engine runs with debug enabled,
// failureInfo (or, if nil, source's own ComputeFailureInfo callback) is
// invoked and its result emitted as a compute_failure event.
func AddInputWithComputeDebug(node, source *Node, handler ChangeHandler, failureInfo ComputeFailureInfo) error {
	if node == nil || source == nil {
		return &EngineError{Message: "node and source must be non-nil", Code: "NIL_NODE"}
	}
	if len(node.inputs) >= MaxInputs {
		return &EngineError{
			Message: "node " + node.name + " already has the maximum number of inputs",
			Code:    "MAX_INPUTS_EXCEEDED",
		}
	}
	if node.input(source.name) != nil {
		return &EngineError{
			Message: "node " + node.name + " already has an input named " + source.name,
			Code:    "DUPLICATE_INPUT",
		}
	}

	node.inputs = append(node.inputs, Input{
		Source:      source,
		Handler:     handler,
		failureInfo: failureInfo,
	})
	return nil
}
