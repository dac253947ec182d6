package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

// tnData is the payload of the test nodes used across the engine tests.
// runState is the state the node's run callback reports next.
type tnData struct {
	runState NodeState
}

// testNode builds a node whose run callback reports the payload's runState.
func testNode(name string, runState NodeState) *Node {
	return NewNode(name, Callbacks{
		Init: func(_ *Node, _ *InitArg) (any, error) {
			return &tnData{runState: runState}, nil
		},
		Run: func(_ context.Context, _ *Node, data any) NodeState {
			return data.(*tnData).runState
		},
	})
}

func TestNewNode(t *testing.T) {
	n := NewNode("ports", Callbacks{})

	if n.Name() != "ports" {
		t.Errorf("Name() = %q, want %q", n.Name(), "ports")
	}
	if n.State() != StateStale {
		t.Errorf("State() = %v, want %v", n.State(), StateStale)
	}
	if s := n.Stats(); s.Recompute != 0 || s.Compute != 0 || s.Cancel != 0 {
		t.Errorf("fresh node has nonzero stats: %+v", s)
	}
	if len(n.Inputs()) != 0 {
		t.Errorf("fresh node has %d inputs, want 0", len(n.Inputs()))
	}
}

func TestAddInput(t *testing.T) {
	t.Run("registration order preserved", func(t *testing.T) {
		n := testNode("out", StateUpdated)
		a := testNode("a", StateUnchanged)
		b := testNode("b", StateUnchanged)

		if err := AddInput(n, a, nil); err != nil {
			t.Fatalf("AddInput(a) failed: %v", err)
		}
		if err := AddInput(n, b, NoopHandler); err != nil {
			t.Fatalf("AddInput(b) failed: %v", err)
		}

		inputs := n.Inputs()
		if len(inputs) != 2 {
			t.Fatalf("got %d inputs, want 2", len(inputs))
		}
		if inputs[0].Source != a || inputs[1].Source != b {
			t.Error("inputs are not in registration order")
		}
		if inputs[0].Handler != nil {
			t.Error("input a unexpectedly has a handler")
		}
		if inputs[1].Handler == nil {
			t.Error("input b lost its handler")
		}
	})

	t.Run("nil node", func(t *testing.T) {
		var engErr *EngineError
		err := AddInput(nil, testNode("a", StateUnchanged), nil)
		if !errors.As(err, &engErr) || engErr.Code != "NIL_NODE" {
			t.Errorf("expected NIL_NODE error, got %v", err)
		}
	})

	t.Run("nil source", func(t *testing.T) {
		err := AddInput(testNode("out", StateUpdated), nil, nil)
		if err == nil {
			t.Error("expected error for nil source, got nil")
		}
	})

	t.Run("duplicate source name", func(t *testing.T) {
		n := testNode("out", StateUpdated)
		if err := AddInput(n, testNode("a", StateUnchanged), nil); err != nil {
			t.Fatalf("first AddInput failed: %v", err)
		}

		var engErr *EngineError
		err := AddInput(n, testNode("a", StateUnchanged), nil)
		if !errors.As(err, &engErr) || engErr.Code != "DUPLICATE_INPUT" {
			t.Errorf("expected DUPLICATE_INPUT error, got %v", err)
		}
	})

	t.Run("input capacity", func(t *testing.T) {
		n := testNode("out", StateUpdated)
		for i := 0; i < MaxInputs; i++ {
			if err := AddInput(n, testNode(fmt.Sprintf("in%d", i), StateUnchanged), nil); err != nil {
				t.Fatalf("AddInput(%d) failed: %v", i, err)
			}
		}

		var engErr *EngineError
		err := AddInput(n, testNode("overflow", StateUnchanged), nil)
		if !errors.As(err, &engErr) || engErr.Code != "MAX_INPUTS_EXCEEDED" {
			t.Errorf("expected MAX_INPUTS_EXCEEDED error, got %v", err)
		}
	})
}

func TestNoopHandler(t *testing.T) {
	if got := NoopHandler(context.Background(), nil, nil); got != HandledUnchanged {
		t.Errorf("NoopHandler() = %v, want %v", got, HandledUnchanged)
	}
}

func TestInitArg_Source(t *testing.T) {
	t.Run("nil receiver", func(t *testing.T) {
		var arg *InitArg
		if got := arg.Source("anything"); got != nil {
			t.Errorf("nil InitArg.Source() = %v, want nil", got)
		}
	})

	t.Run("lookup", func(t *testing.T) {
		arg := &InitArg{Sources: map[string]any{"sb": 42}}
		if got := arg.Source("sb"); got != 42 {
			t.Errorf("Source(sb) = %v, want 42", got)
		}
		if got := arg.Source("nb"); got != nil {
			t.Errorf("Source(nb) = %v, want nil", got)
		}
	})
}
