package source

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/dshills/incgraph-go/engine"
)

func TestChange_Describe(t *testing.T) {
	cases := []struct {
		change Change
		want   string
	}{
		{Change{Kind: ChangeInsert, Key: "p1"}, "p1 (New)"},
		{Change{Kind: ChangeDelete, Key: "p1"}, "p1 (Deleted)"},
		{Change{Kind: ChangeUpdate, Key: "p1", Columns: []string{"mac", "up"}}, "p1 (Updated) columns: mac,up"},
		{Change{Kind: ChangeUpdate, Key: "p1"}, "p1 (Updated)"},
	}
	for _, tc := range cases {
		if got := tc.change.describe(); got != tc.want {
			t.Errorf("describe(%+v) = %q, want %q", tc.change, got, tc.want)
		}
	}
}

func TestTableNode_RunProbesTrackedChanges(t *testing.T) {
	ctx := context.Background()
	tbl := NewMemTable("ports")
	node := NewTableNodeFor("ports", tbl)

	e := engine.New()
	if err := e.Init(node, nil); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	t.Run("no changes means unchanged", func(t *testing.T) {
		e.InitRun()
		e.Run(ctx, true)
		if node.State() != engine.StateUnchanged {
			t.Errorf("state = %v, want unchanged", node.State())
		}
	})

	t.Run("a write means updated", func(t *testing.T) {
		tbl.Insert("p1", map[string]any{"mac": "aa:bb"})
		e.InitRun()
		e.Run(ctx, true)
		if node.State() != engine.StateUpdated {
			t.Errorf("state = %v, want updated", node.State())
		}
	})

	t.Run("engine does not consume the window", func(t *testing.T) {
		// The change stays observable until the caller advances the window.
		e.InitRun()
		e.Run(ctx, true)
		if node.State() != engine.StateUpdated {
			t.Errorf("state = %v, want updated while the window is open", node.State())
		}
	})

	t.Run("caller advances the window", func(t *testing.T) {
		tbl.ClearTracked()
		e.InitRun()
		e.Run(ctx, true)
		if node.State() != engine.StateUnchanged {
			t.Errorf("state = %v, want unchanged after window reset", node.State())
		}
	})
}

func TestTableNode_InitFromSources(t *testing.T) {
	t.Run("captures the handle", func(t *testing.T) {
		tbl := NewMemTable("ports")
		node := NewTableNode("ports")

		e := engine.New()
		arg := &engine.InitArg{Sources: map[string]any{"ports": tbl}}
		if err := e.Init(node, arg); err != nil {
			t.Fatalf("Init failed: %v", err)
		}

		d := engine.InternalDataAs[TableData](e, node)
		if d == nil || d.Table != TrackedTable(tbl) {
			t.Error("table handle was not captured from init sources")
		}
	})

	t.Run("missing handle is fatal", func(t *testing.T) {
		node := NewTableNode("ports")
		e := engine.New()
		if err := e.Init(node, &engine.InitArg{}); err == nil {
			t.Error("expected Init to fail without a table handle")
		}
	})
}

func TestTableNode_DataFreshness(t *testing.T) {
	ctx := context.Background()
	tbl := NewMemTable("ports")
	node := NewTableNodeFor("ports", tbl)

	e := engine.New()
	if err := e.Init(node, nil); err != nil {
		t.Fatal(err)
	}

	if _, ok := Data(e, node); ok {
		t.Error("Data handed out a stale payload")
	}

	e.InitRun()
	e.Run(ctx, true)
	d, ok := Data(e, node)
	if !ok || d == nil {
		t.Fatal("Data failed for a fresh leaf")
	}
	if d.Table.Name() != "ports" {
		t.Errorf("payload table = %q, want ports", d.Table.Name())
	}
}

func TestIndexRegistry(t *testing.T) {
	tbl := NewMemTable("ports")
	node := NewTableNodeFor("ports", tbl)
	e := engine.New()
	if err := e.Init(node, nil); err != nil {
		t.Fatal(err)
	}

	t.Run("add and get", func(t *testing.T) {
		byMAC := map[string]string{"aa:bb": "p1"}
		if err := AddIndex(e, node, "by_mac", byMAC); err != nil {
			t.Fatalf("AddIndex failed: %v", err)
		}
		got, ok := Index(e, node, "by_mac").(map[string]string)
		if !ok || got["aa:bb"] != "p1" {
			t.Error("Index did not return the registered object")
		}
		if Index(e, node, "missing") != nil {
			t.Error("Index returned something for an unknown name")
		}
	})

	t.Run("duplicate name", func(t *testing.T) {
		var engErr *engine.EngineError
		err := AddIndex(e, node, "by_mac", 1)
		if !errors.As(err, &engErr) || engErr.Code != "DUPLICATE_INDEX" {
			t.Errorf("expected DUPLICATE_INDEX error, got %v", err)
		}
	})

	t.Run("capacity", func(t *testing.T) {
		tbl2 := NewMemTable("big")
		node2 := NewTableNodeFor("big", tbl2)
		e2 := engine.New()
		if err := e2.Init(node2, nil); err != nil {
			t.Fatal(err)
		}
		for i := 0; i < MaxIndexes; i++ {
			if err := AddIndex(e2, node2, fmt.Sprintf("idx%d", i), i); err != nil {
				t.Fatalf("AddIndex(%d) failed: %v", i, err)
			}
		}
		var engErr *engine.EngineError
		err := AddIndex(e2, node2, "overflow", 0)
		if !errors.As(err, &engErr) || engErr.Code != "MAX_INDEXES_EXCEEDED" {
			t.Errorf("expected MAX_INDEXES_EXCEEDED error, got %v", err)
		}
	})

	t.Run("not a table node", func(t *testing.T) {
		plain := engine.NewNode("plain", engine.Callbacks{
			Run: func(_ context.Context, _ *engine.Node, _ any) engine.NodeState {
				return engine.StateUnchanged
			},
		})
		e3 := engine.New()
		if err := e3.Init(plain, nil); err != nil {
			t.Fatal(err)
		}
		if err := AddIndex(e3, plain, "x", 1); err == nil {
			t.Error("AddIndex accepted a non-table node")
		}
		if Index(e3, plain, "x") != nil {
			t.Error("Index returned something for a non-table node")
		}
	})
}

func TestTableFailureInfo(t *testing.T) {
	ctx := context.Background()
	tbl := NewMemTable("ports")
	tbl.Insert("p1", map[string]any{"mac": "aa:bb"})
	tbl.Update("p1", map[string]any{"up": true})

	data := NewTableData(tbl)
	meta := tableFailureInfo(ctx, nil, data)
	if meta == nil {
		t.Fatal("failure info returned nil")
	}
	if meta["table"] != "ports" {
		t.Errorf("table = %v, want ports", meta["table"])
	}
	lines, ok := meta["changes"].([]string)
	if !ok || len(lines) != 2 {
		t.Fatalf("changes = %v, want two lines", meta["changes"])
	}
	if lines[0] != "p1 (New)" {
		t.Errorf("line 0 = %q", lines[0])
	}
	if lines[1] != "p1 (Updated) columns: up" {
		t.Errorf("line 1 = %q", lines[1])
	}
}

// TestTableNode_EndToEndIncremental exercises a leaf feeding a consumer that
// handles changes incrementally against the tracked-change enumeration.
func TestTableNode_EndToEndIncremental(t *testing.T) {
	ctx := context.Background()
	tbl := NewMemTable("ports")
	leaf := NewTableNodeFor("ports", tbl)

	// The consumer mirrors the table's row keys.
	type mirror struct{ keys map[string]bool }

	var e *engine.Engine
	consumer := engine.NewNode("mirror", engine.Callbacks{
		Init: func(_ *engine.Node, _ *engine.InitArg) (any, error) {
			return &mirror{keys: make(map[string]bool)}, nil
		},
		Run: func(_ context.Context, _ *engine.Node, data any) engine.NodeState {
			m := data.(*mirror)
			m.keys = make(map[string]bool)
			for _, k := range tbl.Keys() {
				m.keys[k] = true
			}
			return engine.StateUpdated
		},
	})

	handler := func(hctx context.Context, node *engine.Node, data any) engine.HandlerResult {
		m := data.(*mirror)
		d, ok := Data(e, e.Input("ports", node))
		if !ok {
			return engine.Unhandled
		}
		changes, err := d.Table.TrackedChanges(hctx)
		if err != nil {
			return engine.Unhandled
		}
		for _, c := range changes {
			switch c.Kind {
			case ChangeDelete:
				delete(m.keys, c.Key)
			default:
				m.keys[c.Key] = true
			}
		}
		return engine.HandledUpdated
	}
	if err := engine.AddInput(consumer, leaf, handler); err != nil {
		t.Fatal(err)
	}

	e = engine.New()
	if err := e.Init(consumer, nil); err != nil {
		t.Fatal(err)
	}

	// First change arrives incrementally.
	tbl.Insert("p1", map[string]any{"mac": "aa:bb"})
	e.InitRun()
	e.Run(ctx, true)

	m := engine.InternalDataAs[mirror](e, consumer)
	if !m.keys["p1"] {
		t.Error("incremental insert did not reach the mirror")
	}
	if s := consumer.Stats(); s.Compute != 1 || s.Recompute != 0 {
		t.Errorf("consumer stats = %+v, want compute=1 recompute=0", s)
	}

	// A delete in a later iteration is also handled incrementally.
	tbl.ClearTracked()
	tbl.Delete("p1")
	e.InitRun()
	e.Run(ctx, true)
	if m.keys["p1"] {
		t.Error("incremental delete did not reach the mirror")
	}
}
