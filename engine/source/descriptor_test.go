package source

import (
	"context"
	"strings"
	"testing"

	"github.com/dshills/incgraph-go/engine"
)

const testDescriptors = `
tables:
  - name: sb_port_binding
    source: sb
    indexes: [by_datapath, by_chassis]
  - name: ovs_interface
`

func TestLoadDescriptors(t *testing.T) {
	t.Run("valid document", func(t *testing.T) {
		descs, err := LoadDescriptors(strings.NewReader(testDescriptors))
		if err != nil {
			t.Fatalf("LoadDescriptors failed: %v", err)
		}
		if len(descs) != 2 {
			t.Fatalf("got %d descriptors, want 2", len(descs))
		}
		if descs[0].Name != "sb_port_binding" || descs[0].Source != "sb" {
			t.Errorf("descriptor 0 = %+v", descs[0])
		}
		if len(descs[0].Indexes) != 2 || descs[0].Indexes[0] != "by_datapath" {
			t.Errorf("descriptor 0 indexes = %v", descs[0].Indexes)
		}
		if descs[1].Name != "ovs_interface" || descs[1].Source != "" {
			t.Errorf("descriptor 1 = %+v", descs[1])
		}
	})

	t.Run("empty name", func(t *testing.T) {
		if _, err := LoadDescriptors(strings.NewReader("tables:\n  - source: sb\n")); err == nil {
			t.Error("expected error for a nameless descriptor")
		}
	})

	t.Run("duplicate name", func(t *testing.T) {
		doc := "tables:\n  - name: a\n  - name: a\n"
		if _, err := LoadDescriptors(strings.NewReader(doc)); err == nil {
			t.Error("expected error for duplicate descriptors")
		}
	})

	t.Run("duplicate index", func(t *testing.T) {
		doc := "tables:\n  - name: a\n    indexes: [x, x]\n"
		if _, err := LoadDescriptors(strings.NewReader(doc)); err == nil {
			t.Error("expected error for duplicate indexes")
		}
	})

	t.Run("malformed yaml", func(t *testing.T) {
		if _, err := LoadDescriptors(strings.NewReader("tables: [")); err == nil {
			t.Error("expected error for malformed yaml")
		}
	})
}

func TestNodesFromDescriptors(t *testing.T) {
	descs, err := LoadDescriptors(strings.NewReader(testDescriptors))
	if err != nil {
		t.Fatal(err)
	}

	nodes, err := NodesFromDescriptors(descs)
	if err != nil {
		t.Fatalf("NodesFromDescriptors failed: %v", err)
	}
	if len(nodes) != 2 {
		t.Fatalf("got %d nodes, want 2", len(nodes))
	}
	if nodes[0].Name() != "sb_port_binding" || nodes[1].Name() != "ovs_interface" {
		t.Errorf("node names = %q, %q", nodes[0].Name(), nodes[1].Name())
	}

	// The first descriptor captures its handle from the "sb" source key, the
	// second defaults to its own name.
	sb := NewMemTable("sb_port_binding")
	iface := NewMemTable("ovs_interface")
	root := engine.NewNode("root", engine.Callbacks{
		Run: func(_ context.Context, _ *engine.Node, _ any) engine.NodeState {
			return engine.StateUnchanged
		},
	})
	for _, n := range nodes {
		if err := engine.AddInput(root, n, nil); err != nil {
			t.Fatal(err)
		}
	}

	e := engine.New()
	arg := &engine.InitArg{Sources: map[string]any{
		"sb":            sb,
		"ovs_interface": iface,
	}}
	if err := e.Init(root, arg); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	if d := engine.InternalDataAs[TableData](e, nodes[0]); d == nil || d.Table != TrackedTable(sb) {
		t.Error("descriptor source key was not honored")
	}
	if d := engine.InternalDataAs[TableData](e, nodes[1]); d == nil || d.Table != TrackedTable(iface) {
		t.Error("default source key was not honored")
	}
}

func TestNodesFromDescriptors_DuplicateName(t *testing.T) {
	if _, err := NodesFromDescriptors([]Descriptor{{Name: "a"}, {Name: "a"}}); err == nil {
		t.Error("expected error for duplicate descriptors")
	}
}

func TestRegisterIndexes(t *testing.T) {
	descs, err := LoadDescriptors(strings.NewReader(testDescriptors))
	if err != nil {
		t.Fatal(err)
	}

	tbl := NewMemTable("sb_port_binding")
	node := NewTableNodeFor("sb_port_binding", tbl)
	e := engine.New()
	if err := e.Init(node, nil); err != nil {
		t.Fatal(err)
	}

	built := []string{}
	build := func(t TrackedTable, name string) (any, error) {
		built = append(built, name)
		return name + "@" + t.Name(), nil
	}
	if err := RegisterIndexes(e, node, descs[0], build); err != nil {
		t.Fatalf("RegisterIndexes failed: %v", err)
	}

	if len(built) != 2 {
		t.Fatalf("built %d indexes, want 2", len(built))
	}
	if got := Index(e, node, "by_datapath"); got != "by_datapath@sb_port_binding" {
		t.Errorf("by_datapath index = %v", got)
	}
	if got := Index(e, node, "by_chassis"); got != "by_chassis@sb_port_binding" {
		t.Errorf("by_chassis index = %v", got)
	}
}
