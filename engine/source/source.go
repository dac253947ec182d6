// Package source provides the data-source leaf adapter pattern for
// IncGraph-Go: engine nodes that expose external tables as engine inputs.
//
// A leaf node's payload is a TableData record: the table handle plus a small
// registry of named secondary indexes. The node advertises change by
// consulting the source's own tracked-change probe in its run callback, so a
// traversal touches the data source only to ask "did anything change since
// the last observation".
//
// The adapter is a pattern, not a hard dependency: engines may define leaf
// nodes of arbitrary shape.
package source

import (
	"context"
	"fmt"
	"strings"

	"github.com/dshills/incgraph-go/engine"
)

// MaxIndexes is the maximum number of secondary indexes a leaf node may
// carry.
const MaxIndexes = 256

// ChangeKind classifies one tracked row change.
type ChangeKind int

const (
	// ChangeInsert marks a row inserted since the last observation.
	ChangeInsert ChangeKind = iota

	// ChangeUpdate marks a row modified since the last observation.
	ChangeUpdate

	// ChangeDelete marks a row deleted since the last observation.
	ChangeDelete
)

// String returns the kind name for diagnostics.
func (k ChangeKind) String() string {
	switch k {
	case ChangeInsert:
		return "insert"
	case ChangeUpdate:
		return "update"
	case ChangeDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Change is one tracked row change of a table since the last observation.
type Change struct {
	// Kind classifies the change.
	Kind ChangeKind

	// Key identifies the affected row.
	Key string

	// Columns names the modified columns, for updates only.
	Columns []string
}

// describe renders the change the way compute-failure dumps report it.
func (c Change) describe() string {
	switch c.Kind {
	case ChangeInsert:
		return c.Key + " (New)"
	case ChangeDelete:
		return c.Key + " (Deleted)"
	default:
		s := c.Key + " (Updated)"
		if len(c.Columns) > 0 {
			s += " columns: " + strings.Join(c.Columns, ",")
		}
		return s
	}
}

// TrackedTable is the probe surface a leaf node needs from a data source:
// a name, an "anything changed since last observation" probe, an enumeration
// of the tracked changes, and a way to start a fresh observation window.
//
// HasTrackedChanges and TrackedChanges are pure reads; only ClearTracked
// advances the observation window. The engine never advances it: the
// caller's poll loop calls ClearTracked at the end of an iteration whose run
// consumed the changes, so changes arriving between iterations are not
// discarded unseen.
type TrackedTable interface {
	// Name returns the table name.
	Name() string

	// HasTrackedChanges reports whether any tracked change exists since the
	// last ClearTracked.
	HasTrackedChanges(ctx context.Context) (bool, error)

	// TrackedChanges enumerates the tracked changes since the last
	// ClearTracked, in the order they were observed.
	TrackedChanges(ctx context.Context) ([]Change, error)

	// ClearTracked starts a fresh observation window, discarding the
	// currently tracked changes.
	ClearTracked()
}

// TableData is the payload of a data-source leaf node: the table handle plus
// a registry of named secondary indexes.
type TableData struct {
	// Table is the external table exposed by this node.
	Table TrackedTable

	indexes map[string]any
}

// NewTableData wraps a table handle in a leaf-node payload.
func NewTableData(tbl TrackedTable) *TableData {
	return &TableData{
		Table:   tbl,
		indexes: make(map[string]any),
	}
}

// AddIndex registers a named secondary index on the payload. Index objects
// are opaque to the engine; consumers look them up by name and interpret
// them. Fails on duplicate names and when MaxIndexes is reached.
func (d *TableData) AddIndex(name string, idx any) error {
	if len(d.indexes) >= MaxIndexes {
		return &engine.EngineError{
			Message: "table " + d.Table.Name() + " already has the maximum number of indexes",
			Code:    "MAX_INDEXES_EXCEEDED",
		}
	}
	if _, ok := d.indexes[name]; ok {
		return &engine.EngineError{
			Message: "table " + d.Table.Name() + " already has an index named " + name,
			Code:    "DUPLICATE_INDEX",
		}
	}
	d.indexes[name] = idx
	return nil
}

// Index returns the named secondary index, or nil.
func (d *TableData) Index(name string) any {
	return d.indexes[name]
}

// NewTableNode builds a leaf engine node exposing the named table as an
// engine input. The node's Init callback captures the table handle from the
// init argument: InitArg.Sources must carry a TrackedTable under the node's
// name.
func NewTableNode(name string) *engine.Node {
	return newTableNode(name, name, nil)
}

// NewTableNodeFor is NewTableNode with the table handle bound directly,
// bypassing the InitArg lookup. Convenient for tests and small programs.
func NewTableNodeFor(name string, tbl TrackedTable) *engine.Node {
	return newTableNode(name, name, tbl)
}

func newTableNode(name, sourceKey string, bound TrackedTable) *engine.Node {
	return engine.NewNode(name, engine.Callbacks{
		Init: func(_ *engine.Node, arg *engine.InitArg) (any, error) {
			tbl := bound
			if tbl == nil {
				var ok bool
				tbl, ok = arg.Source(sourceKey).(TrackedTable)
				if !ok {
					return nil, fmt.Errorf("init sources carry no tracked table under %q", sourceKey)
				}
			}
			return NewTableData(tbl), nil
		},
		Run: func(ctx context.Context, _ *engine.Node, data any) engine.NodeState {
			d := data.(*TableData)
			changed, err := d.Table.HasTrackedChanges(ctx)
			if err != nil {
				// A failed probe counts as a change; dependents process it
				// like any other update of this node.
				return engine.StateUpdated
			}
			if changed {
				return engine.StateUpdated
			}
			return engine.StateUnchanged
		},
		ComputeFailureInfo: tableFailureInfo,
	})
}

// tableFailureInfo enumerates the tracked rows of the table and classifies
// each as insert, delete or update (with the changed column names), matching
// the shape of the source's tracked-change records.
func tableFailureInfo(ctx context.Context, _ *engine.Node, data any) map[string]any {
	d, ok := data.(*TableData)
	if !ok || d == nil {
		return nil
	}
	meta := map[string]any{"table": d.Table.Name()}
	changes, err := d.Table.TrackedChanges(ctx)
	if err != nil {
		meta["error"] = err.Error()
		return meta
	}
	lines := make([]string, 0, len(changes))
	for _, c := range changes {
		lines = append(lines, c.describe())
	}
	meta["changes"] = lines
	return meta
}

// Data returns the leaf node's payload subject to the engine's freshness
// rules.
func Data(e *engine.Engine, n *engine.Node) (*TableData, bool) {
	return engine.DataAs[TableData](e, n)
}

// AddIndex registers a named secondary index on a leaf node. It should be
// called only after Engine.Init, as the index registry lives in the node's
// payload.
func AddIndex(e *engine.Engine, n *engine.Node, name string, idx any) error {
	d := engine.InternalDataAs[TableData](e, n)
	if d == nil {
		return &engine.EngineError{
			Message: "node " + n.Name() + " carries no table data",
			Code:    "NOT_A_TABLE_NODE",
		}
	}
	return d.AddIndex(name, idx)
}

// Index returns the named secondary index of a leaf node, or nil.
func Index(e *engine.Engine, n *engine.Node, name string) any {
	d := engine.InternalDataAs[TableData](e, n)
	if d == nil {
		return nil
	}
	return d.Index(name)
}
