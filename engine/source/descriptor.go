package source

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/dshills/incgraph-go/engine"
)

// Descriptor declares one data-source table to expose as an engine leaf
// node. Descriptors let a control plane stamp out its whole family of table
// nodes from a configuration document instead of hand-writing one
// constructor call per table.
//
// YAML shape:
//
//	tables:
//	  - name: sb_port_binding
//	    source: sb
//	    indexes: [by_datapath, by_chassis]
//	  - name: ovs_interface
type Descriptor struct {
	// Name is the leaf node's (and by default the source's) name.
	Name string `yaml:"name"`

	// Source overrides the InitArg.Sources key the table handle is captured
	// from. Empty means Name.
	Source string `yaml:"source,omitempty"`

	// Indexes names the secondary indexes the node is expected to carry.
	// RegisterIndexes builds and registers them after Engine.Init.
	Indexes []string `yaml:"indexes,omitempty"`
}

// sourceKey returns the InitArg.Sources key for this descriptor.
func (d Descriptor) sourceKey() string {
	if d.Source != "" {
		return d.Source
	}
	return d.Name
}

type descriptorFile struct {
	Tables []Descriptor `yaml:"tables"`
}

// LoadDescriptors parses a YAML document of table descriptors and validates
// names and index declarations.
func LoadDescriptors(r io.Reader) ([]Descriptor, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read descriptors: %w", err)
	}

	var file descriptorFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to parse descriptors: %w", err)
	}

	seen := make(map[string]bool, len(file.Tables))
	for _, d := range file.Tables {
		if d.Name == "" {
			return nil, fmt.Errorf("table descriptor with empty name")
		}
		if seen[d.Name] {
			return nil, fmt.Errorf("duplicate table descriptor %q", d.Name)
		}
		seen[d.Name] = true

		if len(d.Indexes) > MaxIndexes {
			return nil, fmt.Errorf("table %q declares more than %d indexes", d.Name, MaxIndexes)
		}
		idxSeen := make(map[string]bool, len(d.Indexes))
		for _, idx := range d.Indexes {
			if idx == "" {
				return nil, fmt.Errorf("table %q declares an index with empty name", d.Name)
			}
			if idxSeen[idx] {
				return nil, fmt.Errorf("table %q declares index %q twice", d.Name, idx)
			}
			idxSeen[idx] = true
		}
	}
	return file.Tables, nil
}

// NodesFromDescriptors emits one leaf node per descriptor. Each node's Init
// captures its table handle from InitArg.Sources under the descriptor's
// source key.
func NodesFromDescriptors(descs []Descriptor) ([]*engine.Node, error) {
	nodes := make([]*engine.Node, 0, len(descs))
	seen := make(map[string]bool, len(descs))
	for _, d := range descs {
		if d.Name == "" {
			return nil, fmt.Errorf("table descriptor with empty name")
		}
		if seen[d.Name] {
			return nil, fmt.Errorf("duplicate table descriptor %q", d.Name)
		}
		seen[d.Name] = true
		nodes = append(nodes, newTableNode(d.Name, d.sourceKey(), nil))
	}
	return nodes, nil
}

// IndexBuilder constructs the named secondary index for a table. Invoked by
// RegisterIndexes once per declared index.
type IndexBuilder func(tbl TrackedTable, name string) (any, error)

// RegisterIndexes builds and registers the descriptor's declared indexes on
// the leaf node. It must be called after Engine.Init, as the registry lives
// in the node's payload.
func RegisterIndexes(e *engine.Engine, n *engine.Node, desc Descriptor, build IndexBuilder) error {
	d := engine.InternalDataAs[TableData](e, n)
	if d == nil {
		return &engine.EngineError{
			Message: "node " + n.Name() + " carries no table data",
			Code:    "NOT_A_TABLE_NODE",
		}
	}
	for _, name := range desc.Indexes {
		idx, err := build(d.Table, name)
		if err != nil {
			return fmt.Errorf("failed to build index %q for table %q: %w", name, d.Table.Name(), err)
		}
		if err := d.AddIndex(name, idx); err != nil {
			return err
		}
	}
	return nil
}
