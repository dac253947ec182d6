// Package engine provides the core incremental processing engine for IncGraph-Go.
package engine

// DataAs returns the node's payload as *D, subject to the freshness rules of
// Engine.Data. The second return is false when the payload is unavailable or
// is not a *D.
//
// Payload access is by borrow: the engine retains ownership and the payload
// is read-only to everyone but the owning node's Run and handlers.
func DataAs[D any](e *Engine, n *Node) (*D, bool) {
	d, ok := e.Data(n).(*D)
	return d, ok
}

// InternalDataAs returns the node's payload as *D without freshness checks,
// or nil if the payload is not a *D. Use only when validity is guaranteed,
// e.g. between Init and the first Run.
func InternalDataAs[D any](e *Engine, n *Node) *D {
	d, _ := e.InternalData(n).(*D)
	return d
}

// InputDataAs returns the payload of node's input with the given source name
// as *D, subject to the freshness rules of Engine.Data.
func InputDataAs[D any](e *Engine, name string, node *Node) (*D, bool) {
	d, ok := e.InputData(name, node).(*D)
	return d, ok
}
