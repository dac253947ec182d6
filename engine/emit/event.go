package emit

// Event represents an observability event emitted during engine processing.
//
// Events provide insight into traversal behavior:
//   - Run start/end with mode and outcome
//   - Per-node state transitions
//   - Cancellations and compute failures
//   - External recompute triggers
//
// Events are emitted to an Emitter which can:
//   - Log to stdout/stderr
//   - Send to OpenTelemetry
//   - Store in time-series databases
//   - Trigger alerts
type Event struct {
	// EngineID identifies the engine instance that emitted this event.
	EngineID string

	// RunSeq is the iteration sequence number of the engine run this event
	// belongs to (1-indexed). Events emitted between runs (e.g.
	// trigger_recompute) carry the sequence number of the last run, zero
	// before the first run.
	RunSeq uint64

	// Node identifies which node the event concerns.
	// Empty string for engine-level events (run_start, run_end).
	Node string

	// Msg is a short machine-friendly description of the event, e.g.
	// "run_start", "node_state", "node_canceled", "compute_failure".
	Msg string

	// Meta contains additional structured data specific to this event.
	// Common keys:
	//   - "mode": traversal mode ("incremental", "forced")
	//   - "state": the node state reached ("updated", "unchanged", ...)
	//   - "outcome": run outcome ("completed", "canceled")
	//   - "input": the input whose change could not be handled
	Meta map[string]any
}
