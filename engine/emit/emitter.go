// Package emit provides event emission and observability for engine runs.
package emit

import "context"

// Emitter receives and processes observability events from engine execution.
//
// Emitters enable pluggable observability backends:
// - Logging: stdout, files, syslog.
// - Distributed tracing: OpenTelemetry, Jaeger, Zipkin.
// - Metrics and analytics pipelines.
//
// Implementations should be:
// - Non-blocking: Avoid slowing down the traversal.
// - Resilient: Handle failures gracefully (never crash the engine).
//
// The engine itself is single-threaded, so emitters are invoked from one
// goroutine at a time per engine; an emitter shared between engines must be
// safe for concurrent use.
type Emitter interface {
	// Emit sends an observability event to the configured backend.
	//
	// Implementations should not block the traversal. If the backend is
	// unavailable or slow, events should be buffered, dropped with internal
	// error logging, or sent asynchronously. Emit should not panic.
	Emit(event Event)

	// EmitBatch sends multiple events in a single operation.
	//
	// Batching amortizes backend round-trips and serialization overhead for
	// high-volume traversals. Implementations should process events in
	// order, handle partial failures gracefully, and return an error only
	// on catastrophic failures (e.g. configuration errors).
	EmitBatch(ctx context.Context, events []Event) error

	// Flush ensures all buffered events are sent to the backend.
	//
	// Call it before shutdown to prevent event loss. Implementations should
	// block until buffered events are delivered or ctx expires, and be safe
	// to call multiple times.
	Flush(ctx context.Context) error
}
