// Package telemetry carries the ambient logging/tracing stack: a Sink
// pipeline adapted from the teacher's observe package (observe/sink.go),
// completed with the Event type the retrieval pack dropped, plus an
// OpenTelemetry tracer wired around every memory-engine operation.
package telemetry

import "time"

// Event is one structured log record: an operation name, severity, a
// free-form field bag, and an optional error.
type Event struct {
	Op     string
	Level  string // "debug", "info", "warn", "error"
	Fields map[string]any
	Err    error
	At     time.Time
}

// Normalize fills in defaults (timestamp, level, field map) so sinks never
// see a zero-value Event.
func (e *Event) Normalize() {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	if e.Level == "" {
		e.Level = "info"
	}
	if e.Fields == nil {
		e.Fields = map[string]any{}
	}
}
