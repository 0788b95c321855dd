// Package progress provides the run events, the non-blocking hub, and the
// emitter interface the sweep and run driver use to report harvest progress.
// The hub batches events on a background goroutine and fans them out to sinks
// such as the structured log, Prometheus metrics, and the in-memory run status.
package progress
