// Package pulse is the execution infrastructure of digest: detached task
// dispatch (async), batch fan-out (batch), call pacing (budget), backoff
// (retry) and recurring triggers (schedule).
package pulse

// ProgressObserver receives batch completion counts while a job runs.
// Calls arrive in order from a single goroutine and never under a lock, so
// implementations may block or call back into stores.
type ProgressObserver interface {
	BatchProgress(completed, total int)
}

// ProgressFunc adapts a function to ProgressObserver
type ProgressFunc func(completed, total int)

// BatchProgress calls f
func (f ProgressFunc) BatchProgress(completed, total int) {
	f(completed, total)
}

// NopProgress discards progress
type NopProgress struct{}

// BatchProgress does nothing
func (NopProgress) BatchProgress(int, int) {}
