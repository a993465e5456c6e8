package bridge

import "errors"

// Error kinds named exactly as spec.md §4.3 "Timeouts & retry" and
// "Backpressure" name them.
var (
	ErrTimeout     = errors.New("bridge: request timed out")
	ErrUnavailable = errors.New("bridge: no healthy endpoint")
	ErrBusy        = errors.New("bridge: in-flight cap reached")
)
