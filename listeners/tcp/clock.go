package tcp

import "time"

// processStart anchors monotonicNanos; time.Since relies on the monotonic
// reading Go's runtime attaches to time.Now(), so durations from a fixed
// start are monotonic even across wall-clock adjustments.
var processStart = time.Now()

// monotonicNanos returns the capture timestamp stamped on each decoded
// frame.Frame.
func monotonicNanos() int64 {
	return int64(time.Since(processStart))
}
