package eventloop

import "time"

// processStart anchors a monotonic clock for the process lifetime. All
// timer deadlines are expressed in nanoseconds elapsed since this instant
// (time.Since retains the runtime's monotonic reading, so this is immune
// to wall-clock adjustments).
var processStart = time.Now()

func nowMonotonicNs() int64 {
	return int64(time.Since(processStart))
}
