// File: eventloop/threadcheck.go
// Author: momentics <momentics@gmail.com>
//
// Loop-goroutine identity, used only to back the single-writer
// assertions in spec.md section 4.5. Go has no public goroutine-id API,
// so currentGoroutineToken extracts the id from runtime.Stack, the same
// technique used by several well-known debug-assertion libraries in the
// ecosystem. This only runs in corereactor_debug builds; release builds
// skip it entirely (see corerr.Debug) since assertOnLoopThread's result
// is discarded by corerr.Assert anyway.
package eventloop

import (
	"bytes"
	"runtime"
	"strconv"

	"github.com/momentics/corereactor/corerr"
)

// currentGoroutineToken returns a value identifying the calling
// goroutine. In release builds it returns a constant so the
// stack-parsing cost is never paid outside debug assertions.
func currentGoroutineToken() uint64 {
	if !corerr.Debug {
		return 0
	}
	return goroutineID()
}

func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	// Stack traces begin with "goroutine <id> [state]:".
	b := buf[:n]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseUint(string(b), 10, 64)
	return id
}
