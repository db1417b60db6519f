// File: eventloop/mainloop.go
// Author: momentics <momentics@gmail.com>
//
// Process-wide weak handle to the Loop constructed with the Main flag,
// mirroring rct's EventLoop::mainEventLoop()/eventLoop() static
// accessors (original_source/rct/EventLoop.h). Used by package-level
// helpers such as DeleteLater that have no Loop reference of their own.
package eventloop

import "sync"

var (
	mainMu   sync.Mutex
	mainLoop *Loop
)

func registerMainLoop(l *Loop) {
	mainMu.Lock()
	mainLoop = l
	mainMu.Unlock()
}

func unregisterMainLoop(l *Loop) {
	mainMu.Lock()
	if mainLoop == l {
		mainLoop = nil
	}
	mainMu.Unlock()
}

// MainLoop returns the Loop constructed with the Main flag, or nil if
// none has been constructed (or it has since been Closed).
func MainLoop() *Loop {
	mainMu.Lock()
	defer mainMu.Unlock()
	return mainLoop
}

// DeleteLater posts a callback that releases resource on the main
// loop's goroutine. It is the Go analogue of rct's templated
// EventLoop::deleteLater<T>: in Go the "deletion" is simply invoking a
// caller-supplied cleanup closure at a safe point.
func DeleteLater(cleanup func()) error {
	l := MainLoop()
	if l == nil {
		return errNoMainLoop
	}
	l.Post(cleanup)
	return nil
}

var errNoMainLoop = mainLoopError("eventloop: no main loop registered")

type mainLoopError string

func (e mainLoopError) Error() string { return string(e) }
