// File: eventloop/signals.go
// Author: momentics <momentics@gmail.com>
//
// Optional SIGINT/SIGTERM handling, mirroring rct's
// EnableSigIntHandler/EnableSigTermHandler flags. A dedicated goroutine
// receives the signal via the standard library's signal.Notify channel
// (itself backed by a self-pipe in the runtime) and calls Loop.Quit,
// which is itself signal-safe (a non-blocking pipe write).
package eventloop

import (
	"os"
	"os/signal"
	"syscall"
)

var (
	sigINT  = syscall.SIGINT
	sigTERM = syscall.SIGTERM
)

func installSignalQuit(l *Loop, sig os.Signal) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sig)
	go func() {
		<-ch
		l.Quit()
		signal.Stop(ch)
	}()
}
