// File: process/registry.go
// Author: momentics <momentics@gmail.com>
//
// The package-wide Process Supervisor Thread, grounded on
// original_source/rct/Process.cpp's ProcessThread: a dedicated
// goroutine, started once via a sync.Once guard, that reaps exited
// children. Go's os/signal.Notify already implements the self-pipe
// pattern internally (a non-blocking channel send from signal-handler
// context), so it stands in directly for rct's hand-rolled signal pipe
// plus 'c'/'s' wakeup bytes.
package process

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

var (
	registryMu sync.Mutex
	registry   = map[int]*Process{}

	supervisorOnce sync.Once
)

func ensureSupervisor() {
	supervisorOnce.Do(func() {
		ch := make(chan os.Signal, 16)
		signal.Notify(ch, syscall.SIGCHLD)
		go func() {
			for range ch {
				reapAll()
			}
		}()
	})
}

// LiveChildren returns the number of children currently supervised
// (spawned but not yet reaped), for control.DebugProbes wiring via
// WithDebugProbes.
func LiveChildren() int {
	registryMu.Lock()
	defer registryMu.Unlock()
	return len(registry)
}

// registerChild adds pid to the registry, starting the supervisor on
// first use (std::call_once(sProcessHandler, ...) in the original).
func registerChild(pid int, p *Process) {
	ensureSupervisor()
	registryMu.Lock()
	registry[pid] = p
	registryMu.Unlock()
}

// reapAll walks a snapshot of the registry calling waitpid(pid, WNOHANG)
// on each live pid, exactly as ProcessThread::run does under its
// mutex, releasing the registry lock before calling finish (spec.md
// section 4.7, section 9's SIGCHLD race note: all reaping happens here
// on the supervisor goroutine, never inside the signal delivery path).
func reapAll() {
	registryMu.Lock()
	pids := make([]int, 0, len(registry))
	for pid := range registry {
		pids = append(pids, pid)
	}
	registryMu.Unlock()

	for _, pid := range pids {
		var ws unix.WaitStatus
		wpid, err := unix.Wait4(pid, &ws, unix.WNOHANG, nil)
		if err != nil || wpid <= 0 {
			continue
		}

		registryMu.Lock()
		p, ok := registry[pid]
		if ok {
			delete(registry, pid)
		}
		registryMu.Unlock()
		if !ok {
			continue
		}

		code := -1
		if ws.Exited() {
			code = ws.ExitStatus()
		}
		p.finish(code)
	}
}
