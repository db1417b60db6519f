// File: process/sync.go
// Author: momentics <momentics@gmail.com>
//
// Sync dispatch mode: the calling goroutine enters a poll-driven loop
// directly on stdout/stderr/the sync pipe, honoring an overall timeout,
// per spec.md section 4.7. Dispatched through reactor.Poller rather than
// a raw select(2)/fd_set: fd_set's word size differs between epoll and
// kqueue platforms, and reactor.Poller already abstracts that portably,
// so the sync path reuses it instead of duplicating platform-specific
// bitmap code.
package process

import (
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/momentics/corereactor/corerr"
	"github.com/momentics/corereactor/logsink"
	"github.com/momentics/corereactor/reactor"
)

// SyncResult mirrors the two outcomes of a sync-mode spawn: the child
// exited (code observed via Process.ReturnCode) or the overall timeout
// elapsed and the child was killed.
type SyncResult int

const (
	Done SyncResult = iota
	TimedOutResult
)

// SpawnSync starts command and blocks the calling goroutine until the
// child exits, the overall timeout elapses, or an I/O error occurs. On
// timeout the child is sent SIGTERM and TimedOutResult is returned,
// matching corerr.ErrTimedOut's semantics.
func SpawnSync(command string, args []string, timeoutMs int, opts ...Option) (*Process, SyncResult, error) {
	p := &Process{
		id:    uuid.New(),
		state: StateSpawning,
		mode:  Sync,
		log:   logsink.Default(),
	}
	for _, o := range opts {
		o(p)
	}

	pid, pipes, err := forkExec(spawnOptions{command: command, args: args, env: p.env, cwd: p.cwd}, Sync)
	if err != nil {
		p.state = StateError
		return nil, Done, err
	}

	p.pid = pid
	p.stdinW = pipes.stdinW
	p.stdoutR = pipes.stdoutR
	p.stderrR = pipes.stderrR
	p.syncR, p.syncW = pipes.syncR, pipes.syncW
	p.state = StateRunning

	registerChild(pid, p)

	// Closing the write end of stdin before the select loop begins
	// avoids deadlocking children that read before writing, unless the
	// caller explicitly opted out (spec.md section 9's Open Questions).
	if p.flags&NoCloseStdIn == 0 {
		_ = unix.Close(p.stdinW)
		p.stdinW = -1
	}

	poller, err := reactor.New()
	if err != nil {
		return p, Done, corerr.New(corerr.KindProcess, "process.SpawnSync", err)
	}
	defer poller.Close()

	for _, fd := range []int{p.stdoutR, p.stderrR, p.syncR} {
		if fd >= 0 {
			_ = poller.Add(uintptr(fd), reactor.Read|reactor.LevelTriggered)
		}
	}

	deadline := time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
	result, err := p.runSyncDispatchLoop(poller, deadline)
	return p, result, err
}

func (p *Process) runSyncDispatchLoop(poller reactor.Poller, deadline time.Time) (SyncResult, error) {
	events := make([]reactor.Event, 4)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			_ = p.Stop()
			return TimedOutResult, corerr.ErrTimedOut
		}

		n, err := poller.Wait(int(remaining.Milliseconds())+1, events)
		switch err {
		case reactor.ErrPollTimeout:
			continue
		case reactor.ErrPollInterrupted:
			continue
		case nil:
			// fall through to dispatch
		default:
			return Done, corerr.New(corerr.KindProcess, "process.SpawnSync", err)
		}

		for _, ev := range events[:n] {
			fd := int(ev.Fd)
			switch fd {
			case p.syncR:
				p.drainOnce(p.stdoutR, &p.stdout, "stdout")
				p.drainOnce(p.stderrR, &p.stderr, "stderr")
				p.closeSyncFDs()
				return Done, nil
			case p.stdoutR:
				p.pumpRead(p.stdoutR, &p.stdout, "stdout", p.onReadyReadStdout)
			case p.stderrR:
				p.pumpRead(p.stderrR, &p.stderr, "stderr", p.onReadyReadStderr)
			}
		}
	}
}

func (p *Process) closeSyncFDs() {
	for _, fd := range []int{p.stdoutR, p.stderrR, p.syncR, p.syncW} {
		if fd >= 0 {
			_ = unix.Close(fd)
		}
	}
	p.stdoutR, p.stderrR, p.syncR, p.syncW = -1, -1, -1, -1
	if p.stdinW >= 0 {
		_ = unix.Close(p.stdinW)
		p.stdinW = -1
	}
}
