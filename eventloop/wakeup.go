// File: eventloop/wakeup.go
// Author: momentics <momentics@gmail.com>
//
// Self-pipe wakeup primitive, grounded on the rct EventLoop's wakeup
// fd pair (original_source/rct/EventLoop.h) and generalized to Go's
// pipe(2)/unix.Write surface. A non-blocking pipe lets any goroutine, a
// signal handler, or the SIGCHLD supervisor thread interrupt a blocked
// Poller.Wait without a data race, per spec.md section 4.2.
package eventloop

import (
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/momentics/corereactor/corerr"
)

// wakeupPipe is a self-pipe: Signal() writes a single byte (a no-op if
// one is already pending, coalescing bursts into one Wait interruption),
// and Drain() consumes everything written since the last drain.
type wakeupPipe struct {
	readFD  int
	writeFD int
	pending int32 // 0 or 1, CAS-guarded to coalesce redundant writes
}

func newWakeupPipe() (*wakeupPipe, error) {
	fds := make([]int, 2)
	// unix.Pipe rather than Pipe2: kqueue platforms lack pipe2(2), so
	// O_NONBLOCK/O_CLOEXEC are applied afterward via fcntl for
	// portability across the epoll and kqueue builds.
	if err := unix.Pipe(fds); err != nil {
		return nil, corerr.New(corerr.KindFatal, "eventloop.newWakeupPipe", err)
	}
	for _, fd := range fds {
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = unix.Close(fds[0])
			_ = unix.Close(fds[1])
			return nil, corerr.New(corerr.KindFatal, "eventloop.newWakeupPipe", err)
		}
		flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
		if err == nil {
			_, _ = unix.FcntlInt(uintptr(fd), unix.F_SETFD, flags|unix.FD_CLOEXEC)
		}
	}
	return &wakeupPipe{readFD: fds[0], writeFD: fds[1]}, nil
}

// Signal wakes a blocked Wait. Safe to call from any goroutine and from
// a signal handler's dedicated thread (it only performs a non-blocking
// write(2), which is async-signal-safe).
func (w *wakeupPipe) Signal() {
	if !atomic.CompareAndSwapInt32(&w.pending, 0, 1) {
		return
	}
	var b [1]byte
	for {
		_, err := unix.Write(w.writeFD, b[:])
		if err == unix.EINTR {
			continue
		}
		// EAGAIN means the pipe buffer already holds a pending byte,
		// which is just as good as our own.
		break
	}
}

// Drain consumes every byte currently buffered, resetting pending so a
// subsequent Signal reliably wakes the next Wait call.
func (w *wakeupPipe) Drain() {
	atomic.StoreInt32(&w.pending, 0)
	var buf [64]byte
	for {
		n, err := unix.Read(w.readFD, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (w *wakeupPipe) Close() error {
	_ = unix.Close(w.writeFD)
	return unix.Close(w.readFD)
}
