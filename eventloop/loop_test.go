//go:build linux || darwin

package eventloop

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/momentics/corereactor/reactor"
)

func newTestLoop(t *testing.T) *Loop {
	t.Helper()
	l, err := New(None)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

// Scenario 1 (spec.md section 8): register a 50ms single-shot and a 20ms
// repeater, then run exec(timeout=110ms) directly (not Exec(-1) plus an
// external Quit, so the overall exec deadline itself is under test); the
// single-shot fires once and the repeater fires 5 times, plus or minus
// one, and Exec must return Timeout having serviced every due timer.
func TestLoopScenario1TimerCadence(t *testing.T) {
	l := newTestLoop(t)

	var singleShots int32
	var repeats int32
	l.RegisterTimer(func(uint32) { atomic.AddInt32(&singleShots, 1) }, 50, SingleShot)
	l.RegisterTimer(func(uint32) { atomic.AddInt32(&repeats, 1) }, 20, Repeat)

	if res := l.Exec(110); res != Timeout {
		t.Fatalf("Exec returned %v, want Timeout", res)
	}

	if singleShots != 1 {
		t.Fatalf("single-shot fired %d times, want 1", singleShots)
	}
	if repeats < 4 || repeats > 6 {
		t.Fatalf("repeat fired %d times, want 5±1", repeats)
	}
}

// Scenario 2 (spec.md section 8): 1000 posts from 4 goroutines all run
// on the loop goroutine, preserving each goroutine's own FIFO order.
func TestLoopScenario2ConcurrentPosts(t *testing.T) {
	l := newTestLoop(t)

	const goroutines = 4
	const perGoroutine = 250
	var total int32
	var mu sync.Mutex
	perGoroutineOrder := make([][]int, goroutines)

	var g errgroup.Group
	for gi := 0; gi < goroutines; gi++ {
		gi := gi
		g.Go(func() error {
			for i := 0; i < perGoroutine; i++ {
				i := i
				l.Post(func() {
					atomic.AddInt32(&total, 1)
					mu.Lock()
					perGoroutineOrder[gi] = append(perGoroutineOrder[gi], i)
					mu.Unlock()
				})
			}
			return nil
		})
	}

	done := make(chan ExecResult, 1)
	go func() { done <- l.Exec(-1) }()

	if err := g.Wait(); err != nil {
		t.Fatalf("errgroup: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		if atomic.LoadInt32(&total) == goroutines*perGoroutine {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for all posts to run, got %d", atomic.LoadInt32(&total))
		case <-time.After(5 * time.Millisecond):
		}
	}
	l.Quit()
	<-done

	for gi := 0; gi < goroutines; gi++ {
		seq := perGoroutineOrder[gi]
		if len(seq) != perGoroutine {
			t.Fatalf("goroutine %d: got %d events, want %d", gi, len(seq), perGoroutine)
		}
		for i, v := range seq {
			if v != i {
				t.Fatalf("goroutine %d out of FIFO order at position %d: got %d", gi, i, v)
			}
		}
	}
}

func TestLoopSocketDispatch(t *testing.T) {
	l := newTestLoop(t)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	fired := make(chan reactor.Interest, 1)
	if err := l.RegisterSocket(uintptr(fds[0]), reactor.Read|reactor.LevelTriggered, func(fd uintptr, mask reactor.Interest) {
		fired <- mask
		l.Quit()
	}); err != nil {
		t.Fatalf("RegisterSocket: %v", err)
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		unix.Write(fds[1], []byte("x"))
	}()

	if res := l.Exec(2000); res != Success {
		t.Fatalf("Exec = %v, want Success", res)
	}
	select {
	case mask := <-fired:
		if mask&reactor.Read == 0 {
			t.Fatalf("fired mask %v missing Read", mask)
		}
	default:
		t.Fatalf("callback never fired")
	}
}

func TestLoopExecTimesOutWithoutActivity(t *testing.T) {
	l := newTestLoop(t)
	if res := l.Exec(30); res != Timeout {
		t.Fatalf("Exec = %v, want Timeout", res)
	}
}

// An inactivity timeout must terminate Exec(-1) (no overall deadline) on
// its own once no readiness event arrives within the window, per
// spec.md section 4.5's "an inactivity timeout elapses" return cause.
func TestLoopInactivityTimeoutTerminatesUnboundedExec(t *testing.T) {
	l, err := New(None, WithInactivityTimeout(30))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })

	start := time.Now()
	if res := l.Exec(-1); res != Timeout {
		t.Fatalf("Exec = %v, want Timeout", res)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("Exec took %v, inactivity timeout did not bound it", elapsed)
	}
}

// A repeating timer due well inside the inactivity window must keep
// Exec(-1) alive: firing the timer counts as dispatch activity even
// though no socket ever becomes ready, so Exec must not return Timeout
// merely because the inactivity ceiling governed a given Wait call.
func TestLoopInactivityTimeoutDoesNotFireWhileTimerIsDue(t *testing.T) {
	l, err := New(None, WithInactivityTimeout(40))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })

	var fires int32
	l.RegisterTimer(func(uint32) {
		if atomic.AddInt32(&fires, 1) == 3 {
			l.Quit()
		}
	}, 15, Repeat)

	if res := l.Exec(-1); res != Success {
		t.Fatalf("Exec = %v, want Success (timer activity should prevent a spurious inactivity Timeout)", res)
	}
	if fires < 3 {
		t.Fatalf("timer fired %d times, want at least 3", fires)
	}
}

func TestLoopQuitFromAnotherGoroutine(t *testing.T) {
	l := newTestLoop(t)
	go func() {
		time.Sleep(20 * time.Millisecond)
		l.Quit()
	}()
	if res := l.Exec(-1); res != Success {
		t.Fatalf("Exec = %v, want Success", res)
	}
}
