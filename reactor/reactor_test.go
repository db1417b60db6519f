//go:build linux || darwin

package reactor_test

import (
	"testing"

	"golang.org/x/sys/unix"

	"github.com/momentics/corereactor/reactor"
)

func socketpair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestAddThenWaitSeesReadiness(t *testing.T) {
	p, err := reactor.New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	a, b := socketpair(t)
	if err := p.Add(uintptr(a), reactor.Read|reactor.LevelTriggered); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if _, err := unix.Write(b, []byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}

	events := make([]reactor.Event, 4)
	n, err := p.Wait(1000, events)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if n != 1 || events[0].Fd != uintptr(a) || events[0].Mask&reactor.Read == 0 {
		t.Fatalf("unexpected wait result n=%d events=%v", n, events[:n])
	}
}

func TestDoubleAddFails(t *testing.T) {
	p, err := reactor.New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	a, _ := socketpair(t)
	if err := p.Add(uintptr(a), reactor.Read); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := p.Add(uintptr(a), reactor.Read); err == nil {
		t.Fatalf("expected AlreadyRegistered on second Add")
	}
}

func TestModifyUnregisteredFails(t *testing.T) {
	p, err := reactor.New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	if err := p.Modify(99999, reactor.Read); err == nil {
		t.Fatalf("expected NotRegistered on Modify of unregistered fd")
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	p, err := reactor.New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	a, _ := socketpair(t)
	if err := p.Add(uintptr(a), reactor.Read); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := p.Remove(uintptr(a)); err != nil {
		t.Fatalf("first Remove: %v", err)
	}
	if err := p.Remove(uintptr(a)); err != nil {
		t.Fatalf("second Remove should be a no-op: %v", err)
	}
}

func TestWaitTimesOut(t *testing.T) {
	p, err := reactor.New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	a, _ := socketpair(t)
	if err := p.Add(uintptr(a), reactor.Read); err != nil {
		t.Fatalf("Add: %v", err)
	}
	events := make([]reactor.Event, 4)
	_, err = p.Wait(20, events)
	if err != reactor.ErrPollTimeout {
		t.Fatalf("expected ErrPollTimeout, got %v", err)
	}
}
