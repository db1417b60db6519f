//go:build linux || darwin

package conn

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/momentics/corereactor/eventloop"
)

func newTestLoop(t *testing.T) *eventloop.Loop {
	t.Helper()
	l, err := eventloop.New(eventloop.None)
	if err != nil {
		t.Fatalf("eventloop.New: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func runLoopUntil(t *testing.T, l *eventloop.Loop, done <-chan struct{}) {
	t.Helper()
	go func() {
		select {
		case <-done:
			l.Quit()
		case <-time.After(2 * time.Second):
			l.Quit()
		}
	}()
	l.Exec(-1)
}

// Scenario 3 (spec.md section 8): writing \x06\x00\x00\x00\x07HELLO to
// the write end of a socket pair delivers exactly one message with id 7
// and body "HELLO". The length prefix counts the id byte plus the body.
func TestConnectionFramingRoundTrip(t *testing.T) {
	l := newTestLoop(t)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer unix.Close(fds[1])

	done := make(chan struct{})
	var got Message
	_, err = New(l, uintptr(fds[0]), OnMessage(func(m Message) {
		got = Message{ID: m.ID, Body: append([]byte(nil), m.Body...)}
		close(done)
	}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	frame := []byte{0x06, 0x00, 0x00, 0x00, 0x07, 'H', 'E', 'L', 'L', 'O'}
	if _, err := unix.Write(fds[1], frame); err != nil {
		t.Fatalf("write: %v", err)
	}

	runLoopUntil(t, l, done)

	if got.ID != 7 || string(got.Body) != "HELLO" {
		t.Fatalf("got id=%d body=%q, want id=7 body=HELLO", got.ID, got.Body)
	}
}

func TestConnectionSendProducesWireFormat(t *testing.T) {
	l := newTestLoop(t)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	c, err := New(l, uintptr(fds[0]))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Send(7, []byte("HELLO")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	buf := make([]byte, 32)
	unix.SetNonblock(fds[1], false)
	n, err := unix.Read(fds[1], buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	want := []byte{0x06, 0x00, 0x00, 0x00, 0x07, 'H', 'E', 'L', 'L', 'O'}
	if string(buf[:n]) != string(want) {
		t.Fatalf("wire bytes = %v, want %v", buf[:n], want)
	}
}

func TestConnectionSendOnDisconnectedFails(t *testing.T) {
	l := newTestLoop(t)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer unix.Close(fds[1])

	c, err := New(l, uintptr(fds[0]))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Send(1, []byte("x")); err == nil {
		t.Fatalf("expected error sending on a closed connection")
	}
}

func TestConnectionFinishMessage(t *testing.T) {
	l := newTestLoop(t)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer unix.Close(fds[1])

	done := make(chan struct{})
	_, err = New(l, uintptr(fds[0]), OnFinished(func() { close(done) }), OnMessage(func(Message) {
		t.Fatalf("Finish frame should not be delivered as NewMessage")
	}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	frame := []byte{0x01, 0x00, 0x00, 0x00, FinishID}
	if _, err := unix.Write(fds[1], frame); err != nil {
		t.Fatalf("write: %v", err)
	}

	runLoopUntil(t, l, done)
}
