//go:build linux || darwin

package eventloop

import "testing"

func TestWakeupPipeSignalCoalesces(t *testing.T) {
	w, err := newWakeupPipe()
	if err != nil {
		t.Fatalf("newWakeupPipe: %v", err)
	}
	defer w.Close()

	w.Signal()
	w.Signal()
	w.Signal()

	// A single Drain should consume everything regardless of how many
	// times Signal coalesced, leaving pending reset for the next Signal.
	w.Drain()
	w.Signal()
	if got := w.pending; got != 1 {
		t.Fatalf("pending = %d after post-drain Signal, want 1", got)
	}
}

func TestWakeupPipeDrainIsIdempotent(t *testing.T) {
	w, err := newWakeupPipe()
	if err != nil {
		t.Fatalf("newWakeupPipe: %v", err)
	}
	defer w.Close()

	w.Signal()
	w.Drain()
	w.Drain() // must not block or panic
}
