package eventloop

import (
	"testing"
	"time"
)

func TestTimerWheelFiresInDeadlineOrder(t *testing.T) {
	w := NewTimerWheel()
	var order []uint32
	record := func(id uint32) { order = append(order, id) }

	idLate, _ := w.Register(record, 50, SingleShot)
	idEarly, _ := w.Register(record, 10, SingleShot)
	idMid, _ := w.Register(record, 30, SingleShot)

	now := nowMonotonicNs() + int64(60)*int64(time.Millisecond)
	fired := w.Sweep(now, 10)
	if len(fired) != 3 {
		t.Fatalf("expected 3 fired timers, got %d", len(fired))
	}
	for _, f := range fired {
		f.callback(f.id)
	}
	if len(order) != 3 || order[0] != idEarly || order[1] != idMid || order[2] != idLate {
		t.Fatalf("unexpected fire order: %v (want early=%d mid=%d late=%d)", order, idEarly, idMid, idLate)
	}
}

func TestTimerWheelSingleShotFiresAtMostOnce(t *testing.T) {
	w := NewTimerWheel()
	count := 0
	id, _ := w.Register(func(uint32) { count++ }, 1, SingleShot)

	now := nowMonotonicNs() + int64(10)*int64(time.Millisecond)
	fired := w.Sweep(now, 10)
	for _, f := range fired {
		f.callback(f.id)
	}
	fired2 := w.Sweep(now+int64(time.Second), 10)
	if len(fired2) != 0 {
		t.Fatalf("single-shot timer fired again: %d", len(fired2))
	}
	if count != 1 {
		t.Fatalf("callback ran %d times, want 1", count)
	}
	if w.Len() != 0 {
		t.Fatalf("timer not removed from byID after firing: Len()=%d", w.Len())
	}
	w.Unregister(id) // must be a harmless no-op
}

func TestTimerWheelRepeatReschedulesWithoutDrift(t *testing.T) {
	w := NewTimerWheel()
	id, _ := w.Register(func(uint32) {}, 20, Repeat)
	first, _ := w.NextDeadline()

	fired := w.Sweep(first, 10)
	if len(fired) != 1 {
		t.Fatalf("expected 1 fire, got %d", len(fired))
	}
	when, ok := w.NextDeadline()
	if !ok {
		t.Fatalf("repeat timer missing after first fire")
	}
	wantNext := first + int64(20)*int64(time.Millisecond)
	if when != wantNext {
		t.Fatalf("next deadline = %d, want %d (drift introduced)", when, wantNext)
	}
	w.Unregister(id)
	if _, ok := w.NextDeadline(); ok {
		t.Fatalf("timer still present after Unregister")
	}
}

func TestTimerWheelRepeatClampsWhenBehind(t *testing.T) {
	w := NewTimerWheel()
	base := nowMonotonicNs()
	w.Register(func(uint32) {}, 10, Repeat)

	// Sweep long after the deadline, simulating a stalled loop iteration.
	farFuture := base + int64(5)*int64(time.Second)
	fired := w.Sweep(farFuture, 10)
	if len(fired) != 1 {
		t.Fatalf("expected exactly 1 fire even though far overdue, got %d", len(fired))
	}
	when, ok := w.NextDeadline()
	if !ok || when <= farFuture {
		t.Fatalf("rescheduled deadline %d not clamped to be after sweep time %d", when, farFuture)
	}
}

func TestTimerWheelUnregisterDuringCallbackIsSafe(t *testing.T) {
	w := NewTimerWheel()
	var selfID uint32
	fired := 0
	selfID, _ = w.Register(func(id uint32) {
		fired++
		w.Unregister(id)
	}, 5, Repeat)

	now := nowMonotonicNs() + int64(10)*int64(time.Millisecond)
	batch := w.Sweep(now, 10)
	for _, f := range batch {
		f.callback(f.id)
	}
	if fired != 1 {
		t.Fatalf("callback ran %d times, want 1", fired)
	}
	if w.Len() != 0 {
		t.Fatalf("timer %d still present after self-unregister", selfID)
	}
}

func TestTimerWheelSweepBoundedByMaxFire(t *testing.T) {
	w := NewTimerWheel()
	for i := 0; i < 10; i++ {
		w.Register(func(uint32) {}, 1, SingleShot)
	}
	now := nowMonotonicNs() + int64(time.Second)
	fired := w.Sweep(now, 3)
	if len(fired) != 3 {
		t.Fatalf("Sweep(max=3) returned %d, want 3", len(fired))
	}
	if w.Len() != 7 {
		t.Fatalf("Len() = %d after bounded sweep, want 7", w.Len())
	}
}
