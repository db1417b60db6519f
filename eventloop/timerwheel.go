// File: eventloop/timerwheel.go
// Author: momentics <momentics@gmail.com>
//
// Dual-indexed timer storage: a deadline-ordered multiset (a binary heap)
// plus an id-keyed map, coherent at all times, as required by spec.md
// section 4.4 and the "dual-index timers" design note in section 9.
package eventloop

import (
	"container/heap"
	"sync"
	"time"

	"github.com/momentics/corereactor/corerr"
)

// TimerFlag selects single-shot or repeating semantics.
type TimerFlag uint32

const (
	SingleShot TimerFlag = 1
	Repeat     TimerFlag = 2
)

type timerRecord struct {
	id         uint32
	when       int64 // monotonic ns
	intervalMs int32
	flags      TimerFlag
	callback   func(id uint32)
	seq        uint64 // insertion order, breaks ties in the heap
	index      int    // heap.Interface bookkeeping
}

// timerHeap orders by (when, seq) so that timers with equal deadlines
// fire in insertion order, per spec.md section 5's ordering guarantee.
type timerHeap []*timerRecord

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].when != h[j].when {
		return h[i].when < h[j].when
	}
	return h[i].seq < h[j].seq
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *timerHeap) Push(x any) {
	tr := x.(*timerRecord)
	tr.index = len(*h)
	*h = append(*h, tr)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	tr := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	tr.index = -1
	return tr
}

// TimerWheel is the ordered-by-deadline multiset of timers described in
// spec.md section 4.4.
type TimerWheel struct {
	mu      sync.Mutex
	byTime  timerHeap
	byID    map[uint32]*timerRecord
	nextID  uint64 // wider than uint32 so overflow is detectable
	nextSeq uint64
}

// NewTimerWheel constructs an empty timer wheel.
func NewTimerWheel() *TimerWheel {
	return &TimerWheel{byID: make(map[uint32]*timerRecord)}
}

// Register schedules callback to fire after timeoutMs (SingleShot) or
// every timeoutMs (Repeat), returning a monotonically increasing id.
// Id wraparound over the process lifetime is treated as an error rather
// than silently reused, per spec.md section 9's open-question resolution.
func (w *TimerWheel) Register(callback func(id uint32), timeoutMs int, flags TimerFlag) (uint32, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.nextID > 0xFFFFFFFF {
		return 0, corerr.New(corerr.KindLifecycle, "TimerWheel.Register",
			errTimerIDSpaceExhausted)
	}
	id := uint32(w.nextID)
	w.nextID++

	tr := &timerRecord{
		id:         id,
		when:       nowMonotonicNs() + int64(timeoutMs)*int64(time.Millisecond),
		intervalMs: int32(timeoutMs),
		flags:      flags,
		callback:   callback,
		seq:        w.nextSeq,
	}
	w.nextSeq++
	heap.Push(&w.byTime, tr)
	w.byID[id] = tr
	return id, nil
}

// Unregister removes a timer by id. Idempotent and safe to call from
// within a currently-firing callback (spec.md section 4.4).
func (w *TimerWheel) Unregister(id uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	tr, ok := w.byID[id]
	if !ok {
		return
	}
	delete(w.byID, id)
	if tr.index >= 0 && tr.index < len(w.byTime) {
		heap.Remove(&w.byTime, tr.index)
	}
}

// Len reports the number of active timers.
func (w *TimerWheel) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.byID)
}

// NextDeadline returns the earliest scheduled deadline, if any.
func (w *TimerWheel) NextDeadline() (when int64, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.byTime) == 0 {
		return 0, false
	}
	return w.byTime[0].when, true
}

// firedTimer is a snapshot of one expired timer, taken before its
// callback runs so that reentrant Register/Unregister calls made by the
// callback cannot invalidate the in-progress sweep (spec.md section 4.4).
type firedTimer struct {
	id       uint32
	callback func(id uint32)
}

// Sweep pops every timer whose deadline has elapsed (bounded by maxFire
// per call, to avoid starving I/O and posted-event processing per
// spec.md section 5), re-inserting Repeat timers with drift correction,
// and returns a snapshot of what fired for the caller to invoke outside
// the wheel's lock.
func (w *TimerWheel) Sweep(now int64, maxFire int) []firedTimer {
	w.mu.Lock()
	defer w.mu.Unlock()

	var fired []firedTimer
	for len(w.byTime) > 0 && len(fired) < maxFire {
		tr := w.byTime[0]
		if tr.when > now {
			break
		}
		heap.Pop(&w.byTime)

		fired = append(fired, firedTimer{id: tr.id, callback: tr.callback})

		if tr.flags&Repeat != 0 {
			interval := int64(tr.intervalMs) * int64(time.Millisecond)
			next := tr.when + interval
			// Drift-correcting but clamped: never schedule in the past,
			// which would otherwise cause runaway firing under load
			// (spec.md section 4.4).
			if next <= now {
				next = now + interval
			}
			tr.when = next
			tr.seq = w.nextSeq
			w.nextSeq++
			heap.Push(&w.byTime, tr)
			// byID entry stays valid: it still points at tr.
		} else {
			delete(w.byID, tr.id)
		}
	}
	return fired
}

var errTimerIDSpaceExhausted = timerIDError("eventloop: timer id space exhausted")

type timerIDError string

func (e timerIDError) Error() string { return string(e) }
