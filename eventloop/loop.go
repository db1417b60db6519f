// Package eventloop implements the reactor/runtime toolkit's Event
// Loop: a single-threaded dispatcher combining a readiness Poller, a
// dual-indexed TimerWheel, a thread-safe posted-event EventQueue, and a
// self-pipe wakeup primitive. Grounded on original_source/rct/EventLoop.h
// and generalized to Go's goroutine model, per spec.md section 4.5.
//
// Author: momentics <momentics@gmail.com>
package eventloop

import (
	"sync"
	"sync/atomic"

	"github.com/momentics/corereactor/control"
	"github.com/momentics/corereactor/corerr"
	"github.com/momentics/corereactor/logsink"
	"github.com/momentics/corereactor/reactor"
)

// Flag configures Loop behavior at construction time, mirroring rct's
// EventLoop::Flag enum.
type Flag uint32

const (
	None Flag = 0
	// Main marks this Loop as the process's main loop, registering it in
	// the package-level weak handle used by helpers such as DeleteLater
	// that have no Loop reference of their own.
	Main Flag = 1 << iota
	// EnableSigInt installs a SIGINT handler that calls Quit.
	EnableSigInt
	// EnableSigTerm installs a SIGTERM handler that calls Quit.
	EnableSigTerm
)

// ExecResult is returned by Exec, mirroring rct's
// {Success, GeneralError, Timeout} result enum.
type ExecResult int

const (
	Success ExecResult = iota
	GeneralError
	Timeout
)

// maxTimersPerSweep and maxPostsPerDrain bound how much work a single
// loop iteration performs on timers and posted events, so a burst of
// either cannot starve socket dispatch, per spec.md section 5.
const (
	maxTimersPerSweep = 256
	maxPostsPerDrain  = 256
)

type socketEntry struct {
	mask     reactor.Interest
	callback func(fd uintptr, mask reactor.Interest)
}

// Loop is the single-threaded reactor described by spec.md section 4.5.
// All registration methods are safe to call from any goroutine; exactly
// one goroutine may call Exec at a time, and it becomes that Loop's
// owning ("loop") goroutine until Exec returns.
type Loop struct {
	flags Flag
	log   logsink.Sink

	poller reactor.Poller
	wakeup *wakeupPipe
	timers *TimerWheel
	posted *EventQueue

	mu      sync.Mutex
	sockets map[uintptr]*socketEntry

	quit int32 // atomic bool

	execMu     sync.Mutex
	execActive bool
	execToken  uint64

	// inactivityTimeoutMs is int64 rather than plain int because a
	// control.ConfigStore reload listener may update it from a
	// goroutine other than the loop thread (see WithConfigStore).
	inactivityTimeoutMs atomic.Int64

	debug   *control.DebugProbes
	metrics *control.MetricsRegistry
}

// Option configures a Loop at construction time.
type Option func(*Loop)

// WithLogSink overrides the default stderr Sink.
func WithLogSink(s logsink.Sink) Option {
	return func(l *Loop) { l.log = s }
}

// WithInactivityTimeout bounds how long a single Wait call may block
// when no timer is sooner, matching rct's setInactivityTimeout. Changes
// made after Exec has started may not take effect until the next Wait.
func WithInactivityTimeout(ms int) Option {
	return func(l *Loop) { l.inactivityTimeoutMs.Store(int64(ms)) }
}

// WithDebugProbes registers this Loop's introspection counters
// ("eventloop.pending_timers", "eventloop.pending_posts") with probes,
// per spec.md section 4.10.
func WithDebugProbes(probes *control.DebugProbes) Option {
	return func(l *Loop) {
		l.debug = probes
		probes.RegisterProbe("eventloop.pending_timers", func() any { return l.timers.Len() })
		probes.RegisterProbe("eventloop.pending_posts", func() any { return l.posted.Len() })
	}
}

// WithMetrics attaches a MetricsRegistry that fireTimers increments with
// a running "eventloop.timers_fired_total" count on every sweep, per
// spec.md section 4.10's introspection surface.
func WithMetrics(m *control.MetricsRegistry) Option {
	return func(l *Loop) { l.metrics = m }
}

// WithConfigStore binds cs's "inactivity_timeout_ms" key to this Loop:
// the initial snapshot seeds inactivityTimeoutMs, and a reload listener
// keeps it current whenever cs.SetConfig changes the key, per spec.md
// section 4.9's ambient tunables surface.
func WithConfigStore(cs *control.ConfigStore) Option {
	return func(l *Loop) {
		apply := func() {
			ms := cs.GetIntOrDefault("inactivity_timeout_ms", int(l.inactivityTimeoutMs.Load()))
			l.inactivityTimeoutMs.Store(int64(ms))
		}
		apply()
		cs.OnReload(apply)
	}
}

// New constructs a Loop with the given flags and options. It creates its
// own Poller (epoll/kqueue, platform-selected) and wakeup pipe.
func New(flags Flag, opts ...Option) (*Loop, error) {
	p, err := reactor.New()
	if err != nil {
		return nil, corerr.New(corerr.KindFatal, "eventloop.New", err)
	}
	wp, err := newWakeupPipe()
	if err != nil {
		_ = p.Close()
		return nil, err
	}

	l := &Loop{
		flags:   flags,
		log:     logsink.Default(),
		poller:  p,
		wakeup:  wp,
		timers:  NewTimerWheel(),
		posted:  NewEventQueue(),
		sockets: make(map[uintptr]*socketEntry),
	}
	l.inactivityTimeoutMs.Store(-1)
	for _, o := range opts {
		o(l)
	}

	if err := l.poller.Add(uintptr(l.wakeup.readFD), reactor.Read|reactor.LevelTriggered); err != nil {
		_ = wp.Close()
		_ = p.Close()
		return nil, err
	}

	if flags&Main != 0 {
		registerMainLoop(l)
	}
	if flags&EnableSigInt != 0 {
		installSignalQuit(l, sigINT)
	}
	if flags&EnableSigTerm != 0 {
		installSignalQuit(l, sigTERM)
	}
	return l, nil
}

// Flags returns the flags this Loop was constructed with.
func (l *Loop) Flags() Flag { return l.flags }

// RegisterSocket registers fd for readiness notifications, invoking
// callback from the loop goroutine whenever fd becomes ready per mask.
func (l *Loop) RegisterSocket(fd uintptr, mask reactor.Interest, callback func(fd uintptr, mask reactor.Interest)) error {
	l.mu.Lock()
	if _, ok := l.sockets[fd]; ok {
		l.mu.Unlock()
		return corerr.ErrAlreadyRegistered
	}
	l.sockets[fd] = &socketEntry{mask: mask, callback: callback}
	l.mu.Unlock()

	if err := l.poller.Add(fd, mask); err != nil {
		l.mu.Lock()
		delete(l.sockets, fd)
		l.mu.Unlock()
		return err
	}
	return nil
}

// UpdateSocket changes fd's interest mask.
func (l *Loop) UpdateSocket(fd uintptr, mask reactor.Interest) error {
	l.mu.Lock()
	entry, ok := l.sockets[fd]
	if !ok {
		l.mu.Unlock()
		return corerr.ErrNotRegistered
	}
	entry.mask = mask
	l.mu.Unlock()
	return l.poller.Modify(fd, mask)
}

// UnregisterSocket removes fd. Idempotent.
func (l *Loop) UnregisterSocket(fd uintptr) {
	l.mu.Lock()
	delete(l.sockets, fd)
	l.mu.Unlock()
	_ = l.poller.Remove(fd)
}

// RegisterTimer schedules callback per spec.md section 4.4, returning
// an id usable with UnregisterTimer. callback runs on the loop goroutine.
func (l *Loop) RegisterTimer(callback func(id uint32), timeoutMs int, flags TimerFlag) (uint32, error) {
	return l.timers.Register(callback, timeoutMs, flags)
}

// UnregisterTimer removes a timer by id. Idempotent, and safe to call
// from within a firing timer callback.
func (l *Loop) UnregisterTimer(id uint32) {
	l.timers.Unregister(id)
}

// Post enqueues fn to run on the loop goroutine and wakes the loop if
// it is currently blocked in Wait.
func (l *Loop) Post(fn func()) {
	l.posted.Post(fn)
	l.wakeup.Signal()
}

// PostMove is identical to Post: Go has no C++-style move semantics, so
// both exist only to mirror spec.md's copy/move posting API surface for
// callers translating from the original design.
func (l *Loop) PostMove(fn func()) {
	l.Post(fn)
}

// Wakeup interrupts a blocked Wait without posting any callback.
func (l *Loop) Wakeup() {
	l.wakeup.Signal()
}

// Quit requests that Exec return at the next opportunity. Safe to call
// from any goroutine, including a signal handler's dedicated thread.
func (l *Loop) Quit() {
	atomic.StoreInt32(&l.quit, 1)
	l.wakeup.Signal()
}

// assertOnLoopThread panics in debug builds (see corerr.Assert) when
// called from a goroutine other than the one currently inside Exec, per
// spec.md section 4.5's single-writer invariant for socket dispatch.
func (l *Loop) assertOnLoopThread() {
	if !corerr.Debug {
		return
	}
	l.execMu.Lock()
	active, tok := l.execActive, l.execToken
	l.execMu.Unlock()
	corerr.Assert(active, corerr.ErrNoEventLoop)
	corerr.Assert(tok == currentGoroutineToken(), corerr.ErrNotOnLoopThread)
}

// waitBound records which ceiling actually determined the timeout passed
// to the last Poller.Wait call, so Exec can tell a genuine overall-
// deadline or inactivity-window expiry from a wakeup merely scheduled to
// let a not-yet-due timer's sweep run on time.
type waitBound int

const (
	boundNone waitBound = iota
	boundExec
	boundInactivity
	boundTimer
)

// Exec runs the dispatch loop until Quit is called, timeoutMs elapses as
// an overall deadline (negative means no deadline), or the configured
// inactivity window passes with no readiness event. It returns Success,
// Timeout, or GeneralError, mirroring rct's exec() result codes. Per
// spec.md section 4.5's dispatch order, expired timers and posted events
// are always serviced before Exec checks either deadline, so a Timeout
// return never silently skips pending timer callbacks.
func (l *Loop) Exec(timeoutMs int) ExecResult {
	l.execMu.Lock()
	l.execActive = true
	l.execToken = currentGoroutineToken()
	l.execMu.Unlock()
	defer func() {
		l.execMu.Lock()
		l.execActive = false
		l.execMu.Unlock()
	}()

	atomic.StoreInt32(&l.quit, 0)

	hasDeadline := timeoutMs >= 0
	var execDeadline int64
	if hasDeadline {
		execDeadline = nowMonotonicNs() + int64(timeoutMs)*1_000_000
	}

	events := make([]reactor.Event, 256)
	for {
		if atomic.LoadInt32(&l.quit) != 0 {
			return Success
		}

		now := nowMonotonicNs()
		if hasDeadline && now >= execDeadline {
			return Timeout
		}

		execRemainMs := -1
		if hasDeadline {
			if execRemainMs = int((execDeadline - now) / 1_000_000); execRemainMs < 0 {
				execRemainMs = 0
			}
		}
		inactivityRemainMs := int(l.inactivityTimeoutMs.Load())

		waitMs, cause := l.nextWaitMs(execRemainMs, inactivityRemainMs)
		if l.posted.Len() > 0 {
			// A bounded Drain left events queued: poll without blocking
			// so this iteration runs them instead of waiting for a wakeup.
			waitMs, cause = 0, boundNone
		}
		n, err := l.poller.Wait(waitMs, events)
		switch err {
		case nil:
			l.dispatchReadiness(events[:n])
		case reactor.ErrPollTimeout:
			// Handled below, after timers/posts have had their turn:
			// a poll timeout here may just mean a not-yet-due timer
			// set the wait ceiling, not that exec or inactivity
			// actually expired.
		case reactor.ErrPollInterrupted:
			// Retry: a signal arrived mid-wait.
		default:
			l.log.Error().Err(err).Msg("eventloop: poll error")
			return GeneralError
		}

		l.fireTimers()
		l.posted.Drain(maxPostsPerDrain)

		if err == reactor.ErrPollTimeout {
			now = nowMonotonicNs()
			if hasDeadline && now >= execDeadline {
				return Timeout
			}
			if cause == boundInactivity {
				return Timeout
			}
		}

		if atomic.LoadInt32(&l.quit) != 0 {
			return Success
		}
	}
}

// nextWaitMs computes the timeout to pass to Poller.Wait — the soonest of
// the remaining exec deadline, the inactivity window, and the next timer
// deadline — and reports which of those three actually bound it, per
// spec.md section 4.4. execRemainMs/inactivityRemainMs are -1 when
// unbounded.
func (l *Loop) nextWaitMs(execRemainMs, inactivityRemainMs int) (int, waitBound) {
	best := -1
	cause := boundNone
	if execRemainMs >= 0 {
		best = execRemainMs
		cause = boundExec
	}
	if inactivityRemainMs >= 0 && (best < 0 || inactivityRemainMs < best) {
		best = inactivityRemainMs
		cause = boundInactivity
	}
	if when, ok := l.timers.NextDeadline(); ok {
		remainMs := int((when - nowMonotonicNs()) / 1_000_000)
		if remainMs < 0 {
			remainMs = 0
		}
		if best < 0 || remainMs < best {
			best = remainMs
			cause = boundTimer
		}
	}
	return best, cause
}

func (l *Loop) dispatchReadiness(events []reactor.Event) {
	for _, ev := range events {
		if ev.Fd == uintptr(l.wakeup.readFD) {
			l.wakeup.Drain()
			continue
		}
		l.fireSocket(ev.Fd, ev.Mask)
	}
}

func (l *Loop) fireSocket(fd uintptr, mask reactor.Interest) {
	l.assertOnLoopThread()
	l.mu.Lock()
	entry, ok := l.sockets[fd]
	l.mu.Unlock()
	if !ok {
		return // unregistered between Wait returning and dispatch
	}
	entry.callback(fd, mask)
}

func (l *Loop) fireTimers() {
	l.assertOnLoopThread()
	now := nowMonotonicNs()
	fired := l.timers.Sweep(now, maxTimersPerSweep)
	if l.metrics != nil && len(fired) > 0 {
		l.metrics.Inc("eventloop.timers_fired_total", int64(len(fired)))
	}
	for _, f := range fired {
		f.callback(f.id)
	}
}

// Close releases the Poller and wakeup pipe. Exec must not be running.
func (l *Loop) Close() error {
	unregisterMainLoop(l)
	werr := l.wakeup.Close()
	perr := l.poller.Close()
	if perr != nil {
		return perr
	}
	return werr
}
