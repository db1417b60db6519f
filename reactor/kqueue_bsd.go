//go:build darwin || freebsd || netbsd || openbsd

// File: reactor/kqueue_bsd.go
// Author: momentics <momentics@gmail.com>
//
// BSD/Darwin kqueue(2)-based Poller implementation.
package reactor

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/momentics/corereactor/corerr"
)

type kqueuePoller struct {
	kq int

	mu  sync.Mutex
	reg map[uintptr]Interest
}

// New constructs the platform-specific Poller for BSD/Darwin (kqueue).
func New() (Poller, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, corerr.New(corerr.KindFatal, "reactor.New", err)
	}
	return &kqueuePoller{kq: kq, reg: make(map[uintptr]Interest)}, nil
}

func (p *kqueuePoller) changesFor(fd uintptr, mask Interest, add bool) []unix.Kevent_t {
	flags := uint16(unix.EV_DELETE)
	if add {
		flags = unix.EV_ADD | unix.EV_ENABLE
		if mask&OneShot != 0 {
			flags |= unix.EV_ONESHOT
		}
		if mask&LevelTriggered == 0 {
			flags |= unix.EV_CLEAR
		}
	}
	var changes []unix.Kevent_t
	if !add || mask&Read != 0 {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: flags})
	}
	if !add || mask&Write != 0 {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: flags})
	}
	return changes
}

func (p *kqueuePoller) Add(fd uintptr, mask Interest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.reg[fd]; ok {
		return corerr.ErrAlreadyRegistered
	}
	changes := p.changesFor(fd, mask, true)
	if _, err := unix.Kevent(p.kq, changes, nil, nil); err != nil {
		return corerr.New(corerr.KindFatal, "reactor.Add", err)
	}
	p.reg[fd] = mask
	return nil
}

func (p *kqueuePoller) Modify(fd uintptr, mask Interest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	old, ok := p.reg[fd]
	if !ok {
		return corerr.ErrNotRegistered
	}
	// Clear whichever filters were previously armed, then re-arm per mask.
	_, _ = unix.Kevent(p.kq, p.changesFor(fd, old, false), nil, nil)
	changes := p.changesFor(fd, mask, true)
	if _, err := unix.Kevent(p.kq, changes, nil, nil); err != nil {
		return corerr.New(corerr.KindFatal, "reactor.Modify", err)
	}
	p.reg[fd] = mask
	return nil
}

func (p *kqueuePoller) Remove(fd uintptr) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	old, ok := p.reg[fd]
	if !ok {
		return nil // idempotent per spec.md section 4.1
	}
	_, _ = unix.Kevent(p.kq, p.changesFor(fd, old, false), nil, nil)
	delete(p.reg, fd)
	return nil
}

func (p *kqueuePoller) Wait(timeoutMs int, out []Event) (int, error) {
	raw := make([]unix.Kevent_t, len(out))
	var ts *unix.Timespec
	if timeoutMs >= 0 {
		t := unix.NsecToTimespec(int64(timeoutMs) * int64(1_000_000))
		ts = &t
	}
	n, err := unix.Kevent(p.kq, nil, raw, ts)
	if err != nil {
		if err == unix.EINTR {
			return 0, ErrPollInterrupted
		}
		return 0, corerr.New(corerr.KindFatal, "reactor.Wait", err)
	}
	if n == 0 {
		return 0, ErrPollTimeout
	}
	// Coalesce read+write events for the same fd into one combined Event,
	// matching spec.md section 4.1's single-callback-per-batch rule.
	byFd := make(map[uintptr]Interest, n)
	order := make([]uintptr, 0, n)
	for i := 0; i < n; i++ {
		ev := raw[i]
		fd := uintptr(ev.Ident)
		mask, seen := byFd[fd]
		if !seen {
			order = append(order, fd)
		}
		if ev.Flags&unix.EV_ERROR != 0 {
			mask |= Error
		}
		switch ev.Filter {
		case unix.EVFILT_READ:
			mask |= Read
		case unix.EVFILT_WRITE:
			mask |= Write
		}
		byFd[fd] = mask
	}
	count := 0
	for _, fd := range order {
		out[count] = Event{Fd: fd, Mask: byFd[fd]}
		count++
	}
	return count, nil
}

func (p *kqueuePoller) Close() error {
	return unix.Close(p.kq)
}
