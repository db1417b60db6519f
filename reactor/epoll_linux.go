//go:build linux

// File: reactor/epoll_linux.go
// Author: momentics <momentics@gmail.com>
//
// Linux epoll(7)-based Poller implementation.
package reactor

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/momentics/corereactor/corerr"
)

type epollPoller struct {
	epfd int

	mu  sync.Mutex
	reg map[uintptr]Interest
}

// New constructs the platform-specific Poller for Linux (epoll).
func New() (Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, corerr.New(corerr.KindFatal, "reactor.New", err)
	}
	return &epollPoller{epfd: epfd, reg: make(map[uintptr]Interest)}, nil
}

func toEpollEvents(mask Interest) uint32 {
	var ev uint32
	if mask&Read != 0 {
		ev |= unix.EPOLLIN
	}
	if mask&Write != 0 {
		ev |= unix.EPOLLOUT
	}
	if mask&OneShot != 0 {
		ev |= unix.EPOLLONESHOT
	}
	if mask&LevelTriggered == 0 {
		ev |= unix.EPOLLET
	}
	return ev
}

func fromEpollEvents(ev uint32) Interest {
	var mask Interest
	if ev&unix.EPOLLIN != 0 {
		mask |= Read
	}
	if ev&unix.EPOLLOUT != 0 {
		mask |= Write
	}
	if ev&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		mask |= Error
	}
	return mask
}

func (p *epollPoller) Add(fd uintptr, mask Interest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.reg[fd]; ok {
		return corerr.ErrAlreadyRegistered
	}
	ev := &unix.EpollEvent{Events: toEpollEvents(mask), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, int(fd), ev); err != nil {
		return corerr.New(corerr.KindFatal, "reactor.Add", err)
	}
	p.reg[fd] = mask
	return nil
}

func (p *epollPoller) Modify(fd uintptr, mask Interest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.reg[fd]; !ok {
		return corerr.ErrNotRegistered
	}
	ev := &unix.EpollEvent{Events: toEpollEvents(mask), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, int(fd), ev); err != nil {
		return corerr.New(corerr.KindFatal, "reactor.Modify", err)
	}
	p.reg[fd] = mask
	return nil
}

func (p *epollPoller) Remove(fd uintptr) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.reg[fd]; !ok {
		return nil // idempotent per spec.md section 4.1
	}
	// Errors here are benign: the fd may already be closed, which
	// implicitly drops it from the epoll set.
	_ = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, int(fd), nil)
	delete(p.reg, fd)
	return nil
}

func (p *epollPoller) Wait(timeoutMs int, out []Event) (int, error) {
	raw := make([]unix.EpollEvent, len(out))
	n, err := unix.EpollWait(p.epfd, raw, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, ErrPollInterrupted
		}
		return 0, corerr.New(corerr.KindFatal, "reactor.Wait", err)
	}
	if n == 0 {
		return 0, ErrPollTimeout
	}
	for i := 0; i < n; i++ {
		out[i] = Event{Fd: uintptr(raw[i].Fd), Mask: fromEpollEvents(raw[i].Events)}
	}
	return n, nil
}

func (p *epollPoller) Close() error {
	return unix.Close(p.epfd)
}
