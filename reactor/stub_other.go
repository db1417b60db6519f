//go:build !linux && !darwin && !freebsd && !netbsd && !openbsd

// File: reactor/stub_other.go
// Author: momentics <momentics@gmail.com>
//
// Stub Poller for platforms without an epoll/kqueue backend. Windows
// IOCP is explicitly out of scope per spec.md section 1's Non-goals.
package reactor

import "github.com/momentics/corereactor/corerr"

// New returns an error on unsupported platforms.
func New() (Poller, error) {
	return nil, corerr.New(corerr.KindFatal, "reactor.New",
		errUnsupportedPlatform)
}

var errUnsupportedPlatform = platformError("reactor: platform not supported")

type platformError string

func (e platformError) Error() string { return string(e) }
