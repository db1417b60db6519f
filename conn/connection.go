// File: conn/connection.go
// Author: momentics <momentics@gmail.com>
package conn

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/momentics/corereactor/bufpool"
	"github.com/momentics/corereactor/control"
	"github.com/momentics/corereactor/corerr"
	"github.com/momentics/corereactor/eventloop"
	"github.com/momentics/corereactor/logsink"
	"github.com/momentics/corereactor/reactor"
)

// readState is the inbound framing state machine of spec.md section 4.6.
type readState int

const (
	awaitingHeader readState = iota
	awaitingBody
)

// Connection frames messages over a non-blocking stream fd registered
// with an eventloop.Loop.
type Connection struct {
	loop *eventloop.Loop
	fd   uintptr
	log  logsink.Sink

	onMessage      func(Message)
	onFinished     func()
	onSendFinished func()
	onDisconnected func(error)

	mu sync.Mutex

	state       readState
	inbound     []byte // bytes read but not yet parsed
	pendingRead uint32 // set only in awaitingBody, per spec.md invariant

	writeQueue   [][]byte
	writeCursor  int
	pendingWrite int
	connected    bool

	metrics *control.MetricsRegistry
}

// Option configures a Connection at construction time.
type Option func(*Connection)

func WithLogSink(s logsink.Sink) Option { return func(c *Connection) { c.log = s } }
func OnMessage(f func(Message)) Option  { return func(c *Connection) { c.onMessage = f } }
func OnFinished(f func()) Option        { return func(c *Connection) { c.onFinished = f } }
func OnSendFinished(f func()) Option    { return func(c *Connection) { c.onSendFinished = f } }
func OnDisconnected(f func(error)) Option {
	return func(c *Connection) { c.onDisconnected = f }
}

// WithDebugProbes registers a per-connection "conn.<fd>.pending_write"
// probe with probes, per spec.md section 4.10.
func WithDebugProbes(probes *control.DebugProbes) Option {
	return func(c *Connection) {
		probes.RegisterProbe(fmt.Sprintf("conn.%d.pending_write", c.fd), func() any { return c.PendingWrite() })
	}
}

// WithMetrics attaches a MetricsRegistry that drainWriteQueue sets a
// live "conn.<fd>.pending_write" gauge into on every call, per spec.md
// section 4.10. Unlike WithDebugProbes' pull-based probe, this pushes a
// fresh value each time the write queue is drained, useful for a host
// exporting periodic snapshots rather than polling on demand.
func WithMetrics(m *control.MetricsRegistry) Option {
	return func(c *Connection) { c.metrics = m }
}

func newConnection(loop *eventloop.Loop, fd uintptr, opts []Option) (*Connection, error) {
	_ = unix.SetNonblock(int(fd), true)
	c := &Connection{
		loop:      loop,
		fd:        fd,
		log:       logsink.Default(),
		state:     awaitingHeader,
		connected: true,
	}
	for _, o := range opts {
		o(c)
	}
	if err := loop.RegisterSocket(fd, reactor.Read|reactor.LevelTriggered, c.onReadable); err != nil {
		return nil, err
	}
	return c, nil
}

// New wraps fd (already connected, e.g. from a dial) as a Connection.
func New(loop *eventloop.Loop, fd uintptr, opts ...Option) (*Connection, error) {
	return newConnection(loop, fd, opts)
}

// FromAccepted wraps an already-connected fd (e.g. from accept(2)),
// scheduling a catch-up read for any bytes the kernel buffered before
// registration — grounded on Connection::checkData
// (original_source/rct/Connection.cpp), which re-checks the socket
// buffer via a callLater posted from the constructor rather than
// waiting for the first readiness notification. The fd is registered
// level-triggered, so already-buffered bytes also raise a readiness
// event; the posted read just parses them without waiting for it.
func FromAccepted(loop *eventloop.Loop, fd uintptr, opts ...Option) (*Connection, error) {
	c, err := newConnection(loop, fd, opts)
	if err != nil {
		return nil, err
	}
	loop.Post(func() { c.onReadable(c.fd, reactor.Read) })
	return c, nil
}

// PendingWrite returns the number of bytes queued but not yet
// acknowledged by the kernel, per spec.md section 4.6's backpressure
// invariant.
func (c *Connection) PendingWrite() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingWrite
}

// Send queues a framed message for delivery. The header and body are
// written as two separate queued writes rather than one concatenated
// buffer, matching Connection::sendData's two-write accounting: the
// underlying write-readiness callback fires once per write(2) call, and
// pending_write must track real queued bytes rather than logical
// messages.
func (c *Connection) Send(id uint8, body []byte) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return corerr.ErrNotConnected
	}
	payload := EncodeBody(id, body)
	header := EncodeHeader(uint32(len(payload)))

	c.enqueueWriteLocked(header)
	c.enqueueWriteLocked(payload)
	c.mu.Unlock()

	return c.flushWrites()
}

// SendFinish sends the distinguished Finish frame, signaling graceful
// close intent to the peer.
func (c *Connection) SendFinish() error {
	return c.Send(FinishID, nil)
}

func (c *Connection) enqueueWriteLocked(b []byte) {
	c.writeQueue = append(c.writeQueue, b)
	c.pendingWrite += len(b)
}

// flushWrites attempts a direct non-blocking write of everything queued;
// if the kernel accepts only part (or nothing, EAGAIN), it registers
// write-readiness and lets onWritable finish draining later.
func (c *Connection) flushWrites() error {
	drained, err := c.drainWriteQueue()
	if err != nil {
		return err
	}
	if !drained {
		if err := c.loop.UpdateSocket(c.fd, reactor.Read|reactor.Write|reactor.LevelTriggered); err != nil {
			// fd not yet registered for write; RegisterSocket already
			// covers Read, so Modify failing here means it truly isn't
			// registered at all, which is a programmer error.
			return err
		}
	}
	return nil
}

// drainWriteQueue writes as much of the queue as the kernel will accept
// without blocking, returning true once the queue is fully drained.
func (c *Connection) drainWriteQueue() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.metrics != nil {
		defer func() {
			c.metrics.Set(fmt.Sprintf("conn.%d.pending_write", c.fd), c.pendingWrite)
		}()
	}

	for len(c.writeQueue) > 0 {
		front := c.writeQueue[0][c.writeCursor:]
		n, err := unix.Write(int(c.fd), front)
		if n > 0 {
			c.pendingWrite -= n
			c.writeCursor += n
		}
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
				return false, nil
			}
			c.connected = false
			return false, corerr.New(corerr.KindFatal, "conn.Send", err)
		}
		if c.writeCursor == len(c.writeQueue[0]) {
			c.writeQueue = c.writeQueue[1:]
			c.writeCursor = 0
		} else {
			return false, nil // partial write, kernel buffer full
		}
	}
	if c.pendingWrite == 0 && c.onSendFinished != nil {
		cb := c.onSendFinished
		c.mu.Unlock()
		cb()
		c.mu.Lock()
	}
	return true, nil
}

func (c *Connection) onWritable(fd uintptr, mask reactor.Interest) {
	drained, err := c.drainWriteQueue()
	if err != nil {
		c.reportDisconnect(err)
		return
	}
	if drained {
		_ = c.loop.UpdateSocket(c.fd, reactor.Read|reactor.LevelTriggered)
	}
}

const readChunk = 64 * 1024

func (c *Connection) onReadable(fd uintptr, mask reactor.Interest) {
	if mask&reactor.Write != 0 {
		c.onWritable(fd, mask)
	}
	if mask&reactor.Read == 0 {
		return
	}
	buf := bufpool.Default().Get(readChunk)
	defer bufpool.Default().Put(buf)
	chunk := buf.Bytes()
	for {
		n, err := unix.Read(int(fd), chunk)
		if n > 0 {
			c.mu.Lock()
			c.inbound = append(c.inbound, chunk[:n]...)
			c.mu.Unlock()
		}
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				break
			}
			if err == unix.EINTR {
				continue
			}
			c.reportDisconnect(corerr.New(corerr.KindFatal, "conn.Read", err))
			return
		}
		if n == 0 {
			c.reportDisconnect(nil) // orderly close
			return
		}
		if n < len(chunk) {
			break
		}
	}
	c.parseInbound()
}

// parseInbound runs the AwaitingHeader/AwaitingBody state machine over
// whatever has accumulated, delivering zero or more messages. At most
// one frame is ever in progress: pendingRead is set only while in
// awaitingBody, and header bytes are never reinterpreted as body bytes
// (spec.md section 4.6 invariants).
func (c *Connection) parseInbound() {
	for {
		c.mu.Lock()
		switch c.state {
		case awaitingHeader:
			if len(c.inbound) < HeaderLen {
				c.mu.Unlock()
				return
			}
			n := DecodeHeader(c.inbound[:HeaderLen])
			c.inbound = c.inbound[HeaderLen:]
			c.pendingRead = n
			c.state = awaitingBody
			c.mu.Unlock()
		case awaitingBody:
			if uint32(len(c.inbound)) < c.pendingRead {
				c.mu.Unlock()
				return
			}
			payload := make([]byte, c.pendingRead)
			copy(payload, c.inbound[:c.pendingRead])
			c.inbound = c.inbound[c.pendingRead:]
			c.pendingRead = 0
			c.state = awaitingHeader
			c.mu.Unlock()

			msg := DecodePayload(payload)
			if msg.ID == FinishID {
				if c.onFinished != nil {
					c.onFinished()
				}
			} else if c.onMessage != nil {
				c.onMessage(msg)
			}
		}
	}
}

func (c *Connection) reportDisconnect(err error) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false
	c.mu.Unlock()

	c.loop.UnregisterSocket(c.fd)
	if c.onDisconnected != nil {
		c.onDisconnected(err)
	}
}

// Close unregisters and closes the underlying fd.
func (c *Connection) Close() error {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.loop.UnregisterSocket(c.fd)
	return unix.Close(int(c.fd))
}
