// File: bufpool/base_bufferpool.go
// Package bufpool
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Size-classed byte buffer pool for the read paths of conn.Connection
// and process.Process. Buffers are bucketed by rounded-up power-of-two
// size rather than by NUMA node: this module runs one reactor goroutine
// per Loop rather than many NUMA-pinned worker threads, so the size
// dimension is what actually varies across callers (64 KiB stream
// chunks vs small frame headers), not placement.

package bufpool

import (
	"math/bits"
	"sync"
)

// Buffer is a pooled, reusable byte slice.
type Buffer struct {
	data []byte
}

// Bytes returns the buffer's storage, truncated to the last requested size.
func (b *Buffer) Bytes() []byte { return b.data }

// Stats is a point-in-time snapshot of pool activity.
type Stats struct {
	TotalAlloc int64
	TotalFree  int64
	InUse      int64
}

// Pool is a channel-backed allocator bucketed by size class, grounded
// on the teacher's per-NUMA-node channel pools but keyed by rounded-up
// capacity instead of node id.
type Pool struct {
	mu      sync.Mutex
	classes map[int]chan *Buffer

	statsMu   sync.Mutex
	allocated int64
	freed     int64
	inUse     int64
}

// New creates an empty size-classed pool.
func New() *Pool {
	return &Pool{classes: make(map[int]chan *Buffer)}
}

var defaultPool = New()

// Default returns the package-wide pool shared by conn and process.
func Default() *Pool { return defaultPool }

func sizeClass(size int) int {
	if size <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(size-1))
}

func (p *Pool) channelFor(class int) chan *Buffer {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.classes[class]
	if !ok {
		ch = make(chan *Buffer, 1024)
		p.classes[class] = ch
	}
	return ch
}

// Get returns a buffer whose capacity is at least size, reused from the
// matching class channel if one is available.
func (p *Pool) Get(size int) *Buffer {
	class := sizeClass(size)
	ch := p.channelFor(class)

	var b *Buffer
	select {
	case b = <-ch:
	default:
		b = &Buffer{data: make([]byte, class)}
	}
	b.data = b.data[:size]

	p.statsMu.Lock()
	p.allocated++
	p.inUse++
	p.statsMu.Unlock()
	return b
}

// Put returns b to the channel matching its capacity. If that channel
// is full, b is dropped for the GC to collect.
func (p *Pool) Put(b *Buffer) {
	if b == nil {
		return
	}
	class := cap(b.data)
	b.data = b.data[:class]
	ch := p.channelFor(class)
	select {
	case ch <- b:
	default:
	}

	p.statsMu.Lock()
	p.freed++
	if p.inUse > 0 {
		p.inUse--
	}
	p.statsMu.Unlock()
}

// Stats returns a snapshot of allocation counters.
func (p *Pool) Stats() Stats {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return Stats{TotalAlloc: p.allocated, TotalFree: p.freed, InUse: p.inUse}
}
