// Package bufpool provides size-classed byte buffer pooling for the
// stream I/O paths of conn and process, plus a couple of generic
// lock-free primitives (RingBuffer, SyncPool) kept for the same
// low-allocation style the rest of the toolkit favors on the hot read
// path.
package bufpool
