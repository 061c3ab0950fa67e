package virtqueue

import "sync/atomic"

// Barriers are the three ordering points of the split ring protocol. A queue
// calls them at fixed places; implementations decide what a fence costs on the
// platform.
type Barriers interface {
	// Publish orders descriptor and ring entry stores before the store of the
	// new available index.
	Publish()
	// Kick orders the available index store before the notification write.
	Kick()
	// Acquire orders the load of the used index before the loads of the used
	// elements it covers.
	Acquire()
}

// CPUBarriers implements [Barriers] with a read-modify-write on a private
// word. Go atomics are sequentially consistent, which gives a full fence on
// every supported architecture.
type CPUBarriers struct {
	fence atomic.Uint32
}

func (b *CPUBarriers) Publish() {
	b.fence.Add(1)
}

func (b *CPUBarriers) Kick() {
	b.fence.Add(1)
}

func (b *CPUBarriers) Acquire() {
	b.fence.Add(1)
}
