package blockalloc

import (
	"sync/atomic"

	"github.com/arborvm/corevm/internal/lfq"
)

// procHeap is a single worker's handle to the current active
// superblock for one size class, plus that worker's own partial
// pointer: the active word names the superblock descriptor currently
// being allocated from, and partial names this worker's own spare
// partial superblock before it falls back to the shared queue. The
// lock-free queue of other partials is shared across every worker
// serving this size class (see sizeClassState.partials below); only
// the active word and the local partial slot are per-worker.
type procHeap struct {
	active  atomic.Uint64 // packs an Active
	partial atomic.Uint32 // descriptor index, or noActiveDesc
}

func newProcHeap() *procHeap {
	p := &procHeap{}
	p.active.Store(uint64(emptyActive))
	p.partial.Store(noActiveDesc)
	return p
}

func (p *procHeap) loadActive() Active { return Active(p.active.Load()) }

func (p *procHeap) casActive(old, new Active) bool {
	return p.active.CompareAndSwap(uint64(old), uint64(new))
}

// sizeClassState is the per-size-class shared state: the partial
// superblock workshare every procheap serving this class falls back to
// once its own local partial and active superblock are exhausted.
type sizeClassState struct {
	class     int
	blockSize int
	maxBlocks uint32

	// partials is the lock-free queue of partial-superblock descriptor
	// indices shared by every worker's procheap for this class: the
	// same generic workshare internal/lfq backs for threads and
	// collector objects, instantiated here for descriptor indices.
	partials *lfq.Queue[uint32]
}
