package blockalloc

import (
	"sync/atomic"

	"github.com/arborvm/corevm/internal/backoff"
	"github.com/arborvm/corevm/internal/slicemgr"
)

// descriptor is a superblock descriptor: a slice carved into
// fixed-size blocks for one size class, plus the atomic anchor that
// coordinates concurrent alloc/free against it.
//
// Descriptors are drawn from a fixed, preallocated table with a
// lock-free free list threaded through it (see Heap.descFree) rather
// than being carved on demand from freshly mapped slices — see
// DESIGN.md for why a bounded table stands in for dynamic carving
// here.
type descriptor struct {
	anchor atomic.Uint64 // packs an Anchor

	slice     *slicemgr.Slice
	class     int
	blockSize int
	maxBlocks uint32

	idx uint32
}

func (d *descriptor) loadAnchor() Anchor { return Anchor(d.anchor.Load()) }

func (d *descriptor) casAnchor(old, new Anchor) bool {
	return d.anchor.CompareAndSwap(uint64(old), uint64(new))
}

// blockAt returns the byte range for block i within the descriptor's
// superblock.
func (d *descriptor) blockAt(i uint32) []byte {
	off := int(i) * d.blockSize
	return d.slice.Mem[off : off+d.blockSize]
}

// freeListNext reads/writes the intrusive next-free-block index stored
// in a free block's first four bytes, avoiding a second out-of-band
// link field: the link lives inside memory the allocator itself owns
// rather than in a struct field, since blocks here are raw byte spans,
// not Go values.
func freeListNext(block []byte) uint32 {
	return uint32(block[0]) | uint32(block[1])<<8 | uint32(block[2])<<16 | uint32(block[3])<<24
}

func setFreeListNext(block []byte, next uint32) {
	block[0] = byte(next)
	block[1] = byte(next >> 8)
	block[2] = byte(next >> 16)
	block[3] = byte(next >> 24)
}

// initFreeList threads every block in the superblock into a single
// linked free list (0 -> 1 -> 2 -> ... -> maxBlocks-1 -> noAvail) and
// returns an anchor describing it with state=ACTIVE. With reserveFirst,
// block 0 is handed to the caller that triggered the new superblock:
// avail=1 (noAvail for a one-block superblock), credits=maxBlocks-1.
// Without it, avail=0 and credits=maxBlocks.
func (d *descriptor) initFreeList(reserveFirst bool) Anchor {
	for i := uint32(0); i < d.maxBlocks; i++ {
		next := i + 1
		if next == d.maxBlocks {
			next = noAvail
		}
		setFreeListNext(d.blockAt(i), next)
	}
	avail := uint32(0)
	credits := d.maxBlocks - 1
	if reserveFirst {
		avail = 1
		if d.maxBlocks == 1 {
			avail = noAvail
		}
	} else {
		credits++
	}
	return packAnchor(avail, credits, StateActive, 1)
}

// popBlock pops the head of d's intrusive free-block list by CASing
// its anchor, updating avail/credits/tag atomically and transitioning
// ACTIVE to FULL once credits exhaust. ok is false if the free list was
// already empty; becameFull reports whether this pop was the one that
// exhausted it.
func popBlock(d *descriptor) (blockIdx uint32, ok bool, becameFull bool) {
	var bo backoff.Backoff
	for {
		old := d.loadAnchor()
		if old.Avail() == noAvail {
			return 0, false, false
		}
		head := old.Avail()
		next := freeListNext(d.blockAt(head))
		newState := old.State()
		full := false
		if next == noAvail {
			newState = StateFull
			full = true
		}
		new := old.with(next, old.Credits()-1, newState)
		if d.casAnchor(old, new) {
			return head, true, full
		}
		bo.Wait()
	}
}

// pushBlock returns blockIdx to d's free list by CASing its anchor to
// chain the block back onto the avail list and incrementing credits.
// It reports the state observed immediately before and after the
// successful CAS so the caller can drive the resulting transitions:
// FULL to PARTIAL means the descriptor should rejoin the shared
// partial queue, and PARTIAL to EMPTY means it should be retired.
func pushBlock(d *descriptor, blockIdx uint32) (oldState, newState State) {
	var bo backoff.Backoff
	for {
		old := d.loadAnchor()
		setFreeListNext(d.blockAt(blockIdx), old.Avail())
		newCredits := old.Credits() + 1

		ns := old.State()
		switch old.State() {
		case StateFull:
			ns = StatePartial
		case StatePartial:
			if newCredits == d.maxBlocks {
				ns = StateEmpty
			}
		case StateActive, StateEmpty:
			// ACTIVE: the owning procheap may still be allocating from
			// this superblock; a free never demotes it. EMPTY: nothing
			// should ever free back into an already-empty superblock.
		}
		new := old.with(blockIdx, newCredits, ns)
		if d.casAnchor(old, new) {
			return old.State(), ns
		}
		bo.Wait()
	}
}
