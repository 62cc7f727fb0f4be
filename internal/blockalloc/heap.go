// Package blockalloc implements a lock-free, per-worker,
// per-size-class block allocator: a procheap/superblock design serving
// small-to-medium explicit allocations, with an oversize bypass
// straight to the slice manager.
package blockalloc

import (
	"encoding/binary"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/arborvm/corevm/internal/backoff"
	"github.com/arborvm/corevm/internal/lfq"
	"github.com/arborvm/corevm/internal/lfstack"
	"github.com/arborvm/corevm/internal/osmem"
	"github.com/arborvm/corevm/internal/slicemgr"
)

// rwProt is the protection every explicit-heap slice is mapped with:
// guest-visible data, never executable.
const rwProt = osmem.ProtR | osmem.ProtW

// PrefixSize is the cache-line-sized header every returned block
// carries ahead of its payload, holding its descriptor index (or slice
// index, for oversize blocks). Only the first 8 bytes are meaningful;
// the remainder is reserved so the payload itself starts cache-line
// aligned.
const PrefixSize = 64

const oversizeFlag = 1
const blockIdxBits = 10
const blockIdxMask = 1<<blockIdxBits - 1

// ErrOutOfMemory is returned when neither a partial nor a fresh
// superblock (nor, for oversize requests, a dedicated slice) can be
// obtained: the slice manager has no room left for a new superblock
// and no partial superblock of the requested class exists either.
var ErrOutOfMemory = errors.New("blockalloc: out of memory")

// Block is a live allocation handle. Free releases the memory it
// refers to back to the allocator.
type Block struct {
	raw []byte
}

// Bytes returns the usable payload of the block (excluding the
// internal prefix header).
func (b *Block) Bytes() []byte { return b.raw[PrefixSize:] }

// The prefix word packs, low bit first: the oversize flag, then (for
// classed blocks only) the block's index within its superblock, then
// the descriptor index (or, for oversize blocks, the owning slice's
// table index). Carrying the block index in the prefix avoids having
// to recover it from pointer arithmetic on Free.
func encodePrefix(raw []byte, index uint32, blockIdx uint32, oversize bool) {
	v := uint64(index)<<(1+blockIdxBits) | uint64(blockIdx&blockIdxMask)<<1
	if oversize {
		v |= oversizeFlag
	}
	binary.LittleEndian.PutUint64(raw[:8], v)
}

func decodePrefix(raw []byte) (index uint32, blockIdx uint32, oversize bool) {
	v := binary.LittleEndian.Uint64(raw[:8])
	oversize = v&oversizeFlag != 0
	blockIdx = uint32(v>>1) & blockIdxMask
	index = uint32(v >> (1 + blockIdxBits))
	return
}

// Heap is a complete lock-free block allocator instance: one procheap
// per (worker, size class), a shared partial-superblock queue per size
// class, and a fixed descriptor table backing every superblock in
// play. One Heap serves exactly one runtime instance.
type Heap struct {
	slices      *slicemgr.Manager
	numWorkers  int
	sliceSize   int
	classes     []sizeClassState
	procHeaps   [][]*procHeap // [worker][class]

	descriptors []descriptor
	descFree    *lfstack.Stack

	log *zap.Logger
}

// New creates a Heap. sliceSize is the default slice granule used to
// back every superblock (typically a few MiB). descriptorCapacity
// bounds how many superblocks may be live simultaneously across all
// size classes.
func New(slices *slicemgr.Manager, numWorkers, sliceSize, descriptorCapacity int, log *zap.Logger) *Heap {
	if log == nil {
		log = zap.NewNop()
	}
	h := &Heap{
		slices:      slices,
		numWorkers:  numWorkers,
		sliceSize:   sliceSize,
		descriptors: make([]descriptor, descriptorCapacity),
		descFree:    lfstack.New(descriptorCapacity),
		log:         log,
	}
	for i := range h.descriptors {
		h.descriptors[i].idx = uint32(i)
		h.descFree.Push(uint32(i))
	}

	n := NumSizeClasses()
	h.classes = make([]sizeClassState, n)
	for c := 0; c < n; c++ {
		blockSize := BlockSize(c)
		maxBlocks := sliceSize / blockSize
		if maxBlocks > availMask {
			maxBlocks = availMask // anchor.avail/credits are 10-bit fields
		}
		h.classes[c] = sizeClassState{
			class:     c,
			blockSize: blockSize,
			maxBlocks: uint32(maxBlocks),
			partials:  lfq.New[uint32](numWorkers*4, numWorkers),
		}
	}

	h.procHeaps = make([][]*procHeap, numWorkers)
	for w := 0; w < numWorkers; w++ {
		h.procHeaps[w] = make([]*procHeap, n)
		for c := 0; c < n; c++ {
			h.procHeaps[w][c] = newProcHeap()
		}
	}
	return h
}

// Alloc serves a request of size bytes on behalf of worker. The class
// is chosen for size plus the PrefixSize-byte block prefix, so Bytes()
// holds at least size bytes. Requests above MaxBlockSize-PrefixSize
// bypass the size-class machinery entirely and get a dedicated slice.
func (h *Heap) Alloc(worker, size int) (*Block, error) {
	class, ok := SizeClassFor(size + PrefixSize)
	if !ok {
		return h.allocOversize(size)
	}
	blk, err := h.allocClassed(worker, class)
	if err != nil {
		return nil, err
	}
	return blk, nil
}

func (h *Heap) allocOversize(size int) (*Block, error) {
	total := size + PrefixSize
	s, err := h.slices.Alloc(slicemgr.KindExplicitHeap, rwProt, total, "oversize-block")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOutOfMemory, err)
	}
	encodePrefix(s.Mem, s.Index(), 0, true)
	return &Block{raw: s.Mem}, nil
}

func (h *Heap) allocClassed(worker, class int) (*Block, error) {
	cs := &h.classes[class]
	ph := h.procHeaps[worker][class]

	if blk, ok := h.tryActive(ph, cs); ok {
		return blk, nil
	}
	if blk, ok := h.tryPartial(worker, ph, cs); ok {
		return blk, nil
	}
	return h.tryNewSuperblock(worker, ph, cs)
}

// tryActive serves the allocation straight from ph's current active
// superblock, refilling its reservation from the descriptor's anchor
// once its local credit runs out.
func (h *Heap) tryActive(ph *procHeap, cs *sizeClassState) (*Block, bool) {
	var bo backoff.Backoff
	for {
		act := ph.loadActive()
		if act.Empty() {
			return nil, false
		}
		d := &h.descriptors[act.DescIndex()]
		if act.Credits() == 0 {
			anc := d.loadAnchor()
			if anc.Credits() == 0 {
				// Exhausted: release the active slot so a partial or
				// new superblock can be installed in its place.
				ph.casActive(act, emptyActive)
				return nil, false
			}
			refilled := packActive(act.DescIndex(), anc.Credits())
			if !ph.casActive(act, refilled) {
				bo.Wait()
				continue
			}
			continue
		}
		reserved := packActive(act.DescIndex(), act.Credits()-1)
		if !ph.casActive(act, reserved) {
			bo.Wait()
			continue
		}
		idx, ok, full := popBlock(d)
		if !ok {
			// Anchor's avail list was already drained by a concurrent
			// free-then-realloc race; loop and let the next iteration
			// refill from the anchor's current state.
			bo.Wait()
			continue
		}
		if full {
			cs.log(h.log, d, "ACTIVE->FULL (allocation)")
		}
		raw := d.blockAt(idx)
		encodePrefix(raw, d.idx, idx, false)
		return &Block{raw: raw}, true
	}
}

// tryPartial promotes a partial superblock to active: first ph's own
// spare partial slot, then the shared per-class partial queue.
func (h *Heap) tryPartial(worker int, ph *procHeap, cs *sizeClassState) (*Block, bool) {
	pidx := ph.partial.Load()
	if pidx != noActiveDesc && ph.partial.CompareAndSwap(pidx, noActiveDesc) {
		return h.promotePartial(worker, ph, cs, pidx)
	}
	if pidx, ok := cs.partials.Dequeue(worker); ok {
		return h.promotePartial(worker, ph, cs, pidx)
	}
	return nil, false
}

func (h *Heap) promotePartial(worker int, ph *procHeap, cs *sizeClassState, descIdx uint32) (*Block, bool) {
	d := &h.descriptors[descIdx]
	var bo backoff.Backoff
	for {
		old := d.loadAnchor()
		if old.State() != StatePartial {
			// Raced with another promoter or a free that emptied it;
			// give up on this candidate rather than corrupt state.
			return nil, false
		}
		new := old.with(old.Avail(), old.Credits(), StateActive)
		if d.casAnchor(old, new) {
			break
		}
		bo.Wait()
	}
	if !ph.casActive(emptyActive, packActive(descIdx, d.loadAnchor().Credits())) {
		// This worker's active slot was filled by a concurrent
		// tryNewSuperblock/tryActive race; park the descriptor back on
		// the shared queue rather than lose it.
		cs.partials.Enqueue(worker, descIdx)
		return nil, false
	}
	return h.tryActive(ph, cs)
}

// tryNewSuperblock carves a brand new superblock for cs out of a fresh
// slice when neither the active nor any partial superblock can serve
// the request.
func (h *Heap) tryNewSuperblock(worker int, ph *procHeap, cs *sizeClassState) (*Block, error) {
	descIdx, ok := h.descFree.Pop()
	if !ok {
		return nil, fmt.Errorf("%w: descriptor table exhausted", ErrOutOfMemory)
	}
	s, err := h.slices.Alloc(slicemgr.KindExplicitHeap, rwProt, h.sliceSize, "superblock")
	if err != nil {
		h.descFree.Push(descIdx)
		return nil, fmt.Errorf("%w: %v", ErrOutOfMemory, err)
	}

	d := &h.descriptors[descIdx]
	d.slice = s
	d.class = cs.class
	d.blockSize = cs.blockSize
	d.maxBlocks = cs.maxBlocks
	initial := d.initFreeList(true)
	d.anchor.Store(uint64(initial))

	if !ph.casActive(emptyActive, packActive(descIdx, initial.Credits())) {
		// Lost the race to install this superblock as active (another
		// call on the same worker/class got there first); retire it and
		// retry from the top.
		_ = h.slices.Free(s)
		d.slice = nil
		h.descFree.Push(descIdx)
		return h.allocClassed(worker, cs.class)
	}
	raw := d.blockAt(0)
	encodePrefix(raw, descIdx, 0, false)
	return &Block{raw: raw}, nil
}

// Free releases blk back to the allocator. worker identifies the
// calling worker for node-pool accounting on the shared partial queue;
// it need not be the worker that originally allocated blk.
func (h *Heap) Free(worker int, blk *Block) error {
	if blk == nil {
		return nil
	}
	index, blockIdx, oversize := decodePrefix(blk.raw)
	if oversize {
		return h.freeOversize(index)
	}
	return h.freeClassed(worker, index, blockIdx)
}

func (h *Heap) freeOversize(sliceIndex uint32) error {
	// The slice manager's own table doubles as the oversize free path:
	// Free looks the descriptor up by index and unmaps it directly.
	return h.slices.FreeByIndex(sliceIndex)
}

func (h *Heap) freeClassed(worker int, descIdx, blockIdx uint32) error {
	d := &h.descriptors[descIdx]

	oldState, newState := pushBlock(d, blockIdx)

	switch {
	case oldState == StateFull && newState == StatePartial:
		cs := &h.classes[d.class]
		ph := h.procHeaps[worker][d.class]
		if ph.partial.CompareAndSwap(noActiveDesc, descIdx) {
			return nil
		}
		cs.partials.Enqueue(worker, descIdx)
	case newState == StateEmpty && oldState == StatePartial:
		h.retireEmpty(worker, d)
	}
	return nil
}

// retireEmpty unlinks an EMPTY descriptor from circulation and returns
// its slice and descriptor slot to their respective free pools.
func (h *Heap) retireEmpty(worker int, d *descriptor) {
	ph := h.procHeaps[worker][d.class]
	ph.partial.CompareAndSwap(d.idx, noActiveDesc)

	s := d.slice
	d.slice = nil
	_ = h.slices.Free(s)
	h.descFree.Push(d.idx)
}

func (cs *sizeClassState) log(l *zap.Logger, d *descriptor, msg string) {
	l.Debug("superblock transition", zap.String("event", msg), zap.Int("class", cs.class), zap.Uint32("descriptor", d.idx))
}
