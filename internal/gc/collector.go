package gc

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/arborvm/corevm/internal/barrier"
	"github.com/arborvm/corevm/internal/lfq"
)

// Config bounds one Collector instance.
type Config struct {
	Workers     int
	Generations uint8 // G, default 3, max 254
	ArrayGen    uint8 // stored but not read: large arrays are not pinned to a generation
	// PromoteThreshold is the survived_count at which an object is
	// promoted to the next generation rather than merely re-copied
	// within its current one.
	PromoteThreshold uint8
	// ClusterByteThreshold is stored but not read: whether an array is
	// clusterized onto the shared stack depends only on whether it
	// carries a cluster bitmap (Obj.Bitmap), not on its byte size.
	ClusterByteThreshold int
	Log                  *zap.Logger
}

// Collector runs collection cycles and satisfies sched.Collector so the
// scheduler can divert idle/safepointing workers into its thread body.
type Collector struct {
	cfg Config
	log *zap.Logger

	phase           phaseWord
	collectionCount atomic.Uint64
	peakGen         atomic.Uint32
	targetGen       atomic.Uint32

	initialBarrier *barrier.Barrier
	middleBarrier  *barrier.Barrier
	finalBarrier   *barrier.Barrier
	admission      *semaphore.Weighted

	writeLogs []*WriteLog

	localMu  sync.Mutex
	localQ   [][]*Obj // per-worker collector-local processing queue
	workshare *lfq.Queue[*Obj]

	roots  func(parity int) []*Obj
	onFlip func(collectedGen uint8)
}

// New constructs a Collector for the given worker pool size. roots
// returns the current root set (globals + live thread stacks) for the
// requested parity; it is supplied by the runtime wiring, since the
// root set's shape is entirely host-language dependent.
func New(cfg Config, roots func(parity int) []*Obj) *Collector {
	if cfg.Generations == 0 {
		cfg.Generations = 3
	}
	if cfg.PromoteThreshold == 0 {
		cfg.PromoteThreshold = 4
	}
	if cfg.ClusterByteThreshold == 0 {
		cfg.ClusterByteThreshold = ClusterSize * 64
	}
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	c := &Collector{
		cfg:            cfg,
		log:            log,
		initialBarrier: barrier.New(cfg.Workers),
		middleBarrier:  barrier.New(cfg.Workers),
		finalBarrier:   barrier.New(cfg.Workers),
		admission:      semaphore.NewWeighted(int64(cfg.Workers)),
		workshare:      lfq.New[*Obj](cfg.Workers*256, cfg.Workers),
		roots:          roots,
	}
	c.writeLogs = make([]*WriteLog, cfg.Workers)
	c.localQ = make([][]*Obj, cfg.Workers)
	for i := range c.writeLogs {
		c.writeLogs[i] = NewWriteLog()
	}
	c.peakGen.Store(1)
	c.targetGen.Store(1)
	return c
}

// Active reports whether the collector is in any phase but INACTIVE.
func (c *Collector) Active() bool { return c.phase.load() != PhaseInactive }

// Parity is collection_count mod 2: the slot index mutators must read
// from double-pointer fields right now.
func (c *Collector) Parity() int { return int(c.collectionCount.Load() & 1) }

// WriteLog returns the write log for workerID, for the write barrier to
// append to.
func (c *Collector) WriteLog(workerID int) *WriteLog { return c.writeLogs[workerID] }

// WriteBarrier is the mutator-facing entry point every pointer-field
// store in guest code goes through. While the collector sits in
// INACTIVE or INITIAL, no drain pass can yet observe a logged entry, so
// the write is let through unlogged. From NORMAL through WEAK a
// concurrent drain may already be scanning this object's old image, so
// the write must be recorded for replay. It reports whether the
// worker's log just reached WriteLogLength, obliging the caller to
// safepoint before its next mutation.
func (c *Collector) WriteBarrier(workerID int, obj *Obj, offset int) (mustSafepoint bool) {
	switch c.phase.load() {
	case PhaseInactive, PhaseInitial:
		return false
	default:
		return c.writeLogs[workerID].Append(obj, offset)
	}
}

// MaybeTrigger is called by the allocator after every explicit
// allocation with the current total/used slice counts for the GC heap.
// When used/total reaches softThreshold and the collector is
// INACTIVE, it CAS-installs INITIAL. requestedGen, if non-nil, overrides
// the sawtooth generation choice monotonically upward.
func (c *Collector) MaybeTrigger(total, used int64, softThreshold float64, requestedGen *uint8) bool {
	if total <= 0 || float64(used)/float64(total) < softThreshold {
		return false
	}
	if !c.phase.cas(PhaseInactive, PhaseInitial) {
		return false
	}
	c.chooseGeneration(requestedGen)
	c.log.Info("gc triggered", zap.Uint64("collection", c.collectionCount.Load()+1), zap.Uint32("target_gen", c.targetGen.Load()))
	return true
}

// chooseGeneration implements the sawtooth: advance up to the current
// peak; on reaching it, increment the peak (bounded by Generations) and
// restart at 1. An explicit request overrides monotonically upward.
func (c *Collector) chooseGeneration(requested *uint8) uint8 {
	if requested != nil {
		for {
			old := c.targetGen.Load()
			if uint8(old) >= *requested {
				return uint8(old)
			}
			if c.targetGen.CompareAndSwap(old, uint32(*requested)) {
				return *requested
			}
		}
	}
	for {
		g := c.targetGen.Load()
		peak := c.peakGen.Load()
		if g+1 > peak {
			newPeak := peak + 1
			if newPeak > uint32(c.cfg.Generations) {
				newPeak = uint32(c.cfg.Generations)
			}
			if !c.peakGen.CompareAndSwap(peak, newPeak) {
				continue
			}
			if c.targetGen.CompareAndSwap(g, 1) {
				return 1
			}
			continue
		}
		if c.targetGen.CompareAndSwap(g, g+1) {
			return uint8(g + 1)
		}
	}
}

// RunGCThread is invoked by the scheduler on a worker it has diverted
// into the collector. It performs exactly one phase's worth of work for
// that worker and arrives at the phase's barrier; the last arrival
// advances the global phase.
func (c *Collector) RunGCThread(workerID int) {
	ctx := context.Background()
	if err := c.admission.Acquire(ctx, 1); err != nil {
		return
	}
	defer c.admission.Release(1)

	switch c.phase.load() {
	case PhaseInitial:
		if c.initialBarrier.Arrive() {
			c.phase.store(PhaseNormal)
			c.log.Debug("gc phase", zap.String("phase", "NORMAL"))
		}
	case PhaseNormal:
		c.runPass(workerID, false)
		if c.middleBarrier.Arrive() {
			c.phase.store(PhaseWeak)
			c.log.Debug("gc phase", zap.String("phase", "WEAK"))
		}
	case PhaseWeak:
		c.runPass(workerID, true)
		if c.finalBarrier.Arrive() {
			c.flipEpoch()
			c.collectionCount.Add(1)
			c.phase.store(PhaseInactive)
			c.log.Info("gc complete", zap.Uint64("collection", c.collectionCount.Load()))
		}
	}
}

// runPass drains workerID's write log through the claim/check
// procedure, processes its local queue (falling back to the shared
// object workshare once local work is exhausted), and — on doWeak — also
// nulls out or preserves weak pointers for objects already fully
// copied.
func (c *Collector) runPass(workerID int, doWeak bool) {
	parity := c.Parity()
	g := uint8(c.targetGen.Load())

	wl := c.writeLogs[workerID]
	wl.Drain(func(obj *Obj, fieldIdx int) {
		if fieldIdx < 0 || fieldIdx >= len(obj.Ptrs) {
			return
		}
		if target := obj.Ptrs[fieldIdx].Load(parity); target != nil {
			c.claim(target, g)
		}
	})
	wl.Reset()

	if doWeak {
		for _, root := range c.roots(parity) {
			c.claim(root, g)
		}
	}

	for {
		obj, ok := c.popLocal(workerID)
		if !ok {
			if obj, ok = c.workshare.Dequeue(workerID); !ok {
				break
			}
		}
		c.copyFields(obj, parity, g, doWeak)
		c.balance(workerID)
	}
}

// claim implements the object claim protocol: read the forwarding
// pointer; if already non-nil, return the existing (possibly in-flight)
// destination. If the object's current generation already exceeds g it
// is outside the collection set — mark it claimed in place (it is its
// own destination) and enqueue it so its fields still get scanned for
// references into the collection set. Otherwise pre-allocate a same-
// shape object in the generation allocateSameShape selects, CAS the forward
// pointer to it, and enqueue the original for field copying.
func (c *Collector) claim(obj *Obj, g uint8) *Obj {
	if dst := obj.Header.Forward.Load(); dst != nil {
		return dst
	}
	if obj.Header.loadGen().Cur() > g {
		if obj.Header.Forward.CompareAndSwap(nil, obj) {
			obj.Header.Copied.Store(true)
			c.pushLocal(obj)
		}
		return obj.Header.Forward.Load()
	}
	dst := c.allocateSameShape(obj)
	if obj.Header.Forward.CompareAndSwap(nil, dst) {
		c.pushLocal(obj)
		return dst
	}
	return obj.Header.Forward.Load()
}

// allocateSameShape pre-allocates a destination object with the same
// descriptor-implied shape as src. Once src's survived count plus one
// reaches PromoteThreshold the copy goes to src's next generation
// (capped at Generations) with survived reset; otherwise it stays in
// src's current generation with survived incremented.
func (c *Collector) allocateSameShape(src *Obj) *Obj {
	gen := src.Header.loadGen()
	var newGen genWord
	if gen.Survived()+1 >= c.cfg.PromoteThreshold {
		next := gen.Next() + 1
		if next > c.cfg.Generations {
			next = c.cfg.Generations
		}
		newGen = packGen(gen.Next(), next, 0)
	} else {
		newGen = packGen(gen.Cur(), gen.Next(), gen.Survived()+1)
	}

	dst := &Obj{Desc: src.Desc, Len: src.Len}
	dst.Header.TypeID = src.Header.TypeID
	dst.Header.storeGen(newGen)
	if len(src.Payload) > 0 {
		dst.Payload = make([]byte, len(src.Payload))
	}
	if len(src.Ptrs) > 0 {
		dst.Ptrs = make([]dptr[Obj], len(src.Ptrs))
	}
	if len(src.Weak) > 0 {
		dst.Weak = make([]dptr[Obj], len(src.Weak))
	}
	if src.Bitmap != nil {
		dst.Bitmap = newClusterBitmap(src.Len)
	}
	return dst
}

func (c *Collector) pushLocal(obj *Obj) {
	c.localMu.Lock()
	c.localQ[0] = append(c.localQ[0], obj)
	c.localMu.Unlock()
}

func (c *Collector) popLocal(workerID int) (*Obj, bool) {
	c.localMu.Lock()
	defer c.localMu.Unlock()
	q := c.localQ[workerID%len(c.localQ)]
	if len(q) == 0 {
		q = c.localQ[0]
		if len(q) == 0 {
			return nil, false
		}
		obj := q[len(q)-1]
		c.localQ[0] = q[:len(q)-1]
		return obj, true
	}
	obj := q[len(q)-1]
	c.localQ[workerID] = q[:len(q)-1]
	return obj, true
}

// balance pushes overflow local work to the shared workshare once this
// worker's queue exceeds the moderator, workshare length/E + 1. It only
// pushes; pulling from the workshare happens in runPass.
func (c *Collector) balance(workerID int) {
	moderator := c.workshare.Len()/len(c.writeLogs) + 1
	c.localMu.Lock()
	q := c.localQ[workerID]
	for len(q) > moderator {
		obj := q[len(q)-1]
		q = q[:len(q)-1]
		c.localMu.Unlock()
		c.workshare.Enqueue(workerID, obj)
		c.localMu.Lock()
	}
	c.localQ[workerID] = q
	c.localMu.Unlock()
}

// copyFields performs the field copy for one claimed object into its
// already-allocated destination (obj.Header.Forward), per the copying
// algorithm: bulk-copy non-pointer bytes once, claim+write each normal
// pointer field, and for mutable objects re-converge pointer fields
// until a pass makes no changes. Arrays are clusterized through
// copyArray instead. On completion it marks the destination Copied and,
// on doWeak, resolves weak pointer fields.
func (c *Collector) copyFields(obj *Obj, parity int, g uint8, doWeak bool) {
	dst := obj.Header.Forward.Load()
	if dst == nil {
		return
	}
	if dst == obj {
		// Outside the collection set: nothing to copy, but its pointer
		// fields may still reach into the collection set and must be
		// claimed so those targets get promoted and scanned in turn.
		for i := range obj.Ptrs {
			if src := obj.Ptrs[i].Load(parity); src != nil {
				c.claim(src, g)
			}
		}
		return
	}
	if obj.IsArray() {
		c.copyArray(obj, dst, parity, g)
	} else if !dst.Header.Copied.Load() {
		copy(dst.Payload, obj.Payload)
		for {
			converged := true
			for i := range obj.Ptrs {
				src := obj.Ptrs[i].Load(parity)
				var want *Obj
				if src != nil {
					want = c.claim(src, g)
				}
				if dst.Ptrs[i].Load(1 - parity) != want {
					dst.Ptrs[i].Store(1-parity, want)
					converged = false
				}
			}
			if converged || obj.Desc.IsConst() {
				break
			}
		}
		dst.Header.Copied.Store(true)
	}
	if doWeak {
		for i := range obj.Weak {
			w := obj.Weak[i].Load(parity)
			if w != nil && w.Header.Copied.Load() {
				dst.Weak[i].Store(1-parity, w.Header.Forward.Load())
			} else {
				dst.Weak[i].Store(1-parity, nil)
			}
		}
	}
}

// copyArray copies array elements, clusterizing through an atomic
// bitmap claim when the array exceeds the byte threshold (so many
// collector workers can share the copy), or copying the whole array in
// one shot when it is small enough to have stayed on a single worker's
// local queue.
func (c *Collector) copyArray(obj, dst *Obj, parity int, g uint8) {
	if obj.Bitmap == nil {
		c.copyArrayRange(obj, dst, parity, g, 0, obj.Len)
		dst.Header.Copied.Store(true)
		return
	}
	for {
		cluster, ok := claimBit(obj.Bitmap)
		if !ok {
			break
		}
		lo := cluster * ClusterSize
		hi := lo + ClusterSize
		if hi > obj.Len {
			hi = obj.Len
		}
		c.copyArrayRange(obj, dst, parity, g, lo, hi)
	}
	dst.Header.Copied.Store(true)
}

func (c *Collector) copyArrayRange(obj, dst *Obj, parity int, g uint8, lo, hi int) {
	if len(obj.Payload) > 0 {
		elemSize := len(obj.Payload) / max1(obj.Len)
		copy(dst.Payload[lo*elemSize:hi*elemSize], obj.Payload[lo*elemSize:hi*elemSize])
		return
	}
	for i := lo; i < hi; i++ {
		src := obj.Ptrs[i].Load(parity)
		var want *Obj
		if src != nil {
			want = c.claim(src, g)
		}
		dst.Ptrs[i].Store(1-parity, want)
	}
}

func max1(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}

// flipEpoch is the slice epoch flip: the single commit point, run
// exactly once by the last worker past the final barrier. The real
// per-generation slice-list bookkeeping lives in the runtime wiring
// layer (corevm.Runtime), which supplies this hook; Collector itself
// only guarantees the call happens exactly once per cycle, from exactly
// one goroutine.
func (c *Collector) flipEpoch() {
	if c.onFlip != nil {
		c.onFlip(uint8(c.targetGen.Load()))
	}
}

// OnFlip registers the slice-epoch-flip callback invoked by flipEpoch.
func (c *Collector) OnFlip(fn func(collectedGen uint8)) { c.onFlip = fn }
