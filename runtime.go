// Package corevm wires the slice manager, block allocator, scheduler,
// and collector into a single runtime instance and exposes the guest
// entry point and type-descriptor surfaces those subsystems treat as
// opaque, externally supplied data.
package corevm

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/arborvm/corevm/internal/blockalloc"
	"github.com/arborvm/corevm/internal/gc"
	"github.com/arborvm/corevm/internal/sched"
	"github.com/arborvm/corevm/internal/slicemgr"
	"github.com/arborvm/corevm/internal/typedesc"
)

// Re-exported aliases so callers need only import this package for the
// guest-facing surface, while the subsystems themselves stay in their
// own internal packages.
type (
	ProgMain       = sched.ProgMain
	Thread         = sched.Thread
	TypeDescriptor = typedesc.Descriptor
	TypeTable      = typedesc.Table
	Object         = gc.Obj
)

// genImage is one generation's used/free/new slice lists and byte
// counters — the bookkeeping the slice epoch flip mutates.
type genImage struct {
	used, free, new                []*slicemgr.Slice
	usedBytes, freeBytes, newBytes  int64
}

// Runtime is one complete, wired runtime instance: one slice manager,
// one block allocator, one scheduler, one collector. Created with New,
// torn down with Stop; never a package-level singleton, per the
// explicit init(params)->handle / shutdown(handle) lifecycle this
// design calls for.
type Runtime struct {
	cfg Config
	log *zap.Logger

	slices    *slicemgr.Manager
	heap      *blockalloc.Heap
	collector *gc.Collector
	scheduler *sched.Scheduler
	types     typedesc.Table

	genMu sync.Mutex
	gens  []genImage
}

// New constructs a fully wired Runtime. types is the compiler-generated
// type descriptor table; roots returns the current root set (globals
// plus live thread stacks) for a given collection parity. Both are
// supplied by the hosted-language compiler/runtime glue, which this
// package treats as an opaque external collaborator.
func New(cfg Config, log *zap.Logger, types typedesc.Table, roots func(parity int) []*Object) (*Runtime, error) {
	cfg = cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}

	var quotas slicemgr.Quotas
	quotas.Total = cfg.TotalMemLimit
	quotas.Kind[slicemgr.KindExplicitHeap] = cfg.ExplicitHeapLimit
	quotas.Kind[slicemgr.KindGCHeap] = cfg.GCHeapLimit

	slices := slicemgr.New(cfg.SliceTableCapacity, quotas, log)
	heap := blockalloc.New(slices, cfg.Workers, cfg.SliceSize, cfg.DescriptorCapacity, log)

	r := &Runtime{
		cfg:    cfg,
		log:    log,
		slices: slices,
		heap:   heap,
		types:  types,
	}
	r.gens = make([]genImage, int(cfg.Generations)+1)

	r.collector = gc.New(gc.Config{
		Workers:     cfg.Workers,
		Generations: cfg.Generations,
		ArrayGen:    cfg.ArrayGen,
		Log:         log,
	}, roots)
	r.collector.OnFlip(r.flipEpoch)

	s, err := sched.New(sched.Config{Workers: cfg.Workers, Collector: r.collector, Log: log})
	if err != nil {
		return nil, err
	}
	r.scheduler = s
	return r, nil
}

// Start spawns the fixed worker pool and runs prog on the initial
// thread. It blocks until Stop is called or a worker fails.
func (r *Runtime) Start(ctx context.Context, prog ProgMain, initial *Thread, args, env []string) error {
	return r.scheduler.Start(ctx, prog, initial, args, env)
}

// Stop implements the shutdown sequence (§4.4.4) and waits for every
// worker to return. Called from a goroutine outside the worker pool it
// returns once they have; called from within a worker's own thread
// body it does not return, since that worker is among those it waits for.
func (r *Runtime) Stop() error { return r.scheduler.Stop() }

func (r *Runtime) Heap() *blockalloc.Heap      { return r.heap }
func (r *Runtime) Slices() *slicemgr.Manager   { return r.slices }
func (r *Runtime) Collector() *gc.Collector    { return r.collector }
func (r *Runtime) Scheduler() *sched.Scheduler { return r.scheduler }
func (r *Runtime) Types() typedesc.Table       { return r.types }

// ActivateThread is the guest-facing entry point for the activation
// protocol: moving a thread from any externally-settable source state
// to RUNNABLE.
func (r *Runtime) ActivateThread(t *Thread) bool { return r.scheduler.ActivateThread(t) }

// flipEpoch is the slice epoch flip registered with the collector: for
// every generation up to and including collectedGen, the used list is
// appended to the free list, the new list is promoted to used, and the
// byte counters are folded accordingly. It runs exactly once per
// collection cycle, from exactly the one goroutine the collector's
// final barrier designates as last.
func (r *Runtime) flipEpoch(collectedGen uint8) {
	r.genMu.Lock()
	defer r.genMu.Unlock()
	for g := 0; g <= int(collectedGen) && g < len(r.gens); g++ {
		img := &r.gens[g]
		img.free = append(img.free, img.used...)
		img.freeBytes += img.usedBytes
		img.used, img.usedBytes = img.new, img.newBytes
		img.new, img.newBytes = nil, 0
	}
	r.log.Debug("slice epoch flip", zap.Uint8("collected_gen", collectedGen))
}
