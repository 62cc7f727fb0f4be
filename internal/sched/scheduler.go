// Package sched implements the executor/scheduler pair: a work-stealing
// M:N scheduler binding a fixed pool of workers to per-worker FIFOs plus
// a shared lock-free workshare, with a per-thread status state machine
// that survives concurrent external mutation (see state.go).
package sched

import (
	"context"
	"errors"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/arborvm/corevm/internal/lfq"
)

// Collector is the narrow interface the scheduler needs from the
// collector to decide, at the bottom of the scheduling cycle, whether
// an idle worker should run the idle thread or divert into the
// collector's own thread body — the mixed branch is resolved exactly
// as: a GC thread is current iff GC is non-INACTIVE.
type Collector interface {
	Active() bool
	RunGCThread(workerID int)
}

// ProgMain is the guest entry point, invoked once on the initial
// thread after the scheduler has started.
type ProgMain func(t *Thread, workerID int, args, env []string)

// Config bounds the fixed worker pool a Scheduler drives.
type Config struct {
	Workers   int
	Collector Collector
	Log       *zap.Logger
}

// Scheduler owns E workers, the shared workshare, and the live-thread
// count. Exactly one Scheduler exists per runtime instance; it is
// created with New and torn down with Stop, never referenced through a
// package-level singleton.
type Scheduler struct {
	workers   []*executor
	workshare *lfq.Queue[*Thread]

	liveThreads atomic.Int64
	live        atomic.Bool

	collector Collector
	log       *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
}

// New constructs a Scheduler for cfg.Workers workers. It does not start
// them; call Start for that.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Workers < 2 {
		return nil, errors.New("sched: at least 2 workers are required")
	}
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	s := &Scheduler{
		workshare: lfq.New[*Thread](cfg.Workers*64, cfg.Workers),
		collector: cfg.Collector,
		log:       log,
	}
	s.workers = make([]*executor, cfg.Workers)
	for i := range s.workers {
		s.workers[i] = newExecutor(i)
	}
	s.live.Store(true)
	return s, nil
}

func (s *Scheduler) NumWorkers() int { return len(s.workers) }

// Start spawns exactly len(s.workers) goroutines, each bound to its own
// OS thread via runtime.LockOSThread inside workerMain, and invokes
// prog on the initial thread from whichever worker first schedules
// it. It returns once every worker goroutine has exited (normally
// via Stop, or abnormally on the first worker error).
func (s *Scheduler) Start(ctx context.Context, prog ProgMain, initial *Thread, args, env []string) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(s.ctx)
	s.group = g

	s.ActivateThread(initial)
	initial.Mailbox.WorkerID.Store(0)

	for _, w := range s.workers {
		w := w
		g.Go(func() error {
			return s.workerMain(gctx, w, prog, args, env)
		})
	}
	return g.Wait()
}

// Stop sets the process-live flag to false, wakes every worker so any
// parked idle worker observes termination at its next safepoint, and
// waits for all workers to return — the shutdown sequence of the
// scheduling-cycle/safepoint design: workers never need a direct
// channel close, only the flag plus a wakeup.
func (s *Scheduler) Stop() error {
	s.live.Store(false)
	if s.cancel != nil {
		s.cancel()
	}
	for _, w := range s.workers {
		w.waker.Wake()
	}
	if s.group == nil {
		return nil
	}
	err := s.group.Wait()
	for _, w := range s.workers {
		_ = w.waker.Close()
	}
	return err
}

func (s *Scheduler) workerMain(ctx context.Context, w *executor, prog ProgMain, args, env []string) error {
	s.log.Debug("worker start", zap.Int("worker", w.id))
	defer s.log.Debug("worker stop", zap.Int("worker", w.id))

	ranProg := false
	for s.live.Load() {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		th := s.scheduleCycle(w)
		if th == nil {
			continue
		}
		w.current = th
		w.bindMailbox(th)

		if th == w.idle {
			if err := w.waker.Wait(); err != nil {
				s.log.Warn("idle wait error", zap.Int("worker", w.id), zap.Error(err))
			}
			continue
		}
		if th == w.gcProxy {
			if s.collector != nil {
				s.collector.RunGCThread(w.id)
			}
			continue
		}

		safepoint := func(forced uint32) bool { return s.Safepoint(w, th, forced) }

		if !ranProg && th.ID == 0 && th.Mailbox != nil {
			ranProg = true
			if prog != nil {
				prog(th, w.id, args, env)
			}
		}
		if th.Body != nil {
			th.Body(th, w.id, safepoint)
		}
		w.unbindMailbox(th)
	}
	return nil
}

// ActivateThread implements the activation protocol of the status
// state machine: a not-yet-referenced thread is CAS'd to (RUNNABLE,
// ref=1), enqueued onto the shared workshare, and an idle worker is
// poked so the new entry does not wait behind a parked worker. A thread
// that is already referenced (queued or running) has its state flipped
// to RUNNABLE in place; some worker will discover it on its next
// workshare dequeue or reacknowledgement.
func (s *Scheduler) ActivateThread(t *Thread) bool {
	for {
		old := t.state.load()
		if old.Ref() {
			if !legalTransition(old.State(), StateRunnable) {
				return false
			}
			if t.state.cas(old, PackStateWord(StateRunnable, true)) {
				return true
			}
			continue
		}
		if !legalTransition(old.State(), StateRunnable) {
			return false
		}
		if !t.state.cas(old, PackStateWord(StateRunnable, true)) {
			continue
		}
		s.liveAdd(1)
		s.enqueueWorkshare(t)
		s.pokeIdleWorker()
		return true
	}
}

// DeactivateThread requests one of the externally settable transitions
// away from RUNNABLE (SUSPEND, TERM, DESTROY, GC_WAIT). If some worker
// is currently running t (per its mailbox), that worker's SCHEDULE
// signal is raised so it reschedules at its next safepoint.
func (s *Scheduler) DeactivateThread(t *Thread, to State) bool {
	if !t.SetState(to) {
		return false
	}
	if wid := t.Mailbox.WorkerID.Load(); wid >= 0 && int(wid) < len(s.workers) {
		s.workers[wid].raiseSignal(SignalSchedule)
	}
	return true
}

func (s *Scheduler) enqueueWorkshare(t *Thread) {
	worker := 0
	if wid := t.Mailbox.WorkerID.Load(); wid >= 0 {
		worker = int(wid)
	}
	s.workshare.Enqueue(worker%len(s.workers), t)
}

func (s *Scheduler) pokeIdleWorker() {
	for _, w := range s.workers {
		w.waker.Wake()
		return
	}
}

func (s *Scheduler) liveAdd(delta int64) int64 {
	return s.liveThreads.Add(delta) - delta
}

// LiveThreads reports the current live-thread count.
func (s *Scheduler) LiveThreads() int64 { return s.liveThreads.Load() }
