package sched

import (
	"sync/atomic"

	"github.com/arborvm/corevm/internal/osmem"
)

// Signal bits carried in a worker's mailbox signal word.
const (
	SignalSchedule uint32 = 1 << iota
	SignalGC
)

// executor is one worker: an OS-thread-backed scheduling engine owning
// a private FIFO of runnable threads, a current thread, and the
// pre-allocated idle/GC placeholder threads it falls back to when its
// FIFO and the shared workshare are both empty.
type executor struct {
	id int

	localHead *Thread
	localTail *Thread
	localLen  int

	current *Thread
	idle    *Thread
	gcProxy *Thread

	signal atomic.Uint32
	waker  *osmem.Waker
}

func newExecutor(id int) *executor {
	w, err := osmem.NewWaker()
	if err != nil {
		// Pipe creation only fails under file-descriptor exhaustion,
		// which leaves the process unable to run a scheduler at all.
		panic("sched: failed to create worker waker: " + err.Error())
	}
	return &executor{
		id:      id,
		idle:    NewThread(0, nil),
		gcProxy: NewThread(0, nil),
		waker:   w,
	}
}

func (e *executor) pushLocal(t *Thread) {
	t.queueNext = nil
	if e.localTail == nil {
		e.localHead, e.localTail = t, t
	} else {
		e.localTail.queueNext = t
		e.localTail = t
	}
	e.localLen++
}

func (e *executor) popLocal() (*Thread, bool) {
	if e.localHead == nil {
		return nil, false
	}
	t := e.localHead
	e.localHead = t.queueNext
	if e.localHead == nil {
		e.localTail = nil
	}
	t.queueNext = nil
	e.localLen--
	return t, true
}

// raiseSignal sets bits on the worker's mailbox signal word and wakes
// it if it is parked waiting on its OS collaborator.
func (e *executor) raiseSignal(bits uint32) {
	for {
		old := e.signal.Load()
		if e.signal.CompareAndSwap(old, old|bits) {
			break
		}
	}
	e.waker.Wake()
}

// consumeSignal atomically reads and clears the signal word — the
// safepoint entry point.
func (e *executor) consumeSignal() uint32 {
	return e.signal.Swap(0)
}

func (e *executor) bindMailbox(t *Thread) {
	t.Mailbox.WorkerID.Store(int32(e.id))
	t.Mailbox.SignalWord = &e.signal
}

func (e *executor) unbindMailbox(t *Thread) {
	t.Mailbox.WorkerID.Store(noWorker)
}
