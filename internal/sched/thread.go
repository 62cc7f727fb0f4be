package sched

import "sync/atomic"

// noWorker is the reserved "not currently running anywhere" value a
// thread's mailbox worker-id field reads as while the thread sits in a
// FIFO or is otherwise not bound to any worker.
const noWorker = -1

// Mailbox is the per-thread channel the scheduler and the running
// guest code communicate context through. Whichever worker is running
// the owning thread has sole write access; every other field read by
// an external observer (WorkerID) is atomic precisely because
// ActivateThread/DeactivateThread may race a worker mid-switch.
type Mailbox struct {
	ReturnAddr    uintptr
	StackPointer  uintptr
	WorkerID      atomic.Int32
	SignalWord    *atomic.Uint32
	WriteLogIndex int
	WriteLogBase  uintptr
	AllocatorBase uintptr
}

func newMailbox() *Mailbox {
	m := &Mailbox{}
	m.WorkerID.Store(noWorker)
	return m
}

// Thread is a lightweight user-thread multiplexed across workers. The
// queueNext field is owned exclusively by whichever FIFO currently
// holds the thread (a worker's private run queue or the shared
// workshare) — never read or written by any other owner at once.
type Thread struct {
	ID      uint64
	state   atomicState
	Mailbox *Mailbox

	Destroy func()

	// Body is the thread's resumable work function. It is invoked once
	// per scheduling turn the thread is handed a worker; the safepoint
	// discipline means Body itself decides when to suspend by calling
	// the supplied safepoint closure rather than being preempted
	// mid-call. safepoint returns true if the cycle should yield back to
	// the scheduler at that point.
	Body func(t *Thread, workerID int, safepoint func(forced uint32) bool)

	queueNext *Thread
}

// NewThread creates a thread in state NONE with ref unset; the caller
// must ActivateThread it to make it schedulable.
func NewThread(id uint64, destroy func()) *Thread {
	return &Thread{
		ID:      id,
		Mailbox: newMailbox(),
		Destroy: destroy,
	}
}

// State returns the thread's current state, ignoring the reference
// flag.
func (t *Thread) State() State { return t.state.load().State() }

// SetState attempts one of the five externally-settable transitions
// (RUNNABLE, SUSPEND, TERM, DESTROY, GC_WAIT). It returns false — the
// STATE_ILLEGAL outcome — if to is not externally settable from t's
// current state, without panicking or logging: illegal requests are a
// normal, silently-refused occurrence (a guest racing a destroy
// against a migration, for instance).
func (t *Thread) SetState(to State) bool {
	if !externallySettable(to) {
		return false
	}
	for {
		old := t.state.load()
		if !legalTransition(old.State(), to) {
			return false
		}
		if t.state.cas(old, old.withState(to)) {
			return true
		}
	}
}
