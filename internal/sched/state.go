package sched

import "sync/atomic"

// State is a thread's scheduling state. Transitions are checked against
// legalTransition, below, before any CAS is attempted.
type State uint8

const (
	StateNone State = iota
	StateRunnable
	StateRunning
	StateSuspend
	StateSuspended
	StateTerm
	StateDead
	StateDestroy
	StateGCWait
	StateFinalizerLive
	StateFinalizerWait
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "NONE"
	case StateRunnable:
		return "RUNNABLE"
	case StateRunning:
		return "RUNNING"
	case StateSuspend:
		return "SUSPEND"
	case StateSuspended:
		return "SUSPENDED"
	case StateTerm:
		return "TERM"
	case StateDead:
		return "DEAD"
	case StateDestroy:
		return "DESTROY"
	case StateGCWait:
		return "GC_WAIT"
	case StateFinalizerLive:
		return "FINALIZER_LIVE"
	case StateFinalizerWait:
		return "FINALIZER_WAIT"
	default:
		return "INVALID"
	}
}

// StateWord packs a thread's four-bit state with the one-bit
// scheduler-reference flag into a single atomically-addressable word,
// so external callers can set a desired state and the scheduler can
// acknowledge it without a lock: a thread whose reference flag is
// already set is known to be queued (or running) exactly once.
type StateWord uint32

const (
	stateBits = 4
	stateMask = 1<<stateBits - 1
	refShift  = stateBits
)

func PackStateWord(state State, ref bool) StateWord {
	w := StateWord(state & stateMask)
	if ref {
		w |= 1 << refShift
	}
	return w
}

func (w StateWord) State() State { return State(w & stateMask) }
func (w StateWord) Ref() bool    { return w&(1<<refShift) != 0 }

func (w StateWord) withState(s State) StateWord {
	if w.Ref() {
		return PackStateWord(s, true)
	}
	return PackStateWord(s, false)
}

// externallySettable reports whether to is one of the states an
// outside caller (not the scheduler itself) may request via
// ActivateThread/SetState.
func externallySettable(to State) bool {
	switch to {
	case StateRunnable, StateSuspend, StateTerm, StateDestroy, StateGCWait:
		return true
	default:
		return false
	}
}

// legalTransition enforces the state machine: no DEAD->RUNNABLE, no
// path out of DESTROY, TERM/DEAD reachable only from a running source.
func legalTransition(from, to State) bool {
	if from == StateDestroy {
		return false
	}
	if from == StateDead && to != StateDestroy {
		return false
	}
	switch to {
	case StateTerm, StateDead:
		return from == StateRunning || from == StateTerm
	case StateDestroy:
		return true
	default:
		return true
	}
}

// atomicState is an atomic.Uint32 viewed through StateWord, with the
// CAS helper every status transition in this package goes through.
type atomicState struct {
	word atomic.Uint32
}

func (a *atomicState) load() StateWord { return StateWord(a.word.Load()) }

func (a *atomicState) cas(old, new StateWord) bool {
	return a.word.CompareAndSwap(uint32(old), uint32(new))
}

func (a *atomicState) store(w StateWord) { a.word.Store(uint32(w)) }
