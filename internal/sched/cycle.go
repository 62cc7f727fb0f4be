package sched

// scheduleCycle implements the four-step scheduling cycle: re-acknowledge
// the current thread if one exists and GC is not demanding it; rebalance
// the worker's local FIFO against the shared workshare; dequeue from the
// workshare until something is acknowledged runnable; and finally fall
// back to the idle or GC placeholder thread.
func (s *Scheduler) scheduleCycle(w *executor) *Thread {
	if w.current != nil {
		gcDemanding := s.collector != nil && s.collector.Active() && w.current.State() == StateGCWait
		if !gcDemanding {
			if th, ok := s.acknowledge(w, w.current); ok {
				return th
			}
		}
		w.current = nil
	}

	s.rebalance(w)

	for {
		t, ok := s.workshare.Dequeue(w.id)
		if !ok {
			break
		}
		if th, ok := s.acknowledge(w, t); ok {
			return th
		}
	}

	if th, ok := w.popLocal(); ok {
		if ack, ok := s.acknowledge(w, th); ok {
			return ack
		}
	}

	if s.collector != nil && s.collector.Active() {
		return w.gcProxy
	}
	return w.idle
}

// acknowledge is the scheduler's half of the status state machine
// (§4.4.1's "scheduler acknowledgement of a dequeued thread"): it reads
// the current state and drives the corresponding CAS, returning the
// thread to run (ok=true) or consuming it silently (ok=false, e.g. a
// thread that was SUSPENDed or TERMinated while queued).
func (s *Scheduler) acknowledge(w *executor, t *Thread) (*Thread, bool) {
	for {
		old := t.state.load()
		switch old.State() {
		case StateRunnable, StateRunning, StateFinalizerLive:
			if t.state.cas(old, PackStateWord(StateRunning, true)) {
				return t, true
			}
		case StateGCWait:
			if s.collector == nil || !s.collector.Active() {
				if t.state.cas(old, PackStateWord(StateRunning, true)) {
					return t, true
				}
				continue
			}
			// GC still active: leave it parked, requeue for later.
			s.enqueueWorkshare(t)
			return nil, false
		case StateSuspend:
			if t.state.cas(old, PackStateWord(StateSuspended, false)) {
				return nil, false
			}
		case StateTerm:
			if t.state.cas(old, PackStateWord(StateDead, false)) {
				return nil, false
			}
		case StateDestroy:
			if t.Destroy != nil {
				t.Destroy()
			}
			return nil, false
		default:
			return nil, false
		}
	}
}

// rebalance drains excess threads from the worker's private FIFO to the
// shared workshare, or replenishes from it, based on how far the
// worker's local length sits from the even share of live threads across
// E workers — the same ¾/1¼ bounds the lock-free queues use for their
// node-pool rebalancing, reused here for thread distribution.
func (s *Scheduler) rebalance(w *executor) {
	e := int64(len(s.workers))
	if e == 0 {
		return
	}
	even := s.LiveThreads() / e
	lower := even * 3 / 4
	upper := even*5/4 + 1

	for int64(w.localLen) > upper {
		t, ok := w.popLocal()
		if !ok {
			break
		}
		s.workshare.Enqueue(w.id, t)
	}
	for int64(w.localLen) < lower {
		t, ok := s.workshare.Dequeue(w.id)
		if !ok {
			break
		}
		w.pushLocal(t)
	}
}
