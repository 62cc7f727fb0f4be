package sched

// Safepoint is the only point at which a running thread's Body may be
// suspended, migrated, or diverted into the collector. Guest code calls
// it at compiler-chosen back-branch/call boundaries and whenever its
// write-log index reaches capacity. Safepoint consumes the worker's
// signal word together with any forced bits the caller passes in
// (forced|mailbox_signal_word, per the design): SCHEDULE forces the
// calling worker to cycle; GC redirects into the collector thread body.
// Invoking Safepoint with the GC bit forced while the collector is
// INACTIVE is a no-op — it returns false without any context switch.
func (s *Scheduler) Safepoint(w *executor, t *Thread, forced uint32) (didSwitch bool) {
	signal := w.consumeSignal() | forced
	if signal == 0 {
		return false
	}
	if signal&SignalGC != 0 {
		if s.collector == nil || !s.collector.Active() {
			return false
		}
		t.SetState(StateGCWait)
		return true
	}
	if signal&SignalSchedule != 0 {
		return true
	}
	return false
}
