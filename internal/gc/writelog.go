package gc

// WriteLogLength is GC_WRITE_LOG_LENGTH: the fixed capacity of a
// worker's write log. Reaching it obliges the mutator to safepoint.
const WriteLogLength = 4096

// writeLogEntry is {object_header_ptr, field_offset}. fieldOffset of -1
// marks a non-pointer payload write: the pointer-equivalent of "skip
// traversal" named for multi-word non-pointer writes (one entry per
// word written).
type writeLogEntry struct {
	obj    *Obj
	offset int
}

const skipOffset = -1

// WriteLog is a per-worker ring buffer of pending barrier entries, plus
// a small open-addressing dedup hash so the NORMAL/WEAK drain passes
// visit each logged (object, offset) pair at most once per phase pass.
type WriteLog struct {
	entries [WriteLogLength]writeLogEntry
	index   int

	dedup    []dedupSlot
	dedupCap int
}

type dedupSlot struct {
	obj    *Obj
	offset int
	used   bool
}

// dedupLoadFactorPercent keeps the open-addressing table well under
// full: capacity is WriteLogLength * dedupLoadFactorPercent / 100.
const dedupLoadFactorPercent = 200

func NewWriteLog() *WriteLog {
	cap := WriteLogLength * dedupLoadFactorPercent / 100
	return &WriteLog{dedup: make([]dedupSlot, cap), dedupCap: cap}
}

// Append records a barrier hit. It returns true if the log is now full
// (index reached WriteLogLength), the signal that obliges the mutator
// to safepoint.
func (w *WriteLog) Append(obj *Obj, offset int) (full bool) {
	if w.index >= WriteLogLength {
		return true
	}
	w.entries[w.index] = writeLogEntry{obj: obj, offset: offset}
	w.index++
	return w.index >= WriteLogLength
}

// Reset clears the log for the next phase pass and its dedup table.
func (w *WriteLog) Reset() {
	w.index = 0
	for i := range w.dedup {
		w.dedup[i] = dedupSlot{}
	}
}

func (w *WriteLog) hash(obj *Obj, offset int) int {
	h := uintptrHash(obj) ^ uint64(offset)*0x9E3779B97F4A7C15
	return int(h % uint64(w.dedupCap))
}

// seen reports whether (obj, offset) has already been drained this
// phase pass, marking it seen as a side effect when it has not.
func (w *WriteLog) seen(obj *Obj, offset int) bool {
	i := w.hash(obj, offset)
	for probe := 0; probe < w.dedupCap; probe++ {
		slot := &w.dedup[(i+probe)%w.dedupCap]
		if !slot.used {
			slot.obj, slot.offset, slot.used = obj, offset, true
			return false
		}
		if slot.obj == obj && slot.offset == offset {
			return true
		}
	}
	// Dedup table exhausted under pathological collision load: fail
	// open (process the entry) rather than lose a barrier hit.
	return false
}

// Drain walks every log entry once, skipping duplicates (already seen
// this pass) and skip-marked non-pointer writes, invoking visit for
// every remaining {obj, offset} pair.
func (w *WriteLog) Drain(visit func(obj *Obj, offset int)) {
	for i := 0; i < w.index; i++ {
		e := w.entries[i]
		if e.offset == skipOffset {
			continue
		}
		if w.seen(e.obj, e.offset) {
			continue
		}
		visit(e.obj, e.offset)
	}
}
