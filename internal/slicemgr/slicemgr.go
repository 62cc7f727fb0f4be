// Package slicemgr implements the slice manager: large OS-mapped
// regions of the requested size (not rounded to a power of two),
// accounted under a global quota and per-kind
// sub-quotas. It is the lowest layer of the memory subsystem — both
// the block allocator (internal/blockalloc) and the collector
// (internal/gc) obtain their backing memory exclusively through this
// package.
//
// Each live slice carries a {kind, usage, protection} attribute set
// and is addressed by a stable table index rather than a raw pointer:
// a fixed table of descriptors with a lock-free free list threaded
// through it, the same representation internal/blockalloc uses for
// its own superblock descriptors.
package slicemgr

import (
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/arborvm/corevm/internal/lfstack"
	"github.com/arborvm/corevm/internal/osmem"
)

// Kind distinguishes the four slice classes a runtime instance carves
// memory into.
type Kind int

const (
	KindExplicitHeap Kind = iota
	KindGCHeap
	KindStatic
	KindCustom
	numKinds
)

func (k Kind) String() string {
	switch k {
	case KindExplicitHeap:
		return "explicit-heap"
	case KindGCHeap:
		return "gc-heap"
	case KindStatic:
		return "static"
	case KindCustom:
		return "custom"
	default:
		return "unknown"
	}
}

// Usage is the set-usage advisory state a slice may be in.
type Usage int

const (
	UsageUsed Usage = iota
	UsageUnused
	UsageBlank
)

// ErrQuotaExceeded and ErrOSMapFailed are the two failure modes an
// allocation attempt can surface.
var (
	ErrQuotaExceeded = errors.New("slicemgr: quota exceeded")
	ErrOSMapFailed   = errors.New("slicemgr: os map failed")
)

// Slice is one entry of the fixed static descriptor table. The Mem
// field is nil for a descriptor currently on the free list.
type Slice struct {
	Mem   []byte
	Kind  Kind
	Usage Usage
	Prot  osmem.Prot
	Name  string // diagnostic tag

	idx uint32
}

// Index returns this descriptor's slot in the manager's table, stable
// for the descriptor's entire lifetime and usable as a caller-side key
// (e.g. the block allocator's prefix word refers to slices by index).
func (s *Slice) Index() uint32 { return s.idx }

// Quotas configures the global and per-kind byte ceilings reserve
// enforces. A zero value for any field means "unlimited," matching the
// CLI's own default.
type Quotas struct {
	Total  int64
	Kind   [numKinds]int64
}

// Manager is the slice manager. One Manager instance owns the entire
// slice subsystem for a runtime instance — every caller holds an
// explicit handle rather than reaching through a package-level
// singleton, so Manager carries no package globals.
type Manager struct {
	quotas Quotas

	usedTotal atomic.Int64
	usedKind  [numKinds]atomic.Int64

	table []Slice
	free  *lfstack.Stack

	log *zap.Logger
}

// New creates a Manager with capacity table slots and the given
// quotas. capacity bounds how many live slices may exist
// simultaneously.
func New(capacity int, quotas Quotas, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{
		quotas: quotas,
		table:  make([]Slice, capacity),
		free:   lfstack.New(capacity),
		log:    log,
	}
	for i := range m.table {
		m.table[i].idx = uint32(i)
		m.free.Push(uint32(i))
	}
	return m
}

// reserve atomically charges size bytes against both the global quota
// and kind's sub-quota, rolling back cleanly if either would be
// exceeded: reserve either fully succeeds or fully rolls back, never
// leaving a partial charge behind.
func (m *Manager) reserve(kind Kind, size int64) error {
	newTotal := m.usedTotal.Add(size)
	if m.quotas.Total > 0 && newTotal > m.quotas.Total {
		m.usedTotal.Add(-size)
		return fmt.Errorf("%w: total %d+%d exceeds %d", ErrQuotaExceeded, newTotal-size, size, m.quotas.Total)
	}
	newKind := m.usedKind[kind].Add(size)
	if q := m.quotas.Kind[kind]; q > 0 && newKind > q {
		m.usedKind[kind].Add(-size)
		m.usedTotal.Add(-size)
		return fmt.Errorf("%w: kind %s %d+%d exceeds %d", ErrQuotaExceeded, kind, newKind-size, size, q)
	}
	return nil
}

func (m *Manager) unreserve(kind Kind, size int64) {
	m.usedKind[kind].Add(-size)
	m.usedTotal.Add(-size)
}

// Alloc reserves quota for size bytes of kind, maps them through the
// OS collaborator with the given protection, and returns a live slice
// descriptor drawn from the fixed table. It returns ErrQuotaExceeded or
// ErrOSMapFailed on the respective failure path.
func (m *Manager) Alloc(kind Kind, prot osmem.Prot, size int, name string) (*Slice, error) {
	if err := m.reserve(kind, int64(size)); err != nil {
		return nil, err
	}
	mem, err := osmem.Map(size, prot)
	if err != nil {
		m.unreserve(kind, int64(size))
		return nil, fmt.Errorf("%w: %v", ErrOSMapFailed, err)
	}
	idx, ok := m.free.Pop()
	if !ok {
		_ = osmem.Unmap(mem)
		m.unreserve(kind, int64(size))
		return nil, fmt.Errorf("%w: descriptor table exhausted", ErrQuotaExceeded)
	}
	s := &m.table[idx]
	s.Mem = mem
	s.Kind = kind
	s.Usage = UsageUsed
	s.Prot = prot
	s.Name = name
	m.log.Debug("slice alloc",
		zap.String("name", name),
		zap.Stringer("kind", kind),
		zap.Int("size", size),
		zap.Uint32("index", idx),
	)
	return s, nil
}

// Free unmaps s's memory, returns its descriptor to the free list, and
// releases the quota it had reserved.
func (m *Manager) Free(s *Slice) error {
	size := int64(len(s.Mem))
	kind := s.Kind
	if err := osmem.Unmap(s.Mem); err != nil {
		return err
	}
	m.log.Debug("slice free", zap.String("name", s.Name), zap.Stringer("kind", kind), zap.Int64("size", size))
	s.Mem = nil
	s.Name = ""
	m.unreserve(kind, size)
	m.free.Push(s.idx)
	return nil
}

// FreeByIndex frees the slice currently occupying table slot idx. It
// lets callers that only retained a compact index — such as the block
// allocator's oversize block prefix — free a slice without holding a
// live *Slice pointer.
func (m *Manager) FreeByIndex(idx uint32) error {
	if int(idx) >= len(m.table) {
		return fmt.Errorf("slicemgr: index %d out of range", idx)
	}
	s := &m.table[idx]
	if s.Mem == nil {
		return fmt.Errorf("slicemgr: index %d is not a live slice", idx)
	}
	return m.Free(s)
}

// SetUsage forwards a usage advisory to the OS collaborator.
func (m *Manager) SetUsage(s *Slice, usage Usage) error {
	s.Usage = usage
	return osmem.Advise(s.Mem, usage == UsageBlank)
}

// SetProt forwards a protection change to the OS collaborator.
func (m *Manager) SetProt(s *Slice, prot osmem.Prot) error {
	if err := osmem.Protect(s.Mem, prot); err != nil {
		return err
	}
	s.Prot = prot
	return nil
}

// UsedBytes reports the current global and per-kind usage snapshot.
// The snapshot may be transiently inconsistent across kinds under
// concurrent reserve/unreserve — callers needing a strongly consistent
// view must not rely on this for anything beyond diagnostics.
func (m *Manager) UsedBytes() (total int64, perKind [numKinds]int64) {
	for k := range perKind {
		perKind[k] = m.usedKind[k].Load()
	}
	return m.usedTotal.Load(), perKind
}
