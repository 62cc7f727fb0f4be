// Package gc implements the generational, on-the-fly, parallel copying
// collector: double-pointer (from/to) object layout, per-mutator write
// logs, barriered phases, and array clusterization via atomic bitmap
// claiming.
package gc

import (
	"sync/atomic"

	"github.com/arborvm/corevm/internal/typedesc"
)

// dptr is a double-pointer field: a pair of slots, one of which is live
// per collection parity. Readers always pass the collector's current
// parity; the collector itself writes the *other* slot while a
// collection is in flight, so mutators never observe a half-written
// pointer.
type dptr[T any] struct {
	slots [2]atomic.Pointer[T]
}

func (d *dptr[T]) Load(parity int) *T     { return d.slots[parity&1].Load() }
func (d *dptr[T]) Store(parity int, v *T) { d.slots[parity&1].Store(v) }

// genWord packs {cur_gen, next_gen, survived_count} into one atomically
// addressable word, mirroring the packed-anchor convention used
// elsewhere in this module (internal/blockalloc.Anchor) rather than
// three separate fields that could be observed torn relative to each
// other.
type genWord uint32

func packGen(cur, next, survived uint8) genWord {
	return genWord(uint32(cur) | uint32(next)<<8 | uint32(survived)<<16)
}

func (g genWord) Cur() uint8      { return uint8(g) }
func (g genWord) Next() uint8     { return uint8(g >> 8) }
func (g genWord) Survived() uint8 { return uint8(g >> 16) }

// Header is the fixed prefix of every GC object; it is not padded to a
// cache line.
// Forward is the forwarding pointer: nil means "unclaimed this
// collection"; a non-nil value is either the object's own address (it
// lies outside the collection set but must still be scanned for
// references into it) or the live address of its copy in the new
// image. Copied reports whether the full field copy into that
// destination has completed, letting later collector passes skip the
// non-pointer memcpy — the Go equivalent of the "XOR the low bit of the
// forwarding pointer" trick, kept as its own field instead of a packed
// bit because Go gives headers room for it without an ABI cost.
type Header struct {
	Forward atomic.Pointer[Obj]
	Copied  atomic.Bool

	ListNext *Obj // collector-local processing-queue link; single owner

	TypeID uint32
	gen    atomic.Uint32 // packs a genWord
}

func (h *Header) loadGen() genWord   { return genWord(h.gen.Load()) }
func (h *Header) storeGen(g genWord) { h.gen.Store(uint32(g)) }

// Obj is the single GC object representation covering both shapes named
// in the data model: normal objects (Payload + Ptrs + Weak) and arrays
// (Payload as scalar element bytes, or Ptrs as pointer elements, plus
// Bitmap for clusterized claiming). Using one Go type for both avoids an
// interface-dispatch layer the collector's hot claim/copy loop would
// otherwise pay on every object.
type Obj struct {
	Header Header

	Desc typedesc.Descriptor

	Payload []byte    // non-pointer bytes (normal objects) or scalar array elements
	Ptrs    []dptr[Obj] // normal pointer fields, or array pointer elements
	Weak    []dptr[Obj] // weak pointer fields (normal objects only)

	Bitmap []atomic.Uint64 // array cluster claim bitmap; nil for normal objects
	Len    int             // element count, arrays only
}

func (o *Obj) IsArray() bool { return o.Desc.Class == typedesc.ClassArray }

// ClusterSize is GC_CLUSTER_SIZE: the number of array elements one
// claimable bitmap bit represents.
const ClusterSize = 64

func numClusters(length int) int {
	return (length + ClusterSize - 1) / ClusterSize
}
