// Package typedesc holds the static, compiler-generated type descriptor
// table the collector consults to know how to traverse and copy an
// object without any language-level reflection: one immutable
// descriptor per hosted-language type, populated once at startup and
// never mutated afterward.
package typedesc

// Class distinguishes the two GC object shapes.
type Class uint8

const (
	ClassNormal Class = iota
	ClassArray
)

// Flag bits carried alongside Class.
type Flag uint8

const (
	FlagConst Flag = 1 << iota // object is immutable: single-pass copy only, no convergent re-scan
)

// Descriptor is the constant, five-field tuple describing one hosted
// type's shape to the collector: how many non-pointer bytes precede the
// pointer fields, and how many normal vs. weak pointer fields follow.
type Descriptor struct {
	Class         Class
	Flags         Flag
	NonPtrSize    uint32
	NumNormalPtrs uint32
	NumWeakPtrs   uint32
}

func (d Descriptor) IsConst() bool { return d.Flags&FlagConst != 0 }

// PointerFieldCount is how many pointer-sized fields (normal + weak)
// follow the non-pointer payload of an object described by d.
func (d Descriptor) PointerFieldCount() uint32 { return d.NumNormalPtrs + d.NumWeakPtrs }

// Table is the static array of descriptors, indexed by a compile-time
// type id. It is supplied by the external type-descriptor generator
// (the compiler for the hosted language) and treated as opaque,
// read-only data by this runtime.
type Table []Descriptor

// Get returns the descriptor for typeID, or the zero Descriptor and
// false if typeID is out of range.
func (t Table) Get(typeID uint32) (Descriptor, bool) {
	if int(typeID) >= len(t) {
		return Descriptor{}, false
	}
	return t[typeID], true
}
