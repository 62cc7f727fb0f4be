package gc

import "unsafe"

// uintptrHash derives a hash key from an object's identity (its address)
// for the write-log dedup table — the only place in this package that
// looks at an object pointer's bit pattern rather than following it.
func uintptrHash(obj *Obj) uint64 {
	return uint64(uintptr(unsafe.Pointer(obj)))
}
