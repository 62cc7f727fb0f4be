package corevm

import "errors"

// ErrOutOfMemory is the runtime-level out-of-memory sentinel. No
// function in this module returns it: allocator exhaustion surfaces as
// blockalloc.ErrOutOfMemory, which does not wrap this value.
var ErrOutOfMemory = errors.New("corevm: out of memory")

// ErrInvariantViolation names an internal CAS-consistency assertion
// failure. No code in this module returns it or aborts with it.
var ErrInvariantViolation = errors.New("corevm: invariant violation")
