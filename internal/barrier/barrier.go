// Package barrier implements the sense-reversing rendezvous barrier
// used everywhere this runtime needs "every worker must arrive before
// any worker proceeds, and the last arrival does something exclusive."
// It generalizes the stop-the-world/start-the-world all-worker
// rendezvous pattern, parameterized over an arbitrary participant
// count instead of being wired to a fixed worker count.
package barrier

import "sync/atomic"

// Barrier is a reusable n-party barrier. Arrive blocks the calling
// goroutine until n parties have called it, then returns true to
// exactly one caller (the last arrival) and false to the rest.
//
// Unlike sync.WaitGroup, Barrier is reusable across an unbounded number
// of rendezvous rounds without external synchronization: each round
// flips an internal sense bit so a late arrival from round K can never
// be mistaken for an arrival in round K+1.
type Barrier struct {
	n       int32
	count   atomic.Int32
	sense   atomic.Uint32
	release chan struct{}
	relMu   chan struct{} // 1-buffered mutex guarding release channel swap
}

// New creates a barrier for exactly n participants.
func New(n int) *Barrier {
	if n <= 0 {
		panic("barrier: n must be positive")
	}
	b := &Barrier{
		n:       int32(n),
		release: make(chan struct{}),
		relMu:   make(chan struct{}, 1),
	}
	b.relMu <- struct{}{}
	return b
}

// Arrive blocks until all n participants have called Arrive for the
// current round. It returns true for the single goroutine that
// observed the last arrival (the one responsible for any
// exclusive, non-concurrent work gated by this barrier, per §4.5.7's
// "last worker past the final barrier" rule), false otherwise.
func (b *Barrier) Arrive() (last bool) {
	startSense := b.sense.Load()
	if b.count.Add(1) == b.n {
		// Last arrival: reset for the next round and wake everyone
		// waiting on the old sense.
		<-b.relMu
		old := b.release
		b.release = make(chan struct{})
		b.relMu <- struct{}{}
		b.count.Store(0)
		b.sense.Add(1)
		close(old)
		return true
	}
	<-b.relMu
	cur := b.release
	b.relMu <- struct{}{}
	for b.sense.Load() == startSense {
		<-cur
		// Either this round released (cur closed) and sense advanced,
		// or a spurious wake; re-check the sense and, if it hasn't
		// moved, pick up the (possibly already-replaced) channel.
		<-b.relMu
		cur = b.release
		b.relMu <- struct{}{}
	}
	return false
}

// N reports the configured participant count.
func (b *Barrier) N() int { return int(b.n) }
