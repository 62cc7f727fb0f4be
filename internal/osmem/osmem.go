// Package osmem is the thin OS-abstraction collaborator deliberately
// kept out of the runtime's architecturally interesting core: it
// maps/unmaps/protects memory and provides the per-worker wakeup
// primitive used to rouse a blocked idle worker. Everything here is a
// narrow wrapper over golang.org/x/sys/unix, plus a self-pipe wakeup
// that rouses a worker blocked inside the OS layer itself rather than
// inside an ordinary Go channel receive.
package osmem

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Prot is a R/W/X protection subset, matching a slice's
// "protection (R/W/X subset)" attribute.
type Prot int

const (
	ProtNone Prot = 0
	ProtR    Prot = 1 << iota
	ProtW
	ProtX
)

func (p Prot) unix() int {
	var v int
	if p&ProtR != 0 {
		v |= unix.PROT_READ
	}
	if p&ProtW != 0 {
		v |= unix.PROT_WRITE
	}
	if p&ProtX != 0 {
		v |= unix.PROT_EXEC
	}
	return v
}

// Map reserves size bytes of anonymous memory with the given
// protection and returns the backing slice. size is passed to mmap
// unchanged; the slice manager forwards the requested size without
// rounding it.
func Map(size int, prot Prot) ([]byte, error) {
	b, err := unix.Mmap(-1, 0, size, prot.unix(), unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("osmem: mmap %d bytes: %w", size, err)
	}
	return b, nil
}

// Unmap releases memory previously returned by Map.
func Unmap(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	if err := unix.Munmap(b); err != nil {
		return fmt.Errorf("osmem: munmap: %w", err)
	}
	return nil
}

// Protect changes the protection of a previously mapped region,
// backing slicemgr's set_prot advisory.
func Protect(b []byte, prot Prot) error {
	if len(b) == 0 {
		return nil
	}
	if err := unix.Mprotect(b, prot.unix()); err != nil {
		return fmt.Errorf("osmem: mprotect: %w", err)
	}
	return nil
}

// Advise forwards a usage advisory (used/unused/blank) to the OS,
// backing slicemgr's set_usage. "blank" maps to MADV_DONTNEED so the
// kernel may reclaim physical pages without the runtime giving up the
// virtual reservation.
func Advise(b []byte, blank bool) error {
	if len(b) == 0 {
		return nil
	}
	advice := unix.MADV_NORMAL
	if blank {
		advice = unix.MADV_DONTNEED
	}
	if err := unix.Madvise(b, advice); err != nil {
		return fmt.Errorf("osmem: madvise: %w", err)
	}
	return nil
}

// Waker is a one-shot-per-signal self-pipe used to wake a worker that
// may be blocked inside the OS collaborator (e.g. waiting in Wait)
// rather than inside an ordinary Go channel receive — the same reason
// the C original signals blocked workers with a real OS signal instead
// of relying purely on userspace synchronization.
type Waker struct {
	r, w int
}

// NewWaker creates a Waker backed by a non-blocking OS pipe.
func NewWaker() (*Waker, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("osmem: pipe2: %w", err)
	}
	return &Waker{r: fds[0], w: fds[1]}, nil
}

// Wake writes one wakeup byte, which satisfies one Wait call, pending
// or later. Safe to call from any worker, any number of times; wakes
// are not merged, except that a write to a full pipe is dropped.
func (w *Waker) Wake() {
	var b [1]byte
	_, _ = unix.Write(w.w, b[:])
}

// Wait blocks until a wakeup byte is pending, then drains exactly one;
// it returns at once while bytes from earlier Wakes remain.
func (w *Waker) Wait() error {
	var b [1]byte
	for {
		_, err := unix.Read(w.r, b[:])
		if err == nil {
			return nil
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			var fds [1]unix.PollFd
			fds[0] = unix.PollFd{Fd: int32(w.r), Events: unix.POLLIN}
			if _, perr := unix.Poll(fds[:], -1); perr != nil && perr != unix.EINTR {
				return fmt.Errorf("osmem: poll: %w", perr)
			}
			continue
		}
		if err == unix.EINTR {
			continue
		}
		return fmt.Errorf("osmem: read wake pipe: %w", err)
	}
}

// Close releases the pipe's file descriptors.
func (w *Waker) Close() error {
	err1 := unix.Close(w.r)
	err2 := unix.Close(w.w)
	if err1 != nil {
		return err1
	}
	return err2
}
