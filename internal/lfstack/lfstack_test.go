package lfstack

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPushPopLIFO(t *testing.T) {
	s := New(4)
	s.Push(0)
	s.Push(1)
	s.Push(2)

	idx, ok := s.Pop()
	assert.True(t, ok)
	assert.EqualValues(t, 2, idx)

	idx, ok = s.Pop()
	assert.True(t, ok)
	assert.EqualValues(t, 1, idx)
}

func TestPopEmptyReturnsFalse(t *testing.T) {
	s := New(2)
	_, ok := s.Pop()
	assert.False(t, ok)
	assert.True(t, s.Empty())
}

func TestDrainToEmptyDoesNotPanicOnLastPop(t *testing.T) {
	s := New(1)
	s.Push(0)
	idx, ok := s.Pop()
	assert.True(t, ok)
	assert.EqualValues(t, 0, idx)
	assert.True(t, s.Empty())
	_, ok = s.Pop()
	assert.False(t, ok)
}

func TestConservationUnderConcurrentPushPop(t *testing.T) {
	const capacity = 256
	s := New(capacity)
	for i := uint32(0); i < capacity; i++ {
		s.Push(i)
	}

	var wg sync.WaitGroup
	popped := make(chan uint32, capacity)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				idx, ok := s.Pop()
				if !ok {
					return
				}
				popped <- idx
			}
		}()
	}
	wg.Wait()
	close(popped)

	seen := make(map[uint32]bool)
	count := 0
	for idx := range popped {
		assert.False(t, seen[idx], "index %d popped more than once", idx)
		seen[idx] = true
		count++
	}
	assert.Equal(t, capacity, count, "no index may be lost")
}
