package lfq

import (
	"runtime"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueueDequeueFIFOOrder(t *testing.T) {
	q := New[int](8, 2)
	q.Enqueue(0, 1)
	q.Enqueue(0, 2)
	q.Enqueue(0, 3)

	v, ok := q.Dequeue(0)
	require.True(t, ok)
	assert.Equal(t, 1, v)

	v, ok = q.Dequeue(0)
	require.True(t, ok)
	assert.Equal(t, 2, v)
}

func TestDequeueEmptyReturnsFalse(t *testing.T) {
	q := New[int](4, 1)
	_, ok := q.Dequeue(0)
	assert.False(t, ok)
}

func TestProducerConsumerNoDuplicatesNoLoss(t *testing.T) {
	const perProducer = 2500
	const producers = 2
	const consumers = 2
	q := New[int](producers*consumers*8, producers+consumers)

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Enqueue(worker, worker*perProducer+i)
			}
		}(p)
	}

	results := make(chan int, producers*perProducer)
	var cwg sync.WaitGroup
	stop := make(chan struct{})
	for c := 0; c < consumers; c++ {
		cwg.Add(1)
		go func(worker int) {
			defer cwg.Done()
			for {
				if v, ok := q.Dequeue(producers + worker); ok {
					results <- v
					continue
				}
				select {
				case <-stop:
					return
				default:
					runtime.Gosched()
				}
			}
		}(c)
	}

	wg.Wait()
	want := producers * perProducer
	for len(results) < want {
		runtime.Gosched()
	}
	close(stop)
	cwg.Wait()
	close(results)

	seen := make(map[int]bool, want)
	count := 0
	for v := range results {
		assert.False(t, seen[v], "value %d dequeued more than once", v)
		seen[v] = true
		count++
	}
	assert.Equal(t, want, count)
}

func TestNodePoolConservationAfterChurn(t *testing.T) {
	q := New[int](16, 1)
	for round := 0; round < 1000; round++ {
		q.Enqueue(0, round)
		_, ok := q.Dequeue(0)
		require.True(t, ok)
	}
	assert.Equal(t, 0, q.Len())
}
