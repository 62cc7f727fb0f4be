package barrier

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestArriveReleasesExactlyOneLastArrival(t *testing.T) {
	const n = 8
	b := New(n)

	var lastCount atomic.Int32
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			if b.Arrive() {
				lastCount.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, lastCount.Load())
}

func TestBarrierIsReusableAcrossRounds(t *testing.T) {
	const n = 4
	const rounds = 20
	b := New(n)

	for r := 0; r < rounds; r++ {
		var lastCount atomic.Int32
		var wg sync.WaitGroup
		wg.Add(n)
		for i := 0; i < n; i++ {
			go func() {
				defer wg.Done()
				if b.Arrive() {
					lastCount.Add(1)
				}
			}()
		}
		done := make(chan struct{})
		go func() { wg.Wait(); close(done) }()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("round %d never completed", r)
		}
		assert.EqualValues(t, 1, lastCount.Load(), "round %d", r)
	}
}
