package backoff

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWaitAdvancesAttemptAndResetClearsIt(t *testing.T) {
	var b Backoff
	for i := 0; i < 50; i++ {
		b.Wait()
	}
	assert.Positive(t, b.attempt, "repeated waits must escalate the attempt counter")

	b.Reset()
	assert.Zero(t, b.attempt)
}

func TestZeroValueIsReadyToUse(t *testing.T) {
	var b Backoff
	assert.NotPanics(t, func() { b.Wait() })
}
