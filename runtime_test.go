package corevm

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arborvm/corevm/internal/sched"
	"github.com/arborvm/corevm/internal/typedesc"
)

func noRoots(int) []*Object { return nil }

func TestNewAppliesDefaultsAndWiresSubsystems(t *testing.T) {
	rt, err := New(Config{Workers: 4, Generations: 2}, nil, typedesc.Table{}, noRoots)
	require.NoError(t, err)
	assert.NotNil(t, rt.Heap())
	assert.NotNil(t, rt.Slices())
	assert.NotNil(t, rt.Collector())
	assert.Equal(t, 4, rt.Scheduler().NumWorkers())
}

func TestStartRunsInitialThreadAndStopTerminatesCleanly(t *testing.T) {
	rt, err := New(Config{Workers: 2, Generations: 2}, nil, typedesc.Table{}, noRoots)
	require.NoError(t, err)

	var ran atomic.Bool
	prog := func(th *Thread, workerID int, args, env []string) {
		ran.Store(true)
		th.SetState(sched.StateSuspend)
	}
	initial := sched.NewThread(0, nil)

	done := make(chan error, 1)
	go func() { done <- rt.Start(context.Background(), prog, initial, nil, nil) }()

	deadline := time.After(2 * time.Second)
	for !ran.Load() {
		select {
		case <-deadline:
			t.Fatal("prog_main never ran")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	require.NoError(t, rt.Stop())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestActivateThreadSucceedsOnFreshAndReferencedThread(t *testing.T) {
	rt, err := New(Config{Workers: 2, Generations: 2}, nil, typedesc.Table{}, noRoots)
	require.NoError(t, err)

	th := sched.NewThread(1, nil)
	assert.True(t, rt.ActivateThread(th), "activating a fresh, unreferenced thread must succeed")
	assert.Equal(t, sched.StateRunnable, th.State())

	// Already referenced: activating again still succeeds (idempotent
	// state flip) but must not enqueue a second time — that invariant is
	// exercised directly against the workshare in internal/sched tests.
	assert.True(t, rt.ActivateThread(th))
}
