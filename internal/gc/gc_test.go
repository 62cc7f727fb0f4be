package gc

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arborvm/corevm/internal/typedesc"
)

func newNormalObj(numPtrs int) *Obj {
	o := &Obj{Desc: typedesc.Descriptor{Class: typedesc.ClassNormal, NumNormalPtrs: uint32(numPtrs)}}
	o.Ptrs = make([]dptr[Obj], numPtrs)
	return o
}

func TestClaimIsIdempotentAcrossCallers(t *testing.T) {
	c := New(Config{Workers: 2}, func(int) []*Obj { return nil })
	src := newNormalObj(0)

	d1 := c.claim(src, 3)
	d2 := c.claim(src, 3)
	assert.Same(t, d1, d2, "claiming the same object twice must return the same destination")
}

func TestClaimOutsideCollectionSetPointsToItself(t *testing.T) {
	c := New(Config{Workers: 2}, func(int) []*Obj { return nil })
	src := newNormalObj(0)
	src.Header.storeGen(packGen(5, 5, 0))

	dst := c.claim(src, 2) // g=2 < cur gen 5: outside the collection set
	assert.Same(t, src, dst)
	assert.True(t, src.Header.Copied.Load())
}

func TestCopyFieldsOutsideCollectionSetStillScansPointers(t *testing.T) {
	c := New(Config{Workers: 1}, func(int) []*Obj { return nil })

	inSet := newNormalObj(0)
	inSet.Payload = []byte{0x42}

	outside := newNormalObj(1)
	outside.Header.storeGen(packGen(5, 5, 0)) // cur gen 5 > g=2: outside the collection set
	outside.Ptrs[0].Store(0, inSet)

	dst := c.claim(outside, 2)
	assert.Same(t, outside, dst, "outside the collection set, claim must mark it claimed in place")

	c.copyFields(outside, 0, 2, false)

	target := inSet.Header.Forward.Load()
	require.NotNil(t, target, "an in-set object reachable only from an outside-set survivor must still get claimed")
	assert.NotSame(t, inSet, target)
}

func TestRoundTripThroughCopy(t *testing.T) {
	c := New(Config{Workers: 1}, func(int) []*Obj { return nil })
	leaf := newNormalObj(0)
	leaf.Payload = []byte{0xAB}

	root := newNormalObj(1)
	root.Payload = []byte{0xCD}
	root.Ptrs[0].Store(0, leaf)

	dst := c.claim(root, 3)
	require.NotNil(t, dst)
	c.copyFields(root, 0, 3, false) // claims leaf as a side effect and points dst.Ptrs[0] at its destination
	c.copyFields(leaf, 0, 3, false) // now copy leaf's own fields into that destination

	assert.Equal(t, root.Payload, dst.Payload)
	assert.Same(t, leaf.Header.Forward.Load(), dst.Ptrs[0].Load(1))
}

func TestWeakPointerNulledWhenTargetNotCopied(t *testing.T) {
	c := New(Config{Workers: 1}, func(int) []*Obj { return nil })
	weakTarget := newNormalObj(0)

	root := &Obj{Desc: typedesc.Descriptor{Class: typedesc.ClassNormal, NumWeakPtrs: 1}}
	root.Weak = make([]dptr[Obj], 1)
	root.Weak[0].Store(0, weakTarget)

	dst := c.claim(root, 3)
	c.copyFields(root, 0, 3, true) // doWeak=true, weakTarget never separately claimed/copied
	assert.Nil(t, dst.Weak[0].Load(1))
}

func TestClaimBitFirstAndLastBit(t *testing.T) {
	bitmap := newClusterBitmap(128) // 2 clusters of 64

	ok := claimSpecificBit(bitmap, 0)
	assert.True(t, ok)
	ok = claimSpecificBit(bitmap, 0)
	assert.False(t, ok, "a claimed bit cannot be claimed twice")

	last := numClusters(128) - 1
	ok = claimSpecificBit(bitmap, last)
	assert.True(t, ok)
}

func TestClusterizedScalarArrayRoundTrip(t *testing.T) {
	c := New(Config{Workers: 1}, func(int) []*Obj { return nil })

	const length = 1000 // not a multiple of ClusterSize: numClusters(1000) == 16
	src := &Obj{Desc: typedesc.Descriptor{Class: typedesc.ClassArray}, Len: length}
	src.Payload = make([]byte, length)
	for i := range src.Payload {
		src.Payload[i] = byte(i)
	}
	src.Bitmap = newClusterBitmap(length)

	dst := c.claim(src, 3)
	require.NotNil(t, dst)
	require.NotSame(t, src, dst)
	c.copyFields(src, 0, 3, false)

	assert.Equal(t, src.Payload, dst.Payload, "every cluster, including the partial tail cluster, must be copied")

	claimed := 0
	for {
		if _, ok := claimBit(src.Bitmap); !ok {
			break
		}
		claimed++
	}
	assert.Equal(t, 0, claimed, "copyArray must have already claimed every real cluster bit")
}

func TestClaimBitExhaustion(t *testing.T) {
	bitmap := make([]atomic.Uint64, 1)
	claimed := 0
	for {
		_, ok := claimBit(bitmap)
		if !ok {
			break
		}
		claimed++
	}
	assert.Equal(t, 64, claimed)
}

func TestWriteBarrierGatedByPhase(t *testing.T) {
	c := New(Config{Workers: 1}, func(int) []*Obj { return nil })
	obj := newNormalObj(1)

	c.phase.store(PhaseInactive)
	c.WriteBarrier(0, obj, 0)
	assert.Equal(t, 0, c.writeLogs[0].index, "INACTIVE must not log")

	c.phase.store(PhaseInitial)
	c.WriteBarrier(0, obj, 0)
	assert.Equal(t, 0, c.writeLogs[0].index, "INITIAL must not log")

	c.phase.store(PhaseNormal)
	c.WriteBarrier(0, obj, 0)
	assert.Equal(t, 1, c.writeLogs[0].index, "NORMAL must log")

	c.phase.store(PhaseWeak)
	c.WriteBarrier(0, obj, 1)
	assert.Equal(t, 2, c.writeLogs[0].index, "WEAK must log")
}

func TestWriteBarrierObligesSafepointAtCapacity(t *testing.T) {
	c := New(Config{Workers: 1}, func(int) []*Obj { return nil })
	obj := newNormalObj(1)
	c.phase.store(PhaseNormal)

	var must bool
	for i := 0; i < WriteLogLength; i++ {
		must = c.WriteBarrier(0, obj, 0)
	}
	assert.True(t, must, "reaching WriteLogLength must oblige a safepoint")
}

func TestWriteLogDedupVisitsEachEntryOnce(t *testing.T) {
	wl := NewWriteLog()
	obj := newNormalObj(1)
	wl.Append(obj, 0)
	wl.Append(obj, 0) // duplicate within the same phase pass
	wl.Append(obj, -1) // non-pointer write: must be skipped entirely

	var visits int
	wl.Drain(func(o *Obj, offset int) { visits++ })
	assert.Equal(t, 1, visits)
}

func TestWriteLogFullAtSafepointEntry(t *testing.T) {
	wl := NewWriteLog()
	obj := newNormalObj(0)
	var full bool
	for i := 0; i < WriteLogLength; i++ {
		full = wl.Append(obj, 0)
	}
	assert.True(t, full)
}

func TestGenerationSawtooth(t *testing.T) {
	c := New(Config{Workers: 2, Generations: 2}, func(int) []*Obj { return nil })
	g1 := c.chooseGeneration(nil)
	g2 := c.chooseGeneration(nil)
	g3 := c.chooseGeneration(nil)
	assert.Equal(t, uint8(1), g1)
	assert.Equal(t, uint8(2), g2)
	assert.Equal(t, uint8(1), g3, "reaching the peak restarts the sawtooth at 1")
}

func TestExplicitGenerationRequestOverridesMonotonicallyUpward(t *testing.T) {
	c := New(Config{Workers: 2, Generations: 3}, func(int) []*Obj { return nil })
	req := uint8(3)
	got := c.chooseGeneration(&req)
	assert.Equal(t, uint8(3), got)

	lower := uint8(1)
	got = c.chooseGeneration(&lower)
	assert.Equal(t, uint8(3), got, "an explicit request never moves the target generation downward")
}

func TestPhaseCycleReachesInactiveAndBumpsCollectionCount(t *testing.T) {
	c := New(Config{Workers: 1}, func(int) []*Obj { return nil })
	c.phase.store(PhaseInitial)

	before := c.collectionCount.Load()
	c.RunGCThread(0) // INITIAL -> NORMAL (sole worker is always "last")
	assert.Equal(t, PhaseNormal, c.phase.load())
	c.RunGCThread(0) // NORMAL -> WEAK
	assert.Equal(t, PhaseWeak, c.phase.load())
	c.RunGCThread(0) // WEAK -> INACTIVE, flips epoch, bumps collection count
	assert.Equal(t, PhaseInactive, c.phase.load())
	assert.Equal(t, before+1, c.collectionCount.Load())
}

func TestMaybeTriggerRespectsSoftThresholdAndInactiveGate(t *testing.T) {
	c := New(Config{Workers: 1}, func(int) []*Obj { return nil })
	assert.False(t, c.MaybeTrigger(100, 10, 0.75, nil), "below threshold must not trigger")
	assert.True(t, c.MaybeTrigger(100, 90, 0.75, nil))
	assert.False(t, c.MaybeTrigger(100, 90, 0.75, nil), "already active: a second trigger must not re-fire")
}
