package osmem

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapUnmapRoundTrip(t *testing.T) {
	b, err := Map(4096, ProtR|ProtW)
	require.NoError(t, err)
	require.Len(t, b, 4096)

	b[0] = 0xAB
	b[4095] = 0xCD
	assert.EqualValues(t, 0xAB, b[0])
	assert.EqualValues(t, 0xCD, b[4095])

	assert.NoError(t, Unmap(b))
}

func TestUnmapEmptySliceIsNoop(t *testing.T) {
	assert.NoError(t, Unmap(nil))
	assert.NoError(t, Unmap([]byte{}))
}

func TestProtectChangesAccess(t *testing.T) {
	b, err := Map(4096, ProtR|ProtW)
	require.NoError(t, err)
	defer Unmap(b)

	b[0] = 1
	require.NoError(t, Protect(b, ProtR))
	require.NoError(t, Protect(b, ProtR|ProtW))
	b[0] = 2
	assert.EqualValues(t, 2, b[0])
}

func TestProtectEmptySliceIsNoop(t *testing.T) {
	assert.NoError(t, Protect(nil, ProtR))
}

func TestAdviseBlankAndNormalDoNotError(t *testing.T) {
	b, err := Map(4096, ProtR|ProtW)
	require.NoError(t, err)
	defer Unmap(b)

	assert.NoError(t, Advise(b, true))
	assert.NoError(t, Advise(b, false))
}

func TestAdviseEmptySliceIsNoop(t *testing.T) {
	assert.NoError(t, Advise(nil, true))
}

func TestWakerWaitReturnsAfterWake(t *testing.T) {
	w, err := NewWaker()
	require.NoError(t, err)
	defer w.Close()

	done := make(chan error, 1)
	go func() { done <- w.Wait() }()

	time.Sleep(10 * time.Millisecond)
	w.Wake()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Wait never returned after Wake")
	}
}

func TestWakerWaitReturnsAfterSeveralWakes(t *testing.T) {
	w, err := NewWaker()
	require.NoError(t, err)
	defer w.Close()

	w.Wake()
	w.Wake()
	w.Wake()

	done := make(chan error, 1)
	go func() { done <- w.Wait() }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Wait never returned after prior Wake calls")
	}
}

func TestWakerCloseReleasesDescriptors(t *testing.T) {
	w, err := NewWaker()
	require.NoError(t, err)
	assert.NoError(t, w.Close())
}
