package typedesc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsConst(t *testing.T) {
	d := Descriptor{Flags: FlagConst}
	assert.True(t, d.IsConst())

	d2 := Descriptor{}
	assert.False(t, d2.IsConst())
}

func TestPointerFieldCount(t *testing.T) {
	d := Descriptor{NumNormalPtrs: 3, NumWeakPtrs: 2}
	assert.EqualValues(t, 5, d.PointerFieldCount())
}

func TestTableGetInRangeAndOutOfRange(t *testing.T) {
	tab := Table{
		{Class: ClassNormal, NumNormalPtrs: 1},
		{Class: ClassArray, NumNormalPtrs: 0},
	}

	d, ok := tab.Get(1)
	assert.True(t, ok)
	assert.Equal(t, ClassArray, d.Class)

	_, ok = tab.Get(2)
	assert.False(t, ok)
}
