package connection

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestShareAllocatorFloorsAndAssignsRemainderToLowestID(t *testing.T) {
	a := ShareAllocator{}
	// 10 split 1:1:1 among streams 5, 3, 9 -> floor(10/3)=3 each, remainder 1
	// goes to the lowest id (3).
	result := a.Allocate(10, []uint64{5, 3, 9}, []uint64{1, 1, 1})
	require.Equal(t, uint64(4), result[3])
	require.Equal(t, uint64(3), result[5])
	require.Equal(t, uint64(3), result[9])
}

func TestShareAllocatorProportional(t *testing.T) {
	a := ShareAllocator{}
	result := a.Allocate(100, []uint64{1, 2}, []uint64{25, 75})
	require.Equal(t, uint64(25), result[1])
	require.Equal(t, uint64(75), result[2])
}

func TestShareAllocatorZeroAmount(t *testing.T) {
	a := ShareAllocator{}
	result := a.Allocate(0, []uint64{1}, []uint64{1})
	require.Empty(t, result)
}

func TestShareAllocatorNoShares(t *testing.T) {
	a := ShareAllocator{}
	result := a.Allocate(10, nil, nil)
	require.Empty(t, result)
}
