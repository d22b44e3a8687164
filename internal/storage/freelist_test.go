package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFreeListPushPop(t *testing.T) {
	fl := &freeList{}

	require.NoError(t, fl.push(FirstDataOffset))
	require.NoError(t, fl.push(FirstDataOffset+PageSize))

	// LIFO: most recently freed first
	off, ok := fl.pop()
	require.True(t, ok)
	require.Equal(t, uint64(FirstDataOffset+PageSize), off)

	off, ok = fl.pop()
	require.True(t, ok)
	require.Equal(t, uint64(FirstDataOffset), off)

	_, ok = fl.pop()
	require.False(t, ok)
}

func TestFreeListRejectsDuplicate(t *testing.T) {
	fl := &freeList{}
	require.NoError(t, fl.push(FirstDataOffset))
	require.ErrorIs(t, fl.push(FirstDataOffset), ErrDoubleFree)
}

func TestFreeListCapacity(t *testing.T) {
	fl := &freeList{}
	for i := 0; i < maxFreeListEntries; i++ {
		require.NoError(t, fl.push(uint64(FirstDataOffset+i*PageSize)))
	}
	err := fl.push(uint64(FirstDataOffset + maxFreeListEntries*PageSize))
	require.ErrorIs(t, err, ErrFreeListFull)
}

func TestFreeListEncodeDecode(t *testing.T) {
	fl := &freeList{}
	offsets := []uint64{FirstDataOffset, FirstDataOffset + 3*PageSize, FirstDataOffset + PageSize}
	for _, off := range offsets {
		require.NoError(t, fl.push(off))
	}

	pg := NewPage()
	require.NoError(t, fl.encode(pg))

	got, err := decodeFreeList(pg.Buf)
	require.NoError(t, err)
	require.Equal(t, offsets, got.offsets)
}

func TestDecodeFreeListRejectsBadCount(t *testing.T) {
	pg := NewPage()
	pg.Buf[0] = 0xFF // count far beyond page capacity

	_, err := decodeFreeList(pg.Buf)
	require.ErrorIs(t, err, ErrCorruptFreeList)
}

func TestDecodeFreeListRejectsReservedOffset(t *testing.T) {
	fl := &freeList{offsets: []uint64{RootOffset}}
	pg := NewPage()
	require.NoError(t, fl.encode(pg))

	_, err := decodeFreeList(pg.Buf)
	require.ErrorIs(t, err, ErrCorruptFreeList)
}

func TestFreeListSnapshotRestore(t *testing.T) {
	fl := &freeList{}
	require.NoError(t, fl.push(FirstDataOffset))
	snap := fl.snapshot()

	require.NoError(t, fl.push(FirstDataOffset+PageSize))
	fl.restore(snap)

	off, ok := fl.pop()
	require.True(t, ok)
	require.Equal(t, uint64(FirstDataOffset), off)
	_, ok = fl.pop()
	require.False(t, ok)
}
