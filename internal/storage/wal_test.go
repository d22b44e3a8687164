package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestLog(t *testing.T) *shadowLog {
	t.Helper()

	path := filepath.Join(t.TempDir(), "tree.db.wal")
	l, err := openShadowLog(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func pageFilledWith(b byte) []byte {
	page := make([]byte, PageSize)
	for i := range page {
		page[i] = b
	}
	return page
}

func TestReplayCommittedTransaction(t *testing.T) {
	l := newTestLog(t)

	require.NoError(t, l.appendPage(FirstDataOffset, pageFilledWith(0xAA)))
	require.NoError(t, l.appendPage(FirstDataOffset+PageSize, pageFilledWith(0xBB)))
	require.NoError(t, l.appendCommitMarker())

	var offs []uint64
	var firstBytes []byte
	committed, err := l.replay(func(off uint64, page []byte) error {
		offs = append(offs, off)
		firstBytes = append(firstBytes, page[0])
		return nil
	})
	require.NoError(t, err)
	require.True(t, committed)
	require.Equal(t, []uint64{FirstDataOffset, FirstDataOffset + PageSize}, offs)
	require.Equal(t, []byte{0xAA, 0xBB}, firstBytes)
}

func TestReplayWithoutMarkerDiscards(t *testing.T) {
	l := newTestLog(t)

	require.NoError(t, l.appendPage(FirstDataOffset, pageFilledWith(0xAA)))

	committed, err := l.replay(func(off uint64, page []byte) error {
		t.Fatalf("apply called for uncommitted record at %d", off)
		return nil
	})
	require.NoError(t, err)
	require.False(t, committed)
}

func TestReplayTornTailDiscards(t *testing.T) {
	l := newTestLog(t)

	require.NoError(t, l.appendPage(FirstDataOffset, pageFilledWith(0xAA)))
	// chop the record in half to simulate a crash mid-append
	require.NoError(t, l.truncate(walRecordSize/2))

	committed, err := l.replay(func(off uint64, page []byte) error {
		t.Fatalf("apply called for torn record at %d", off)
		return nil
	})
	require.NoError(t, err)
	require.False(t, committed)
}

func TestReplayBadChecksum(t *testing.T) {
	l := newTestLog(t)

	require.NoError(t, l.appendPage(FirstDataOffset, pageFilledWith(0xAA)))
	require.NoError(t, l.appendCommitMarker())

	// flip one byte inside the page image
	f, err := os.OpenFile(l.path, os.O_RDWR, FileMode0644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xFF ^ 0xAA}, 12+100)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = l.replay(func(off uint64, page []byte) error { return nil })
	require.ErrorIs(t, err, ErrCorruptLog)
}

func TestTruncateResetsLog(t *testing.T) {
	l := newTestLog(t)

	require.NoError(t, l.appendPage(FirstDataOffset, pageFilledWith(0xAA)))
	require.NoError(t, l.appendCommitMarker())
	require.NoError(t, l.truncate(0))

	committed, err := l.replay(func(off uint64, page []byte) error {
		t.Fatal("apply called on empty log")
		return nil
	})
	require.NoError(t, err)
	require.False(t, committed)

	st, err := os.Stat(l.path)
	require.NoError(t, err)
	require.Zero(t, st.Size())
}
