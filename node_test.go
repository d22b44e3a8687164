package btree

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nimrodshn/btree/internal/storage"
	"github.com/nimrodshn/btree/pkg/bx"
)

func mustPadKey(t *testing.T, key string) []byte {
	t.Helper()

	k, err := padKey(key)
	require.NoError(t, err)
	return k
}

func mustPadValue(t *testing.T, value string) []byte {
	t.Helper()

	v, err := padValue(value)
	require.NoError(t, err)
	return v
}

func TestCapacityConstants(t *testing.T) {
	require.Equal(t, 203, LeafCapacity)
	require.Equal(t, 227, InternalCapacity)
}

func TestLeafRoundTrip(t *testing.T) {
	n := &Node{
		IsRoot: false,
		Type:   NodeLeaf,
		Parent: 3 * storage.PageSize,
		Pairs: []KeyValuePair{
			{Key: mustPadKey(t, "alpha"), Value: mustPadValue(t, "one")},
			{Key: mustPadKey(t, "beta"), Value: mustPadValue(t, "two")},
			{Key: mustPadKey(t, "gamma"), Value: mustPadValue(t, "three")},
		},
	}

	pg := storage.NewPage()
	require.NoError(t, n.encode(pg))
	require.Len(t, pg.Buf, storage.PageSize)

	got, err := decodeNode(pg)
	require.NoError(t, err)
	require.Equal(t, n, got)
}

func TestInternalRoundTrip(t *testing.T) {
	n := &Node{
		IsRoot: true,
		Type:   NodeInternal,
		Parent: 0,
		Keys: [][]byte{
			mustPadKey(t, "m"),
			mustPadKey(t, "t"),
		},
		Children: []uint64{
			2 * storage.PageSize,
			3 * storage.PageSize,
			4 * storage.PageSize,
		},
	}

	pg := storage.NewPage()
	require.NoError(t, n.encode(pg))
	require.Len(t, pg.Buf, storage.PageSize)

	got, err := decodeNode(pg)
	require.NoError(t, err)
	require.Equal(t, n, got)
}

func TestEmptyLeafRoundTrip(t *testing.T) {
	n := &Node{IsRoot: true, Type: NodeLeaf}

	pg := storage.NewPage()
	require.NoError(t, n.encode(pg))

	got, err := decodeNode(pg)
	require.NoError(t, err)
	require.True(t, got.IsRoot)
	require.Equal(t, NodeLeaf, got.Type)
	require.Zero(t, got.Parent)
	require.Empty(t, got.Pairs)
}

func TestHeaderLayout(t *testing.T) {
	n := &Node{
		Type:   NodeLeaf,
		Parent: storage.PageSize,
		Pairs: []KeyValuePair{
			{Key: mustPadKey(t, "a"), Value: mustPadValue(t, "v")},
		},
	}

	pg := storage.NewPage()
	require.NoError(t, n.encode(pg))

	require.Equal(t, byte(0x00), pg.Buf[0])
	require.Equal(t, byte(0x02), pg.Buf[1])
	require.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0x10, 0}, pg.Buf[2:10])
	require.Equal(t, uint64(1), bx.U64At(pg.Buf, 12))
	require.Equal(t, byte('a'), pg.Buf[20])

	n.IsRoot = true
	n.Type = NodeInternal
	n.Parent = 0
	n.Pairs = nil
	n.Keys = [][]byte{mustPadKey(t, "a")}
	n.Children = []uint64{2 * storage.PageSize, 3 * storage.PageSize}
	require.NoError(t, n.encode(pg))

	require.Equal(t, byte(0x01), pg.Buf[0])
	require.Equal(t, byte(0x01), pg.Buf[1])
	require.Equal(t, uint64(2), bx.U64At(pg.Buf, 12))
	require.Equal(t, uint64(2*storage.PageSize), bx.U64At(pg.Buf, 20))
	require.Equal(t, uint64(3*storage.PageSize), bx.U64At(pg.Buf, 28))
	require.Equal(t, byte('a'), pg.Buf[36])
}

func TestDecodeUnknownNodeType(t *testing.T) {
	pg := storage.NewPage()
	pg.Buf[1] = 0x07

	_, err := decodeNode(pg)
	require.ErrorIs(t, err, ErrUnknownNodeType)
}

func TestDecodeOverflow(t *testing.T) {
	pg := storage.NewPage()
	pg.Buf[1] = byte(NodeLeaf)
	bx.PutU64At(pg.Buf, 12, uint64(LeafCapacity+1))
	_, err := decodeNode(pg)
	require.ErrorIs(t, err, ErrOverflow)

	pg.Reset()
	pg.Buf[1] = byte(NodeInternal)
	bx.PutU64At(pg.Buf, 12, uint64(InternalCapacity+1))
	_, err = decodeNode(pg)
	require.ErrorIs(t, err, ErrOverflow)
}

func TestDecodeUnderflow(t *testing.T) {
	// a truncated buffer whose declared count needs more bytes than remain
	short := &storage.Page{Buf: make([]byte, 100)}
	short.Buf[1] = byte(NodeLeaf)
	bx.PutU64At(short.Buf, 12, 10)

	_, err := decodeNode(short)
	require.ErrorIs(t, err, ErrUnderflow)

	short.Buf[1] = byte(NodeInternal)
	_, err = decodeNode(short)
	require.ErrorIs(t, err, ErrUnderflow)
}

func TestEncodeOverflow(t *testing.T) {
	n := &Node{Type: NodeLeaf}
	for i := 0; i <= LeafCapacity; i++ {
		n.Pairs = append(n.Pairs, KeyValuePair{
			Key:   make([]byte, storage.MaxKeySize),
			Value: make([]byte, storage.MaxValueSize),
		})
	}

	pg := storage.NewPage()
	require.ErrorIs(t, n.encode(pg), ErrOverflow)
}

func TestEncodeInconsistentInternal(t *testing.T) {
	n := &Node{
		Type:     NodeInternal,
		Keys:     [][]byte{mustPadKey(t, "a"), mustPadKey(t, "b")},
		Children: []uint64{2 * storage.PageSize, 3 * storage.PageSize},
	}

	pg := storage.NewPage()
	require.ErrorIs(t, n.encode(pg), ErrMalformedNode)
}
