package btree

import (
	"github.com/nimrodshn/btree/internal/storage"
	"github.com/nimrodshn/btree/pkg/bx"
)

// NodeType tags the two node variants in a page header.
type NodeType uint8

const (
	NodeInternal NodeType = 0x01
	NodeLeaf     NodeType = 0x02
)

// Page layout, big-endian throughout.
//
// Common header (12 bytes):
//
//	[0]    is_root  0x00/0x01
//	[1]    node_type
//	[2:10] parent offset u64
//
// Leaf payload: [pair count u64][count * (key 10B + value 10B)]
// Internal payload: [child count u64][count * child offset u64][(count-1) * key 10B]
const (
	headerIsRootOff = 0
	headerTypeOff   = 1
	headerParentOff = 2
	headerSize      = 12

	payloadOff = headerSize + 8

	leafRecordSize = storage.MaxKeySize + storage.MaxValueSize
	childOffSize   = 8

	// LeafCapacity is how many key-value pairs one page holds.
	LeafCapacity = (storage.PageSize - payloadOff) / leafRecordSize

	// InternalCapacity bounds the child count M of an internal node:
	// M child offsets plus M-1 separator keys must fit in the payload.
	InternalCapacity = (storage.PageSize - payloadOff + storage.MaxKeySize) /
		(childOffSize + storage.MaxKeySize)
)

// KeyValuePair is one leaf entry. Key and Value are held in their on-disk
// form: right-padded with 0x00 to MaxKeySize and MaxValueSize.
type KeyValuePair struct {
	Key   []byte
	Value []byte
}

// Node is the decoded content of a single page. Pairs is populated for
// leaves; Keys and Children for internal nodes, with one more child than
// separator keys.
type Node struct {
	IsRoot bool
	Type   NodeType
	Parent uint64

	Pairs []KeyValuePair

	Keys     [][]byte
	Children []uint64
}

// encode serializes n into pg. The buffer is zeroed first so the image is
// fully deterministic.
func (n *Node) encode(pg *storage.Page) error {
	pg.Reset()
	buf := pg.Buf

	if n.IsRoot {
		buf[headerIsRootOff] = 0x01
	}
	buf[headerTypeOff] = byte(n.Type)
	bx.PutU64At(buf, headerParentOff, n.Parent)

	switch n.Type {
	case NodeLeaf:
		if len(n.Pairs) > LeafCapacity {
			return ErrOverflow
		}
		bx.PutU64At(buf, headerSize, uint64(len(n.Pairs)))
		for i, pair := range n.Pairs {
			rec := payloadOff + i*leafRecordSize
			copy(buf[rec:rec+storage.MaxKeySize], pair.Key)
			copy(buf[rec+storage.MaxKeySize:rec+leafRecordSize], pair.Value)
		}
	case NodeInternal:
		if len(n.Children) > InternalCapacity {
			return ErrOverflow
		}
		if len(n.Keys) != len(n.Children)-1 {
			return ErrMalformedNode
		}
		bx.PutU64At(buf, headerSize, uint64(len(n.Children)))
		for i, child := range n.Children {
			bx.PutU64At(buf, payloadOff+i*childOffSize, child)
		}
		keysOff := payloadOff + len(n.Children)*childOffSize
		for i, key := range n.Keys {
			copy(buf[keysOff+i*storage.MaxKeySize:keysOff+(i+1)*storage.MaxKeySize], key)
		}
	default:
		return ErrUnknownNodeType
	}
	return nil
}

// decodeNode parses a page image back into a Node. All returned slices are
// copies; the page buffer is not retained.
func decodeNode(pg *storage.Page) (*Node, error) {
	buf := pg.Buf
	if len(buf) < payloadOff {
		return nil, ErrUnderflow
	}

	n := &Node{
		IsRoot: buf[headerIsRootOff] != 0x00,
		Type:   NodeType(buf[headerTypeOff]),
		Parent: bx.U64At(buf, headerParentOff),
	}

	switch n.Type {
	case NodeLeaf:
		count := bx.U64At(buf, headerSize)
		if count > LeafCapacity {
			return nil, ErrOverflow
		}
		need := payloadOff + int(count)*leafRecordSize
		if need > len(buf) {
			return nil, ErrUnderflow
		}
		n.Pairs = make([]KeyValuePair, 0, count)
		for i := 0; i < int(count); i++ {
			rec := payloadOff + i*leafRecordSize
			key := make([]byte, storage.MaxKeySize)
			value := make([]byte, storage.MaxValueSize)
			copy(key, buf[rec:rec+storage.MaxKeySize])
			copy(value, buf[rec+storage.MaxKeySize:rec+leafRecordSize])
			n.Pairs = append(n.Pairs, KeyValuePair{Key: key, Value: value})
		}
	case NodeInternal:
		count := bx.U64At(buf, headerSize)
		if count > InternalCapacity {
			return nil, ErrOverflow
		}
		if count == 0 {
			return nil, ErrMalformedNode
		}
		need := payloadOff + int(count)*childOffSize + (int(count)-1)*storage.MaxKeySize
		if need > len(buf) {
			return nil, ErrUnderflow
		}
		n.Children = make([]uint64, 0, count)
		for i := 0; i < int(count); i++ {
			n.Children = append(n.Children, bx.U64At(buf, payloadOff+i*childOffSize))
		}
		keysOff := payloadOff + int(count)*childOffSize
		n.Keys = make([][]byte, 0, count-1)
		for i := 0; i < int(count)-1; i++ {
			key := make([]byte, storage.MaxKeySize)
			copy(key, buf[keysOff+i*storage.MaxKeySize:keysOff+(i+1)*storage.MaxKeySize])
			n.Keys = append(n.Keys, key)
		}
	default:
		return nil, ErrUnknownNodeType
	}
	return n, nil
}

// size is the entry count the fan-out invariants are stated over: pairs for
// a leaf, children for an internal node.
func (n *Node) size() int {
	if n.Type == NodeLeaf {
		return len(n.Pairs)
	}
	return len(n.Children)
}
