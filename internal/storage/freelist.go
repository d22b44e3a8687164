package storage

import (
	"fmt"

	"github.com/nimrodshn/btree/pkg/bx"
)

// The free list is persisted in the reserved metadata page at FreeListOffset,
// written through the same staging/commit path as any node page.
//
// Page layout: [count u64][count * page offset u64]
const maxFreeListEntries = (PageSize - 8) / 8

// freeList tracks reclaimed page offsets. Pop order is LIFO so recently
// freed pages are reused first.
type freeList struct {
	offsets []uint64
}

func (fl *freeList) push(off uint64) error {
	for _, o := range fl.offsets {
		if o == off {
			return fmt.Errorf("%w: offset %d", ErrDoubleFree, off)
		}
	}
	if len(fl.offsets) >= maxFreeListEntries {
		return ErrFreeListFull
	}
	fl.offsets = append(fl.offsets, off)
	return nil
}

func (fl *freeList) pop() (uint64, bool) {
	if len(fl.offsets) == 0 {
		return 0, false
	}
	off := fl.offsets[len(fl.offsets)-1]
	fl.offsets = fl.offsets[:len(fl.offsets)-1]
	return off, true
}

func (fl *freeList) snapshot() []uint64 {
	out := make([]uint64, len(fl.offsets))
	copy(out, fl.offsets)
	return out
}

func (fl *freeList) restore(offsets []uint64) {
	fl.offsets = make([]uint64, len(offsets))
	copy(fl.offsets, offsets)
}

// encode serializes the list into a full page image.
func (fl *freeList) encode(p *Page) error {
	if len(fl.offsets) > maxFreeListEntries {
		return ErrFreeListFull
	}
	p.Reset()
	bx.PutU64At(p.Buf, 0, uint64(len(fl.offsets)))
	for i, off := range fl.offsets {
		bx.PutU64At(p.Buf, 8+i*8, off)
	}
	return nil
}

// decodeFreeList parses the metadata page written by encode.
func decodeFreeList(buf []byte) (*freeList, error) {
	if len(buf) != PageSize {
		return nil, fmt.Errorf("%w: short page", ErrCorruptFreeList)
	}
	count := bx.U64At(buf, 0)
	if count > maxFreeListEntries {
		return nil, fmt.Errorf("%w: count %d exceeds page capacity", ErrCorruptFreeList, count)
	}
	fl := &freeList{offsets: make([]uint64, 0, count)}
	for i := 0; i < int(count); i++ {
		off := bx.U64At(buf, 8+i*8)
		if off%PageSize != 0 || off < FirstDataOffset {
			return nil, fmt.Errorf("%w: bad offset %d", ErrCorruptFreeList, off)
		}
		fl.offsets = append(fl.offsets, off)
	}
	return fl, nil
}
