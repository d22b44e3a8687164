// Package btree implements a persistent B+Tree backed by a single
// page-structured file, serving as the index of a small key-value store.
//
// Keys and values are short opaque byte strings. Mutations are staged
// through a shadow log and become durable on Commit; a crash between
// commits lands on the previous committed state.
package btree

import (
	"bytes"
	"fmt"
	"log/slog"

	"github.com/nimrodshn/btree/internal/storage"
)

// MaxKeySize and MaxValueSize bound the byte length of keys and values.
const (
	MaxKeySize   = storage.MaxKeySize
	MaxValueSize = storage.MaxValueSize
)

// BTree is the handle to one tree. It owns the backing file and its shadow
// log exclusively; a second open of the same path fails while the handle is
// live. A BTree is not safe for concurrent use.
type BTree struct {
	pager *storage.Pager
	b     int
	path  string
}

// Open opens or creates the tree at path with branching parameter b. Every
// non-root node keeps between b and 2*b entries. A fresh tree starts as an
// empty leaf root, committed before Open returns.
func Open(path string, b int) (*BTree, error) {
	if b < 2 || 2*b > LeafCapacity {
		return nil, fmt.Errorf("%w: b=%d, want 2 <= b <= %d", ErrBranching, b, LeafCapacity/2)
	}

	pager, err := storage.OpenPager(path)
	if err != nil {
		return nil, err
	}

	t := &BTree{pager: pager, b: b, path: path}
	if pager.Fresh() {
		root := &Node{IsRoot: true, Type: NodeLeaf}
		if err := t.writeNode(storage.RootOffset, root); err != nil {
			_ = pager.Close()
			return nil, err
		}
		if err := pager.Commit(); err != nil {
			_ = pager.Close()
			return nil, err
		}
	}

	slog.Debug("btree.Open", "path", path, "b", b)
	return t, nil
}

// Search returns the value stored under key, or ErrKeyNotFound.
func (t *BTree) Search(key string) (string, error) {
	k, err := padKey(key)
	if err != nil {
		return "", err
	}
	pair, err := t.lookup(k)
	if err != nil {
		return "", err
	}
	return unpad(pair.Value), nil
}

// Insert stores value under key, overwriting any previous value. The write
// is staged; call Commit to make it durable.
func (t *BTree) Insert(key, value string) error {
	k, err := padKey(key)
	if err != nil {
		return err
	}
	v, err := padValue(value)
	if err != nil {
		return err
	}

	slog.Debug("btree.Insert", "key", key)
	mark := t.pager.Snapshot()
	if err := t.insert(k, v); err != nil {
		if rbErr := t.pager.Restore(mark); rbErr != nil {
			slog.Warn("btree.Insert: undo staged writes failed", "err", rbErr)
		}
		return err
	}
	return nil
}

// Delete removes key from the tree, or fails with ErrKeyNotFound. The write
// is staged; call Commit to make it durable.
func (t *BTree) Delete(key string) error {
	k, err := padKey(key)
	if err != nil {
		return err
	}

	slog.Debug("btree.Delete", "key", key)
	mark := t.pager.Snapshot()
	if err := t.delete(k); err != nil {
		if rbErr := t.pager.Restore(mark); rbErr != nil {
			slog.Warn("btree.Delete: undo staged writes failed", "err", rbErr)
		}
		return err
	}
	return nil
}

// Commit atomically makes all staged mutations durable.
func (t *BTree) Commit() error {
	return t.pager.Commit()
}

// Rollback discards all staged mutations since the last commit.
func (t *BTree) Rollback() error {
	return t.pager.Rollback()
}

// Close drops uncommitted staging and releases the backing file and shadow
// log.
func (t *BTree) Close() error {
	slog.Debug("btree.Close", "path", t.path)
	return t.pager.Close()
}

// padKey brings key to its fixed on-disk width. Comparison treats the
// trailing 0x00 padding as significant, so keys with embedded NUL bytes
// sort in padded order.
func padKey(key string) ([]byte, error) {
	if len(key) > MaxKeySize {
		return nil, fmt.Errorf("%w: %q is %d bytes, max %d", ErrKeyTooLong, key, len(key), MaxKeySize)
	}
	out := make([]byte, MaxKeySize)
	copy(out, key)
	return out, nil
}

func padValue(value string) ([]byte, error) {
	if len(value) > MaxValueSize {
		return nil, fmt.Errorf("%w: %d bytes, max %d", ErrValueTooLong, len(value), MaxValueSize)
	}
	out := make([]byte, MaxValueSize)
	copy(out, value)
	return out, nil
}

// unpad strips the fixed-width padding. Values that legitimately end in
// 0x00 lose those bytes; the fixed-width layout does not record lengths.
func unpad(b []byte) string {
	return string(bytes.TrimRight(b, "\x00"))
}
