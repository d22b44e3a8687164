package btree

import (
	"bytes"
	"fmt"
	"log/slog"

	"github.com/nimrodshn/btree/internal/storage"
)

// The engine below maintains the tree invariants across mutations:
//
//   - The root lives at offset 0; height changes rewrite its contents, never
//     its offset.
//   - Every non-root node carries the offset of its parent, so splits and
//     merges propagate upward without re-descending.
//   - A non-root leaf holds between b and 2b pairs, a non-root internal node
//     between b and 2b children. Overflow splits, underflow redistributes or
//     merges.
//   - In an internal node, keys in child i are < Keys[i] and keys in child
//     i+1 are >= Keys[i].

// readNode fetches and decodes the node at off. Decode failures mean the
// page image is damaged, which the engine reports as corruption.
func (t *BTree) readNode(off uint64) (*Node, error) {
	pg, err := t.pager.GetPage(off)
	if err != nil {
		return nil, err
	}
	n, err := decodeNode(pg)
	if err != nil {
		return nil, fmt.Errorf("%w: page at offset %d: %v", ErrCorrupt, off, err)
	}
	return n, nil
}

// writeNode encodes n and stages it at off.
func (t *BTree) writeNode(off uint64, n *Node) error {
	pg := storage.NewPage()
	if err := n.encode(pg); err != nil {
		return err
	}
	return t.pager.WritePage(off, pg)
}

// childIndex returns the index of the child whose key range contains k:
// the first i with k < keys[i], or len(keys) when k is >= every separator.
func childIndex(keys [][]byte, k []byte) int {
	lo, hi := 0, len(keys)
	for lo < hi {
		mid := (lo + hi) / 2
		if bytes.Compare(k, keys[mid]) < 0 {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo
}

// findPair locates k in a leaf's sorted pairs. When k is absent the returned
// index is its insertion point.
func findPair(pairs []KeyValuePair, k []byte) (int, bool) {
	lo, hi := 0, len(pairs)
	for lo < hi {
		mid := (lo + hi) / 2
		if bytes.Compare(pairs[mid].Key, k) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, lo < len(pairs) && bytes.Equal(pairs[lo].Key, k)
}

// descendToLeaf walks from the root to the leaf whose range contains k.
func (t *BTree) descendToLeaf(k []byte) (uint64, *Node, error) {
	off := uint64(storage.RootOffset)
	for {
		n, err := t.readNode(off)
		if err != nil {
			return 0, nil, err
		}
		if n.Type == NodeLeaf {
			return off, n, nil
		}
		off = n.Children[childIndex(n.Keys, k)]
	}
}

// lookup returns the pair stored under k, or ErrKeyNotFound.
func (t *BTree) lookup(k []byte) (*KeyValuePair, error) {
	_, leaf, err := t.descendToLeaf(k)
	if err != nil {
		return nil, err
	}
	i, found := findPair(leaf.Pairs, k)
	if !found {
		return nil, ErrKeyNotFound
	}
	return &leaf.Pairs[i], nil
}

// ---- insert ----

func (t *BTree) insert(k, v []byte) error {
	off, leaf, err := t.descendToLeaf(k)
	if err != nil {
		return err
	}

	i, found := findPair(leaf.Pairs, k)
	if found {
		// duplicate key: overwrite the value in place
		leaf.Pairs[i].Value = v
		return t.writeNode(off, leaf)
	}

	leaf.Pairs = append(leaf.Pairs, KeyValuePair{})
	copy(leaf.Pairs[i+1:], leaf.Pairs[i:])
	leaf.Pairs[i] = KeyValuePair{Key: k, Value: v}

	if len(leaf.Pairs) <= 2*t.b {
		return t.writeNode(off, leaf)
	}
	return t.splitLeaf(off, leaf)
}

// splitLeaf cures an overflowing leaf by moving its upper half into a new
// sibling and promoting the sibling's smallest key. A root leaf instead
// rewrites offset 0 as an internal node over two fresh children.
func (t *BTree) splitLeaf(off uint64, leaf *Node) error {
	total := len(leaf.Pairs)
	splitAt := total - (total+1)/2

	right := &Node{
		Type:   NodeLeaf,
		Parent: leaf.Parent,
		Pairs:  copyPairs(leaf.Pairs[splitAt:]),
	}
	sep := dupKey(right.Pairs[0].Key)

	if off == storage.RootOffset {
		leftOff, err := t.pager.AllocatePage()
		if err != nil {
			return err
		}
		rightOff, err := t.pager.AllocatePage()
		if err != nil {
			return err
		}
		left := &Node{
			Type:   NodeLeaf,
			Parent: storage.RootOffset,
			Pairs:  copyPairs(leaf.Pairs[:splitAt]),
		}
		right.Parent = storage.RootOffset
		newRoot := &Node{
			IsRoot:   true,
			Type:     NodeInternal,
			Keys:     [][]byte{sep},
			Children: []uint64{leftOff, rightOff},
		}
		slog.Debug("btree.splitLeaf.root", "left", leftOff, "right", rightOff)
		if err := t.writeNode(leftOff, left); err != nil {
			return err
		}
		if err := t.writeNode(rightOff, right); err != nil {
			return err
		}
		return t.writeNode(storage.RootOffset, newRoot)
	}

	rightOff, err := t.pager.AllocatePage()
	if err != nil {
		return err
	}
	leaf.Pairs = leaf.Pairs[:splitAt]
	slog.Debug("btree.splitLeaf", "offset", off, "right", rightOff)
	if err := t.writeNode(off, leaf); err != nil {
		return err
	}
	if err := t.writeNode(rightOff, right); err != nil {
		return err
	}
	return t.insertIntoParent(leaf.Parent, sep, rightOff)
}

// insertIntoParent records a freshly split-off child under its parent,
// splitting the parent in turn when it overflows.
func (t *BTree) insertIntoParent(parentOff uint64, sep []byte, childOff uint64) error {
	parent, err := t.readNode(parentOff)
	if err != nil {
		return err
	}
	if parent.Type != NodeInternal {
		return fmt.Errorf("%w: parent at offset %d is not internal", ErrCorrupt, parentOff)
	}

	i := childIndex(parent.Keys, sep)

	parent.Keys = append(parent.Keys, nil)
	copy(parent.Keys[i+1:], parent.Keys[i:])
	parent.Keys[i] = sep

	parent.Children = append(parent.Children, 0)
	copy(parent.Children[i+2:], parent.Children[i+1:])
	parent.Children[i+1] = childOff

	if len(parent.Children) <= 2*t.b {
		return t.writeNode(parentOff, parent)
	}
	return t.splitInternal(parentOff, parent)
}

// splitInternal splits an overflowing internal node around its middle key,
// which moves up to the parent. Children handed to a new page get their
// parent pointers rewritten.
func (t *BTree) splitInternal(off uint64, n *Node) error {
	mid := len(n.Keys) / 2
	promoted := dupKey(n.Keys[mid])
	rightChildren := copyOffsets(n.Children[mid+1:])
	rightKeys := copyKeys(n.Keys[mid+1:])

	if off == storage.RootOffset {
		leftOff, err := t.pager.AllocatePage()
		if err != nil {
			return err
		}
		rightOff, err := t.pager.AllocatePage()
		if err != nil {
			return err
		}
		left := &Node{
			Type:     NodeInternal,
			Parent:   storage.RootOffset,
			Children: copyOffsets(n.Children[:mid+1]),
			Keys:     copyKeys(n.Keys[:mid]),
		}
		right := &Node{
			Type:     NodeInternal,
			Parent:   storage.RootOffset,
			Children: rightChildren,
			Keys:     rightKeys,
		}
		newRoot := &Node{
			IsRoot:   true,
			Type:     NodeInternal,
			Keys:     [][]byte{promoted},
			Children: []uint64{leftOff, rightOff},
		}
		slog.Debug("btree.splitInternal.root", "left", leftOff, "right", rightOff)
		if err := t.writeNode(leftOff, left); err != nil {
			return err
		}
		if err := t.writeNode(rightOff, right); err != nil {
			return err
		}
		if err := t.writeNode(storage.RootOffset, newRoot); err != nil {
			return err
		}
		if err := t.reparent(left.Children, leftOff); err != nil {
			return err
		}
		return t.reparent(right.Children, rightOff)
	}

	rightOff, err := t.pager.AllocatePage()
	if err != nil {
		return err
	}
	right := &Node{
		Type:     NodeInternal,
		Parent:   n.Parent,
		Children: rightChildren,
		Keys:     rightKeys,
	}
	n.Children = n.Children[:mid+1]
	n.Keys = n.Keys[:mid]
	slog.Debug("btree.splitInternal", "offset", off, "right", rightOff)
	if err := t.writeNode(off, n); err != nil {
		return err
	}
	if err := t.writeNode(rightOff, right); err != nil {
		return err
	}
	if err := t.reparent(right.Children, rightOff); err != nil {
		return err
	}
	return t.insertIntoParent(n.Parent, promoted, rightOff)
}

// reparent rewrites the parent pointer of each listed child.
func (t *BTree) reparent(children []uint64, parentOff uint64) error {
	for _, childOff := range children {
		child, err := t.readNode(childOff)
		if err != nil {
			return err
		}
		child.Parent = parentOff
		if err := t.writeNode(childOff, child); err != nil {
			return err
		}
	}
	return nil
}

// ---- delete ----

func (t *BTree) delete(k []byte) error {
	off, leaf, err := t.descendToLeaf(k)
	if err != nil {
		return err
	}

	i, found := findPair(leaf.Pairs, k)
	if !found {
		return ErrKeyNotFound
	}
	leaf.Pairs = append(leaf.Pairs[:i], leaf.Pairs[i+1:]...)

	if err := t.writeNode(off, leaf); err != nil {
		return err
	}
	if off == storage.RootOffset || len(leaf.Pairs) >= t.b {
		return nil
	}
	return t.rebalance(off, leaf)
}

// rebalance cures an underfull non-root node, first by borrowing from a
// sibling with spare entries and otherwise by merging, then recurses when
// the parent underflows in turn. The left sibling is preferred throughout.
func (t *BTree) rebalance(off uint64, n *Node) error {
	parentOff := n.Parent
	parent, err := t.readNode(parentOff)
	if err != nil {
		return err
	}
	if parent.Type != NodeInternal {
		return fmt.Errorf("%w: parent at offset %d is not internal", ErrCorrupt, parentOff)
	}

	idx := -1
	for i, c := range parent.Children {
		if c == off {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: node %d not listed under parent %d", ErrCorrupt, off, parentOff)
	}

	if idx > 0 {
		leftOff := parent.Children[idx-1]
		left, err := t.readNode(leftOff)
		if err != nil {
			return err
		}
		if left.size() > t.b {
			slog.Debug("btree.rebalance.redistribute", "offset", off, "sibling", leftOff, "side", "left")
			return t.borrowFromLeft(parent, parentOff, idx, left, leftOff, n, off)
		}
	}
	if idx < len(parent.Children)-1 {
		rightOff := parent.Children[idx+1]
		right, err := t.readNode(rightOff)
		if err != nil {
			return err
		}
		if right.size() > t.b {
			slog.Debug("btree.rebalance.redistribute", "offset", off, "sibling", rightOff, "side", "right")
			return t.borrowFromRight(parent, parentOff, idx, n, off, right, rightOff)
		}
	}

	if idx > 0 {
		leftOff := parent.Children[idx-1]
		left, err := t.readNode(leftOff)
		if err != nil {
			return err
		}
		slog.Debug("btree.rebalance.merge", "offset", off, "into", leftOff)
		if err := t.mergeNodes(left, leftOff, n, off, parent, idx-1); err != nil {
			return err
		}
		parent.Keys = append(parent.Keys[:idx-1], parent.Keys[idx:]...)
		parent.Children = append(parent.Children[:idx], parent.Children[idx+1:]...)
	} else {
		rightOff := parent.Children[idx+1]
		right, err := t.readNode(rightOff)
		if err != nil {
			return err
		}
		slog.Debug("btree.rebalance.merge", "offset", rightOff, "into", off)
		if err := t.mergeNodes(n, off, right, rightOff, parent, idx); err != nil {
			return err
		}
		parent.Keys = append(parent.Keys[:idx], parent.Keys[idx+1:]...)
		parent.Children = append(parent.Children[:idx+1], parent.Children[idx+2:]...)
	}
	if err := t.writeNode(parentOff, parent); err != nil {
		return err
	}

	if parentOff == storage.RootOffset {
		if len(parent.Children) == 1 {
			return t.collapseRoot(parent)
		}
		return nil
	}
	if len(parent.Children) < t.b {
		return t.rebalance(parentOff, parent)
	}
	return nil
}

// borrowFromLeft moves the left sibling's greatest entry across and renames
// the separator between the two.
func (t *BTree) borrowFromLeft(parent *Node, parentOff uint64, idx int, left *Node, leftOff uint64, n *Node, off uint64) error {
	if n.Type == NodeLeaf {
		moved := left.Pairs[len(left.Pairs)-1]
		left.Pairs = left.Pairs[:len(left.Pairs)-1]
		n.Pairs = append([]KeyValuePair{moved}, n.Pairs...)
		parent.Keys[idx-1] = dupKey(moved.Key)
	} else {
		movedChild := left.Children[len(left.Children)-1]
		movedKey := left.Keys[len(left.Keys)-1]
		left.Children = left.Children[:len(left.Children)-1]
		left.Keys = left.Keys[:len(left.Keys)-1]
		n.Children = append([]uint64{movedChild}, n.Children...)
		n.Keys = append([][]byte{dupKey(parent.Keys[idx-1])}, n.Keys...)
		parent.Keys[idx-1] = movedKey
		if err := t.reparent([]uint64{movedChild}, off); err != nil {
			return err
		}
	}
	if err := t.writeNode(leftOff, left); err != nil {
		return err
	}
	if err := t.writeNode(off, n); err != nil {
		return err
	}
	return t.writeNode(parentOff, parent)
}

// borrowFromRight moves the right sibling's smallest entry across and
// renames the separator between the two.
func (t *BTree) borrowFromRight(parent *Node, parentOff uint64, idx int, n *Node, off uint64, right *Node, rightOff uint64) error {
	if n.Type == NodeLeaf {
		moved := right.Pairs[0]
		right.Pairs = right.Pairs[1:]
		n.Pairs = append(n.Pairs, moved)
		parent.Keys[idx] = dupKey(right.Pairs[0].Key)
	} else {
		movedChild := right.Children[0]
		movedKey := right.Keys[0]
		right.Children = right.Children[1:]
		right.Keys = right.Keys[1:]
		n.Children = append(n.Children, movedChild)
		n.Keys = append(n.Keys, dupKey(parent.Keys[idx]))
		parent.Keys[idx] = movedKey
		if err := t.reparent([]uint64{movedChild}, off); err != nil {
			return err
		}
	}
	if err := t.writeNode(rightOff, right); err != nil {
		return err
	}
	if err := t.writeNode(off, n); err != nil {
		return err
	}
	return t.writeNode(parentOff, parent)
}

// mergeNodes concatenates right into left and frees right's page. For
// internal nodes the separating key from the parent drops down between the
// two halves; the caller removes it from the parent afterwards.
func (t *BTree) mergeNodes(left *Node, leftOff uint64, right *Node, rightOff uint64, parent *Node, sepIdx int) error {
	if left.Type != right.Type {
		return fmt.Errorf("%w: sibling type mismatch at offsets %d/%d", ErrCorrupt, leftOff, rightOff)
	}
	if left.Type == NodeLeaf {
		left.Pairs = append(left.Pairs, right.Pairs...)
	} else {
		left.Keys = append(left.Keys, dupKey(parent.Keys[sepIdx]))
		left.Keys = append(left.Keys, right.Keys...)
		left.Children = append(left.Children, right.Children...)
		if err := t.reparent(right.Children, leftOff); err != nil {
			return err
		}
	}
	if err := t.writeNode(leftOff, left); err != nil {
		return err
	}
	return t.pager.FreePage(rightOff)
}

// collapseRoot replaces a single-child internal root with that child's
// contents, shrinking tree height by one. Offset 0 stays the root.
func (t *BTree) collapseRoot(root *Node) error {
	childOff := root.Children[0]
	child, err := t.readNode(childOff)
	if err != nil {
		return err
	}
	child.IsRoot = true
	child.Parent = storage.RootOffset
	slog.Debug("btree.collapseRoot", "child", childOff)
	if err := t.writeNode(storage.RootOffset, child); err != nil {
		return err
	}
	if err := t.pager.FreePage(childOff); err != nil {
		return err
	}
	if child.Type == NodeInternal {
		return t.reparent(child.Children, storage.RootOffset)
	}
	return nil
}

// ---- small copy helpers ----

func dupKey(k []byte) []byte {
	out := make([]byte, len(k))
	copy(out, k)
	return out
}

func copyKeys(keys [][]byte) [][]byte {
	out := make([][]byte, len(keys))
	for i, k := range keys {
		out[i] = dupKey(k)
	}
	return out
}

func copyOffsets(offs []uint64) []uint64 {
	out := make([]uint64, len(offs))
	copy(out, offs)
	return out
}

func copyPairs(pairs []KeyValuePair) []KeyValuePair {
	out := make([]KeyValuePair, len(pairs))
	copy(out, pairs)
	return out
}
