package bptree

import (
	"fmt"
	"sort"

	"github.com/gojodb/storagecore/storage/page"
)

// isLeafSafe reports whether a leaf can absorb one more entry without
// splitting.
func (t *BTree[K, V]) isLeafSafe(n *Node[K, V]) bool { return n.Size() < n.MaxSize }

// isInternalSafe mirrors isLeafSafe for internal nodes.
func (t *BTree[K, V]) isInternalSafe(n *Node[K, V]) bool { return n.Size() < n.MaxSize }

// Insert adds (key, value), returning false without mutation if key is
// already present.
func (t *BTree[K, V]) Insert(key K, value V) (bool, error) {
	t.rootMu.Lock()
	if t.rootPageID == page.InvalidID {
		frame, node, err := t.allocateLeaf(page.InvalidID)
		if err != nil {
			t.rootMu.Unlock()
			return false, err
		}
		node.Keys = append(node.Keys, key)
		node.Values = append(node.Values, value)
		t.storeNode(frame, node)
		frame.Unlock()
		if err := t.setRoot(node.PageID); err != nil {
			t.pool.UnpinPage(node.PageID, true)
			t.rootMu.Unlock()
			return false, err
		}
		t.pool.UnpinPage(node.PageID, true)
		t.rootMu.Unlock()
		return true, nil
	}
	root := t.rootPageID
	t.rootMu.Unlock()

	var stack []ancestor[K, V]
	dirty := map[page.ID]bool{}

	frame, node, err := t.loadNode(root)
	if err != nil {
		return false, err
	}
	frame.Lock()

	for !node.IsLeaf() {
		stack = append(stack, ancestor[K, V]{frame: frame, node: node})
		if t.isInternalSafe(node) {
			t.releaseAncestors(stack[:len(stack)-1], dirty)
			stack = stack[len(stack)-1:]
		}
		idx := t.childIndex(node, key)
		childID := node.Children[idx]
		childFrame, childNode, err := t.loadNode(childID)
		if err != nil {
			t.releaseAncestors(stack, dirty)
			return false, err
		}
		childFrame.Lock()
		frame, node = childFrame, childNode
	}
	stack = append(stack, ancestor[K, V]{frame: frame, node: node})
	if t.isLeafSafe(node) {
		t.releaseAncestors(stack[:len(stack)-1], dirty)
		stack = stack[len(stack)-1:]
	}

	leaf := stack[len(stack)-1]
	if t.leafIndex(leaf.node, key) >= 0 {
		t.releaseAncestors(stack, dirty)
		return false, nil
	}

	if !leaf.node.IsFull() {
		idx := t.leafInsertionIndex(leaf.node, key)
		leaf.node.Keys = append(leaf.node.Keys, key)
		copy(leaf.node.Keys[idx+1:], leaf.node.Keys[idx:len(leaf.node.Keys)-1])
		leaf.node.Keys[idx] = key
		leaf.node.Values = append(leaf.node.Values, value)
		copy(leaf.node.Values[idx+1:], leaf.node.Values[idx:len(leaf.node.Values)-1])
		leaf.node.Values[idx] = value
		dirty[leaf.node.PageID] = true
		t.releaseAncestors(stack, dirty)
		return true, nil
	}

	// Leaf is full: split.
	siblingFrame, siblingNode, err := t.allocateLeaf(leaf.node.ParentID)
	if err != nil {
		t.releaseAncestors(stack, dirty)
		return false, err
	}
	t.splitLeafInsert(leaf.node, siblingNode, key, value)
	siblingNode.NextPageID = leaf.node.NextPageID
	leaf.node.NextPageID = siblingNode.PageID

	t.storeNode(leaf.frame, leaf.node)
	leaf.frame.Unlock()
	t.pool.UnpinPage(leaf.node.PageID, true)
	t.storeNode(siblingFrame, siblingNode)
	siblingFrame.Unlock()
	t.pool.UnpinPage(siblingNode.PageID, true)
	if t.metrics != nil {
		t.metrics.Splits.Inc()
	}
	stack = stack[:len(stack)-1]

	promotedKey := siblingNode.Keys[0]
	newChildID := siblingNode.PageID

	for len(stack) > 0 {
		parent := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if !parent.node.IsFull() {
			t.insertInternalSorted(parent.node, promotedKey, newChildID)
			dirty[parent.node.PageID] = true
			t.releaseAncestors(append(stack, parent), dirty)
			return true, nil
		}

		newInternalFrame, newInternalNode, err := t.allocateInternal(parent.node.ParentID)
		if err != nil {
			t.releaseAncestors(append(stack, parent), dirty)
			return false, err
		}
		promoted := t.splitInternalInsert(parent.node, newInternalNode, promotedKey, newChildID)

		t.storeNode(parent.frame, parent.node)
		parent.frame.Unlock()
		t.pool.UnpinPage(parent.node.PageID, true)
		t.storeNode(newInternalFrame, newInternalNode)
		newInternalFrame.Unlock()
		t.pool.UnpinPage(newInternalNode.PageID, true)
		if t.metrics != nil {
			t.metrics.Splits.Inc()
		}

		promotedKey = promoted
		newChildID = newInternalNode.PageID
	}

	// Propagation exhausted the stack: the old root split. Install a new
	// internal root with two children.
	t.rootMu.Lock()
	defer t.rootMu.Unlock()
	newRootFrame, newRootNode, err := t.allocateInternal(page.InvalidID)
	if err != nil {
		return false, err
	}
	var zeroKey K
	newRootNode.Keys = []K{zeroKey, promotedKey}
	newRootNode.Children = []page.ID{root, newChildID}
	t.storeNode(newRootFrame, newRootNode)
	newRootFrame.Unlock()
	if err := t.setRoot(newRootNode.PageID); err != nil {
		t.pool.UnpinPage(newRootNode.PageID, true)
		return false, err
	}
	t.pool.UnpinPage(newRootNode.PageID, true)
	return true, nil
}

// splitLeafInsert partitions left's entries plus (key, value) between left
// and right so each holds MinSize(maxSize) and the remainder respectively.
func (t *BTree[K, V]) splitLeafInsert(left, right *Node[K, V], key K, value V) {
	total := left.Size() + 1
	keys := make([]K, 0, total)
	vals := make([]V, 0, total)
	idx := t.leafInsertionIndex(left, key)
	keys = append(keys, left.Keys[:idx]...)
	keys = append(keys, key)
	keys = append(keys, left.Keys[idx:]...)
	vals = append(vals, left.Values[:idx]...)
	vals = append(vals, value)
	vals = append(vals, left.Values[idx:]...)

	leftCount := MinSize(left.MaxSize)
	left.Keys = append([]K(nil), keys[:leftCount]...)
	left.Values = append([]V(nil), vals[:leftCount]...)
	right.Keys = append(right.Keys, keys[leftCount:]...)
	right.Values = append(right.Values, vals[leftCount:]...)
}

// insertInternalSorted inserts (key, childID) in sorted position among
// n's slots [1, size] during upward propagation of a split.
func (t *BTree[K, V]) insertInternalSorted(n *Node[K, V], key K, childID page.ID) {
	pos := 1 + sort.Search(n.Size()-1, func(i int) bool {
		return t.cmp(n.Keys[1+i], key) > 0
	})
	n.Keys = append(n.Keys, key)
	copy(n.Keys[pos+1:], n.Keys[pos:len(n.Keys)-1])
	n.Keys[pos] = key
	n.Children = append(n.Children, childID)
	copy(n.Children[pos+1:], n.Children[pos:len(n.Children)-1])
	n.Children[pos] = childID
}

// splitInternalInsert partitions n's entries plus (key, childID) between n
// and right, returning the promoted key. The pivot is floor((size+1)/2),
// removed from the lower half.
func (t *BTree[K, V]) splitInternalInsert(n, right *Node[K, V], key K, childID page.ID) K {
	total := n.Size() + 1
	keys := append([]K(nil), n.Keys...)
	children := append([]page.ID(nil), n.Children...)

	pos := 1 + sort.Search(n.Size()-1, func(i int) bool {
		return t.cmp(keys[1+i], key) > 0
	})
	keys = append(keys, key)
	copy(keys[pos+1:], keys[pos:len(keys)-1])
	keys[pos] = key
	children = append(children, childID)
	copy(children[pos+1:], children[pos:len(children)-1])
	children[pos] = childID

	if len(keys) != total {
		panic(fmt.Sprintf("bptree: internal split arithmetic error: got %d want %d", len(keys), total))
	}

	leftCount := MinSize(n.MaxSize)
	promoted := keys[leftCount]

	n.Keys = append([]K(nil), keys[:leftCount]...)
	n.Children = append([]page.ID(nil), children[:leftCount]...)

	var zeroKey K
	right.Keys = append([]K{zeroKey}, keys[leftCount+1:]...)
	right.Children = append([]page.ID{children[leftCount]}, children[leftCount+1:]...)

	return promoted
}
