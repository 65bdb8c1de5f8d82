package bptree

import (
	"errors"

	"github.com/gojodb/storagecore/errs"
	"github.com/gojodb/storagecore/storage/page"
)

// isDeleteSafe reports whether a node can lose one entry without
// underflowing; the root is exempt from min_size.
func (t *BTree[K, V]) isDeleteSafe(n *Node[K, V]) bool {
	if t.isRootNode(n) {
		return true
	}
	return n.Size() > MinSize(n.MaxSize)
}

// isRootNode reports whether n is the tree's current root. A node's
// ParentID is only a hint that splits do not keep up to date, so the
// answer comes from rootPageID instead.
func (t *BTree[K, V]) isRootNode(n *Node[K, V]) bool {
	t.rootMu.Lock()
	defer t.rootMu.Unlock()
	return n.PageID == t.rootPageID
}

// childSlot returns the index of childID within parent's Children array.
func childSlot[K any, V any](parent *Node[K, V], childID page.ID) int {
	for i, c := range parent.Children {
		if c == childID {
			return i
		}
	}
	return -1
}

func removeSlot[K any, V any](n *Node[K, V], idx int) {
	n.Keys = append(n.Keys[:idx], n.Keys[idx+1:]...)
	if n.IsLeaf() {
		n.Values = append(n.Values[:idx], n.Values[idx+1:]...)
		return
	}
	n.Children = append(n.Children[:idx], n.Children[idx+1:]...)
}

// Remove deletes key if present; absent keys are a no-op.
func (t *BTree[K, V]) Remove(key K) error {
	var stack []ancestor[K, V]
	dirty := map[page.ID]bool{}

	frame, node, err := t.loadRoot()
	if errors.Is(err, errs.ErrEmptyTree) {
		return nil
	}
	if err != nil {
		return err
	}
	frame.Lock()

	for !node.IsLeaf() {
		stack = append(stack, ancestor[K, V]{frame: frame, node: node})
		if t.isDeleteSafe(node) {
			t.releaseAncestors(stack[:len(stack)-1], dirty)
			stack = stack[len(stack)-1:]
		}
		idx := t.childIndex(node, key)
		childID := node.Children[idx]
		childFrame, childNode, err := t.loadNode(childID)
		if err != nil {
			t.releaseAncestors(stack, dirty)
			return err
		}
		childFrame.Lock()
		frame, node = childFrame, childNode
	}
	stack = append(stack, ancestor[K, V]{frame: frame, node: node})
	if t.isDeleteSafe(node) {
		t.releaseAncestors(stack[:len(stack)-1], dirty)
		stack = stack[len(stack)-1:]
	}

	leaf := stack[len(stack)-1]
	idx := t.leafIndex(leaf.node, key)
	if idx < 0 {
		t.releaseAncestors(stack, dirty)
		return nil
	}
	removeSlot(leaf.node, idx)
	dirty[leaf.node.PageID] = true

	if t.isRootNode(leaf.node) || leaf.node.Size() >= MinSize(leaf.node.MaxSize) {
		t.releaseAncestors(stack, dirty)
		return nil
	}

	stack = stack[:len(stack)-1]
	return t.rebalanceLeaf(leaf, stack, dirty)
}

// rebalanceLeaf restores leaf's min_size invariant by borrowing from a
// sibling via the parent's child array, or merging with one.
func (t *BTree[K, V]) rebalanceLeaf(child ancestor[K, V], stack []ancestor[K, V], dirty map[page.ID]bool) error {
	parent := stack[len(stack)-1]
	childIdx := childSlot(parent.node, child.node.PageID)

	if childIdx > 0 {
		leftID := parent.node.Children[childIdx-1]
		leftFrame, leftNode, err := t.loadNode(leftID)
		if err != nil {
			t.releaseAncestors(append(stack, child), dirty)
			return err
		}
		leftFrame.Lock()
		if leftNode.Size() > MinSize(leftNode.MaxSize) {
			n := leftNode.Size()
			bk, bv := leftNode.Keys[n-1], leftNode.Values[n-1]
			leftNode.Keys = leftNode.Keys[:n-1]
			leftNode.Values = leftNode.Values[:n-1]
			child.node.Keys = append([]K{bk}, child.node.Keys...)
			child.node.Values = append([]V{bv}, child.node.Values...)
			parent.node.Keys[childIdx] = child.node.Keys[0]

			t.storeNode(leftFrame, leftNode)
			leftFrame.Unlock()
			t.pool.UnpinPage(leftID, true)
			t.storeNode(child.frame, child.node)
			child.frame.Unlock()
			t.pool.UnpinPage(child.node.PageID, true)
			dirty[parent.node.PageID] = true
			if t.metrics != nil {
				t.metrics.Borrows.Inc()
			}
			t.releaseAncestors(stack, dirty)
			return nil
		}
		leftFrame.Unlock()
		t.pool.UnpinPage(leftID, false)
	}

	if childIdx < parent.node.Size()-1 {
		rightID := parent.node.Children[childIdx+1]
		rightFrame, rightNode, err := t.loadNode(rightID)
		if err != nil {
			t.releaseAncestors(append(stack, child), dirty)
			return err
		}
		rightFrame.Lock()
		if rightNode.Size() > MinSize(rightNode.MaxSize) {
			bk, bv := rightNode.Keys[0], rightNode.Values[0]
			rightNode.Keys = rightNode.Keys[1:]
			rightNode.Values = rightNode.Values[1:]
			child.node.Keys = append(child.node.Keys, bk)
			child.node.Values = append(child.node.Values, bv)
			parent.node.Keys[childIdx+1] = rightNode.Keys[0]

			t.storeNode(rightFrame, rightNode)
			rightFrame.Unlock()
			t.pool.UnpinPage(rightID, true)
			t.storeNode(child.frame, child.node)
			child.frame.Unlock()
			t.pool.UnpinPage(child.node.PageID, true)
			dirty[parent.node.PageID] = true
			if t.metrics != nil {
				t.metrics.Borrows.Inc()
			}
			t.releaseAncestors(stack, dirty)
			return nil
		}
		rightFrame.Unlock()
		t.pool.UnpinPage(rightID, false)
	}

	// Merge, preferring the left sibling.
	if childIdx > 0 {
		leftID := parent.node.Children[childIdx-1]
		leftFrame, leftNode, err := t.loadNode(leftID)
		if err != nil {
			t.releaseAncestors(append(stack, child), dirty)
			return err
		}
		leftFrame.Lock()
		leftNode.Keys = append(leftNode.Keys, child.node.Keys...)
		leftNode.Values = append(leftNode.Values, child.node.Values...)
		leftNode.NextPageID = child.node.NextPageID
		t.storeNode(leftFrame, leftNode)
		leftFrame.Unlock()
		t.pool.UnpinPage(leftID, true)

		child.frame.Unlock()
		t.pool.UnpinPage(child.node.PageID, false)
		if _, err := t.pool.DeletePage(child.node.PageID); err != nil {
			t.releaseAncestors(stack, dirty)
			return err
		}
		removeSlot(parent.node, childIdx)
		dirty[parent.node.PageID] = true
		if t.metrics != nil {
			t.metrics.Merges.Inc()
		}
		return t.rebalanceAfterChildRemoval(parent, stack[:len(stack)-1], dirty)
	}

	rightID := parent.node.Children[childIdx+1]
	rightFrame, rightNode, err := t.loadNode(rightID)
	if err != nil {
		t.releaseAncestors(append(stack, child), dirty)
		return err
	}
	rightFrame.Lock()
	child.node.Keys = append(child.node.Keys, rightNode.Keys...)
	child.node.Values = append(child.node.Values, rightNode.Values...)
	child.node.NextPageID = rightNode.NextPageID
	t.storeNode(child.frame, child.node)
	child.frame.Unlock()
	t.pool.UnpinPage(child.node.PageID, true)

	rightFrame.Unlock()
	t.pool.UnpinPage(rightID, false)
	if _, err := t.pool.DeletePage(rightID); err != nil {
		t.releaseAncestors(stack, dirty)
		return err
	}
	removeSlot(parent.node, childIdx+1)
	dirty[parent.node.PageID] = true
	if t.metrics != nil {
		t.metrics.Merges.Inc()
	}
	return t.rebalanceAfterChildRemoval(parent, stack[:len(stack)-1], dirty)
}

// rebalanceAfterChildRemoval is called on an internal node that just lost
// one child slot to a merge below it; it restores the min_size invariant
// (borrow/merge against its own sibling) or, at the root, collapses a
// single-child root into its only child.
func (t *BTree[K, V]) rebalanceAfterChildRemoval(node ancestor[K, V], stack []ancestor[K, V], dirty map[page.ID]bool) error {
	if t.isRootNode(node.node) {
		if node.node.Size() == 1 {
			onlyChild := node.node.Children[0]
			node.frame.Unlock()
			t.pool.UnpinPage(node.node.PageID, false)
			if _, err := t.pool.DeletePage(node.node.PageID); err != nil {
				return err
			}
			t.rootMu.Lock()
			defer t.rootMu.Unlock()
			return t.setRoot(onlyChild)
		}
		t.storeNode(node.frame, node.node)
		node.frame.Unlock()
		t.pool.UnpinPage(node.node.PageID, true)
		return nil
	}

	if node.node.Size() >= MinSize(node.node.MaxSize) {
		t.storeNode(node.frame, node.node)
		node.frame.Unlock()
		t.pool.UnpinPage(node.node.PageID, true)
		t.releaseAncestors(stack, dirty)
		return nil
	}

	grand := stack[len(stack)-1]
	childIdx := childSlot(grand.node, node.node.PageID)

	if childIdx > 0 {
		leftID := grand.node.Children[childIdx-1]
		leftFrame, leftNode, err := t.loadNode(leftID)
		if err != nil {
			t.releaseAncestors(append(stack, node), dirty)
			return err
		}
		leftFrame.Lock()
		if leftNode.Size() > MinSize(leftNode.MaxSize) {
			n := leftNode.Size()
			movedChild := leftNode.Children[n-1]
			movedKey := leftNode.Keys[n-1]
			leftNode.Children = leftNode.Children[:n-1]
			leftNode.Keys = leftNode.Keys[:n-1]

			oldSeparator := grand.node.Keys[childIdx]
			var zeroKey K
			node.node.Children = append([]page.ID{movedChild}, node.node.Children...)
			node.node.Keys = append([]K{zeroKey, oldSeparator}, node.node.Keys[1:]...)
			grand.node.Keys[childIdx] = movedKey

			t.storeNode(leftFrame, leftNode)
			leftFrame.Unlock()
			t.pool.UnpinPage(leftID, true)
			t.storeNode(node.frame, node.node)
			node.frame.Unlock()
			t.pool.UnpinPage(node.node.PageID, true)
			dirty[grand.node.PageID] = true
			if t.metrics != nil {
				t.metrics.Borrows.Inc()
			}
			t.releaseAncestors(stack, dirty)
			return nil
		}
		leftFrame.Unlock()
		t.pool.UnpinPage(leftID, false)
	}

	if childIdx < grand.node.Size()-1 {
		rightID := grand.node.Children[childIdx+1]
		rightFrame, rightNode, err := t.loadNode(rightID)
		if err != nil {
			t.releaseAncestors(append(stack, node), dirty)
			return err
		}
		rightFrame.Lock()
		if rightNode.Size() > MinSize(rightNode.MaxSize) {
			movedChild := rightNode.Children[0]
			movedKey := rightNode.Keys[1]
			oldSeparator := grand.node.Keys[childIdx+1]

			rightNode.Children = rightNode.Children[1:]
			var zeroKey K
			rightNode.Keys = append([]K{zeroKey}, rightNode.Keys[2:]...)

			node.node.Children = append(node.node.Children, movedChild)
			node.node.Keys = append(node.node.Keys, oldSeparator)
			grand.node.Keys[childIdx+1] = movedKey

			t.storeNode(rightFrame, rightNode)
			rightFrame.Unlock()
			t.pool.UnpinPage(rightID, true)
			t.storeNode(node.frame, node.node)
			node.frame.Unlock()
			t.pool.UnpinPage(node.node.PageID, true)
			dirty[grand.node.PageID] = true
			if t.metrics != nil {
				t.metrics.Borrows.Inc()
			}
			t.releaseAncestors(stack, dirty)
			return nil
		}
		rightFrame.Unlock()
		t.pool.UnpinPage(rightID, false)
	}

	// Merge with left or right internal sibling, folding the parent's
	// separator key in between.
	if childIdx > 0 {
		leftID := grand.node.Children[childIdx-1]
		leftFrame, leftNode, err := t.loadNode(leftID)
		if err != nil {
			t.releaseAncestors(append(stack, node), dirty)
			return err
		}
		leftFrame.Lock()
		separator := grand.node.Keys[childIdx]
		leftNode.Keys = append(leftNode.Keys, separator)
		leftNode.Children = append(leftNode.Children, node.node.Children[0])
		leftNode.Keys = append(leftNode.Keys, node.node.Keys[1:]...)
		leftNode.Children = append(leftNode.Children, node.node.Children[1:]...)
		t.storeNode(leftFrame, leftNode)
		leftFrame.Unlock()
		t.pool.UnpinPage(leftID, true)

		node.frame.Unlock()
		t.pool.UnpinPage(node.node.PageID, false)
		if _, err := t.pool.DeletePage(node.node.PageID); err != nil {
			t.releaseAncestors(stack, dirty)
			return err
		}
		removeSlot(grand.node, childIdx)
		dirty[grand.node.PageID] = true
		if t.metrics != nil {
			t.metrics.Merges.Inc()
		}
		return t.rebalanceAfterChildRemoval(grand, stack[:len(stack)-1], dirty)
	}

	rightID := grand.node.Children[childIdx+1]
	rightFrame, rightNode, err := t.loadNode(rightID)
	if err != nil {
		t.releaseAncestors(append(stack, node), dirty)
		return err
	}
	rightFrame.Lock()
	separator := grand.node.Keys[childIdx+1]
	node.node.Keys = append(node.node.Keys, separator)
	node.node.Children = append(node.node.Children, rightNode.Children[0])
	node.node.Keys = append(node.node.Keys, rightNode.Keys[1:]...)
	node.node.Children = append(node.node.Children, rightNode.Children[1:]...)
	t.storeNode(node.frame, node.node)
	node.frame.Unlock()
	t.pool.UnpinPage(node.node.PageID, true)

	rightFrame.Unlock()
	t.pool.UnpinPage(rightID, false)
	if _, err := t.pool.DeletePage(rightID); err != nil {
		t.releaseAncestors(stack, dirty)
		return err
	}
	removeSlot(grand.node, childIdx+1)
	dirty[grand.node.PageID] = true
	if t.metrics != nil {
		t.metrics.Merges.Inc()
	}
	return t.rebalanceAfterChildRemoval(grand, stack[:len(stack)-1], dirty)
}
