package bptree

import (
	"errors"
	"fmt"

	"github.com/gojodb/storagecore/errs"
	"github.com/gojodb/storagecore/storage/page"
)

// Iterator is a forward range iterator holding a pinned, read-latched
// leaf page and a position within it. It is not safe for use by more
// than one goroutine, and it is not mutation-safe against concurrent
// writers beyond the leaf it currently holds.
type Iterator[K any, V any] struct {
	t     *BTree[K, V]
	frame *page.Frame
	node  *Node[K, V]
	idx   int
	done  bool
}

// Begin returns an iterator positioned at the first entry of the
// leftmost leaf.
func (t *BTree[K, V]) Begin() (*Iterator[K, V], error) {
	return t.begin(nil)
}

// BeginAt returns an iterator positioned at the first entry >= key.
func (t *BTree[K, V]) BeginAt(key K) (*Iterator[K, V], error) {
	return t.begin(&key)
}

// End returns the end sentinel: an iterator with nothing positioned.
func (t *BTree[K, V]) End() *Iterator[K, V] {
	return &Iterator[K, V]{t: t, done: true}
}

func (t *BTree[K, V]) begin(key *K) (*Iterator[K, V], error) {
	frame, node, err := t.loadRoot()
	if errors.Is(err, errs.ErrEmptyTree) {
		return &Iterator[K, V]{t: t, done: true}, nil
	}
	if err != nil {
		return nil, err
	}
	frame.RLock()

	for !node.IsLeaf() {
		var idx int
		if key != nil {
			idx = t.childIndex(node, *key)
		}
		childID := node.Children[idx]
		childFrame, childNode, err := t.loadNode(childID)
		if err != nil {
			frame.RUnlock()
			t.pool.UnpinPage(node.PageID, false)
			return nil, err
		}
		childFrame.RLock()
		frame.RUnlock()
		t.pool.UnpinPage(node.PageID, false)
		frame, node = childFrame, childNode
	}

	idx := 0
	if key != nil {
		idx = t.leafInsertionIndex(node, *key)
	}
	it := &Iterator[K, V]{t: t, frame: frame, node: node, idx: idx}
	if idx >= node.Size() {
		if err := it.advanceLeaf(); err != nil {
			return nil, err
		}
	}
	return it, nil
}

// Valid reports whether the iterator is positioned at an entry.
func (it *Iterator[K, V]) Valid() bool { return !it.done }

// Key returns the key at the iterator's current position, or
// errs.ErrIteratorExhausted once the iterator has advanced past the last
// entry.
func (it *Iterator[K, V]) Key() (K, error) {
	if it.done {
		var zero K
		return zero, fmt.Errorf("%w", errs.ErrIteratorExhausted)
	}
	return it.node.Keys[it.idx], nil
}

// Value returns the value at the iterator's current position, or
// errs.ErrIteratorExhausted once the iterator has advanced past the last
// entry.
func (it *Iterator[K, V]) Value() (V, error) {
	if it.done {
		var zero V
		return zero, fmt.Errorf("%w", errs.ErrIteratorExhausted)
	}
	return it.node.Values[it.idx], nil
}

// Next advances the iterator by one entry.
func (it *Iterator[K, V]) Next() error {
	if it.done {
		return nil
	}
	it.idx++
	if it.idx < it.node.Size() {
		return nil
	}
	return it.advanceLeaf()
}

// advanceLeaf moves to the next leaf via next_page_id, or to the end
// sentinel if none remains.
func (it *Iterator[K, V]) advanceLeaf() error {
	next := it.node.NextPageID
	it.frame.RUnlock()
	it.t.pool.UnpinPage(it.node.PageID, false)
	it.frame, it.node = nil, nil

	if next == page.InvalidID {
		it.done = true
		return nil
	}
	frame, node, err := it.t.loadNode(next)
	if err != nil {
		return err
	}
	frame.RLock()
	it.frame, it.node, it.idx = frame, node, 0
	if node.Size() == 0 {
		return it.advanceLeaf()
	}
	return nil
}

// Close releases the iterator's held latch and pin, if any. Safe to call
// more than once or after the iterator is already exhausted.
func (it *Iterator[K, V]) Close() {
	if it.done || it.frame == nil {
		return
	}
	it.frame.RUnlock()
	it.t.pool.UnpinPage(it.node.PageID, false)
	it.done = true
	it.frame, it.node = nil, nil
}
