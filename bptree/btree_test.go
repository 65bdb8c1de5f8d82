package bptree

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gojodb/storagecore/buffer"
	"github.com/gojodb/storagecore/disk"
	"github.com/gojodb/storagecore/errs"
)

func newTestTree(t *testing.T, leafMax, internalMax int) *BTree[int64, RID] {
	t.Helper()
	dm, err := disk.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dm.Close() })

	pool := buffer.New(64, 2, dm, nil)
	cat, err := OpenCatalog(pool, dm)
	require.NoError(t, err)

	tree, err := New[int64, RID](pool, cat, "test_index", Int64Comparator, Int64RIDCodec(), leafMax, internalMax)
	require.NoError(t, err)
	return tree
}

func rid(k int64) RID { return RID{PageID: int32(k), SlotNum: 0} }

func collectLeafKeys(t *testing.T, tree *BTree[int64, RID]) []int64 {
	t.Helper()
	it, err := tree.Begin()
	require.NoError(t, err)
	var keys []int64
	for it.Valid() {
		k, err := it.Key()
		require.NoError(t, err)
		keys = append(keys, k)
		require.NoError(t, it.Next())
	}
	return keys
}

// Builds the expected split shape after inserting keys 1..5.
func TestInsertBuildsExpectedSplitShape(t *testing.T) {
	tree := newTestTree(t, 4, 4)
	for k := int64(1); k <= 5; k++ {
		ok, err := tree.Insert(k, rid(k))
		require.NoError(t, err)
		require.True(t, ok)
	}

	_, root, err := tree.loadNode(tree.RootPageID())
	require.NoError(t, err)
	require.False(t, root.IsLeaf())
	require.Equal(t, 2, root.Size())
	require.Equal(t, int64(3), root.Keys[1])
	tree.pool.UnpinPage(root.PageID, false)

	_, left, err := tree.loadNode(root.Children[0])
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2}, left.Keys)
	tree.pool.UnpinPage(left.PageID, false)

	_, right, err := tree.loadNode(root.Children[1])
	require.NoError(t, err)
	require.Equal(t, []int64{3, 4, 5}, right.Keys)
	tree.pool.UnpinPage(right.PageID, false)
}

// Deletion that rebalances by borrowing from the right sibling.
func TestDeleteBorrowsFromRightSibling(t *testing.T) {
	tree := newTestTree(t, 4, 4)
	for k := int64(1); k <= 5; k++ {
		_, err := tree.Insert(k, rid(k))
		require.NoError(t, err)
	}

	require.NoError(t, tree.Remove(1))

	_, root, err := tree.loadNode(tree.RootPageID())
	require.NoError(t, err)
	require.Equal(t, int64(4), root.Keys[1])
	tree.pool.UnpinPage(root.PageID, false)

	_, left, err := tree.loadNode(root.Children[0])
	require.NoError(t, err)
	require.Equal(t, []int64{2, 3}, left.Keys)
	tree.pool.UnpinPage(left.PageID, false)

	_, right, err := tree.loadNode(root.Children[1])
	require.NoError(t, err)
	require.Equal(t, []int64{4, 5}, right.Keys)
	tree.pool.UnpinPage(right.PageID, false)
}

// Deletion that merges siblings and collapses the root.
func TestDeleteMergeCollapsesRoot(t *testing.T) {
	tree := newTestTree(t, 4, 4)
	for k := int64(1); k <= 5; k++ {
		_, err := tree.Insert(k, rid(k))
		require.NoError(t, err)
	}

	require.NoError(t, tree.Remove(1))
	require.NoError(t, tree.Remove(2))

	_, root, err := tree.loadNode(tree.RootPageID())
	require.NoError(t, err)
	require.True(t, root.IsLeaf())
	require.Equal(t, []int64{3, 4, 5}, root.Keys)
	tree.pool.UnpinPage(root.PageID, false)
}

func TestExhaustedIteratorReportsError(t *testing.T) {
	tree := newTestTree(t, 4, 4)
	_, err := tree.Insert(int64(1), rid(1))
	require.NoError(t, err)

	it, err := tree.Begin()
	require.NoError(t, err)
	require.NoError(t, it.Next())
	require.False(t, it.Valid())

	_, err = it.Key()
	require.ErrorIs(t, err, errs.ErrIteratorExhausted)
	_, err = it.Value()
	require.ErrorIs(t, err, errs.ErrIteratorExhausted)
}

// Range iteration starting mid-tree.
func TestRangeIteratorFromKey(t *testing.T) {
	tree := newTestTree(t, 4, 4)
	for k := int64(1); k <= 5; k++ {
		_, err := tree.Insert(k, rid(k))
		require.NoError(t, err)
	}

	it, err := tree.BeginAt(2)
	require.NoError(t, err)
	var got []int64
	for it.Valid() {
		k, err := it.Key()
		require.NoError(t, err)
		got = append(got, k)
		require.NoError(t, it.Next())
	}
	require.Equal(t, []int64{2, 3, 4, 5}, got)
}

func TestInsertLookupRoundTrip(t *testing.T) {
	tree := newTestTree(t, 4, 4)
	ok, err := tree.Insert(int64(42), rid(42))
	require.NoError(t, err)
	require.True(t, ok)

	v, found, err := tree.Get(42)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, rid(42), v)

	require.NoError(t, tree.Remove(42))
	_, found, err = tree.Get(42)
	require.NoError(t, err)
	require.False(t, found)
}

func TestNewFromConfigMatchesNew(t *testing.T) {
	dm, err := disk.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dm.Close() })

	pool := buffer.New(64, 2, dm, nil)
	cat, err := OpenCatalog(pool, dm)
	require.NoError(t, err)

	tree, err := NewFromConfig[int64, RID](pool, cat, "from_config", Int64Comparator, Int64RIDCodec(), Config{LeafMaxSize: 4, InternalMaxSize: 4})
	require.NoError(t, err)

	ok, err := tree.Insert(1, rid(1))
	require.NoError(t, err)
	require.True(t, ok)
}

func TestDuplicateInsertReturnsFalse(t *testing.T) {
	tree := newTestTree(t, 4, 4)
	ok, err := tree.Insert(int64(1), rid(1))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = tree.Insert(int64(1), rid(99))
	require.NoError(t, err)
	require.False(t, ok)

	v, found, err := tree.Get(1)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, rid(1), v, "duplicate insert must not mutate the existing value")
}

func TestDeleteThenLookupLeavesOtherKeysUnaffected(t *testing.T) {
	tree := newTestTree(t, 4, 4)
	for k := int64(1); k <= 5; k++ {
		_, err := tree.Insert(k, rid(k))
		require.NoError(t, err)
	}
	require.NoError(t, tree.Remove(3))

	_, found, err := tree.Get(3)
	require.NoError(t, err)
	require.False(t, found)

	for _, k := range []int64{1, 2, 4, 5} {
		v, found, err := tree.Get(k)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, rid(k), v)
	}
}

func TestRemoveOfAbsentKeyIsNoop(t *testing.T) {
	tree := newTestTree(t, 4, 4)
	_, err := tree.Insert(int64(1), rid(1))
	require.NoError(t, err)
	require.NoError(t, tree.Remove(99))

	v, found, err := tree.Get(1)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, rid(1), v)
}

func TestIteratorExhaustivenessOverManyKeys(t *testing.T) {
	tree := newTestTree(t, 4, 4)
	const n = 50
	for k := int64(0); k < n; k++ {
		_, err := tree.Insert(k, rid(k))
		require.NoError(t, err)
	}

	keys := collectLeafKeys(t, tree)
	require.Len(t, keys, n)
	for i, k := range keys {
		require.Equal(t, int64(i), k)
	}
}

func TestInsertThenDeleteAllKeysLeavesEmptyTree(t *testing.T) {
	tree := newTestTree(t, 4, 4)
	const n = 40
	for k := int64(0); k < n; k++ {
		_, err := tree.Insert(k, rid(k))
		require.NoError(t, err)
	}
	for k := int64(0); k < n; k++ {
		require.NoError(t, tree.Remove(k))
	}
	for k := int64(0); k < n; k++ {
		_, found, err := tree.Get(k)
		require.NoError(t, err)
		require.False(t, found)
	}
}

func TestPersistedRootSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	dm, err := disk.Open(path, nil)
	require.NoError(t, err)

	pool := buffer.New(64, 2, dm, nil)
	cat, err := OpenCatalog(pool, dm)
	require.NoError(t, err)
	tree, err := New[int64, RID](pool, cat, "persisted", Int64Comparator, Int64RIDCodec(), 4, 4)
	require.NoError(t, err)
	for k := int64(1); k <= 5; k++ {
		_, err := tree.Insert(k, rid(k))
		require.NoError(t, err)
	}
	pool.FlushAllPages()
	require.NoError(t, dm.Close())

	dm2, err := disk.Open(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dm2.Close() })
	pool2 := buffer.New(64, 2, dm2, nil)
	cat2, err := OpenCatalog(pool2, dm2)
	require.NoError(t, err)
	tree2, err := New[int64, RID](pool2, cat2, "persisted", Int64Comparator, Int64RIDCodec(), 4, 4)
	require.NoError(t, err)

	v, found, err := tree2.Get(4)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, rid(4), v)
}
