package bptree

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gojodb/storagecore/buffer"
	"github.com/gojodb/storagecore/disk"
	"github.com/gojodb/storagecore/errs"
)

func newTestCatalog(t *testing.T) (*buffer.Pool, *Catalog) {
	t.Helper()
	dm, err := disk.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dm.Close() })

	pool := buffer.New(64, 2, dm, nil)
	cat, err := OpenCatalog(pool, dm)
	require.NoError(t, err)
	return pool, cat
}

func TestOpenRejectsUnregisteredIndex(t *testing.T) {
	pool, cat := newTestCatalog(t)
	_, err := Open[int64, RID](pool, cat, "missing", Int64Comparator, Int64RIDCodec(), 4, 4)
	require.ErrorIs(t, err, errs.ErrIndexNotFound)
}

func TestCreateThenOpenRoundTrips(t *testing.T) {
	pool, cat := newTestCatalog(t)
	created, err := Create[int64, RID](pool, cat, "orders", Int64Comparator, Int64RIDCodec(), 4, 4)
	require.NoError(t, err)

	_, err = created.Insert(int64(1), rid(1))
	require.NoError(t, err)

	opened, err := Open[int64, RID](pool, cat, "orders", Int64Comparator, Int64RIDCodec(), 4, 4)
	require.NoError(t, err)
	v, found, err := opened.Get(int64(1))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, rid(1), v)
}

func TestCreateRejectsDuplicateName(t *testing.T) {
	pool, cat := newTestCatalog(t)
	_, err := Create[int64, RID](pool, cat, "orders", Int64Comparator, Int64RIDCodec(), 4, 4)
	require.NoError(t, err)

	_, err = Create[int64, RID](pool, cat, "orders", Int64Comparator, Int64RIDCodec(), 4, 4)
	require.ErrorIs(t, err, errs.ErrIndexExists)
}
