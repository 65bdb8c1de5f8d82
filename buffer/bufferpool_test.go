package buffer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gojodb/storagecore/disk"
	"github.com/gojodb/storagecore/errs"
	"github.com/gojodb/storagecore/pkg/logger"
	"github.com/gojodb/storagecore/storage/page"
)

func newTestPool(t *testing.T, poolSize, k int) *Pool {
	t.Helper()
	dm, err := disk.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dm.Close() })
	return New(poolSize, k, dm, nil)
}

// Exhausting a small pool, then recovering after an unpin.
func TestNewPageExhaustionAndRecovery(t *testing.T) {
	p := newTestPool(t, 3, 2)

	var ids []page.ID
	for i := 0; i < 3; i++ {
		id, frame, err := p.NewPage()
		require.NoError(t, err)
		require.NotNil(t, frame)
		ids = append(ids, id)
	}
	require.Equal(t, []page.ID{0, 1, 2}, ids)

	_, _, err := p.NewPage()
	require.ErrorIs(t, err, errs.ErrBufferPoolFull)

	require.NoError(t, p.UnpinPage(ids[0], false))

	id, frame, err := p.NewPage()
	require.NoError(t, err)
	require.NotNil(t, frame)
	require.Equal(t, page.ID(3), id)
}

func TestUnpinNonResidentPageFails(t *testing.T) {
	p := newTestPool(t, 2, 2)
	require.ErrorIs(t, p.UnpinPage(page.ID(99), false), errs.ErrPageNotFound)
}

func TestUnpinBelowZeroFails(t *testing.T) {
	p := newTestPool(t, 2, 2)
	id, _, err := p.NewPage()
	require.NoError(t, err)
	require.NoError(t, p.UnpinPage(id, false))
	require.ErrorIs(t, p.UnpinPage(id, false), errs.ErrPageNotPinned)
}

func TestUnpinDirtyNeverClearsOnSubsequentCleanUnpin(t *testing.T) {
	p := newTestPool(t, 2, 2)
	id, frame, err := p.NewPage()
	require.NoError(t, err)
	frame.Pin() // second pin, so two unpins needed to reach zero
	require.NoError(t, p.UnpinPage(id, true))
	require.True(t, frame.Dirty())
	require.NoError(t, p.UnpinPage(id, false))
	require.True(t, frame.Dirty(), "dirty bit must never be cleared by unpin, only by flush")
}

func TestFetchPageHitsExistingFrame(t *testing.T) {
	p := newTestPool(t, 2, 2)
	id, frame, err := p.NewPage()
	require.NoError(t, err)
	copy(frame.Data(), []byte("payload"))
	require.NoError(t, p.UnpinPage(id, true))

	fetched, err := p.FetchPage(id)
	require.NoError(t, err)
	require.Same(t, frame, fetched)
	require.Equal(t, byte('p'), fetched.Data()[0])
	require.NoError(t, p.UnpinPage(id, false))
}

func TestFetchPageMissReadsFromDisk(t *testing.T) {
	p := newTestPool(t, 1, 2)
	id, frame, err := p.NewPage()
	require.NoError(t, err)
	copy(frame.Data(), []byte("on-disk"))
	require.NoError(t, p.FlushPage(id))
	require.NoError(t, p.UnpinPage(id, false))

	// Force eviction by allocating a second page into the single frame.
	id2, frame2, err := p.NewPage()
	require.NoError(t, err)
	require.NoError(t, p.UnpinPage(id2, false))
	_ = frame2

	refetched, err := p.FetchPage(id)
	require.NoError(t, err)
	require.Equal(t, []byte("on-disk"), refetched.Data()[:7])
	require.NoError(t, p.UnpinPage(id, false))
}

func TestFlushNonResidentPageFails(t *testing.T) {
	p := newTestPool(t, 2, 2)
	require.ErrorIs(t, p.FlushPage(page.ID(99)), errs.ErrPageNotFound)
}

func TestDeletePagePinnedFails(t *testing.T) {
	p := newTestPool(t, 2, 2)
	id, _, err := p.NewPage()
	require.NoError(t, err)
	ok, err := p.DeletePage(id)
	require.False(t, ok)
	require.ErrorIs(t, err, errs.ErrPagePinned)
}

func TestDeletePageSucceedsWhenUnpinned(t *testing.T) {
	p := newTestPool(t, 2, 2)
	id, _, err := p.NewPage()
	require.NoError(t, err)
	require.NoError(t, p.UnpinPage(id, false))

	ok, err := p.DeletePage(id)
	require.NoError(t, err)
	require.True(t, ok, "delete_page must return true on success")
}

func TestFlushAllPagesClearsDirtyBits(t *testing.T) {
	p := newTestPool(t, 3, 2)
	var ids []page.ID
	for i := 0; i < 3; i++ {
		id, frame, err := p.NewPage()
		require.NoError(t, err)
		copy(frame.Data(), []byte{byte(i)})
		require.NoError(t, p.UnpinPage(id, true))
		ids = append(ids, id)
	}
	p.FlushAllPages()
	for _, id := range ids {
		fid, ok := p.table.Find(id)
		require.True(t, ok)
		require.False(t, p.frames[fid].Dirty())
	}
}

func TestNewFromConfigMatchesNew(t *testing.T) {
	dm, err := disk.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dm.Close() })

	p := NewFromConfig(Config{PoolSize: 2, ReplacerK: 2}, dm, nil)
	id, frame, err := p.NewPage()
	require.NoError(t, err)
	require.NotNil(t, frame)
	require.NoError(t, p.UnpinPage(id, false))
}

// TestPoolLogsThroughConfiguredLogger exercises pkg/logger end to end: a
// pool built with a real logger.New logger (rather than the nil/no-op
// default every other test uses) must still log its routine page traffic
// at debug level to the configured file.
func TestPoolLogsThroughConfiguredLogger(t *testing.T) {
	dm, err := disk.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dm.Close() })

	logPath := filepath.Join(t.TempDir(), "buffer.log")
	log, err := logger.New(logger.Config{Level: "debug", Format: "json", OutputFile: logPath})
	require.NoError(t, err)

	p := New(2, 2, dm, log)
	id, _, err := p.NewPage()
	require.NoError(t, err)
	require.NoError(t, p.UnpinPage(id, false))
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	require.Contains(t, string(data), "new_page")
}

func TestEvictionPrefersLowAccessCountFrame(t *testing.T) {
	// pool of 2, k=2: fill both, access frame for page 0 a second time so
	// only page 1's frame has counter < k and must be evicted first.
	p := newTestPool(t, 2, 2)
	id0, _, err := p.NewPage()
	require.NoError(t, err)
	require.NoError(t, p.UnpinPage(id0, false))
	id1, _, err := p.NewPage()
	require.NoError(t, err)
	require.NoError(t, p.UnpinPage(id1, false))

	_, err = p.FetchPage(id0)
	require.NoError(t, err)
	require.NoError(t, p.UnpinPage(id0, false))

	id2, frame2, err := p.NewPage()
	require.NoError(t, err)
	require.NoError(t, err)
	require.NotNil(t, frame2)

	// id1's frame should have been evicted, id0's should still be resident.
	_, ok := p.table.Find(id1)
	require.False(t, ok)
	_, ok = p.table.Find(id0)
	require.True(t, ok)
	require.NoError(t, p.UnpinPage(id2, false))
}
