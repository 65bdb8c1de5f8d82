// Package disk implements the DiskManager contract consumed by the
// buffer pool: fixed-size page reads and writes against a single backing
// file, plus page-id allocation. It performs no caching and no
// interpretation of page contents — that is the buffer pool's and the
// B+ tree's job.
package disk

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/gojodb/storagecore/errs"
	"github.com/gojodb/storagecore/storage/page"
)

// footprint is the on-disk size of one page: the page's data bytes
// followed by a 4-byte CRC-32 (IEEE) trailer. Only the data bytes ever
// reach a caller's buffer; the trailer is written and checked here and
// nowhere else.
const footprint = page.Size + 4

// Manager reads and writes fixed-size pages against a single file,
// extending the file to allocate new page ids. A free list of
// deallocated page ids is reused before the file is extended further.
type Manager struct {
	mu       sync.Mutex
	file     *os.File
	numPages int32
	freeList []page.ID
	log      *zap.Logger
}

// Open opens path for read/write, creating it if it does not exist. The
// number of already-allocated pages is derived from the file's size.
func Open(path string, log *zap.Logger) (*Manager, error) {
	if log == nil {
		log = zap.NewNop()
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", errs.ErrIO, path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: stat %s: %v", errs.ErrIO, path, err)
	}
	numPages := int32(fi.Size() / footprint)
	m := &Manager{file: f, numPages: numPages, log: log.Named("disk")}
	m.log.Debug("opened database file", zap.String("path", path), zap.Int32("num_pages", numPages))
	return m, nil
}

// ReadPage reads the page_size bytes belonging to id into buf, which must
// be exactly page.Size bytes long, and validates the trailing checksum
// written by the last WritePage/AllocatePage for that id.
func (m *Manager) ReadPage(id page.ID, buf []byte) error {
	if id < 0 {
		return errs.ErrInvalidPageID
	}
	if len(buf) != page.Size {
		return fmt.Errorf("%w: buffer is %d bytes, want %d", errs.ErrInvalidPageID, len(buf), page.Size)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	offset := int64(id) * footprint
	var tail [footprint]byte
	n, err := m.file.ReadAt(tail[:], offset)
	if err != nil && err != io.EOF {
		return fmt.Errorf("%w: reading page %d: %v", errs.ErrIO, id, err)
	}
	copy(buf, tail[:page.Size])
	// A page id past the end of the file (never written, not even by
	// AllocatePage, which writes a zeroed page with its trailer) reads
	// back short; treat the remainder as zero-filled rather than failing,
	// and skip the checksum check since there is nothing trustworthy to
	// check it against.
	if n < footprint {
		for i := n; i < page.Size; i++ {
			buf[i] = 0
		}
		return nil
	}
	if want := binary.LittleEndian.Uint32(tail[page.Size:footprint]); want != crc32.ChecksumIEEE(buf) {
		return fmt.Errorf("%w: page %d", errs.ErrChecksumMismatch, id)
	}
	return nil
}

// WritePage writes buf, which must be exactly page.Size bytes, along with
// a freshly computed CRC-32 trailer, to id's location in the file. It
// does not fsync; callers batch durability via Sync.
func (m *Manager) WritePage(id page.ID, buf []byte) error {
	if id < 0 {
		return errs.ErrInvalidPageID
	}
	if len(buf) != page.Size {
		return fmt.Errorf("%w: buffer is %d bytes, want %d", errs.ErrInvalidPageID, len(buf), page.Size)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeLocked(id, buf)
}

func (m *Manager) writeLocked(id page.ID, buf []byte) error {
	var tail [footprint]byte
	copy(tail[:], buf)
	binary.LittleEndian.PutUint32(tail[page.Size:footprint], crc32.ChecksumIEEE(buf))
	offset := int64(id) * footprint
	if _, err := m.file.WriteAt(tail[:], offset); err != nil {
		return fmt.Errorf("%w: writing page %d: %v", errs.ErrIO, id, err)
	}
	return nil
}

// AllocatePage returns a fresh page id, reusing a deallocated one if the
// free list is non-empty, otherwise extending the file by one page.
func (m *Manager) AllocatePage() (page.ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n := len(m.freeList); n > 0 {
		id := m.freeList[n-1]
		m.freeList = m.freeList[:n-1]
		return id, nil
	}
	id := page.ID(m.numPages)
	if err := m.writeLocked(id, make([]byte, page.Size)); err != nil {
		return page.InvalidID, fmt.Errorf("extending file for page %d: %w", id, err)
	}
	m.numPages++
	return id, nil
}

// DeallocatePage returns id to the free list for reuse by a later
// AllocatePage. It does not shrink the file.
func (m *Manager) DeallocatePage(id page.ID) error {
	if id < 0 {
		return errs.ErrInvalidPageID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.freeList = append(m.freeList, id)
	return nil
}

// NumPages reports how many pages have been allocated (including any
// since returned to the free list); it does not shrink on deallocation.
func (m *Manager) NumPages() int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.numPages
}

// Sync flushes the OS file buffers to stable storage.
func (m *Manager) Sync() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.file.Sync()
}

// Close syncs and closes the backing file.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.file.Sync(); err != nil {
		m.log.Warn("sync on close failed", zap.Error(err))
	}
	return m.file.Close()
}
