// Package errs collects the sentinel errors returned across the storage
// core. Callers compare against these with errors.Is; the core itself
// never retries on them and leaves the decision to abort to whatever
// layer owns the transaction.
package errs

import "errors"

var (
	// ErrBufferPoolFull is returned by New/Fetch when no frame is free and
	// the replacer has nothing evictable.
	ErrBufferPoolFull = errors.New("buffer pool: no frame available for eviction")
	// ErrPageNotFound is returned by Unpin/Flush for a page id that has no
	// resident frame.
	ErrPageNotFound = errors.New("buffer pool: page not resident")
	// ErrPageNotPinned is returned by Unpin when the page's pin count is
	// already zero.
	ErrPageNotPinned = errors.New("buffer pool: page has pin count zero")
	// ErrPagePinned is returned by Delete when the page is still pinned.
	ErrPagePinned = errors.New("buffer pool: page is pinned, cannot delete")

	// ErrIO wraps failures surfaced by the disk manager.
	ErrIO = errors.New("disk manager: i/o failure")
	// ErrChecksumMismatch indicates a page failed its on-disk checksum.
	ErrChecksumMismatch = errors.New("disk manager: page checksum mismatch")
	// ErrInvalidPageID is returned by ReadPage/WritePage/DeallocatePage
	// for a negative page id, and by ReadPage/WritePage for a buffer that
	// is not exactly one page long. Ids past the last allocated page are
	// not rejected.
	ErrInvalidPageID = errors.New("disk manager: invalid page id")

	// ErrEmptyTree is returned internally when descent is attempted on an
	// index with no root page; Get, Remove and the iterator's begin all
	// catch it and report absence their own way rather than surfacing it.
	ErrEmptyTree = errors.New("bptree: tree is empty")
	// ErrIteratorExhausted is returned by iterator accessors once the
	// iterator has advanced past the last entry.
	ErrIteratorExhausted = errors.New("bptree: iterator exhausted")
	// ErrIndexNotFound is returned by the header-page catalog for an
	// unregistered index name.
	ErrIndexNotFound = errors.New("header page: index not found")
	// ErrIndexExists is returned by the header-page catalog when
	// registering a name that is already present.
	ErrIndexExists = errors.New("header page: index already registered")
)
