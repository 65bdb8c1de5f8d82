package bptree

import (
	"encoding/binary"
	"fmt"

	"github.com/gojodb/storagecore/buffer"
	"github.com/gojodb/storagecore/disk"
	"github.com/gojodb/storagecore/errs"
	"github.com/gojodb/storagecore/storage/page"
)

// Catalog is the header page (page 0): an associative record of
// index_name -> root_page_id, persisted across restarts. It is the only
// state that survives across buffer pool instances; every other page is
// scoped to one tree and one pool.
type Catalog struct {
	pool *buffer.Pool
}

// record layout within page 0: uint32 count, then count repetitions of
// uint16 name_len + name bytes + int32 root_page_id.

// OpenCatalog claims page 0 for the header-page catalog if the database
// file is brand new, so no ordinary NewPage call can ever collide with it.
func OpenCatalog(pool *buffer.Pool, dm *disk.Manager) (*Catalog, error) {
	if dm.NumPages() == 0 {
		id, frame, err := pool.NewPage()
		if err != nil {
			return nil, fmt.Errorf("bootstrapping header page: %w", err)
		}
		if id != page.HeaderPageID {
			return nil, fmt.Errorf("expected header page id %d on empty database, got %d", page.HeaderPageID, id)
		}
		binary.LittleEndian.PutUint32(frame.Data()[0:], 0)
		pool.UnpinPage(id, true)
	}
	return &Catalog{pool: pool}, nil
}

// GetRoot looks up the persisted root page id for indexName.
func (c *Catalog) GetRoot(indexName string) (page.ID, bool, error) {
	frame, err := c.pool.FetchPage(page.HeaderPageID)
	if err != nil {
		return page.InvalidID, false, err
	}
	frame.RLock()
	defer frame.RUnlock()
	defer c.pool.UnpinPage(page.HeaderPageID, false)

	root, ok := findRecord(frame.Data(), indexName)
	return root, ok, nil
}

// PutRoot inserts or updates indexName's persisted root page id.
func (c *Catalog) PutRoot(indexName string, root page.ID) error {
	frame, err := c.pool.FetchPage(page.HeaderPageID)
	if err != nil {
		return err
	}
	frame.Lock()
	defer frame.Unlock()
	defer c.pool.UnpinPage(page.HeaderPageID, true)

	buf := frame.Data()
	count := int(binary.LittleEndian.Uint32(buf[0:]))
	off := 4
	for i := 0; i < count; i++ {
		nlen := int(binary.LittleEndian.Uint16(buf[off:]))
		off += 2
		name := string(buf[off : off+nlen])
		off += nlen
		if name == indexName {
			binary.LittleEndian.PutUint32(buf[off:], uint32(int32(root)))
			return nil
		}
		off += 4
	}

	// Append a new record.
	nameBytes := []byte(indexName)
	need := off + 2 + len(nameBytes) + 4
	if need > len(buf) {
		return fmt.Errorf("%w: header page catalog is full", errs.ErrIO)
	}
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(nameBytes)))
	off += 2
	off += copy(buf[off:], nameBytes)
	binary.LittleEndian.PutUint32(buf[off:], uint32(int32(root)))
	binary.LittleEndian.PutUint32(buf[0:], uint32(count+1))
	return nil
}

// MustGetRoot is GetRoot for callers that require indexName to already be
// registered, such as Open. It reports absence as errs.ErrIndexNotFound
// rather than via a bool.
func (c *Catalog) MustGetRoot(indexName string) (page.ID, error) {
	root, ok, err := c.GetRoot(indexName)
	if err != nil {
		return page.InvalidID, err
	}
	if !ok {
		return page.InvalidID, fmt.Errorf("%w: %s", errs.ErrIndexNotFound, indexName)
	}
	return root, nil
}

// Register inserts a brand-new indexName -> root_page_id record, failing
// with errs.ErrIndexExists if the name is already present. Unlike PutRoot,
// which upserts unconditionally to persist a root change after a split or
// merge, Register is for one-time index creation.
func (c *Catalog) Register(indexName string, root page.ID) error {
	frame, err := c.pool.FetchPage(page.HeaderPageID)
	if err != nil {
		return err
	}
	frame.RLock()
	_, exists := findRecord(frame.Data(), indexName)
	frame.RUnlock()
	c.pool.UnpinPage(page.HeaderPageID, false)
	if exists {
		return fmt.Errorf("%w: %s", errs.ErrIndexExists, indexName)
	}
	return c.PutRoot(indexName, root)
}

func findRecord(buf []byte, indexName string) (page.ID, bool) {
	count := int(binary.LittleEndian.Uint32(buf[0:]))
	off := 4
	for i := 0; i < count; i++ {
		nlen := int(binary.LittleEndian.Uint16(buf[off:]))
		off += 2
		name := string(buf[off : off+nlen])
		off += nlen
		root := page.ID(int32(binary.LittleEndian.Uint32(buf[off:])))
		off += 4
		if name == indexName {
			return root, true
		}
	}
	return page.InvalidID, false
}
