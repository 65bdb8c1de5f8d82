// Package buffer implements the buffer pool manager: a fixed array of
// frames backed by a free list, an extendible-hash directory table, and
// an LRU-K replacer, mediating every access between callers and the disk
// manager.
//
// Unpin only ever sets the dirty bit and never force-flushes; flushing
// happens on eviction or an explicit FlushPage. Delete reports true on
// success.
package buffer

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/gojodb/storagecore/disk"
	"github.com/gojodb/storagecore/errs"
	"github.com/gojodb/storagecore/exthash"
	"github.com/gojodb/storagecore/pkg/metrics"
	"github.com/gojodb/storagecore/replacer"
	"github.com/gojodb/storagecore/storage/page"
)

func hashPageID(id page.ID) uint64 { return uint64(uint32(id)) * 2654435761 }

// Pool owns the frame array and mediates all buffer-pool-level state:
// the directory table, the free list, the replacer, and per-frame pin
// counts and dirty bits. Per-page read/write latches are NOT held here;
// callers acquire page.Frame's latch themselves after a successful
// New/Fetch and release it before Unpin.
type Pool struct {
	mu sync.Mutex

	frames   []*page.Frame
	freeList []page.FrameID
	table    *exthash.Table[page.ID, page.FrameID]
	replacer *replacer.LRUK
	disk     *disk.Manager

	log     *zap.Logger
	metrics *metrics.BufferPool
}

// Option configures an optional dependency on Pool construction.
type Option func(*Pool)

// WithMetrics attaches a Prometheus collector set to the pool.
func WithMetrics(m *metrics.BufferPool) Option {
	return func(p *Pool) { p.metrics = m }
}

// Config is the plain, serializable shape of Pool's two required tuning
// parameters, carrying yaml tags in the same style as pkg/logger.Config so
// an embedding service can decode it from a config file without this
// package importing a YAML library itself.
type Config struct {
	// PoolSize is the fixed number of frames the pool holds resident.
	PoolSize int `yaml:"pool_size"`
	// ReplacerK is the K parameter of the LRU-K replacer.
	ReplacerK int `yaml:"replacer_k"`
}

// New constructs a pool of poolSize frames over dm, evicting via an
// LRU-K replacer with the given K.
func New(poolSize int, replacerK int, dm *disk.Manager, log *zap.Logger, opts ...Option) *Pool {
	if log == nil {
		log = zap.NewNop()
	}
	p := &Pool{
		frames:   make([]*page.Frame, poolSize),
		freeList: make([]page.FrameID, poolSize),
		table:    exthash.New[page.ID, page.FrameID](4, hashPageID),
		replacer: replacer.New(replacerK),
		disk:     dm,
		log:      log.Named("buffer"),
	}
	for i := 0; i < poolSize; i++ {
		p.frames[i] = page.NewFrame()
		p.freeList[i] = page.FrameID(i)
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewFromConfig is New, taking its tuning parameters from a Config value
// decoded by the caller.
func NewFromConfig(cfg Config, dm *disk.Manager, log *zap.Logger, opts ...Option) *Pool {
	return New(cfg.PoolSize, cfg.ReplacerK, dm, log, opts...)
}

// getFrame returns a frame ready to take on a page, preferring the free
// list and falling back to eviction. The caller must hold p.mu.
func (p *Pool) getFrame() (page.FrameID, error) {
	if n := len(p.freeList); n > 0 {
		fid := p.freeList[n-1]
		p.freeList = p.freeList[:n-1]
		return fid, nil
	}

	fid, ok := p.replacer.Evict()
	if !ok {
		return 0, errs.ErrBufferPoolFull
	}
	victim := p.frames[fid]
	if victim.Dirty() && victim.ID() != page.InvalidID {
		if err := p.disk.WritePage(victim.ID(), victim.Data()); err != nil {
			return 0, fmt.Errorf("evicting frame %d: %w", fid, err)
		}
		if p.metrics != nil {
			p.metrics.Flushes.Inc()
		}
	}
	if victim.ID() != page.InvalidID {
		p.table.Remove(victim.ID())
	}
	victim.Reset()
	if p.metrics != nil {
		p.metrics.Evictions.Inc()
	}
	return fid, nil
}

// NewPage allocates a fresh page id, installs it in a pinned, non-
// evictable frame, and returns it.
func (p *Pool) NewPage() (page.ID, *page.Frame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fid, err := p.getFrame()
	if err != nil {
		p.log.Debug("new_page: pool exhausted", zap.Error(err))
		return page.InvalidID, nil, err
	}
	id, err := p.disk.AllocatePage()
	if err != nil {
		p.freeList = append(p.freeList, fid)
		return page.InvalidID, nil, err
	}

	frame := p.frames[fid]
	frame.SetID(id)
	p.table.Insert(id, fid)
	p.replacer.RecordAccess(fid)
	p.replacer.SetEvictable(fid, false)
	frame.Pin()
	if p.metrics != nil {
		p.metrics.PinnedNow.Inc()
	}

	p.log.Debug("new_page", zap.Int32("page_id", int32(id)), zap.Int32("frame_id", int32(fid)))
	return id, frame, nil
}

// FetchPage returns the pinned frame holding id, reading it from disk on
// a miss.
func (p *Pool) FetchPage(id page.ID) (*page.Frame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if fid, ok := p.table.Find(id); ok {
		frame := p.frames[fid]
		frame.Pin()
		p.replacer.RecordAccess(fid)
		p.replacer.SetEvictable(fid, false)
		if p.metrics != nil {
			p.metrics.Hits.Inc()
			p.metrics.PinnedNow.Inc()
		}
		return frame, nil
	}

	fid, err := p.getFrame()
	if err != nil {
		return nil, err
	}
	frame := p.frames[fid]
	if err := p.disk.ReadPage(id, frame.Data()); err != nil {
		p.freeList = append(p.freeList, fid)
		return nil, err
	}
	frame.SetID(id)
	p.table.Insert(id, fid)
	p.replacer.RecordAccess(fid)
	p.replacer.SetEvictable(fid, false)
	frame.Pin()
	if p.metrics != nil {
		p.metrics.Misses.Inc()
		p.metrics.PinnedNow.Inc()
	}

	p.log.Debug("fetch_page: loaded from disk", zap.Int32("page_id", int32(id)), zap.Int32("frame_id", int32(fid)))
	return frame, nil
}

// UnpinPage decrements id's pin count, ORing dirty into the frame's
// dirty bit (never clearing it) and marking the frame evictable once the
// pin count reaches zero. It returns errs.ErrPageNotFound if id is not
// resident, or errs.ErrPageNotPinned if it was already unpinned to zero.
func (p *Pool) UnpinPage(id page.ID, dirty bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	fid, ok := p.table.Find(id)
	if !ok {
		return errs.ErrPageNotFound
	}
	frame := p.frames[fid]
	if dirty {
		frame.SetDirty(true)
	}
	if !frame.Unpin() {
		p.log.Warn("unpin_page: pin count already zero", zap.Int32("page_id", int32(id)))
		return errs.ErrPageNotPinned
	}
	if p.metrics != nil {
		p.metrics.PinnedNow.Dec()
	}
	if frame.PinCount() == 0 {
		p.replacer.SetEvictable(fid, true)
	}
	return nil
}

// FlushPage writes id's frame through the disk manager and clears its
// dirty bit, regardless of pin count. It returns errs.ErrPageNotFound if
// id is not resident.
func (p *Pool) FlushPage(id page.ID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flushLocked(id)
}

func (p *Pool) flushLocked(id page.ID) error {
	fid, ok := p.table.Find(id)
	if !ok {
		return errs.ErrPageNotFound
	}
	frame := p.frames[fid]
	if err := p.disk.WritePage(id, frame.Data()); err != nil {
		p.log.Warn("flush_page failed", zap.Int32("page_id", int32(id)), zap.Error(err))
		return err
	}
	frame.ClearDirty()
	if p.metrics != nil {
		p.metrics.Flushes.Inc()
	}
	return nil
}

// FlushAllPages writes every resident frame with a valid page id.
func (p *Pool) FlushAllPages() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, f := range p.frames {
		if f.ID() != page.InvalidID {
			if err := p.flushLocked(f.ID()); err != nil {
				p.log.Warn("flush_all_pages: one page failed", zap.Int32("page_id", int32(f.ID())), zap.Error(err))
			}
		}
	}
}

// DeletePage evicts id from the pool and deallocates it on disk,
// returning true on success. An id that is not resident is reported as
// deleted (true) without any disk call. It fails (false) with
// errs.ErrPagePinned if id is pinned, or with the disk manager's error if
// deallocation fails.
func (p *Pool) DeletePage(id page.ID) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fid, ok := p.table.Find(id)
	if !ok {
		return true, nil
	}
	frame := p.frames[fid]
	if frame.PinCount() > 0 {
		return false, errs.ErrPagePinned
	}

	p.replacer.Remove(fid)
	p.table.Remove(id)
	frame.Reset()
	p.freeList = append(p.freeList, fid)

	if err := p.disk.DeallocatePage(id); err != nil {
		return false, err
	}
	return true, nil
}
