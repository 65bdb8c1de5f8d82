// Package replacer implements the LRU-K frame eviction policy: frames
// accessed fewer than K times are evicted in classical FIFO order ahead
// of any frame with K or more accesses, which is instead evicted by the
// time of its K-th-most-recent access.
//
// A history queue holds frames below the K threshold and a cache queue
// holds frames at or above it, both modelled as doubly linked lists so
// access-time rewrites and bulk removal stay cheap.
package replacer

import (
	"container/list"
	"sync"

	"github.com/gojodb/storagecore/storage/page"
)

// LRUK is a two-tier LRU-K replacer over frame ids. It places no bound
// on which frame ids it tracks.
type LRUK struct {
	mu sync.Mutex

	k        int
	currSize int

	history *list.List // entries for frames with counter < k
	cache   *list.List // one entry per frame with counter >= k

	historyElems map[page.FrameID][]*list.Element
	cacheElem    map[page.FrameID]*list.Element
	counter      map[page.FrameID]int
	evictable    map[page.FrameID]bool
}

// New constructs a replacer that promotes a frame to the cache queue
// after its k-th recorded access.
func New(k int) *LRUK {
	if k < 1 {
		k = 1
	}
	return &LRUK{
		k:            k,
		history:      list.New(),
		cache:        list.New(),
		historyElems: make(map[page.FrameID][]*list.Element),
		cacheElem:    make(map[page.FrameID]*list.Element),
		counter:      make(map[page.FrameID]int),
		evictable:    make(map[page.FrameID]bool),
	}
}

// RecordAccess registers one access to frame f.
func (r *LRUK) RecordAccess(f page.FrameID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.counter[f]++
	c := r.counter[f]

	switch {
	case c == r.k:
		for _, e := range r.historyElems[f] {
			r.history.Remove(e)
		}
		delete(r.historyElems, f)
		r.cacheElem[f] = r.cache.PushBack(f)
	case c < r.k:
		r.historyElems[f] = append(r.historyElems[f], r.history.PushBack(f))
	default: // c > r.k
		if e, ok := r.cacheElem[f]; ok {
			r.cache.MoveToBack(e)
		} else {
			r.cacheElem[f] = r.cache.PushBack(f)
		}
	}
}

// SetEvictable toggles whether frame f may be chosen by Evict, keeping
// Size() (the count of evictable frames) in sync.
func (r *LRUK) SetEvictable(f page.FrameID, evictable bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	was := r.evictable[f]
	if evictable == was {
		return
	}
	r.evictable[f] = evictable
	if evictable {
		r.currSize++
	} else {
		r.currSize--
	}
}

// Evict selects a victim frame: the oldest evictable entry in the
// history queue if one exists, else the oldest evictable entry in the
// cache queue. It reports false if no frame is evictable.
func (r *LRUK) Evict() (page.FrameID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for e := r.history.Front(); e != nil; e = e.Next() {
		f := e.Value.(page.FrameID)
		if r.evictable[f] {
			for _, el := range r.historyElems[f] {
				r.history.Remove(el)
			}
			delete(r.historyElems, f)
			r.counter[f] = 0
			r.setEvictableLocked(f, false)
			return f, true
		}
	}
	for e := r.cache.Front(); e != nil; e = e.Next() {
		f := e.Value.(page.FrameID)
		if r.evictable[f] {
			r.cache.Remove(e)
			delete(r.cacheElem, f)
			r.counter[f] = 0
			r.setEvictableLocked(f, false)
			return f, true
		}
	}
	return 0, false
}

// Remove forcibly purges f's bookkeeping, regardless of its evictable
// state. Used when a page is deallocated.
func (r *LRUK) Remove(f page.FrameID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.counter[f] >= r.k {
		if e, ok := r.cacheElem[f]; ok {
			r.cache.Remove(e)
			delete(r.cacheElem, f)
		}
	} else {
		for _, e := range r.historyElems[f] {
			r.history.Remove(e)
		}
		delete(r.historyElems, f)
	}
	r.counter[f] = 0
	r.setEvictableLocked(f, false)
}

// Size returns the number of frames currently evictable.
func (r *LRUK) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currSize
}

func (r *LRUK) setEvictableLocked(f page.FrameID, evictable bool) {
	was := r.evictable[f]
	if evictable == was {
		return
	}
	r.evictable[f] = evictable
	if evictable {
		r.currSize++
	} else {
		r.currSize--
	}
}
