package bptree

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/gojodb/storagecore/buffer"
	"github.com/gojodb/storagecore/errs"
	"github.com/gojodb/storagecore/pkg/metrics"
	"github.com/gojodb/storagecore/storage/page"
)

// BTree is a concurrent, latch-crabbed B+ tree index over key type K and
// value type V.
type BTree[K any, V any] struct {
	indexName   string
	pool        *buffer.Pool
	catalog     *Catalog
	cmp         Comparator[K]
	codec       Codec[K, V]
	leafMax     int
	internalMax int

	rootMu     sync.Mutex // serializes concurrent structural changes at the root
	rootPageID page.ID

	log     *zap.Logger
	metrics *metrics.BTree
}

// Option configures an optional BTree dependency.
type Option func(*btreeOptions)

type btreeOptions struct {
	log     *zap.Logger
	metrics *metrics.BTree
}

func WithLogger(log *zap.Logger) Option       { return func(o *btreeOptions) { o.log = log } }
func WithTreeMetrics(m *metrics.BTree) Option { return func(o *btreeOptions) { o.metrics = m } }

// Config is the plain, serializable shape of a tree's two node-capacity
// parameters, carrying yaml tags in the same style as pkg/logger.Config so
// an embedding service can decode it from a config file without this
// package importing a YAML library itself.
type Config struct {
	// LeafMaxSize bounds the number of (key, value) entries in a leaf page.
	LeafMaxSize int `yaml:"leaf_max_size"`
	// InternalMaxSize bounds the number of (key, child) slots in an
	// internal page.
	InternalMaxSize int `yaml:"internal_max_size"`
}

// New opens (or creates) the named index, loading its persisted root page
// id from the header-page catalog if present.
func New[K any, V any](pool *buffer.Pool, catalog *Catalog, indexName string, cmp Comparator[K], codec Codec[K, V], leafMaxSize, internalMaxSize int, opts ...Option) (*BTree[K, V], error) {
	o := &btreeOptions{}
	for _, opt := range opts {
		opt(o)
	}
	if o.log == nil {
		o.log = zap.NewNop()
	}

	root, ok, err := catalog.GetRoot(indexName)
	if err != nil {
		return nil, err
	}
	if !ok {
		root = page.InvalidID
	}

	return &BTree[K, V]{
		indexName:   indexName,
		pool:        pool,
		catalog:     catalog,
		cmp:         cmp,
		codec:       codec,
		leafMax:     leafMaxSize,
		internalMax: internalMaxSize,
		rootPageID:  root,
		log:         o.log.Named("bptree").With(zap.String("index", indexName)),
		metrics:     o.metrics,
	}, nil
}

// NewFromConfig is New, taking its node-capacity parameters from a Config
// value decoded by the caller.
func NewFromConfig[K any, V any](pool *buffer.Pool, catalog *Catalog, indexName string, cmp Comparator[K], codec Codec[K, V], cfg Config, opts ...Option) (*BTree[K, V], error) {
	return New[K, V](pool, catalog, indexName, cmp, codec, cfg.LeafMaxSize, cfg.InternalMaxSize, opts...)
}

// Open is New for a caller that expects indexName to already exist: it
// fails with errs.ErrIndexNotFound rather than silently treating an
// unregistered name as a fresh, empty index.
func Open[K any, V any](pool *buffer.Pool, catalog *Catalog, indexName string, cmp Comparator[K], codec Codec[K, V], leafMaxSize, internalMaxSize int, opts ...Option) (*BTree[K, V], error) {
	if _, err := catalog.MustGetRoot(indexName); err != nil {
		return nil, err
	}
	return New[K, V](pool, catalog, indexName, cmp, codec, leafMaxSize, internalMaxSize, opts...)
}

// Create registers a brand-new, empty index named indexName, failing with
// errs.ErrIndexExists if the name is already registered.
func Create[K any, V any](pool *buffer.Pool, catalog *Catalog, indexName string, cmp Comparator[K], codec Codec[K, V], leafMaxSize, internalMaxSize int, opts ...Option) (*BTree[K, V], error) {
	if err := catalog.Register(indexName, page.InvalidID); err != nil {
		return nil, err
	}
	return New[K, V](pool, catalog, indexName, cmp, codec, leafMaxSize, internalMaxSize, opts...)
}

// RootPageID returns the tree's current root page id, or page.InvalidID
// for an empty tree.
func (t *BTree[K, V]) RootPageID() page.ID {
	t.rootMu.Lock()
	defer t.rootMu.Unlock()
	return t.rootPageID
}

func (t *BTree[K, V]) setRoot(id page.ID) error {
	t.rootPageID = id
	return t.catalog.PutRoot(t.indexName, id)
}

// loadNode fetches id and decodes it; the caller owns the frame's pin and
// must Unpin it (and release any latch it took) when done.
func (t *BTree[K, V]) loadNode(id page.ID) (*page.Frame, *Node[K, V], error) {
	frame, err := t.pool.FetchPage(id)
	if err != nil {
		return nil, nil, err
	}
	return frame, Load[K, V](frame.Data(), t.codec), nil
}

func (t *BTree[K, V]) storeNode(frame *page.Frame, n *Node[K, V]) {
	Store[K, V](frame.Data(), n, t.codec)
}

// childIndex picks, for an internal node, the slot whose subtree may
// contain key: binary search for the largest i in [1,size) with
// key(i) <= key, or 0 if none.
func (t *BTree[K, V]) childIndex(n *Node[K, V], key K) int {
	size := n.Size()
	i := sort.Search(size-1, func(i int) bool {
		return t.cmp(n.Keys[i+1], key) > 0
	})
	return i // Keys[i] <= key < Keys[i+1], with Keys[0] treated as -inf
}

// leafIndex returns the position of key in a leaf node, or -1.
func (t *BTree[K, V]) leafIndex(n *Node[K, V], key K) int {
	i := sort.Search(n.Size(), func(i int) bool {
		return t.cmp(n.Keys[i], key) >= 0
	})
	if i < n.Size() && t.cmp(n.Keys[i], key) == 0 {
		return i
	}
	return -1
}

// leafInsertionIndex returns the sorted position at which key should be
// inserted into a leaf node that does not already contain it.
func (t *BTree[K, V]) leafInsertionIndex(n *Node[K, V], key K) int {
	return sort.Search(n.Size(), func(i int) bool {
		return t.cmp(n.Keys[i], key) >= 0
	})
}

// loadRoot fetches and pins the tree's current root, failing with
// errs.ErrEmptyTree if no root page has been allocated yet. Every entry
// point that descends from the root (Get, Remove, begin) funnels through
// here rather than repeating the root_page_id == InvalidID check itself.
func (t *BTree[K, V]) loadRoot() (*page.Frame, *Node[K, V], error) {
	t.rootMu.Lock()
	root := t.rootPageID
	t.rootMu.Unlock()
	if root == page.InvalidID {
		return nil, nil, errs.ErrEmptyTree
	}
	return t.loadNode(root)
}

// Get performs a read-latch-crabbed descent from the root to the leaf
// that would hold key.
func (t *BTree[K, V]) Get(key K) (V, bool, error) {
	var zero V

	frame, node, err := t.loadRoot()
	if errors.Is(err, errs.ErrEmptyTree) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, err
	}
	frame.RLock()

	for !node.IsLeaf() {
		idx := t.childIndex(node, key)
		childID := node.Children[idx]
		childFrame, childNode, err := t.loadNode(childID)
		if err != nil {
			frame.RUnlock()
			t.pool.UnpinPage(node.PageID, false)
			return zero, false, err
		}
		childFrame.RLock()
		frame.RUnlock()
		t.pool.UnpinPage(node.PageID, false)
		frame, node = childFrame, childNode
	}

	defer frame.RUnlock()
	defer t.pool.UnpinPage(node.PageID, false)

	idx := t.leafIndex(node, key)
	if idx < 0 {
		return zero, false, nil
	}
	return node.Values[idx], true, nil
}

// allocateLeaf allocates a fresh page from the pool and returns it
// pinned, write-latched, and decoded as an empty leaf node.
func (t *BTree[K, V]) allocateLeaf(parent page.ID) (*page.Frame, *Node[K, V], error) {
	id, frame, err := t.pool.NewPage()
	if err != nil {
		return nil, nil, fmt.Errorf("allocating leaf page: %w", err)
	}
	n := NewLeaf[K, V](id, parent, t.leafMax)
	frame.Lock()
	return frame, n, nil
}

func (t *BTree[K, V]) allocateInternal(parent page.ID) (*page.Frame, *Node[K, V], error) {
	id, frame, err := t.pool.NewPage()
	if err != nil {
		return nil, nil, fmt.Errorf("allocating internal page: %w", err)
	}
	n := NewInternal[K, V](id, parent, t.internalMax)
	frame.Lock()
	return frame, n, nil
}

// ancestor is one entry in the per-call write-latched page stack built up
// during a structural modification.
type ancestor[K any, V any] struct {
	frame *page.Frame
	node  *Node[K, V]
}

// releaseAncestors unlatches and unpins every entry, persisting dirty
// nodes whose in-memory state was mutated.
func (t *BTree[K, V]) releaseAncestors(stack []ancestor[K, V], dirty map[page.ID]bool) {
	for _, a := range stack {
		d := dirty[a.node.PageID]
		if d {
			t.storeNode(a.frame, a.node)
		}
		a.frame.Unlock()
		t.pool.UnpinPage(a.node.PageID, d)
	}
}
