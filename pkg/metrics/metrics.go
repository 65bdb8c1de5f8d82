// Package metrics exposes the storage core's buffer-pool and B+ tree
// activity as Prometheus collectors. The storage core has no RPC
// boundary of its own to trace, so this registers directly against a
// caller-supplied registry rather than standing up its own HTTP
// listener or tracing pipeline.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// BufferPool holds the counters and gauges the buffer pool updates on
// every fetch/new/unpin/evict.
type BufferPool struct {
	Hits      prometheus.Counter
	Misses    prometheus.Counter
	Evictions prometheus.Counter
	Flushes   prometheus.Counter
	PinnedNow prometheus.Gauge
}

// NewBufferPool constructs and registers the buffer pool collectors
// against reg. Pass prometheus.NewRegistry() in tests to avoid polluting
// the default global registry.
func NewBufferPool(reg prometheus.Registerer, namespace string) *BufferPool {
	m := &BufferPool{
		Hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "buffer_pool", Name: "hits_total",
			Help: "Pages served from an already-resident frame.",
		}),
		Misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "buffer_pool", Name: "misses_total",
			Help: "Fetches that had to read the page from disk.",
		}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "buffer_pool", Name: "evictions_total",
			Help: "Frames reclaimed via the replacer.",
		}),
		Flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "buffer_pool", Name: "flushes_total",
			Help: "Frames written back to disk, by eviction of a dirty frame or an explicit flush.",
		}),
		PinnedNow: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "buffer_pool", Name: "pinned_frames",
			Help: "Outstanding pins across all frames right now.",
		}),
	}
	reg.MustRegister(m.Hits, m.Misses, m.Evictions, m.Flushes, m.PinnedNow)
	return m
}

// BTree holds the counters the index updates on structural changes.
type BTree struct {
	Splits  prometheus.Counter
	Merges  prometheus.Counter
	Borrows prometheus.Counter
}

// NewBTree constructs and registers the B+ tree collectors against reg.
func NewBTree(reg prometheus.Registerer, namespace string) *BTree {
	m := &BTree{
		Splits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bptree", Name: "splits_total",
			Help: "Leaf or internal node splits performed during insert.",
		}),
		Merges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bptree", Name: "merges_total",
			Help: "Sibling merges performed during delete.",
		}),
		Borrows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bptree", Name: "borrows_total",
			Help: "Entries borrowed from a sibling during delete.",
		}),
	}
	reg.MustRegister(m.Splits, m.Merges, m.Borrows)
	return m
}
