package bptree

import (
	"encoding/binary"

	"github.com/gojodb/storagecore/storage/page"
)

// PageType discriminates a page's payload per a tagged-variant scheme:
// one byte layout interpreted as either a leaf or internal node, with no
// virtual dispatch needed.
type PageType int32

const (
	PageInvalid  PageType = 0
	PageLeaf     PageType = 1
	PageInternal PageType = 2
)

// Common header layout: page_type, size, max_size, parent_page_id,
// page_id, each a little-endian int32, in that order.
const (
	offPageType       = 0
	offSize           = 4
	offMaxSize        = 8
	offParentPageID   = 12
	offPageID         = 16
	offNextPageID     = 20 // leaf only
	leafHeaderLen     = 24
	internalHeaderLen = 20
)

// Node is an in-memory view of one B+ tree page: decoded on Load from a
// page.Frame's byte buffer, mutated freely, then re-encoded by Store
// before the frame is unlatched. Only one of the leaf/internal fields is
// meaningful, selected by Type.
type Node[K any, V any] struct {
	Type     PageType
	PageID   page.ID
	ParentID page.ID
	MaxSize  int

	// Leaf payload.
	NextPageID page.ID
	Keys       []K
	Values     []V

	// Internal payload: Keys[0] is the unused sentinel key; Children[i]
	// holds keys in [Keys[i], Keys[i+1]).
	Children []page.ID
}

func (n *Node[K, V]) Size() int { return len(n.Keys) }

func (n *Node[K, V]) IsLeaf() bool { return n.Type == PageLeaf }

func (n *Node[K, V]) IsRoot() bool { return n.ParentID == page.InvalidID }

func (n *Node[K, V]) IsFull() bool { return n.Size() >= n.MaxSize }

// MinSize is the occupancy floor below which a non-root node must
// rebalance: (max_size+1)/2 via integer truncation, which for a max
// size of 4 yields 2.
func MinSize(maxSize int) int { return (maxSize + 1) / 2 }

// NewLeaf constructs an empty, freshly initialized leaf node.
func NewLeaf[K any, V any](id, parent page.ID, maxSize int) *Node[K, V] {
	return &Node[K, V]{
		Type:       PageLeaf,
		PageID:     id,
		ParentID:   parent,
		MaxSize:    maxSize,
		NextPageID: page.InvalidID,
	}
}

// NewInternal constructs an empty, freshly initialized internal node.
func NewInternal[K any, V any](id, parent page.ID, maxSize int) *Node[K, V] {
	return &Node[K, V]{
		Type:     PageInternal,
		PageID:   id,
		ParentID: parent,
		MaxSize:  maxSize,
	}
}

// Load decodes buf (a page.Frame's Data()) into a Node using codec c.
func Load[K any, V any](buf []byte, c Codec[K, V]) *Node[K, V] {
	n := &Node[K, V]{
		Type:     PageType(binary.LittleEndian.Uint32(buf[offPageType:])),
		MaxSize:  int(int32(binary.LittleEndian.Uint32(buf[offMaxSize:]))),
		ParentID: page.ID(int32(binary.LittleEndian.Uint32(buf[offParentPageID:]))),
		PageID:   page.ID(int32(binary.LittleEndian.Uint32(buf[offPageID:]))),
	}
	size := int(int32(binary.LittleEndian.Uint32(buf[offSize:])))

	var off int
	if n.Type == PageLeaf {
		n.NextPageID = page.ID(int32(binary.LittleEndian.Uint32(buf[offNextPageID:])))
		off = leafHeaderLen
	} else {
		off = internalHeaderLen
	}

	for i := 0; i < size; i++ {
		klen := int(binary.LittleEndian.Uint16(buf[off:]))
		off += 2
		kbytes := buf[off : off+klen]
		off += klen

		if n.Type == PageLeaf {
			vlen := int(binary.LittleEndian.Uint16(buf[off:]))
			off += 2
			vbytes := buf[off : off+vlen]
			off += vlen
			n.Keys = append(n.Keys, c.DecodeKey(kbytes))
			n.Values = append(n.Values, c.DecodeValue(vbytes))
		} else {
			childID := int32(binary.LittleEndian.Uint32(buf[off:]))
			off += 4
			var k K
			if klen > 0 {
				k = c.DecodeKey(kbytes)
			}
			n.Keys = append(n.Keys, k)
			n.Children = append(n.Children, page.ID(childID))
		}
	}
	return n
}

// Store encodes n back into buf using codec c, zeroing the remainder of
// the buffer first so stale bytes never leak past the live entries.
func Store[K any, V any](buf []byte, n *Node[K, V], c Codec[K, V]) {
	for i := range buf {
		buf[i] = 0
	}
	binary.LittleEndian.PutUint32(buf[offPageType:], uint32(n.Type))
	binary.LittleEndian.PutUint32(buf[offSize:], uint32(n.Size()))
	binary.LittleEndian.PutUint32(buf[offMaxSize:], uint32(n.MaxSize))
	binary.LittleEndian.PutUint32(buf[offParentPageID:], uint32(int32(n.ParentID)))
	binary.LittleEndian.PutUint32(buf[offPageID:], uint32(int32(n.PageID)))

	var off int
	if n.Type == PageLeaf {
		binary.LittleEndian.PutUint32(buf[offNextPageID:], uint32(int32(n.NextPageID)))
		off = leafHeaderLen
	} else {
		off = internalHeaderLen
	}

	for i := 0; i < n.Size(); i++ {
		var kbytes []byte
		if n.Type == PageInternal && i == 0 {
			kbytes = nil // slot 0 of an internal node carries no key
		} else {
			kbytes = c.EncodeKey(n.Keys[i])
		}
		binary.LittleEndian.PutUint16(buf[off:], uint16(len(kbytes)))
		off += 2
		off += copy(buf[off:], kbytes)

		if n.Type == PageLeaf {
			vbytes := c.EncodeValue(n.Values[i])
			binary.LittleEndian.PutUint16(buf[off:], uint16(len(vbytes)))
			off += 2
			off += copy(buf[off:], vbytes)
		} else {
			binary.LittleEndian.PutUint32(buf[off:], uint32(int32(n.Children[i])))
			off += 4
		}
	}
}
