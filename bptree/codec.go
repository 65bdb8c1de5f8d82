// Package bptree implements a concurrent, latch-crabbed B+ tree index:
// leaf and internal page layouts parameterized by key type, value type
// and comparator, search, insert with upward-propagating splits, delete
// with borrow/merge rebalancing, and a forward range iterator, all built
// on top of a buffer.Pool.
//
// Keys and values are packed into each page as length-prefixed entries
// rather than fixed-width fields, since the tree is generic over both
// types rather than instantiated per concrete key/value pair.
package bptree

import (
	"encoding/binary"
)

// Comparator orders two keys, returning <0, 0 or >0 the way sort.Search's
// callers expect.
type Comparator[K any] func(a, b K) int

// Codec serializes and deserializes keys and values to and from the
// length-prefixed byte strings packed into a page.
type Codec[K any, V any] struct {
	EncodeKey   func(K) []byte
	DecodeKey   func([]byte) K
	EncodeValue func(V) []byte
	DecodeValue func([]byte) V
}

// RID is the opaque record identifier stored as a leaf page's value in the
// common case of a primary B+ tree index.
type RID struct {
	PageID  int32
	SlotNum uint32
}

// EncodeRID/DecodeRID give RID a fixed 8-byte wire form.
func EncodeRID(r RID) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(r.PageID))
	binary.LittleEndian.PutUint32(buf[4:8], r.SlotNum)
	return buf
}

func DecodeRID(b []byte) RID {
	return RID{
		PageID:  int32(binary.LittleEndian.Uint32(b[0:4])),
		SlotNum: binary.LittleEndian.Uint32(b[4:8]),
	}
}

// Int64Comparator orders int64 keys numerically.
func Int64Comparator(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// EncodeInt64/DecodeInt64 give int64 keys a fixed 8-byte wire form.
func EncodeInt64(v int64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(v))
	return buf
}

func DecodeInt64(b []byte) int64 {
	return int64(binary.LittleEndian.Uint64(b))
}

// StringComparator orders strings lexically.
func StringComparator(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func EncodeString(s string) []byte { return []byte(s) }
func DecodeString(b []byte) string { return string(b) }

// Int64RIDCodec is the common codec for a primary index keyed by int64
// with record-id values.
func Int64RIDCodec() Codec[int64, RID] {
	return Codec[int64, RID]{
		EncodeKey:   EncodeInt64,
		DecodeKey:   DecodeInt64,
		EncodeValue: EncodeRID,
		DecodeValue: DecodeRID,
	}
}
