// Package bcache implements the LRU block cache (C8) that serialises
// concurrent access to a bdev.BlockDevice: capacity 16, write-back on
// eviction, typed Read/Modify views into each cached block.
package bcache

import (
	"container/list"
	"encoding/binary"
	"sync"

	"bdev"
)

// Capacity is the maximum number of resident entries, per spec.md
// §3's BlockCacheEntry.
const Capacity = 16

// entry is one cached block: its bytes, dirty flag, and a per-entry
// lock held for the duration of a Read/Modify closure (spec.md §4.8's
// concurrency note), grounded on the teacher's Bdev_block_t carrying
// its own sync.Mutex alongside its Data buffer.
type entry struct {
	sync.Mutex
	block int
	bytes [bdev.BSIZE]uint8
	dirty bool
}

// Cache is the block cache itself: one lock guards the LRU list and
// index; per-entry locks guard block content during a read/modify.
type Cache struct {
	mu    sync.Mutex
	dev   bdev.BlockDevice
	lru   *list.List // front = MRU, back = LRU
	index map[int]*list.Element
}

// New builds an empty cache over dev.
func New(dev bdev.BlockDevice) *Cache {
	return &Cache{
		dev:   dev,
		lru:   list.New(),
		index: make(map[int]*list.Element),
	}
}

// Handle is a reference to one cached block, returned by Get. It holds
// no lock itself; Read and Modify lock the entry for their closure.
type Handle struct {
	c *Cache
	e *entry
}

// Get returns a handle to block_id, loading it from the device on a
// miss and evicting the LRU entry (writing it back first if dirty)
// when the cache is full (spec.md §4.8's get algorithm).
func (c *Cache) Get(blockID int) *Handle {
	c.mu.Lock()
	if el, ok := c.index[blockID]; ok {
		c.lru.MoveToFront(el)
		e := el.Value.(*entry)
		c.mu.Unlock()
		return &Handle{c: c, e: e}
	}

	for c.lru.Len() >= Capacity {
		n := c.lru.Len()
		c.evictOne()
		if c.lru.Len() == n {
			break
		}
	}

	e := &entry{block: blockID}
	c.dev.ReadBlock(blockID, &e.bytes)
	el := c.lru.PushFront(e)
	c.index[blockID] = el
	c.mu.Unlock()

	return &Handle{c: c, e: e}
}

// evictOne drops the least-recently-used entry that is not currently
// held by an in-progress Read/Modify closure, called with c.mu held.
// A Read/Modify on a deeply nested inode (walking indirect1/indirect2
// pages and data blocks, each its own c.Get call) can run long enough
// for the inode's own entry to age past the back of a 16-entry LRU
// list; evicting it out from under its own still-held lock would
// deadlock on the re-entrant Lock below. Scanning for the first
// currently-unlocked entry is this package's version of the real
// easy-fs cache's refcount-skip eviction policy (an Arc-backed cache
// entry with more than one live reference is never chosen as the
// victim), adapted to Go's plain mutex instead of a reference count.
func (c *Cache) evictOne() {
	for el := c.lru.Back(); el != nil; el = el.Prev() {
		victim := el.Value.(*entry)
		if !victim.TryLock() {
			continue
		}
		c.lru.Remove(el)
		delete(c.index, victim.block)
		if victim.dirty {
			c.dev.WriteBlock(victim.block, &victim.bytes)
			victim.dirty = false
		}
		victim.Unlock()
		return
	}
	// Every resident entry is presently locked: over capacity for
	// this one operation. Let it grow transiently rather than
	// deadlock; the next Get that finds room will trim back down.
}

// Read invokes fn with a typed, read-only view of the block at the
// given byte offset and returns fn's result (spec.md §4.8's
// `read<T>`). T's encoding is little-endian via encoding/binary,
// matching the teacher's own little-endian on-disk convention.
func Read[T any](h *Handle, offset int, fn func(*T) any) any {
	h.e.Lock()
	defer h.e.Unlock()
	var v T
	decode(h.e.bytes[offset:], &v)
	return fn(&v)
}

// Modify invokes fn with a typed, mutable view of the block at the
// given byte offset, writes the (possibly mutated) value back into
// the cached bytes, marks the entry dirty, and returns fn's result
// (spec.md §4.8's `modify<T>`).
func Modify[T any](h *Handle, offset int, fn func(*T) any) any {
	h.e.Lock()
	defer h.e.Unlock()
	var v T
	decode(h.e.bytes[offset:], &v)
	ret := fn(&v)
	encode(h.e.bytes[offset:], &v)
	h.e.dirty = true
	return ret
}

// Sync writes back every dirty entry without evicting it (used when
// the filesystem needs a consistent on-disk image, e.g. before a
// format-time image is serialised).
func (c *Cache) Sync() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for el := c.lru.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		e.Lock()
		if e.dirty {
			c.dev.WriteBlock(e.block, &e.bytes)
			e.dirty = false
		}
		e.Unlock()
	}
}

// decode/encode implement the POD-struct-over-bytes convention
// spec.md §4.8 assumes ("the caller guarantees T fits and is POD"),
// using encoding/binary the same way the teacher's stat/accnt
// packages serialise their own fixed structs.
func decode(b []uint8, v any) {
	if err := binary.Read(sliceReader{b}, binary.LittleEndian, v); err != nil {
		panic("bcache: decode: " + err.Error())
	}
}

func encode(b []uint8, v any) {
	w := sliceWriter{b}
	if err := binary.Write(&w, binary.LittleEndian, v); err != nil {
		panic("bcache: encode: " + err.Error())
	}
}

type sliceReader struct{ b []uint8 }

func (r sliceReader) Read(p []byte) (int, error) {
	n := copy(p, r.b)
	return n, nil
}

type sliceWriter struct{ b []uint8 }

func (w *sliceWriter) Write(p []byte) (int, error) {
	n := copy(w.b, p)
	return n, nil
}
