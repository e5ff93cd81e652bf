// Package bdev is the block-device port (C8): the two-method
// contract the kernel drives its storage through, plus an in-memory
// disk satisfying it for testing without a real VirtIO driver
// (spec.md §1's Non-goals exclude the concrete block driver).
package bdev

import (
	"fmt"
	"os"
	"sync"
)

// BSIZE is the fixed block size every efs structure is laid out
// against (spec.md §3's BlockCacheEntry).
const BSIZE = 512

// BlockDevice is the port the block cache drives: synchronous,
// infallible from the kernel's perspective (spec.md §4.8 — "panics
// propagate" rather than returning an error the kernel would have no
// recovery path for anyway, since this is a teaching kernel with no
// filesystem journal).
type BlockDevice interface {
	ReadBlock(id int, buf *[BSIZE]uint8)
	WriteBlock(id int, buf *[BSIZE]uint8)
}

// MemDisk is a BlockDevice backed by a plain byte slice, standing in
// for the VirtIO block driver this module treats as an external
// collaborator.
type MemDisk struct {
	blocks [][BSIZE]uint8
}

// NewMemDisk allocates an all-zero disk of n blocks.
func NewMemDisk(n int) *MemDisk {
	return &MemDisk{blocks: make([][BSIZE]uint8, n)}
}

func (d *MemDisk) ReadBlock(id int, buf *[BSIZE]uint8) {
	if id < 0 || id >= len(d.blocks) {
		panic(fmt.Sprintf("bdev: read block %v out of range (%v blocks)", id, len(d.blocks)))
	}
	*buf = d.blocks[id]
}

func (d *MemDisk) WriteBlock(id int, buf *[BSIZE]uint8) {
	if id < 0 || id >= len(d.blocks) {
		panic(fmt.Sprintf("bdev: write block %v out of range (%v blocks)", id, len(d.blocks)))
	}
	d.blocks[id] = *buf
}

// Len reports the disk's size in blocks.
func (d *MemDisk) Len() int { return len(d.blocks) }

// FileDisk is a BlockDevice backed by a host file, the image packer's
// stand-in for the real block driver — grounded on
// easy-fs-fuse/src/main.rs's BlockFile, which wraps a single *File
// behind a Mutex and seeks to block_id*BSIZE before every read/write.
type FileDisk struct {
	mu sync.Mutex
	f  *os.File
}

// CreateFileDisk opens (creating if needed) path as an nblocks-block
// image, truncating it to exactly that size the way main.rs's
// f.set_len(8192 * 512) does before EasyFileSystem::create runs.
func CreateFileDisk(path string, nblocks int) (*FileDisk, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(int64(nblocks) * BSIZE); err != nil {
		f.Close()
		return nil, err
	}
	return &FileDisk{f: f}, nil
}

func (d *FileDisk) ReadBlock(id int, buf *[BSIZE]uint8) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.f.ReadAt(buf[:], int64(id)*BSIZE)
	if err != nil || n != BSIZE {
		panic(fmt.Sprintf("bdev: short read of block %v: n=%v err=%v", id, n, err))
	}
}

func (d *FileDisk) WriteBlock(id int, buf *[BSIZE]uint8) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.f.WriteAt(buf[:], int64(id)*BSIZE)
	if err != nil || n != BSIZE {
		panic(fmt.Sprintf("bdev: short write of block %v: n=%v err=%v", id, n, err))
	}
}

// Close flushes and releases the underlying host file.
func (d *FileDisk) Close() error {
	return d.f.Close()
}
