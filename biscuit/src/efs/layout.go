// Package efs implements the on-disk filesystem layout (C9): the
// superblock, the two bitmaps, the indexed on-disk inode, and the
// directory-entry format, all laid out over a bcache.Cache. Grounded
// on original_source/easy-fs's layout.rs/bitmap.rs/efs.rs, expressed
// with the teacher's field-accessor style (fs/super.go's
// Superblock_t) but using encoding/binary views through bcache
// instead of hand-rolled fieldr/fieldw offsets into a raw page.
package efs

import (
	"encoding/binary"

	"bcache"
	"bdev"
	"defs"
)

// Magic identifies a formatted efs image (spec.md §3's SuperBlock).
const Magic uint32 = 0x3b800001

const (
	directCount    = 28
	indirect1Count = bdev.BSIZE / 4 // 128 u32 entries per indirect block
	indirect1Bound = directCount + indirect1Count
	indirect2Count = indirect1Count * indirect1Count
	nameLimit      = 27 // usable bytes; the 28th byte is reserved NUL
)

// DirentSize is the fixed size of one on-disk directory entry.
const DirentSize = 32

// SuperBlock is block 0 of every efs image.
type SuperBlock struct {
	Magic             uint32
	TotalBlocks       uint32
	InodeBitmapBlocks uint32
	InodeAreaBlocks   uint32
	DataBitmapBlocks  uint32
	DataAreaBlocks    uint32
}

// Init stamps sb with the magic and the format's region sizes.
func (sb *SuperBlock) Init(total, inodeBitmap, inodeArea, dataBitmap, dataArea uint32) {
	*sb = SuperBlock{
		Magic:             Magic,
		TotalBlocks:       total,
		InodeBitmapBlocks: inodeBitmap,
		InodeAreaBlocks:   inodeArea,
		DataBitmapBlocks:  dataBitmap,
		DataAreaBlocks:    dataArea,
	}
}

// Valid reports whether sb carries the efs magic.
func (sb *SuperBlock) Valid() bool { return sb.Magic == Magic }

// DiskInodeType distinguishes a file from the single-level directory
// this kernel supports (spec.md §1's Non-goals: no hierarchical
// directories, so Directory only ever describes the root).
type DiskInodeType uint8

const (
	TypeFile DiskInodeType = iota
	TypeDirectory
)

// DiskInode is the on-disk inode record. Padded to 128 bytes (4-byte
// size + 28×4-byte direct + 4-byte indirect1 + 4-byte indirect2 +
// 1-byte type + 3 bytes padding) so 512/128 divides exactly,
// resolving spec.md §9's open question about DiskInode's size not
// obviously dividing the block size.
type DiskInode struct {
	Size      uint32
	Direct    [directCount]uint32
	Indirect1 uint32
	Indirect2 uint32
	Type      DiskInodeType
	_         [3]uint8
}

// DiskInodeSize is DiskInode's fixed on-disk size.
const DiskInodeSize = 4 + directCount*4 + 4 + 4 + 1 + 3

// InodesPerBlock is how many DiskInode records fit in one block,
// computed once here and used consistently at both format time and
// access time (spec.md §9's second open question).
const InodesPerBlock = bdev.BSIZE / DiskInodeSize

// Init resets di to an empty inode of the given type.
func (di *DiskInode) Init(t DiskInodeType) {
	*di = DiskInode{Type: t}
}

// IsDir reports whether di is the (single) root directory inode.
func (di *DiskInode) IsDir() bool { return di.Type == TypeDirectory }

// IsFile reports whether di is a regular file inode.
func (di *DiskInode) IsFile() bool { return di.Type == TypeFile }

// indirectBlock is the [u32;128] shape of an indirect1/indirect2 page.
type indirectBlock [indirect1Count]uint32

// dataBlocks returns how many BSIZE blocks di's current size spans.
func (di *DiskInode) dataBlocks() uint32 { return sizeToBlocks(di.Size) }

func sizeToBlocks(size uint32) uint32 {
	return (size + bdev.BSIZE - 1) / bdev.BSIZE
}

// totalBlocksFor returns the block count a file of size would
// occupy including indirect index pages (spec.md §8's
// `blocks_used` invariant).
func totalBlocksFor(size uint32) uint32 {
	data := sizeToBlocks(size)
	total := data
	if data > directCount {
		total++
	}
	if data > indirect1Bound {
		total++
		total += (data - indirect1Bound + indirect1Count - 1) / indirect1Count
	}
	return total
}

// BlocksNumNeeded returns how many additional blocks growing to
// newSize requires, including any newly-needed indirect pages.
func (di *DiskInode) BlocksNumNeeded(newSize uint32) uint32 {
	return totalBlocksFor(newSize) - totalBlocksFor(di.Size)
}

// GetBlockID resolves inner-block-index innerID to an absolute block
// id, walking through indirect1/indirect2 pages via the cache as
// needed (spec.md §4.9's inode block map).
func (di *DiskInode) GetBlockID(innerID uint32, c *bcache.Cache) uint32 {
	switch {
	case innerID < directCount:
		return di.Direct[innerID]
	case innerID < uint32(indirect1Bound):
		h := c.Get(int(di.Indirect1))
		return bcache.Read(h, 0, func(ib *indirectBlock) any {
			return ib[innerID-directCount]
		}).(uint32)
	default:
		last := innerID - uint32(indirect1Bound)
		h2 := c.Get(int(di.Indirect2))
		mid := bcache.Read(h2, 0, func(ib *indirectBlock) any {
			return ib[last/uint32(indirect1Count)]
		}).(uint32)
		h1 := c.Get(int(mid))
		return bcache.Read(h1, 0, func(ib *indirectBlock) any {
			return ib[last%uint32(indirect1Count)]
		}).(uint32)
	}
}

// IncreaseSize wires newBlocks (exactly BlocksNumNeeded(newSize) of
// them) into di's direct/indirect1/indirect2 slots in order and sets
// Size = newSize up front (spec.md §4.9's increase_size).
func (di *DiskInode) IncreaseSize(newSize uint32, newBlocks []uint32, c *bcache.Cache) {
	current := di.dataBlocks()
	di.Size = newSize
	total := di.dataBlocks()
	next := 0
	take := func() uint32 { v := newBlocks[next]; next++; return v }

	for current < min32(total, directCount) {
		di.Direct[current] = take()
		current++
	}
	if total <= directCount {
		return
	}
	if current == directCount {
		di.Indirect1 = take()
	}
	current -= directCount
	total -= directCount

	h1 := c.Get(int(di.Indirect1))
	bcache.Modify(h1, 0, func(ib *indirectBlock) any {
		for current < min32(total, uint32(indirect1Count)) {
			ib[current] = take()
			current++
		}
		return nil
	})
	if total <= uint32(indirect1Count) {
		return
	}
	if current == uint32(indirect1Count) {
		di.Indirect2 = take()
	}
	current -= uint32(indirect1Count)
	total -= uint32(indirect1Count)

	a0, b0 := current/uint32(indirect1Count), current%uint32(indirect1Count)
	a1, b1 := total/uint32(indirect1Count), total%uint32(indirect1Count)

	h2 := c.Get(int(di.Indirect2))
	bcache.Modify(h2, 0, func(ib *indirectBlock) any {
		for a0 < a1 || (a0 == a1 && b0 < b1) {
			if b0 == 0 {
				ib[a0] = take()
			}
			entry := ib[a0]
			hi := c.Get(int(entry))
			bcache.Modify(hi, 0, func(inner *indirectBlock) any {
				inner[b0] = take()
				return nil
			})
			b0++
			if b0 == uint32(indirect1Count) {
				b0 = 0
				a0++
			}
		}
		return nil
	})
}

// ClearSize zeroes di (size -> 0, all pointers -> 0) and returns
// every block id di owned, in allocation order, for the caller to
// deallocate (spec.md §4.9's clear_size).
func (di *DiskInode) ClearSize(c *bcache.Cache) []uint32 {
	var v []uint32
	data := di.dataBlocks()
	di.Size = 0

	current := uint32(0)
	for current < min32(data, directCount) {
		v = append(v, di.Direct[current])
		di.Direct[current] = 0
		current++
	}
	if data <= directCount {
		return v
	}
	v = append(v, di.Indirect1)
	data -= directCount
	current = 0

	h1 := c.Get(int(di.Indirect1))
	bcache.Modify(h1, 0, func(ib *indirectBlock) any {
		for current < min32(data, uint32(indirect1Count)) {
			v = append(v, ib[current])
			ib[current] = 0
			current++
		}
		return nil
	})
	di.Indirect1 = 0
	if data <= uint32(indirect1Count) {
		return v
	}
	v = append(v, di.Indirect2)
	data -= uint32(indirect1Count)

	a1, b1 := data/uint32(indirect1Count), data%uint32(indirect1Count)
	h2 := c.Get(int(di.Indirect2))
	bcache.Modify(h2, 0, func(ib *indirectBlock) any {
		for i := uint32(0); i < a1; i++ {
			v = append(v, ib[i])
			hi := c.Get(int(ib[i]))
			bcache.Modify(hi, 0, func(inner *indirectBlock) any {
				v = append(v, inner[:]...)
				return nil
			})
		}
		if b1 > 0 {
			v = append(v, ib[a1])
			hi := c.Get(int(ib[a1]))
			bcache.Modify(hi, 0, func(inner *indirectBlock) any {
				v = append(v, inner[:b1]...)
				return nil
			})
			// The caller deallocates every id this function returns,
			// so the slot for the partly used inner table is cleared
			// here; the slots ib[0:a1] keep their old ids.
			ib[a1] = 0
		}
		return nil
	})
	di.Indirect2 = 0
	return v
}

// ReadAt copies bytes from di's content into buf, clipped to
// [offset, min(offset+len(buf), Size)) (spec.md §4.9's read_at).
func (di *DiskInode) ReadAt(offset int, buf []uint8, c *bcache.Cache) int {
	start := offset
	end := offset + len(buf)
	if end > int(di.Size) {
		end = int(di.Size)
	}
	if start >= end {
		return 0
	}
	startBlock := start / bdev.BSIZE
	read := 0
	for {
		endCur := (start/bdev.BSIZE + 1) * bdev.BSIZE
		if endCur > end {
			endCur = end
		}
		n := endCur - start
		dst := buf[read : read+n]
		blkID := di.GetBlockID(uint32(startBlock), c)
		h := c.Get(int(blkID))
		bcache.Read(h, 0, func(blk *[bdev.BSIZE]uint8) any {
			copy(dst, blk[start%bdev.BSIZE:start%bdev.BSIZE+n])
			return nil
		})
		read += n
		if endCur == end {
			break
		}
		startBlock++
		start = endCur
	}
	return read
}

// WriteAt copies buf into di's content, clipped to [offset,
// min(offset+len(buf), Size)) — callers must grow Size first via
// IncreaseSize (spec.md §4.9's write_at).
func (di *DiskInode) WriteAt(offset int, buf []uint8, c *bcache.Cache) int {
	start := offset
	end := offset + len(buf)
	if end > int(di.Size) {
		end = int(di.Size)
	}
	startBlock := start / bdev.BSIZE
	written := 0
	for start < end {
		endCur := (start/bdev.BSIZE + 1) * bdev.BSIZE
		if endCur > end {
			endCur = end
		}
		n := endCur - start
		src := buf[written : written+n]
		blkID := di.GetBlockID(uint32(startBlock), c)
		h := c.Get(int(blkID))
		bcache.Modify(h, 0, func(blk *[bdev.BSIZE]uint8) any {
			copy(blk[start%bdev.BSIZE:start%bdev.BSIZE+n], src)
			return nil
		})
		written += n
		if endCur == end {
			break
		}
		startBlock++
		start = endCur
	}
	return written
}

func min32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

// DirEntry is one 32-byte directory record: a NUL-padded name and an
// inode number (spec.md §3's DirEntry).
type DirEntry struct {
	Name        [nameLimit + 1]uint8
	InodeNumber uint32
}

// NewDirEntry builds a DirEntry for name/inodeNumber. Unlike the
// original, which truncates silently, this rejects names exceeding
// the usable length (spec.md §9: "implementers should reject").
func NewDirEntry(name string, inodeNumber uint32) (DirEntry, defs.Err_t) {
	if len(name) > nameLimit {
		return DirEntry{}, defs.ENAMETOOLONG
	}
	var de DirEntry
	copy(de.Name[:], name)
	de.InodeNumber = inodeNumber
	return de, 0
}

// NameString returns the entry's name as a Go string, stopping at the
// first NUL byte.
func (de *DirEntry) NameString() string {
	n := 0
	for n < len(de.Name) && de.Name[n] != 0 {
		n++
	}
	return string(de.Name[:n])
}

// Bytes renders de as the DirentSize-byte on-disk record, for use as
// a ReadAt/WriteAt buffer.
func (de *DirEntry) Bytes() []uint8 {
	buf := make([]uint8, DirentSize)
	copy(buf, de.Name[:])
	binary.LittleEndian.PutUint32(buf[nameLimit+1:], de.InodeNumber)
	return buf
}

// SetBytes parses a DirentSize-byte on-disk record produced by a
// ReadAt into de.
func (de *DirEntry) SetBytes(buf []uint8) {
	copy(de.Name[:], buf[:nameLimit+1])
	de.InodeNumber = binary.LittleEndian.Uint32(buf[nameLimit+1:])
}
