package efs

import (
	"math/rand"
	"testing"

	"bcache"
	"bdev"
	"defs"
)

func TestFormatAndOpenRoundtrip(t *testing.T) {
	dev := bdev.NewMemDisk(8192)
	fs := Format(dev, 8192, 1)
	if fs == nil {
		t.Fatal("format returned nil")
	}

	blockID, off := fs.DiskInodePos(0)
	h := fs.Cache().Get(int(blockID))
	dir := bcache.Read(h, off, func(di *DiskInode) any { return *di }).(DiskInode)
	if !dir.IsDir() {
		t.Fatal("inode 0 must be initialised as a directory")
	}

	reopened := Open(dev)
	blockID2, off2 := reopened.DiskInodePos(0)
	if blockID2 != blockID || off2 != off {
		t.Fatal("reopened filesystem disagrees on root inode position")
	}
}

func TestSizesCountsRootInodeAndGrowsWithEachAlloc(t *testing.T) {
	dev := bdev.NewMemDisk(8192)
	fs := Format(dev, 8192, 1)

	inodes, blocks := fs.Sizes()
	if inodes != 1 {
		t.Fatalf("expected 1 inode used after format (root), got %v", inodes)
	}
	if blocks != 0 {
		t.Fatalf("expected 0 data blocks used after format, got %v", blocks)
	}

	fs.AllocInode()
	if _, ok := fs.AllocData(); !ok {
		t.Fatal("alloc data")
	}
	inodes2, blocks2 := fs.Sizes()
	if inodes2 != 2 || blocks2 != 1 {
		t.Fatalf("got (%v, %v), want (2, 1)", inodes2, blocks2)
	}

	if s := fs.Statistics(); s == "" {
		t.Fatal("expected a non-empty statistics summary")
	}
}

func TestDiskInodeSizeDividesBlock(t *testing.T) {
	if bdev.BSIZE%DiskInodeSize != 0 {
		t.Fatalf("DiskInodeSize=%v does not divide BSIZE=%v", DiskInodeSize, bdev.BSIZE)
	}
}

func TestDirEntrySizeIs32(t *testing.T) {
	var de DirEntry
	if len(de.Name)+4 != DirentSize {
		t.Fatalf("DirEntry does not add up to %v bytes", DirentSize)
	}
}

func TestNewDirEntryRejectsOverlongNames(t *testing.T) {
	_, err := NewDirEntry("this-name-is-definitely-longer-than-27-bytes", 1)
	if err != defs.ENAMETOOLONG {
		t.Fatalf("expected ENAMETOOLONG, got %v", err)
	}
}

func TestAllocGrowWriteReadCycle(t *testing.T) {
	dev := bdev.NewMemDisk(8192)
	fs := Format(dev, 8192, 1)
	c := fs.Cache()

	inodeID, ok := fs.AllocInode()
	if !ok {
		t.Fatal("alloc inode")
	}
	blockID, off := fs.DiskInodePos(inodeID)
	h := c.Get(int(blockID))
	bcache.Modify(h, off, func(di *DiskInode) any { di.Init(TypeFile); return nil })

	payload := []byte("Hello, world!")
	withInode(fs, inodeID, func(di *DiskInode) {
		need := di.BlocksNumNeeded(uint32(len(payload)))
		blocks := allocN(fs, int(need))
		di.IncreaseSize(uint32(len(payload)), blocks, c)
		n := di.WriteAt(0, payload, c)
		if n != len(payload) {
			t.Fatalf("wrote %v bytes, want %v", n, len(payload))
		}
	})

	out := make([]byte, 233)
	var got int
	withInode(fs, inodeID, func(di *DiskInode) {
		got = di.ReadAt(0, out, c)
	})
	if got != len(payload) {
		t.Fatalf("read back %v bytes, want %v", got, len(payload))
	}
	if string(out[:got]) != string(payload) {
		t.Fatalf("roundtrip mismatch: got %q want %q", out[:got], payload)
	}
}

func TestLargeFileCrossesIndirect2(t *testing.T) {
	sizes := []int{4 * 512, 8*512 + 256, 100 * 512, 70*512 + 73, 140 * 512, 400 * 512}

	for _, n := range sizes {
		dev := bdev.NewMemDisk(20000)
		fs := Format(dev, 20000, 2)
		c := fs.Cache()

		inodeID, _ := fs.AllocInode()
		blockID, off := fs.DiskInodePos(inodeID)
		bcache.Modify(c.Get(int(blockID)), off, func(di *DiskInode) any { di.Init(TypeFile); return nil })

		data := make([]byte, n)
		for i := range data {
			data[i] = byte('0' + rand.Intn(10))
		}

		withInode(fs, inodeID, func(di *DiskInode) {
			need := di.BlocksNumNeeded(uint32(n))
			blocks := allocN(fs, int(need))
			di.IncreaseSize(uint32(n), blocks, c)
			if w := di.WriteAt(0, data, c); w != n {
				t.Fatalf("size %v: wrote %v, want %v", n, w, n)
			}
		})

		out := make([]byte, 0, n)
		chunk := make([]byte, 127)
		readOff := 0
		for readOff < n {
			var got int
			withInode(fs, inodeID, func(di *DiskInode) {
				got = di.ReadAt(readOff, chunk, c)
			})
			if got == 0 {
				break
			}
			out = append(out, chunk[:got]...)
			readOff += got
		}
		if string(out) != string(data) {
			t.Fatalf("size %v: roundtrip mismatch (got %v bytes, want %v)", n, len(out), n)
		}
	}
}

func TestClearSizeReturnsAllOwnedBlocksAndZeroesSize(t *testing.T) {
	dev := bdev.NewMemDisk(8192)
	fs := Format(dev, 8192, 1)
	c := fs.Cache()

	inodeID, _ := fs.AllocInode()
	blockID, off := fs.DiskInodePos(inodeID)
	bcache.Modify(c.Get(int(blockID)), off, func(di *DiskInode) any { di.Init(TypeFile); return nil })

	const n = 100 * 512
	data := make([]byte, n)

	var freed []uint32
	withInode(fs, inodeID, func(di *DiskInode) {
		need := di.BlocksNumNeeded(uint32(n))
		blocks := allocN(fs, int(need))
		di.IncreaseSize(uint32(n), blocks, c)
		di.WriteAt(0, data, c)
		freed = di.ClearSize(c)
		if di.Size != 0 {
			t.Fatal("clear_size must zero Size")
		}
	})
	if len(freed) == 0 {
		t.Fatal("clear_size returned no blocks for a non-empty file")
	}
	for _, id := range freed {
		fs.DeallocData(id)
	}
}

// withInode reads-modifies-writes the DiskInode at inodeID through fn,
// persisting fn's mutations back via bcache.Modify.
func withInode(fs *FileSystem, inodeID uint32, fn func(*DiskInode)) {
	blockID, off := fs.DiskInodePos(inodeID)
	h := fs.Cache().Get(int(blockID))
	bcache.Modify(h, off, func(di *DiskInode) any {
		fn(di)
		return nil
	})
}

func allocN(fs *FileSystem, n int) []uint32 {
	blocks := make([]uint32, n)
	for i := range blocks {
		id, ok := fs.AllocData()
		if !ok {
			panic("efs test: data bitmap exhausted")
		}
		blocks[i] = id
	}
	return blocks
}
