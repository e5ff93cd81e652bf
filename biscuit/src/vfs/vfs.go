// Package vfs is the efs VFS layer (C10): in-memory Inode handles
// over an efs.FileSystem, with ls/find/create/read_at/write_at/clear,
// all structural mutation serialised through one global lock (spec.md
// §4.10 and §5's filesystem concurrency policy).
package vfs

import (
	"sync"

	"bcache"
	"defs"
	"efs"
	"hashtable"
)

// fsLock is the single global spin-style lock covering structural
// operations (create, alloc/dealloc inode and data, directory
// mutation), per spec.md §5. A plain sync.Mutex stands in for the
// spin lock a single-hart kernel would use, matching the ambient-
// stack decision elsewhere in this module to represent the teacher's
// borrow-checked cells as ordinary Go mutexes.
var fsLock sync.Mutex

// handles caches live Inode handles by their on-disk location so two
// lookups of the same file share one handle, grounded on the
// teacher's hashtable package (its own doc comment already names this
// exact use case). Keyed per mounted filesystem: a real kernel mounts
// exactly one efs image, but keeping the cache per *efs.FileSystem
// rather than process-global keeps two independently formatted images
// (as exercised in this package's own tests) from colliding on
// identical (block, offset) pairs.
var (
	registryMu sync.Mutex
	registry   = map[*efs.FileSystem]*hashtable.Hashtable_t{}
)

func handlesFor(fs *efs.FileSystem) *hashtable.Hashtable_t {
	registryMu.Lock()
	defer registryMu.Unlock()
	ht, ok := registry[fs]
	if !ok {
		ht = hashtable.MkHash(64)
		registry[fs] = ht
	}
	return ht
}

// Inode is an in-memory handle onto a DiskInode (spec.md §3's Inode
// handle). Any number of handles may exist per DiskInode; all of them
// go through fsLock for structural changes.
type Inode struct {
	fs          *efs.FileSystem
	block       uint32
	offset      int
	inodeNumber uint32
}

func key(block uint32, offset int) hashtable.InodeKey {
	return hashtable.InodeKey{Block: block, Offset: uint32(offset)}
}

// newHandle returns the cached handle for (block, offset), creating
// and caching one if absent.
func newHandle(fs *efs.FileSystem, inodeNumber, block uint32, offset int) *Inode {
	ht := handlesFor(fs)
	k := key(block, offset)
	if v, ok := ht.Get(k); ok {
		return v.(*Inode)
	}
	ino := &Inode{fs: fs, block: block, offset: offset, inodeNumber: inodeNumber}
	ht.Set(k, ino)
	return ino
}

// Root returns the handle for the filesystem's single root directory
// inode (inode number 0).
func Root(fs *efs.FileSystem) *Inode {
	block, offset := fs.DiskInodePos(0)
	return newHandle(fs, 0, block, offset)
}

// InodeNumber returns this handle's on-disk inode number.
func (ino *Inode) InodeNumber() uint32 { return ino.inodeNumber }

// withDisk reads-modifies-writes the backing DiskInode through fn,
// the access pattern every vfs operation funnels through.
func (ino *Inode) withDisk(fn func(*efs.DiskInode) any) any {
	h := ino.fs.Cache().Get(int(ino.block))
	return bcache.Modify(h, ino.offset, func(di *efs.DiskInode) any {
		return fn(di)
	})
}

func (ino *Inode) readDisk(fn func(*efs.DiskInode) any) any {
	h := ino.fs.Cache().Get(int(ino.block))
	return bcache.Read(h, ino.offset, func(di *efs.DiskInode) any {
		return fn(di)
	})
}

// Ls lists every directory-entry slot's name (spec.md §4.10: entries
// are not filtered by inode_number since delete is not implemented).
func (ino *Inode) Ls() []string {
	fsLock.Lock()
	defer fsLock.Unlock()

	var names []string
	ino.readDisk(func(di *efs.DiskInode) any {
		count := int(di.Size) / efs.DirentSize
		buf := make([]uint8, efs.DirentSize)
		for i := 0; i < count; i++ {
			di.ReadAt(i*efs.DirentSize, buf, ino.fs.Cache())
			var de efs.DirEntry
			de.SetBytes(buf)
			names = append(names, de.NameString())
		}
		return nil
	})
	return names
}

// Find performs a linear scan of the root's directory entries,
// returning a handle on the first name match.
func (ino *Inode) Find(name string) *Inode {
	fsLock.Lock()
	defer fsLock.Unlock()
	return ino.findLocked(name)
}

func (ino *Inode) findLocked(name string) *Inode {
	var found *efs.DirEntry
	ino.readDisk(func(di *efs.DiskInode) any {
		count := int(di.Size) / efs.DirentSize
		buf := make([]uint8, efs.DirentSize)
		for i := 0; i < count; i++ {
			di.ReadAt(i*efs.DirentSize, buf, ino.fs.Cache())
			var de efs.DirEntry
			de.SetBytes(buf)
			if de.NameString() == name {
				found = &de
				return nil
			}
		}
		return nil
	})
	if found == nil {
		return nil
	}
	block, offset := ino.fs.DiskInodePos(found.InodeNumber)
	return newHandle(ino.fs, found.InodeNumber, block, offset)
}

// Create allocates a new File inode named name inside the directory
// ino, failing if the name already exists (spec.md §4.10's create,
// atomic under fsLock).
func (ino *Inode) Create(name string) (*Inode, defs.Err_t) {
	fsLock.Lock()
	defer fsLock.Unlock()

	if ino.findLocked(name) != nil {
		return nil, defs.EEXIST
	}

	de, err := efs.NewDirEntry(name, 0) // validated before allocating anything
	if err != 0 {
		return nil, err
	}

	newID, ok := ino.fs.AllocInode()
	if !ok {
		return nil, defs.ENOMEM
	}
	block, offset := ino.fs.DiskInodePos(newID)
	h := ino.fs.Cache().Get(int(block))
	bcache.Modify(h, offset, func(di *efs.DiskInode) any {
		di.Init(efs.TypeFile)
		return nil
	})

	de.InodeNumber = newID
	ino.appendDirent(&de)

	return newHandle(ino.fs, newID, block, offset), 0
}

// appendDirent grows ino's directory content by one DirentSize record
// and writes de into the new slot. Caller holds fsLock.
func (ino *Inode) appendDirent(de *efs.DirEntry) {
	ino.withDisk(func(di *efs.DiskInode) any {
		offset := int(di.Size)
		growFile(ino.fs, di, offset+efs.DirentSize)
		di.WriteAt(offset, de.Bytes(), ino.fs.Cache())
		return nil
	})
}

// growFile allocates and wires in whatever blocks di needs to reach
// newSize (spec.md §4.10: "write_at first calls increase_size ... if
// offset+len(buf) > size, allocating the needed blocks up-front").
func growFile(fs *efs.FileSystem, di *efs.DiskInode, newSize int) {
	if uint32(newSize) <= di.Size {
		return
	}
	need := di.BlocksNumNeeded(uint32(newSize))
	blocks := make([]uint32, need)
	for i := range blocks {
		id, ok := fs.AllocData()
		if !ok {
			panic("vfs: data bitmap exhausted")
		}
		blocks[i] = id
	}
	di.IncreaseSize(uint32(newSize), blocks, fs.Cache())
}

// ReadAt reads ino's file content into buf starting at offset.
func (ino *Inode) ReadAt(offset int, buf []uint8) int {
	fsLock.Lock()
	defer fsLock.Unlock()
	return ino.readDisk(func(di *efs.DiskInode) any {
		return di.ReadAt(offset, buf, ino.fs.Cache())
	}).(int)
}

// WriteAt writes buf into ino's file content starting at offset,
// growing the file first if the write extends past the current size.
func (ino *Inode) WriteAt(offset int, buf []uint8) int {
	fsLock.Lock()
	defer fsLock.Unlock()
	return ino.withDisk(func(di *efs.DiskInode) any {
		growFile(ino.fs, di, offset+len(buf))
		return di.WriteAt(offset, buf, ino.fs.Cache())
	}).(int)
}

// Clear truncates ino's content to empty, deallocating every block it
// owned (spec.md §4.10's clear).
func (ino *Inode) Clear() {
	fsLock.Lock()
	defer fsLock.Unlock()
	var freed []uint32
	ino.withDisk(func(di *efs.DiskInode) any {
		freed = di.ClearSize(ino.fs.Cache())
		return nil
	})
	for _, id := range freed {
		ino.fs.DeallocData(id)
	}
}
