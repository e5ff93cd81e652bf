// Package mem implements the kernel's physical frame allocator: a
// stack free-list over a bounded PPN range, the same free-list idea
// the teacher's Physmem_t uses for its pmap/page lists, stripped of
// the per-CPU sharding and reference counting that only makes sense
// for a many-hart machine (spec.md §1: single-hart, no COW, so a
// frame always has exactly one owner).
package mem

import (
	"fmt"
	"unsafe"

	"stats"
)

// PGSHIFT is the base-2 exponent for the sv39 page size.
const PGSHIFT uint = 12

// PGSIZE is the size of a single page in bytes.
const PGSIZE int = 1 << PGSHIFT

// PGOFFSET masks offsets within a page.
const PGOFFSET Pa_t = 0xfff

// PGMASK masks the page number of an address.
const PGMASK Pa_t = ^(PGOFFSET)

// sv39 PTE flag bits (spec.md §4.2).
const (
	PTE_V Pa_t = 1 << 0 // valid
	PTE_R Pa_t = 1 << 1 // readable
	PTE_W Pa_t = 1 << 2 // writable
	PTE_X Pa_t = 1 << 3 // executable
	PTE_U Pa_t = 1 << 4 // user-accessible
	PTE_G Pa_t = 1 << 5 // global
	PTE_A Pa_t = 1 << 6 // accessed
	PTE_D Pa_t = 1 << 7 // dirty
)

// PTE_FLAGS masks the low 8 bits used for RSW/permission flags.
const PTE_FLAGS Pa_t = 0xff

// Memory layout constants (spec.md §4.3/§4.4). TRAMPOLINE and
// TRAP_CONTEXT sit at fixed virtual addresses one page below the top
// of the sv39 address space, present identically in every address
// space so a trap can switch page tables mid-instruction without
// losing its own code/data mapping.
const (
	// TRAMPOLINE is the top page of the sv39 address space, mapped to
	// the same physical trampoline frame (__alltraps/__restore) in
	// every address space.
	TRAMPOLINE Pa_t = (1 << 39) - Pa_t(PGSIZE)
	// TRAP_CONTEXT sits one page below TRAMPOLINE and holds a task's
	// saved trap context while it runs in user mode.
	TRAP_CONTEXT Pa_t = TRAMPOLINE - Pa_t(PGSIZE)
	// USER_STACK_SIZE is the size of a task's user stack, guarded by
	// one unmapped page placed just below it.
	USER_STACK_SIZE = 2 * PGSIZE
	// KERNEL_STACK_SIZE is the size of a task's kernel-mode stack.
	KERNEL_STACK_SIZE = 2 * PGSIZE
	// MEMORY_END bounds the simulated physical RAM region the kernel's
	// identity-mapped frame allocator manages.
	MEMORY_END Pa_t = 0x88000000
)

// Pa_t is a physical address.
type Pa_t uintptr

// Ppn_t is a physical page number (Pa_t >> PGSHIFT).
type Ppn_t uint64

// Bytepg_t is a byte-addressed page, the unit the frame allocator hands out.
type Bytepg_t [PGSIZE]uint8

// Pg_t is a page viewed as an array of machine words, used when a
// caller wants to scan/zero a page without byte-level indexing.
type Pg_t [PGSIZE / 8]uint64

// Pg2bytes views a word page as a byte page.
func Pg2bytes(pg *Pg_t) *Bytepg_t {
	return (*Bytepg_t)(unsafe.Pointer(pg))
}

// Bytepg2pg views a byte page as a word page.
func Bytepg2pg(pg *Bytepg_t) *Pg_t {
	return (*Pg_t)(unsafe.Pointer(pg))
}

func pg2pn(p Pa_t) Ppn_t { return Ppn_t(p >> PGSHIFT) }
func pn2pg(n Ppn_t) Pa_t { return Pa_t(n) << PGSHIFT }

// Frame owns one physical page. Its lifecycle matches spec.md §1's
// Frame glossary entry: Alloc zeroes it, Dealloc returns it to the
// allocator it came from. There is no reference count: fork performs
// a full copy (no COW), so a Frame never has more than one owner.
type Frame struct {
	ppn   Ppn_t
	alloc *Allocator
}

// Pa returns the frame's physical address.
func (f Frame) Pa() Pa_t { return pn2pg(f.ppn) }

// Ppn returns the frame's physical page number.
func (f Frame) Ppn() Ppn_t { return f.ppn }

// Bytes returns the frame's backing storage as a byte slice.
func (f Frame) Bytes() []uint8 {
	return f.alloc.frameBytes(f.ppn)
}

// Words views the frame's backing storage as a page of uint64 words.
func (f Frame) Words() *Pg_t {
	return Bytepg2pg((*Bytepg_t)(unsafe.Pointer(&f.Bytes()[0])))
}

// Dealloc returns the frame to the allocator it was handed out from.
// Double-freeing or freeing a ppn the allocator never handed out
// panics (spec.md §4.1's double-free guard).
func (f Frame) Dealloc() {
	f.alloc.dealloc(f.ppn)
}

// Allocator is a stack-free-list frame allocator over the bounded PPN
// range [startPpn, startPpn+len(frames)). Alloc prefers a recycled ppn
// off the free-list stack; failing that it bumps the high-water mark.
type Allocator struct {
	ram      []uint8 // simulated backing RAM for [startPpn, endPpn)
	startPpn Ppn_t
	used     []bool   // used[i] true iff ppn startPpn+i currently allocated
	nexti    []uint32 // free-list stack: nexti[i] links to the next free slot
	freeTop  int32    // index of the top of the free stack, -1 if empty
	highwat  uint32   // number of ppns ever handed a slot, i.e. bump pointer

	Allocs stats.Counter_t
	Frees  stats.Counter_t
}

// MkAllocator builds an Allocator managing npages frames starting at
// physical address base, which must be page-aligned.
func MkAllocator(base Pa_t, npages int) *Allocator {
	if base&PGOFFSET != 0 {
		panic("unaligned frame allocator base")
	}
	a := &Allocator{
		ram:      make([]uint8, npages*PGSIZE),
		startPpn: pg2pn(base),
		used:     make([]bool, npages),
		nexti:    make([]uint32, npages),
		freeTop:  -1,
	}
	return a
}

// Cap returns the total number of frames this allocator manages.
func (a *Allocator) Cap() int {
	return len(a.used)
}

// At returns a Frame handle for a ppn this allocator already owns (for
// example, one read out of a page-table entry), without allocating.
// Callers must not call Dealloc on a Frame obtained this way unless
// they are the frame's actual owner.
func (a *Allocator) At(ppn Ppn_t) Frame {
	return Frame{ppn: ppn, alloc: a}
}

func (a *Allocator) frameBytes(ppn Ppn_t) []uint8 {
	idx := int(ppn - a.startPpn)
	off := idx * PGSIZE
	return a.ram[off : off+PGSIZE]
}

// Alloc hands out a zeroed frame, or ok=false if the range is exhausted.
func (a *Allocator) Alloc() (Frame, bool) {
	var idx uint32
	if a.freeTop >= 0 {
		idx = a.nexti[a.freeTop]
		a.freeTop--
	} else if int(a.highwat) < len(a.used) {
		idx = a.highwat
		a.highwat++
	} else {
		return Frame{}, false
	}
	a.used[idx] = true
	ppn := a.startPpn + Ppn_t(idx)
	b := a.frameBytes(ppn)
	for i := range b {
		b[i] = 0
	}
	a.Allocs.Inc()
	return Frame{ppn: ppn, alloc: a}, true
}

func (a *Allocator) dealloc(ppn Ppn_t) {
	idx := int64(ppn) - int64(a.startPpn)
	if idx < 0 || idx >= int64(a.highwat) {
		panic("dealloc: ppn above high-water mark")
	}
	if !a.used[idx] {
		panic("dealloc: double free")
	}
	a.used[idx] = false
	a.freeTop++
	a.nexti[a.freeTop] = uint32(idx)
	a.Frees.Inc()
}

// Stats renders the allocator's counters for the kernel's debug dump.
func (a *Allocator) Stats() string {
	s := stats.Stats2String(struct {
		Allocs stats.Counter_t
		Frees  stats.Counter_t
	}{a.Allocs, a.Frees})
	return fmt.Sprintf("frames: %d/%d used%s", a.highwat-uint32(a.freeTop+1), len(a.used), s)
}
