package vm

import (
	"bytes"
	"debug/elf"
	"fmt"
	"io"

	"mem"
)

// MapType distinguishes an area whose vpn equals its ppn (used for the
// kernel's own identity-mapped regions) from one backed by frames the
// allocator hands out on demand.
type MapType int

const (
	Identical MapType = iota
	Framed
)

// Area is a contiguous run of virtual pages mapped with one permission
// and one MapType, the same shape as the teacher's Vmregion_t entries
// generalized to sv39's page-table-driven model instead of x86's.
type Area struct {
	startVpn, endVpn Vpn_t
	mapType          MapType
	perm             mem.Pa_t
	frames           map[Vpn_t]mem.Frame // Framed only: vpn -> owning frame
}

// NewArea builds an area spanning [floor(startVa), ceil(endVa)).
func NewArea(startVa, endVa Va_t, mapType MapType, perm mem.Pa_t) *Area {
	return &Area{
		startVpn: vpnfloor(startVa),
		endVpn:   vpnceil(endVa),
		mapType:  mapType,
		perm:     perm,
		frames:   make(map[Vpn_t]mem.Frame),
	}
}

func fromAnother(o *Area) *Area {
	return &Area{
		startVpn: o.startVpn,
		endVpn:   o.endVpn,
		mapType:  o.mapType,
		perm:     o.perm,
		frames:   make(map[Vpn_t]mem.Frame),
	}
}

func (a *Area) mapOne(pt *PageTable, alloc *mem.Allocator, vpn Vpn_t) {
	var ppn mem.Ppn_t
	switch a.mapType {
	case Identical:
		ppn = mem.Ppn_t(vpn)
	case Framed:
		f, ok := alloc.Alloc()
		if !ok {
			panic("out of frames mapping area")
		}
		a.frames[vpn] = f
		ppn = f.Ppn()
	}
	if err := pt.Map(vpn, ppn, a.perm); err != 0 {
		panic(fmt.Sprintf("map vpn %#x: %v", vpn, err))
	}
}

func (a *Area) unmapOne(pt *PageTable, vpn Vpn_t) {
	if a.mapType == Framed {
		if f, ok := a.frames[vpn]; ok {
			f.Dealloc()
			delete(a.frames, vpn)
		}
	}
	pt.Unmap(vpn)
}

func (a *Area) mapAll(pt *PageTable, alloc *mem.Allocator) {
	for vpn := a.startVpn; vpn < a.endVpn; vpn++ {
		a.mapOne(pt, alloc, vpn)
	}
}

func (a *Area) unmapAll(pt *PageTable) {
	for vpn := a.startVpn; vpn < a.endVpn; vpn++ {
		a.unmapOne(pt, vpn)
	}
}

// copyData copies data into this (already-mapped, Framed) area's
// pages, one page at a time. Any trailing bytes beyond len(data) stay
// zeroed, since Alloc always hands back a zeroed frame — this is how
// a LOAD segment's BSS tail ends up zero with no separate clear step.
func (a *Area) copyData(data []uint8) {
	off := 0
	vpn := a.startVpn
	for off < len(data) && vpn < a.endVpn {
		n := len(data) - off
		if n > mem.PGSIZE {
			n = mem.PGSIZE
		}
		f := a.frames[vpn]
		copy(f.Bytes(), data[off:off+n])
		off += n
		vpn++
	}
}

func (a *Area) shrinkTo(pt *PageTable, newEndVpn Vpn_t) {
	for vpn := newEndVpn; vpn < a.endVpn; vpn++ {
		a.unmapOne(pt, vpn)
	}
	a.endVpn = newEndVpn
}

func (a *Area) appendTo(pt *PageTable, alloc *mem.Allocator, newEndVpn Vpn_t) {
	for vpn := a.endVpn; vpn < newEndVpn; vpn++ {
		a.mapOne(pt, alloc, vpn)
	}
	a.endVpn = newEndVpn
}

// AddressSpace is one task's (or the kernel's) page table plus the
// ordered list of areas currently mapped into it, generalizing the
// teacher's Vm_t to sv39's Identical/Framed area model (rCore's
// MemorySet is the direct model here, since the teacher's own Vm_t
// carries x86 COW/mmap machinery this kernel has no use for).
type AddressSpace struct {
	alloc *mem.Allocator
	pt    *PageTable
	areas []*Area
}

// NewBare builds an address space with an empty page table.
func NewBare(alloc *mem.Allocator) *AddressSpace {
	return &AddressSpace{alloc: alloc, pt: NewPageTable(alloc)}
}

// Token returns the SATP value for this address space's page table.
func (as *AddressSpace) Token() uint64 { return as.pt.Token() }

// Activate returns the SATP value to write and fence in; the hosted
// simulation has no literal CSR to write, so the trap package is
// responsible for recording and acting on the returned token.
func (as *AddressSpace) Activate() uint64 { return as.pt.Token() }

// Translate looks up vpn's leaf PTE.
func (as *AddressSpace) Translate(vpn Vpn_t) (Pte_t, bool) {
	return as.pt.Translate(vpn)
}

// Push maps area into the page table and, if data is non-nil, copies
// it into the area's (necessarily Framed) pages.
func (as *AddressSpace) Push(area *Area, data []uint8) {
	area.mapAll(as.pt, as.alloc)
	if data != nil {
		area.copyData(data)
	}
	as.areas = append(as.areas, area)
}

// InsertFramedArea maps a fresh Framed area with the given permissions.
func (as *AddressSpace) InsertFramedArea(startVa, endVa Va_t, perm mem.Pa_t) {
	as.Push(NewArea(startVa, endVa, Framed, perm), nil)
}

// MapTrampoline maps the single shared trampoline physical page at
// the fixed TRAMPOLINE virtual address, R|X, no U — present
// identically in every address space (spec.md §4.4).
func (as *AddressSpace) MapTrampoline(trampolinePpn mem.Ppn_t) {
	vpn := va2vpn(Va_t(mem.TRAMPOLINE))
	if err := as.pt.Map(vpn, trampolinePpn, mem.PTE_R|mem.PTE_X); err != 0 {
		panic(fmt.Sprintf("map trampoline: %v", err))
	}
}

// RemoveAreaWithStartVpn unmaps and drops the area starting at
// startVpn, returning false if no such area exists.
func (as *AddressSpace) RemoveAreaWithStartVpn(startVpn Vpn_t) bool {
	for i, a := range as.areas {
		if a.startVpn == startVpn {
			a.unmapAll(as.pt)
			as.areas = append(as.areas[:i], as.areas[i+1:]...)
			return true
		}
	}
	return false
}

func (as *AddressSpace) findByStart(startVa Va_t) *Area {
	startVpn := vpnfloor(startVa)
	for _, a := range as.areas {
		if a.startVpn == startVpn {
			return a
		}
	}
	return nil
}

// ShrinkTo shrinks the area starting at startVa to end at newEndVa,
// unmapping (and freeing, for Framed areas) the trimmed pages.
func (as *AddressSpace) ShrinkTo(startVa, newEndVa Va_t) bool {
	a := as.findByStart(startVa)
	if a == nil {
		return false
	}
	a.shrinkTo(as.pt, vpnceil(newEndVa))
	return true
}

// AppendTo grows the area starting at startVa to end at newEndVa,
// mapping (and for Framed areas, allocating) the new pages.
func (as *AddressSpace) AppendTo(startVa, newEndVa Va_t) bool {
	a := as.findByStart(startVa)
	if a == nil {
		return false
	}
	a.appendTo(as.pt, as.alloc, vpnceil(newEndVa))
	return true
}

// RecycleDataPages drops every area, releasing all Framed frames. The
// page table itself (and its intermediate-level frames) is left
// intact; only the TCB going away releases those (spec.md §4.6's
// exit: "release address-space frames eagerly... the TCB itself
// persists until reaped").
func (as *AddressSpace) RecycleDataPages() {
	for _, a := range as.areas {
		a.unmapAll(as.pt)
	}
	as.areas = nil
}

// FromExistedUser rebuilds an identical area layout in a fresh address
// space and copies each Framed area's page bytes, with no copy-on-
// write sharing (spec.md §4.3).
func FromExistedUser(parent *AddressSpace, trampolinePpn mem.Ppn_t) *AddressSpace {
	child := NewBare(parent.alloc)
	child.MapTrampoline(trampolinePpn)
	for _, pa := range parent.areas {
		ca := fromAnother(pa)
		child.Push(ca, nil)
		if pa.mapType == Framed {
			for vpn := pa.startVpn; vpn < pa.endVpn; vpn++ {
				copy(ca.frames[vpn].Bytes(), pa.frames[vpn].Bytes())
			}
		}
	}
	return child
}

// FromELF parses an ELF64 image, maps one Framed area per PT_LOAD
// segment, then appends a zero-length heap area, a guarded user
// stack, and a trap-context area, returning the new address space,
// the initial user stack pointer, the entry point, and the heap's
// starting address (spec.md §4.3; the heap bottom is where sbrk's
// AppendTo/ShrinkTo calls grow and shrink from).
func FromELF(alloc *mem.Allocator, elfData []uint8, trampolinePpn mem.Ppn_t) (as *AddressSpace, userSp Va_t, entry Va_t, heapBottom Va_t, err error) {
	if len(elfData) < 4 || elfData[0] != 0x7f || elfData[1] != 'E' || elfData[2] != 'L' || elfData[3] != 'F' {
		return nil, 0, 0, 0, fmt.Errorf("vm: bad ELF magic")
	}
	f, perr := elf.NewFile(bytes.NewReader(elfData))
	if perr != nil {
		return nil, 0, 0, 0, perr
	}

	as = NewBare(alloc)
	as.MapTrampoline(trampolinePpn)

	var maxEndVpn Vpn_t
	for _, ph := range f.Progs {
		if ph.Type != elf.PT_LOAD {
			continue
		}
		startVa := Va_t(ph.Vaddr)
		endVa := Va_t(ph.Vaddr + ph.Memsz)
		perm := mem.PTE_U
		if ph.Flags&elf.PF_R != 0 {
			perm |= mem.PTE_R
		}
		if ph.Flags&elf.PF_W != 0 {
			perm |= mem.PTE_W
		}
		if ph.Flags&elf.PF_X != 0 {
			perm |= mem.PTE_X
		}
		area := NewArea(startVa, endVa, Framed, perm)
		var data []uint8
		if ph.Filesz > 0 {
			data = make([]uint8, ph.Filesz)
			if _, rerr := io.ReadFull(ph.Open(), data); rerr != nil {
				return nil, 0, 0, 0, rerr
			}
		}
		as.Push(area, data)
		if area.endVpn > maxEndVpn {
			maxEndVpn = area.endVpn
		}
	}

	heapBottom = vpn2va(maxEndVpn)
	as.InsertFramedArea(heapBottom, heapBottom, mem.PTE_R|mem.PTE_W|mem.PTE_U)

	guard := heapBottom + Va_t(mem.PGSIZE)
	stackTop := guard + Va_t(mem.USER_STACK_SIZE)
	as.InsertFramedArea(guard, stackTop, mem.PTE_R|mem.PTE_W|mem.PTE_U)

	as.InsertFramedArea(Va_t(mem.TRAP_CONTEXT), Va_t(mem.TRAMPOLINE), mem.PTE_R|mem.PTE_W)

	return as, stackTop, Va_t(f.Entry), heapBottom, nil
}

// KernelSection describes one identity-mapped kernel region. This
// kernel has no linker script in this hosted form, so section bounds
// come from the caller instead of symbols like `ekernel`.
type KernelSection struct {
	Start, End Va_t
	Perm       mem.Pa_t
}

// NewKernel builds the kernel's own address space: one Identical area
// per section, the trampoline, and the free physical region
// [freeStart, mem.MEMORY_END) (spec.md §4.3, "Kernel address space").
func NewKernel(alloc *mem.Allocator, sections []KernelSection, trampolinePpn mem.Ppn_t, freeStart Va_t) *AddressSpace {
	as := NewBare(alloc)
	as.MapTrampoline(trampolinePpn)
	for _, s := range sections {
		as.Push(NewArea(s.Start, s.End, Identical, s.Perm), nil)
	}
	as.Push(NewArea(freeStart, Va_t(mem.MEMORY_END), Identical, mem.PTE_R|mem.PTE_W), nil)
	return as
}
