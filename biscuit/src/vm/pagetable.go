// Package vm implements the kernel's sv39 virtual memory: a 3-level
// page table (C2), the address-space/area abstraction built on top of
// it (C3), and the user-buffer gather-copy mechanism traps use to move
// bytes across the user/kernel boundary.
package vm

import (
	"defs"
	"mem"
	"util"
)

// Va_t is a virtual address.
type Va_t uintptr

// Vpn_t is a virtual page number (Va_t >> PGSHIFT).
type Vpn_t uint64

func va2vpn(va Va_t) Vpn_t   { return Vpn_t(va >> mem.PGSHIFT) }
func vpn2va(vpn Vpn_t) Va_t  { return Va_t(vpn) << mem.PGSHIFT }
func vpnfloor(va Va_t) Vpn_t { return va2vpn(va) }
func vpnceil(va Va_t) Vpn_t  { return va2vpn(Va_t(util.Roundup(uint64(va), uint64(mem.PGSIZE)))) }

// VpnFloor and VpnCeil expose the floor/ceil conversions callers need
// to name an area after inserting it, e.g. to later call
// AddressSpace.RemoveAreaWithStartVpn with the same Vpn_t
// InsertFramedArea computed internally.
func VpnFloor(va Va_t) Vpn_t { return vpnfloor(va) }
func VpnCeil(va Va_t) Vpn_t  { return vpnceil(va) }

// idx3 splits a vpn into its three 9-bit sv39 level indices, most
// significant first.
func idx3(vpn Vpn_t) [3]uint64 {
	return [3]uint64{
		(uint64(vpn) >> 18) & 0x1ff,
		(uint64(vpn) >> 9) & 0x1ff,
		uint64(vpn) & 0x1ff,
	}
}

// PageTable is a 3-level sv39 page table: one root frame, two levels
// of 512-entry intermediate tables, all drawn from the same frame
// allocator C1 hands out data pages from (spec.md §4.2).
type PageTable struct {
	alloc  *mem.Allocator
	root   mem.Frame
	frames []mem.Frame // intermediate table frames this page table owns
}

// NewPageTable allocates a bare root frame.
func NewPageTable(alloc *mem.Allocator) *PageTable {
	root, ok := alloc.Alloc()
	if !ok {
		panic("out of frames for page table root")
	}
	return &PageTable{alloc: alloc, root: root}
}

// Token returns the sv39 SATP value selecting this table: the root
// ppn with mode bits set to 8 (sv39), spec.md §4.2.
func (pt *PageTable) Token() uint64 {
	return uint64(pt.root.Ppn()) | (8 << 60)
}

// findPte returns the address of the leaf entry for vpn, walking (and
// optionally allocating) intermediate tables along the way.
func (pt *PageTable) findPte(vpn Vpn_t, alloc bool) *uint64 {
	idxs := idx3(vpn)
	frame := pt.root
	for level := 0; level < 2; level++ {
		pg := frame.Words()
		pte := pg[idxs[level]]
		if pte&uint64(mem.PTE_V) == 0 {
			if !alloc {
				return nil
			}
			nf, ok := pt.alloc.Alloc()
			if !ok {
				panic("page table: out of frames")
			}
			pt.frames = append(pt.frames, nf)
			pg[idxs[level]] = uint64(nf.Ppn())<<10 | uint64(mem.PTE_V)
			frame = nf
		} else {
			ppn := mem.Ppn_t(pte >> 10)
			frame = pt.alloc.At(ppn)
		}
	}
	pg := frame.Words()
	return &pg[idxs[2]]
}

// Map installs a leaf PTE for vpn -> ppn with the given permission
// flags (mem.PTE_R/W/X/U, not including V which Map always sets).
// Fails with defs.EINVAL if a leaf is already mapped at vpn.
func (pt *PageTable) Map(vpn Vpn_t, ppn mem.Ppn_t, flags mem.Pa_t) defs.Err_t {
	pte := pt.findPte(vpn, true)
	if *pte&uint64(mem.PTE_V) != 0 {
		return defs.EINVAL
	}
	*pte = uint64(ppn)<<10 | uint64(flags&mem.PTE_FLAGS) | uint64(mem.PTE_V)
	return 0
}

// Unmap removes the leaf PTE for vpn. Fails with defs.EINVAL if no
// leaf is currently mapped.
func (pt *PageTable) Unmap(vpn Vpn_t) defs.Err_t {
	pte := pt.findPte(vpn, false)
	if pte == nil || *pte&uint64(mem.PTE_V) == 0 {
		return defs.EINVAL
	}
	*pte = 0
	return 0
}

// Translate returns the leaf PTE for vpn and whether it is valid.
func (pt *PageTable) Translate(vpn Vpn_t) (Pte_t, bool) {
	pte := pt.findPte(vpn, false)
	if pte == nil || *pte&uint64(mem.PTE_V) == 0 {
		return 0, false
	}
	return Pte_t(*pte), true
}

// Pte_t is a leaf page table entry: (ppn << 10) | flags | V.
type Pte_t uint64

// Valid reports whether the V bit is set.
func (pte Pte_t) Valid() bool { return uint64(pte)&uint64(mem.PTE_V) != 0 }

// Ppn returns the physical page number this entry maps to.
func (pte Pte_t) Ppn() mem.Ppn_t { return mem.Ppn_t(pte >> 10) }

// Flags returns the entry's permission/status bits.
func (pte Pte_t) Flags() mem.Pa_t { return mem.Pa_t(pte) & mem.PTE_FLAGS }
