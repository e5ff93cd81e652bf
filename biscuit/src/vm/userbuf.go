package vm

import (
	"defs"
	"mem"
)

// UserBuffer walks a virtual address range page by page, copying to
// or from a caller-provided slice as it goes — a simplified
// generalization of the teacher's Userbuf_t/_tx gather-copy loop, with
// the page-fault-on-demand and multi-CPU TLB-shootdown machinery
// dropped since every Framed page here is mapped eagerly and this
// kernel is single-hart.
type UserBuffer struct {
	as  *AddressSpace
	va  Va_t
	len int
	off int
}

// MkUserBuffer builds a UserBuffer over [va, va+length) in as.
func MkUserBuffer(as *AddressSpace, va Va_t, length int) *UserBuffer {
	return &UserBuffer{as: as, va: va, len: length}
}

// Remain returns the number of bytes not yet transferred.
func (ub *UserBuffer) Remain() int { return ub.len - ub.off }

// Totalsz returns the buffer's total length.
func (ub *UserBuffer) Totalsz() int { return ub.len }

// Uioread copies from the user range into dst.
func (ub *UserBuffer) Uioread(dst []uint8) (int, defs.Err_t) {
	return ub.tx(dst, false)
}

// Uiowrite copies from src into the user range.
func (ub *UserBuffer) Uiowrite(src []uint8) (int, defs.Err_t) {
	return ub.tx(src, true)
}

func (ub *UserBuffer) tx(buf []uint8, write bool) (int, defs.Err_t) {
	did := 0
	for did < len(buf) && ub.off < ub.len {
		va := ub.va + Va_t(ub.off)
		vpn := va2vpn(va)
		pageoff := int(va) & (mem.PGSIZE - 1)
		pte, ok := ub.as.Translate(vpn)
		if !ok {
			return did, defs.EFAULT
		}
		pagebytes := ub.as.alloc.At(pte.Ppn()).Bytes()

		n := mem.PGSIZE - pageoff
		if rem := ub.len - ub.off; n > rem {
			n = rem
		}
		if left := len(buf) - did; n > left {
			n = left
		}
		if write {
			copy(pagebytes[pageoff:pageoff+n], buf[did:did+n])
		} else {
			copy(buf[did:did+n], pagebytes[pageoff:pageoff+n])
		}
		did += n
		ub.off += n
	}
	return did, 0
}

// TranslateByteBuffer walks the address space's page table across
// [va, va+length), returning one kernel-visible byte slice per
// intersected page (spec.md §4.2). It is the mechanism a trap uses to
// read or write a user buffer that straddles page boundaries without
// going through the UserBuffer gather-copy loop.
func TranslateByteBuffer(as *AddressSpace, va Va_t, length int) ([][]uint8, defs.Err_t) {
	var out [][]uint8
	off := 0
	for off < length {
		cur := va + Va_t(off)
		vpn := va2vpn(cur)
		pageoff := int(cur) & (mem.PGSIZE - 1)
		pte, ok := as.Translate(vpn)
		if !ok {
			return nil, defs.EFAULT
		}
		n := mem.PGSIZE - pageoff
		if rem := length - off; n > rem {
			n = rem
		}
		pagebytes := as.alloc.At(pte.Ppn()).Bytes()
		out = append(out, pagebytes[pageoff:pageoff+n])
		off += n
	}
	return out, 0
}
