package vm

import (
	"testing"

	"mem"
)

func TestUserBufferReadWriteRoundtrip(t *testing.T) {
	alloc := mem.MkAllocator(0x80000000, 64)
	as := NewBare(alloc)
	lo := Va_t(0x4000)
	hi := lo + Va_t(mem.PGSIZE)
	as.InsertFramedArea(lo, hi, mem.PTE_R|mem.PTE_W|mem.PTE_U)

	ub := MkUserBuffer(as, lo, mem.PGSIZE)
	msg := []byte("hello from the kernel")
	n, err := ub.Uiowrite(msg)
	if err != 0 || n != len(msg) {
		t.Fatalf("uiowrite = %v, %v", n, err)
	}

	ub2 := MkUserBuffer(as, lo, len(msg))
	out := make([]byte, len(msg))
	n, err = ub2.Uioread(out)
	if err != 0 || n != len(msg) {
		t.Fatalf("uioread = %v, %v", n, err)
	}
	if string(out) != string(msg) {
		t.Fatalf("got %q, want %q", out, msg)
	}
}

func TestUserBufferSpansMultiplePages(t *testing.T) {
	alloc := mem.MkAllocator(0x80000000, 64)
	as := NewBare(alloc)
	lo := Va_t(0x10000)
	hi := lo + Va_t(3*mem.PGSIZE)
	as.InsertFramedArea(lo, hi, mem.PTE_R|mem.PTE_W)

	total := 3 * mem.PGSIZE
	data := make([]byte, total)
	for i := range data {
		data[i] = uint8(i)
	}
	ub := MkUserBuffer(as, lo, total)
	n, err := ub.Uiowrite(data)
	if err != 0 || n != total {
		t.Fatalf("uiowrite = %v, %v", n, err)
	}

	ub2 := MkUserBuffer(as, lo, total)
	out := make([]byte, total)
	n, err = ub2.Uioread(out)
	if err != 0 || n != total {
		t.Fatalf("uioread = %v, %v", n, err)
	}
	for i := range out {
		if out[i] != data[i] {
			t.Fatalf("byte %d = %v, want %v", i, out[i], data[i])
		}
	}
}

func TestUserBufferUnmappedPageFaults(t *testing.T) {
	alloc := mem.MkAllocator(0x80000000, 16)
	as := NewBare(alloc)
	ub := MkUserBuffer(as, Va_t(0x99000), 8)
	_, err := ub.Uioread(make([]byte, 8))
	if err == 0 {
		t.Fatal("expected EFAULT reading unmapped range")
	}
}

func TestTranslateByteBufferSplitsAtPageBoundary(t *testing.T) {
	alloc := mem.MkAllocator(0x80000000, 16)
	as := NewBare(alloc)
	lo := Va_t(0x5000)
	hi := lo + Va_t(2*mem.PGSIZE)
	as.InsertFramedArea(lo, hi, mem.PTE_R|mem.PTE_W)

	// start mid-page so the transfer crosses exactly one boundary.
	start := lo + Va_t(mem.PGSIZE-4)
	slices, err := TranslateByteBuffer(as, start, 8)
	if err != 0 {
		t.Fatalf("translate: %v", err)
	}
	if len(slices) != 2 {
		t.Fatalf("got %d slices, want 2", len(slices))
	}
	if len(slices[0]) != 4 || len(slices[1]) != 4 {
		t.Fatalf("slice lens = %d, %d, want 4, 4", len(slices[0]), len(slices[1]))
	}
}
