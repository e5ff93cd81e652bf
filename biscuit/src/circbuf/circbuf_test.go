package circbuf

import "defs"
import "testing"

type fakeUio struct {
	buf []uint8
	off int
}

func (f *fakeUio) Uioread(dst []uint8) (int, defs.Err_t) {
	n := copy(dst, f.buf[f.off:])
	f.off += n
	return n, 0
}

func (f *fakeUio) Uiowrite(src []uint8) (int, defs.Err_t) {
	n := copy(f.buf[f.off:], src)
	f.off += n
	return n, 0
}

func (f *fakeUio) Remain() int  { return len(f.buf) - f.off }
func (f *fakeUio) Totalsz() int { return len(f.buf) }

func TestCopyinCopyout(t *testing.T) {
	var cb Circbuf_t
	cb.Cb_init(8)

	src := &fakeUio{buf: []byte("hello")}
	n, err := cb.Copyin(src)
	if err != 0 || n != 5 {
		t.Fatalf("copyin = %v, %v", n, err)
	}
	if cb.Used() != 5 {
		t.Fatalf("used = %v, want 5", cb.Used())
	}

	dst := &fakeUio{buf: make([]uint8, 5)}
	n, err = cb.Copyout(dst)
	if err != 0 || n != 5 {
		t.Fatalf("copyout = %v, %v", n, err)
	}
	if string(dst.buf) != "hello" {
		t.Fatalf("got %q", dst.buf)
	}
	if !cb.Empty() {
		t.Fatal("expected empty after full drain")
	}
}

func TestWraparound(t *testing.T) {
	var cb Circbuf_t
	cb.Cb_init(4)

	src := &fakeUio{buf: []byte("ab")}
	cb.Copyin(src)
	dst := &fakeUio{buf: make([]uint8, 2)}
	cb.Copyout(dst)

	src2 := &fakeUio{buf: []byte("cdef")}
	n, err := cb.Copyin(src2)
	if err != 0 || n != 4 {
		t.Fatalf("copyin wraparound = %v, %v", n, err)
	}
	if !cb.Full() {
		t.Fatal("expected full buffer")
	}

	dst2 := &fakeUio{buf: make([]uint8, 4)}
	n, err = cb.Copyout(dst2)
	if err != 0 || n != 4 {
		t.Fatalf("copyout wraparound = %v, %v", n, err)
	}
	if string(dst2.buf) != "cdef" {
		t.Fatalf("got %q", dst2.buf)
	}
}

func TestCopyoutN(t *testing.T) {
	var cb Circbuf_t
	cb.Cb_init(8)
	src := &fakeUio{buf: []byte("abcdef")}
	cb.Copyin(src)

	dst := &fakeUio{buf: make([]uint8, 3)}
	n, err := cb.Copyout_n(dst, 3)
	if err != 0 || n != 3 {
		t.Fatalf("copyout_n = %v, %v", n, err)
	}
	if string(dst.buf) != "abc" {
		t.Fatalf("got %q", dst.buf)
	}
	if cb.Used() != 3 {
		t.Fatalf("used = %v, want 3", cb.Used())
	}
}
