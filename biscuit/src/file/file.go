// Package file implements the File port (C11): the Stdin/Stdout
// console files and a filesystem-backed descriptor wrapping a
// vfs.Inode, plus open_file's create/find/truncate dispatch.
package file

import (
	"io"
	"sync"

	"circbuf"
	"defs"
	"fdops"
	"vfs"
)

// File_i is the capability every open file descriptor's backing
// object presents (spec.md §4.11): readable()/writable() plus the
// fdops.Fdops_i read/write/close/reopen contract every fd slot
// already expects (src/fd's Fd_t.Fops).
type File_i interface {
	fdops.Fdops_i
	Readable() bool
	Writable() bool
}

// Stdin reads one byte at a time out of a circular buffer fed by a
// simulated console IRQ, yielding (via the callback supplied at
// construction) while the buffer is empty, matching the original's
// console_getchar-and-retry loop.
type Stdin struct {
	cb    *circbuf.Circbuf_t
	yield func()
}

// NewStdin builds a Stdin over cb, calling yield whenever a read finds
// the buffer empty. yield is the caller's scheduler suspend point
// (e.g. sched.Processor.SuspendCurrent), kept as a plain callback so
// this package has no dependency on src/sched.
func NewStdin(cb *circbuf.Circbuf_t, yield func()) *Stdin {
	return &Stdin{cb: cb, yield: yield}
}

func (s *Stdin) Readable() bool { return true }
func (s *Stdin) Writable() bool { return false }

func (s *Stdin) Close() defs.Err_t  { return 0 }
func (s *Stdin) Reopen() defs.Err_t { return 0 }

// Read copies exactly one byte into dst, yielding in a loop until the
// console IRQ simulation has delivered one (spec.md §4.11: "blocking
// byte-at-a-time... yields if no char").
func (s *Stdin) Read(dst fdops.Userio_i) (int, defs.Err_t) {
	for s.cb.Empty() {
		s.yield()
	}
	return s.cb.Copyout_n(dst, 1)
}

func (s *Stdin) Write(fdops.Userio_i) (int, defs.Err_t) {
	panic("file: write on Stdin")
}

// Stdout writes a byte stream to out one byte at a time, mirroring the
// original's per-byte SBI console_putchar loop.
type Stdout struct {
	out io.Writer
}

// NewStdout builds a Stdout over out, the simulated console sink.
func NewStdout(out io.Writer) *Stdout {
	return &Stdout{out: out}
}

func (s *Stdout) Readable() bool { return false }
func (s *Stdout) Writable() bool { return true }

func (s *Stdout) Close() defs.Err_t  { return 0 }
func (s *Stdout) Reopen() defs.Err_t { return 0 }

func (s *Stdout) Read(fdops.Userio_i) (int, defs.Err_t) {
	panic("file: read on Stdout")
}

func (s *Stdout) Write(src fdops.Userio_i) (int, defs.Err_t) {
	buf := make([]uint8, src.Remain())
	n, err := src.Uioread(buf)
	if err != 0 {
		return 0, err
	}
	for _, b := range buf[:n] {
		if _, werr := s.out.Write([]byte{b}); werr != nil {
			return 0, defs.EINVAL
		}
	}
	return n, 0
}

// OpenFlags controls the readability/writability and create/truncate
// behaviour of open_file (spec.md §4.11), matching the original's
// bitflags layout.
type OpenFlags int

const (
	RDONLY OpenFlags = 0
	WRONLY OpenFlags = 1 << 0
	RDWR   OpenFlags = 1 << 1
	CREATE OpenFlags = 1 << 9
	TRUNC  OpenFlags = 1 << 10
)

func (f OpenFlags) readable() bool { return f&WRONLY == 0 }
func (f OpenFlags) writable() bool { return f&WRONLY != 0 || f&RDWR != 0 }

// OsInode is a filesystem-backed open file: an Inode handle plus an
// independent read/write offset and the permission bits open_file
// computed for this open (spec.md §4.11).
type OsInode struct {
	mu       sync.Mutex
	readable bool
	writable bool
	offset   int
	inode    *vfs.Inode
}

func (f *OsInode) Readable() bool { return f.readable }
func (f *OsInode) Writable() bool { return f.writable }

func (f *OsInode) Close() defs.Err_t  { return 0 }
func (f *OsInode) Reopen() defs.Err_t { return 0 }

// Read copies up to dst's capacity starting at the descriptor's
// current offset, advancing the offset by the amount read.
func (f *OsInode) Read(dst fdops.Userio_i) (int, defs.Err_t) {
	f.mu.Lock()
	defer f.mu.Unlock()

	buf := make([]uint8, dst.Remain())
	n := f.inode.ReadAt(f.offset, buf)
	f.offset += n
	if n == 0 {
		return 0, 0
	}
	if _, err := dst.Uiowrite(buf[:n]); err != 0 {
		return 0, err
	}
	return n, 0
}

// Write copies all of src into the file at the descriptor's current
// offset (growing the file as needed), advancing the offset.
func (f *OsInode) Write(src fdops.Userio_i) (int, defs.Err_t) {
	f.mu.Lock()
	defer f.mu.Unlock()

	buf := make([]uint8, src.Remain())
	n, err := src.Uioread(buf)
	if err != 0 {
		return 0, err
	}
	written := f.inode.WriteAt(f.offset, buf[:n])
	f.offset += written
	return written, 0
}

// OpenFile implements open_file (spec.md §4.11): CREATE makes a fresh
// entry (or truncates the existing one, if TRUNC is also set);
// otherwise the name must already exist via find. Returns ENOENT
// where the original returns None.
func OpenFile(root *vfs.Inode, name string, flags OpenFlags) (*OsInode, defs.Err_t) {
	var inode *vfs.Inode

	if flags&CREATE != 0 {
		if existing := root.Find(name); existing != nil {
			if flags&TRUNC != 0 {
				existing.Clear()
			}
			inode = existing
		} else {
			created, err := root.Create(name)
			if err != 0 {
				return nil, err
			}
			inode = created
		}
	} else {
		inode = root.Find(name)
		if inode == nil {
			return nil, defs.ENOENT
		}
		if flags&TRUNC != 0 {
			inode.Clear()
		}
	}

	return &OsInode{
		readable: flags.readable(),
		writable: flags.writable(),
		inode:    inode,
	}, 0
}
