// Package syscalltbl implements the syscall dispatch table (spec.md
// §6): one handler per syscall number, translating trap-context
// argument registers into calls against proc.TCB, vfs.Inode, and
// file.File_i. exit/yield/get_time/sbrk are grounded on the
// original's sys_exit/sys_yield/sys_get_time/sys_sbrk; close, open,
// read, write, fork, exec, and waitpid have no original-language
// counterpart in the retrieved sources (only process.rs survived
// distillation, and it covers none of these), so they are grounded
// directly on spec.md §6's table and the already-built vfs/file/proc
// packages, the same precedent src/vfs and src/file followed for
// their own ungrounded pieces.
package syscalltbl

import (
	"defs"
	"fd"
	"fdops"
	"file"
	"proc"
	"sched"
	"vfs"
	"vm"
)

// maxPathLen bounds a NUL-terminated name read out of user memory, a
// teaching-kernel stand-in for a real kernel's PATH_MAX.
const maxPathLen = 256

// maxFds bounds how far allocFd's fd-table scan looks for a free
// slot before giving up.
const maxFds = 256

// Hooks are the pieces of the running kernel a Dispatcher needs but
// does not own: the scheduler's ready queue, a monotonic clock, and
// the mounted filesystem's root directory. Kept as plain fields
// rather than an interface so the kernel package can build one Hooks
// value once at boot and hand it to NewDispatcher.
type Hooks struct {
	// Enqueue places a newly forked child onto the ready queue.
	Enqueue func(sched.Runnable)
	// NowMicros returns the current time in microseconds, backing
	// get_time (spec.md §6).
	NowMicros func() uint64
	// Root is the mounted filesystem's root directory inode, the
	// search root for open and exec's name lookups.
	Root *vfs.Inode
}

// Outcome reports what a dispatched syscall did, richer than the
// single uint64 trap.SyscallFunc returns: exit and fork touch the
// scheduler and the task's own lifetime in ways a return-value-only
// signature can't express. The kernel package, which owns both
// the Processor and the trap loop, is where Outcome gets collapsed
// down to trap.SyscallFunc's shape.
type Outcome struct {
	// Value is the syscall's return value, destined for x10.
	Value uint64
	// Exited reports whether the calling task must be torn down
	// (sys_exit called exit_current_and_run_next in the original).
	Exited bool
	// ExitCode is only meaningful when Exited is true.
	ExitCode int
}

// Dispatcher holds the hooks a running syscall table needs.
type Dispatcher struct {
	hooks Hooks
}

// NewDispatcher builds a Dispatcher over hooks.
func NewDispatcher(hooks Hooks) *Dispatcher {
	return &Dispatcher{hooks: hooks}
}

// Dispatch runs one syscall on behalf of t, the task that trapped in
// via ecall. num and args come straight out of the trap context's
// a7/a0-a2 registers (trap.TrapContext.Syscall).
func (d *Dispatcher) Dispatch(t *proc.TCB, num uint64, args [3]uint64) Outcome {
	switch num {
	case defs.SYS_CLOSE:
		return value(d.sysClose(t, args))
	case defs.SYS_OPEN:
		return value(d.sysOpen(t, args))
	case defs.SYS_READ:
		return value(d.sysRead(t, args))
	case defs.SYS_WRITE:
		return value(d.sysWrite(t, args))
	case defs.SYS_EXIT:
		return d.sysExit(t, args)
	case defs.SYS_YIELD:
		return value(0)
	case defs.SYS_GETTIME:
		return value(d.hooks.NowMicros())
	case defs.SYS_SBRK:
		return value(d.sysSbrk(t, args))
	case defs.SYS_FORK:
		return value(d.sysFork(t))
	case defs.SYS_EXEC:
		return value(d.sysExec(t, args))
	case defs.SYS_WAITPID:
		return value(d.sysWaitpid(t, args))
	default:
		return value(negOne())
	}
}

func value(v uint64) Outcome { return Outcome{Value: v} }

// negOne renders -1 as the uint64 bit pattern x10 carries back to a
// userspace expecting a signed return.
func negOne() uint64 { return uint64(int64(-1)) }

// sysClose implements close(fd) (spec.md §6, number 57): releases the
// fd slot, freeing it for reuse by a later open.
func (d *Dispatcher) sysClose(t *proc.TCB, args [3]uint64) uint64 {
	i := int(args[0])
	slot := t.Fd(i)
	if slot == nil {
		return negOne()
	}
	if err := slot.Fops.Close(); err != 0 {
		return negOne()
	}
	t.SetFd(i, nil)
	return 0
}

// sysOpen implements open(name_ptr, flags) (spec.md §6, number 56):
// reads the NUL-terminated path out of the caller's address space,
// opens or creates it against the mounted filesystem's root, and
// installs the result in the first free fd slot.
func (d *Dispatcher) sysOpen(t *proc.TCB, args [3]uint64) uint64 {
	name, err := readUserString(t.AddressSpace(), vm.Va_t(args[0]), maxPathLen)
	if err != 0 {
		return negOne()
	}

	f, ferr := file.OpenFile(d.hooks.Root, name, file.OpenFlags(args[1]))
	if ferr != 0 {
		return negOne()
	}

	i := allocFd(t)
	if i < 0 {
		return negOne()
	}

	perms := 0
	if f.Readable() {
		perms |= fd.FD_READ
	}
	if f.Writable() {
		perms |= fd.FD_WRITE
	}
	t.SetFd(i, &fd.Fd_t{Fops: f, Perms: perms})
	return uint64(i)
}

// sysRead implements read(fd, buf_ptr, len) (spec.md §6, number 63).
func (d *Dispatcher) sysRead(t *proc.TCB, args [3]uint64) uint64 {
	slot := t.Fd(int(args[0]))
	if slot == nil || slot.Perms&fd.FD_READ == 0 {
		return negOne()
	}
	ub := vm.MkUserBuffer(t.AddressSpace(), vm.Va_t(args[1]), int(args[2]))
	n, err := slot.Fops.Read(ub)
	if err != 0 {
		return negOne()
	}
	return uint64(n)
}

// sysWrite implements write(fd, buf_ptr, len) (spec.md §6, number 64).
func (d *Dispatcher) sysWrite(t *proc.TCB, args [3]uint64) uint64 {
	slot := t.Fd(int(args[0]))
	if slot == nil || slot.Perms&fd.FD_WRITE == 0 {
		return negOne()
	}
	ub := vm.MkUserBuffer(t.AddressSpace(), vm.Va_t(args[1]), int(args[2]))
	n, err := slot.Fops.Write(ub)
	if err != 0 {
		return negOne()
	}
	return uint64(n)
}

// sysExit implements exit(code) (spec.md §6, number 93), grounded on
// the original's sys_exit: prints nothing here (that belongs to the
// kernel package's console), marks the task a zombie, and reports
// Exited so the caller tears it down and runs the next task instead
// of ever returning to it.
func (d *Dispatcher) sysExit(t *proc.TCB, args [3]uint64) Outcome {
	code := int(int32(args[0]))
	t.Exit(code)
	return Outcome{Exited: true, ExitCode: code}
}

// sysSbrk implements sbrk(delta) (spec.md §6, number 214), grounded on
// the original's sys_sbrk/change_program_brk: delta is a signed 32-bit
// byte count, matching the original's `size: i32`.
func (d *Dispatcher) sysSbrk(t *proc.TCB, args [3]uint64) uint64 {
	delta := int(int32(args[0]))
	old, ok := t.Sbrk(delta)
	if !ok {
		return negOne()
	}
	return uint64(old)
}

// sysFork implements fork() (spec.md §6, number 220): the parent's
// return value is the child's pid; the child resumes as if fork
// itself had returned 0, set here rather than left to whatever ret
// the outer trap loop later writes into the caller's own x10.
func (d *Dispatcher) sysFork(t *proc.TCB) uint64 {
	child, err := t.Fork()
	if err != 0 {
		return negOne()
	}
	child.TrapContext().SetReturnValue(0)
	d.hooks.Enqueue(child)
	return uint64(child.Pid)
}

// sysExec implements exec(name_ptr) (spec.md §6, number 221): loads
// name's entire content as a fresh ELF image into the calling task,
// replacing its address space in place. Returns -1 on any failure
// (bad name, missing file, malformed ELF); a successful exec does not
// "return" in the userspace sense, since the trap context it leaves
// behind is the new program's entry point, not a resumption of the
// exec call itself.
func (d *Dispatcher) sysExec(t *proc.TCB, args [3]uint64) uint64 {
	name, err := readUserString(t.AddressSpace(), vm.Va_t(args[0]), maxPathLen)
	if err != 0 {
		return negOne()
	}

	f, ferr := file.OpenFile(d.hooks.Root, name, file.RDONLY)
	if ferr != 0 {
		return negOne()
	}

	data, rerr := readWhole(f)
	if rerr != 0 {
		return negOne()
	}

	if eerr := t.Exec(data); eerr != 0 {
		return negOne()
	}
	return 0
}

// sysWaitpid implements waitpid(pid, status_ptr) (spec.md §6, number
// 260): pid == -1 matches any child. -1 means no matching child
// exists at all; -2 means a match exists but hasn't exited yet, and
// userspace is expected to retry (typically after a yield).
func (d *Dispatcher) sysWaitpid(t *proc.TCB, args [3]uint64) uint64 {
	target := defs.Pid_t(int32(args[0]))
	var code int
	got := t.Waitpid(target, &code)
	if got >= 0 && args[1] != 0 {
		status := vm.MkUserBuffer(t.AddressSpace(), vm.Va_t(args[1]), 4)
		var b [4]byte
		b[0] = byte(code)
		b[1] = byte(code >> 8)
		b[2] = byte(code >> 16)
		b[3] = byte(code >> 24)
		status.Uiowrite(b[:])
	}
	return uint64(int64(got))
}

// allocFd returns the first empty fd-table slot, growing the table by
// appending if every existing slot is occupied.
func allocFd(t *proc.TCB) int {
	for i := 0; i < maxFds; i++ {
		if t.Fd(i) == nil {
			return i
		}
	}
	return -1
}

// readUserString copies a NUL-terminated string out of user memory
// one byte at a time, stopping at the first NUL or at max bytes
// (spec.md §6: "Strings passed across the boundary are NUL-
// terminated"). No original-language source for this helper survived
// distillation; it is modeled on the common translated-string idiom
// of walking the page table byte by byte until a NUL turns up.
func readUserString(as *vm.AddressSpace, va vm.Va_t, max int) (string, defs.Err_t) {
	var b []byte
	for i := 0; i < max; i++ {
		ub := vm.MkUserBuffer(as, va+vm.Va_t(i), 1)
		var one [1]byte
		n, err := ub.Uioread(one[:])
		if err != 0 {
			return "", err
		}
		if n == 0 || one[0] == 0 {
			return string(b), 0
		}
		b = append(b, one[0])
	}
	return "", defs.EINVAL
}

// readChunkSize is how much readWhole asks OsInode.Read to hand back
// per call; OsInode.Read sizes its own request off Userio_i.Remain().
const readChunkSize = 512

// memUserio is a fixed-size write sink, the glue readWhole needs to
// drive file.File_i.Read through the fdops.Userio_i contract without a
// real user address space backing it. want reports the chunk size
// OsInode.Read should request; buf accumulates what it writes back.
type memUserio struct {
	want int
	buf  []uint8
}

func (m *memUserio) Uioread(dst []uint8) (int, defs.Err_t) {
	n := copy(dst, m.buf)
	return n, 0
}

func (m *memUserio) Uiowrite(src []uint8) (int, defs.Err_t) {
	m.buf = append(m.buf, src...)
	return len(src), 0
}

func (m *memUserio) Remain() int  { return m.want }
func (m *memUserio) Totalsz() int { return m.want }

// readWhole drains f from its current offset to EOF, the exec path's
// way of pulling an entire ELF image into memory before handing it to
// proc.TCB.Exec.
func readWhole(f *file.OsInode) ([]uint8, defs.Err_t) {
	var out []uint8
	for {
		chunk := &memUserio{want: readChunkSize}
		n, err := f.Read(chunk)
		if err != 0 {
			return nil, err
		}
		if n == 0 {
			return out, 0
		}
		out = append(out, chunk.buf[:n]...)
	}
}

var _ fdops.Userio_i = (*memUserio)(nil)
