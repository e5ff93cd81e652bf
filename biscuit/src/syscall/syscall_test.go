package syscalltbl

import (
	"encoding/binary"
	"testing"

	"bdev"
	"defs"
	"efs"
	"fd"
	"fdops"
	"mem"
	"proc"
	"sched"
	"vfs"
	"vm"
)

type fakeFops struct{}

func (f *fakeFops) Close() defs.Err_t                         { return 0 }
func (f *fakeFops) Reopen() defs.Err_t                        { return 0 }
func (f *fakeFops) Read(dst fdops.Userio_i) (int, defs.Err_t)  { return 0, 0 }
func (f *fakeFops) Write(src fdops.Userio_i) (int, defs.Err_t) { return 0, 0 }

func initialFds() []*fd.Fd_t {
	return []*fd.Fd_t{
		{Fops: &fakeFops{}, Perms: fd.FD_READ},
		{Fops: &fakeFops{}, Perms: fd.FD_WRITE},
		{Fops: &fakeFops{}, Perms: fd.FD_WRITE},
	}
}

func buildMiniELF(vaddr, entry uint64, flags uint32, payload []uint8) []uint8 {
	const ehsize = 64
	const phsize = 56

	buf := make([]uint8, ehsize+phsize+len(payload))
	le := binary.LittleEndian

	copy(buf[0:4], []byte{0x7f, 'E', 'L', 'F'})
	buf[4] = 2
	buf[5] = 1
	buf[6] = 1
	le.PutUint16(buf[16:], 2)
	le.PutUint16(buf[18:], 243)
	le.PutUint32(buf[20:], 1)
	le.PutUint64(buf[24:], entry)
	le.PutUint64(buf[32:], ehsize)
	le.PutUint16(buf[52:], ehsize)
	le.PutUint16(buf[54:], phsize)
	le.PutUint16(buf[56:], 1)

	ph := buf[ehsize:]
	le.PutUint32(ph[0:], 1)
	le.PutUint32(ph[4:], flags)
	le.PutUint64(ph[8:], ehsize+phsize)
	le.PutUint64(ph[16:], vaddr)
	le.PutUint64(ph[24:], vaddr)
	le.PutUint64(ph[32:], uint64(len(payload)))
	le.PutUint64(ph[40:], uint64(len(payload)))
	le.PutUint64(ph[48:], uint64(mem.PGSIZE))

	copy(buf[ehsize+phsize:], payload)
	return buf
}

func tinyELF() []uint8 {
	return buildMiniELF(0x10000, 0x10000, 1|4, []byte("hi\x00"))
}

func mkManager(t *testing.T) *proc.Manager {
	t.Helper()
	alloc := mem.MkAllocator(0x80000000, 1024)
	kspace := vm.NewBare(alloc)
	trampoline, ok := alloc.Alloc()
	if !ok {
		t.Fatal("alloc trampoline")
	}
	kspace.MapTrampoline(trampoline.Ppn())
	return proc.NewManager(alloc, kspace, trampoline.Ppn())
}

func freshRoot(totalBlocks, inodeBitmapBlocks uint32) *vfs.Inode {
	dev := bdev.NewMemDisk(int(totalBlocks))
	fs := efs.Format(dev, totalBlocks, inodeBitmapBlocks)
	return vfs.Root(fs)
}

func mkDispatcher(root *vfs.Inode, now uint64) (*Dispatcher, []sched.Runnable) {
	var enqueued []sched.Runnable
	d := NewDispatcher(Hooks{
		Enqueue:   func(r sched.Runnable) { enqueued = append(enqueued, r) },
		NowMicros: func() uint64 { return now },
		Root:      root,
	})
	return d, enqueued
}

// writeUserBytes copies data into t's address space at va, used to
// stage a name or payload a syscall argument then points at.
func writeUserBytes(t *proc.TCB, va vm.Va_t, data []byte) {
	ub := vm.MkUserBuffer(t.AddressSpace(), va, len(data))
	ub.Uiowrite(data)
}

func TestDispatchOpenCreateWriteCloseThenReadBack(t *testing.T) {
	m := mkManager(t)
	root := freshRoot(8192, 1)
	tcb, err := m.New(tinyELF(), 0xdead, initialFds())
	if err != 0 {
		t.Fatalf("New: %v", err)
	}

	d, _ := mkDispatcher(root, 0)

	nameVa, ok := tcb.Sbrk(int(mem.PGSIZE))
	if !ok {
		t.Fatal("sbrk for name buffer")
	}
	writeUserBytes(tcb, nameVa, []byte("greeting.txt\x00"))

	openOut := d.Dispatch(tcb, defs.SYS_OPEN, [3]uint64{uint64(nameVa), uint64(defs.O_CREAT | defs.O_WRONLY)})
	newFd := int64(openOut.Value)
	if newFd < 3 {
		t.Fatalf("open returned %v, want a fresh fd >= 3", newFd)
	}

	payloadVa, ok := tcb.Sbrk(int(mem.PGSIZE))
	if !ok {
		t.Fatal("sbrk for payload buffer")
	}
	payload := []byte("hello, efs")
	writeUserBytes(tcb, payloadVa, payload)

	writeOut := d.Dispatch(tcb, defs.SYS_WRITE, [3]uint64{uint64(newFd), uint64(payloadVa), uint64(len(payload))})
	if int(writeOut.Value) != len(payload) {
		t.Fatalf("write returned %v, want %v", writeOut.Value, len(payload))
	}

	closeOut := d.Dispatch(tcb, defs.SYS_CLOSE, [3]uint64{uint64(newFd)})
	if int64(closeOut.Value) != 0 {
		t.Fatalf("close returned %v, want 0", closeOut.Value)
	}

	openOut2 := d.Dispatch(tcb, defs.SYS_OPEN, [3]uint64{uint64(nameVa), uint64(defs.O_RDONLY)})
	readFd := int64(openOut2.Value)
	if readFd < 0 {
		t.Fatalf("reopen for read failed: %v", readFd)
	}

	readBufVa, ok := tcb.Sbrk(int(mem.PGSIZE))
	if !ok {
		t.Fatal("sbrk for read buffer")
	}
	readOut := d.Dispatch(tcb, defs.SYS_READ, [3]uint64{uint64(readFd), uint64(readBufVa), uint64(len(payload))})
	if int(readOut.Value) != len(payload) {
		t.Fatalf("read returned %v, want %v", readOut.Value, len(payload))
	}

	got := make([]byte, len(payload))
	ub := vm.MkUserBuffer(tcb.AddressSpace(), readBufVa, len(payload))
	ub.Uioread(got)
	if string(got) != string(payload) {
		t.Fatalf("read back %q, want %q", got, payload)
	}
}

func TestDispatchOpenMissingWithoutCreateFails(t *testing.T) {
	m := mkManager(t)
	root := freshRoot(8192, 1)
	tcb, _ := m.New(tinyELF(), 0xdead, initialFds())
	d, _ := mkDispatcher(root, 0)

	nameVa, _ := tcb.Sbrk(int(mem.PGSIZE))
	writeUserBytes(tcb, nameVa, []byte("nope\x00"))

	out := d.Dispatch(tcb, defs.SYS_OPEN, [3]uint64{uint64(nameVa), uint64(defs.O_RDONLY)})
	if int64(out.Value) != -1 {
		t.Fatalf("open of missing name = %v, want -1", int64(out.Value))
	}
}

func TestDispatchCloseBadFdFails(t *testing.T) {
	m := mkManager(t)
	root := freshRoot(8192, 1)
	tcb, _ := m.New(tinyELF(), 0xdead, initialFds())
	d, _ := mkDispatcher(root, 0)

	out := d.Dispatch(tcb, defs.SYS_CLOSE, [3]uint64{99})
	if int64(out.Value) != -1 {
		t.Fatalf("close of bad fd = %v, want -1", int64(out.Value))
	}
}

func TestDispatchReadOnWriteOnlyFdFails(t *testing.T) {
	m := mkManager(t)
	root := freshRoot(8192, 1)
	tcb, _ := m.New(tinyELF(), 0xdead, initialFds())
	d, _ := mkDispatcher(root, 0)

	// fd 1 is stdout (write-only) in initialFds.
	bufVa, _ := tcb.Sbrk(int(mem.PGSIZE))
	out := d.Dispatch(tcb, defs.SYS_READ, [3]uint64{1, uint64(bufVa), 8})
	if int64(out.Value) != -1 {
		t.Fatalf("read on write-only fd = %v, want -1", int64(out.Value))
	}
}

func TestDispatchSbrkGrowsHeap(t *testing.T) {
	m := mkManager(t)
	root := freshRoot(8192, 1)
	tcb, _ := m.New(tinyELF(), 0xdead, initialFds())
	d, _ := mkDispatcher(root, 0)

	out := d.Dispatch(tcb, defs.SYS_SBRK, [3]uint64{uint64(mem.PGSIZE)})
	if int64(out.Value) < 0 {
		t.Fatalf("sbrk growth returned %v, want old brk", int64(out.Value))
	}
}

func TestDispatchGetTimeReturnsHookValue(t *testing.T) {
	m := mkManager(t)
	root := freshRoot(8192, 1)
	tcb, _ := m.New(tinyELF(), 0xdead, initialFds())
	d, _ := mkDispatcher(root, 123456)

	out := d.Dispatch(tcb, defs.SYS_GETTIME, [3]uint64{})
	if out.Value != 123456 {
		t.Fatalf("get_time = %v, want 123456", out.Value)
	}
}

func TestDispatchYieldReturnsZero(t *testing.T) {
	m := mkManager(t)
	root := freshRoot(8192, 1)
	tcb, _ := m.New(tinyELF(), 0xdead, initialFds())
	d, _ := mkDispatcher(root, 0)

	out := d.Dispatch(tcb, defs.SYS_YIELD, [3]uint64{})
	if out.Value != 0 {
		t.Fatalf("yield = %v, want 0", out.Value)
	}
}

func TestDispatchForkEnqueuesChildAndReturnsChildPid(t *testing.T) {
	m := mkManager(t)
	root := freshRoot(8192, 1)
	tcb, _ := m.New(tinyELF(), 0xdead, initialFds())

	var enqueued []sched.Runnable
	d := NewDispatcher(Hooks{
		Enqueue:   func(r sched.Runnable) { enqueued = append(enqueued, r) },
		NowMicros: func() uint64 { return 0 },
		Root:      root,
	})

	out := d.Dispatch(tcb, defs.SYS_FORK, [3]uint64{})
	if int64(out.Value) == 0 {
		t.Fatal("fork from parent should return a nonzero child pid")
	}
	if len(enqueued) != 1 {
		t.Fatalf("expected child enqueued once, got %v", len(enqueued))
	}
}

func TestDispatchExitReportsExitedWithCode(t *testing.T) {
	m := mkManager(t)
	root := freshRoot(8192, 1)
	tcb, _ := m.New(tinyELF(), 0xdead, initialFds())
	d, _ := mkDispatcher(root, 0)

	out := d.Dispatch(tcb, defs.SYS_EXIT, [3]uint64{7})
	if !out.Exited {
		t.Fatal("exit should report Exited")
	}
	if out.ExitCode != 7 {
		t.Fatalf("exit code = %v, want 7", out.ExitCode)
	}
	if tcb.Status() != sched.Zombie {
		t.Fatal("exit should mark the task zombie")
	}
}

func TestDispatchWaitpidNoChildThenAfterExit(t *testing.T) {
	m := mkManager(t)
	root := freshRoot(8192, 1)
	parent, _ := m.New(tinyELF(), 0xdead, initialFds())
	d, _ := mkDispatcher(root, 0)

	noChild := d.Dispatch(parent, defs.SYS_WAITPID, [3]uint64{uint64(int64(-1)), 0})
	if int64(noChild.Value) != -1 {
		t.Fatalf("waitpid with no children = %v, want -1", int64(noChild.Value))
	}

	child, ferr := parent.Fork()
	if ferr != 0 {
		t.Fatalf("fork: %v", ferr)
	}

	pending := d.Dispatch(parent, defs.SYS_WAITPID, [3]uint64{uint64(int64(-1)), 0})
	if int64(pending.Value) != -2 {
		t.Fatalf("waitpid on live child = %v, want -2", int64(pending.Value))
	}

	child.Exit(9)
	reaped := d.Dispatch(parent, defs.SYS_WAITPID, [3]uint64{uint64(int64(-1)), 0})
	if int64(reaped.Value) != int64(child.Pid) {
		t.Fatalf("waitpid after exit = %v, want child pid %v", int64(reaped.Value), child.Pid)
	}
}

func TestDispatchUnknownSyscallReturnsMinusOne(t *testing.T) {
	m := mkManager(t)
	root := freshRoot(8192, 1)
	tcb, _ := m.New(tinyELF(), 0xdead, initialFds())
	d, _ := mkDispatcher(root, 0)

	out := d.Dispatch(tcb, 9999, [3]uint64{})
	if int64(out.Value) != -1 {
		t.Fatalf("unknown syscall = %v, want -1", int64(out.Value))
	}
}
