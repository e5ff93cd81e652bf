// Package kernel wires the rest of this module into a runnable whole
// (spec.md §4.7's run_tasks loop and §5's single-hart concurrency
// model): the frame allocator, the task manager, the ready-queue
// processor, the syscall dispatcher, and the console, bridging
// syscalltbl.Dispatcher's rich Outcome down to trap.SyscallFunc's
// narrow uint64 shape the trap package expects. Nothing in the
// original's `os/src/main.rs`/`os/src/loader.rs` survived distillation
// (original_source/os/src holds no top-level boot file, confirmed via
// find), so this package's shape is grounded on spec.md §4.7's
// run_tasks description and on the already-built sched/proc/trap/
// syscalltbl packages it composes.
package kernel

import (
	"io"
	"runtime"

	"circbuf"
	"defs"
	"efs"
	"fd"
	"file"
	"mem"
	"proc"
	"sched"
	"syscalltbl"
	"trap"
	"vfs"
	"vm"
)

// consoleBufSize bounds how many unread bytes the simulated console
// IRQ can queue up for stdin before a feeder must wait for a drain.
const consoleBufSize = 256

// ramBase and ramPages bound the simulated physical RAM region this
// hosted kernel's frame allocator manages, sized well under
// mem.MEMORY_END (spec.md §6's kernel constants).
const ramBase = mem.Pa_t(0x80000000)
const ramPages = 4096

// Kernel owns every process-wide singleton spec.md §9's "Global kernel
// state" paragraph describes: the frame allocator and kernel address
// space (via Mgr), the ready queue (Proc), the syscall table (disp),
// and the console the Stdin/Stdout file ports read and write.
type Kernel struct {
	Mgr  *proc.Manager
	Proc *sched.Processor

	disp          *syscalltbl.Dispatcher
	trapHandlerVa uint64
	console       circbuf.Circbuf_t
	consoleOut    io.Writer
	ticks         uint64
	haveInit      bool
}

// NewKernel builds a Kernel mounted on fs, ready to Spawn tasks. The
// caller formats or opens fs beforehand (efs.Format for a fresh image,
// efs.Open for one built by the image packer), keeping this package's
// boot story independent of which disk happened to produce fs.
func NewKernel(fs *efs.FileSystem, trapHandlerVa uint64, consoleOut io.Writer) *Kernel {
	alloc := mem.MkAllocator(ramBase, ramPages)
	kspace := vm.NewBare(alloc)
	trampoline, ok := alloc.Alloc()
	if !ok {
		panic("kernel: out of frames for trampoline")
	}
	kspace.MapTrampoline(trampoline.Ppn())

	k := &Kernel{
		Mgr:           proc.NewManager(alloc, kspace, trampoline.Ppn()),
		Proc:          sched.NewProcessor(),
		trapHandlerVa: trapHandlerVa,
		consoleOut:    consoleOut,
	}
	k.console.Cb_init(consoleBufSize)

	k.disp = syscalltbl.NewDispatcher(syscalltbl.Hooks{
		Enqueue:   k.Proc.Enqueue,
		NowMicros: k.Now,
		Root:      vfs.Root(fs),
	})
	return k
}

// Now returns a monotonically increasing microsecond-scale clock: one
// tick per StepOne call. This hosted kernel has no cycle counter to
// read, so ticks stand in for elapsed time the same way sched's
// switchContext stands in for a real context swap.
func (k *Kernel) Now() uint64 { return k.ticks }

// FeedConsole appends bytes to the console's input buffer, the
// simulated console IRQ handler a real kernel's SBI console_getchar
// polling loop would drive.
func (k *Kernel) FeedConsole(b []uint8) {
	k.console.Copyin(&memUserio{buf: append([]uint8(nil), b...)})
}

// NewStdioFds builds the [Stdin, Stdout, Stdout] fd table every
// spawned task starts with (spec.md §4.6's New), wired to this
// Kernel's shared console. Stdin's yield callback is runtime.Gosched
// rather than a Processor suspend point, matching sched's own stated
// reason for using it as the stand-in for parking on a real __switch.
func (k *Kernel) NewStdioFds() []*fd.Fd_t {
	stdin := file.NewStdin(&k.console, runtime.Gosched)
	stdout := file.NewStdout(k.consoleOut)
	return []*fd.Fd_t{
		{Fops: stdin, Perms: fd.FD_READ},
		{Fops: stdout, Perms: fd.FD_WRITE},
		{Fops: stdout, Perms: fd.FD_WRITE},
	}
}

// Spawn loads elfData as a new task with a fresh stdio fd table,
// enqueues it on the ready queue, and designates it init if it is the
// first task this Kernel has ever spawned (spec.md §4.6's "exited
// tasks' orphaned children are re-parented to init").
func (k *Kernel) Spawn(elfData []uint8) (*proc.TCB, defs.Err_t) {
	t, err := k.Mgr.New(elfData, k.trapHandlerVa, k.NewStdioFds())
	if err != 0 {
		return nil, err
	}
	if !k.haveInit {
		k.haveInit = true
		k.Mgr.SetInit(t)
	}
	k.Proc.Enqueue(t)
	return t, 0
}

// HandleTrap runs trap.Dispatch for one trap on t, bridging
// syscalltbl.Dispatcher's Outcome (which can report a task exit, not
// just a return value) down to the single uint64 trap.SyscallFunc
// expects. It is the one place that bridge exists, exactly the
// adaptation src/syscall's own doc comment anticipates.
func (k *Kernel) HandleTrap(t *proc.TCB, scause defs.Scause) trap.Result {
	tc := t.TrapContext()
	var exited bool
	var exitCode int

	res := trap.Dispatch(tc, scause, func(num uint64, args [3]uint64) uint64 {
		out := k.disp.Dispatch(t, num, args)
		if out.Exited {
			exited, exitCode = true, out.ExitCode
		}
		return out.Value
	})

	if exited {
		return trap.Result{Action: trap.ActionExit, ExitCode: exitCode}
	}
	return res
}

// RunStep drives one trap to completion and reports the sched.Outcome
// the ready queue should act on: a fault or exit removes the task (a
// fault's exit accounting happens here, since trap.Dispatch only
// classifies the cause — it has no TCB to call Exit on); a timer
// interrupt or an ordinary syscall both suspend the task back onto
// the ready queue, since this hosted kernel has no real CPU to let the
// task keep running on after a syscall returns (spec.md §4.7's
// run_tasks loop "returns to the idle loop" between every trap here,
// not only at yield/timer — a deliberate narrowing of the original's
// granularity, recorded in DESIGN.md).
func (k *Kernel) RunStep(t *proc.TCB, scause defs.Scause) sched.Outcome {
	res := k.HandleTrap(t, scause)
	switch res.Action {
	case trap.ActionExit:
		if t.Status() != sched.Zombie {
			t.Exit(res.ExitCode)
		}
		return sched.OutcomeRemoved
	default:
		return sched.OutcomeSuspend
	}
}

// StepOne pops the ready queue's front task and runs it through
// exactly one simulated trap, advancing the clock by one tick.
// scauseFor stands in for "the task executed in userspace until it
// next trapped": a test drives a workload by returning
// ScauseUserEnvCall (with the trap context's x10-x12/x17 preloaded)
// for an ecall, or one of the fault/timer causes to simulate a
// hardware exception. It reports whether a task ran, mirroring
// sched.Processor.Tick.
func (k *Kernel) StepOne(scauseFor func(t *proc.TCB) defs.Scause) bool {
	ran := k.Proc.Tick(func(r sched.Runnable) sched.Outcome {
		t := r.(*proc.TCB)
		return k.RunStep(t, scauseFor(t))
	})
	k.ticks++
	return ran
}

// memUserio is a read-only byte source, the glue FeedConsole needs to
// drive circbuf.Circbuf_t.Copyin through the fdops.Userio_i contract.
type memUserio struct {
	buf []uint8
	off int
}

func (m *memUserio) Uioread(dst []uint8) (int, defs.Err_t) {
	n := copy(dst, m.buf[m.off:])
	m.off += n
	return n, 0
}

func (m *memUserio) Uiowrite(src []uint8) (int, defs.Err_t) {
	panic("kernel: write into a read-only console feed")
}

func (m *memUserio) Remain() int  { return len(m.buf) - m.off }
func (m *memUserio) Totalsz() int { return len(m.buf) }
