// Package trap implements the trampoline/trap-context plumbing and
// the trap dispatch state machine that sits between a running task
// and the kernel (spec.md §4.4).
package trap

import (
	"defs"
	"fmt"
	"unsafe"
)

// TrapContext is the saved register state plus the three kernel-side
// fields the trampoline loads on every user-to-kernel transition. It
// lives inside the trap-context physical frame owned by a task's
// address space (spec.md §3's TrapContext glossary entry).
type TrapContext struct {
	X       [32]uint64 // general-purpose registers x0..x31
	Sstatus uint64
	Sepc    uint64

	// Kernel-side fields, set once at task creation and never touched
	// by user code.
	KernelSatp   uint64
	KernelSp     uint64
	TrapHandler  uint64
}

// sstatus.SPP bit: previous privilege mode the sret instruction
// returns to.
const sstatusSPPUser uint64 = 0 << 8

// AppInitContext builds the initial trap context for a freshly loaded
// task (spec.md §4.6's `new`): entry becomes sepc, userSp becomes x2
// (the RISC-V stack-pointer register), and sstatus.SPP is cleared to
// User so the eventual sret drops to user mode.
func AppInitContext(entry, userSp, kernelSatp, kernelSp, trapHandler uint64) *TrapContext {
	tc := &TrapContext{
		Sepc:        entry,
		KernelSatp:  kernelSatp,
		KernelSp:    kernelSp,
		TrapHandler: trapHandler,
	}
	tc.X[2] = userSp
	tc.Sstatus = sstatusSPPUser
	return tc
}

// SetReturnValue stores a syscall's return value into x10 (RISC-V's
// a0), the register the calling convention uses for a single return
// value.
func (tc *TrapContext) SetReturnValue(v uint64) {
	tc.X[10] = v
}

// Syscall gathers the syscall number (x17, a7) and its three argument
// registers (x10-x12, a0-a2) out of the trap context.
func (tc *TrapContext) Syscall() (num uint64, args [3]uint64) {
	return tc.X[17], [3]uint64{tc.X[10], tc.X[11], tc.X[12]}
}

// __alltraps and __restore are the two halves of the trampoline page,
// hand-written RISC-V assembly mapped at the identical TRAMPOLINE
// virtual address in every address space (spec.md §4.4). They are
// declared here with no Go body, matching gopher-os's convention for
// primitives a .s file implements (kernel/mem/vmm's flushTLBEntry/
// switchPDT): building and executing real RISC-V machine code is
// outside this module's scope (the SBI/firmware boundary, spec.md
// §1's Non-goals), so the trap *dispatch* logic around these two
// entry points is what this package actually implements and tests.
func alltraps()
func restore()

// SyscallFunc dispatches one syscall given its number and argument
// registers, returning the value to store back into x10. The kernel
// package supplies the real syscall table; trap only needs the shape.
type SyscallFunc func(num uint64, args [3]uint64) uint64

// Dispatch implements the trap handler's scause-based dispatch table
// (spec.md §4.4's "Trap handler reads scause, dispatches" paragraph).
// It mutates tc in place (advancing sepc past the ecall instruction,
// writing the syscall's return value) and returns an action telling
// the caller what happened to the task.
type Action int

const (
	// ActionContinue: the task keeps running; trap_return should fire.
	ActionContinue Action = iota
	// ActionExit: the task faulted and must be torn down with the
	// accompanying exit code.
	ActionExit
	// ActionSuspend: a timer interrupt fired; the task should be moved
	// to the back of the ready queue (suspend_current) before any
	// trap_return.
	ActionSuspend
)

// Result reports what Dispatch decided for one trap.
type Result struct {
	Action   Action
	ExitCode int
}

// Dispatch handles one trap. syscall is called only for
// ScauseUserEnvCall; its result is written into tc's x10.
func Dispatch(tc *TrapContext, scause defs.Scause, syscall SyscallFunc) Result {
	switch scause {
	case defs.ScauseUserEnvCall:
		tc.Sepc += 4
		num, args := tc.Syscall()
		ret := syscall(num, args)
		tc.SetReturnValue(ret)
		return Result{Action: ActionContinue}

	case defs.ScauseStoreFault, defs.ScauseStorePageFault,
		defs.ScauseLoadFault, defs.ScauseLoadPageFault,
		defs.ScauseInstructionFault, defs.ScauseInstrPageFault:
		return Result{Action: ActionExit, ExitCode: defs.ExitPageFault}

	case defs.ScauseIllegalInstr:
		return Result{Action: ActionExit, ExitCode: defs.ExitIllegalInstr}

	case defs.ScauseSupervisorTimerIR:
		return Result{Action: ActionSuspend}

	default:
		panic(fmt.Sprintf("trap: unhandled scause %#x", scause))
	}
}

// TrapReturn computes the two registers trap_return hands to the
// trampoline-relative __restore entry point before jumping there:
// a0 = the virtual address of the trap context, a1 = the user
// address space's SATP token (spec.md §4.4's kernel-to-user path).
// The STVEC-to-TRAMPOLINE switch and the actual jump happen in the
// assembly __restore references, not here.
func TrapReturn(trapContextVa uint64, userSatp uint64) (a0, a1 uint64) {
	return trapContextVa, userSatp
}

// FrameView overlays a TrapContext directly onto a physical frame's
// byte slice: the trap context "lives in" its frame rather than being
// copied in and out of it, matching spec.md §3's "the kernel accesses
// it by physical-frame mapping" and reusing the same unsafe-cast
// idiom the teacher's mem package uses for Pg_t/Bytepg_t.
func FrameView(frameBytes []uint8) *TrapContext {
	return (*TrapContext)(unsafe.Pointer(&frameBytes[0]))
}

// KernelTrap panics: any trap taken while already in kernel mode is
// fatal (spec.md §4.4's "Kernel-mode traps" paragraph — stvec is
// switched to a kernel-mode handler on entry, and there is no
// recovery path from a nested kernel fault in a teaching kernel).
func KernelTrap(scause defs.Scause) {
	panic(fmt.Sprintf("trap from kernel mode: scause %#x", scause))
}
