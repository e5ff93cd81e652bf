// Package proc implements PID and kernel-stack allocation (C5) and
// the task/process model (C6): the TCB and its fork/exec/exit/waitpid
// operations (spec.md §4.5/§4.6).
package proc

import (
	"sync"

	"accnt"
	"defs"
	"fd"
	"limits"
	"mem"
	"sched"
	"trap"
	"vm"
)

// Manager owns the resources every TCB draws from: the frame
// allocator, the kernel's own address space (where kernel stacks
// live), the shared trampoline physical page, and the PID free list.
type Manager struct {
	alloc         *mem.Allocator
	kspace        *vm.AddressSpace
	trampolinePpn mem.Ppn_t

	mu         sync.Mutex
	pidFree    []defs.Pid_t
	pidHighwat defs.Pid_t
	init       *TCB
}

// NewManager builds a Manager over the given frame allocator, kernel
// address space, and shared trampoline frame.
func NewManager(alloc *mem.Allocator, kspace *vm.AddressSpace, trampolinePpn mem.Ppn_t) *Manager {
	return &Manager{alloc: alloc, kspace: kspace, trampolinePpn: trampolinePpn}
}

// SetInit designates t as the init process: exited tasks' orphaned
// children are re-parented to it (spec.md §4.6's `exit`).
func (m *Manager) SetInit(t *TCB) {
	m.mu.Lock()
	m.init = t
	m.mu.Unlock()
}

func (m *Manager) initProc() *TCB {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.init
}

func (m *Manager) allocPid() (defs.Pid_t, defs.Err_t) {
	if !limits.Syslimit.Sysprocs.Take() {
		return 0, defs.ENOMEM
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if n := len(m.pidFree); n > 0 {
		pid := m.pidFree[n-1]
		m.pidFree = m.pidFree[:n-1]
		return pid, 0
	}
	pid := m.pidHighwat
	m.pidHighwat++
	return pid, 0
}

func (m *Manager) freePid(pid defs.Pid_t) {
	m.mu.Lock()
	m.pidFree = append(m.pidFree, pid)
	m.mu.Unlock()
	limits.Syslimit.Sysprocs.Give()
}

// TCB is one task's control block (spec.md §3's TCB glossary entry).
// Pid and KernelStack are fixed at creation; everything else is
// guarded by mu per spec.md §5's single-hart exclusive-access policy.
type TCB struct {
	mgr           *Manager
	Pid           defs.Pid_t
	kstack        *KernelStack
	taskCx        sched.TaskContext
	trapHandlerVa uint64

	mu         sync.Mutex
	status     sched.Status
	as         *vm.AddressSpace
	trapCtxPpn mem.Ppn_t
	parent     *TCB
	children   []*TCB
	exitCode   int
	fds        []*fd.Fd_t
	acc        accnt.Accnt_t
	heapBottom vm.Va_t
	programBrk vm.Va_t
}

// SetStatus and TaskCtx satisfy sched.Runnable.
func (t *TCB) SetStatus(s sched.Status) {
	t.mu.Lock()
	t.status = s
	t.mu.Unlock()
}

func (t *TCB) TaskCtx() *sched.TaskContext { return &t.taskCx }

// Status returns the task's current scheduling state.
func (t *TCB) Status() sched.Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// TrapContext overlays this task's trap-context frame (spec.md §3:
// "the kernel accesses it by physical-frame mapping, not through the
// user page table").
func (t *TCB) TrapContext() *trap.TrapContext {
	t.mu.Lock()
	ppn := t.trapCtxPpn
	t.mu.Unlock()
	return trap.FrameView(t.mgr.alloc.At(ppn).Bytes())
}

// AddressSpace returns the task's current address space, for building
// vm.UserBuffer views over its syscall arguments.
func (t *TCB) AddressSpace() *vm.AddressSpace {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.as
}

// Accnt returns the task's CPU-time accounting record.
func (t *TCB) Accnt() *accnt.Accnt_t { return &t.acc }

// Rusage renders the task's accumulated CPU time, exposed for a
// parent to inspect after reaping a child (supplementing spec.md's
// distilled syscall table, which drops rusage but whose sibling
// projects and the teacher's own accnt.To_rusage return it).
func (t *TCB) Rusage() []uint8 { return t.acc.To_rusage() }

// Fd returns the fd-table slot at index i, or nil if empty/OOB.
func (t *TCB) Fd(i int) *fd.Fd_t {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i < 0 || i >= len(t.fds) {
		return nil
	}
	return t.fds[i]
}

// SetFd installs f at index i, growing the table if needed.
func (t *TCB) SetFd(i int, f *fd.Fd_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i >= len(t.fds) {
		t.fds = append(t.fds, nil)
	}
	t.fds[i] = f
}

// Sbrk grows or shrinks the task's heap by delta bytes, returning the
// brk value from before the change, or −1 (via ok=false) if delta
// would move the break below the heap's bottom or growth fails
// (spec.md §6's sbrk syscall: "old brk / −1").
func (t *TCB) Sbrk(delta int) (old vm.Va_t, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	old = t.programBrk
	newBrk := vm.Va_t(int64(old) + int64(delta))
	if newBrk < t.heapBottom {
		return old, false
	}

	if delta > 0 {
		if !t.as.AppendTo(t.heapBottom, newBrk) {
			return old, false
		}
	} else if delta < 0 {
		if !t.as.ShrinkTo(t.heapBottom, newBrk) {
			return old, false
		}
	}

	t.programBrk = newBrk
	return old, true
}

// New builds a freshly loaded task: address space from ELF (§4.3),
// PID + kernel stack, and an initial trap context (spec.md §4.6's
// `new`). initialFds becomes the task's starting fd table — callers
// build [Stdin, Stdout, Stdout] (spec.md §4.6) since proc has no
// dependency on the concrete file implementations.
func (m *Manager) New(elfData []uint8, trapHandlerVa uint64, initialFds []*fd.Fd_t) (*TCB, defs.Err_t) {
	pid, err := m.allocPid()
	if err != 0 {
		return nil, err
	}

	as, userSp, entry, heapBottom, ferr := vm.FromELF(m.alloc, elfData, m.trampolinePpn)
	if ferr != nil {
		m.freePid(pid)
		return nil, defs.EINVAL
	}

	pte, ok := as.Translate(vm.VpnFloor(vm.Va_t(mem.TRAP_CONTEXT)))
	if !ok {
		panic("proc: trap context not mapped by FromELF")
	}

	ks := NewKernelStack(m.kspace, pid)

	t := &TCB{
		mgr:           m,
		Pid:           pid,
		kstack:        ks,
		trapHandlerVa: trapHandlerVa,
		as:            as,
		trapCtxPpn:    pte.Ppn(),
		fds:           initialFds,
		heapBottom:    heapBottom,
		programBrk:    heapBottom,
	}
	t.taskCx.Sp = uint64(ks.Top())
	*t.TrapContext() = *trap.AppInitContext(uint64(entry), uint64(userSp), m.kspace.Token(), uint64(ks.Top()), trapHandlerVa)
	return t, 0
}

// Fork clones the calling task: a copied address space, a new PID and
// kernel stack, a new trap-context frame inheriting the parent's
// content verbatim except kernel_sp, and a duplicated fd table
// (spec.md §4.6's `fork`). The caller (the fork syscall handler) is
// responsible for zeroing the child's trap-context x10, since that is
// "set by the syscall return logic," not by Fork itself.
func (t *TCB) Fork() (*TCB, defs.Err_t) {
	pid, err := t.mgr.allocPid()
	if err != 0 {
		return nil, err
	}

	childAs := vm.FromExistedUser(t.as, t.mgr.trampolinePpn)
	ks := NewKernelStack(t.mgr.kspace, pid)

	cpte, ok := childAs.Translate(vm.VpnFloor(vm.Va_t(mem.TRAP_CONTEXT)))
	if !ok {
		panic("fork: trap context not mapped")
	}

	t.mu.Lock()
	parentFds := t.fds
	t.mu.Unlock()

	childFds := make([]*fd.Fd_t, len(parentFds))
	for i, pf := range parentFds {
		if pf == nil {
			continue
		}
		nf, ferr := fd.Copyfd(pf)
		if ferr != 0 {
			return nil, ferr
		}
		childFds[i] = nf
	}

	child := &TCB{
		mgr:           t.mgr,
		Pid:           pid,
		kstack:        ks,
		trapHandlerVa: t.trapHandlerVa,
		as:            childAs,
		trapCtxPpn:    cpte.Ppn(),
		parent:        t,
		fds:           childFds,
	}
	child.taskCx.Sp = uint64(ks.Top())

	*child.TrapContext() = *t.TrapContext()
	child.TrapContext().KernelSp = uint64(ks.Top())

	t.mu.Lock()
	t.children = append(t.children, child)
	t.mu.Unlock()

	return child, 0
}

// Exec rebuilds the task's address space from a new ELF image and
// reinitializes its trap context, preserving PID, kernel stack, fd
// table, and parent/child relationships (spec.md §4.6's `exec`). The
// task context is left untouched: the caller is mid-syscall and will
// trap-return through the new trap context.
func (t *TCB) Exec(elfData []uint8) defs.Err_t {
	newAs, userSp, entry, heapBottom, ferr := vm.FromELF(t.mgr.alloc, elfData, t.mgr.trampolinePpn)
	if ferr != nil {
		return defs.EINVAL
	}
	pte, ok := newAs.Translate(vm.VpnFloor(vm.Va_t(mem.TRAP_CONTEXT)))
	if !ok {
		panic("exec: trap context not mapped")
	}

	t.mu.Lock()
	oldAs := t.as
	t.as = newAs
	t.trapCtxPpn = pte.Ppn()
	t.heapBottom = heapBottom
	t.programBrk = heapBottom
	t.mu.Unlock()

	oldAs.RecycleDataPages()

	*t.TrapContext() = *trap.AppInitContext(uint64(entry), uint64(userSp), t.mgr.kspace.Token(), uint64(t.kstack.Top()), t.trapHandlerVa)
	return 0
}

// Exit marks the task Zombie, re-parents its children to init, and
// releases its address-space frames eagerly; the TCB itself persists
// until a parent reaps it via Waitpid (spec.md §4.6's `exit`).
func (t *TCB) Exit(code int) {
	t.mu.Lock()
	t.status = sched.Zombie
	t.exitCode = code
	kids := t.children
	t.children = nil
	as := t.as
	t.mu.Unlock()

	if init := t.mgr.initProc(); init != nil {
		for _, c := range kids {
			c.mu.Lock()
			c.parent = init
			c.mu.Unlock()
			init.mu.Lock()
			init.children = append(init.children, c)
			init.mu.Unlock()
		}
	}

	as.RecycleDataPages()
}

// Waitpid implements spec.md §4.6's `waitpid`: −1 if no child matches
// target (or there are no children at all when target == −1); if a
// matching child is a Zombie, remove it, write its exit code, and
// release its PID + kernel stack, returning its PID; otherwise −2
// ("would block" — the caller retries after yielding).
func (t *TCB) Waitpid(target defs.Pid_t, code *int) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	matchedAny := false
	for i, c := range t.children {
		if target != -1 && c.Pid != target {
			continue
		}
		matchedAny = true

		c.mu.Lock()
		zombie := c.status == sched.Zombie
		ec := c.exitCode
		c.mu.Unlock()

		if zombie {
			t.children = append(t.children[:i:i], t.children[i+1:]...)
			*code = ec
			pid := c.Pid
			c.kstack.Release()
			t.mgr.freePid(pid)
			return int(pid)
		}
	}
	if !matchedAny {
		return -1
	}
	return -2
}
