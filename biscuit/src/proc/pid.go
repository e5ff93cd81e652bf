package proc

import (
	"defs"
	"mem"
	"vm"
)

// kstackBounds computes a PID's deterministic kernel-stack region
// within the kernel address space (spec.md §3's KernelStack glossary
// entry): top = TRAMPOLINE - pid*(STACK+GUARD), bottom = top - STACK.
func kstackBounds(pid defs.Pid_t) (top, bottom vm.Va_t) {
	stride := uint64(mem.KERNEL_STACK_SIZE) + uint64(mem.PGSIZE)
	top = vm.Va_t(uint64(mem.TRAMPOLINE) - uint64(pid)*stride)
	bottom = top - vm.Va_t(mem.KERNEL_STACK_SIZE)
	return top, bottom
}

// KernelStack is a per-PID framed region of the kernel address space.
// Construction inserts the region; Release unmaps it (spec.md §4.5).
type KernelStack struct {
	pid         defs.Pid_t
	top, bottom vm.Va_t
	kspace      *vm.AddressSpace
}

// NewKernelStack inserts pid's kernel-stack region into kspace.
func NewKernelStack(kspace *vm.AddressSpace, pid defs.Pid_t) *KernelStack {
	top, bottom := kstackBounds(pid)
	kspace.InsertFramedArea(bottom, top, mem.PTE_R|mem.PTE_W)
	return &KernelStack{pid: pid, top: top, bottom: bottom, kspace: kspace}
}

// Top returns the stack's initial stack pointer value.
func (ks *KernelStack) Top() vm.Va_t { return ks.top }

// Release unmaps the kernel-stack region, freeing its frames.
func (ks *KernelStack) Release() {
	ks.kspace.RemoveAreaWithStartVpn(vm.VpnFloor(ks.bottom))
}
