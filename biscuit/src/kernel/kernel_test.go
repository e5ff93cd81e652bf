package kernel

import (
	"bytes"
	"encoding/binary"
	"testing"

	"bdev"
	"defs"
	"efs"
	"mem"
	"proc"
	"sched"
)

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

func freshKernel(t *testing.T) *Kernel {
	t.Helper()
	dev := bdev.NewMemDisk(8192)
	fs := efs.Format(dev, 8192, 1)
	return NewKernel(fs, 0xdead, &bytes.Buffer{})
}

func TestSpawnFirstTaskBecomesInit(t *testing.T) {
	k := freshKernel(t)
	init, err := k.Spawn(tinyELF())
	if err != 0 {
		t.Fatalf("spawn: %v", err)
	}
	if !k.haveInit || k.Mgr == nil {
		t.Fatal("expected first spawn to register init")
	}
	_ = init
}

func TestStepOneRunsExitSyscallAndRemovesTask(t *testing.T) {
	k := freshKernel(t)
	tcb, err := k.Spawn(tinyELF())
	if err != 0 {
		t.Fatalf("spawn: %v", err)
	}

	tc := tcb.TrapContext()
	tc.X[17] = defs.SYS_EXIT
	tc.X[10] = uint64(int64(5))

	ran := k.StepOne(func(*proc.TCB) defs.Scause { return defs.ScauseUserEnvCall })
	if !ran {
		t.Fatal("expected a task to run")
	}
	if tcb.Status() != sched.Zombie {
		t.Fatalf("expected task zombie after exit")
	}
	if k.Proc.Len() != 0 {
		t.Fatal("exited task must not be requeued")
	}
}

func TestStepOnePageFaultKillsTaskNotKernel(t *testing.T) {
	k := freshKernel(t)
	tcb, _ := k.Spawn(tinyELF())

	ran := k.StepOne(func(*proc.TCB) defs.Scause { return defs.ScauseStorePageFault })
	if !ran {
		t.Fatal("expected a task to run")
	}
	if tcb.Status() != sched.Zombie {
		t.Fatal("page fault must mark the task zombie")
	}

	// The kernel itself must still be usable: spawning and stepping a
	// second task works fine after the first one faulted.
	second, err := k.Spawn(tinyELF())
	if err != 0 {
		t.Fatalf("spawn after fault: %v", err)
	}
	tc := second.TrapContext()
	tc.X[17] = defs.SYS_GETTIME
	ran2 := k.StepOne(func(*proc.TCB) defs.Scause { return defs.ScauseUserEnvCall })
	if !ran2 {
		t.Fatal("kernel should still be able to run other tasks")
	}
}

func TestStepOneTimerInterruptRequeuesTwoTasksFairly(t *testing.T) {
	k := freshKernel(t)
	a, _ := k.Spawn(tinyELF())
	b, _ := k.Spawn(tinyELF())

	seen := map[defs.Pid_t]int{}
	for i := 0; i < 4; i++ {
		k.StepOne(func(t *proc.TCB) defs.Scause {
			seen[t.Pid]++
			return defs.ScauseSupervisorTimerIR
		})
	}
	if seen[a.Pid] == 0 || seen[b.Pid] == 0 {
		t.Fatalf("expected both tasks to make progress, got %v", seen)
	}
	if k.Proc.Len() != 2 {
		t.Fatalf("both tasks should be back on the ready queue, len=%v", k.Proc.Len())
	}
}

func TestStepOneForkThenWaitpidReapsChild(t *testing.T) {
	k := freshKernel(t)
	parent, _ := k.Spawn(tinyELF())

	forkTc := parent.TrapContext()
	forkTc.X[17] = defs.SYS_FORK
	k.StepOne(func(*proc.TCB) defs.Scause { return defs.ScauseUserEnvCall })

	childPid := int64(parent.TrapContext().X[10])
	if childPid <= 0 {
		t.Fatalf("fork should return a positive child pid, got %v", childPid)
	}

	// Drain the ready queue to find the child and exit it.
	for i := 0; i < 2; i++ {
		k.StepOne(func(t *proc.TCB) defs.Scause {
			if int64(t.Pid) == childPid {
				tc := t.TrapContext()
				tc.X[17] = defs.SYS_EXIT
				tc.X[10] = uint64(int64(7))
			} else {
				tc := t.TrapContext()
				tc.X[17] = defs.SYS_GETTIME
			}
			return defs.ScauseUserEnvCall
		})
	}

	waitTc := parent.TrapContext()
	waitTc.X[17] = defs.SYS_WAITPID
	waitTc.X[10] = uint64(int64(-1))
	waitTc.X[11] = 0
	k.StepOne(func(*proc.TCB) defs.Scause { return defs.ScauseUserEnvCall })

	if got := int64(parent.TrapContext().X[10]); got != childPid {
		t.Fatalf("waitpid returned %v, want child pid %v", got, childPid)
	}
}

func TestFeedConsoleBuffersInputForStdin(t *testing.T) {
	k := freshKernel(t)
	k.FeedConsole([]byte("x"))
	if k.console.Empty() {
		t.Fatal("expected console to hold the fed byte")
	}
}
