// Package sched implements the FIFO ready queue and per-CPU Processor
// that drive this single-hart kernel's cooperative-plus-preemptive
// round-robin scheduler (spec.md §4.7).
package sched

import (
	"container/list"
	"runtime"
	"sync"

	"stats"
)

// Status is a task's scheduling state.
type Status int

const (
	Ready Status = iota
	Running
	Zombie
)

func (s Status) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Zombie:
		return "zombie"
	default:
		return "?"
	}
}

// TaskContext is the register state a context switch saves and
// restores: return address, stack pointer, and 12 callee-saved
// registers (spec.md §3's TaskContext glossary entry). It lives
// inside the TCB; sched never interprets its contents, only passes it
// to switchContext.
type TaskContext struct {
	Ra uint64
	Sp uint64
	S  [12]uint64
}

// Runnable is the minimal shape sched needs from a task control block,
// kept deliberately narrow so this package has no dependency on
// src/proc (which depends on sched, not the other way around).
type Runnable interface {
	SetStatus(Status)
	TaskCtx() *TaskContext
}

// switchContext is the __switch primitive: it saves ra, sp, and 12
// callee-saved registers from the source task context and loads them
// from the destination, the only primitive that transfers control
// between task contexts (spec.md §4.7). Declared with no Go body,
// matching trap's alltraps/restore: the real register-level swap
// belongs in hand-written assembly outside this module's scope: this
// hosted simulation instead advances the ready queue one Tick at a
// time and uses runtime.Gosched as the stand-in for the yield-path
// parking __switch performs when the CPU goes idle.
func switchContext(from, to *TaskContext)

// Outcome tells a Processor what to do with the task that just ran.
type Outcome int

const (
	// OutcomeSuspend: the task yielded or was preempted; move it to
	// the back of the ready queue as Ready.
	OutcomeSuspend Outcome = iota
	// OutcomeRemoved: the task exited (or was otherwise taken out of
	// scheduling, e.g. reaped); do not requeue it.
	OutcomeRemoved
)

// Processor owns the single hart's ready queue, current task, and
// idle task context (spec.md §4.7).
type Processor struct {
	mu      sync.Mutex
	ready   *list.List
	current Runnable
	idleCx  TaskContext

	Switches stats.Counter_t
}

// NewProcessor returns an empty, idle Processor.
func NewProcessor() *Processor {
	return &Processor{ready: list.New()}
}

// Enqueue appends t to the back of the ready queue, marking it Ready.
func (p *Processor) Enqueue(t Runnable) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t.SetStatus(Ready)
	p.ready.PushBack(t)
}

// Current returns the task presently installed as Running, or nil.
func (p *Processor) Current() Runnable {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Len reports the number of tasks waiting in the ready queue.
func (p *Processor) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready.Len()
}

func (p *Processor) popFront() (Runnable, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.ready.Front()
	if e == nil {
		return nil, false
	}
	p.ready.Remove(e)
	return e.Value.(Runnable), true
}

// Tick implements one pass of the run_tasks loop (spec.md §4.7): pop
// the ready-queue front, mark it Running, install it as current,
// switchContext into it conceptually (the run callback stands in for
// the task's own execution, since this module has no real machine
// code to jump into), then dispose of it per the returned Outcome. It
// reports whether a task ran; when the queue is empty it calls
// runtime.Gosched and returns false, the idle-loop stand-in for
// parking on __switch with nothing to run.
func (p *Processor) Tick(run func(Runnable) Outcome) bool {
	t, ok := p.popFront()
	if !ok {
		runtime.Gosched()
		return false
	}

	t.SetStatus(Running)
	p.mu.Lock()
	p.current = t
	p.mu.Unlock()

	p.Switches.Inc()
	// A real hart would switchContext(&p.idleCx, t.TaskCtx()) here and
	// its inverse after; run stands in for the task executing between
	// those two switches, since this module has no machine code for
	// switchContext to jump into (see its doc comment).
	outcome := run(t)

	p.mu.Lock()
	p.current = nil
	p.mu.Unlock()

	if outcome == OutcomeSuspend {
		p.Enqueue(t)
	}
	return true
}

// SuspendCurrent moves the current task back to Ready and pushes it
// onto the back of the ready queue, clearing Current (spec.md §4.7).
// It is the operation a preemption handler calls directly, distinct
// from a Tick callback's own OutcomeSuspend return for the common
// case where the callback itself observed the preemption.
func (p *Processor) SuspendCurrent() {
	p.mu.Lock()
	t := p.current
	p.current = nil
	p.mu.Unlock()
	if t == nil {
		return
	}
	p.Enqueue(t)
}
