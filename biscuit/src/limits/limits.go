// Package limits tracks system-wide resource ceilings: values that are
// given back when a resource is freed and taken when one is acquired,
// so a runaway workload gets ENOMEM/EAGAIN instead of exhausting the
// kernel's backing memory.
package limits

import (
	"sync/atomic"
	"unsafe"
)

// Sysatomic_t is a numeric limit that can be atomically given back and
// taken from. It implements a counting semaphore: Taken fails instead
// of going negative.
type Sysatomic_t int64

func (s *Sysatomic_t) aptr() *int64 {
	return (*int64)(unsafe.Pointer(s))
}

// Given increases the limit by the provided amount.
func (s *Sysatomic_t) Given(n uint) {
	atomic.AddInt64(s.aptr(), int64(n))
}

// Taken tries to decrement the limit by n and reports whether it
// succeeded; on failure the limit is left unchanged.
func (s *Sysatomic_t) Taken(n uint) bool {
	if atomic.AddInt64(s.aptr(), -int64(n)) >= 0 {
		return true
	}
	atomic.AddInt64(s.aptr(), int64(n))
	return false
}

// Take decrements the limit by one and reports success.
func (s *Sysatomic_t) Take() bool {
	return s.Taken(1)
}

// Give increments the limit by one.
func (s *Sysatomic_t) Give() {
	s.Given(1)
}

// Cur returns the current remaining count.
func (s *Sysatomic_t) Cur() int64 {
	return atomic.LoadInt64(s.aptr())
}

// Syslimit_t tracks the system-wide resource ceilings this kernel
// enforces. Each field starts at the budget and is taken/given back as
// the corresponding resource is allocated/freed.
type Syslimit_t struct {
	// Sysprocs bounds the number of live PIDs (spec.md §4.5).
	Sysprocs Sysatomic_t
	// Openfiles bounds the total number of open file-table slots across
	// all tasks, guarding against fd-table growth with no upper bound.
	Openfiles Sysatomic_t
}

// Syslimit holds the configured system-wide limits.
var Syslimit = MkSysLimit()

// MkSysLimit returns the default set of limits.
func MkSysLimit() *Syslimit_t {
	return &Syslimit_t{
		Sysprocs:  1024,
		Openfiles: 4096,
	}
}
