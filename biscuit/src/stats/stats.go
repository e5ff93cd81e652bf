// Package stats holds lightweight counters for kernel subsystems
// (frame allocator, scheduler, block cache) that want cheap visibility
// without threading a metrics dependency through every call site.
package stats

import (
	"reflect"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
	"unsafe"
)

const Stats = true
const Timing = true

// Nanotime returns a monotonic timestamp in nanoseconds. Stands in for
// a cycle counter; this kernel runs hosted, not on bare metal, so
// there is no rdtsc/rdcycle instruction to read.
func Nanotime() uint64 {
	if !Timing {
		return 0
	}
	return uint64(time.Now().UnixNano())
}

/// Counter_t is a statistical counter.
type Counter_t int64

/// Cycles_t holds an elapsed-time accumulation, in nanoseconds.
type Cycles_t int64

func (c *Counter_t) ptr() *int64 { return (*int64)(unsafe.Pointer(c)) }
func (c *Cycles_t) ptr() *int64  { return (*int64)(unsafe.Pointer(c)) }

/// Inc increments the counter.
func (c *Counter_t) Inc() {
	if Stats {
		atomic.AddInt64(c.ptr(), 1)
	}
}

/// Add adds n to the counter.
func (c *Counter_t) Add(n int64) {
	if Stats {
		atomic.AddInt64(c.ptr(), n)
	}
}

/// Val reads the current counter value.
func (c *Counter_t) Val() int64 {
	return atomic.LoadInt64(c.ptr())
}

/// Add accumulates elapsed nanoseconds since start.
func (c *Cycles_t) Add(start uint64) {
	if Timing {
		atomic.AddInt64(c.ptr(), int64(Nanotime()-start))
	}
}

/// Val reads the current accumulated nanoseconds.
func (c *Cycles_t) Val() int64 {
	return atomic.LoadInt64(c.ptr())
}

/// Stats2String converts a struct of counters to a printable string.
func Stats2String(st interface{}) string {
	if !Stats {
		return ""
	}
	v := reflect.ValueOf(st)
	s := ""
	for i := 0; i < v.NumField(); i++ {
		t := v.Field(i).Type().String()
		if strings.HasSuffix(t, "Counter_t") {
			n := v.Field(i).Interface().(Counter_t)
			s += "\n\t#" + v.Type().Field(i).Name + ": " + strconv.FormatInt(int64(n), 10)
		}
		if strings.HasSuffix(t, "Cycles_t") {
			n := v.Field(i).Interface().(Cycles_t)
			s += "\n\t#" + v.Type().Field(i).Name + ": " + strconv.FormatInt(int64(n), 10)
		}

	}
	return s + "\n"
}
