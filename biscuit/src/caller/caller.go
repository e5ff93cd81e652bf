// Package caller dumps the active call stack for fatal kernel errors.
package caller

import (
	"fmt"
	"runtime"
)

// Callerdump formats the call stack starting at the given skip depth,
// one frame per line, and writes it to stdout. Used by the trap
// gateway when a trap from kernel mode proves a kernel bug (spec.md
// §4.4, §7): there is no recovery, only a diagnostic before panicking.
func Callerdump(start int) {
	i := start
	s := ""
	for {
		_, f, l, ok := runtime.Caller(i)
		if !ok {
			break
		}
		i++
		if s == "" {
			s = fmt.Sprintf("%s:%d\n", f, l)
		} else {
			s += fmt.Sprintf("\t<-%s:%d\n", f, l)
		}
	}
	fmt.Printf("%s", s)
}
