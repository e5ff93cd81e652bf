// Package fd holds the per-task file-descriptor table slot: a file
// port plus the permission bits governing it (spec.md §4.11).
package fd

import (
	"defs"
	"fdops"
)

// File descriptor permission bits.
const (
	FD_READ    = 0x1 // read permission
	FD_WRITE   = 0x2 // write permission
	FD_CLOEXEC = 0x4 // close-on-exec flag
)

// Fd_t is one slot of a task's fd table: a file port plus the
// permission bits governing it.
type Fd_t struct {
	// Fops is implemented via a pointer receiver, so it is a
	// reference, not a value: copying an Fd_t shares the same
	// underlying file port. Copyfd shares it the same way and calls
	// Reopen on it.
	Fops  fdops.Fdops_i
	Perms int
}

// Copyfd duplicates an open file descriptor, per spec.md §4.6's fork
// semantics: "duplicate fd table (each slot clones the underlying
// file port handle, sharing it with the parent)".
func Copyfd(fd *Fd_t) (*Fd_t, defs.Err_t) {
	nfd := &Fd_t{}
	*nfd = *fd
	if err := nfd.Fops.Reopen(); err != 0 {
		return nil, err
	}
	return nfd, 0
}

// Close_panic closes a descriptor, panicking if the close fails: used
// when closing is known to be infallible (e.g. tearing down a Zombie
// task's fd table).
func Close_panic(f *Fd_t) {
	if f.Fops.Close() != 0 {
		panic("fd: close must succeed")
	}
}
