// Package fdops defines the interfaces a file descriptor's backing
// object implements: the read/write gather-scatter contract used to
// move bytes across the user/kernel boundary, and the small set of
// operations every open file (console or efs-backed) must support.
package fdops

import "defs"

// Userio_i abstracts a user-supplied buffer so file implementations
// never need to know whether they are copying to/from a single
// contiguous range or a scattered list of user pages.
type Userio_i interface {
	// Uioread copies from the user buffer into dst, returning the
	// number of bytes copied.
	Uioread(dst []uint8) (int, defs.Err_t)
	// Uiowrite copies src into the user buffer, returning the number
	// of bytes copied.
	Uiowrite(src []uint8) (int, defs.Err_t)
	// Remain reports how many bytes are left in the user buffer.
	Remain() int
	// Totalsz reports the user buffer's original size.
	Totalsz() int
}

// Fdops_i is implemented by whatever sits behind an open file
// descriptor: console I/O, or an efs-backed file.
type Fdops_i interface {
	Close() defs.Err_t
	Reopen() defs.Err_t
	Read(dst Userio_i) (int, defs.Err_t)
	Write(src Userio_i) (int, defs.Err_t)
}
