// Package stat describes the information efs returns about a file,
// stripped to what spec.md's data model actually carries: no
// permissions, ownership, or device nodes (spec.md §1 Non-goals).
package stat

import "encoding/binary"

// Type_t distinguishes files from the (single) directory.
type Type_t uint8

const (
	TFile Type_t = 1
	TDir  Type_t = 2
)

// Stat_t holds a file's stat information: inode number, size, type and
// block count.
type Stat_t struct {
	ino    uint32
	size   uint32
	typ    Type_t
	blocks uint32
}

func (st *Stat_t) Wino(v uint32)      { st.ino = v }
func (st *Stat_t) Wsize(v uint32)     { st.size = v }
func (st *Stat_t) Wtype(v Type_t)     { st.typ = v }
func (st *Stat_t) Wblocks(v uint32)   { st.blocks = v }
func (st *Stat_t) Ino() uint32        { return st.ino }
func (st *Stat_t) Size() uint32       { return st.size }
func (st *Stat_t) Type() Type_t       { return st.typ }
func (st *Stat_t) Blocks() uint32     { return st.blocks }
func (st *Stat_t) IsDir() bool        { return st.typ == TDir }

// Bytes serializes the structure for copying across the user/kernel
// boundary: 4 bytes ino, 4 bytes size, 1 byte type, 4 bytes blocks.
func (st *Stat_t) Bytes() []uint8 {
	b := make([]uint8, 13)
	binary.LittleEndian.PutUint32(b[0:4], st.ino)
	binary.LittleEndian.PutUint32(b[4:8], st.size)
	b[8] = uint8(st.typ)
	binary.LittleEndian.PutUint32(b[9:13], st.blocks)
	return b
}
