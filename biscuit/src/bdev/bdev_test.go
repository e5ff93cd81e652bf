package bdev

import (
	"path/filepath"
	"testing"
)

func TestMemDiskReadWriteRoundtrip(t *testing.T) {
	d := NewMemDisk(4)
	var buf [BSIZE]uint8
	copy(buf[:], "hello, disk")
	d.WriteBlock(2, &buf)

	var out [BSIZE]uint8
	d.ReadBlock(2, &out)
	if string(out[:11]) != "hello, disk" {
		t.Fatalf("got %q", out[:11])
	}
}

func TestMemDiskOtherBlocksUntouched(t *testing.T) {
	d := NewMemDisk(2)
	var buf [BSIZE]uint8
	buf[0] = 0xff
	d.WriteBlock(0, &buf)

	var out [BSIZE]uint8
	d.ReadBlock(1, &out)
	if out[0] != 0 {
		t.Fatal("write to block 0 leaked into block 1")
	}
}

func TestMemDiskOutOfRangePanics(t *testing.T) {
	d := NewMemDisk(1)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on out-of-range block")
		}
	}()
	var buf [BSIZE]uint8
	d.ReadBlock(5, &buf)
}

func TestFileDiskTruncatesToExactSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fs.img")
	d, err := CreateFileDisk(path, 8192)
	if err != nil {
		t.Fatalf("CreateFileDisk: %v", err)
	}
	defer d.Close()

	info, err := d.f.Stat()
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() != 8192*BSIZE {
		t.Fatalf("got size %v, want %v", info.Size(), 8192*BSIZE)
	}
}

func TestFileDiskReadWriteRoundtripSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fs.img")
	d, err := CreateFileDisk(path, 4)
	if err != nil {
		t.Fatalf("CreateFileDisk: %v", err)
	}

	var buf [BSIZE]uint8
	copy(buf[:], "persisted")
	d.WriteBlock(1, &buf)
	d.Close()

	reopened, err := CreateFileDisk(path, 4)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	var out [BSIZE]uint8
	reopened.ReadBlock(1, &out)
	if string(out[:9]) != "persisted" {
		t.Fatalf("got %q", out[:9])
	}
}
