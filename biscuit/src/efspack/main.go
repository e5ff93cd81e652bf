// Command efspack packs a directory of ELF binaries into a fresh efs
// disk image (spec.md §6's "CLI of the image packer"), grounded on
// the teacher's mkfs.go (the flag-driven CLI shape, copydata/addfiles
// decomposition, fmt.Printf/os.Exit error style) and
// original_source/easy-fs-fuse/src/main.rs (the -s/-t flag names, the
// fixed 8192-block/1-bitmap-block image size, and the
// strip-extension-to-get-app-name convention used to match a source
// tree entry to its compiled binary).
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"bdev"
	"efs"
	"vfs"
)

// totalBlocks and inodeBitmapBlocks are the fixed format parameters
// spec.md §6 pins the packed image to: 8192*512 bytes, one inode
// bitmap block.
const totalBlocks = 8192
const inodeBitmapBlocks = 1

// appName strips the first extension off a source-tree entry's name,
// the same `name_with_ext.drain(...)` trick main.rs uses to turn
// "initproc.rs" into the app name "initproc".
func appName(entryName string) string {
	if dot := strings.Index(entryName, "."); dot >= 0 {
		return entryName[:dot]
	}
	return entryName
}

// looksLikeELF reports whether data starts with the ELF magic,
// matching vm.AddressSpace.FromELF's own magic check so efspack never
// packs a file the kernel would refuse to load.
func looksLikeELF(data []uint8) bool {
	return len(data) >= 4 && data[0] == 0x7f && data[1] == 'E' && data[2] == 'L' && data[3] == 'F'
}

// packApps walks srcDir (non-recursively, like main.rs's read_dir) to
// get the app name list, reads each app's compiled binary out of
// targetDir, and creates one root-directory file per app in fs. It
// returns the names it packed, in the order Ls will later report them.
func packApps(root *vfs.Inode, srcDir, targetDir string) ([]string, error) {
	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return nil, fmt.Errorf("reading source dir %q: %w", srcDir, err)
	}

	var packed []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := appName(entry.Name())
		binPath := filepath.Join(targetDir, name)
		data, err := os.ReadFile(binPath)
		if err != nil {
			log.Printf("efspack: skipping %v: %v", name, err)
			continue
		}
		if !looksLikeELF(data) {
			log.Printf("efspack: skipping %v: not an ELF binary", name)
			continue
		}

		inode, eerr := root.Create(name)
		if eerr != 0 {
			return nil, fmt.Errorf("creating %v in image: err=%v", name, eerr)
		}
		if n := inode.WriteAt(0, data); n != len(data) {
			return nil, fmt.Errorf("writing %v: wrote %v of %v bytes", name, n, len(data))
		}
		packed = append(packed, name)
	}
	return packed, nil
}

func main() {
	srcDir := flag.String("s", "", "Executable source dir (with backslash)")
	targetDir := flag.String("t", "", "Executable target dir (with backslash)")
	flag.Parse()

	if *srcDir == "" || *targetDir == "" {
		fmt.Printf("Usage: efspack -s <src_dir> -t <target_dir>\n")
		os.Exit(1)
	}

	imagePath := filepath.Join(*targetDir, "fs.img")
	dev, err := bdev.CreateFileDisk(imagePath, totalBlocks)
	if err != nil {
		log.Fatalf("efspack: creating %v: %v", imagePath, err)
	}
	defer dev.Close()

	fs := efs.Format(dev, totalBlocks, inodeBitmapBlocks)
	root := vfs.Root(fs)

	packed, err := packApps(root, *srcDir, *targetDir)
	if err != nil {
		log.Fatalf("efspack: %v", err)
	}

	fmt.Printf("packed %v app(s) into %v:\n", len(packed), imagePath)
	for _, name := range root.Ls() {
		fmt.Printf("  %v\n", name)
	}
	fmt.Println(fs.Statistics())
}
