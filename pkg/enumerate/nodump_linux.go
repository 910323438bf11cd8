//go:build linux

package enumerate

import (
	"os"

	"golang.org/x/sys/unix"
)

// noDumpSet reports whether the ext2-style FS_NODUMP_FL attribute is set on
// path (spec.md §4.1 step 3: "If the no-dump attribute is set and the job
// is configured to honor it..."). Unsupported filesystems (anything that
// doesn't implement FS_IOC_GETFLAGS) report false rather than erroring.
func noDumpSet(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	flags, err := unix.IoctlGetInt(int(f.Fd()), unix.FS_IOC_GETFLAGS)
	if err != nil {
		return false
	}
	return flags&unix.FS_NODUMP_FL != 0
}
