//go:build linux

package enumerate

import (
	"os"
	"syscall"
)

// statTimes returns the inode change time (ctime) when the platform exposes
// it via syscall.Stat_t, distinct from the mtime os.FileInfo always carries
// (spec.md §3: "Cast — the (mtime, ctime) pair").
func statTimes(info os.FileInfo) (int64, bool) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, false
	}
	return st.Ctim.Sec, true
}
