//go:build !linux

package enumerate

import "os"

// statTimes falls back to mtime-as-ctime on platforms without syscall.Stat_t
// ctime fields.
func statTimes(info os.FileInfo) (int64, bool) {
	return 0, false
}
