package imagefs

import (
	"bytes"
	"encoding/binary"
	"io"
)

// probeExFAT checks the exFAT volume boot record's fixed "EXFAT   " OEM
// name field. Allocation-bitmap decoding (exFAT stores it as an ordinary
// file referenced by the root directory) is not implemented here.
func probeExFAT(r io.ReaderAt, size int64) bool {
	if size < 64 {
		return false
	}
	buf := make([]byte, 8)
	if _, err := r.ReadAt(buf, 3); err != nil {
		return false
	}
	return bytes.Equal(buf, []byte("EXFAT   "))
}

// probeXFS checks the primary superblock's "XFSB" magic at offset 0.
// XFS allocation groups and their free-space B+trees are not decoded here.
func probeXFS(r io.ReaderAt, size int64) bool {
	if size < 4 {
		return false
	}
	buf := make([]byte, 4)
	if _, err := r.ReadAt(buf, 0); err != nil {
		return false
	}
	return binary.BigEndian.Uint32(buf) == 0x58465342 // "XFSB"
}

// probeReiserFS checks for the ReiserFS 3.x superblock magics ("ReIsErFs",
// "ReIsEr2Fs", "ReIsEr3Fs") 52 bytes into the superblock at the fixed
// 64 KiB offset (65536). The ReiserFS 4 superblock magic is not checked,
// so a ReiserFS 4 image is not recognized. Journal/bitmap block decoding
// is not implemented here.
func probeReiserFS(r io.ReaderAt, size int64) bool {
	const sbOffset = 65536
	if size < sbOffset+100 {
		return false
	}
	buf := make([]byte, 12)
	if _, err := r.ReadAt(buf, sbOffset+52); err != nil {
		return false
	}
	switch string(bytes.TrimRight(buf, "\x00")) {
	case "ReIsEr2Fs", "ReIsEr3Fs", "ReIsErFs":
		return true
	}
	return false
}
