//go:build linux || darwin

package filelist

import (
	"os"
	"syscall"
)

func ownership(fi os.FileInfo) (uid, gid int32) {
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, 0
	}
	return int32(st.Uid), int32(st.Gid)
}

func rdev(fi os.FileInfo) (major, minor int32) {
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, 0
	}
	r := uint64(st.Rdev)
	return int32((r >> 8) & 0xfff), int32((r & 0xff) | ((r >> 12) & 0xfff00))
}
