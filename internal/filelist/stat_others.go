//go:build !linux && !darwin

package filelist

import "os"

func ownership(os.FileInfo) (uid, gid int32) { return 0, 0 }

func rdev(os.FileInfo) (major, minor int32) { return 0, 0 }
