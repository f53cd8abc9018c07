//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package storage

import "os"

// 其他平台只依赖进程内互斥
func lockFileExclusive(*os.File) error { return nil }

func unlockFile(*os.File) error { return nil }
