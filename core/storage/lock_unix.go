//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package storage

import (
	"os"

	"golang.org/x/sys/unix"
)

// lockFileExclusive 独占锁（写锁）
func lockFileExclusive(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_EX)
}

// unlockFile 解锁
func unlockFile(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
