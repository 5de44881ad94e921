package filelog

import (
	"os"
	"syscall"
)

// flock takes an exclusive, non-blocking advisory lock on f, preventing a
// second process from opening the same data directory concurrently.
func flock(f *os.File) error {
	return syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
}
