//go:build windows

package signalbus

import (
	"os"
	"syscall"
)

// CrashSignals returns the Windows crash signal set.
func CrashSignals() []os.Signal {
	return []os.Signal{
		syscall.SIGABRT,
		syscall.SIGFPE,
		syscall.SIGILL,
		syscall.SIGSEGV,
		syscall.SIGTERM,
	}
}
