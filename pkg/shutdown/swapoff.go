package shutdown

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/sunlightlinux/slunit/pkg/logging"
	"github.com/sunlightlinux/slunit/pkg/unit"
)

var swapoffFunc = func(path string) error {
	p, err := unix.BytePtrFromString(path)
	if err != nil {
		return err
	}
	_, _, errno := unix.Syscall(unix.SYS_SWAPOFF, uintptr(unsafe.Pointer(p)), 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// SwapoffAll deactivates every swap the kernel lists in procSwaps and
// returns how many could not be turned off.
func SwapoffAll(procSwaps string, logger *logging.Logger) (int, error) {
	f, err := os.Open(procSwaps)
	if err != nil {
		return 0, err
	}
	entries, err := unit.ParseProcSwaps(f)
	f.Close()
	if err != nil {
		return 0, err
	}

	failed := 0
	for _, e := range entries {
		logger.Info("Deactivating swap %s.", e.Device)
		if err := swapoffFunc(e.Device); err != nil {
			logger.Warn("Could not deactivate swap %s: %v", e.Device, err)
			failed++
		}
	}
	return failed, nil
}
