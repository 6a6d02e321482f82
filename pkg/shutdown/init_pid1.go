// Package shutdown implements PID 1 initialization, emergency actions,
// re-exec and the final shutdown sequence of slunit.
package shutdown

import (
	"os"
	"os/signal"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/sunlightlinux/slunit/pkg/logging"
)

const consolePath = "/dev/console"

// InitPID1 performs early initialization required when running as PID 1:
// it resets the umask, takes over /dev/console, disables Ctrl+Alt+Del,
// marks the process as child subreaper and ignores terminal job control
// signals. Inside a container the console and Ctrl+Alt+Del belong to the
// host and are left alone.
func InitPID1(logger *logging.Logger, container bool) error {
	unix.Umask(0o022)

	if container {
		logger.Debug("Running in a container, leaving the console alone")
	} else {
		if err := setupConsole(); err != nil {
			logger.Debug("Console setup: %v (non-fatal)", err)
		} else {
			logger.Debug("Console redirected to %s", consolePath)
		}

		if err := disableCAD(); err != nil {
			logger.Debug("Disable CAD: %v (non-fatal)", err)
		} else {
			logger.Debug("Ctrl+Alt+Del disabled")
		}
	}

	// PID 1 inherits orphans anyway; the flag matters after a re-exec
	// into a namespace where we are not PID 1.
	if err := SetChildSubreaper(); err != nil {
		logger.Debug("Set child subreaper: %v (non-fatal)", err)
	}

	ignoreTerminalSignals()
	logger.Debug("Terminal signals ignored (SIGTSTP, SIGTTIN, SIGTTOU, SIGPIPE)")

	return nil
}

// setupConsole points stdin, stdout and stderr at the system console.
func setupConsole() error {
	for _, s := range []struct {
		flag int
		fds  []int
	}{
		{os.O_RDONLY, []int{0}},
		{os.O_RDWR, []int{1, 2}},
	} {
		f, err := os.OpenFile(consolePath, s.flag|unix.O_NOCTTY, 0)
		if err != nil {
			return err
		}
		for _, fd := range s.fds {
			if err := unix.Dup3(int(f.Fd()), fd, 0); err != nil {
				f.Close()
				return err
			}
		}
		if int(f.Fd()) > 2 {
			f.Close()
		}
	}
	return nil
}

// disableCAD disables the Ctrl+Alt+Del reboot key combination.
// The kernel then sends SIGINT to PID 1 instead of rebooting, and the
// event loop turns that into an orderly reboot.
func disableCAD() error {
	return unix.Reboot(unix.LINUX_REBOOT_CMD_CAD_OFF)
}

// SetChildSubreaper makes orphaned descendants reparent to this process
// instead of PID 1, so the manager can reap the processes of its scopes.
func SetChildSubreaper() error {
	return unix.Prctl(unix.PR_SET_CHILD_SUBREAPER, 1, 0, 0, 0)
}

// isChildSubreaper reports the child subreaper flag of this process.
func isChildSubreaper() (bool, error) {
	var result int32
	if err := unix.Prctl(unix.PR_GET_CHILD_SUBREAPER, uintptr(unsafe.Pointer(&result)), 0, 0, 0); err != nil {
		return false, err
	}
	return result != 0, nil
}

// ignoreTerminalSignals ignores signals related to terminal job control.
// They would otherwise stop the manager or kill it on a closed pipe.
func ignoreTerminalSignals() {
	signal.Ignore(
		syscall.SIGTSTP, // Terminal stop (Ctrl+Z)
		syscall.SIGTTIN, // Background process attempting read
		syscall.SIGTTOU, // Background process attempting write
		syscall.SIGPIPE, // Broken pipe
	)
}
