package shutdown

import (
	"syscall"
	"time"

	"github.com/sunlightlinux/slunit/pkg/logging"
	"github.com/sunlightlinux/slunit/pkg/unit"
)

const (
	// ProcessKillGracePeriod is the time to wait between SIGTERM and SIGKILL
	// when killing all remaining processes during shutdown.
	ProcessKillGracePeriod = 1 * time.Second

	// EmergencyShutdownTimeout is the maximum time to wait for units to
	// stop before forcing a shutdown.
	EmergencyShutdownTimeout = 90 * time.Second
)

// Mockable syscall functions for testing.
var (
	killFunc   = syscall.Kill
	syncFunc   = syscall.Sync
	rebootFunc = syscall.Reboot
)

// Execute performs the final shutdown sequence after the event loop has
// exited: it kills remaining processes, turns every swap off, syncs
// filesystems and issues the reboot syscall for action. It should only
// be called when running as PID 1 and does not return under normal
// circumstances.
func Execute(action unit.EmergencyAction, procSwaps string, logger *logging.Logger) {
	logger.Notice("Executing shutdown: %s", action)

	KillAllProcesses(logger)

	if failed, err := SwapoffAll(procSwaps, logger); err != nil {
		logger.Warn("Failed to read %s: %v", procSwaps, err)
	} else if failed > 0 {
		logger.Warn("Could not deactivate %d swap(s)", failed)
	}

	logger.Info("Syncing filesystems...")
	syncFunc()

	if err := rebootSystem(action); err != nil {
		logger.Error("Reboot syscall failed: %v", err)
	}

	// PID 1 must never exit, so hold indefinitely.
	logger.Error("Shutdown failed, holding indefinitely")
	InfiniteHold()
}

// KillAllProcesses sends SIGTERM to all processes, waits for a grace period,
// then sends SIGKILL. kill(-1, sig) reaches every process except PID 1.
func KillAllProcesses(logger *logging.Logger) {
	logger.Info("Sending SIGTERM to all processes...")
	if err := killFunc(-1, syscall.SIGTERM); err != nil {
		// ESRCH means no processes to signal - that's fine
		if err != syscall.ESRCH {
			logger.Debug("kill(-1, SIGTERM): %v", err)
		}
	}

	time.Sleep(ProcessKillGracePeriod)

	logger.Info("Sending SIGKILL to remaining processes...")
	if err := killFunc(-1, syscall.SIGKILL); err != nil {
		if err != syscall.ESRCH {
			logger.Debug("kill(-1, SIGKILL): %v", err)
		}
	}
}

// rebootSystem maps an emergency action to a Linux reboot command and
// issues the syscall.
func rebootSystem(action unit.EmergencyAction) error {
	var cmd int
	switch action {
	case unit.ActionReboot, unit.ActionRebootForce, unit.ActionRebootImmediate:
		cmd = syscall.LINUX_REBOOT_CMD_RESTART
	case unit.ActionPoweroff, unit.ActionPoweroffForce, unit.ActionPoweroffImmediate:
		cmd = syscall.LINUX_REBOOT_CMD_POWER_OFF
	default:
		cmd = syscall.LINUX_REBOOT_CMD_HALT
	}
	return rebootFunc(cmd)
}

// InfiniteHold blocks the calling goroutine forever.
// PID 1 must never exit; this is the last resort when the reboot
// syscall fails.
func InfiniteHold() {
	select {}
}
