package shutdown

import (
	"os"
	"strings"
	"syscall"

	"github.com/sunlightlinux/slunit/pkg/logging"
	"github.com/sunlightlinux/slunit/pkg/unit"
)

// DeserializeFlag is the daemon flag naming a checkpoint to restore.
const DeserializeFlag = "--deserialize"

// Mockable exec function for testing.
var (
	execFunc       = syscall.Exec
	executableFunc = os.Executable
)

// Reexec writes the manager state to checkpoint and replaces the process
// with a fresh copy of the daemon that restores it. Processes of units
// keep running, and stay children of this PID.
//
// On success Reexec does not return. If the exec fails the checkpoint is
// removed and the caller carries on with the current image.
func Reexec(m *unit.Manager, checkpoint string, logger *logging.Logger) error {
	execPath, err := executableFunc()
	if err != nil {
		return err
	}
	if err := m.WriteCheckpoint(checkpoint); err != nil {
		return err
	}

	syncFunc()
	logger.Notice("Re-executing %s", execPath)

	err = execFunc(execPath, reexecArgs(os.Args, checkpoint), os.Environ())
	os.Remove(checkpoint)
	return err
}

// reexecArgs replaces any earlier checkpoint flag in args with one for
// checkpoint.
func reexecArgs(args []string, checkpoint string) []string {
	out := make([]string, 0, len(args)+1)
	skipNext := false
	for i, a := range args {
		switch {
		case skipNext:
			skipNext = false
		case i > 0 && a == DeserializeFlag:
			skipNext = true
		case i > 0 && strings.HasPrefix(a, DeserializeFlag+"="):
		default:
			out = append(out, a)
		}
	}
	return append(out, DeserializeFlag+"="+checkpoint)
}
