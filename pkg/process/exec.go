package process

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"syscall"
)

// StartProcess starts a child process with the given parameters.
// It returns the PID and a channel that will receive exactly one ChildExit
// when the process terminates. The caller must read from the channel.
//
// If the command cannot be started at all (e.g., binary not found),
// an error is returned and no channel/PID is produced.
func StartProcess(params ExecParams) (int, <-chan ChildExit, error) {
	if len(params.Command) == 0 {
		return 0, nil, &ExecError{Stage: StageDoExec, Err: os.ErrInvalid}
	}

	cmd := exec.Command(params.Command[0], params.Command[1:]...)

	if params.WorkingDir != "" {
		if _, err := os.Stat(params.WorkingDir); err != nil {
			return 0, nil, &ExecError{Stage: StageChdir, Err: err}
		}
		cmd.Dir = params.WorkingDir
	}

	if len(params.Env) > 0 {
		cmd.Env = append(os.Environ(), params.Env...)
	}

	// Own process group so the whole helper tree can be signalled.
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}

	if params.CgroupFD > 0 {
		cmd.SysProcAttr.UseCgroupFD = true
		cmd.SysProcAttr.CgroupFD = params.CgroupFD
	}

	if params.RunAsUID != 0 || params.RunAsGID != 0 {
		cmd.SysProcAttr.Credential = &syscall.Credential{
			Uid: params.RunAsUID,
			Gid: params.RunAsGID,
		}
	}

	out := params.Output
	if out == nil {
		out = io.Discard
	}
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		return 0, nil, &ExecError{Stage: failedStage(params, err), Err: err}
	}

	pid := cmd.Process.Pid
	exitCh := make(chan ChildExit, 1)

	go func() {
		defer close(exitCh)

		err := cmd.Wait()

		var status syscall.WaitStatus
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				status = exitErr.Sys().(syscall.WaitStatus)
			}
		} else if cmd.ProcessState != nil {
			status = cmd.ProcessState.Sys().(syscall.WaitStatus)
		}

		exitCh <- ChildExit{
			PID:    pid,
			Status: NewExitStatus(status),
		}
	}()

	return pid, exitCh, nil
}

// failedStage guesses which setup step made cmd.Start fail. The child
// reports only an errno, so the parameters decide.
func failedStage(params ExecParams, err error) ExecStage {
	switch {
	case params.CgroupFD > 0 && errors.Is(err, syscall.EBADF):
		return StageEnterCgroup
	case (params.RunAsUID != 0 || params.RunAsGID != 0) && errors.Is(err, syscall.EPERM):
		return StageSetUIDGID
	default:
		return StageDoExec
	}
}

// SignalProcess sends a signal to a process.
// If processOnly is false, signals the process group (negative PID).
func SignalProcess(pid int, sig syscall.Signal, processOnly bool) error {
	if pid <= 0 {
		return nil
	}
	if processOnly {
		return syscall.Kill(pid, sig)
	}
	return syscall.Kill(-pid, sig)
}
