// Package process implements process execution and monitoring for slunit.
package process

import (
	"fmt"
	"io"
	"syscall"
)

// ExecStage identifies the stage at which process setup failed.
type ExecStage uint8

const (
	StageChdir ExecStage = iota
	StageEnterCgroup
	StageSetUIDGID
	StageDoExec
)

var stageDescriptions = [...]string{
	StageChdir:       "changing directory",
	StageEnterCgroup: "entering cgroup",
	StageSetUIDGID:   "setting user/group ID",
	StageDoExec:      "executing command",
}

func (s ExecStage) String() string {
	if int(s) < len(stageDescriptions) {
		return stageDescriptions[s]
	}
	return fmt.Sprintf("ExecStage(%d)", s)
}

// ExecError represents a failure during child process setup or exec.
type ExecError struct {
	Stage ExecStage
	Err   error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("failed while %s: %v", e.Stage, e.Err)
}

func (e *ExecError) Unwrap() error { return e.Err }

// ExecParams holds the parameters for starting a child process.
type ExecParams struct {
	// Command is the program and arguments to execute.
	Command []string

	// WorkingDir is the working directory for the process.
	WorkingDir string

	// Env holds additional environment variables (key=value).
	Env []string

	// RunAsUID/RunAsGID specify credentials to run as (0 means no change).
	RunAsUID uint32
	RunAsGID uint32

	// CgroupFD, when positive, places the child into that cgroup
	// directory at clone time.
	CgroupFD int

	// Output receives the child's stdout and stderr. Nil discards them.
	Output io.Writer
}

// ChildExit represents the result of a child process termination.
type ChildExit struct {
	// PID of the terminated process.
	PID int

	// Status is the wait status from the OS.
	Status ExitStatus

	// ExecErr is set if the process failed during setup (before exec).
	// If nil, the process was exec'd successfully and later terminated.
	ExecErr *ExecError
}

// ExitCode classifies how a child terminated, mirroring the si_code
// values of SIGCHLD.
type ExitCode uint8

const (
	CodeExited ExitCode = iota + 1
	CodeKilled
	CodeDumped
)

func (c ExitCode) String() string {
	switch c {
	case CodeExited:
		return "exited"
	case CodeKilled:
		return "killed"
	case CodeDumped:
		return "dumped"
	default:
		return fmt.Sprintf("ExitCode(%d)", c)
	}
}

// ExitStatus holds the exit status of a child process.
type ExitStatus struct {
	WaitStatus syscall.WaitStatus
	// Whether the status has been set
	HasStatus bool
}

// NewExitStatus wraps a raw wait status.
func NewExitStatus(ws syscall.WaitStatus) ExitStatus {
	return ExitStatus{WaitStatus: ws, HasStatus: true}
}

// Exited returns true if the process exited normally.
func (e ExitStatus) Exited() bool {
	return e.HasStatus && e.WaitStatus.Exited()
}

// ExitCode returns the exit code if the process exited normally.
func (e ExitStatus) ExitCode() int {
	if e.Exited() {
		return e.WaitStatus.ExitStatus()
	}
	return -1
}

// Signaled returns true if the process was killed by a signal.
func (e ExitStatus) Signaled() bool {
	return e.HasStatus && e.WaitStatus.Signaled()
}

// Signal returns the signal that killed the process.
func (e ExitStatus) Signal() syscall.Signal {
	return e.WaitStatus.Signal()
}

// Code returns the SIGCHLD-style classification and the matching
// status value (exit code or signal number).
func (e ExitStatus) Code() (ExitCode, int) {
	switch {
	case !e.HasStatus:
		return CodeExited, 0
	case e.WaitStatus.Exited():
		return CodeExited, e.WaitStatus.ExitStatus()
	case e.WaitStatus.CoreDump():
		return CodeDumped, int(e.WaitStatus.Signal())
	default:
		return CodeKilled, int(e.WaitStatus.Signal())
	}
}

// Clean reports whether the child exited with status 0.
func (e ExitStatus) Clean() bool {
	code, status := e.Code()
	return code == CodeExited && status == 0
}

func (e ExitStatus) String() string {
	code, status := e.Code()
	if code == CodeExited {
		return fmt.Sprintf("exited, status=%d", status)
	}
	return fmt.Sprintf("%s, signal=%s", code, syscall.Signal(status))
}

// Exited returns true if the child exited normally.
func (c ChildExit) Exited() bool {
	return c.ExecErr == nil && c.Status.Exited()
}

// ExitedClean returns true if the child exited with code 0.
func (c ChildExit) ExitedClean() bool {
	return c.ExecErr == nil && c.Status.Clean()
}

// Signaled returns true if the child was killed by a signal.
func (c ChildExit) Signaled() bool {
	return c.ExecErr == nil && c.Status.Signaled()
}
