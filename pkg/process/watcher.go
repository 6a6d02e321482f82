package process

import (
	"errors"
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// Alive reports whether pid names an existing, not yet reaped process.
// EPERM means the process exists but we may not signal it.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// WatchPID observes a process that was not started through StartProcess,
// such as a scope member or a control process inherited across re-exec.
// The returned channel receives one ChildExit when the process goes away.
// If the process is our child it is reaped and its real status reported;
// otherwise the status is empty.
//
// The done channel stops the watch without a report.
func WatchPID(pid int, done <-chan struct{}) (<-chan ChildExit, error) {
	fd, err := unix.PidfdOpen(pid, 0)
	if err != nil {
		return nil, fmt.Errorf("pidfd_open(%d): %w", pid, err)
	}

	ch := make(chan ChildExit, 1)
	go func() {
		defer close(ch)
		defer unix.Close(fd)

		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		for {
			select {
			case <-done:
				return
			default:
			}
			n, err := unix.Poll(fds, 250)
			if err != nil {
				if errors.Is(err, unix.EINTR) {
					continue
				}
				return
			}
			if n > 0 {
				break
			}
		}

		exit := ChildExit{PID: pid}
		var ws unix.WaitStatus
		if wpid, err := unix.Wait4(pid, &ws, unix.WNOHANG, nil); err == nil && wpid == pid {
			exit.Status = NewExitStatus(syscall.WaitStatus(ws))
		}
		ch <- exit
	}()
	return ch, nil
}
