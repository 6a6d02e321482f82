package eventloop

import (
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/sunlightlinux/slunit/pkg/process"
	"github.com/sunlightlinux/slunit/pkg/unit"
)

// Spawn starts a control process for u, placing it in the unit's
// cgroup when it has one. Its exit is delivered to the manager by Run.
func (el *EventLoop) Spawn(u unit.Unit, params process.ExecParams) (int, error) {
	if path := u.Record().CgroupPath(); path != "" && params.CgroupFD == 0 {
		fd, err := unix.Open(path, unix.O_DIRECTORY|unix.O_RDONLY|unix.O_CLOEXEC, 0)
		if err == nil {
			defer unix.Close(fd)
			params.CgroupFD = fd
		} else {
			el.logger.Debug("Spawning %s outside its cgroup: %v", u.Name(), err)
		}
	}
	pid, exitCh, err := process.StartProcess(params)
	if err != nil {
		return 0, err
	}
	el.children[pid] = struct{}{}
	go el.forward(exitCh)
	return pid, nil
}

// Signal sends sig to pid. Control processes run in their own process
// group, which is signalled as a whole.
func (el *EventLoop) Signal(pid int, sig syscall.Signal) error {
	_, ours := el.children[pid]
	return process.SignalProcess(pid, sig, !ours)
}

// Watch reports the exit of a process that is not our child.
func (el *EventLoop) Watch(pid int) error {
	if _, ours := el.children[pid]; ours {
		return nil
	}
	if _, ok := el.watched[pid]; ok {
		return nil
	}
	done := make(chan struct{})
	exitCh, err := process.WatchPID(pid, done)
	if err != nil {
		return err
	}
	el.watched[pid] = done
	go el.forward(exitCh)
	return nil
}

// Unwatch stops watching pid.
func (el *EventLoop) Unwatch(pid int) {
	if done, ok := el.watched[pid]; ok {
		close(done)
		delete(el.watched, pid)
	}
}

func (el *EventLoop) forward(exitCh <-chan process.ChildExit) {
	for ex := range exitCh {
		select {
		case el.exits <- ex:
		case <-el.done:
			return
		}
	}
}

// childExited is run on the loop goroutine for every exit.
func (el *EventLoop) childExited(ex process.ChildExit) {
	delete(el.children, ex.PID)
	if done, ok := el.watched[ex.PID]; ok {
		close(done)
		delete(el.watched, ex.PID)
	}
	el.mgr.ChildExited(ex.PID, ex.Status)
}
