package unit

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/sunlightlinux/slunit/pkg/process"
)

// Inert collaborators used when a Host leaves a member nil.

type noSpawner struct{}

func (noSpawner) Spawn(u Unit, params process.ExecParams) (int, error) {
	return 0, fmt.Errorf("spawn %v for %s: %w", params.Command, u.Name(), ErrUnsupported)
}

func (noSpawner) Signal(pid int, sig syscall.Signal) error {
	return unix.Kill(pid, sig)
}

type nopPIDWatcher struct{}

func (nopPIDWatcher) Watch(int) error { return nil }
func (nopPIDWatcher) Unwatch(int)     {}

type nopCgroups struct{}

func (nopCgroups) Realize(Unit) (string, error)           { return "", nil }
func (nopCgroups) Path(Unit) string                       { return "" }
func (nopCgroups) Attach(Unit, []int) error               { return nil }
func (nopCgroups) Pids(Unit) ([]int, error)               { return nil, nil }
func (nopCgroups) IsEmpty(Unit) (bool, error)             { return true, nil }
func (nopCgroups) Kill(Unit, syscall.Signal) (int, error) { return 0, nil }
func (nopCgroups) Release(Unit)                           {}

type nopBus struct{}

func (nopBus) Track(Unit, string) error      { return nil }
func (nopBus) Untrack(Unit)                  {}
func (nopBus) RequestStop(Unit, string) bool { return false }

type nopDevices struct{}

func (nopDevices) Enumerate() ([]DeviceProperties, error) { return nil, nil }

func (nopDevices) Lookup(block bool, major, minor uint32) (DeviceProperties, error) {
	return nil, fmt.Errorf("device %d:%d: %w", major, minor, ErrNotFound)
}
