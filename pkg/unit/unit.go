package unit

import (
	"syscall"
	"time"

	"github.com/sunlightlinux/slunit/pkg/process"
)

// Unit is the interface every unit type implements. The set of
// implementations is closed: Device, Scope, Swap and Target, plus the
// placeholder used for dependency names no type here manages.
type Unit interface {
	// Identity
	Name() string
	Type() UnitType
	Record() *UnitRecord

	// Lifecycle, called by the manager
	Init()
	Load() error
	Coldplug() error
	Catchup()

	// Job entry points
	Start() error
	Stop() error
	Kill(who KillWho, sig syscall.Signal) error
	ResetFailed()

	// State
	ActiveState() ActiveState
	SubState() string

	// Checkpoint
	Serialize(w *Serializer)
	DeserializeItem(key, value string)

	// Event dispatch
	SigchldEvent(pid int, status process.ExitStatus)
	DispatchTimer(now time.Time)
	NotifyCgroupEmpty()

	// Aliasing and garbage collection
	Following() Unit
	FollowingSet() []Unit
	MayGC() bool
	Done()
}

// Clock supplies the current time. Deadlines are computed from it.
type Clock interface {
	Now() time.Time
}

// TimerSource is a oneshot timer owned by a single unit.
type TimerSource interface {
	// SetDeadline re-targets and re-enables the timer.
	SetDeadline(deadline time.Time)
	Deadline() time.Time
	Enabled() bool
	Disable()
}

// TimerFactory creates timers whose callbacks run on the loop goroutine.
type TimerFactory interface {
	AddTimer(deadline time.Time, fn func(now time.Time)) TimerSource
}

// Spawner runs control processes for units. Exits are delivered back
// through Manager.ChildExited.
type Spawner interface {
	Spawn(u Unit, params process.ExecParams) (int, error)
	Signal(pid int, sig syscall.Signal) error
}

// PIDWatcher observes processes that are not our children, such as
// scope members and control processes inherited across re-exec.
type PIDWatcher interface {
	Watch(pid int) error
	Unwatch(pid int)
}

// Cgroups is the control-group backend.
type Cgroups interface {
	Realize(u Unit) (string, error)
	Path(u Unit) string
	Attach(u Unit, pids []int) error
	Pids(u Unit) ([]int, error)
	IsEmpty(u Unit) (bool, error)
	// Kill signals every process of the unit's cgroup and returns how
	// many were signalled.
	Kill(u Unit, sig syscall.Signal) (int, error)
	Release(u Unit)
}

// BusTracker tracks the peer that created a transient unit.
type BusTracker interface {
	Track(u Unit, name string) error
	Untrack(u Unit)
	// RequestStop asks the controller to stop the unit itself. It
	// returns true if the request was delivered.
	RequestStop(u Unit, controller string) bool
}

// DeviceProperties is the property bag of one udev device.
type DeviceProperties interface {
	Action() string
	Syspath() string
	Devnode() string
	Devnum() (major, minor uint32, ok bool)
	Devlinks() []string
	Property(key string) (string, bool)
}

// DeviceSource enumerates and resolves udev devices.
type DeviceSource interface {
	// Enumerate returns every initialized device carrying the systemd tag.
	Enumerate() ([]DeviceProperties, error)
	// Lookup resolves a device node by its number.
	Lookup(block bool, major, minor uint32) (DeviceProperties, error)
}

// EmergencyHandler executes emergency actions.
type EmergencyHandler interface {
	EmergencyAction(action EmergencyAction, reason string)
}

// Logger is the leveled logger units write to.
type Logger interface {
	Debug(format string, args ...interface{})
	Info(format string, args ...interface{})
	Notice(format string, args ...interface{})
	Warn(format string, args ...interface{})
	Error(format string, args ...interface{})
}

// FragmentLoader locates and parses unit fragments on disk.
type FragmentLoader interface {
	LoadFragment(name string) (*Fragment, error)
}

// Fragment is a parsed unit file: section name to key to the ordered
// list of values assigned to that key.
type Fragment struct {
	Path     string
	Sections map[string]map[string][]string
}

// Last returns the last value assigned to key in section.
func (f *Fragment) Last(section, key string) (string, bool) {
	if f == nil {
		return "", false
	}
	vals := f.Sections[section][key]
	if len(vals) == 0 {
		return "", false
	}
	return vals[len(vals)-1], true
}

// All returns every value assigned to key in section. An empty
// assignment resets the list, as in systemd unit files.
func (f *Fragment) All(section, key string) []string {
	if f == nil {
		return nil
	}
	var out []string
	for _, v := range f.Sections[section][key] {
		if v == "" {
			out = nil
			continue
		}
		out = append(out, v)
	}
	return out
}

// Host bundles the collaborators a Manager drives units through. Nil
// members are replaced by inert defaults.
type Host struct {
	Clock     Clock
	Timers    TimerFactory
	Spawner   Spawner
	PIDs      PIDWatcher
	Cgroups   Cgroups
	Bus       BusTracker
	Devices   DeviceSource
	Emergency EmergencyHandler
	Fragments FragmentLoader
	Logger    Logger
}
