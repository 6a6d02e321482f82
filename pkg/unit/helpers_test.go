package unit

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sunlightlinux/slunit/pkg/process"
)

var testEpoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

type fakeTimer struct {
	deadline time.Time
	enabled  bool
	fn       func(time.Time)
}

func (t *fakeTimer) SetDeadline(d time.Time) { t.deadline, t.enabled = d, true }
func (t *fakeTimer) Deadline() time.Time     { return t.deadline }
func (t *fakeTimer) Enabled() bool           { return t.enabled }
func (t *fakeTimer) Disable()                { t.enabled = false }

// fakeTimers hands out timers that only fire when a test says so.
type fakeTimers struct {
	clock  *fakeClock
	timers []*fakeTimer
}

func (f *fakeTimers) AddTimer(deadline time.Time, fn func(time.Time)) TimerSource {
	t := &fakeTimer{deadline: deadline, enabled: true, fn: fn}
	f.timers = append(f.timers, t)
	return t
}

// fire runs the callback of t as if its deadline passed.
func (f *fakeTimers) fire(t TimerSource) {
	ft := t.(*fakeTimer)
	if !ft.enabled {
		panic("firing a disabled timer")
	}
	ft.enabled = false
	f.clock.now = ft.deadline
	ft.fn(ft.deadline)
}

type signalRecord struct {
	pid int
	sig syscall.Signal
}

// fakeSpawner pretends to start processes and records signals instead
// of sending them.
type fakeSpawner struct {
	nextPID  int
	spawned  [][]string
	signals  []signalRecord
	spawnErr error
	pids     []int // handed out before nextPID counting starts
}

func (s *fakeSpawner) Spawn(u Unit, params process.ExecParams) (int, error) {
	if s.spawnErr != nil {
		return 0, s.spawnErr
	}
	s.spawned = append(s.spawned, params.Command)
	if len(s.pids) > 0 {
		pid := s.pids[0]
		s.pids = s.pids[1:]
		return pid, nil
	}
	s.nextPID++
	return s.nextPID, nil
}

func (s *fakeSpawner) Signal(pid int, sig syscall.Signal) error {
	s.signals = append(s.signals, signalRecord{pid, sig})
	return nil
}

type fakePIDWatcher struct{ watched map[int]bool }

func (w *fakePIDWatcher) Watch(pid int) error { w.watched[pid] = true; return nil }
func (w *fakePIDWatcher) Unwatch(pid int)     { delete(w.watched, pid) }

// fakeDev is a udev property bag.
type fakeDev struct {
	action   string
	syspath  string
	devnode  string
	major    uint32
	minor    uint32
	devlinks []string
	props    map[string]string
}

func (d *fakeDev) Action() string     { return d.action }
func (d *fakeDev) Syspath() string    { return d.syspath }
func (d *fakeDev) Devnode() string    { return d.devnode }
func (d *fakeDev) Devlinks() []string { return d.devlinks }

func (d *fakeDev) Devnum() (uint32, uint32, bool) {
	return d.major, d.minor, d.devnode != ""
}

func (d *fakeDev) Property(key string) (string, bool) {
	v, ok := d.props[key]
	return v, ok
}

type fakeDevices struct{ devs []DeviceProperties }

func (f *fakeDevices) Enumerate() ([]DeviceProperties, error) { return f.devs, nil }

func (f *fakeDevices) Lookup(block bool, major, minor uint32) (DeviceProperties, error) {
	return nil, fmt.Errorf("device %d:%d: %w", major, minor, ErrNotFound)
}

// fakeFragments serves unit files from memory.
type fakeFragments map[string]map[string]map[string][]string

func (f fakeFragments) LoadFragment(name string) (*Fragment, error) {
	sections, ok := f[name]
	if !ok {
		return nil, ErrNotFound
	}
	return &Fragment{Path: "/etc/slunit/" + name, Sections: sections}, nil
}

type eventRecorder struct{ events []UnitEvent }

func (r *eventRecorder) UnitChanged(ev UnitEvent) { r.events = append(r.events, ev) }

func (r *eventRecorder) forUnit(name string) []UnitEvent {
	var out []UnitEvent
	for _, ev := range r.events {
		if ev.Unit == name {
			out = append(out, ev)
		}
	}
	return out
}

type testEnv struct {
	m         *Manager
	clock     *fakeClock
	timers    *fakeTimers
	spawner   *fakeSpawner
	pids      *fakePIDWatcher
	devices   *fakeDevices
	fragments fakeFragments
	events    *eventRecorder
}

// newTestEnv builds a running manager over fakes. /proc/swaps is an
// empty table in a temporary directory.
func newTestEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()
	procSwaps := filepath.Join(t.TempDir(), "swaps")
	require.NoError(t, os.WriteFile(procSwaps, []byte(procSwapsHeader), 0o644))

	cfg := DefaultConfig()
	cfg.ProcSwaps = procSwaps
	for _, fn := range mutate {
		fn(&cfg)
	}

	clock := &fakeClock{now: testEpoch}
	env := &testEnv{
		clock:     clock,
		timers:    &fakeTimers{clock: clock},
		spawner:   &fakeSpawner{nextPID: 1000},
		pids:      &fakePIDWatcher{watched: make(map[int]bool)},
		devices:   &fakeDevices{},
		fragments: fakeFragments{},
		events:    &eventRecorder{},
	}
	env.m = NewManager(cfg, Host{
		Clock:     clock,
		Timers:    env.timers,
		Spawner:   env.spawner,
		PIDs:      env.pids,
		Devices:   env.devices,
		Fragments: env.fragments,
	})
	env.m.AddListener(env.events)
	env.m.state = ManagerRunning
	return env
}

const procSwapsHeader = "Filename\t\t\t\tType\t\tSize\t\tUsed\t\tPriority\n"

func (e *testEnv) writeProcSwaps(t *testing.T, lines ...string) {
	t.Helper()
	content := procSwapsHeader
	for _, l := range lines {
		content += l + "\n"
	}
	require.NoError(t, os.WriteFile(e.m.cfg.ProcSwaps, []byte(content), 0o644))
}

func (e *testEnv) swapFragment(name, what string) {
	e.fragments[name] = map[string]map[string][]string{
		"Swap": {"What": {what}},
	}
}

func (e *testEnv) loadSwap(t *testing.T, name string) *Swap {
	t.Helper()
	u, err := e.m.LoadUnit(name)
	require.NoError(t, err)
	e.m.DispatchLoadQueue()
	return u.(*Swap)
}

func unitNames(units []Unit) []string {
	out := make([]string, 0, len(units))
	for _, u := range units {
		out = append(out, u.Name())
	}
	return out
}

func sortedNames(units []Unit) []string {
	out := unitNames(units)
	sort.Strings(out)
	return out
}

// deadPID is above the kernel's pid_max limit, so it never names a
// process.
const deadPID = 1<<22 + 1
