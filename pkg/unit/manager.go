package unit

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/sunlightlinux/slunit/pkg/process"
)

// ManagerState is the lifecycle phase of the manager.
type ManagerState uint8

const (
	ManagerStarting ManagerState = iota
	ManagerRunning
	ManagerStopping
)

func (s ManagerState) String() string {
	switch s {
	case ManagerStarting:
		return "starting"
	case ManagerRunning:
		return "running"
	case ManagerStopping:
		return "stopping"
	default:
		return fmt.Sprintf("ManagerState(%d)", s)
	}
}

// Config holds the manager-wide defaults units are created with.
type Config struct {
	// System is true for the system manager, false for a user manager.
	System bool
	// Container is true when running inside a container, where swaps
	// cannot be managed.
	Container bool
	// ReadOnlySys is true when /sys is mounted read-only, which turns
	// off device units.
	ReadOnlySys bool

	// ProcSwaps is the path of the kernel swap table.
	ProcSwaps   string
	SwaponPath  string
	SwapoffPath string

	DefaultTimeoutStart       time.Duration
	DefaultTimeoutStop        time.Duration
	DefaultDeviceTimeout      time.Duration
	DefaultStartLimitInterval time.Duration
	DefaultStartLimitBurst    int
}

// DefaultConfig returns the built-in defaults for a system manager.
func DefaultConfig() Config {
	return Config{
		System:                    true,
		ProcSwaps:                 "/proc/swaps",
		SwaponPath:                "/sbin/swapon",
		SwapoffPath:               "/sbin/swapoff",
		DefaultTimeoutStart:       90 * time.Second,
		DefaultTimeoutStop:        90 * time.Second,
		DefaultDeviceTimeout:      90 * time.Second,
		DefaultStartLimitInterval: 10 * time.Second,
		DefaultStartLimitBurst:    5,
	}
}

// Manager owns every unit and drives them from the event loop. None of
// its methods are safe for concurrent use; callers post into the loop.
type Manager struct {
	cfg Config

	clock     Clock
	timers    TimerFactory
	spawner   Spawner
	pids      PIDWatcher
	cgroups   Cgroups
	bus       BusTracker
	devices   DeviceSource
	emergency EmergencyHandler
	fragments FragmentLoader
	logger    Logger

	arena          arena
	units          map[string]Unit
	devicesBySysfs *Registry
	swapsByDevnode *Registry

	loadQueue    []Unit
	gcQueue      []Unit
	rewatchQueue []Unit
	runQueue     []*Job

	jobs      map[uint32]*Job
	nextJobID uint32

	// Jobs carried over a reload, by unit name.
	pendingJobs map[string]*Job

	watchPIDs   map[int][]Unit
	children    map[int]struct{}
	cgroupUnits map[string]Unit

	reloading int
	state     ManagerState
	listeners []UnitListener
}

// NewManager creates a manager. host.Timers is required; other nil
// collaborators are replaced by inert defaults.
func NewManager(cfg Config, host Host) *Manager {
	if host.Timers == nil {
		panic("unit: NewManager requires a TimerFactory")
	}
	m := &Manager{
		cfg:         cfg,
		timers:      host.Timers,
		units:       make(map[string]Unit),
		jobs:        make(map[uint32]*Job),
		watchPIDs:   make(map[int][]Unit),
		children:    make(map[int]struct{}),
		cgroupUnits: make(map[string]Unit),
	}
	m.devicesBySysfs = newRegistry(&m.arena)
	m.swapsByDevnode = newRegistry(&m.arena)

	m.clock = host.Clock
	if m.clock == nil {
		m.clock = systemClock{}
	}
	m.logger = host.Logger
	if m.logger == nil {
		m.logger = discardLogger{}
	}
	m.spawner = host.Spawner
	if m.spawner == nil {
		m.spawner = noSpawner{}
	}
	m.pids = host.PIDs
	if m.pids == nil {
		m.pids = nopPIDWatcher{}
	}
	m.cgroups = host.Cgroups
	if m.cgroups == nil {
		m.cgroups = nopCgroups{}
	}
	m.bus = host.Bus
	if m.bus == nil {
		m.bus = nopBus{}
	}
	m.devices = host.Devices
	if m.devices == nil {
		m.devices = nopDevices{}
	}
	m.emergency = host.Emergency
	if m.emergency == nil {
		m.emergency = logEmergency{m.logger}
	}
	m.fragments = host.Fragments
	return m
}

// Config returns the manager configuration.
func (m *Manager) Config() Config { return m.cfg }

// State returns the manager lifecycle phase.
func (m *Manager) State() ManagerState { return m.state }

// Reloading reports whether a startup, reload or deserialization pass
// is in progress.
func (m *Manager) Reloading() bool { return m.reloading > 0 }

// Running reports whether the manager has finished starting up.
func (m *Manager) Running() bool { return m.state == ManagerRunning }

// Now returns the manager clock's current time.
func (m *Manager) Now() time.Time { return m.clock.Now() }

// Logger returns the logger units write to.
func (m *Manager) Logger() Logger { return m.logger }

// AddListener registers l for unit state changes.
func (m *Manager) AddListener(l UnitListener) {
	m.listeners = append(m.listeners, l)
}

// RemoveListener unregisters l.
func (m *Manager) RemoveListener(l UnitListener) {
	for i, x := range m.listeners {
		if x == l {
			m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
			return
		}
	}
}

// --- Unit table ---

// Unit returns the unit called name, or nil.
func (m *Manager) Unit(name string) Unit {
	return m.units[name]
}

// UnitByHandle resolves a handle, returning nil once the unit is freed.
func (m *Manager) UnitByHandle(h Handle) Unit {
	return m.arena.get(h)
}

// Units returns every unit, sorted by name.
func (m *Manager) Units() []Unit {
	out := make([]Unit, 0, len(m.units))
	for _, u := range m.units {
		out = append(out, u)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name() < out[b].Name() })
	return out
}

// LoadUnit returns the unit called name, creating a stub queued for
// loading if it does not exist yet.
func (m *Manager) LoadUnit(name string) (Unit, error) {
	if u := m.units[name]; u != nil {
		return u, nil
	}
	if !IsValidName(name) || IsTemplate(name) {
		return nil, fmt.Errorf("unit name %q: %w", name, ErrInvalid)
	}
	var u Unit
	switch TypeFromName(name) {
	case TypeDevice:
		u = newDevice(m, name)
	case TypeScope:
		u = newScope(m, name)
	case TypeSwap:
		u = newSwap(m, name)
	case TypeTarget:
		u = newTarget(m, name)
	default:
		u = newOther(m, name)
	}
	r := u.Record()
	r.handle = m.arena.add(u)
	m.units[name] = u
	u.Init()
	m.addToLoadQueue(u)
	return u, nil
}

// NewTransientScope creates a scope unit that has no fragment on disk.
// The caller sets its PIDs and properties, then starts it.
func (m *Manager) NewTransientScope(name string) (*Scope, error) {
	if TypeFromName(name) != TypeScope {
		return nil, fmt.Errorf("%q is not a scope name: %w", name, ErrInvalid)
	}
	if m.units[name] != nil {
		return nil, fmt.Errorf("unit %s already exists: %w", name, ErrStale)
	}
	u, err := m.LoadUnit(name)
	if err != nil {
		return nil, err
	}
	s := u.(*Scope)
	s.transient = true
	return s, nil
}

func (m *Manager) addToLoadQueue(u Unit) {
	r := u.Record()
	if r.inLoadQueue {
		return
	}
	r.inLoadQueue = true
	m.loadQueue = append(m.loadQueue, u)
}

// DispatchLoadQueue loads every queued stub. Loading may queue more.
func (m *Manager) DispatchLoadQueue() {
	for len(m.loadQueue) > 0 {
		u := m.loadQueue[0]
		m.loadQueue = m.loadQueue[1:]
		r := u.Record()
		r.inLoadQueue = false
		if r.loadState != LoadStub || m.units[r.name] != u {
			continue
		}
		err := u.Load()
		switch {
		case err == nil:
			if r.loadState == LoadStub {
				r.loadState = LoadLoaded
			}
		case errors.Is(err, ErrNotFound):
			r.loadState = LoadNotFound
			r.loadErr = err
		default:
			r.loadState = LoadBadSetting
			r.loadErr = err
			r.warnf("Failed to load configuration: %v", err)
		}
		m.addToGCQueue(u)
	}
}

// DispatchQueues drains the load, run, rewatch and GC queues. The
// event loop calls it after every event.
func (m *Manager) DispatchQueues() {
	for {
		switch {
		case len(m.loadQueue) > 0:
			m.DispatchLoadQueue()
		case len(m.runQueue) > 0:
			m.dispatchRunQueue()
		case len(m.rewatchQueue) > 0:
			m.dispatchRewatchQueue()
		case len(m.gcQueue) > 0:
			m.dispatchGCQueue()
		default:
			return
		}
	}
}

// --- Garbage collection ---

func (m *Manager) addToGCQueue(u Unit) {
	r := u.Record()
	if r.inGCQueue {
		return
	}
	r.inGCQueue = true
	m.gcQueue = append(m.gcQueue, u)
}

// pinningDeps are the relations that keep the target end alive.
var pinningDeps = []DependencyType{DepRequiredBy, DepRequisiteOf, DepWantedBy, DepBoundBy, DepConsistsOf}

func (m *Manager) shouldGC(u Unit) bool {
	r := u.Record()
	if r.loadState == LoadStub || r.job != nil || r.perpetual || r.inLoadQueue {
		return false
	}
	if u.ActiveState() != ActiveInactive || !u.MayGC() {
		return false
	}
	for _, d := range pinningDeps {
		if len(r.deps[d]) > 0 {
			return false
		}
	}
	return true
}

func (m *Manager) dispatchGCQueue() {
	queue := m.gcQueue
	m.gcQueue = nil
	for _, u := range queue {
		u.Record().inGCQueue = false
		if m.units[u.Name()] == u && m.shouldGC(u) {
			m.logger.Debug("Collecting %s", u.Name())
			m.freeUnit(u)
		}
	}
}

// freeUnit detaches u from every manager structure.
func (m *Manager) freeUnit(u Unit) {
	r := u.Record()
	u.Done()
	r.UnwatchAllPIDs()
	r.disarmTimer()
	m.dequeueRewatch(u)
	if r.job != nil {
		m.finishJob(r.job, JobCanceled)
	}
	m.dropAllDependencies(u)
	if r.cgroupPath != "" {
		delete(m.cgroupUnits, r.cgroupPath)
		m.cgroups.Release(u)
	}
	m.arena.remove(r.handle)
	delete(m.units, r.name)
}

// --- PID watching ---

// spawn runs a control process for the unit and records it as ours.
func (r *UnitRecord) spawn(params process.ExecParams) (int, error) {
	if params.Output == nil && r.output != nil {
		params.Output = r.output
	}
	pid, err := r.mgr.spawner.Spawn(r.self, params)
	if err != nil {
		return 0, err
	}
	r.mgr.children[pid] = struct{}{}
	return pid, nil
}

func (m *Manager) watchPID(u Unit, pid int, exclusive bool) error {
	if exclusive {
		for _, other := range m.watchPIDs[pid] {
			if other != u {
				delete(other.Record().pids, pid)
			}
		}
		if len(m.watchPIDs[pid]) > 0 {
			m.watchPIDs[pid] = m.watchPIDs[pid][:0]
		}
	}
	r := u.Record()
	if _, ok := r.pids[pid]; ok {
		return nil
	}
	first := len(m.watchPIDs[pid]) == 0
	r.pids[pid] = struct{}{}
	m.watchPIDs[pid] = append(m.watchPIDs[pid], u)
	if _, ours := m.children[pid]; first && !ours {
		if err := m.pids.Watch(pid); err != nil {
			m.unwatchPID(u, pid)
			return err
		}
	}
	return nil
}

func (m *Manager) unwatchPID(u Unit, pid int) {
	delete(u.Record().pids, pid)
	watchers := m.watchPIDs[pid]
	for i, x := range watchers {
		if x == u {
			watchers = append(watchers[:i], watchers[i+1:]...)
			break
		}
	}
	if len(watchers) > 0 {
		m.watchPIDs[pid] = watchers
		return
	}
	delete(m.watchPIDs, pid)
	if _, ours := m.children[pid]; !ours {
		m.pids.Unwatch(pid)
	}
}

// ChildExited routes the exit of pid to the units watching it.
func (m *Manager) ChildExited(pid int, status process.ExitStatus) {
	delete(m.children, pid)
	watchers := m.watchPIDs[pid]
	delete(m.watchPIDs, pid)
	if len(watchers) == 0 {
		m.logger.Debug("Exit of unwatched process %d ignored", pid)
		return
	}
	for _, u := range watchers {
		delete(u.Record().pids, pid)
		u.SigchldEvent(pid, status)
	}
}

func (m *Manager) enqueueRewatch(u Unit) {
	r := u.Record()
	if r.inRewatch {
		return
	}
	r.inRewatch = true
	m.rewatchQueue = append(m.rewatchQueue, u)
}

func (m *Manager) dequeueRewatch(u Unit) {
	r := u.Record()
	if !r.inRewatch {
		return
	}
	r.inRewatch = false
	for i, x := range m.rewatchQueue {
		if x == u {
			m.rewatchQueue = append(m.rewatchQueue[:i], m.rewatchQueue[i+1:]...)
			return
		}
	}
}

// dispatchRewatchQueue refreshes PID watches and synthesizes an empty
// notification for units whose processes are all gone.
func (m *Manager) dispatchRewatchQueue() {
	queue := m.rewatchQueue
	m.rewatchQueue = nil
	for _, u := range queue {
		r := u.Record()
		if !r.inRewatch {
			continue
		}
		r.inRewatch = false
		if err := r.watchAllPIDs(); err != nil {
			r.debugf("Failed to watch PIDs: %v", err)
		}
		empty := len(r.pids) == 0
		if r.cgroupPath != "" {
			if e, err := m.cgroups.IsEmpty(u); err == nil {
				empty = e
			}
		}
		if empty {
			u.NotifyCgroupEmpty()
		}
	}
}

// NotifyCgroupEmpty is called by the cgroup backend when the cgroup at
// path has no processes left.
func (m *Manager) NotifyCgroupEmpty(path string) {
	if u := m.cgroupUnits[path]; u != nil {
		u.NotifyCgroupEmpty()
	}
}

// realizeCgroup creates the unit's cgroup if needed.
func (r *UnitRecord) realizeCgroup() error {
	path, err := r.mgr.cgroups.Realize(r.self)
	if err != nil {
		return err
	}
	if path != "" && path != r.cgroupPath {
		if r.cgroupPath != "" {
			delete(r.mgr.cgroupUnits, r.cgroupPath)
		}
		r.cgroupPath = path
		r.mgr.cgroupUnits[path] = r.self
	}
	return nil
}

// --- State change fan-out ---

// unitNotify is called by every setState with the old and new active
// state. It completes jobs, propagates unexpected changes to related
// units, runs success and failure actions, and informs listeners.
func (m *Manager) unitNotify(u Unit, os, ns ActiveState) {
	r := u.Record()
	reloading := m.Reloading()

	if !reloading {
		now := m.clock.Now()
		r.stateChangeTime = now
		if !os.IsInactiveOrFailed() && ns.IsInactiveOrFailed() {
			r.inactiveEnterTime = now
		}
		if !os.IsActiveOrReloading() && ns.IsActiveOrReloading() {
			r.activeEnterTime = now
		} else if os.IsActiveOrReloading() && !ns.IsActiveOrReloading() {
			r.activeExitTime = now
		}
	}

	unexpected := false
	if j := r.job; j != nil {
		if j.State == JobWaiting {
			m.addToRunQueue(j)
		}
		switch j.Type {
		case JobStart:
			if ns.IsActiveOrReloading() {
				m.finishJob(j, JobDone)
			} else if j.State == JobRunning && ns != ActiveActivating {
				unexpected = true
				if ns.IsInactiveOrFailed() {
					res := JobDone
					if ns == ActiveFailed {
						res = JobFailed
					}
					m.finishJob(j, res)
				}
			}
		case JobStop, JobRestart:
			if ns.IsInactiveOrFailed() {
				m.finishJob(j, JobDone)
			} else if j.State == JobRunning && ns != ActiveDeactivating {
				unexpected = true
				m.finishJob(j, JobFailed)
			}
		}
	} else {
		unexpected = true
	}

	if !reloading {
		if unexpected {
			if os.IsInactiveOrFailed() && ns.IsActiveOrActivating() {
				m.retroactivelyStart(u)
			} else if os.IsActiveOrActivating() && ns.IsInactiveOrDeactivating() {
				m.retroactivelyStop(u)
			}
		}
		if os != ns {
			if ns == ActiveFailed {
				r.noticef("Unit entered failed state.")
				m.emergencyAction(r.failureAction, "unit "+r.name+" failed")
			} else if ns == ActiveInactive && !os.IsInactiveOrFailed() {
				m.emergencyAction(r.successAction, "unit "+r.name+" succeeded")
			}
		}
	}

	sub := u.SubState()
	if os != ns || sub != r.lastSubState {
		r.lastSubState = sub
		ev := UnitEvent{Unit: r.name, Old: os, New: ns, SubState: sub}
		for _, l := range m.listeners {
			l.UnitChanged(ev)
		}
	}

	m.addToGCQueue(u)
}

func (m *Manager) retroactivelyStart(u Unit) {
	for _, d := range []DependencyType{DepRequires, DepBindsTo, DepWants} {
		for _, other := range m.dependencyUnits(u, d) {
			m.pullStart(other, false)
		}
	}
	for _, d := range []DependencyType{DepConflicts, DepConflictedBy} {
		for _, other := range m.dependencyUnits(u, d) {
			m.pullStop(other)
		}
	}
}

func (m *Manager) retroactivelyStop(u Unit) {
	for _, other := range m.dependencyUnits(u, DepBoundBy) {
		m.pullStop(other)
	}
}

// propagateReload tells listeners that u should re-read whatever it
// derives from its backing resource.
func (m *Manager) propagateReload(u Unit) {
	as := u.ActiveState()
	ev := UnitEvent{Unit: u.Name(), Old: as, New: as, SubState: u.SubState(), Reload: true}
	u.Record().debugf("Propagating reload.")
	for _, l := range m.listeners {
		l.UnitChanged(ev)
	}
}

// requeueJob puts a waiting job of u back on the run queue.
func (m *Manager) requeueJob(u Unit) {
	if j := u.Record().job; j != nil && j.State == JobWaiting {
		m.addToRunQueue(j)
	}
}

// emergencyAction takes the action on behalf of a unit. Plain actions
// start the matching target; forced and immediate ones are handed to
// the emergency handler.
func (m *Manager) emergencyAction(a EmergencyAction, reason string) {
	var target string
	switch a {
	case ActionNone:
		return
	case ActionReboot:
		target = RebootTarget
	case ActionPoweroff:
		target = PoweroffTarget
	case ActionExit:
		target = ExitTarget
	default:
		m.logger.Warn("%s, executing %s.", reason, a)
		m.emergency.EmergencyAction(a, reason)
		return
	}
	m.logger.Warn("%s, starting %s.", reason, target)
	if _, err := m.AddJobByName(JobStart, target); err != nil {
		m.logger.Error("Failed to start %s: %v", target, err)
	}
}

// --- Startup, reload and shutdown ---

// Startup enumerates the system, restores the checkpoint if one is
// given, and brings every unit to its live state.
func (m *Manager) Startup(checkpoint io.Reader) error {
	m.reloading++
	m.state = ManagerStarting

	m.enumerate()
	var derr error
	if checkpoint != nil {
		if derr = m.Deserialize(checkpoint); derr != nil {
			m.logger.Error("Failed to deserialize state, continuing: %v", derr)
		}
	}
	m.DispatchLoadQueue()
	m.coldplugAll()

	m.reloading--
	m.state = ManagerRunning
	m.catchupAll()
	m.DispatchQueues()
	return derr
}

// Reload serializes all units, throws them away, re-reads fragments and
// restores the serialized state on the fresh units.
func (m *Manager) Reload() error {
	var buf bytes.Buffer
	if err := m.Serialize(&buf); err != nil {
		return fmt.Errorf("serialize: %w", err)
	}

	m.reloading++
	m.state = ManagerStarting
	m.clearUnits()

	m.enumerate()
	derr := m.Deserialize(&buf)
	if derr != nil {
		m.logger.Error("Failed to deserialize state after reload: %v", derr)
	}
	m.DispatchLoadQueue()
	m.coldplugAll()

	m.reloading--
	m.state = ManagerRunning
	for name, j := range m.pendingJobs {
		m.logger.Debug("Unit %s vanished on reload, canceling job %d", name, j.ID)
		j.finished = true
		j.Result = JobCanceled
		for _, fn := range j.waiters {
			fn(JobCanceled)
		}
	}
	m.pendingJobs = nil
	m.catchupAll()
	m.DispatchQueues()
	m.logger.Info("Reloaded.")
	return derr
}

// clearUnits drops every unit without touching the processes or
// resources they stand for. Installed jobs are parked for reuse.
func (m *Manager) clearUnits() {
	m.pendingJobs = make(map[string]*Job)
	for _, u := range m.Units() {
		r := u.Record()
		if j := r.job; j != nil {
			j.inRunQueue = false
			if j.timer != nil {
				j.timer.Disable()
				j.timer = nil
			}
			m.pendingJobs[r.name] = j
			r.job = nil
		}
		r.disarmTimer()
		for pid := range r.pids {
			delete(r.pids, pid)
		}
		u.Done()
	}
	m.units = make(map[string]Unit)
	m.arena = arena{}
	m.devicesBySysfs.Clear()
	m.swapsByDevnode.Clear()
	m.loadQueue = nil
	m.gcQueue = nil
	m.rewatchQueue = nil
	m.runQueue = nil
	m.jobs = make(map[uint32]*Job)
	m.watchPIDs = make(map[int][]Unit)
	m.cgroupUnits = make(map[string]Unit)
}

func (m *Manager) enumerate() {
	m.enumerateScopes()
	m.enumerateDevices()
	m.enumerateSwaps()
}

func (m *Manager) coldplugAll() {
	for _, u := range m.Units() {
		r := u.Record()
		if r.hasDeserializedJob {
			m.restoreJob(u, r.deserializedJob)
			r.hasDeserializedJob = false
		}
		if err := u.Coldplug(); err != nil {
			r.warnf("Failed to coldplug: %v", err)
		}
	}
}

func (m *Manager) catchupAll() {
	for _, u := range m.Units() {
		u.Catchup()
	}
}

// restoreJob re-installs a job recorded in a checkpoint, reusing the
// job object parked by a reload if there is one.
func (m *Manager) restoreJob(u Unit, t JobType) {
	r := u.Record()
	j := m.pendingJobs[r.name]
	if j != nil {
		delete(m.pendingJobs, r.name)
		j.unit = u
		j.State = JobWaiting
	} else {
		m.nextJobID++
		j = &Job{ID: m.nextJobID, Type: t, unit: u, begin: m.clock.Now()}
	}
	r.job = j
	m.jobs[j.ID] = j
	m.addToRunQueue(j)
}

// StopAll queues a stop job for every active unit that may be stopped.
func (m *Manager) StopAll() {
	m.state = ManagerStopping
	for _, u := range m.Units() {
		r := u.Record()
		if r.perpetual || u.ActiveState().IsInactiveOrFailed() {
			continue
		}
		if _, err := m.AddJob(JobStop, u); err != nil {
			r.debugf("Not stopping: %v", err)
		}
	}
	m.DispatchQueues()
}

// Shutdown releases the enumeration state of every unit type.
func (m *Manager) Shutdown() {
	m.state = ManagerStopping
	for _, u := range m.Units() {
		u.Record().disarmTimer()
	}
	for _, j := range m.jobs {
		if j.timer != nil {
			j.timer.Disable()
		}
	}
	m.shutdownSwaps()
	m.devicesBySysfs.Clear()
}

// --- Defaults ---

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type discardLogger struct{}

func (discardLogger) Debug(string, ...interface{})  {}
func (discardLogger) Info(string, ...interface{})   {}
func (discardLogger) Notice(string, ...interface{}) {}
func (discardLogger) Warn(string, ...interface{})   {}
func (discardLogger) Error(string, ...interface{})  {}

type logEmergency struct{ logger Logger }

func (l logEmergency) EmergencyAction(a EmergencyAction, reason string) {
	l.logger.Error("%s: no handler for emergency action %s", reason, a)
}
