package unit

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sunlightlinux/slunit/internal/util"
	"github.com/sunlightlinux/slunit/pkg/process"
)

// UnitRecord holds the state shared by every unit type. Unit
// implementations embed it and override the methods whose defaults
// do not fit.
type UnitRecord struct {
	self     Unit // pointer back to the implementing Unit
	name     string
	unitType UnitType
	mgr      *Manager
	handle   Handle

	loadState   LoadState
	loadErr     error
	description string
	fragment    *Fragment

	transient           bool
	perpetual           bool
	defaultDependencies bool

	// At most one job, owned by the manager.
	job *Job

	hasDeserializedJob bool
	deserializedJob    JobType
	lastSubState       string

	deps [depMax]map[string]DependencyMask
	pids map[int]struct{}

	timer TimerSource

	stateChangeTime   time.Time
	activeEnterTime   time.Time
	activeExitTime    time.Time
	inactiveEnterTime time.Time

	jobRunningTimeout time.Duration

	startLimit       RateLimit
	startLimitAction EmergencyAction
	failureAction    EmergencyAction
	successAction    EmergencyAction

	cgroupPath string

	inLoadQueue bool
	inGCQueue   bool
	inRewatch   bool

	output *LogBuffer
}

func newUnitRecord(self Unit, m *Manager, name string, t UnitType) UnitRecord {
	return UnitRecord{
		self:                self,
		name:                name,
		unitType:            t,
		mgr:                 m,
		loadState:           LoadStub,
		defaultDependencies: true,
		pids:                make(map[int]struct{}),
		startLimit: RateLimit{
			Interval: m.cfg.DefaultStartLimitInterval,
			Burst:    m.cfg.DefaultStartLimitBurst,
		},
	}
}

// --- Identity and accessors ---

func (r *UnitRecord) Name() string               { return r.name }
func (r *UnitRecord) Type() UnitType             { return r.unitType }
func (r *UnitRecord) Record() *UnitRecord        { return r }
func (r *UnitRecord) Manager() *Manager          { return r.mgr }
func (r *UnitRecord) Handle() Handle             { return r.handle }
func (r *UnitRecord) LoadState() LoadState       { return r.loadState }
func (r *UnitRecord) LoadErr() error             { return r.loadErr }
func (r *UnitRecord) Fragment() *Fragment        { return r.fragment }
func (r *UnitRecord) Transient() bool            { return r.transient }
func (r *UnitRecord) Perpetual() bool            { return r.perpetual }
func (r *UnitRecord) Job() *Job                  { return r.job }
func (r *UnitRecord) StateChangeTime() time.Time { return r.stateChangeTime }
func (r *UnitRecord) ActiveEnterTime() time.Time { return r.activeEnterTime }
func (r *UnitRecord) ActiveExitTime() time.Time  { return r.activeExitTime }
func (r *UnitRecord) CgroupPath() string         { return r.cgroupPath }
func (r *UnitRecord) Output() *LogBuffer         { return r.output }

// Description returns the configured description, or the name.
func (r *UnitRecord) Description() string {
	if r.description != "" {
		return r.description
	}
	return r.name
}

func (r *UnitRecord) SetDescription(s string) { r.description = s }
func (r *UnitRecord) SetTransient(v bool)     { r.transient = v }

// FragmentPath returns the path of the loaded fragment, if any.
func (r *UnitRecord) FragmentPath() string {
	if r.fragment == nil {
		return ""
	}
	return r.fragment.Path
}

// Pids returns the watched PIDs in ascending order.
func (r *UnitRecord) Pids() []int {
	out := make([]int, 0, len(r.pids))
	for pid := range r.pids {
		out = append(out, pid)
	}
	sort.Ints(out)
	return out
}

// --- Default implementations of the Unit interface ---

func (r *UnitRecord) Init()                {}
func (r *UnitRecord) Coldplug() error      { return nil }
func (r *UnitRecord) Catchup()             {}
func (r *UnitRecord) ResetFailed()         {}
func (r *UnitRecord) NotifyCgroupEmpty()   {}
func (r *UnitRecord) Following() Unit      { return nil }
func (r *UnitRecord) FollowingSet() []Unit { return nil }
func (r *UnitRecord) MayGC() bool          { return true }
func (r *UnitRecord) Done()                {}

func (r *UnitRecord) Serialize(w *Serializer) {}

func (r *UnitRecord) DeserializeItem(key, value string) {
	r.debugf("Unknown serialization key: %s", key)
}

func (r *UnitRecord) SigchldEvent(pid int, status process.ExitStatus) {}

func (r *UnitRecord) DispatchTimer(now time.Time) {}

func (r *UnitRecord) Load() error {
	return r.loadFragment(true)
}

func (r *UnitRecord) Kill(who KillWho, sig syscall.Signal) error {
	return fmt.Errorf("unit %s does not support killing: %w", r.name, ErrUnsupported)
}

// --- Logging ---

func (r *UnitRecord) prefix(format string) string {
	return r.name + ": " + format
}

func (r *UnitRecord) debugf(format string, args ...interface{}) {
	r.mgr.logger.Debug(r.prefix(format), args...)
}

func (r *UnitRecord) infof(format string, args ...interface{}) {
	r.mgr.logger.Info(r.prefix(format), args...)
}

func (r *UnitRecord) noticef(format string, args ...interface{}) {
	r.mgr.logger.Notice(r.prefix(format), args...)
}

func (r *UnitRecord) warnf(format string, args ...interface{}) {
	r.mgr.logger.Warn(r.prefix(format), args...)
}

func (r *UnitRecord) errorf(format string, args ...interface{}) {
	r.mgr.logger.Error(r.prefix(format), args...)
}

// --- State notification ---

// notify reports an active state change to the manager. Every type's
// setState funnels through here.
func (r *UnitRecord) notify(os, ns ActiveState) {
	r.mgr.unitNotify(r.self, os, ns)
}

// logResult logs the outcome of a cycle the way every type does.
func (r *UnitRecord) logResult(result string) {
	if result == "success" {
		r.debugf("Succeeded.")
		return
	}
	r.warnf("Failed with result '%s'.", result)
}

// --- Loading ---

// loadFragment loads the on-disk fragment. A missing fragment is an
// error unless optional is set.
func (r *UnitRecord) loadFragment(optional bool) error {
	var frag *Fragment
	if r.mgr.fragments != nil {
		f, err := r.mgr.fragments.LoadFragment(r.name)
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return err
		default:
			frag = f
		}
	}
	if frag == nil {
		if !optional {
			return ErrNotFound
		}
		r.loadState = LoadLoaded
		return nil
	}
	if frag.Path == "/dev/null" {
		r.loadState = LoadMasked
		return nil
	}
	r.fragment = frag
	r.loadState = LoadLoaded
	return r.applyUnitSection(frag)
}

// applyUnitSection applies the [Unit] keys shared by all types.
func (r *UnitRecord) applyUnitSection(f *Fragment) error {
	if v, ok := f.Last("Unit", "Description"); ok {
		r.description = v
	}
	if v, ok := f.Last("Unit", "DefaultDependencies"); ok {
		b, err := util.ParseBool(v)
		if err != nil {
			return fmt.Errorf("DefaultDependencies: %w", err)
		}
		r.defaultDependencies = b
	}
	for _, d := range []DependencyType{DepRequires, DepRequisite, DepWants, DepBindsTo, DepPartOf, DepConflicts, DepBefore, DepAfter} {
		for _, v := range f.All("Unit", d.String()) {
			for _, name := range strings.Fields(v) {
				if err := r.mgr.AddDependencyByName(r.self, d, name, MaskFile); err != nil {
					r.warnf("Failed to add dependency on %s, ignoring: %v", name, err)
				}
			}
		}
	}
	if v, ok := f.Last("Unit", "StartLimitIntervalSec"); ok {
		d, err := util.ParseTimeSpan(v)
		if err != nil {
			return fmt.Errorf("StartLimitIntervalSec: %w", err)
		}
		if d == util.Infinity {
			d = 0
		}
		r.startLimit.Interval = d
	}
	if v, ok := f.Last("Unit", "StartLimitBurst"); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return fmt.Errorf("StartLimitBurst: invalid value %q", v)
		}
		r.startLimit.Burst = n
	}
	for key, dst := range map[string]*EmergencyAction{
		"StartLimitAction": &r.startLimitAction,
		"FailureAction":    &r.failureAction,
		"SuccessAction":    &r.successAction,
	} {
		v, ok := f.Last("Unit", key)
		if !ok {
			continue
		}
		a, err := ParseEmergencyAction(v, r.mgr.cfg.System)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = a
	}
	if v, ok := f.Last("Unit", "JobRunningTimeoutSec"); ok {
		d, err := util.ParseTimeSpan(v)
		if err != nil {
			return fmt.Errorf("JobRunningTimeoutSec: %w", err)
		}
		r.jobRunningTimeout = d
	}
	return nil
}

// --- Start limiting ---

// startLimitTest records a start attempt. It returns ErrStartLimitHit,
// after running StartLimitAction, when the unit starts too often.
func (r *UnitRecord) startLimitTest() error {
	if r.startLimit.Below(r.mgr.clock.Now()) {
		return nil
	}
	r.warnf("Start request repeated too quickly.")
	r.mgr.emergencyAction(r.startLimitAction, "unit "+r.name+" failed")
	return ErrStartLimitHit
}

// --- PID watching ---

// WatchPID starts routing exits of pid to this unit.
func (r *UnitRecord) WatchPID(pid int, exclusive bool) error {
	if pid <= 0 {
		return fmt.Errorf("watch pid %d: %w", pid, ErrInvalid)
	}
	return r.mgr.watchPID(r.self, pid, exclusive)
}

// UnwatchPID stops routing exits of pid to this unit.
func (r *UnitRecord) UnwatchPID(pid int) {
	r.mgr.unwatchPID(r.self, pid)
}

// UnwatchAllPIDs drops every PID watch.
func (r *UnitRecord) UnwatchAllPIDs() {
	for pid := range r.pids {
		r.mgr.unwatchPID(r.self, pid)
	}
}

// watchAllPIDs watches every process currently in the unit's cgroup and
// drops watches on PIDs that left it.
func (r *UnitRecord) watchAllPIDs() error {
	if r.cgroupPath == "" {
		return nil
	}
	pids, err := r.mgr.cgroups.Pids(r.self)
	if err != nil {
		return err
	}
	inCgroup := make(map[int]struct{}, len(pids))
	for _, pid := range pids {
		inCgroup[pid] = struct{}{}
		if _, ok := r.pids[pid]; ok {
			continue
		}
		if err := r.WatchPID(pid, false); err != nil {
			r.debugf("Failed to watch PID %d, ignoring: %v", pid, err)
		}
	}
	for pid := range r.pids {
		if _, ok := inCgroup[pid]; !ok && !process.Alive(pid) {
			r.UnwatchPID(pid)
		}
	}
	return nil
}

// enqueueRewatchPIDs schedules watchAllPIDs on the next queue pass.
func (r *UnitRecord) enqueueRewatchPIDs() {
	r.mgr.enqueueRewatch(r.self)
}

func (r *UnitRecord) dequeueRewatchPIDs() {
	r.mgr.dequeueRewatch(r.self)
}

// --- Default dependencies helpers ---

func (r *UnitRecord) addDependencyByName(d DependencyType, name string, mask DependencyMask) {
	if err := r.mgr.AddDependencyByName(r.self, d, name, mask); err != nil {
		r.warnf("Failed to add %s dependency on %s, ignoring: %v", d, name, err)
	}
}

func (r *UnitRecord) addTwoDependenciesByName(a, b DependencyType, name string, mask DependencyMask) {
	r.addDependencyByName(a, name, mask)
	r.addDependencyByName(b, name, mask)
}
