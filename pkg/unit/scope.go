package unit

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/sunlightlinux/slunit/internal/util"
	"github.com/sunlightlinux/slunit/pkg/process"
)

// ScopeState is the fine state of a scope unit.
type ScopeState uint8

const (
	ScopeDead ScopeState = iota
	ScopeStartChown
	ScopeRunning
	ScopeAbandoned
	ScopeStopSigterm
	ScopeStopSigkill
	ScopeFailed
	scopeStateMax
)

var scopeStateNames = [scopeStateMax]string{
	ScopeDead:        "dead",
	ScopeStartChown:  "start-chown",
	ScopeRunning:     "running",
	ScopeAbandoned:   "abandoned",
	ScopeStopSigterm: "stop-sigterm",
	ScopeStopSigkill: "stop-sigkill",
	ScopeFailed:      "failed",
}

var scopeStateTable = [scopeStateMax]ActiveState{
	ScopeDead:        ActiveInactive,
	ScopeStartChown:  ActiveActivating,
	ScopeRunning:     ActiveActive,
	ScopeAbandoned:   ActiveActive,
	ScopeStopSigterm: ActiveDeactivating,
	ScopeStopSigkill: ActiveDeactivating,
	ScopeFailed:      ActiveFailed,
}

func (s ScopeState) String() string {
	if s < scopeStateMax {
		return scopeStateNames[s]
	}
	return "invalid"
}

// ParseScopeState maps a name back to a ScopeState.
func ParseScopeState(v string) (ScopeState, bool) {
	for i, n := range scopeStateNames {
		if n == v {
			return ScopeState(i), true
		}
	}
	return 0, false
}

func (s ScopeState) stopping() bool {
	return s == ScopeStopSigterm || s == ScopeStopSigkill
}

// ScopeResult is the outcome of a scope's last cycle.
type ScopeResult uint8

const (
	ScopeSuccess ScopeResult = iota
	ScopeFailureResources
	ScopeFailureTimeout
	scopeResultMax
)

var scopeResultNames = [scopeResultMax]string{
	ScopeSuccess:          "success",
	ScopeFailureResources: "resources",
	ScopeFailureTimeout:   "timeout",
}

func (r ScopeResult) String() string {
	if r < scopeResultMax {
		return scopeResultNames[r]
	}
	return "invalid"
}

// ParseScopeResult maps a name back to a ScopeResult.
func ParseScopeResult(v string) (ScopeResult, bool) {
	for i, n := range scopeResultNames {
		if n == v {
			return ScopeResult(i), true
		}
	}
	return 0, false
}

// Scope groups processes somebody else forked. slunit never starts
// them; it tracks them, puts them in a cgroup and stops them.
type Scope struct {
	UnitRecord

	result      ScopeResult
	timeoutStop time.Duration
	killContext KillContext

	controller   string
	wasAbandoned bool

	// Delegated cgroup ownership, fixed up by a chown helper on start.
	user     string
	group    string
	delegate bool

	state             ScopeState
	deserializedState ScopeState
	hasDeserialized   bool
}

func newScope(m *Manager, name string) *Scope {
	s := &Scope{}
	s.UnitRecord = newUnitRecord(s, m, name, TypeScope)
	return s
}

func (s *Scope) Init() {
	s.timeoutStop = s.mgr.cfg.DefaultTimeoutStop
	s.killContext = DefaultKillContext()
	s.output = NewLogBuffer(0)
}

func (s *Scope) ActiveState() ActiveState { return scopeStateTable[s.state] }
func (s *Scope) SubState() string         { return s.state.String() }

// State returns the fine state.
func (s *Scope) State() ScopeState { return s.state }

// Result returns the latched result of the last cycle.
func (s *Scope) Result() ScopeResult { return s.result }

// Controller returns the peer asked to stop the scope, if any.
func (s *Scope) Controller() string { return s.controller }

// WasAbandoned reports whether the creator gave the scope up.
func (s *Scope) WasAbandoned() bool { return s.wasAbandoned }

// KillContext returns the unit's kill settings.
func (s *Scope) KillContext() *KillContext { return &s.killContext }

func (s *Scope) SetController(name string) { s.controller = name }

// SetDelegate hands the scope's cgroup to user and group on start.
func (s *Scope) SetDelegate(user, group string) {
	s.user = user
	s.group = group
	s.delegate = user != ""
}

func (s *Scope) SetTimeoutStop(d time.Duration) { s.timeoutStop = d }

// AddPID adds a process to the scope before it is started.
func (s *Scope) AddPID(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("pid %d: %w", pid, ErrInvalid)
	}
	if !process.Alive(pid) {
		return fmt.Errorf("pid %d: %w", pid, ErrNoSuchProcess)
	}
	return s.WatchPID(pid, false)
}

func (s *Scope) Done() {
	if s.controller != "" {
		s.mgr.bus.Untrack(s)
	}
	s.controller = ""
}

func (s *Scope) setState(state ScopeState) {
	old := s.state
	s.state = state

	if !state.stopping() && state != ScopeStartChown {
		s.disarmTimer()
	}
	if state == ScopeDead || state == ScopeFailed {
		s.UnwatchAllPIDs()
		s.dequeueRewatchPIDs()
	}

	if state != old {
		s.debugf("Changed %s -> %s", old, state)
	}
	s.notify(scopeStateTable[old], scopeStateTable[state])
}

// --- Loading ---

func (s *Scope) Load() error {
	// Scopes only come from the control socket, or from a checkpoint.
	if !s.transient && !s.mgr.Reloading() {
		return ErrNotFound
	}

	if s.name == InitScope {
		s.transient = true
		s.perpetual = true
		s.defaultDependencies = false
		if s.description == "" {
			s.description = "System and Service Manager"
		}
	}

	if err := s.loadFragment(true); err != nil {
		return err
	}
	if s.loadState != LoadLoaded {
		return nil
	}
	if s.fragment != nil {
		if err := s.applyScopeSection(s.fragment); err != nil {
			return err
		}
	}
	if s.defaultDependencies {
		s.addTwoDependenciesByName(DepBefore, DepConflicts, ShutdownTarget, MaskDefault)
	}
	return s.verify()
}

func (s *Scope) applyScopeSection(f *Fragment) error {
	if v, ok := f.Last("Scope", "TimeoutStopSec"); ok {
		d, err := util.ParseTimeSpan(v)
		if err != nil {
			return fmt.Errorf("TimeoutStopSec: %w", err)
		}
		s.timeoutStop = d
	}
	if v, ok := f.Last("Scope", "Delegate"); ok {
		b, err := util.ParseBool(v)
		if err != nil {
			return fmt.Errorf("Delegate: %w", err)
		}
		s.delegate = b
	}
	if v, ok := f.Last("Scope", "User"); ok {
		s.user = v
	}
	if v, ok := f.Last("Scope", "Group"); ok {
		s.group = v
	}
	return s.killContext.Apply(f, "Scope")
}

func (s *Scope) verify() error {
	if len(s.pids) == 0 && !s.mgr.Reloading() && s.name != InitScope {
		s.errorf("Scope has no PIDs. Refusing.")
		return fmt.Errorf("scope %s has no PIDs: %w", s.name, ErrNotFound)
	}
	return nil
}

// --- Coldplug ---

func (s *Scope) Coldplug() error {
	if !s.hasDeserialized {
		return nil
	}
	s.hasDeserialized = false
	if s.deserializedState == s.state {
		return nil
	}

	if s.deserializedState.stopping() {
		// Only the time left of the stop timeout, not a fresh one.
		s.armTimer(deadlineAfter(s.stateChangeTime, s.timeoutStop))
	}
	if s.deserializedState != ScopeDead && s.deserializedState != ScopeFailed {
		s.enqueueRewatchPIDs()
	}
	s.trackController()
	s.setState(s.deserializedState)
	return nil
}

func (s *Scope) trackController() {
	if s.controller == "" {
		return
	}
	if err := s.mgr.bus.Track(s, s.controller); err != nil {
		s.debugf("Failed to track controller %s: %v", s.controller, err)
	}
}

// --- Transitions ---

func (s *Scope) latch(f ScopeResult) {
	if s.result == ScopeSuccess {
		s.result = f
	}
}

func (s *Scope) enterDead(f ScopeResult) {
	s.latch(f)
	s.logResult(s.result.String())
	if s.result != ScopeSuccess {
		s.setState(ScopeFailed)
		return
	}
	s.setState(ScopeDead)
}

// signalProcesses kills the scope for one stop phase. Without a cgroup
// the watched PIDs are signalled one by one.
func (s *Scope) signalProcesses(op KillOperation) bool {
	if s.cgroupPath != "" {
		return s.killProcesses(&s.killContext, op, -1)
	}
	if s.killContext.Mode == KillNone {
		return false
	}
	sig := s.killContext.signalFor(op)
	wait := false
	for _, pid := range s.Pids() {
		err := s.mgr.spawner.Signal(pid, sig)
		switch {
		case err == nil:
			wait = true
			if op == KillTerminateAndLog {
				s.noticef("Killing process %d with signal %s.", pid, util.SignalName(sig))
			}
		case errors.Is(err, syscall.ESRCH):
		default:
			s.warnf("Failed to kill process %d, ignoring: %v", pid, err)
		}
	}
	return wait
}

func (s *Scope) enterSignal(state ScopeState, f ScopeResult) {
	s.latch(f)

	if err := s.watchAllPIDs(); err != nil {
		s.debugf("Failed to watch PIDs: %v", err)
	}
	// Some processes have likely died by the time we look again.
	s.enqueueRewatchPIDs()

	wait := false
	if state == ScopeStopSigterm && s.controller != "" && s.mgr.bus.RequestStop(s, s.controller) {
		wait = true
	} else {
		op := KillTerminate
		switch {
		case state != ScopeStopSigterm:
			op = KillKill
		case s.wasAbandoned:
			op = KillTerminateAndLog
		}
		wait = s.signalProcesses(op)
	}

	switch {
	case wait:
		s.armTimer(deadlineAfter(s.mgr.clock.Now(), s.timeoutStop))
		s.setState(state)
	case state == ScopeStopSigterm:
		s.enterSignal(ScopeStopSigkill, ScopeSuccess)
	default:
		s.enterDead(ScopeSuccess)
	}
}

// enterStartChown hands the cgroup to the delegate user through a
// helper process, since chown may block on NSS.
func (s *Scope) enterStartChown() error {
	cg := s.mgr.cgroups.Path(s)
	if cg == "" {
		return fmt.Errorf("scope %s has no cgroup to delegate: %w", s.name, ErrInvalid)
	}
	owner := s.user
	if s.group != "" {
		owner += ":" + s.group
	}

	s.armTimer(deadlineAfter(s.mgr.clock.Now(), s.mgr.cfg.DefaultTimeoutStart))
	argv := []string{"chown", owner, cg}
	for _, f := range []string{"cgroup.procs", "cgroup.subtree_control", "cgroup.threads"} {
		argv = append(argv, filepath.Join(cg, f))
	}
	pid, err := s.spawn(process.ExecParams{Command: argv})
	if err != nil {
		s.disarmTimer()
		return err
	}
	if err := s.WatchPID(pid, true); err != nil {
		s.disarmTimer()
		return err
	}
	s.setState(ScopeStartChown)
	return nil
}

func (s *Scope) enterRunning() error {
	s.trackController()

	if err := s.mgr.cgroups.Attach(s, s.Pids()); err != nil {
		s.warnf("Failed to add PIDs to scope's control group: %v", err)
		s.enterDead(ScopeFailureResources)
		return err
	}

	s.result = ScopeSuccess
	s.setState(ScopeRunning)
	s.enqueueRewatchPIDs()
	return nil
}

// --- Job entry points ---

func (s *Scope) Start() error {
	if s.name == InitScope {
		return &StateError{Unit: s.name, Op: "start", State: s.state.String(), Err: ErrPerm}
	}
	switch {
	case s.state == ScopeFailed:
		return &StateError{Unit: s.name, Op: "start", State: s.state.String(), Err: ErrPerm}
	case s.state.stopping():
		return &StateError{Unit: s.name, Op: "start", State: s.state.String(), Err: ErrAgain}
	case s.state != ScopeDead:
		return nil
	}
	if !s.transient && !s.mgr.Reloading() {
		return &StateError{Unit: s.name, Op: "start", State: s.state.String(), Err: ErrNotFound}
	}

	if err := s.realizeCgroup(); err != nil {
		s.debugf("Failed to realize cgroup: %v", err)
	}
	if s.user != "" && s.delegate {
		if err := s.enterStartChown(); err != nil {
			s.warnf("Failed to fork cgroup chown helper: %v", err)
			s.enterDead(ScopeFailureResources)
			return err
		}
		return nil
	}
	return s.enterRunning()
}

func (s *Scope) Stop() error {
	switch s.state {
	case ScopeStopSigterm, ScopeStopSigkill:
		return nil
	case ScopeRunning, ScopeAbandoned, ScopeStartChown:
		s.enterSignal(ScopeStopSigterm, ScopeSuccess)
	}
	return nil
}

func (s *Scope) Kill(who KillWho, sig syscall.Signal) error {
	if s.cgroupPath != "" || who != KillWhoAll {
		return s.killCommon(who, sig, -1)
	}
	killed := false
	for _, pid := range s.Pids() {
		if err := s.mgr.spawner.Signal(pid, sig); err == nil {
			killed = true
		}
	}
	if !killed {
		return ErrNoSuchProcess
	}
	return nil
}

func (s *Scope) ResetFailed() {
	if s.state == ScopeFailed {
		s.setState(ScopeDead)
	}
	s.result = ScopeSuccess
}

// Abandon detaches the scope from its creator. The remaining processes
// are watched until they exit.
func (s *Scope) Abandon() error {
	if s.name == InitScope {
		return &StateError{Unit: s.name, Op: "abandon", State: s.state.String(), Err: ErrPerm}
	}
	if s.state != ScopeRunning && s.state != ScopeAbandoned {
		return &StateError{Unit: s.name, Op: "abandon", State: s.state.String(), Err: ErrStale}
	}
	s.wasAbandoned = true
	if s.controller != "" {
		s.mgr.bus.Untrack(s)
		s.controller = ""
	}
	s.setState(ScopeAbandoned)
	s.enqueueRewatchPIDs()
	return nil
}

// --- Checkpoint ---

func (s *Scope) Serialize(w *Serializer) {
	w.Item("state", s.state.String())
	w.Item("result", s.result.String())
	w.Item("was-abandoned", util.FormatBool(s.wasAbandoned))
	if s.controller != "" {
		w.Item("controller", s.controller)
	}
	for _, pid := range s.Pids() {
		w.Itemf("pid", "%d", pid)
	}
}

func (s *Scope) DeserializeItem(key, value string) {
	switch key {
	case "state":
		st, ok := ParseScopeState(value)
		if !ok {
			s.debugf("Failed to parse state value: %s", value)
			return
		}
		s.deserializedState = st
		s.hasDeserialized = true
	case "result":
		r, ok := ParseScopeResult(value)
		if !ok {
			s.debugf("Failed to parse result value: %s", value)
			return
		}
		if r != ScopeSuccess {
			s.result = r
		}
	case "was-abandoned":
		b, err := util.ParseBool(value)
		if err != nil {
			s.debugf("Failed to parse boolean value: %s", value)
			return
		}
		s.wasAbandoned = b
	case "controller":
		s.controller = value
	case "pid":
		pid, err := strconv.Atoi(value)
		if err != nil || pid <= 0 {
			s.debugf("Failed to parse pid value: %s", value)
			return
		}
		if !process.Alive(pid) {
			return
		}
		if err := s.WatchPID(pid, false); err != nil {
			s.debugf("Failed to watch PID %d: %v", pid, err)
		}
	default:
		s.UnitRecord.DeserializeItem(key, value)
	}
}

// --- Events ---

func (s *Scope) NotifyCgroupEmpty() {
	// init.scope holds the manager, so it is never really empty.
	if s.perpetual {
		return
	}
	s.debugf("cgroup is empty")
	switch s.state {
	case ScopeRunning, ScopeAbandoned, ScopeStopSigterm, ScopeStopSigkill:
		s.enterDead(ScopeSuccess)
	}
}

func (s *Scope) SigchldEvent(pid int, status process.ExitStatus) {
	if s.state == ScopeStartChown {
		if !status.Clean() {
			s.enterDead(ScopeFailureResources)
			return
		}
		_ = s.enterRunning()
		return
	}
	// The exited process was likely the parent of the rest, which are
	// now ours to reap. Look for them.
	s.enqueueRewatchPIDs()
}

func (s *Scope) DispatchTimer(now time.Time) {
	switch s.state {
	case ScopeStopSigterm:
		if s.killContext.SendSIGKILL {
			s.warnf("Stopping timed out. Killing.")
			s.enterSignal(ScopeStopSigkill, ScopeFailureTimeout)
			return
		}
		s.warnf("Stopping timed out. Skipping SIGKILL.")
		s.enterDead(ScopeFailureTimeout)
	case ScopeStopSigkill:
		s.warnf("Still around after SIGKILL. Ignoring.")
		s.enterDead(ScopeFailureTimeout)
	case ScopeStartChown:
		s.warnf("User lookup timed out. Entering failed state.")
		s.enterDead(ScopeFailureTimeout)
	default:
		s.debugf("Timer fired in state %s, ignoring.", s.state)
	}
}

// enumerateScopes creates init.scope, which holds the manager itself
// and is always running.
func (m *Manager) enumerateScopes() {
	u, err := m.LoadUnit(InitScope)
	if err != nil {
		m.logger.Error("Failed to allocate the special %s unit: %v", InitScope, err)
		return
	}
	s := u.(*Scope)
	s.transient = true
	s.perpetual = true
	s.deserializedState = ScopeRunning
	s.hasDeserialized = true
	m.addToLoadQueue(s)
}
