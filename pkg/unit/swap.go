package unit

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/sunlightlinux/slunit/internal/util"
	"github.com/sunlightlinux/slunit/pkg/process"
)

// SwapState is the fine state of a swap unit.
type SwapState uint8

const (
	SwapDead SwapState = iota
	SwapActivating
	SwapActivatingDone // swapon still running, but /proc/swaps lists the swap
	SwapActive
	SwapDeactivating
	SwapDeactivatingSigterm
	SwapDeactivatingSigkill
	SwapFailed
	swapStateMax
)

var swapStateNames = [swapStateMax]string{
	SwapDead:                "dead",
	SwapActivating:          "activating",
	SwapActivatingDone:      "activating-done",
	SwapActive:              "active",
	SwapDeactivating:        "deactivating",
	SwapDeactivatingSigterm: "deactivating-sigterm",
	SwapDeactivatingSigkill: "deactivating-sigkill",
	SwapFailed:              "failed",
}

var swapStateTable = [swapStateMax]ActiveState{
	SwapDead:                ActiveInactive,
	SwapActivating:          ActiveActivating,
	SwapActivatingDone:      ActiveActive,
	SwapActive:              ActiveActive,
	SwapDeactivating:        ActiveDeactivating,
	SwapDeactivatingSigterm: ActiveDeactivating,
	SwapDeactivatingSigkill: ActiveDeactivating,
	SwapFailed:              ActiveFailed,
}

func (s SwapState) String() string {
	if s < swapStateMax {
		return swapStateNames[s]
	}
	return "invalid"
}

// ParseSwapState maps a name back to a SwapState.
func ParseSwapState(v string) (SwapState, bool) {
	for i, n := range swapStateNames {
		if n == v {
			return SwapState(i), true
		}
	}
	return 0, false
}

// withProcess reports whether a control process may run in s.
func (s SwapState) withProcess() bool {
	switch s {
	case SwapActivating, SwapActivatingDone, SwapDeactivating, SwapDeactivatingSigterm, SwapDeactivatingSigkill:
		return true
	}
	return false
}

// SwapResult is the outcome of a swap unit's last cycle.
type SwapResult uint8

const (
	SwapSuccess SwapResult = iota
	SwapFailureResources
	SwapFailureTimeout
	SwapFailureExitCode
	SwapFailureSignal
	SwapFailureCoreDump
	SwapFailureStartLimitHit
	swapResultMax
)

var swapResultNames = [swapResultMax]string{
	SwapSuccess:              "success",
	SwapFailureResources:     "resources",
	SwapFailureTimeout:       "timeout",
	SwapFailureExitCode:      "exit-code",
	SwapFailureSignal:        "signal",
	SwapFailureCoreDump:      "core-dump",
	SwapFailureStartLimitHit: "start-limit-hit",
}

func (r SwapResult) String() string {
	if r < swapResultMax {
		return swapResultNames[r]
	}
	return "invalid"
}

// ParseSwapResult maps a name back to a SwapResult.
func ParseSwapResult(v string) (SwapResult, bool) {
	for i, n := range swapResultNames {
		if n == v {
			return SwapResult(i), true
		}
	}
	return 0, false
}

// SwapExecCommand identifies a swap control command.
type SwapExecCommand int8

const (
	SwapExecNone SwapExecCommand = iota - 1
	SwapExecActivate
	SwapExecDeactivate
	swapExecMax
)

var swapExecNames = [swapExecMax]string{
	SwapExecActivate:   "ExecActivate",
	SwapExecDeactivate: "ExecDeactivate",
}

func (c SwapExecCommand) String() string {
	if c >= 0 && c < swapExecMax {
		return swapExecNames[c]
	}
	return "none"
}

// ExecStatus records one run of a control command.
type ExecStatus struct {
	PID        int
	Command    []string
	StartTime  time.Time
	ExitTime   time.Time
	Code       process.ExitCode
	Status     int
	HaveExited bool
}

type swapParameters struct {
	what     string
	priority int // -1 when unset
	options  string
}

// Swap manages one swap area, found either through a unit fragment or
// in /proc/swaps. Several swap units may name the same device node
// through different paths; they are chained in the manager's devnode
// registry.
type Swap struct {
	UnitRecord

	what    string
	devnode string

	fragParams swapParameters
	procParams swapParameters

	fromFragment  bool
	fromProcSwaps bool

	// Scan flags, valid only while /proc/swaps is processed.
	isActive      bool
	justActivated bool

	result  SwapResult
	timeout time.Duration

	killContext KillContext

	controlPID     int
	controlCommand SwapExecCommand
	execStatus     [swapExecMax]ExecStatus

	state             SwapState
	deserializedState SwapState
	hasDeserialized   bool
}

func newSwap(m *Manager, name string) *Swap {
	s := &Swap{}
	s.UnitRecord = newUnitRecord(s, m, name, TypeSwap)
	return s
}

func (s *Swap) Init() {
	s.timeout = s.mgr.cfg.DefaultTimeoutStart
	s.fragParams.priority = -1
	s.procParams.priority = -1
	s.killContext = DefaultKillContext()
	s.controlCommand = SwapExecNone
	s.output = NewLogBuffer(0)
}

func (s *Swap) ActiveState() ActiveState { return swapStateTable[s.state] }
func (s *Swap) SubState() string         { return s.state.String() }

// State returns the fine state.
func (s *Swap) State() SwapState { return s.state }

// Result returns the latched result of the last cycle.
func (s *Swap) Result() SwapResult { return s.result }

// What returns the swap path.
func (s *Swap) What() string { return s.what }

// Devnode returns the device node backing the swap, if known.
func (s *Swap) Devnode() string { return s.devnode }

// ControlPID returns the PID of the running swapon/swapoff, or 0.
func (s *Swap) ControlPID() int { return s.controlPID }

// FromProcSwaps reports whether the kernel currently lists the swap.
func (s *Swap) FromProcSwaps() bool { return s.fromProcSwaps }

// FromFragment reports whether the swap was configured on disk.
func (s *Swap) FromFragment() bool { return s.fromFragment }

// Priority returns the priority from the fragment, else from
// /proc/swaps, else -1.
func (s *Swap) Priority() int {
	if s.fromFragment && s.fragParams.priority >= 0 {
		return s.fragParams.priority
	}
	if s.fromProcSwaps {
		return s.procParams.priority
	}
	return -1
}

// ExecStatus returns the last run of the given control command.
func (s *Swap) ExecStatus(c SwapExecCommand) ExecStatus {
	if c < 0 || c >= swapExecMax {
		return ExecStatus{}
	}
	return s.execStatus[c]
}

// KillContext returns the unit's kill settings.
func (s *Swap) KillContext() *KillContext { return &s.killContext }

// setDevnode moves the unit to the chain of devnode in the registry.
func (s *Swap) setDevnode(devnode string) {
	if s.devnode == devnode {
		return
	}
	reg := s.mgr.swapsByDevnode
	if s.devnode != "" {
		reg.Unregister(s.devnode, s.handle)
	}
	s.devnode = devnode
	if devnode != "" {
		reg.Register(devnode, s.handle)
	}
}

// sameDevnode returns the other swap units on the same device node.
func (s *Swap) sameDevnode() []Unit {
	if s.devnode == "" {
		return nil
	}
	return s.mgr.swapsByDevnode.others(s.devnode, s.handle)
}

func (s *Swap) Done() {
	s.setDevnode("")
}

func (s *Swap) unwatchControlPID() {
	if s.controlPID <= 0 {
		return
	}
	s.UnwatchPID(s.controlPID)
	s.controlPID = 0
}

func (s *Swap) setState(state SwapState) {
	old := s.state
	s.state = state

	if !state.withProcess() {
		s.disarmTimer()
		s.unwatchControlPID()
		s.controlCommand = SwapExecNone
	}

	if state != old {
		s.debugf("Changed %s -> %s", old, state)
	}
	s.notify(swapStateTable[old], swapStateTable[state])

	// A sibling's start may have been waiting for our job to finish.
	for _, other := range s.sameDevnode() {
		s.mgr.requeueJob(other)
	}
}

// latch records f unless an earlier failure is already recorded.
func (s *Swap) latch(f SwapResult) {
	if s.result == SwapSuccess {
		s.result = f
	}
}

// --- Loading ---

func (s *Swap) Load() error {
	if err := s.loadFragment(s.fromProcSwaps); err != nil {
		return err
	}
	if s.loadState != LoadLoaded {
		return nil
	}
	s.fromFragment = s.fragment != nil
	if s.fromFragment {
		if err := s.applySwapSection(s.fragment); err != nil {
			return err
		}
	}

	if s.what == "" {
		switch {
		case s.fragParams.what != "":
			s.what = s.fragParams.what
		case s.procParams.what != "":
			s.what = s.procParams.what
		default:
			p, err := NameToPath(s.name)
			if err != nil {
				return err
			}
			s.what = p
		}
	}
	s.what = filepath.Clean(s.what)

	if s.description == "" {
		s.description = s.what
	}

	s.addDeviceDependencies()
	s.loadDevnode()
	s.addDefaultDependencies()
	return s.verify()
}

func (s *Swap) applySwapSection(f *Fragment) error {
	if v, ok := f.Last("Swap", "What"); ok {
		s.fragParams.what = v
	}
	if v, ok := f.Last("Swap", "Priority"); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < -1 || n > 32767 {
			return fmt.Errorf("Priority: invalid value %q", v)
		}
		s.fragParams.priority = n
	}
	if v, ok := f.Last("Swap", "Options"); ok {
		s.fragParams.options = v
	}
	if v, ok := f.Last("Swap", "TimeoutSec"); ok {
		d, err := util.ParseTimeSpan(v)
		if err != nil {
			return fmt.Errorf("TimeoutSec: %w", err)
		}
		s.timeout = d
	}
	return s.killContext.Apply(f, "Swap")
}

func isDevicePath(p string) bool {
	return util.PathStartsWith(p, "/dev") || util.PathStartsWith(p, "/sys")
}

// addDeviceDependencies binds a configured swap to its backing device,
// or orders a swap file after the root file system is writable.
func (s *Swap) addDeviceDependencies() {
	if s.what == "" || !s.fromFragment {
		return
	}
	if !isDevicePath(s.what) {
		s.addDependencyByName(DepAfter, RemountFSService, MaskFile)
		return
	}
	name, err := NameFromPath(s.what, ".device")
	if err != nil {
		s.warnf("Failed to derive device unit name from %s: %v", s.what, err)
		return
	}
	dev, err := s.mgr.LoadUnit(name)
	if err != nil {
		s.warnf("Failed to load device unit %s: %v", name, err)
		return
	}
	kind := DepWants
	if s.mgr.cfg.System {
		kind = DepBindsTo
	}
	_ = s.mgr.AddDependency(s, DepAfter, dev, MaskFile)
	_ = s.mgr.AddDependency(s, kind, dev, MaskFile)
	if s.mgr.cfg.System {
		_ = s.mgr.AddDependency(dev, DepWants, s, MaskFile)
	}
}

// loadDevnode resolves a block device path to its canonical node.
func (s *Swap) loadDevnode() {
	var st unix.Stat_t
	if err := unix.Stat(s.what, &st); err != nil || st.Mode&unix.S_IFMT != unix.S_IFBLK {
		return
	}
	dev, err := s.mgr.devices.Lookup(true, unix.Major(st.Rdev), unix.Minor(st.Rdev))
	if err != nil {
		s.debugf("Failed to look up device %s: %v", s.what, err)
		return
	}
	if node := dev.Devnode(); node != "" {
		s.setDevnode(node)
	}
}

func (s *Swap) addDefaultDependencies() {
	if !s.defaultDependencies || !s.mgr.cfg.System || s.mgr.cfg.Container {
		return
	}
	s.addDependencyByName(DepBefore, SwapTarget, MaskDefault)
	s.addTwoDependenciesByName(DepBefore, DepConflicts, UmountTarget, MaskDefault)
}

func (s *Swap) verify() error {
	want, err := NameFromPath(s.what, ".swap")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoExec, err)
	}
	if want != s.name {
		s.errorf("Value of What= and unit name do not match, not loading.")
		return fmt.Errorf("what=%s expects unit %s: %w", s.what, want, ErrNoExec)
	}
	return nil
}

// --- Coldplug ---

func (s *Swap) Coldplug() error {
	newState := s.state
	if s.hasDeserialized && s.deserializedState != s.state {
		newState = s.deserializedState
	} else if s.fromProcSwaps {
		newState = SwapActive
	}
	s.hasDeserialized = false

	if newState == s.state {
		return nil
	}

	if newState.withProcess() {
		if s.controlPID > 0 && process.Alive(s.controlPID) {
			if err := s.WatchPID(s.controlPID, false); err != nil {
				return err
			}
		} else {
			s.controlPID = 0
		}
		s.armTimer(deadlineAfter(s.stateChangeTime, s.timeout))
	}
	s.setState(newState)
	return nil
}

// --- Transitions ---

func (s *Swap) enterDead(f SwapResult) {
	s.latch(f)
	s.logResult(s.result.String())
	if s.result != SwapSuccess {
		s.setState(SwapFailed)
	} else {
		s.setState(SwapDead)
	}
}

func (s *Swap) enterActive(f SwapResult) {
	s.latch(f)
	s.setState(SwapActive)
}

// enterDeadOrActive settles on active when the kernel still lists the
// swap, since it cannot be made inactive from here.
func (s *Swap) enterDeadOrActive(f SwapResult) {
	if s.fromProcSwaps {
		s.enterActive(f)
	} else {
		s.enterDead(f)
	}
}

func (s *Swap) enterSignal(state SwapState, f SwapResult) {
	s.latch(f)

	op := KillKill
	if state == SwapDeactivatingSigterm {
		op = KillTerminate
	}
	wait := s.killProcesses(&s.killContext, op, s.controlPID)
	switch {
	case wait:
		s.armTimer(deadlineAfter(s.mgr.clock.Now(), s.timeout))
		s.setState(state)
	case state == SwapDeactivatingSigterm && s.killContext.SendSIGKILL:
		s.enterSignal(SwapDeactivatingSigkill, SwapSuccess)
	default:
		s.enterDeadOrActive(SwapSuccess)
	}
}

// spawnControl arms the timeout and runs a control command.
func (s *Swap) spawnControl(c SwapExecCommand, argv []string) error {
	if err := s.realizeCgroup(); err != nil {
		return err
	}
	s.armTimer(deadlineAfter(s.mgr.clock.Now(), s.timeout))
	if s.output != nil {
		s.output.AppendMarker(strings.Join(argv, " "))
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
	s.controlPID = pid
	s.controlCommand = c
	s.execStatus[c] = ExecStatus{PID: pid, Command: argv, StartTime: s.mgr.clock.Now()}
	return nil
}

// findPri returns the value of a pri= entry in a comma-separated
// option string.
func findPri(options string) (int, bool, error) {
	for _, opt := range strings.Split(options, ",") {
		v, ok := strings.CutPrefix(opt, "pri=")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return 0, false, fmt.Errorf("invalid swap priority %q", v)
		}
		return n, true, nil
	}
	return 0, false, nil
}

// activateCommand builds the swapon command line.
func (s *Swap) activateCommand() []string {
	opts := s.fragParams.options
	if s.fromFragment {
		_, found, err := findPri(opts)
		if err != nil {
			s.warnf("Failed to parse swap priority \"%s\", ignoring: %v", opts, err)
		} else if found && s.fragParams.priority >= 0 {
			s.warnf("Duplicate swap priority configuration by Priority and Options fields.")
		}
		if !found && s.fragParams.priority >= 0 {
			pri := "pri=" + strconv.Itoa(s.fragParams.priority)
			if opts != "" {
				opts += "," + pri
			} else {
				opts = pri
			}
		}
	}
	argv := []string{s.mgr.cfg.SwaponPath}
	if opts != "" {
		argv = append(argv, "-o", opts)
	}
	return append(argv, s.what)
}

func (s *Swap) enterActivating() {
	argv := s.activateCommand()
	s.unwatchControlPID()
	if err := s.spawnControl(SwapExecActivate, argv); err != nil {
		s.warnf("Failed to run 'swapon' task: %v", err)
		s.enterDeadOrActive(SwapFailureResources)
		return
	}
	s.setState(SwapActivating)
}

func (s *Swap) enterDeactivating() {
	argv := []string{s.mgr.cfg.SwapoffPath, s.what}
	s.unwatchControlPID()
	if err := s.spawnControl(SwapExecDeactivate, argv); err != nil {
		s.warnf("Failed to run 'swapoff' task: %v", err)
		s.enterDeadOrActive(SwapFailureResources)
		return
	}
	s.setState(SwapDeactivating)
}

// --- Job entry points ---

func (s *Swap) Start() error {
	switch s.state {
	case SwapDeactivating, SwapDeactivatingSigterm, SwapDeactivatingSigkill:
		return &StateError{Unit: s.name, Op: "start", State: s.state.String(), Err: ErrAgain}
	case SwapActivating, SwapActivatingDone, SwapActive:
		return nil
	}

	if s.mgr.cfg.Container {
		return &StateError{Unit: s.name, Op: "start", State: s.state.String(), Err: ErrPerm}
	}

	// Wait for a running job on another unit for the same node.
	for _, other := range s.sameDevnode() {
		if j := other.Record().job; j != nil && j.State == JobRunning {
			return &StateError{Unit: s.name, Op: "start", State: s.state.String(), Err: ErrAgain}
		}
	}

	if err := s.startLimitTest(); err != nil {
		s.enterDead(SwapFailureStartLimitHit)
		return err
	}

	s.result = SwapSuccess
	s.enterActivating()
	return nil
}

func (s *Swap) Stop() error {
	switch s.state {
	case SwapDeactivating, SwapDeactivatingSigterm, SwapDeactivatingSigkill:
		return nil
	case SwapActivating, SwapActivatingDone:
		// A control process is pending, go straight to killing it.
		s.enterSignal(SwapDeactivatingSigterm, SwapSuccess)
		return nil
	case SwapActive:
		if s.mgr.cfg.Container {
			return &StateError{Unit: s.name, Op: "stop", State: s.state.String(), Err: ErrPerm}
		}
		s.enterDeactivating()
		return nil
	}
	return nil
}

func (s *Swap) Kill(who KillWho, sig syscall.Signal) error {
	return s.killCommon(who, sig, s.controlPID)
}

func (s *Swap) ResetFailed() {
	if s.state == SwapFailed {
		s.setState(SwapDead)
	}
	s.result = SwapSuccess
}

// MayGC keeps swaps the kernel lists.
func (s *Swap) MayGC() bool {
	return !s.fromProcSwaps
}

// --- Checkpoint ---

func (s *Swap) Serialize(w *Serializer) {
	w.Item("state", s.state.String())
	w.Item("result", s.result.String())
	if s.controlPID > 0 {
		w.Itemf("control-pid", "%d", s.controlPID)
	}
	if s.controlCommand != SwapExecNone {
		w.Item("control-command", s.controlCommand.String())
	}
}

func (s *Swap) DeserializeItem(key, value string) {
	switch key {
	case "state":
		st, ok := ParseSwapState(value)
		if !ok {
			s.debugf("Failed to parse state value: %s", value)
			return
		}
		s.deserializedState = st
		s.hasDeserialized = true
	case "result":
		f, ok := ParseSwapResult(value)
		if !ok {
			s.debugf("Failed to parse result value: %s", value)
			return
		}
		if f != SwapSuccess {
			s.result = f
		}
	case "control-pid":
		pid, err := strconv.Atoi(value)
		if err != nil || pid <= 0 {
			s.debugf("Failed to parse control-pid value: %s", value)
			return
		}
		s.controlPID = pid
	case "control-command":
		for i, n := range swapExecNames {
			if n == value {
				s.controlCommand = SwapExecCommand(i)
				return
			}
		}
		s.debugf("Failed to parse exec-command value: %s", value)
	default:
		s.UnitRecord.DeserializeItem(key, value)
	}
}

// --- Events ---

func (s *Swap) SigchldEvent(pid int, status process.ExitStatus) {
	if pid != s.controlPID {
		return
	}

	// Rescan first so the outcome sees the kernel's current swap list.
	if err := s.mgr.ProcessProcSwaps(); err != nil {
		s.debugf("Failed to rescan swaps: %v", err)
	}

	s.controlPID = 0

	code, st := status.Code()
	var f SwapResult
	switch {
	case status.Clean():
		f = SwapSuccess
	case code == process.CodeExited:
		f = SwapFailureExitCode
	case code == process.CodeKilled:
		f = SwapFailureSignal
	default:
		f = SwapFailureCoreDump
	}
	s.latch(f)

	if s.controlCommand != SwapExecNone {
		es := &s.execStatus[s.controlCommand]
		es.ExitTime = s.mgr.clock.Now()
		es.Code = code
		es.Status = st
		es.HaveExited = true
		s.controlCommand = SwapExecNone
	}

	if f == SwapSuccess {
		s.debugf("Swap process exited, code=%s status=%d", code, st)
	} else {
		s.noticef("Swap process exited, code=%s status=%d", code, st)
	}

	switch s.state {
	case SwapActivating, SwapActivatingDone:
		if f == SwapSuccess || s.fromProcSwaps {
			s.enterActive(f)
		} else {
			s.enterDead(f)
		}
	case SwapDeactivating, SwapDeactivatingSigterm, SwapDeactivatingSigkill:
		s.enterDeadOrActive(f)
	default:
		s.warnf("Control process exited in unexpected state %s.", s.state)
	}
}

func (s *Swap) DispatchTimer(now time.Time) {
	switch s.state {
	case SwapActivating, SwapActivatingDone:
		s.warnf("Activation timed out. Stopping.")
		s.enterSignal(SwapDeactivatingSigterm, SwapFailureTimeout)
	case SwapDeactivating:
		s.warnf("Deactivation timed out. Stopping.")
		s.enterSignal(SwapDeactivatingSigterm, SwapFailureTimeout)
	case SwapDeactivatingSigterm:
		if s.killContext.SendSIGKILL {
			s.warnf("Swap process timed out. Killing.")
			s.enterSignal(SwapDeactivatingSigkill, SwapFailureTimeout)
		} else {
			s.warnf("Swap process timed out. Skipping SIGKILL. Ignoring.")
			s.enterDeadOrActive(SwapFailureTimeout)
		}
	case SwapDeactivatingSigkill:
		s.warnf("Swap process still around after SIGKILL. Ignoring.")
		s.enterDeadOrActive(SwapFailureTimeout)
	default:
		s.warnf("Timeout in unexpected state %s.", s.state)
	}
}

// --- Aliasing ---

// Following returns the unit canonical for this swap's device node:
// a configured unit if there is one, else the unit named after the
// node itself.
func (s *Swap) Following() Unit {
	if s.fromFragment || s.devnode == "" {
		return nil
	}
	before, after, _ := s.mgr.swapsByDevnode.siblings(s.devnode, s.handle)
	for _, u := range s.sameDevnode() {
		if u.(*Swap).fromFragment {
			return u
		}
	}
	if s.what == s.devnode {
		return nil
	}
	for _, u := range after {
		if u.(*Swap).what == u.(*Swap).devnode {
			return u
		}
	}
	for i := len(before) - 1; i >= 0; i-- {
		if o := before[i].(*Swap); o.what == o.devnode {
			return o
		}
	}
	if len(before) > 0 {
		return before[0]
	}
	return nil
}

// FollowingSet returns every other unit on the same device node.
func (s *Swap) FollowingSet() []Unit {
	return s.sameDevnode()
}
