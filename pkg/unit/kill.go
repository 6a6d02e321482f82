package unit

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/sunlightlinux/slunit/internal/util"
)

// KillMode selects which processes are signalled when a unit stops.
type KillMode uint8

const (
	KillControlGroup KillMode = iota
	KillProcess
	KillMixed
	KillNone
)

var killModeNames = [...]string{
	KillControlGroup: "control-group",
	KillProcess:      "process",
	KillMixed:        "mixed",
	KillNone:         "none",
}

func (k KillMode) String() string {
	if int(k) < len(killModeNames) {
		return killModeNames[k]
	}
	return fmt.Sprintf("KillMode(%d)", k)
}

// ParseKillMode parses a KillMode= value.
func ParseKillMode(s string) (KillMode, error) {
	for i, n := range killModeNames {
		if n == s {
			return KillMode(i), nil
		}
	}
	return 0, fmt.Errorf("unknown kill mode %q", s)
}

// KillOperation is the phase of a stop sequence.
type KillOperation uint8

const (
	KillTerminate KillOperation = iota
	KillTerminateAndLog
	KillKill
)

// KillContext holds the kill settings of a unit.
type KillContext struct {
	Mode        KillMode
	Signal      syscall.Signal
	FinalSignal syscall.Signal
	SendSIGKILL bool
	SendSIGHUP  bool
}

// DefaultKillContext returns the settings used when a fragment says
// nothing.
func DefaultKillContext() KillContext {
	return KillContext{
		Mode:        KillControlGroup,
		Signal:      syscall.SIGTERM,
		FinalSignal: syscall.SIGKILL,
		SendSIGKILL: true,
	}
}

// Apply reads the kill settings from the given fragment section.
func (kc *KillContext) Apply(f *Fragment, section string) error {
	if v, ok := f.Last(section, "KillMode"); ok {
		mode, err := ParseKillMode(v)
		if err != nil {
			return err
		}
		kc.Mode = mode
	}
	for key, dst := range map[string]*syscall.Signal{
		"KillSignal":      &kc.Signal,
		"FinalKillSignal": &kc.FinalSignal,
	} {
		if v, ok := f.Last(section, key); ok {
			sig, err := util.ParseSignal(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = sig
		}
	}
	for key, dst := range map[string]*bool{
		"SendSIGKILL": &kc.SendSIGKILL,
		"SendSIGHUP":  &kc.SendSIGHUP,
	} {
		if v, ok := f.Last(section, key); ok {
			b, err := util.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = b
		}
	}
	return nil
}

func (kc *KillContext) signalFor(op KillOperation) syscall.Signal {
	if op == KillKill {
		return kc.FinalSignal
	}
	return kc.Signal
}

// killProcesses signals the unit's processes for one phase of a stop
// sequence. It returns true when something was signalled that we need
// to wait for. Signalling failures are logged, not returned.
func (r *UnitRecord) killProcesses(kc *KillContext, op KillOperation, controlPID int) bool {
	if kc.Mode == KillNone {
		return false
	}
	sig := kc.signalFor(op)
	spawner := r.mgr.spawner
	wait := false

	if controlPID > 0 {
		if err := spawner.Signal(controlPID, sig); err != nil {
			if !errors.Is(err, syscall.ESRCH) {
				r.warnf("Failed to kill control process %d, ignoring: %v", controlPID, err)
			}
		} else {
			wait = true
			if op == KillTerminateAndLog {
				r.noticef("Killing process %d with signal %s.", controlPID, util.SignalName(sig))
			}
			if kc.SendSIGHUP {
				_ = spawner.Signal(controlPID, syscall.SIGHUP)
			}
		}
	}

	if r.cgroupPath != "" && (kc.Mode == KillControlGroup || (kc.Mode == KillMixed && op == KillKill)) {
		n, err := r.mgr.cgroups.Kill(r.self, sig)
		if err != nil {
			r.warnf("Failed to kill control group %s, ignoring: %v", r.cgroupPath, err)
		} else if n > 0 {
			if op == KillTerminateAndLog {
				r.noticef("Killing %d remaining processes with signal %s.", n, util.SignalName(sig))
			}
			if empty, err := r.mgr.cgroups.IsEmpty(r.self); err != nil || !empty {
				wait = true
			}
			if kc.SendSIGHUP {
				_, _ = r.mgr.cgroups.Kill(r.self, syscall.SIGHUP)
			}
		}
	}
	return wait
}

// killCommon implements the Kill entry point. A negative controlPID
// means the type has no control process concept.
func (r *UnitRecord) killCommon(who KillWho, sig syscall.Signal, controlPID int) error {
	if who == KillWhoMain {
		return fmt.Errorf("%s has no main process: %w", r.name, ErrUnsupported)
	}
	if who == KillWhoControl {
		if controlPID < 0 {
			return fmt.Errorf("%s has no control process: %w", r.name, ErrUnsupported)
		}
		if controlPID == 0 {
			return fmt.Errorf("no control process to kill: %w", ErrNoSuchProcess)
		}
	}

	killed := false
	var firstErr error
	if controlPID > 0 {
		if err := r.mgr.spawner.Signal(controlPID, sig); err != nil {
			firstErr = err
		} else {
			killed = true
		}
	}
	if who == KillWhoAll && r.cgroupPath != "" {
		n, err := r.mgr.cgroups.Kill(r.self, sig)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if n > 0 {
			killed = true
		}
	}
	if killed {
		return nil
	}
	if firstErr != nil {
		return firstErr
	}
	return ErrNoSuchProcess
}
