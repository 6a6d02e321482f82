// Package unit implements the unit state machines of the slunit service
// supervisor: the shared unit record, the per-type Device, Scope and Swap
// machines, the aliasing registry, jobs, and the checkpoint format used
// across manager re-exec.
package unit

import "fmt"

// ActiveState is the coarse state every unit type's fine state maps to.
type ActiveState uint8

const (
	ActiveInactive ActiveState = iota
	ActiveActivating
	ActiveActive
	ActiveDeactivating
	ActiveFailed
	ActiveReloading
)

func (s ActiveState) String() string {
	switch s {
	case ActiveInactive:
		return "inactive"
	case ActiveActivating:
		return "activating"
	case ActiveActive:
		return "active"
	case ActiveDeactivating:
		return "deactivating"
	case ActiveFailed:
		return "failed"
	case ActiveReloading:
		return "reloading"
	default:
		return fmt.Sprintf("ActiveState(%d)", s)
	}
}

// IsActiveOrReloading reports whether the unit is up.
func (s ActiveState) IsActiveOrReloading() bool {
	return s == ActiveActive || s == ActiveReloading
}

// IsActiveOrActivating reports whether the unit is up or coming up.
func (s ActiveState) IsActiveOrActivating() bool {
	return s == ActiveActive || s == ActiveActivating || s == ActiveReloading
}

// IsInactiveOrFailed reports whether the unit is down.
func (s ActiveState) IsInactiveOrFailed() bool {
	return s == ActiveInactive || s == ActiveFailed
}

// IsInactiveOrDeactivating reports whether the unit is down or going down.
func (s ActiveState) IsInactiveOrDeactivating() bool {
	return s == ActiveInactive || s == ActiveFailed || s == ActiveDeactivating
}

// LoadState tracks how far a unit got in loading its configuration.
type LoadState uint8

const (
	LoadStub LoadState = iota
	LoadLoaded
	LoadNotFound
	LoadBadSetting
	LoadMasked
)

func (s LoadState) String() string {
	switch s {
	case LoadStub:
		return "stub"
	case LoadLoaded:
		return "loaded"
	case LoadNotFound:
		return "not-found"
	case LoadBadSetting:
		return "error"
	case LoadMasked:
		return "masked"
	default:
		return fmt.Sprintf("LoadState(%d)", s)
	}
}

// UnitType identifies the kind of unit.
type UnitType uint8

const (
	TypeDevice UnitType = iota
	TypeScope
	TypeSwap
	TypeTarget
	TypeOther // referenced by dependencies but not managed here
)

func (t UnitType) String() string {
	switch t {
	case TypeDevice:
		return "device"
	case TypeScope:
		return "scope"
	case TypeSwap:
		return "swap"
	case TypeTarget:
		return "target"
	case TypeOther:
		return "other"
	default:
		return fmt.Sprintf("UnitType(%d)", t)
	}
}

// DependencyType identifies the kind of dependency relationship.
type DependencyType uint8

const (
	DepRequires DependencyType = iota
	DepRequisite
	DepWants
	DepBindsTo
	DepPartOf
	DepRequiredBy
	DepRequisiteOf
	DepWantedBy
	DepBoundBy
	DepConsistsOf
	DepConflicts
	DepConflictedBy
	DepBefore
	DepAfter
	depMax
)

var dependencyNames = [depMax]string{
	DepRequires:     "Requires",
	DepRequisite:    "Requisite",
	DepWants:        "Wants",
	DepBindsTo:      "BindsTo",
	DepPartOf:       "PartOf",
	DepRequiredBy:   "RequiredBy",
	DepRequisiteOf:  "RequisiteOf",
	DepWantedBy:     "WantedBy",
	DepBoundBy:      "BoundBy",
	DepConsistsOf:   "ConsistsOf",
	DepConflicts:    "Conflicts",
	DepConflictedBy: "ConflictedBy",
	DepBefore:       "Before",
	DepAfter:        "After",
}

var dependencyInverse = [depMax]DependencyType{
	DepRequires:     DepRequiredBy,
	DepRequisite:    DepRequisiteOf,
	DepWants:        DepWantedBy,
	DepBindsTo:      DepBoundBy,
	DepPartOf:       DepConsistsOf,
	DepRequiredBy:   DepRequires,
	DepRequisiteOf:  DepRequisite,
	DepWantedBy:     DepWants,
	DepBoundBy:      DepBindsTo,
	DepConsistsOf:   DepPartOf,
	DepConflicts:    DepConflictedBy,
	DepConflictedBy: DepConflicts,
	DepBefore:       DepAfter,
	DepAfter:        DepBefore,
}

func (d DependencyType) String() string {
	if d < depMax {
		return dependencyNames[d]
	}
	return fmt.Sprintf("DependencyType(%d)", d)
}

// Inverse returns the relation stored on the other end of an edge.
func (d DependencyType) Inverse() DependencyType {
	return dependencyInverse[d]
}

// ParseDependencyType maps a fragment key such as "Wants" to its type.
func ParseDependencyType(s string) (DependencyType, bool) {
	for i, n := range dependencyNames {
		if n == s {
			return DependencyType(i), true
		}
	}
	return 0, false
}

// UnitEvent is delivered to listeners on every active state change.
// Reload is set instead when a reload was propagated to the unit, such
// as a udev change event on a plugged device.
type UnitEvent struct {
	Unit     string
	Old, New ActiveState
	SubState string
	Reload   bool
}

// UnitListener is notified of unit state changes.
type UnitListener interface {
	UnitChanged(ev UnitEvent)
}

// KillWho selects which processes of a unit Kill targets.
type KillWho uint8

const (
	KillWhoAll KillWho = iota
	KillWhoMain
	KillWhoControl
)

func (w KillWho) String() string {
	switch w {
	case KillWhoAll:
		return "all"
	case KillWhoMain:
		return "main"
	case KillWhoControl:
		return "control"
	default:
		return fmt.Sprintf("KillWho(%d)", w)
	}
}

// ParseKillWho maps a name to a KillWho.
func ParseKillWho(s string) (KillWho, error) {
	switch s {
	case "", "all":
		return KillWhoAll, nil
	case "main":
		return KillWhoMain, nil
	case "control":
		return KillWhoControl, nil
	}
	return 0, fmt.Errorf("unknown kill target %q", s)
}

// EmergencyAction is taken on unit success, failure or start-limit hits.
type EmergencyAction uint8

const (
	ActionNone EmergencyAction = iota
	ActionReboot
	ActionRebootForce
	ActionRebootImmediate
	ActionPoweroff
	ActionPoweroffForce
	ActionPoweroffImmediate
	ActionExit
	ActionExitForce
)

var emergencyActionNames = [...]string{
	ActionNone:              "none",
	ActionReboot:            "reboot",
	ActionRebootForce:       "reboot-force",
	ActionRebootImmediate:   "reboot-immediate",
	ActionPoweroff:          "poweroff",
	ActionPoweroffForce:     "poweroff-force",
	ActionPoweroffImmediate: "poweroff-immediate",
	ActionExit:              "exit",
	ActionExitForce:         "exit-force",
}

func (a EmergencyAction) String() string {
	if int(a) < len(emergencyActionNames) {
		return emergencyActionNames[a]
	}
	return fmt.Sprintf("EmergencyAction(%d)", a)
}

// ParseEmergencyAction parses an action name. The system manager may not
// exit, and the user manager may not reboot or power off.
func ParseEmergencyAction(s string, system bool) (EmergencyAction, error) {
	for i, n := range emergencyActionNames {
		if n != s {
			continue
		}
		a := EmergencyAction(i)
		if (system && a >= ActionExit) || (!system && a != ActionNone && a < ActionExit) {
			return ActionNone, fmt.Errorf("emergency action %q: %w", s, ErrUnsupported)
		}
		return a, nil
	}
	return ActionNone, fmt.Errorf("unknown emergency action %q", s)
}
