package shutdown

import (
	"github.com/sunlightlinux/slunit/pkg/logging"
	"github.com/sunlightlinux/slunit/pkg/unit"
)

// Loop is the part of the event loop an emergency action drives.
type Loop interface {
	// InitiateShutdown stops every unit, then ends the loop with action.
	InitiateShutdown(action unit.EmergencyAction)
	// ForceExit ends the loop with action without stopping units.
	ForceExit(action unit.EmergencyAction)
}

// EmergencyHandler executes the emergency actions units request. It is
// called on the loop goroutine.
type EmergencyHandler struct {
	Loop   Loop
	Logger *logging.Logger
}

// EmergencyAction implements unit.EmergencyHandler. Plain actions shut
// down in order, forced ones leave the loop at once and immediate ones
// reboot right here.
func (h *EmergencyHandler) EmergencyAction(action unit.EmergencyAction, reason string) {
	switch action {
	case unit.ActionNone:
		return

	case unit.ActionReboot:
		h.Logger.Warn("Rebooting: %s", reason)
		h.Loop.InitiateShutdown(action)
	case unit.ActionPoweroff:
		h.Logger.Warn("Powering off: %s", reason)
		h.Loop.InitiateShutdown(action)
	case unit.ActionExit:
		h.Logger.Warn("Exiting: %s", reason)
		h.Loop.InitiateShutdown(action)

	case unit.ActionRebootForce:
		h.Logger.Warn("Forcibly rebooting: %s", reason)
		h.Loop.ForceExit(action)
	case unit.ActionPoweroffForce:
		h.Logger.Warn("Forcibly powering off: %s", reason)
		h.Loop.ForceExit(action)
	case unit.ActionExitForce:
		h.Logger.Warn("Exiting immediately: %s", reason)
		h.Loop.ForceExit(action)

	case unit.ActionRebootImmediate:
		h.Logger.Warn("Rebooting immediately: %s", reason)
		syncFunc()
		h.Logger.Info("Rebooting.")
		if err := rebootSystem(action); err != nil {
			h.Logger.Error("Reboot syscall failed: %v", err)
		}
	case unit.ActionPoweroffImmediate:
		h.Logger.Warn("Powering off immediately: %s", reason)
		syncFunc()
		h.Logger.Info("Powering off.")
		if err := rebootSystem(action); err != nil {
			h.Logger.Error("Reboot syscall failed: %v", err)
		}

	default:
		h.Logger.Error("Unknown emergency action %s: %s", action, reason)
	}
}
