package config

import (
	"strings"

	"github.com/sunlightlinux/slunit/pkg/unit"
)

var killKeys = []string{"KillMode", "KillSignal", "FinalKillSignal", "SendSIGKILL", "SendSIGHUP"}

// KnownSettings lists the keys each section understands.
var KnownSettings = map[string]map[string]bool{
	"Unit": keySet(
		"Description", "Documentation", "DefaultDependencies",
		"Requires", "Requisite", "Wants", "BindsTo", "PartOf", "Conflicts",
		"Before", "After",
		"StartLimitIntervalSec", "StartLimitBurst",
		"StartLimitAction", "FailureAction", "SuccessAction",
		"JobRunningTimeoutSec",
	),
	"Swap":    keySet(append([]string{"What", "Priority", "Options", "TimeoutSec"}, killKeys...)...),
	"Scope":   keySet(append([]string{"TimeoutStopSec", "Delegate", "User", "Group"}, killKeys...)...),
	"Install": keySet("WantedBy", "RequiredBy", "Alias", "Also"),
}

// sectionOwner maps type-specific sections to their unit type.
var sectionOwner = map[string]unit.UnitType{
	"Swap":  unit.TypeSwap,
	"Scope": unit.TypeScope,
}

func keySet(keys ...string) map[string]bool {
	m := make(map[string]bool, len(keys))
	for _, k := range keys {
		m[k] = true
	}
	return m
}

// IsKnownSetting reports whether key is understood in section. X-
// prefixed sections and keys are extensions and always accepted.
func IsKnownSetting(section, key string) bool {
	if strings.HasPrefix(section, "X-") || strings.HasPrefix(key, "X-") {
		return true
	}
	return KnownSettings[section][key]
}
