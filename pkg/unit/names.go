package unit

import (
	"fmt"
	"strings"

	sdunit "github.com/coreos/go-systemd/v22/unit"

	"github.com/sunlightlinux/slunit/internal/util"
)

// Well-known unit names.
const (
	InitScope          = "init.scope"
	SwapTarget         = "swap.target"
	UmountTarget       = "umount.target"
	ShutdownTarget     = "shutdown.target"
	RemountFSService   = "systemd-remount-fs.service"
	RebootTarget       = "reboot.target"
	PoweroffTarget     = "poweroff.target"
	ExitTarget         = "exit.target"
	DefaultTarget      = "default.target"
	maxUnitNameLength  = 256
	validUnitNameChars = ":-_.\\@"
)

var typeSuffixes = map[string]UnitType{
	".device": TypeDevice,
	".scope":  TypeScope,
	".swap":   TypeSwap,
	".target": TypeTarget,
}

// TypeFromName returns the unit type implied by the name's suffix.
func TypeFromName(name string) UnitType {
	dot := strings.LastIndexByte(name, '.')
	if dot < 0 {
		return TypeOther
	}
	if t, ok := typeSuffixes[name[dot:]]; ok {
		return t
	}
	return TypeOther
}

// IsValidName reports whether name is a plain or instance unit name
// with a suffix.
func IsValidName(name string) bool {
	if name == "" || len(name) > maxUnitNameLength {
		return false
	}
	dot := strings.LastIndexByte(name, '.')
	if dot <= 0 || dot == len(name)-1 {
		return false
	}
	for i := 0; i < dot; i++ {
		c := name[i]
		if !isAlnum(c) && strings.IndexByte(validUnitNameChars, c) < 0 {
			return false
		}
	}
	for i := dot + 1; i < len(name); i++ {
		if !isAlnum(name[i]) && name[i] != '-' {
			return false
		}
	}
	return true
}

func isAlnum(c byte) bool {
	return c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

// IsTemplate reports whether name is a template such as "foo@.service".
func IsTemplate(name string) bool {
	at := strings.IndexByte(name, '@')
	dot := strings.LastIndexByte(name, '.')
	return at > 0 && dot == at+1 && IsValidName(name)
}

// ReplaceInstance instantiates a template with the given instance.
func ReplaceInstance(template, instance string) (string, error) {
	if !IsTemplate(template) {
		return "", fmt.Errorf("%q is not a template: %w", template, ErrInvalid)
	}
	at := strings.IndexByte(template, '@')
	name := template[:at+1] + instance + template[at+1:]
	if !IsValidName(name) {
		return "", fmt.Errorf("instance name %q: %w", name, ErrInvalid)
	}
	return name, nil
}

// NameFromPath builds a unit name from a file system path, as
// "systemd-escape --path --suffix".
func NameFromPath(path, suffix string) (string, error) {
	if !strings.HasPrefix(path, "/") {
		return "", fmt.Errorf("path %q is not absolute: %w", path, ErrInvalid)
	}
	name := sdunit.UnitNamePathEscape(path) + suffix
	if len(name) > maxUnitNameLength {
		return "", fmt.Errorf("unit name for %q too long: %w", path, ErrInvalid)
	}
	return name, nil
}

// NameToPath reverses NameFromPath.
func NameToPath(name string) (string, error) {
	dot := strings.LastIndexByte(name, '.')
	if dot <= 0 {
		return "", fmt.Errorf("unit name %q: %w", name, ErrInvalid)
	}
	return sdunit.UnitNamePathUnescape(name[:dot]), nil
}

// PathEscape escapes a path for use as a template instance.
func PathEscape(path string) string {
	return sdunit.UnitNamePathEscape(path)
}

// Mangle turns free-form user input into a unit name. Absolute paths
// become device or mount unit names, names without a known
// suffix get ".service".
func Mangle(s string) (string, error) {
	if s == "" {
		return "", fmt.Errorf("empty unit name: %w", ErrInvalid)
	}
	if strings.HasPrefix(s, "/") {
		if util.PathStartsWith(s, "/dev") || util.PathStartsWith(s, "/sys") {
			return NameFromPath(s, ".device")
		}
		return NameFromPath(s, ".mount")
	}
	if IsValidName(s) {
		return s, nil
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isAlnum(c) || strings.IndexByte(validUnitNameChars, c) >= 0 && c != '\\' {
			b.WriteByte(c)
		} else {
			fmt.Fprintf(&b, `\x%02x`, c)
		}
	}
	name := b.String() + ".service"
	if !IsValidName(name) {
		return "", fmt.Errorf("cannot mangle %q: %w", s, ErrInvalid)
	}
	return name, nil
}
