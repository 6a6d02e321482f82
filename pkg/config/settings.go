// Package config loads the manager settings file and unit fragments.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/sunlightlinux/slunit/internal/util"
	"github.com/sunlightlinux/slunit/pkg/logging"
	"github.com/sunlightlinux/slunit/pkg/unit"
)

// DefaultSettingsPath is where the system manager looks for its
// settings.
const DefaultSettingsPath = "/etc/slunit/slunit.toml"

// Default unit directories, highest priority first.
var (
	DefaultSystemUnitDirs = []string{
		"/etc/slunit/system",
		"/run/slunit/system",
		"/usr/lib/slunit/system",
	}
	DefaultUserUnitDirs = []string{
		"~/.config/slunit/user",
		"/etc/slunit/user",
		"/usr/lib/slunit/user",
	}
)

// Settings is the manager settings file.
type Settings struct {
	LogLevel      string   `koanf:"log-level"`
	LogTarget     string   `koanf:"log-target"`
	UnitDirs      []string `koanf:"unit-dirs"`
	WatchUnitDirs bool     `koanf:"watch-unit-dirs"`
	ControlSocket string   `koanf:"control-socket"`
	Checkpoint    string   `koanf:"checkpoint"`
	CgroupRoot    string   `koanf:"cgroup-root"`

	DefaultTimeoutStart       util.TimeSpan `koanf:"default-timeout-start"`
	DefaultTimeoutStop        util.TimeSpan `koanf:"default-timeout-stop"`
	DefaultDeviceTimeout      util.TimeSpan `koanf:"default-device-timeout"`
	DefaultStartLimitInterval util.TimeSpan `koanf:"default-start-limit-interval"`
	DefaultStartLimitBurst    int           `koanf:"default-start-limit-burst"`
}

// NewSettings returns the built-in defaults for a system manager.
func NewSettings() *Settings {
	def := unit.DefaultConfig()
	return &Settings{
		LogLevel:      "info",
		LogTarget:     "auto",
		UnitDirs:      append([]string(nil), DefaultSystemUnitDirs...),
		WatchUnitDirs: true,
		ControlSocket: "/run/slunit/private",
		Checkpoint:    "/run/slunit/checkpoint",
		CgroupRoot:    "slunit",

		DefaultTimeoutStart:       util.TimeSpan(def.DefaultTimeoutStart),
		DefaultTimeoutStop:        util.TimeSpan(def.DefaultTimeoutStop),
		DefaultDeviceTimeout:      util.TimeSpan(def.DefaultDeviceTimeout),
		DefaultStartLimitInterval: util.TimeSpan(def.DefaultStartLimitInterval),
		DefaultStartLimitBurst:    def.DefaultStartLimitBurst,
	}
}

// ParseSettings loads the settings file at location over the defaults.
// A missing file yields the defaults.
func ParseSettings(location string) (*Settings, error) {
	cfg := NewSettings()
	k := koanf.New(".")

	if err := k.Load(file.Provider(location), toml.Parser()); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return nil, &LoadError{Path: location, Err: err}
	}
	if k.Exists("unit-dirs") {
		// Decoding into a non-empty slice only overwrites a prefix.
		cfg.UnitDirs = nil
	}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, &LoadError{Path: location, Err: err}
	}
	return cfg, nil
}

// SettingsError is one invalid value in the settings file.
type SettingsError struct {
	Field   string
	Message string
}

func (e SettingsError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate resets invalid values to their defaults and returns what was
// wrong with them.
func (s *Settings) Validate() []error {
	var errs []error
	def := NewSettings()

	if _, ok := logging.ParseLevel(s.LogLevel); !ok {
		errs = append(errs, SettingsError{Field: "log-level", Message: fmt.Sprintf("unknown level %q", s.LogLevel)})
		s.LogLevel = def.LogLevel
	}
	if _, err := logging.ParseTarget(s.LogTarget); err != nil {
		errs = append(errs, SettingsError{Field: "log-target", Message: err.Error()})
		s.LogTarget = def.LogTarget
	}
	if len(s.UnitDirs) == 0 {
		errs = append(errs, SettingsError{Field: "unit-dirs", Message: "must not be empty"})
		s.UnitDirs = def.UnitDirs
	}
	for _, p := range []struct {
		field string
		val   *string
		def   string
	}{
		{"control-socket", &s.ControlSocket, def.ControlSocket},
		{"checkpoint", &s.Checkpoint, def.Checkpoint},
	} {
		if !filepath.IsAbs(*p.val) {
			errs = append(errs, SettingsError{Field: p.field, Message: fmt.Sprintf("%q is not an absolute path", *p.val)})
			*p.val = p.def
		}
	}
	if filepath.IsAbs(s.CgroupRoot) || filepath.Clean(s.CgroupRoot) != s.CgroupRoot {
		errs = append(errs, SettingsError{Field: "cgroup-root", Message: fmt.Sprintf("%q must be a clean relative path", s.CgroupRoot)})
		s.CgroupRoot = def.CgroupRoot
	}
	if s.DefaultStartLimitBurst < 0 {
		errs = append(errs, SettingsError{Field: "default-start-limit-burst", Message: "must not be negative"})
		s.DefaultStartLimitBurst = def.DefaultStartLimitBurst
	}
	return errs
}

// ApplyTo copies the manager defaults into cfg.
func (s *Settings) ApplyTo(cfg *unit.Config) {
	cfg.DefaultTimeoutStart = time.Duration(s.DefaultTimeoutStart)
	cfg.DefaultTimeoutStop = time.Duration(s.DefaultTimeoutStop)
	cfg.DefaultDeviceTimeout = time.Duration(s.DefaultDeviceTimeout)
	cfg.DefaultStartLimitInterval = time.Duration(s.DefaultStartLimitInterval)
	cfg.DefaultStartLimitBurst = s.DefaultStartLimitBurst
}

// LoadError wraps a failure to read a configuration file.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }
