// slunit is a unit-based service manager and init system, written in Go.
package main

//go:generate go tool go-md2man -in ../../doc/slunit.8.md -out ../../doc/slunit.8

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	flag "github.com/spf13/pflag"

	"github.com/sunlightlinux/slunit/internal/util"
	"github.com/sunlightlinux/slunit/pkg/cgroup"
	"github.com/sunlightlinux/slunit/pkg/config"
	"github.com/sunlightlinux/slunit/pkg/control"
	"github.com/sunlightlinux/slunit/pkg/eventloop"
	"github.com/sunlightlinux/slunit/pkg/logging"
	"github.com/sunlightlinux/slunit/pkg/shutdown"
	"github.com/sunlightlinux/slunit/pkg/udev"
	"github.com/sunlightlinux/slunit/pkg/unit"
)

const version = "0.1.0"

func main() {
	var (
		settingsPath string
		unitDirs     []string
		logLevel     string
		logTarget    string
		checkpoint   string
		systemMode   bool
		userMode     bool
		showVersion  bool
	)

	flag.StringVar(&settingsPath, "config", config.DefaultSettingsPath, "settings file")
	flag.StringSliceVar(&unitDirs, "unit-dir", nil, "unit fragment directory (repeatable, highest priority first)")
	flag.StringVar(&logLevel, "log-level", "", "log level (debug, info, notice, warn, error)")
	flag.StringVar(&logTarget, "log-target", "", "log target (auto, console, journal)")
	flag.StringVar(&checkpoint, "deserialize", "", "restore state from this checkpoint")
	flag.BoolVar(&systemMode, "system", false, "run as system manager")
	flag.BoolVar(&userMode, "user", false, "run as user manager")
	flag.BoolVar(&showVersion, "version", false, "show version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("slunit version %s\n", version)
		os.Exit(0)
	}

	isPID1 := os.Getpid() == 1
	if isPID1 {
		systemMode = true
		userMode = false
	}
	if systemMode && userMode {
		fmt.Fprintln(os.Stderr, "slunit: --system and --user are mutually exclusive")
		os.Exit(1)
	}
	if !systemMode && !userMode {
		userMode = true
	}

	settings, err := config.ParseSettings(settingsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "slunit: %v, using defaults\n", err)
		settings = config.NewSettings()
	}
	if userMode {
		applyUserDefaults(settings, flag.CommandLine.Changed("config"))
	}
	if len(unitDirs) > 0 {
		settings.UnitDirs = unitDirs
	}
	if logLevel != "" {
		settings.LogLevel = logLevel
	}
	if logTarget != "" {
		settings.LogTarget = logTarget
	}
	settingsErrs := settings.Validate()

	level, _ := logging.ParseLevel(settings.LogLevel)
	target, _ := logging.ParseTarget(settings.LogTarget)
	logger := logging.NewForTarget(level, target)
	for _, e := range settingsErrs {
		logger.Warn("Invalid setting %v, using default", e)
	}

	cfg := unit.DefaultConfig()
	cfg.System = systemMode
	settings.ApplyTo(&cfg)
	cfg.Container = util.DetectContainer()
	if ro, err := util.IsReadOnly("/sys"); err == nil {
		cfg.ReadOnlySys = ro
	}

	if isPID1 {
		logger.Notice("slunit %s starting as PID 1", version)
		if err := shutdown.InitPID1(logger, cfg.Container); err != nil {
			logger.Error("PID 1 initialization warning: %v", err)
		}
	} else {
		mode := "user"
		if systemMode {
			mode = "system"
		}
		logger.Notice("slunit %s starting in %s mode", version, mode)
		if err := shutdown.SetChildSubreaper(); err != nil {
			logger.Warn("Could not become child subreaper: %v", err)
		}
	}
	if cfg.Container {
		logger.Info("Running in a container")
	}

	loop := eventloop.New(logger)
	server := control.NewServer(loop, settings.ControlSocket, logger)
	server.Version = version
	server.System = systemMode

	loader := config.NewDirLoader(settings.UnitDirs, logger)
	logger.Info("Unit directories: %v", loader.UnitDirs())

	host := loop.Host()
	host.Logger = logger
	host.Bus = server
	host.Fragments = loader
	host.Emergency = &shutdown.EmergencyHandler{Loop: loop, Logger: logger}

	var mgr *unit.Manager

	cgroupBase := settings.CgroupRoot
	if !systemMode {
		cgroupBase = filepath.Join(cgroupBase, fmt.Sprintf("user-%d", os.Getuid()))
	}
	cgroups, err := cgroup.New(cgroup.DefaultRoot, cgroupBase)
	if err != nil {
		logger.Warn("Control groups unavailable: %v", err)
	} else {
		cgroups.OnEmpty = func(path string) { mgr.NotifyCgroupEmpty(path) }
		host.Cgroups = cgroups
	}

	if systemMode && !cfg.ReadOnlySys {
		host.Devices = udev.NewDatabase()
	}

	mgr = unit.NewManager(cfg, host)
	loop.Attach(mgr)

	if cgroups != nil {
		loop.AddSource(cgroups)
	}
	if host.Devices != nil {
		if mon, err := udev.NewMonitor(udev.GroupUdev); err != nil {
			logger.Warn("Cannot receive device events: %v", err)
		} else {
			loop.AddSource(&eventloop.UdevSource{
				Monitor: mon,
				OnEvent: mgr.DeviceEvent,
			})
		}
	}
	if mgr.SwapSupported() {
		loop.AddSource(&eventloop.ProcSwapsSource{
			Path:     cfg.ProcSwaps,
			OnChange: mgr.ProcessProcSwaps,
			OnError:  func(err error) { logger.Error("Failed to process %s: %v", cfg.ProcSwaps, err) },
		})
	}
	if settings.WatchUnitDirs {
		loop.AddSource(&eventloop.DirWatcher{
			Dirs: eventloop.ExistingDirs(loader.UnitDirs()),
			OnChange: func() {
				logger.Info("Unit directories changed, reloading")
				if err := mgr.Reload(); err != nil {
					logger.Error("Reload failed: %v", err)
				}
			},
		})
	}

	if err := mgr.Startup(openCheckpoint(checkpoint, logger)); err != nil {
		logger.Warn("Started without the previous state: %v", err)
	}
	if checkpoint != "" {
		os.Remove(checkpoint)
	}

	checkpointPath := settings.Checkpoint
	server.ShutdownFunc = loop.InitiateShutdown
	server.ReexecFunc = func(path string) error {
		if path == "" {
			path = checkpointPath
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return err
		}
		return shutdown.Reexec(mgr, path, logger)
	}

	ctx := context.Background()
	if err := os.MkdirAll(filepath.Dir(settings.ControlSocket), 0755); err != nil {
		logger.Error("Failed to create control socket directory: %v", err)
	}
	serving := true
	if err := server.Start(ctx); err != nil {
		// Non-fatal: continue without control socket
		logger.Error("Failed to start control socket: %v", err)
		serving = false
	}

	if err := loop.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("Event loop cancelled")
		} else {
			logger.Error("Event loop error: %v", err)
		}
	}
	if serving {
		server.Stop()
	}
	mgr.Shutdown()

	action := loop.ExitAction()
	if isPID1 {
		handlePID1Exit(action, cfg, logger)
		// handlePID1Exit does not return
	}

	logger.Info("slunit exiting (%s)", action)
}

// handlePID1Exit performs the system action once the loop has ended
// while running as PID 1. It does not return.
func handlePID1Exit(action unit.EmergencyAction, cfg unit.Config, logger *logging.Logger) {
	switch action {
	case unit.ActionExit, unit.ActionExitForce:
		if cfg.Container {
			logger.Notice("Exiting container")
			os.Exit(0)
		}
		logger.Notice("Exit requested as PID 1, halting")
		shutdown.Execute(unit.ActionNone, cfg.ProcSwaps, logger)

	case unit.ActionNone:
		logger.Error("Event loop ended without a shutdown request, rebooting")
		shutdown.Execute(unit.ActionReboot, cfg.ProcSwaps, logger)

	default:
		shutdown.Execute(action, cfg.ProcSwaps, logger)
	}
}

// applyUserDefaults points a user manager at per-user locations unless
// an explicit settings file was given.
func applyUserDefaults(s *config.Settings, explicit bool) {
	if explicit {
		return
	}
	s.UnitDirs = append([]string(nil), config.DefaultUserUnitDirs...)

	runtime := os.Getenv("XDG_RUNTIME_DIR")
	if runtime == "" {
		runtime = filepath.Join(os.TempDir(), fmt.Sprintf("slunit-%d", os.Getuid()))
	}
	s.ControlSocket = filepath.Join(runtime, "slunit", "private")
	s.Checkpoint = filepath.Join(runtime, "slunit", "checkpoint")
}

// openCheckpoint reads the whole checkpoint so the file can be removed
// before units start. A missing checkpoint is logged and ignored.
func openCheckpoint(path string, logger *logging.Logger) io.Reader {
	if path == "" {
		return nil
	}
	rc, err := unit.ReadCheckpoint(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Warn("Checkpoint %s does not exist", path)
		} else {
			logger.Error("Failed to open checkpoint %s: %v", path, err)
		}
		return nil
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		logger.Error("Failed to read checkpoint %s: %v", path, err)
		return nil
	}
	logger.Notice("Restoring state from %s", path)
	return bytes.NewReader(data)
}
