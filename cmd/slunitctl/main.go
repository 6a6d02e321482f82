// slunitctl is the control CLI for the slunit service manager.
// It communicates with a running slunit instance via a Unix domain socket.
package main

//go:generate go tool go-md2man -in ../../doc/slunitctl.8.md -out ../../doc/slunitctl.8

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/sunlightlinux/slunit/pkg/control"
)

const (
	version             = "0.1.0"
	defaultSystemSocket = "/run/slunit/private"
)

var (
	socketPath  string
	userMode    bool
	noColor     bool
	dialTimeout time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "slunitctl",
	Short: "Control the slunit service manager",
	Long: `slunitctl talks to a running slunit instance over its control socket.
It lists and inspects units, queues start and stop jobs, manages scopes
and asks the manager to reload, re-execute or shut down.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if noColor {
			color.NoColor = true
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&socketPath, "socket-path", "s", "", "control socket path")
	rootCmd.PersistentFlags().BoolVar(&userMode, "user", false, "talk to the user manager of the caller")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().DurationVar(&dialTimeout, "timeout", 5*time.Second, "connection timeout")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "slunitctl: %s\n", describeError(err))
		os.Exit(1)
	}
}

// resolveSocketPath picks the socket of the system manager for root and
// the per-user one otherwise, unless a path was given.
func resolveSocketPath() string {
	if socketPath != "" {
		return socketPath
	}
	if !userMode && os.Getuid() == 0 {
		return defaultSystemSocket
	}
	runtime := os.Getenv("XDG_RUNTIME_DIR")
	if runtime == "" {
		runtime = filepath.Join(os.TempDir(), fmt.Sprintf("slunit-%d", os.Getuid()))
	}
	return filepath.Join(runtime, "slunit", "private")
}

// withClient connects to the manager for the duration of fn.
func withClient(fn func(c *control.Client) error) error {
	path := resolveSocketPath()
	c, err := control.Dial(path, dialTimeout)
	if err != nil {
		return fmt.Errorf("failed to connect to slunit at %s: %w", path, err)
	}
	defer c.Close()
	return fn(c)
}
