// Package eventloop runs the unit manager: it owns the manager
// goroutine, multiplexing signals, timers, child exits and the event
// sources (udev, /proc/swaps, cgroups, unit directories) onto it.
package eventloop

import (
	"os"
	"os/signal"
	"syscall"
)

// SetupSignals registers OS signal handlers and returns a channel
// that receives intercepted signals.
func SetupSignals() chan os.Signal {
	sigCh := make(chan os.Signal, 8)
	signal.Notify(sigCh,
		syscall.SIGTERM,
		syscall.SIGINT,
		syscall.SIGQUIT,
		syscall.SIGHUP,
		syscall.SIGUSR1,
	)
	return sigCh
}

// StopSignals removes all signal handlers.
func StopSignals(sigCh chan os.Signal) {
	signal.Stop(sigCh)
	close(sigCh)
}
