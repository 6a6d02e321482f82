package eventloop

import (
	"context"
	"errors"
	"os"
	"syscall"
	"time"

	"vawter.tech/stopper"

	"github.com/sunlightlinux/slunit/pkg/logging"
	"github.com/sunlightlinux/slunit/pkg/process"
	"github.com/sunlightlinux/slunit/pkg/unit"
)

// Default emergency shutdown timeout.
const defaultEmergencyTimeout = 90 * time.Second

// sourceGrace is how long event sources get to return once the loop
// stops.
const sourceGrace = 500 * time.Millisecond

// ErrStopped is returned by Post once the loop has exited.
var ErrStopped = errors.New("event loop stopped")

// EventLoop is the central event coordinator. The unit manager is only
// ever touched from the goroutine running Run; everything else hands
// work over through Post.
type EventLoop struct {
	mgr     *unit.Manager
	logger  *logging.Logger
	timers  TimerQueue
	sources []Source

	posts chan func()
	exits chan process.ChildExit
	done  chan struct{}

	// Loop-goroutine only.
	children map[int]struct{}
	watched  map[int]chan struct{}

	// Set to true when shutdown is initiated
	shutdownInitiated bool

	// The action to take once every unit has stopped
	exitAction unit.EmergencyAction

	// Forces Run to return without waiting for units
	forceExitCh chan struct{}

	// EmergencyTimeout bounds how long a shutdown waits for units to
	// stop. Zero means the default.
	EmergencyTimeout time.Duration

	// Callback for when all units have stopped
	OnAllStopped func()
}

// New creates an EventLoop. The loop serves as the TimerFactory,
// Spawner and PIDWatcher of the manager attached with Attach.
func New(logger *logging.Logger) *EventLoop {
	return &EventLoop{
		logger:      logger,
		posts:       make(chan func(), 64),
		exits:       make(chan process.ChildExit, 64),
		done:        make(chan struct{}),
		children:    make(map[int]struct{}),
		watched:     make(map[int]chan struct{}),
		forceExitCh: make(chan struct{}, 1),
	}
}

// Host returns the collaborators the loop provides to a manager.
func (el *EventLoop) Host() unit.Host {
	return unit.Host{
		Timers:  &el.timers,
		Spawner: el,
		PIDs:    el,
	}
}

// Attach sets the manager the loop drives.
func (el *EventLoop) Attach(m *unit.Manager) { el.mgr = m }

// Manager returns the attached manager.
func (el *EventLoop) Manager() *unit.Manager { return el.mgr }

// AddSource registers an event source started by Run.
func (el *EventLoop) AddSource(s Source) { el.sources = append(el.sources, s) }

// ExitAction returns the action requested by the shutdown that ended
// Run, or ActionNone.
func (el *EventLoop) ExitAction() unit.EmergencyAction { return el.exitAction }

// Post queues fn to run on the loop goroutine. It is safe for
// concurrent use.
func (el *EventLoop) Post(fn func()) error {
	select {
	case <-el.done:
		return ErrStopped
	default:
	}
	select {
	case el.posts <- fn:
		return nil
	case <-el.done:
		return ErrStopped
	}
}

// Call runs fn on the loop goroutine and waits for it.
func (el *EventLoop) Call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if err := el.Post(func() { fn(); close(finished) }); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-el.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run starts the event loop. It blocks until the context is cancelled,
// a shutdown request finds every unit stopped, or an emergency timeout
// forces exit.
func (el *EventLoop) Run(ctx context.Context) error {
	if el.mgr == nil {
		return errors.New("eventloop: no manager attached")
	}
	defer close(el.done)

	sigCh := SetupSignals()
	defer StopSignals(sigCh)

	sctx := stopper.WithContext(ctx)
	for _, src := range el.sources {
		sctx.Go(func(sctx *stopper.Context) error {
			if err := src.Run(sctx, el.post); err != nil && !sctx.IsStopping() {
				el.logger.Error("Event source %s failed: %v", src.Name(), err)
			}
			return nil
		})
	}
	defer func() {
		sctx.Stop(sourceGrace)
		_ = sctx.Wait()
	}()

	el.logger.Info("slunit event loop started (PID %d)", os.Getpid())

	wake := time.NewTimer(time.Hour)
	wake.Stop()
	defer wake.Stop()

	el.mgr.DispatchQueues()
	for {
		el.armWake(wake)

		select {
		case <-ctx.Done():
			el.logger.Info("Context cancelled, shutting down")
			return ctx.Err()

		case <-el.forceExitCh:
			el.logger.Warn("Forcing exit (%s)", el.exitAction)
			return nil

		case sig := <-sigCh:
			el.handleSignal(sig)

		case fn := <-el.posts:
			fn()

		case ex := <-el.exits:
			el.childExited(ex)

		case <-wake.C:
			el.timers.Fire(time.Now())
		}

		el.mgr.DispatchQueues()

		if el.shutdownInitiated && el.allStopped() {
			el.logger.Info("All units stopped, exiting")
			if el.OnAllStopped != nil {
				el.OnAllStopped()
			}
			return nil
		}
	}
}

// post hands a closure from an event source to the loop, dropping it
// once the loop is gone.
func (el *EventLoop) post(fn func()) { _ = el.Post(fn) }

// armWake points wake at the earliest timer deadline.
func (el *EventLoop) armWake(wake *time.Timer) {
	wake.Stop()
	select {
	case <-wake.C:
	default:
	}
	if next, ok := el.timers.Next(); ok {
		wake.Reset(time.Until(next))
	}
}

// allStopped reports whether every unit that can stop has, and no job
// is left.
func (el *EventLoop) allStopped() bool {
	if len(el.mgr.Jobs()) > 0 {
		return false
	}
	for _, u := range el.mgr.Units() {
		if u.Record().Perpetual() {
			continue
		}
		if !u.ActiveState().IsInactiveOrFailed() {
			return false
		}
	}
	return true
}

// handleSignal processes an OS signal.
func (el *EventLoop) handleSignal(sig os.Signal) {
	sysSignal, ok := sig.(syscall.Signal)
	if !ok {
		return
	}

	switch sysSignal {
	case syscall.SIGTERM:
		el.logger.Notice("Received SIGTERM, initiating shutdown")
		el.InitiateShutdown(unit.ActionExit)

	case syscall.SIGINT:
		if os.Getpid() == 1 {
			// PID 1: SIGINT means reboot (Ctrl+Alt+Del)
			el.logger.Notice("Received SIGINT (PID 1), initiating reboot")
			el.InitiateShutdown(unit.ActionReboot)
		} else {
			el.logger.Notice("Received SIGINT, initiating shutdown")
			el.InitiateShutdown(unit.ActionExit)
		}

	case syscall.SIGQUIT:
		el.logger.Notice("Received SIGQUIT, initiating poweroff")
		el.InitiateShutdown(unit.ActionPoweroff)

	case syscall.SIGHUP:
		el.logger.Notice("Received SIGHUP, reloading")
		if err := el.mgr.Reload(); err != nil {
			el.logger.Error("Reload failed: %v", err)
		}

	case syscall.SIGUSR1:
		el.DumpUnits()
	}
}

// DumpUnits writes the unit table to the log.
func (el *EventLoop) DumpUnits() {
	for _, u := range el.mgr.Units() {
		r := u.Record()
		job := "-"
		if j := r.Job(); j != nil {
			job = j.Type.String() + "/" + j.State.String()
		}
		el.logger.Info("%-40s %-8s %-12s %-12s %s", u.Name(), r.LoadState(), u.ActiveState(), u.SubState(), job)
	}
}

// InitiateShutdown stops every unit and arranges for Run to return
// with action once they are down. It must run on the loop goroutine.
func (el *EventLoop) InitiateShutdown(action unit.EmergencyAction) {
	if el.shutdownInitiated {
		return
	}
	el.shutdownInitiated = true
	el.exitAction = action
	el.mgr.StopAll()

	timeout := el.EmergencyTimeout
	if timeout <= 0 {
		timeout = defaultEmergencyTimeout
	}
	// Start emergency timeout goroutine
	go func() {
		select {
		case <-time.After(timeout):
		case <-el.done:
			return
		}
		el.logger.Error("Units did not stop within %v, forcing shutdown", timeout)
		select {
		case el.forceExitCh <- struct{}{}:
		default:
		}
	}()
}

// ForceExit makes Run return with action without stopping any unit.
// It must run on the loop goroutine.
func (el *EventLoop) ForceExit(action unit.EmergencyAction) {
	el.shutdownInitiated = true
	el.exitAction = action
	select {
	case el.forceExitCh <- struct{}{}:
	default:
	}
}
