package eventloop

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sys/unix"
	"vawter.tech/stopper"

	"github.com/sunlightlinux/slunit/pkg/udev"
	"github.com/sunlightlinux/slunit/pkg/unit"
)

// pollInterval bounds how long a polling source waits before checking
// whether it should stop.
const pollInterval = 250 * time.Millisecond

// Source produces events on its own goroutine and hands them to the
// loop through post. Run returns when ctx stops.
type Source interface {
	Name() string
	Run(ctx *stopper.Context, post func(func())) error
}

// UdevSource feeds device events from a udev monitor.
type UdevSource struct {
	Monitor *udev.Monitor
	OnEvent func(unit.DeviceProperties)
}

func (s *UdevSource) Name() string { return "udev" }

func (s *UdevSource) Run(ctx *stopper.Context, post func(func())) error {
	ctx.Defer(func() { _ = s.Monitor.Close() })
	for !ctx.IsStopping() {
		d, err := s.Monitor.Receive(pollInterval)
		if err != nil {
			if ctx.IsStopping() {
				return nil
			}
			// Malformed messages are dropped; the socket stays usable.
			continue
		}
		if d == nil {
			continue
		}
		post(func() { s.OnEvent(d) })
	}
	return nil
}

// ProcSwapsSource waits for the kernel to flag /proc/swaps as changed.
type ProcSwapsSource struct {
	Path     string
	OnChange func() error
	// OnError receives errors from OnChange on the loop goroutine.
	OnError func(error)
}

func (s *ProcSwapsSource) Name() string { return "swaps" }

func (s *ProcSwapsSource) Run(ctx *stopper.Context, post func(func())) error {
	fd, err := unix.Open(s.Path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", s.Path, err)
	}
	ctx.Defer(func() { unix.Close(fd) })

	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLPRI}}
	for !ctx.IsStopping() {
		fds[0].Revents = 0
		n, err := unix.Poll(fds, int(pollInterval/time.Millisecond))
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("poll %s: %w", s.Path, err)
		}
		if n == 0 || fds[0].Revents&unix.POLLPRI == 0 {
			continue
		}
		post(func() {
			if err := s.OnChange(); err != nil && s.OnError != nil {
				s.OnError(err)
			}
		})
	}
	return nil
}

// DirWatcher calls OnChange once the fragment directories have been
// quiet for Debounce after a modification.
type DirWatcher struct {
	Dirs     []string
	Debounce time.Duration
	OnChange func()
}

func (w *DirWatcher) Name() string { return "unit-dirs" }

func (w *DirWatcher) Run(ctx *stopper.Context, post func(func())) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	ctx.Defer(func() { _ = watcher.Close() })

	watching := 0
	for _, dir := range w.Dirs {
		if err := watcher.Add(dir); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("watch %s: %w", dir, err)
		}
		watching++
	}
	if watching == 0 {
		return nil
	}

	debounce := w.Debounce
	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}
	var mu sync.Mutex
	var debouncer *time.Timer
	ctx.Defer(func() {
		mu.Lock()
		if debouncer != nil {
			debouncer.Stop()
		}
		mu.Unlock()
	})
	fire := func() {
		if !ctx.IsStopping() {
			post(w.OnChange)
		}
	}

	for !ctx.IsStopping() {
		select {
		case <-ctx.Stopping():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !relevantFragmentEvent(event) {
				continue
			}
			mu.Lock()
			if debouncer != nil {
				debouncer.Stop()
			}
			debouncer = time.AfterFunc(debounce, fire)
			mu.Unlock()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if err != nil && !ctx.IsStopping() {
				return fmt.Errorf("unit directory watcher: %w", err)
			}
		}
	}
	return nil
}

// relevantFragmentEvent filters out editor droppings and chmods.
func relevantFragmentEvent(ev fsnotify.Event) bool {
	if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Write) {
		return false
	}
	base := filepath.Base(ev.Name)
	if base == "" || base[0] == '.' || base[len(base)-1] == '~' {
		return false
	}
	if filepath.Ext(base) == ".swp" {
		return false
	}
	if unit.IsValidName(base) {
		return true
	}
	// Drop-in directories.
	return filepath.Ext(base) == ".d" || filepath.Ext(filepath.Dir(ev.Name)) == ".d"
}

// dirExists reports whether path is a directory.
func dirExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.IsDir()
}

// ExistingDirs returns the entries of dirs that exist.
func ExistingDirs(dirs []string) []string {
	var out []string
	for _, d := range dirs {
		if dirExists(d) {
			out = append(out, d)
		}
	}
	return out
}
