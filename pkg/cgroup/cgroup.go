// Package cgroup implements the unified (v2) control group backend
// units place their processes in.
package cgroup

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sys/unix"
	"vawter.tech/stopper"

	"github.com/sunlightlinux/slunit/pkg/unit"
)

// DefaultRoot is where the unified hierarchy is mounted.
const DefaultRoot = "/sys/fs/cgroup"

// ErrNotUnified is returned when the mount point is not cgroup2.
var ErrNotUnified = errors.New("cgroup: unified hierarchy not mounted")

// Backend places units in cgroups below Root/Base, one directory per
// unit named after it.
type Backend struct {
	Root string
	Base string

	// OnEmpty is called on the loop goroutine, through the post
	// function given to Run, when a watched cgroup loses its last
	// process.
	OnEmpty func(path string)

	watcher *fsnotify.Watcher

	mu       sync.Mutex
	watching map[string]bool
}

// New checks that root is a cgroup2 mount and returns a backend
// creating unit cgroups below root/base.
func New(root, base string) (*Backend, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(root, &st); err != nil {
		return nil, fmt.Errorf("cgroup: statfs %s: %w", root, err)
	}
	if st.Type != unix.CGROUP2_SUPER_MAGIC {
		return nil, ErrNotUnified
	}
	return newBackend(root, base)
}

func newBackend(root, base string) (*Backend, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("cgroup: %w", err)
	}
	return &Backend{Root: root, Base: base, watcher: w, watching: make(map[string]bool)}, nil
}

// Path returns the cgroup directory of u.
func (b *Backend) Path(u unit.Unit) string {
	return filepath.Join(b.Root, b.Base, u.Name())
}

// Realize creates the cgroup of u and starts watching it for becoming
// empty.
func (b *Backend) Realize(u unit.Unit) (string, error) {
	path := b.Path(u)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", fmt.Errorf("cgroup: create %s: %w", path, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.watching[path] {
		events := filepath.Join(path, "cgroup.events")
		if err := b.watcher.Add(events); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("cgroup: watch %s: %w", events, err)
		}
		b.watching[path] = true
	}
	return path, nil
}

// Attach moves pids into the cgroup of u.
func (b *Backend) Attach(u unit.Unit, pids []int) error {
	procs := filepath.Join(b.Path(u), "cgroup.procs")
	for _, pid := range pids {
		if err := os.WriteFile(procs, []byte(strconv.Itoa(pid)), 0o644); err != nil {
			return fmt.Errorf("cgroup: attach %d to %s: %w", pid, u.Name(), err)
		}
	}
	return nil
}

// Pids lists the processes in the cgroup of u.
func (b *Backend) Pids(u unit.Unit) ([]int, error) {
	return readPids(filepath.Join(b.Path(u), "cgroup.procs"))
}

// IsEmpty reports whether the cgroup of u and its children hold no
// process.
func (b *Backend) IsEmpty(u unit.Unit) (bool, error) {
	populated, err := readPopulated(b.Path(u))
	if errors.Is(err, fs.ErrNotExist) {
		return true, nil
	}
	return !populated, err
}

// Kill signals every process in the cgroup of u and returns the
// number signalled. SIGKILL goes through cgroup.kill when the kernel
// has it.
func (b *Backend) Kill(u unit.Unit, sig syscall.Signal) (int, error) {
	path := b.Path(u)
	pids, err := readPids(filepath.Join(path, "cgroup.procs"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	if len(pids) == 0 {
		return 0, nil
	}
	if sig == syscall.SIGKILL {
		if err := os.WriteFile(filepath.Join(path, "cgroup.kill"), []byte("1"), 0o644); err == nil {
			return len(pids), nil
		}
	}
	n := 0
	var firstErr error
	for _, pid := range pids {
		if err := unix.Kill(pid, sig); err != nil {
			if !errors.Is(err, unix.ESRCH) && firstErr == nil {
				firstErr = err
			}
			continue
		}
		n++
	}
	return n, firstErr
}

// Release stops watching the cgroup of u and removes it if empty.
func (b *Backend) Release(u unit.Unit) {
	path := b.Path(u)
	b.mu.Lock()
	if b.watching[path] {
		_ = b.watcher.Remove(filepath.Join(path, "cgroup.events"))
		delete(b.watching, path)
	}
	b.mu.Unlock()
	_ = os.Remove(path)
}

// Name identifies the backend as an event source.
func (b *Backend) Name() string { return "cgroup" }

// Run forwards empty notifications until ctx stops.
func (b *Backend) Run(ctx *stopper.Context, post func(func())) error {
	ctx.Defer(func() { _ = b.watcher.Close() })
	for {
		select {
		case <-ctx.Stopping():
			return nil
		case ev, ok := <-b.watcher.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) {
				continue
			}
			path := filepath.Dir(ev.Name)
			if populated, err := readPopulated(path); err == nil && !populated && b.OnEmpty != nil {
				post(func() { b.OnEmpty(path) })
			}
		case err, ok := <-b.watcher.Errors:
			if !ok {
				return nil
			}
			if err != nil && !ctx.IsStopping() {
				return fmt.Errorf("cgroup: watcher: %w", err)
			}
		}
	}
}

func readPids(path string) ([]int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var pids []int
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		pid, err := strconv.Atoi(strings.TrimSpace(sc.Text()))
		if err != nil || pid <= 0 {
			continue
		}
		pids = append(pids, pid)
	}
	return pids, sc.Err()
}

// readPopulated reads the populated flag of cgroup.events in dir.
func readPopulated(dir string) (bool, error) {
	data, err := os.ReadFile(filepath.Join(dir, "cgroup.events"))
	if err != nil {
		return false, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		if v, ok := strings.CutPrefix(line, "populated "); ok {
			return strings.TrimSpace(v) == "1", nil
		}
	}
	return false, fmt.Errorf("cgroup: no populated key in %s/cgroup.events", dir)
}
