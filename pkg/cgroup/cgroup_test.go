package cgroup

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sunlightlinux/slunit/pkg/unit"
)

type nopTimer struct{ deadline time.Time }

func (t *nopTimer) SetDeadline(d time.Time) { t.deadline = d }
func (t *nopTimer) Deadline() time.Time     { return t.deadline }
func (t *nopTimer) Enabled() bool           { return false }
func (t *nopTimer) Disable()                {}

type nopTimers struct{}

func (nopTimers) AddTimer(d time.Time, _ func(time.Time)) unit.TimerSource {
	return &nopTimer{deadline: d}
}

func testScope(t *testing.T, name string) unit.Unit {
	t.Helper()
	m := unit.NewManager(unit.DefaultConfig(), unit.Host{Timers: nopTimers{}})
	s, err := m.NewTransientScope(name)
	require.NoError(t, err)
	return s
}

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := newBackend(t.TempDir(), "slunit")
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.watcher.Close() })
	return b
}

// fakeKernel writes the files the kernel would create in a new cgroup.
func fakeKernel(t *testing.T, dir, procs string, populated bool) {
	t.Helper()
	flag := "0"
	if populated {
		flag = "1"
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cgroup.procs"), []byte(procs), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cgroup.events"), []byte("populated "+flag+"\nfrozen 0\n"), 0o644))
}

func TestRealizeCreatesUnitDirectory(t *testing.T) {
	b := newTestBackend(t)
	u := testScope(t, "session-1.scope")

	path, err := b.Realize(u)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(b.Root, "slunit", "session-1.scope"), path)
	assert.Equal(t, path, b.Path(u))
	assert.DirExists(t, path)

	// Realizing twice is fine.
	again, err := b.Realize(u)
	require.NoError(t, err)
	assert.Equal(t, path, again)
}

func TestPidsAndIsEmpty(t *testing.T) {
	b := newTestBackend(t)
	u := testScope(t, "a.scope")

	empty, err := b.IsEmpty(u)
	require.NoError(t, err)
	assert.True(t, empty, "a missing cgroup is empty")

	path, err := b.Realize(u)
	require.NoError(t, err)
	fakeKernel(t, path, "12\n34\n\n", true)

	pids, err := b.Pids(u)
	require.NoError(t, err)
	assert.Equal(t, []int{12, 34}, pids)

	empty, err = b.IsEmpty(u)
	require.NoError(t, err)
	assert.False(t, empty)

	fakeKernel(t, path, "", false)
	empty, err = b.IsEmpty(u)
	require.NoError(t, err)
	assert.True(t, empty)
}

func TestAttachWritesProcs(t *testing.T) {
	b := newTestBackend(t)
	u := testScope(t, "a.scope")
	path, err := b.Realize(u)
	require.NoError(t, err)

	require.NoError(t, b.Attach(u, []int{42}))
	data, err := os.ReadFile(filepath.Join(path, "cgroup.procs"))
	require.NoError(t, err)
	assert.Equal(t, "42", string(data))
}

func TestKillUsesCgroupKill(t *testing.T) {
	b := newTestBackend(t)
	u := testScope(t, "a.scope")
	path, err := b.Realize(u)
	require.NoError(t, err)
	fakeKernel(t, path, "100\n101\n", true)

	n, err := b.Kill(u, syscall.SIGKILL)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	data, err := os.ReadFile(filepath.Join(path, "cgroup.kill"))
	require.NoError(t, err)
	assert.Equal(t, "1", string(data))
}

func TestKillEmptyCgroup(t *testing.T) {
	b := newTestBackend(t)
	u := testScope(t, "a.scope")

	n, err := b.Kill(u, syscall.SIGTERM)
	require.NoError(t, err)
	assert.Zero(t, n)

	path, err := b.Realize(u)
	require.NoError(t, err)
	fakeKernel(t, path, "", false)
	n, err = b.Kill(u, syscall.SIGTERM)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReleaseRemovesDirectory(t *testing.T) {
	b := newTestBackend(t)
	u := testScope(t, "a.scope")
	path, err := b.Realize(u)
	require.NoError(t, err)

	b.Release(u)
	assert.NoDirExists(t, path)
	assert.Empty(t, b.watching)
}

func TestReadPopulatedMissingKey(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cgroup.events"), []byte("frozen 0\n"), 0o644))
	_, err := readPopulated(dir)
	assert.Error(t, err)
}
