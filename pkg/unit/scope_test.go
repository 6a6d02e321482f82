package unit

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCgroups keeps one cgroup per unit under a fake root.
type fakeCgroups struct {
	attached map[string][]int
	members  map[string][]int
	killed   []syscall.Signal
	killErr  error
}

func newFakeCgroups() *fakeCgroups {
	return &fakeCgroups{attached: map[string][]int{}, members: map[string][]int{}}
}

func (c *fakeCgroups) Realize(u Unit) (string, error) { return c.Path(u), nil }
func (c *fakeCgroups) Path(u Unit) string             { return "/sys/fs/cgroup/slunit/" + u.Name() }

func (c *fakeCgroups) Attach(u Unit, pids []int) error {
	c.attached[u.Name()] = append(c.attached[u.Name()], pids...)
	c.members[u.Name()] = append(c.members[u.Name()], pids...)
	return nil
}

func (c *fakeCgroups) Pids(u Unit) ([]int, error) { return c.members[u.Name()], nil }

func (c *fakeCgroups) IsEmpty(u Unit) (bool, error) { return len(c.members[u.Name()]) == 0, nil }

func (c *fakeCgroups) Kill(u Unit, sig syscall.Signal) (int, error) {
	c.killed = append(c.killed, sig)
	if c.killErr != nil {
		return 0, c.killErr
	}
	return len(c.members[u.Name()]), nil
}

func (c *fakeCgroups) Release(u Unit) { delete(c.members, u.Name()) }

type fakeBus struct {
	tracked map[string]string
	stopped []string
	honor   bool
}

func (b *fakeBus) Track(u Unit, peer string) error { b.tracked[u.Name()] = peer; return nil }
func (b *fakeBus) Untrack(u Unit)                  { delete(b.tracked, u.Name()) }

func (b *fakeBus) RequestStop(u Unit, peer string) bool {
	b.stopped = append(b.stopped, peer)
	return b.honor
}

func newRunningScope(t *testing.T, env *testEnv, name string) *Scope {
	t.Helper()
	s, err := env.m.NewTransientScope(name)
	require.NoError(t, err)
	require.NoError(t, s.AddPID(os.Getpid()))
	j, err := env.m.AddJob(JobStart, s)
	require.NoError(t, err)
	env.m.DispatchQueues()
	require.True(t, j.Finished())
	require.Equal(t, JobDone, j.Result)
	require.Equal(t, ScopeRunning, s.State())
	return s
}

func TestScopeStateTableTotal(t *testing.T) {
	for s := ScopeState(0); s < scopeStateMax; s++ {
		back, ok := ParseScopeState(s.String())
		assert.True(t, ok)
		assert.Equal(t, s, back)
	}
	assert.Equal(t, ActiveActive, scopeStateTable[ScopeAbandoned])
	assert.Equal(t, ActiveActivating, scopeStateTable[ScopeStartChown])
	for r := ScopeResult(0); r < scopeResultMax; r++ {
		back, ok := ParseScopeResult(r.String())
		assert.True(t, ok)
		assert.Equal(t, r, back)
	}
}

func TestScopeResultLatch(t *testing.T) {
	env := newTestEnv(t)
	s := newRunningScope(t, env, "session-1.scope")

	s.latch(ScopeFailureResources)
	s.latch(ScopeFailureTimeout)
	s.latch(ScopeSuccess)
	assert.Equal(t, ScopeFailureResources, s.Result())
}

func TestScopeStopEscalation(t *testing.T) {
	env := newTestEnv(t)
	s := newRunningScope(t, env, "session-1.scope")
	self := os.Getpid()
	require.True(t, env.pids.watched[self])

	require.NoError(t, s.Stop())
	require.Equal(t, ScopeStopSigterm, s.State())
	assert.Equal(t, testEpoch.Add(90*time.Second), s.TimerDeadline())

	env.timers.fire(s.timer)
	require.Equal(t, ScopeStopSigkill, s.State())
	assert.Equal(t, ScopeFailureTimeout, s.Result())

	env.timers.fire(s.timer)
	assert.Equal(t, ScopeFailed, s.State())
	assert.Equal(t, ScopeFailureTimeout, s.Result())
	assert.Empty(t, s.Pids())
	assert.False(t, env.pids.watched[self])

	assert.Equal(t, []signalRecord{
		{self, syscall.SIGTERM},
		{self, syscall.SIGKILL},
	}, env.spawner.signals)
}

func TestScopeStopsWhenProcessesExit(t *testing.T) {
	env := newTestEnv(t)
	s := newRunningScope(t, env, "session-1.scope")

	require.NoError(t, s.Stop())
	require.Equal(t, ScopeStopSigterm, s.State())

	env.m.ChildExited(os.Getpid(), exitClean)
	env.m.DispatchQueues()

	assert.Equal(t, ScopeDead, s.State())
	assert.Equal(t, ScopeSuccess, s.Result())
	assert.True(t, s.TimerDeadline().IsZero())
	// Dead transient scopes are collected.
	assert.Nil(t, env.m.Unit("session-1.scope"))
}

func TestScopeWithoutPIDsNotLoaded(t *testing.T) {
	env := newTestEnv(t)
	s, err := env.m.NewTransientScope("session-1.scope")
	require.NoError(t, err)
	env.m.DispatchLoadQueue()

	assert.Equal(t, LoadNotFound, s.LoadState())
	assert.ErrorIs(t, s.LoadErr(), ErrNotFound)
}

func TestScopeRequiresTransient(t *testing.T) {
	env := newTestEnv(t)
	u, err := env.m.LoadUnit("ondisk.scope")
	require.NoError(t, err)
	env.m.DispatchLoadQueue()
	assert.Equal(t, LoadNotFound, u.Record().LoadState())

	_, err = env.m.NewTransientScope("ondisk.scope")
	assert.ErrorIs(t, err, ErrStale)

	_, err = env.m.NewTransientScope("foo.target")
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestScopeAbandon(t *testing.T) {
	env := newTestEnv(t)
	s := newRunningScope(t, env, "session-1.scope")

	require.NoError(t, s.Abandon())
	assert.Equal(t, ScopeAbandoned, s.State())
	assert.True(t, s.WasAbandoned())
	require.NoError(t, s.Abandon())

	require.NoError(t, s.Stop())
	assert.Equal(t, ScopeStopSigterm, s.State())
	assert.ErrorIs(t, s.Abandon(), ErrStale)
}

func TestScopeControllerAskedFirst(t *testing.T) {
	env := newTestEnv(t)
	bus := &fakeBus{tracked: map[string]string{}, honor: true}
	env.m.bus = bus

	s, err := env.m.NewTransientScope("session-1.scope")
	require.NoError(t, err)
	require.NoError(t, s.AddPID(os.Getpid()))
	s.SetController(":1.42")
	env.m.DispatchLoadQueue()
	require.NoError(t, s.Start())
	assert.Equal(t, ":1.42", bus.tracked["session-1.scope"])

	require.NoError(t, s.Stop())
	assert.Equal(t, ScopeStopSigterm, s.State())
	assert.Equal(t, []string{":1.42"}, bus.stopped)
	assert.Empty(t, env.spawner.signals)
}

func TestScopeDelegateChown(t *testing.T) {
	env := newTestEnv(t)
	cg := newFakeCgroups()
	env.m.cgroups = cg

	s, err := env.m.NewTransientScope("user-1000.scope")
	require.NoError(t, err)
	require.NoError(t, s.AddPID(os.Getpid()))
	s.SetDelegate("alice", "users")
	env.m.DispatchLoadQueue()

	require.NoError(t, s.Start())
	require.Equal(t, ScopeStartChown, s.State())
	path := cg.Path(s)
	assert.Equal(t, path, s.CgroupPath())
	require.Len(t, env.spawner.spawned, 1)
	assert.Equal(t, []string{
		"chown", "alice:users", path,
		path + "/cgroup.procs", path + "/cgroup.subtree_control", path + "/cgroup.threads",
	}, env.spawner.spawned[0])

	env.m.ChildExited(env.spawner.nextPID, exitClean)
	assert.Equal(t, ScopeRunning, s.State())
	assert.Equal(t, []int{os.Getpid()}, cg.attached["user-1000.scope"])

	// The cgroup backend reports the scope empty.
	delete(cg.members, "user-1000.scope")
	env.m.NotifyCgroupEmpty(path)
	assert.Equal(t, ScopeDead, s.State())
}

func TestScopeDelegateChownFails(t *testing.T) {
	env := newTestEnv(t)
	env.m.cgroups = newFakeCgroups()

	s, err := env.m.NewTransientScope("user-1000.scope")
	require.NoError(t, err)
	require.NoError(t, s.AddPID(os.Getpid()))
	s.SetDelegate("alice", "")
	env.m.DispatchLoadQueue()

	require.NoError(t, s.Start())
	assert.Equal(t, "alice", env.spawner.spawned[0][1])
	env.m.ChildExited(env.spawner.nextPID, exitFailed)

	assert.Equal(t, ScopeFailed, s.State())
	assert.Equal(t, ScopeFailureResources, s.Result())
	assert.ErrorIs(t, s.Start(), ErrPerm)

	s.ResetFailed()
	assert.Equal(t, ScopeDead, s.State())
	assert.Equal(t, ScopeSuccess, s.Result())
}

func TestScopeCgroupKill(t *testing.T) {
	env := newTestEnv(t)
	cg := newFakeCgroups()
	env.m.cgroups = cg
	s := newRunningScope(t, env, "session-1.scope")

	require.NoError(t, s.Stop())
	assert.Equal(t, ScopeStopSigterm, s.State())
	assert.Equal(t, []syscall.Signal{syscall.SIGTERM}, cg.killed)
	assert.Empty(t, env.spawner.signals)

	require.NoError(t, s.Kill(KillWhoAll, syscall.SIGUSR1))
	assert.ErrorIs(t, s.Kill(KillWhoControl, syscall.SIGUSR1), ErrUnsupported)
	assert.ErrorIs(t, s.Kill(KillWhoMain, syscall.SIGUSR1), ErrUnsupported)
}

func TestScopeCgroupKillFailureEscalates(t *testing.T) {
	env := newTestEnv(t)
	cg := newFakeCgroups()
	cg.killErr = syscall.EACCES
	env.m.cgroups = cg
	s := newRunningScope(t, env, "session-1.scope")

	require.NoError(t, s.Stop())
	assert.Equal(t, []syscall.Signal{syscall.SIGTERM, syscall.SIGKILL}, cg.killed)
	assert.Equal(t, ScopeDead, s.State())
	assert.Equal(t, ScopeSuccess, s.Result())
}

func TestScopeKillWithoutCgroup(t *testing.T) {
	env := newTestEnv(t)
	s := newRunningScope(t, env, "session-1.scope")

	require.NoError(t, s.Kill(KillWhoAll, syscall.SIGHUP))
	assert.Equal(t, []signalRecord{{os.Getpid(), syscall.SIGHUP}}, env.spawner.signals)
}

func TestInitScope(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.m.Startup(nil))

	s, ok := env.m.Unit(InitScope).(*Scope)
	require.True(t, ok)
	assert.Equal(t, ScopeRunning, s.State())
	assert.True(t, s.Perpetual())
	assert.Equal(t, "System and Service Manager", s.Description())

	assert.ErrorIs(t, s.Start(), ErrPerm)
	assert.ErrorIs(t, s.Abandon(), ErrPerm)
	_, err := env.m.AddJob(JobStop, s)
	assert.ErrorIs(t, err, ErrPerm)

	s.NotifyCgroupEmpty()
	assert.Equal(t, ScopeRunning, s.State())
}

func TestScopeCheckpointRoundTrip(t *testing.T) {
	src := newTestEnv(t)
	s := newRunningScope(t, src, "session-1.scope")
	s.SetController(":1.7")
	s.SetDescription("Session 1")

	var buf bytes.Buffer
	require.NoError(t, src.m.Serialize(&buf))
	out := buf.String()
	assert.Contains(t, out, "transient=yes\n")
	assert.Contains(t, out, "description=Session 1\n")
	assert.Contains(t, out, fmt.Sprintf("pid=%d\n", os.Getpid()))

	dst := newTestEnv(t)
	bus := &fakeBus{tracked: map[string]string{}}
	dst.m.bus = bus
	require.NoError(t, dst.m.Startup(&buf))

	r, ok := dst.m.Unit("session-1.scope").(*Scope)
	require.True(t, ok)
	assert.Equal(t, ScopeRunning, r.State())
	assert.True(t, r.Transient())
	assert.Equal(t, "Session 1", r.Description())
	assert.Equal(t, []int{os.Getpid()}, r.Pids())
	assert.Equal(t, ":1.7", r.Controller())
	assert.Equal(t, ":1.7", bus.tracked["session-1.scope"])
}

func TestScopeCheckpointDeadPID(t *testing.T) {
	checkpoint := strings.Join([]string{
		"next-job-id=4",
		"",
		"session-2.scope",
		"transient=yes",
		"state=running",
		"result=success",
		fmt.Sprintf("pid=%d", deadPID),
		"",
		"session-3.scope",
		"transient=yes",
		"state=failed",
		"result=resources",
		"",
	}, "\n")

	env := newTestEnv(t)
	require.NoError(t, env.m.Startup(strings.NewReader(checkpoint)))

	// The only process is gone, so the scope stopped and was collected.
	assert.Nil(t, env.m.Unit("session-2.scope"))

	failed, ok := env.m.Unit("session-3.scope").(*Scope)
	require.True(t, ok)
	assert.Equal(t, ScopeFailed, failed.State())
	assert.Equal(t, ScopeFailureResources, failed.Result())
	assert.Equal(t, uint32(4), env.m.nextJobID)
}
