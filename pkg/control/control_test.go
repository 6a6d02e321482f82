package control

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sunlightlinux/slunit/pkg/config"
	"github.com/sunlightlinux/slunit/pkg/eventloop"
	"github.com/sunlightlinux/slunit/pkg/logging"
	"github.com/sunlightlinux/slunit/pkg/unit"
)

type testEnv struct {
	loop     *eventloop.EventLoop
	server   *Server
	sockPath string
	unitDir  string
}

// setupTestServer runs a manager on a real event loop with a control
// server in front of it. Fragments are read from unitDir.
func setupTestServer(t *testing.T, configure ...func(*Server)) *testEnv {
	t.Helper()
	dir := t.TempDir()
	procSwaps := filepath.Join(dir, "swaps")
	require.NoError(t, os.WriteFile(procSwaps, []byte("Filename\tType\tSize\tUsed\tPriority\n"), 0o644))
	unitDir := filepath.Join(dir, "units")
	require.NoError(t, os.Mkdir(unitDir, 0o755))

	logger := logging.NewWithWriter(logging.LevelError, io.Discard)
	el := eventloop.New(logger)
	server := NewServer(el, filepath.Join(dir, "test.socket"), logger)
	server.Version = "test"
	for _, fn := range configure {
		fn(server)
	}

	host := el.Host()
	host.Bus = server
	host.Fragments = config.NewDirLoader([]string{unitDir}, nil)
	cfg := unit.DefaultConfig()
	cfg.ProcSwaps = procSwaps
	m := unit.NewManager(cfg, host)
	el.Attach(m)
	require.NoError(t, m.Startup(nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = el.Run(ctx)
	}()
	require.NoError(t, server.Start(ctx))

	t.Cleanup(func() {
		_ = server.Stop()
		cancel()
		<-done
	})
	return &testEnv{loop: el, server: server, sockPath: server.SocketPath(), unitDir: unitDir}
}

func (e *testEnv) writeUnit(t *testing.T, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(e.unitDir, name), []byte(content), 0o644))
}

func (e *testEnv) dial(t *testing.T) *Client {
	t.Helper()
	c, err := Dial(e.sockPath, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func requireNAK(t *testing.T, err error, code string) {
	t.Helper()
	var nak *ErrorReply
	require.ErrorAs(t, err, &nak)
	assert.Equal(t, code, nak.Code, nak.Message)
}

func TestQueryVersion(t *testing.T) {
	env := setupTestServer(t)
	a, b := env.dial(t), env.dial(t)

	va, err := a.Version()
	require.NoError(t, err)
	assert.Equal(t, ProtocolVersion, va.Protocol)
	assert.Equal(t, "test", va.Version)
	assert.True(t, strings.HasPrefix(va.Peer, ":"))

	vb, err := b.Version()
	require.NoError(t, err)
	assert.NotEqual(t, va.Peer, vb.Peer)
}

func TestBadRequest(t *testing.T) {
	env := setupTestServer(t)
	c := env.dial(t)

	require.NoError(t, WritePacket(c.conn, 42, nil))
	kind, _, err := ReadPacket(c.conn)
	require.NoError(t, err)
	assert.Equal(t, RplyBadReq, kind)

	require.NoError(t, WritePacket(c.conn, CmdUnitStatus, []byte{0xff}))
	kind, _, err = ReadPacket(c.conn)
	require.NoError(t, err)
	assert.Equal(t, RplyBadReq, kind)
}

func TestListAndStatus(t *testing.T) {
	env := setupTestServer(t)
	c := env.dial(t)

	units, err := c.ListUnits()
	require.NoError(t, err)
	var names []string
	for _, u := range units {
		names = append(names, u.Name)
	}
	assert.Contains(t, names, unit.InitScope)

	st, err := c.Status(unit.InitScope)
	require.NoError(t, err)
	assert.Equal(t, "scope", st.Type)
	assert.Equal(t, "active", st.Active)
	assert.Equal(t, "running", st.Sub)
	assert.True(t, st.Perpetual)

	st, err = c.Status("missing.target")
	require.NoError(t, err)
	assert.Equal(t, "not-found", st.Load)
	assert.Equal(t, "inactive", st.Active)

	_, err = c.Status("not a unit")
	requireNAK(t, err, ErrCodeInvalid)
}

func TestStartStopTarget(t *testing.T) {
	env := setupTestServer(t)
	env.writeUnit(t, "a.target", "[Unit]\nDescription=Target A\n")
	c := env.dial(t)

	rep, err := c.Job(CmdStartUnit, "a.target", true)
	require.NoError(t, err)
	assert.Equal(t, "a.target", rep.Unit)
	assert.Equal(t, "start", rep.Type)
	assert.Equal(t, "done", rep.Result)

	st, err := c.Status("a.target")
	require.NoError(t, err)
	assert.Equal(t, "active", st.Active)
	assert.Equal(t, "Target A", st.Description)

	rep, err = c.Job(CmdStopUnit, "a.target", true)
	require.NoError(t, err)
	assert.Equal(t, "done", rep.Result)

	st, err = c.Status("a.target")
	require.NoError(t, err)
	assert.Equal(t, "inactive", st.Active)
}

func TestJobErrors(t *testing.T) {
	env := setupTestServer(t)
	c := env.dial(t)

	_, err := c.Job(CmdStopUnit, unit.InitScope, false)
	requireNAK(t, err, ErrCodePerm)

	_, err = c.Job(CmdStartUnit, "missing.target", false)
	requireNAK(t, err, ErrCodeNotFound)

	requireNAK(t, c.CancelJob(12345), ErrCodeNotFound)

	jobs, err := c.ListJobs()
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestKillAndAbandonErrors(t *testing.T) {
	env := setupTestServer(t)
	env.writeUnit(t, "a.target", "[Unit]\n")
	c := env.dial(t)

	requireNAK(t, c.Kill("missing.scope", "all", "SIGTERM"), ErrCodeNotFound)
	requireNAK(t, c.Kill(unit.InitScope, "nobody", "SIGTERM"), ErrCodeInvalid)
	requireNAK(t, c.Kill(unit.InitScope, "all", "SIGBOGUS"), ErrCodeInvalid)

	requireNAK(t, c.Abandon(unit.InitScope), ErrCodePerm)
	_, err := c.Job(CmdStartUnit, "a.target", true)
	require.NoError(t, err)
	requireNAK(t, c.Abandon("a.target"), ErrCodeInvalid)

	require.NoError(t, c.ResetFailed(""))
	requireNAK(t, c.ResetFailed("missing.swap"), ErrCodeNotFound)
}

func TestSubscribe(t *testing.T) {
	env := setupTestServer(t)
	env.writeUnit(t, "b.target", "[Unit]\n")
	c := env.dial(t)

	var events []UnitEvent
	c.OnInfo = func(kind uint8, payload []byte) {
		if kind != InfoUnitEvent {
			return
		}
		var ev UnitEvent
		require.NoError(t, Unmarshal(payload, &ev))
		events = append(events, ev)
	}
	require.NoError(t, c.Subscribe(true))

	_, err := c.Job(CmdStartUnit, "b.target", true)
	require.NoError(t, err)

	found := func() bool {
		for _, ev := range events {
			if ev.Unit == "b.target" && ev.New == "active" {
				return true
			}
		}
		return false
	}
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for !found() {
		kind, payload, err := c.WaitInfo()
		require.NoError(t, err)
		c.OnInfo(kind, payload)
	}
	require.NoError(t, c.conn.SetReadDeadline(time.Time{}))

	require.NoError(t, c.Subscribe(false))
}

func TestShutdownUnsupported(t *testing.T) {
	env := setupTestServer(t)
	c := env.dial(t)

	requireNAK(t, c.Shutdown("poweroff"), ErrCodePerm)
	requireNAK(t, c.Reexec(""), ErrCodePerm)
}

func TestShutdownAndReexec(t *testing.T) {
	actions := make(chan unit.EmergencyAction, 1)
	reexecs := make(chan string, 1)
	env := setupTestServer(t, func(s *Server) {
		s.ShutdownFunc = func(a unit.EmergencyAction) { actions <- a }
		s.ReexecFunc = func(path string) error {
			reexecs <- path
			return nil
		}
	})
	c := env.dial(t)

	requireNAK(t, c.Shutdown("exit"), ErrCodePerm)
	requireNAK(t, c.Shutdown("none"), ErrCodeInvalid)
	require.NoError(t, c.Shutdown("reboot"))
	assert.Equal(t, unit.ActionReboot, <-actions)

	require.NoError(t, c.Reexec("/run/slunit/test-checkpoint"))
	select {
	case path := <-reexecs:
		assert.Equal(t, "/run/slunit/test-checkpoint", path)
	case <-time.After(5 * time.Second):
		t.Fatal("re-exec was not requested")
	}
}

func TestReload(t *testing.T) {
	env := setupTestServer(t)
	env.writeUnit(t, "c.target", "[Unit]\nDescription=Before\n")
	c := env.dial(t)

	_, err := c.Job(CmdStartUnit, "c.target", true)
	require.NoError(t, err)

	env.writeUnit(t, "c.target", "[Unit]\nDescription=After\n")
	require.NoError(t, c.Reload())

	st, err := c.Status("c.target")
	require.NoError(t, err)
	assert.Equal(t, "After", st.Description)
	assert.Equal(t, "active", st.Active, "state survives a reload")
}

func TestCreateScopeWithController(t *testing.T) {
	env := setupTestServer(t)
	c := env.dial(t)

	v, err := c.Version()
	require.NoError(t, err)

	sleeper := exec.Command("sleep", "60")
	require.NoError(t, sleeper.Start())
	t.Cleanup(func() {
		_ = sleeper.Process.Kill()
		_ = sleeper.Wait()
	})

	_, err = c.CreateScope(&CreateScopeRequest{
		Name:       "session-1.scope",
		PIDs:       []int{0},
		Controller: v.Peer,
	})
	requireNAK(t, err, ErrCodeInvalid)

	_, err = c.CreateScope(&CreateScopeRequest{
		Name:       "session-1.scope",
		PIDs:       []int{sleeper.Process.Pid},
		Controller: ":9999",
	})
	requireNAK(t, err, ErrCodeInvalid)

	rep, err := c.CreateScope(&CreateScopeRequest{
		Name:        "session-1.scope",
		Description: "Session 1",
		PIDs:        []int{sleeper.Process.Pid},
		Controller:  v.Peer,
		Wait:        true,
	})
	require.NoError(t, err)
	assert.Equal(t, "done", rep.Result)

	st, err := c.Status("session-1.scope")
	require.NoError(t, err)
	assert.Equal(t, "running", st.Sub)
	assert.True(t, st.Transient)
	assert.Equal(t, v.Peer, st.Controller)
	assert.Contains(t, st.PIDs, sleeper.Process.Pid)

	_, err = c.CreateScope(&CreateScopeRequest{Name: "session-1.scope", PIDs: []int{sleeper.Process.Pid}})
	requireNAK(t, err, ErrCodeStale)

	// Stopping asks the controller first instead of signalling.
	stops := make(chan string, 1)
	c.OnInfo = func(kind uint8, payload []byte) {
		if kind != InfoStopRequest {
			return
		}
		var req StopRequest
		require.NoError(t, Unmarshal(payload, &req))
		stops <- req.Unit
	}
	_, err = c.Job(CmdStopUnit, "session-1.scope", false)
	require.NoError(t, err)

	var stopped string
	select {
	case stopped = <-stops:
	default:
		require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		kind, payload, err := c.WaitInfo()
		require.NoError(t, err)
		c.OnInfo(kind, payload)
		stopped = <-stops
		require.NoError(t, c.conn.SetReadDeadline(time.Time{}))
	}
	assert.Equal(t, "session-1.scope", stopped)

	st, err = c.Status("session-1.scope")
	require.NoError(t, err)
	assert.Equal(t, "stop-sigterm", st.Sub)
	require.NoError(t, sleeper.Process.Signal(os.Kill))

	require.Eventually(t, func() bool {
		st, err := c.Status("session-1.scope")
		return err == nil && st.Active == "inactive"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestControllerDisconnectDropsController(t *testing.T) {
	env := setupTestServer(t)
	owner := env.dial(t)
	watcher := env.dial(t)

	v, err := owner.Version()
	require.NoError(t, err)

	sleeper := exec.Command("sleep", "60")
	require.NoError(t, sleeper.Start())
	t.Cleanup(func() {
		_ = sleeper.Process.Kill()
		_ = sleeper.Wait()
	})

	_, err = owner.CreateScope(&CreateScopeRequest{
		Name:       "session-2.scope",
		PIDs:       []int{sleeper.Process.Pid},
		Controller: v.Peer,
		Wait:       true,
	})
	require.NoError(t, err)
	require.NoError(t, owner.Close())

	require.Eventually(t, func() bool {
		st, err := watcher.Status("session-2.scope")
		return err == nil && st.Controller == ""
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, watcher.Abandon("session-2.scope"))
	st, err := watcher.Status("session-2.scope")
	require.NoError(t, err)
	assert.Equal(t, "abandoned", st.Sub)
}
