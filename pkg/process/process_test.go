package process

import (
	"bytes"
	"errors"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"testing"
	"time"
)

func waitExit(t *testing.T, ch <-chan ChildExit) ChildExit {
	t.Helper()
	select {
	case ex := <-ch:
		return ex
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for exit")
		return ChildExit{}
	}
}

func TestStartProcessExitCode(t *testing.T) {
	var out bytes.Buffer
	pid, ch, err := StartProcess(ExecParams{
		Command: []string{"/bin/sh", "-c", "echo $SLUNIT_TEST; exit 3"},
		Env:     []string{"SLUNIT_TEST=hello"},
		Output:  &out,
	})
	if err != nil {
		t.Fatalf("StartProcess failed: %v", err)
	}
	if pid <= 0 {
		t.Fatalf("Expected a PID, got %d", pid)
	}

	ex := waitExit(t, ch)
	if ex.PID != pid {
		t.Fatalf("Expected exit of %d, got %d", pid, ex.PID)
	}
	code, status := ex.Status.Code()
	if code != CodeExited || status != 3 {
		t.Fatalf("Expected exited/3, got %s/%d", code, status)
	}
	if ex.ExitedClean() {
		t.Fatal("Exit status 3 is not clean")
	}
	if strings.TrimSpace(out.String()) != "hello" {
		t.Fatalf("Unexpected output %q", out.String())
	}
}

func TestStartProcessSignaled(t *testing.T) {
	pid, ch, err := StartProcess(ExecParams{Command: []string{"sleep", "60"}})
	if err != nil {
		t.Fatalf("StartProcess failed: %v", err)
	}
	if err := SignalProcess(pid, syscall.SIGKILL, false); err != nil {
		t.Fatalf("SignalProcess failed: %v", err)
	}

	ex := waitExit(t, ch)
	if !ex.Signaled() || ex.Status.Signal() != syscall.SIGKILL {
		t.Fatalf("Expected SIGKILL, got %s", ex.Status)
	}
	if code, sig := ex.Status.Code(); code != CodeKilled || sig != int(syscall.SIGKILL) {
		t.Fatalf("Expected killed/9, got %s/%d", code, sig)
	}
}

func TestStartProcessErrors(t *testing.T) {
	_, _, err := StartProcess(ExecParams{})
	var execErr *ExecError
	if !errors.As(err, &execErr) || !errors.Is(err, os.ErrInvalid) {
		t.Fatalf("Expected ExecError wrapping ErrInvalid, got %v", err)
	}

	_, _, err = StartProcess(ExecParams{Command: []string{"/nonexistent/binary"}})
	if !errors.As(err, &execErr) || execErr.Stage != StageDoExec {
		t.Fatalf("Expected exec stage error, got %v", err)
	}

	_, _, err = StartProcess(ExecParams{Command: []string{"true"}, WorkingDir: "/nonexistent/dir"})
	if !errors.As(err, &execErr) || execErr.Stage != StageChdir {
		t.Fatalf("Expected chdir stage error, got %v", err)
	}
	if execErr.Error() == "" || !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("Expected a not-exist error, got %v", err)
	}
}

func TestSignalProcessIgnoresInvalidPID(t *testing.T) {
	if err := SignalProcess(0, syscall.SIGTERM, true); err != nil {
		t.Fatalf("Expected nil for PID 0, got %v", err)
	}
}

func TestAlive(t *testing.T) {
	if !Alive(os.Getpid()) {
		t.Fatal("Our own process should be alive")
	}
	if Alive(0) || Alive(-1) {
		t.Fatal("Non-positive PIDs are never alive")
	}
}

func TestWatchPIDForeignProcess(t *testing.T) {
	cmd := exec.Command("sleep", "60")
	if err := cmd.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	pid := cmd.Process.Pid

	done := make(chan struct{})
	defer close(done)
	ch, err := WatchPID(pid, done)
	if err != nil {
		t.Skipf("pidfd_open unavailable: %v", err)
	}

	cmd.Process.Kill()
	ex := waitExit(t, ch)
	if ex.PID != pid {
		t.Fatalf("Expected exit of %d, got %d", pid, ex.PID)
	}
	// The watcher reaps our own child.
	cmd.Wait()
}

func TestWatchPIDStopped(t *testing.T) {
	done := make(chan struct{})
	ch, err := WatchPID(os.Getpid(), done)
	if err != nil {
		t.Skipf("pidfd_open unavailable: %v", err)
	}
	close(done)

	select {
	case ex, ok := <-ch:
		if ok {
			t.Fatalf("Expected no report after stop, got %+v", ex)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not stop")
	}
}
