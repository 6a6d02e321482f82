package shutdown

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"syscall"
	"testing"

	"github.com/sunlightlinux/slunit/pkg/logging"
	"github.com/sunlightlinux/slunit/pkg/unit"
)

func testLogger() *logging.Logger {
	return logging.New(logging.LevelError)
}

func TestKillAllProcesses(t *testing.T) {
	// Track syscall invocations
	var calls []struct {
		pid int
		sig syscall.Signal
	}

	origKill := killFunc
	killFunc = func(pid int, sig syscall.Signal) error {
		calls = append(calls, struct {
			pid int
			sig syscall.Signal
		}{pid, sig})
		return syscall.ESRCH // No processes to signal
	}
	defer func() { killFunc = origKill }()

	KillAllProcesses(testLogger())

	if len(calls) != 2 {
		t.Fatalf("Expected 2 kill calls, got %d", len(calls))
	}
	if calls[0].pid != -1 || calls[0].sig != syscall.SIGTERM {
		t.Fatalf("Expected kill(-1, SIGTERM), got kill(%d, %v)", calls[0].pid, calls[0].sig)
	}
	if calls[1].pid != -1 || calls[1].sig != syscall.SIGKILL {
		t.Fatalf("Expected kill(-1, SIGKILL), got kill(%d, %v)", calls[1].pid, calls[1].sig)
	}
}

func TestRebootCommandMapping(t *testing.T) {
	origReboot := rebootFunc
	defer func() { rebootFunc = origReboot }()

	tests := []struct {
		action      unit.EmergencyAction
		expectedCmd int
	}{
		{unit.ActionReboot, syscall.LINUX_REBOOT_CMD_RESTART},
		{unit.ActionRebootForce, syscall.LINUX_REBOOT_CMD_RESTART},
		{unit.ActionRebootImmediate, syscall.LINUX_REBOOT_CMD_RESTART},
		{unit.ActionPoweroff, syscall.LINUX_REBOOT_CMD_POWER_OFF},
		{unit.ActionPoweroffForce, syscall.LINUX_REBOOT_CMD_POWER_OFF},
		{unit.ActionPoweroffImmediate, syscall.LINUX_REBOOT_CMD_POWER_OFF},
		{unit.ActionExit, syscall.LINUX_REBOOT_CMD_HALT},
		{unit.ActionNone, syscall.LINUX_REBOOT_CMD_HALT}, // default fallback
	}

	for _, tt := range tests {
		var receivedCmd int
		rebootFunc = func(cmd int) error {
			receivedCmd = cmd
			return nil
		}

		if err := rebootSystem(tt.action); err != nil {
			t.Errorf("%s: unexpected error: %v", tt.action, err)
		}
		if receivedCmd != tt.expectedCmd {
			t.Errorf("%s: expected cmd %d, got %d", tt.action, tt.expectedCmd, receivedCmd)
		}
	}
}

func TestSwapoffAll(t *testing.T) {
	swaps := filepath.Join(t.TempDir(), "swaps")
	content := "Filename\t\t\t\tType\t\tSize\t\tUsed\t\tPriority\n" +
		"/dev/sda2                               partition\t8388604\t\t0\t\t-2\n" +
		"/swapfile                               file\t\t1048572\t\t0\t\t-3\n"
	if err := os.WriteFile(swaps, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	var got []string
	origSwapoff := swapoffFunc
	swapoffFunc = func(path string) error {
		got = append(got, path)
		if path == "/swapfile" {
			return syscall.EBUSY
		}
		return nil
	}
	defer func() { swapoffFunc = origSwapoff }()

	failed, err := SwapoffAll(swaps, testLogger())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if failed != 1 {
		t.Fatalf("Expected 1 failed swap, got %d", failed)
	}
	if !reflect.DeepEqual(got, []string{"/dev/sda2", "/swapfile"}) {
		t.Fatalf("Unexpected swapoff calls %v", got)
	}
}

func TestSwapoffAllMissingFile(t *testing.T) {
	if _, err := SwapoffAll(filepath.Join(t.TempDir(), "missing"), testLogger()); err == nil {
		t.Fatal("Expected error for a missing swaps file")
	}
}

type fakeLoop struct {
	shutdown []unit.EmergencyAction
	forced   []unit.EmergencyAction
}

func (f *fakeLoop) InitiateShutdown(action unit.EmergencyAction) {
	f.shutdown = append(f.shutdown, action)
}

func (f *fakeLoop) ForceExit(action unit.EmergencyAction) {
	f.forced = append(f.forced, action)
}

func TestEmergencyHandlerDispatch(t *testing.T) {
	origReboot := rebootFunc
	origSync := syncFunc
	defer func() {
		rebootFunc = origReboot
		syncFunc = origSync
	}()

	var rebootCmds []int
	synced := 0
	rebootFunc = func(cmd int) error {
		rebootCmds = append(rebootCmds, cmd)
		return nil
	}
	syncFunc = func() { synced++ }

	loop := &fakeLoop{}
	h := &EmergencyHandler{Loop: loop, Logger: testLogger()}

	h.EmergencyAction(unit.ActionNone, "nothing")
	h.EmergencyAction(unit.ActionReboot, "test")
	h.EmergencyAction(unit.ActionExit, "test")
	h.EmergencyAction(unit.ActionPoweroffForce, "test")
	h.EmergencyAction(unit.ActionRebootImmediate, "test")

	if !reflect.DeepEqual(loop.shutdown, []unit.EmergencyAction{unit.ActionReboot, unit.ActionExit}) {
		t.Fatalf("Unexpected orderly shutdowns %v", loop.shutdown)
	}
	if !reflect.DeepEqual(loop.forced, []unit.EmergencyAction{unit.ActionPoweroffForce}) {
		t.Fatalf("Unexpected forced exits %v", loop.forced)
	}
	if synced != 1 || !reflect.DeepEqual(rebootCmds, []int{syscall.LINUX_REBOOT_CMD_RESTART}) {
		t.Fatalf("Expected one sync and an immediate restart, got %d %v", synced, rebootCmds)
	}
}

func TestReexecArgs(t *testing.T) {
	tests := []struct {
		args     []string
		expected []string
	}{
		{
			[]string{"/sbin/slunit"},
			[]string{"/sbin/slunit", "--deserialize=/run/cp"},
		},
		{
			[]string{"/sbin/slunit", "--log-level", "debug", "--deserialize", "/run/old"},
			[]string{"/sbin/slunit", "--log-level", "debug", "--deserialize=/run/cp"},
		},
		{
			[]string{"/sbin/slunit", "--deserialize=/run/old", "--system"},
			[]string{"/sbin/slunit", "--system", "--deserialize=/run/cp"},
		},
	}

	for _, tt := range tests {
		got := reexecArgs(tt.args, "/run/cp")
		if !reflect.DeepEqual(got, tt.expected) {
			t.Errorf("reexecArgs(%v) = %v, expected %v", tt.args, got, tt.expected)
		}
	}
}

func TestReexecExecutableError(t *testing.T) {
	origExecutable := executableFunc
	origExec := execFunc
	defer func() {
		executableFunc = origExecutable
		execFunc = origExec
	}()

	executableFunc = func() (string, error) { return "", errors.New("no exe") }
	execFunc = func(string, []string, []string) error {
		t.Fatal("exec must not run without an executable path")
		return nil
	}

	checkpoint := filepath.Join(t.TempDir(), "checkpoint")
	if err := Reexec(nil, checkpoint, testLogger()); err == nil {
		t.Fatal("Expected error")
	}
	if _, err := os.Stat(checkpoint); !os.IsNotExist(err) {
		t.Fatal("No checkpoint should be written")
	}
}
