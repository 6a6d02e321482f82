package util

import (
	"os"
	"path/filepath"
	"testing"
)

func withContainerFiles(t *testing.T, environ string, markers ...string) {
	t.Helper()
	dir := t.TempDir()
	oldEnv, oldMarkers := initEnvironPath, containerEnvFiles
	t.Cleanup(func() { initEnvironPath, containerEnvFiles = oldEnv, oldMarkers })

	initEnvironPath = filepath.Join(dir, "environ")
	if err := os.WriteFile(initEnvironPath, []byte(environ), 0o644); err != nil {
		t.Fatal(err)
	}
	containerEnvFiles = nil
	for _, m := range markers {
		p := filepath.Join(dir, m)
		containerEnvFiles = append(containerEnvFiles, p)
	}
}

func TestDetectContainerFromEnviron(t *testing.T) {
	withContainerFiles(t, "HOME=/\x00container=podman\x00TERM=linux\x00")
	if !DetectContainer() {
		t.Error("container= in the environment of PID 1 should be detected")
	}
}

func TestDetectContainerEmptyValue(t *testing.T) {
	withContainerFiles(t, "container=\x00PATH=/bin\x00", ".containerenv")
	if DetectContainer() {
		t.Error("An empty container= is not a container")
	}
}

func TestDetectContainerMarkerFile(t *testing.T) {
	withContainerFiles(t, "PATH=/bin\x00", ".containerenv")
	if err := os.WriteFile(containerEnvFiles[0], nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if !DetectContainer() {
		t.Error("/run/.containerenv should be detected")
	}
}

func TestIsReadOnly(t *testing.T) {
	ro, err := IsReadOnly(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ro {
		t.Error("a test temp dir should be writable")
	}
	if _, err := IsReadOnly(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected error for a missing path")
	}
}
