package util

import (
	"bytes"
	"os"

	"golang.org/x/sys/unix"
)

// Files consulted by DetectContainer. Variables so tests can point them
// elsewhere.
var (
	initEnvironPath   = "/proc/1/environ"
	containerEnvFiles = []string{"/run/.containerenv", "/.dockerenv"}
)

// DetectContainer reports whether we run inside a container, either
// from the container= variable of PID 1 or a marker file left by the
// container runtime.
func DetectContainer() bool {
	if os.Getpid() == 1 {
		if v, ok := os.LookupEnv("container"); ok && v != "" {
			return true
		}
	}
	if env, err := os.ReadFile(initEnvironPath); err == nil {
		for _, kv := range bytes.Split(env, []byte{0}) {
			if v, ok := bytes.CutPrefix(kv, []byte("container=")); ok && len(v) > 0 {
				return true
			}
		}
	}
	for _, f := range containerEnvFiles {
		if _, err := os.Stat(f); err == nil {
			return true
		}
	}
	return false
}

// IsReadOnly reports whether the filesystem holding path is mounted
// read-only.
func IsReadOnly(path string) (bool, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return false, err
	}
	return st.Flags&unix.ST_RDONLY != 0, nil
}
