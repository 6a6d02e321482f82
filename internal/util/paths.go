// Package util provides internal utility functions for slunit.
package util

import (
	"path/filepath"
	"strings"
)

// PathEqual compares two paths after cleaning.
func PathEqual(a, b string) bool {
	return filepath.Clean(a) == filepath.Clean(b)
}

// PathStartsWith reports whether path lies at or below prefix.
func PathStartsWith(path, prefix string) bool {
	path = filepath.Clean(path)
	prefix = filepath.Clean(prefix)
	if path == prefix {
		return true
	}
	if prefix == "/" {
		return strings.HasPrefix(path, "/")
	}
	return strings.HasPrefix(path, prefix+"/")
}

// PathIsNormalized reports whether path is absolute and already clean.
func PathIsNormalized(path string) bool {
	return filepath.IsAbs(path) && filepath.Clean(path) == path
}

// Unoctescape decodes the \NNN octal escapes used by /proc/swaps and
// /proc/self/mountinfo.
func Unoctescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) && isOctal(s[i+1]) && isOctal(s[i+2]) && isOctal(s[i+3]) {
			b.WriteByte((s[i+1]-'0')<<6 | (s[i+2]-'0')<<3 | (s[i+3] - '0'))
			i += 3
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func isOctal(c byte) bool {
	return c >= '0' && c <= '7'
}
