package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sunlightlinux/slunit/pkg/unit"
)

// DirLoader loads unit fragments from one or more directories. Earlier
// directories take precedence; drop-ins from every directory apply.
type DirLoader struct {
	dirs   []string
	logger unit.Logger
}

// NewDirLoader creates a new directory-based fragment loader. A
// leading "~/" in a directory is expanded to the home directory.
func NewDirLoader(dirs []string, logger unit.Logger) *DirLoader {
	expanded := make([]string, 0, len(dirs))
	for _, d := range dirs {
		if rest, ok := strings.CutPrefix(d, "~/"); ok {
			home, err := os.UserHomeDir()
			if err != nil {
				continue
			}
			d = filepath.Join(home, rest)
		}
		expanded = append(expanded, d)
	}
	return &DirLoader{dirs: expanded, logger: logger}
}

// UnitDirs returns the configured unit directories.
func (dl *DirLoader) UnitDirs() []string {
	return dl.dirs
}

// LoadFragment finds the unit file for name, falling back to the
// template for instance names, and merges its drop-ins. A unit linked
// to /dev/null is masked. Drop-ins without a unit file still make a
// fragment, with an empty Path.
func (dl *DirLoader) LoadFragment(name string) (*unit.Fragment, error) {
	if !unit.IsValidName(name) {
		return nil, fmt.Errorf("unit name %q: %w", name, unit.ErrInvalid)
	}
	names := []string{name}
	if tmpl, ok := templateOf(name); ok {
		names = append(names, tmpl)
	}

	var mainPath string
	for _, n := range names {
		path, masked, err := dl.find(n)
		if err != nil {
			return nil, err
		}
		if masked {
			return &unit.Fragment{Path: "/dev/null"}, nil
		}
		if path != "" {
			mainPath = path
			break
		}
	}

	// Template drop-ins apply before the instance's own.
	var dropins []string
	for i := len(names) - 1; i >= 0; i-- {
		dropins = append(dropins, dl.dropins(names[i])...)
	}
	if mainPath == "" && len(dropins) == 0 {
		return nil, fmt.Errorf("unit %s: %w", name, unit.ErrNotFound)
	}

	sections := make(map[string]map[string][]string)
	if mainPath != "" {
		if err := dl.parseInto(name, mainPath, sections); err != nil {
			return nil, err
		}
	}
	for _, path := range dropins {
		if err := dl.parseInto(name, path, sections); err != nil {
			return nil, err
		}
	}
	if t := unit.TypeFromName(name); t != unit.TypeOther {
		if err := checkSections(name, mainPath, t, sections); err != nil {
			return nil, err
		}
	}
	return &unit.Fragment{Path: mainPath, Sections: sections}, nil
}

// find returns the first unit file called name, or reports that it is
// masked.
func (dl *DirLoader) find(name string) (string, bool, error) {
	for _, dir := range dl.dirs {
		path := filepath.Join(dir, name)
		if target, err := os.Readlink(path); err == nil && target == "/dev/null" {
			return "", true, nil
		}
		st, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return "", false, &LoadError{Path: path, Err: err}
		}
		if st.Mode()&fs.ModeCharDevice != 0 && path != "/dev/null" {
			// A hard-linked or bind-mounted /dev/null.
			return "", true, nil
		}
		if st.IsDir() {
			continue
		}
		return path, false, nil
	}
	return "", false, nil
}

// dropins lists the *.conf files in every <dir>/<name>.d, ordered by
// file name. A file name in a higher-priority directory hides the same
// name further down.
func (dl *DirLoader) dropins(name string) []string {
	byName := make(map[string]string)
	for i := len(dl.dirs) - 1; i >= 0; i-- {
		matches, _ := filepath.Glob(filepath.Join(dl.dirs[i], name+".d", "*.conf"))
		for _, m := range matches {
			byName[filepath.Base(m)] = m
		}
	}
	keys := make([]string, 0, len(byName))
	for k := range byName {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, byName[k])
	}
	return out
}

func (dl *DirLoader) parseInto(name, path string, sections map[string]map[string][]string) error {
	f, err := os.Open(path)
	if err != nil {
		return &LoadError{Path: path, Err: err}
	}
	defer f.Close()

	unknown, err := Parse(f, name, path, sections)
	if err != nil {
		return err
	}
	if dl.logger != nil {
		for _, u := range unknown {
			dl.logger.Warn("%s, ignoring", u)
		}
	}
	return nil
}

// templateOf returns "foo@.swap" for "foo@bar.swap".
func templateOf(name string) (string, bool) {
	at := strings.IndexByte(name, '@')
	dot := strings.LastIndexByte(name, '.')
	if at <= 0 || dot <= at+1 {
		return "", false
	}
	return name[:at+1] + name[dot:], true
}
