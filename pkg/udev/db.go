package udev

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sunlightlinux/slunit/pkg/unit"
)

// Database reads device state the way udevd left it on disk: the
// sysfs uevent file of each device, merged with its entry under
// /run/udev/data.
type Database struct {
	SysRoot string // "/sys"
	RunDir  string // "/run/udev"
	DevRoot string // "/dev"
	// Tag restricts Enumerate to devices carrying it. Empty enumerates
	// every device with a database entry.
	Tag string
}

// NewDatabase returns a database over the live system, enumerating
// devices tagged "systemd".
func NewDatabase() *Database {
	return &Database{SysRoot: "/sys", RunDir: "/run/udev", DevRoot: "/dev", Tag: "systemd"}
}

// Enumerate returns every initialized device carrying the tag.
func (db *Database) Enumerate() ([]unit.DeviceProperties, error) {
	var ids []string
	if db.Tag != "" {
		entries, err := os.ReadDir(filepath.Join(db.RunDir, "tags", db.Tag))
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("udev: read tag index: %w", err)
		}
		for _, e := range entries {
			ids = append(ids, e.Name())
		}
	} else {
		entries, err := os.ReadDir(filepath.Join(db.RunDir, "data"))
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("udev: read database: %w", err)
		}
		for _, e := range entries {
			if !e.IsDir() {
				ids = append(ids, e.Name())
			}
		}
	}

	var out []unit.DeviceProperties
	for _, id := range ids {
		syspath, err := db.syspathForID(id)
		if err != nil {
			// Removed between listing and reading.
			continue
		}
		d, err := db.read(id, syspath)
		if err != nil {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// Lookup resolves a device number to its device.
func (db *Database) Lookup(block bool, major, minor uint32) (unit.DeviceProperties, error) {
	id := devnumID(block, major, minor)
	syspath, err := db.syspathForID(id)
	if err != nil {
		return nil, fmt.Errorf("udev: device %s: %w", id, unit.ErrNotFound)
	}
	return db.read(id, syspath)
}

// syspathForID maps a database id to the device's sysfs directory.
// Ids are "b<maj>:<min>", "c<maj>:<min>", "n<ifindex>" or
// "+<subsystem>:<sysname>".
func (db *Database) syspathForID(id string) (string, error) {
	if id == "" {
		return "", fmt.Errorf("udev: empty device id")
	}
	switch id[0] {
	case 'b':
		return filepath.EvalSymlinks(filepath.Join(db.SysRoot, "dev", "block", id[1:]))
	case 'c':
		return filepath.EvalSymlinks(filepath.Join(db.SysRoot, "dev", "char", id[1:]))
	case 'n':
		return db.netSyspath(id[1:])
	case '+':
		subsystem, sysname, ok := strings.Cut(id[1:], ":")
		if !ok {
			return "", fmt.Errorf("udev: malformed device id %q", id)
		}
		for _, dir := range []string{
			filepath.Join(db.SysRoot, "class", subsystem, sysname),
			filepath.Join(db.SysRoot, "bus", subsystem, "devices", sysname),
		} {
			if p, err := filepath.EvalSymlinks(dir); err == nil {
				return p, nil
			}
		}
		return "", fmt.Errorf("udev: device %s: %w", id, unit.ErrNotFound)
	}
	return "", fmt.Errorf("udev: malformed device id %q", id)
}

func (db *Database) netSyspath(ifindex string) (string, error) {
	classDir := filepath.Join(db.SysRoot, "class", "net")
	entries, err := os.ReadDir(classDir)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(classDir, e.Name(), "ifindex"))
		if err == nil && strings.TrimSpace(string(data)) == ifindex {
			return filepath.EvalSymlinks(filepath.Join(classDir, e.Name()))
		}
	}
	return "", fmt.Errorf("udev: interface %s: %w", ifindex, unit.ErrNotFound)
}

// read merges the uevent file of syspath with the database entry id.
func (db *Database) read(id, syspath string) (*Device, error) {
	rel, err := filepath.Rel(db.SysRoot, syspath)
	if err != nil || strings.HasPrefix(rel, "..") {
		return nil, fmt.Errorf("udev: %s is outside %s", syspath, db.SysRoot)
	}
	props := map[string]string{"DEVPATH": "/" + rel}

	if err := readKeyValues(filepath.Join(syspath, "uevent"), props); err != nil {
		return nil, fmt.Errorf("udev: %w", err)
	}
	if _, ok := props["SUBSYSTEM"]; !ok {
		if link, err := os.Readlink(filepath.Join(syspath, "subsystem")); err == nil {
			props["SUBSYSTEM"] = filepath.Base(link)
		}
	}

	var links []string
	var tags []string
	f, err := os.Open(filepath.Join(db.RunDir, "data", id))
	if err != nil {
		return nil, fmt.Errorf("udev: device %s not initialized: %w", id, unit.ErrNotFound)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) < 2 || line[1] != ':' {
			continue
		}
		value := line[2:]
		switch line[0] {
		case 'E':
			if k, v, ok := strings.Cut(value, "="); ok {
				props[k] = v
			}
		case 'S':
			links = append(links, filepath.Join(db.DevRoot, value))
		case 'G':
			tags = append(tags, value)
		case 'I':
			props["USEC_INITIALIZED"] = value
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("udev: read %s: %w", id, err)
	}
	if len(links) > 0 {
		props["DEVLINKS"] = strings.Join(links, " ")
	}
	if len(tags) > 0 {
		props["TAGS"] = ":" + strings.Join(tags, ":") + ":"
	}
	if name, ok := props["DEVNAME"]; ok && !strings.HasPrefix(name, "/") {
		props["DEVNAME"] = filepath.Join(db.DevRoot, name)
	}
	return FromProperties(db.SysRoot, props)
}

// readKeyValues loads the KEY=value lines of path into props.
func readKeyValues(path string, props map[string]string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if k, v, ok := strings.Cut(scanner.Text(), "="); ok {
			props[k] = v
		}
	}
	return scanner.Err()
}

// devnumID returns the database id of a device number.
func devnumID(block bool, major, minor uint32) string {
	p := "c"
	if block {
		p = "b"
	}
	return p + strconv.FormatUint(uint64(major), 10) + ":" + strconv.FormatUint(uint64(minor), 10)
}
