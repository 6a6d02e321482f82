package udev

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sunlightlinux/slunit/pkg/unit"
)

// fakeSystem lays out a sysfs and udev run directory with one tagged
// disk, one untagged partition and one uninitialized device.
func fakeSystem(t *testing.T) *Database {
	t.Helper()
	root, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	sys := filepath.Join(root, "sys")
	run := filepath.Join(root, "run", "udev")

	mkdev := func(devpath, devname string, major, minor int) {
		dir := filepath.Join(sys, devpath)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		uevent := "MAJOR=" + strconv.Itoa(major) + "\nMINOR=" + strconv.Itoa(minor) + "\nDEVNAME=" + devname + "\nDEVTYPE=disk\n"
		require.NoError(t, os.WriteFile(filepath.Join(dir, "uevent"), []byte(uevent), 0o644))
		link := filepath.Join(sys, "dev", "block", strconv.Itoa(major)+":"+strconv.Itoa(minor))
		require.NoError(t, os.MkdirAll(filepath.Dir(link), 0o755))
		require.NoError(t, os.Symlink(dir, link))
	}
	mkdev("devices/virtual/block/vda", "vda", 253, 0)
	mkdev("devices/virtual/block/vda/vda1", "vda1", 253, 1)
	mkdev("devices/virtual/block/vdb", "vdb", 253, 16)

	data := filepath.Join(run, "data")
	require.NoError(t, os.MkdirAll(data, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(data, "b253:0"), []byte(
		"S:disk/by-label/root\nS:disk/by-id/virtio-abc\nI:1234567\nE:ID_FS_LABEL=root\nE:ID_FS_TYPE=swap\nG:systemd\nQ:systemd\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(data, "b253:1"), []byte("E:ID_PART_ENTRY_NUMBER=1\n"), 0o644))

	tags := filepath.Join(run, "tags", "systemd")
	require.NoError(t, os.MkdirAll(tags, 0o755))
	for _, id := range []string{"b253:0", "b253:16"} {
		require.NoError(t, os.WriteFile(filepath.Join(tags, id), nil, 0o644))
	}

	return &Database{SysRoot: sys, RunDir: run, DevRoot: "/dev", Tag: "systemd"}
}


func TestEnumerateTagged(t *testing.T) {
	db := fakeSystem(t)

	devs, err := db.Enumerate()
	require.NoError(t, err)
	// vdb is tagged but has no database entry yet.
	require.Len(t, devs, 1)

	d := devs[0]
	assert.Equal(t, filepath.Join(db.SysRoot, "devices/virtual/block/vda"), d.Syspath())
	assert.Equal(t, "/dev/vda", d.Devnode())
	assert.Equal(t, []string{"/dev/disk/by-label/root", "/dev/disk/by-id/virtio-abc"}, d.Devlinks())
	label, _ := d.Property("ID_FS_LABEL")
	assert.Equal(t, "root", label)
	devpath, _ := d.Property("DEVPATH")
	assert.Equal(t, "/devices/virtual/block/vda", devpath)
	assert.True(t, d.(*Device).HasTag("systemd"))
}

func TestEnumerateAll(t *testing.T) {
	db := fakeSystem(t)
	db.Tag = ""

	devs, err := db.Enumerate()
	require.NoError(t, err)
	var nodes []string
	for _, d := range devs {
		nodes = append(nodes, d.Devnode())
	}
	assert.ElementsMatch(t, []string{"/dev/vda", "/dev/vda1"}, nodes)
}

func TestEnumerateWithoutUdev(t *testing.T) {
	db := &Database{SysRoot: t.TempDir(), RunDir: filepath.Join(t.TempDir(), "missing"), Tag: "systemd"}
	devs, err := db.Enumerate()
	require.NoError(t, err)
	assert.Empty(t, devs)
}

func TestLookup(t *testing.T) {
	db := fakeSystem(t)

	d, err := db.Lookup(true, 253, 1)
	require.NoError(t, err)
	assert.Equal(t, "/dev/vda1", d.Devnode())
	n, _ := d.Property("ID_PART_ENTRY_NUMBER")
	assert.Equal(t, "1", n)

	_, err = db.Lookup(true, 7, 7)
	assert.True(t, errors.Is(err, unit.ErrNotFound))

	// Block and char numbers are separate namespaces.
	_, err = db.Lookup(false, 253, 0)
	assert.ErrorIs(t, err, unit.ErrNotFound)
}

func TestSyspathForID(t *testing.T) {
	db := fakeSystem(t)
	_, err := db.syspathForID("+net")
	assert.Error(t, err)
	_, err = db.syspathForID("x1")
	assert.Error(t, err)
	assert.Equal(t, "b8:0", devnumID(true, 8, 0))
	assert.Equal(t, "c4:64", devnumID(false, 4, 64))
}
