package udev

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromProperties(t *testing.T) {
	d, err := FromProperties("/sys", map[string]string{
		"ACTION":    "add",
		"DEVPATH":   "/devices/pci0000:00/0000:00:1f.2/ata1/host0/target0:0:0/0:0:0:0/block/sda",
		"DEVNAME":   "sda",
		"MAJOR":     "8",
		"MINOR":     "0",
		"DEVLINKS":  "/dev/disk/by-id/ata-X /dev/disk/by-path/pci-0000:00:1f.2-ata-1",
		"SUBSYSTEM": "block",
		"TAGS":      ":systemd:seat:",
	})
	require.NoError(t, err)

	assert.Equal(t, "add", d.Action())
	assert.Equal(t, "/sys/devices/pci0000:00/0000:00:1f.2/ata1/host0/target0:0:0/0:0:0:0/block/sda", d.Syspath())
	assert.Equal(t, "/dev/sda", d.Devnode())
	major, minor, ok := d.Devnum()
	assert.True(t, ok)
	assert.Equal(t, uint32(8), major)
	assert.Equal(t, uint32(0), minor)
	assert.Len(t, d.Devlinks(), 2)
	assert.Equal(t, "block", d.Subsystem())
	assert.True(t, d.HasTag("systemd"))
	assert.False(t, d.HasTag("sys"))

	v, ok := d.Property("SUBSYSTEM")
	assert.True(t, ok)
	assert.Equal(t, "block", v)
	_, ok = d.Property("ID_MODEL")
	assert.False(t, ok)
}

func TestFromPropertiesWithoutDevnum(t *testing.T) {
	d, err := FromProperties("/sys", map[string]string{
		"DEVPATH": "/devices/virtual/net/lo",
		"MAJOR":   "x",
	})
	require.NoError(t, err)
	_, _, ok := d.Devnum()
	assert.False(t, ok)
	assert.Empty(t, d.Devnode())

	_, err = FromProperties("/sys", map[string]string{"ACTION": "add"})
	assert.Error(t, err)
}
