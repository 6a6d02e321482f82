// Package udev reads devices from the udev database and receives udev
// events from the kernel netlink socket, without linking libudev.
package udev

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Device is the property bag of one udev device. It satisfies
// unit.DeviceProperties.
type Device struct {
	action    string
	syspath   string
	devnode   string
	major     uint32
	minor     uint32
	hasDevnum bool
	devlinks  []string
	props     map[string]string
}

// FromProperties builds a device from udev properties as found in an
// event or a database entry. DEVPATH is required; it is made absolute
// under sysRoot.
func FromProperties(sysRoot string, props map[string]string) (*Device, error) {
	devpath := props["DEVPATH"]
	if devpath == "" {
		return nil, fmt.Errorf("udev: device without DEVPATH")
	}
	d := &Device{
		action:  props["ACTION"],
		syspath: filepath.Join(sysRoot, devpath),
		props:   props,
	}
	if name := props["DEVNAME"]; name != "" {
		if !strings.HasPrefix(name, "/") {
			name = "/dev/" + name
		}
		d.devnode = name
	}
	if maj, min := props["MAJOR"], props["MINOR"]; maj != "" && min != "" {
		ma, err1 := strconv.ParseUint(maj, 10, 32)
		mi, err2 := strconv.ParseUint(min, 10, 32)
		if err1 == nil && err2 == nil {
			d.major, d.minor, d.hasDevnum = uint32(ma), uint32(mi), true
		}
	}
	d.devlinks = strings.Fields(props["DEVLINKS"])
	return d, nil
}

func (d *Device) Action() string     { return d.action }
func (d *Device) Syspath() string    { return d.syspath }
func (d *Device) Devnode() string    { return d.devnode }
func (d *Device) Devlinks() []string { return d.devlinks }

func (d *Device) Devnum() (uint32, uint32, bool) {
	return d.major, d.minor, d.hasDevnum
}

func (d *Device) Property(key string) (string, bool) {
	v, ok := d.props[key]
	return v, ok
}

// Subsystem returns the SUBSYSTEM property.
func (d *Device) Subsystem() string { return d.props["SUBSYSTEM"] }

// HasTag reports whether the device carries tag in TAGS or
// CURRENT_TAGS.
func (d *Device) HasTag(tag string) bool {
	needle := ":" + tag + ":"
	return strings.Contains(d.props["TAGS"], needle) || strings.Contains(d.props["CURRENT_TAGS"], needle)
}

// Properties returns the property names in sorted order.
func (d *Device) Properties() []string {
	keys := make([]string, 0, len(d.props))
	for k := range d.props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (d *Device) String() string {
	if d.action != "" {
		return d.action + " " + d.syspath
	}
	return d.syspath
}
