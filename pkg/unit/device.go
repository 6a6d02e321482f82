package unit

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/sunlightlinux/slunit/internal/util"
)

// DeviceState is the fine state of a device unit.
type DeviceState uint8

const (
	DeviceDead      DeviceState = iota
	DeviceTentative             // referenced by the kernel, not yet announced by udev
	DevicePlugged
	deviceStateMax
)

var deviceStateNames = [deviceStateMax]string{
	DeviceDead:      "dead",
	DeviceTentative: "tentative",
	DevicePlugged:   "plugged",
}

var deviceStateTable = [deviceStateMax]ActiveState{
	DeviceDead:      ActiveInactive,
	DeviceTentative: ActiveActivating,
	DevicePlugged:   ActiveActive,
}

func (s DeviceState) String() string {
	if s < deviceStateMax {
		return deviceStateNames[s]
	}
	return "invalid"
}

// ParseDeviceState maps a name back to a DeviceState.
func ParseDeviceState(v string) (DeviceState, bool) {
	for i, n := range deviceStateNames {
		if n == v {
			return DeviceState(i), true
		}
	}
	return 0, false
}

// DeviceFound records which discovery channels currently see a device.
type DeviceFound uint8

const (
	FoundUdev DeviceFound = 1 << iota
	FoundMount
	FoundSwap

	FoundMask = FoundUdev | FoundMount | FoundSwap
)

var deviceFoundNames = []struct {
	flag DeviceFound
	name string
}{
	{FoundUdev, "found-udev"},
	{FoundMount, "found-mount"},
	{FoundSwap, "found-swap"},
}

func (f DeviceFound) String() string {
	var names []string
	for _, e := range deviceFoundNames {
		if f&e.flag != 0 {
			names = append(names, e.name)
		}
	}
	return strings.Join(names, ",")
}

// ParseDeviceFound parses a comma separated list of found-* names.
func ParseDeviceFound(v string) (DeviceFound, error) {
	var f DeviceFound
	if v == "" {
		return 0, nil
	}
	for _, word := range strings.Split(v, ",") {
		var flag DeviceFound
		for _, e := range deviceFoundNames {
			if e.name == word {
				flag = e.flag
				break
			}
		}
		if flag == 0 {
			return 0, fmt.Errorf("unknown found flag %q: %w", word, ErrInvalid)
		}
		f |= flag
	}
	return f, nil
}

// Device mirrors one path under which the kernel exposes a device: its
// sysfs path, its node, or any symlink or alias. Units for the same
// sysfs path are chained in the manager's sysfs registry.
type Device struct {
	UnitRecord

	sysfs string

	found           DeviceFound
	enumeratedFound DeviceFound

	wantsProperty []string
	bindMounts    bool

	state             DeviceState
	deserializedState DeviceState
	deserializedFound DeviceFound
	hasDeserialized   bool
}

func newDevice(m *Manager, name string) *Device {
	d := &Device{}
	d.UnitRecord = newUnitRecord(d, m, name, TypeDevice)
	return d
}

// Init times out jobs on devices by default; nothing else would end a
// wait for a device that never shows up.
func (d *Device) Init() {
	d.jobRunningTimeout = d.mgr.cfg.DefaultDeviceTimeout
}

func (d *Device) ActiveState() ActiveState { return deviceStateTable[d.state] }
func (d *Device) SubState() string         { return d.state.String() }

// State returns the fine state.
func (d *Device) State() DeviceState { return d.state }

// Sysfs returns the sysfs path, or "" if udev has not reported it.
func (d *Device) Sysfs() string { return d.sysfs }

// Found returns the discovery bits in effect.
func (d *Device) Found() DeviceFound { return d.found }

// Wants returns the units pulled in through SYSTEMD_WANTS.
func (d *Device) Wants() []string { return slices.Clone(d.wantsProperty) }

// BindMounts reports whether mount units using the device are bound
// to it.
func (d *Device) BindMounts() bool { return d.bindMounts }

func (d *Device) setSysfs(sysfs string) {
	if d.sysfs == sysfs {
		return
	}
	d.unsetSysfs()
	d.sysfs = sysfs
	d.mgr.devicesBySysfs.Register(sysfs, d.handle)
}

func (d *Device) unsetSysfs() {
	if d.sysfs == "" {
		return
	}
	d.mgr.devicesBySysfs.Unregister(d.sysfs, d.handle)
	d.sysfs = ""
}

func (d *Device) Done() {
	d.unsetSysfs()
	d.wantsProperty = nil
}

func (d *Device) setState(state DeviceState) {
	old := d.state
	d.state = state

	if state == DeviceDead {
		d.unsetSysfs()
	}
	if state != old {
		d.debugf("Changed %s -> %s", old, state)
	}
	d.notify(deviceStateTable[old], deviceStateTable[state])
}

func (d *Device) Coldplug() error {
	if !d.hasDeserialized {
		return nil
	}
	d.hasDeserialized = false
	if d.deserializedState == d.state && d.deserializedFound == d.found {
		return nil
	}
	d.found = d.deserializedFound
	d.setState(d.deserializedState)
	return nil
}

// Catchup applies what enumeration found if the checkpoint disagrees.
func (d *Device) Catchup() {
	if d.enumeratedFound == d.found {
		return
	}
	d.updateFoundOne(d.enumeratedFound, FoundMask)
}

// Start and Stop only wait: a device comes and goes on its own.
func (d *Device) Start() error {
	if !d.mgr.DeviceSupported() {
		return fmt.Errorf("device units need a writable /sys: %w", ErrUnsupported)
	}
	return nil
}

func (d *Device) Stop() error { return nil }

func (d *Device) Serialize(w *Serializer) {
	w.Item("state", d.state.String())
	if d.found != 0 {
		w.Item("found", d.found.String())
	}
}

func (d *Device) DeserializeItem(key, value string) {
	switch key {
	case "state":
		s, ok := ParseDeviceState(value)
		if !ok {
			d.debugf("Failed to parse state value, ignoring: %s", value)
			return
		}
		d.deserializedState = s
		d.hasDeserialized = true
	case "found":
		f, err := ParseDeviceFound(value)
		if err != nil {
			d.debugf("Failed to parse found value, ignoring: %s", value)
			return
		}
		d.deserializedFound = f
	default:
		d.UnitRecord.DeserializeItem(key, value)
	}
}

// Following makes every alias follow the unit named after the sysfs
// path.
func (d *Device) Following() Unit {
	if strings.HasPrefix(d.name, "sys-") || d.sysfs == "" {
		return nil
	}
	before, after, ok := d.mgr.devicesBySysfs.siblings(d.sysfs, d.handle)
	if !ok {
		return nil
	}
	for _, u := range after {
		if strings.HasPrefix(u.Name(), "sys-") {
			return u
		}
	}
	for i := len(before) - 1; i >= 0; i-- {
		if strings.HasPrefix(before[i].Name(), "sys-") {
			return before[i]
		}
	}
	if len(before) > 0 {
		return before[0]
	}
	return nil
}

func (d *Device) FollowingSet() []Unit {
	if d.sysfs == "" {
		return nil
	}
	before, after, ok := d.mgr.devicesBySysfs.siblings(d.sysfs, d.handle)
	if !ok || len(before)+len(after) == 0 {
		return nil
	}
	return append(after, before...)
}

// --- Discovery bits ---

// foundChanged derives the fine state from the discovery bits. udev
// visibility means plugged; any other channel alone means the kernel
// knows the device and udev may follow.
func (d *Device) foundChanged(previous, now DeviceFound) {
	switch {
	case now&FoundUdev != 0:
		d.setState(DevicePlugged)
	case now != 0:
		d.setState(DeviceTentative)
	default:
		d.setState(DeviceDead)
	}
}

// updateFoundOne copies the masked bits of found into the device. Until
// the manager runs they go to the enumeration shadow, which Catchup
// applies.
func (d *Device) updateFoundOne(found, mask DeviceFound) {
	if !d.mgr.Running() {
		d.enumeratedFound = (d.enumeratedFound &^ mask) | (found & mask)
		return
	}
	n := (d.found &^ mask) | (found & mask)
	if n == d.found {
		return
	}
	previous := d.found
	d.found = n
	d.foundChanged(previous, n)
}

func (m *Manager) updateFoundBySysfs(sysfs string, found, mask DeviceFound) {
	if mask == 0 {
		return
	}
	for _, u := range m.devicesBySysfs.Chain(sysfs) {
		u.(*Device).updateFoundOne(found, mask)
	}
}

func (m *Manager) updateFoundByName(path string, found, mask DeviceFound) {
	if mask == 0 {
		return
	}
	name, err := NameFromPath(path, ".device")
	if err != nil {
		m.logger.Error("Failed to generate unit name from device path %s: %v", path, err)
		return
	}
	if d, ok := m.units[name].(*Device); ok {
		d.updateFoundOne(found, mask)
	}
}

// --- udev properties ---

func (d *Device) updateDescription(dev DeviceProperties, path string) {
	model, ok := dev.Property("ID_MODEL_FROM_DATABASE")
	if !ok {
		model, ok = dev.Property("ID_MODEL")
	}
	if !ok {
		d.description = path
		return
	}
	for _, key := range []string{"ID_FS_LABEL", "ID_PART_ENTRY_NAME", "ID_PART_ENTRY_NUMBER"} {
		if label, ok := dev.Property(key); ok {
			d.description = model + " " + label
			return
		}
	}
	d.description = model
}

// addUdevWants adds Wants= edges from SYSTEMD_WANTS. Units listed for
// the first time while the device is already up are started right away,
// since the dead to plugged transition that would pull them in has
// already happened.
func (d *Device) addUdevWants(dev DeviceProperties) {
	property := "SYSTEMD_WANTS"
	if !d.mgr.cfg.System {
		property = "SYSTEMD_USER_WANTS"
	}
	value, _ := dev.Property(property)

	var added []string
	for _, word := range splitWords(value) {
		var name string
		var err error
		if IsTemplate(word) && d.sysfs != "" {
			name, err = ReplaceInstance(word, PathEscape(d.sysfs))
		} else {
			name, err = Mangle(word)
		}
		if err != nil {
			d.warnf("Failed to derive unit name from %s=%s, ignoring: %v", property, word, err)
			continue
		}
		if err := d.mgr.AddDependencyByName(d, DepWants, name, MaskUdev); err != nil {
			d.warnf("Failed to add Wants= dependency on %s: %v", name, err)
			continue
		}
		added = append(added, name)
	}

	if d.state != DeviceDead {
		for _, name := range added {
			if slices.Contains(d.wantsProperty, name) {
				continue
			}
			if _, err := d.mgr.AddJobByName(JobStart, name); err != nil {
				d.warnf("Failed to enqueue %s job, ignoring: %v", property, err)
			}
		}
	}
	d.wantsProperty = added
}

func (d *Device) updateBindMounts(dev DeviceProperties) bool {
	d.bindMounts = false
	if v, ok := dev.Property("SYSTEMD_MOUNT_DEVICE_BOUND"); ok {
		b, err := util.ParseBool(v)
		if err != nil {
			d.warnf("Failed to parse SYSTEMD_MOUNT_DEVICE_BOUND=%q, ignoring: %v", v, err)
		}
		d.bindMounts = b
	}
	return d.bindMounts
}

// upgradeMountDeps turns Requires= of mount units on the device into
// BindsTo=, for mounts seen before the bind flag was known.
func (d *Device) upgradeMountDeps() {
	for _, name := range d.Dependencies(DepRequiredBy) {
		if !strings.HasSuffix(name, ".mount") {
			continue
		}
		if other := d.mgr.units[name]; other != nil {
			_ = d.mgr.AddDependency(other, DepBindsTo, d, MaskUdev)
		}
	}
}

// splitWords splits a udev property value on whitespace, honoring
// single and double quotes.
func splitWords(s string) []string {
	var out []string
	var b strings.Builder
	var quote rune
	inWord := false
	for _, c := range s {
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			} else {
				b.WriteRune(c)
			}
		case c == '"' || c == '\'':
			quote = c
			inWord = true
		case c == ' ' || c == '\t' || c == '\n':
			if inWord {
				out = append(out, b.String())
				b.Reset()
				inWord = false
			}
		default:
			b.WriteRune(c)
			inWord = true
		}
	}
	if inWord {
		out = append(out, b.String())
	}
	return out
}

// --- Unit creation from udev ---

// deviceSetupUnit creates or refreshes the unit for path. dev may be
// nil when only the kernel references the node. main selects the unit
// named after the sysfs path, the only one udev wants apply to.
func (m *Manager) deviceSetupUnit(dev DeviceProperties, path string, main bool) error {
	var sysfs string
	if dev != nil {
		sysfs = dev.Syspath()
		if sysfs == "" {
			m.logger.Debug("Couldn't get syspath from udev device, ignoring.")
			return nil
		}
	}

	name, err := NameFromPath(path, ".device")
	if err != nil {
		return fmt.Errorf("unit name from device path %s: %w", path, err)
	}

	var d *Device
	if u := m.units[name]; u != nil {
		d = u.(*Device)
		// A plugged device keeps its sysfs path. A device restored from a
		// checkpoint has none yet and accepts any.
		if d.state == DevicePlugged && d.sysfs != "" && sysfs != "" && !util.PathEqual(d.sysfs, sysfs) {
			d.debugf("Device %s appeared twice with different sysfs paths %s and %s, ignoring the latter.",
				name, d.sysfs, sysfs)
			return fmt.Errorf("device %s: %w", name, os.ErrExist)
		}
		m.RemoveDependencies(d, MaskUdev)
	} else {
		u, err := m.LoadUnit(name)
		if err != nil {
			return err
		}
		d = u.(*Device)
	}

	if sysfs != "" {
		d.setSysfs(sysfs)
		d.updateDescription(dev, path)
		if main {
			d.addUdevWants(dev)
		}
	}

	if dev != nil && d.updateBindMounts(dev) {
		d.upgradeMountDeps()
	}
	return nil
}

// deviceProcessNew sets up units for every path of a ready device: the
// sysfs path, the node, its symlinks and SYSTEMD_ALIAS entries.
func (m *Manager) deviceProcessNew(dev DeviceProperties) error {
	sysfs := dev.Syspath()
	if sysfs == "" {
		return nil
	}
	if err := m.deviceSetupUnit(dev, sysfs, true); err != nil {
		return err
	}

	if dn := dev.Devnode(); dn != "" {
		_ = m.deviceSetupUnit(dev, dn, false)
	}

	major, minor, haveNum := dev.Devnum()
	for _, link := range dev.Devlinks() {
		if strings.HasPrefix(link, "/dev/block/") || strings.HasPrefix(link, "/dev/char/") {
			continue
		}
		// Two devices may claim the same link, e.g. by label. The one
		// the link currently points to wins.
		var st unix.Stat_t
		if err := unix.Stat(link, &st); err == nil {
			ft := st.Mode & unix.S_IFMT
			if (ft != unix.S_IFBLK && ft != unix.S_IFCHR) || !haveNum || st.Rdev != unix.Mkdev(major, minor) {
				continue
			}
		}
		_ = m.deviceSetupUnit(dev, link, false)
	}

	alias, _ := dev.Property("SYSTEMD_ALIAS")
	for _, word := range splitWords(alias) {
		switch {
		case !strings.HasPrefix(word, "/"):
			m.logger.Warn("SYSTEMD_ALIAS for %s is not an absolute path, ignoring: %s", sysfs, word)
		case !util.PathIsNormalized(word):
			m.logger.Warn("SYSTEMD_ALIAS for %s is not a normalized path, ignoring: %s", sysfs, word)
		default:
			_ = m.deviceSetupUnit(dev, word, false)
		}
	}
	return nil
}

func deviceIsReady(dev DeviceProperties) bool {
	v, ok := dev.Property("SYSTEMD_READY")
	if !ok {
		return true
	}
	b, err := util.ParseBool(v)
	return err != nil || b
}

// DeviceSupported reports whether device units work here. They need a
// writable /sys.
func (m *Manager) DeviceSupported() bool {
	return !m.cfg.ReadOnlySys
}

// enumerateDevices creates units for the devices udev already knows.
func (m *Manager) enumerateDevices() {
	if !m.DeviceSupported() {
		return
	}
	devs, err := m.devices.Enumerate()
	if err != nil {
		m.logger.Error("Failed to enumerate devices: %v", err)
		return
	}
	for _, dev := range devs {
		if !deviceIsReady(dev) {
			continue
		}
		if err := m.deviceProcessNew(dev); err != nil {
			m.logger.Debug("Failed to process device %s: %v", dev.Syspath(), err)
		}
		m.updateFoundBySysfs(dev.Syspath(), FoundUdev, FoundUdev)
	}
}

// DeviceEvent handles one udev event.
func (m *Manager) DeviceEvent(dev DeviceProperties) {
	if !m.DeviceSupported() {
		return
	}
	sysfs := dev.Syspath()
	if sysfs == "" {
		m.logger.Error("Failed to get udev sys path.")
		return
	}
	action := dev.Action()
	if action == "" {
		m.logger.Error("Failed to get udev action string.")
		return
	}

	if action == "change" {
		for _, u := range m.devicesBySysfs.Chain(sysfs) {
			if u.(*Device).state != DeviceDead {
				m.propagateReload(u)
			}
		}
	}

	// A change event may also report that a device became ready, so it
	// falls through to the readiness check.
	switch {
	case action == "remove":
		m.swapProcessDeviceRemove(dev)
		m.updateFoundBySysfs(sysfs, 0, FoundMask)

	case deviceIsReady(dev):
		if err := m.deviceProcessNew(dev); err != nil {
			m.logger.Debug("Failed to process device %s: %v", sysfs, err)
		}
		m.swapProcessDeviceNew(dev)
		m.DispatchLoadQueue()
		m.updateFoundBySysfs(sysfs, FoundUdev, FoundUdev)

	default:
		m.updateFoundBySysfs(sysfs, 0, FoundUdev)
	}
}

// validateNode checks that a node from /proc/swaps or the mount table
// is worth tracking. A missing node is fine; a file that is not a
// device node is not. dev is nil when udev does not know the node.
func (m *Manager) validateNode(node string) (dev DeviceProperties, ok bool) {
	if !util.PathStartsWith(node, "/dev") {
		return nil, false
	}
	var st unix.Stat_t
	if err := unix.Stat(node, &st); err != nil {
		if errors.Is(err, unix.ENOENT) {
			return nil, true
		}
		m.logger.Error("Failed to stat device node %s: %v", node, err)
		return nil, false
	}
	ft := st.Mode & unix.S_IFMT
	if ft != unix.S_IFBLK && ft != unix.S_IFCHR {
		return nil, false
	}
	dev, err := m.devices.Lookup(ft == unix.S_IFBLK, unix.Major(st.Rdev), unix.Minor(st.Rdev))
	if errors.Is(err, ErrNotFound) {
		return nil, true
	}
	if err != nil {
		m.logger.Error("Failed to get udev device %d:%d: %v", unix.Major(st.Rdev), unix.Minor(st.Rdev), err)
		return nil, false
	}
	return dev, true
}

// DeviceFoundNode is called when the mount table or the swap table
// references node. The masked bits of found replace the device's
// bits; setting a bit creates the unit if needed.
func (m *Manager) DeviceFoundNode(node string, found, mask DeviceFound) {
	if !m.DeviceSupported() || mask == 0 {
		return
	}
	if found&mask != 0 {
		dev, ok := m.validateNode(node)
		if !ok {
			return
		}
		if err := m.deviceSetupUnit(dev, node, false); err != nil {
			m.logger.Debug("Failed to set up device unit for %s: %v", node, err)
		}
	}
	m.updateFoundByName(node, found, mask)
}
