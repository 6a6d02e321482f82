package unit

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/sunlightlinux/slunit/internal/util"
)

// ProcSwapEntry is one line of /proc/swaps.
type ProcSwapEntry struct {
	Device   string
	Type     string
	Priority int
}

// ParseProcSwaps parses the kernel swap table. The header line is
// skipped and device names are unescaped.
func ParseProcSwaps(r io.Reader) ([]ProcSwapEntry, error) {
	var out []ProcSwapEntry
	sc := bufio.NewScanner(r)
	first := true
	for sc.Scan() {
		if first {
			first = false
			continue
		}
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) < 5 {
			return out, fmt.Errorf("malformed swap line %q", sc.Text())
		}
		prio, err := strconv.Atoi(fields[4])
		if err != nil {
			return out, fmt.Errorf("malformed swap priority %q: %w", fields[4], err)
		}
		out = append(out, ProcSwapEntry{
			Device:   util.Unoctescape(fields[0]),
			Type:     fields[1],
			Priority: prio,
		})
	}
	return out, sc.Err()
}

// SwapSupported reports whether swap units can be managed here.
func (m *Manager) SwapSupported() bool {
	if m.cfg.Container {
		return false
	}
	_, err := os.Stat(m.cfg.ProcSwaps)
	return err == nil
}

// loadProcSwaps reads the kernel swap table and creates or updates a
// unit for every path each entry is reachable through.
func (m *Manager) loadProcSwaps(setFlags bool) error {
	f, err := os.Open(m.cfg.ProcSwaps)
	if err != nil {
		return err
	}
	defer f.Close()

	entries, err := ParseProcSwaps(f)
	for _, e := range entries {
		m.DeviceFoundNode(e.Device, FoundSwap, FoundSwap)
		m.swapProcessNew(e.Device, e.Priority, setFlags)
	}
	return err
}

// swapProcessNew sets up the unit for device and, if device is a block
// device, for its canonical node and every symlink udev knows for it.
func (m *Manager) swapProcessNew(device string, prio int, setFlags bool) {
	if err := m.swapSetupUnit(device, device, prio, setFlags); err != nil {
		m.logger.Warn("Failed to set up swap unit for %s: %v", device, err)
	}

	var st unix.Stat_t
	if err := unix.Stat(device, &st); err != nil || st.Mode&unix.S_IFMT != unix.S_IFBLK {
		return
	}
	dev, err := m.devices.Lookup(true, unix.Major(st.Rdev), unix.Minor(st.Rdev))
	if err != nil {
		m.logger.Debug("Failed to get device for swap %s: %v", device, err)
		return
	}

	if dn := dev.Devnode(); dn != "" && dn != device {
		if err := m.swapSetupUnit(dn, device, prio, setFlags); err != nil {
			m.logger.Warn("Failed to set up swap unit for %s: %v", dn, err)
		}
	}

	for _, link := range dev.Devlinks() {
		if link == device || strings.HasPrefix(link, "/dev/block/") {
			continue
		}
		var lst unix.Stat_t
		if err := unix.Stat(link, &lst); err == nil &&
			(lst.Mode&unix.S_IFMT != unix.S_IFBLK || lst.Rdev != st.Rdev) {
			continue
		}
		if err := m.swapSetupUnit(link, device, prio, setFlags); err != nil {
			m.logger.Warn("Failed to set up swap unit for %s: %v", link, err)
		}
	}
}

// swapSetupUnit creates the unit for the swap path what, which the
// kernel lists as whatProc, and records the /proc/swaps parameters.
func (m *Manager) swapSetupUnit(what, whatProc string, prio int, setFlags bool) error {
	name, err := NameFromPath(what, ".swap")
	if err != nil {
		return err
	}

	var s *Swap
	if u := m.units[name]; u != nil {
		s = u.(*Swap)
		if s.fromProcSwaps && s.procParams.what != "" && s.procParams.what != whatProc {
			return fmt.Errorf("swap %s appeared twice with different device paths %s and %s: %w",
				name, s.procParams.what, whatProc, os.ErrExist)
		}
		if s.loadState == LoadNotFound || s.loadState == LoadBadSetting {
			// Seen in the kernel now, so retry without a fragment.
			s.loadState = LoadStub
			s.loadErr = nil
			s.fromProcSwaps = true
			m.addToLoadQueue(s)
		}
	} else {
		u, err := m.LoadUnit(name)
		if err != nil {
			return err
		}
		s = u.(*Swap)
		s.what = what
	}

	if s.procParams.what == "" {
		s.procParams.what = whatProc
	}
	if setFlags {
		s.isActive = true
		s.justActivated = !s.fromProcSwaps
	}
	s.fromProcSwaps = true
	s.procParams.priority = prio
	return nil
}

// unsetProcSwaps forgets the /proc/swaps parameters of a swap the
// kernel no longer lists.
func (s *Swap) unsetProcSwaps() {
	if !s.fromProcSwaps {
		return
	}
	s.procParams.what = ""
	s.procParams.priority = -1
	s.fromProcSwaps = false
}

func (m *Manager) swaps() []*Swap {
	var out []*Swap
	for _, u := range m.Units() {
		if s, ok := u.(*Swap); ok {
			out = append(out, s)
		}
	}
	return out
}

// ProcessProcSwaps rescans /proc/swaps and moves every swap unit to
// the state the kernel reports. It is called when the table changes and
// whenever a swap control process exits.
func (m *Manager) ProcessProcSwaps() error {
	if err := m.loadProcSwaps(true); err != nil {
		m.logger.Error("Failed to reread %s: %v", m.cfg.ProcSwaps, err)
		for _, s := range m.swaps() {
			s.isActive = false
			s.justActivated = false
		}
		return err
	}

	m.DispatchLoadQueue()

	for _, s := range m.swaps() {
		switch {
		case !s.isActive:
			s.unsetProcSwaps()
			if s.state == SwapActive {
				s.enterDead(SwapSuccess)
			} else {
				s.setState(s.state)
			}
			if s.what != "" {
				m.DeviceFoundNode(s.what, 0, FoundSwap)
			}

		case s.justActivated:
			switch s.state {
			case SwapDead, SwapFailed:
				s.result = SwapSuccess
				s.enterActive(SwapSuccess)
			case SwapActivating:
				s.setState(SwapActivatingDone)
			default:
				// Nothing changed, but someone may be waiting for it.
				s.setState(s.state)
			}
		}
		s.isActive = false
		s.justActivated = false
	}
	return nil
}

// enumerateSwaps picks up the swaps already active at startup.
func (m *Manager) enumerateSwaps() {
	if m.cfg.Container {
		return
	}
	if err := m.loadProcSwaps(false); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			m.logger.Debug("No %s, swap units unsupported", m.cfg.ProcSwaps)
			return
		}
		m.logger.Error("Failed to load %s: %v", m.cfg.ProcSwaps, err)
	}
}

func (m *Manager) shutdownSwaps() {
	m.swapsByDevnode.Clear()
}

// swapProcessDeviceNew assigns the devnode of a new block device to
// the swap units named after it and after its symlinks.
func (m *Manager) swapProcessDeviceNew(dev DeviceProperties) {
	dn := dev.Devnode()
	if dn == "" {
		return
	}
	set := func(path string) {
		name, err := NameFromPath(path, ".swap")
		if err != nil {
			return
		}
		if s, ok := m.units[name].(*Swap); ok {
			s.setDevnode(dn)
		}
	}
	set(dn)
	for _, link := range dev.Devlinks() {
		set(link)
	}
}

// swapProcessDeviceRemove drops the devnode of every swap on a removed
// device.
func (m *Manager) swapProcessDeviceRemove(dev DeviceProperties) {
	dn := dev.Devnode()
	if dn == "" {
		return
	}
	for _, u := range m.swapsByDevnode.Chain(dn) {
		u.(*Swap).setDevnode("")
	}
}
