package unit

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/google/renameio/v2"

	"github.com/sunlightlinux/slunit/internal/util"
)

// Serialize writes the manager state and every unit's state to w. The
// format is private to this version of slunit: a manager section, then
// one section per unit headed by its name, sections ending in a blank
// line.
func (m *Manager) Serialize(w io.Writer) error {
	s := NewSerializer(w)
	s.Itemf("next-job-id", "%d", m.nextJobID)
	s.Item("system", util.FormatBool(m.cfg.System))
	s.line("")

	for _, u := range m.Units() {
		r := u.Record()
		if r.loadState == LoadStub {
			continue
		}
		s.line(r.name)
		m.serializeCommon(r, s)
		u.Serialize(s)
		s.line("")
	}
	return s.Flush()
}

func (m *Manager) serializeCommon(r *UnitRecord, s *Serializer) {
	if !r.stateChangeTime.IsZero() {
		s.Itemf("state-change-timestamp", "%d", r.stateChangeTime.UnixMicro())
	}
	if !r.activeEnterTime.IsZero() {
		s.Itemf("active-enter-timestamp", "%d", r.activeEnterTime.UnixMicro())
	}
	if !r.activeExitTime.IsZero() {
		s.Itemf("active-exit-timestamp", "%d", r.activeExitTime.UnixMicro())
	}
	if r.transient {
		s.Item("transient", "yes")
		if r.description != "" {
			s.Item("description", r.description)
		}
	}
	if r.cgroupPath != "" {
		s.Item("cgroup", r.cgroupPath)
	}
	if r.job != nil {
		s.Item("job", r.job.Type.String())
	}
}

// Deserialize reads a checkpoint written by Serialize. Units named in
// it are created as stubs and receive their items before loading. Bad
// lines are logged and skipped; an error is returned only when the
// input cannot be read at all.
func (m *Manager) Deserialize(rd io.Reader) error {
	m.reloading++
	defer func() { m.reloading-- }()

	cr := newCheckpointReader(rd)
	bad := func(line int, text string) {
		m.logger.Notice("Checkpoint line %d malformed, ignoring: %q", line, text)
	}

	cr.items(func(key, value string) {
		switch key {
		case "next-job-id":
			if n, err := strconv.ParseUint(value, 10, 32); err == nil && uint32(n) > m.nextJobID {
				m.nextJobID = uint32(n)
			}
		case "system":
		default:
			m.logger.Debug("Unknown manager serialization key: %s", key)
		}
	}, bad)

	for {
		name, ok := cr.next()
		if !ok {
			break
		}
		if name == "" {
			continue
		}
		u, err := m.LoadUnit(name)
		if err != nil {
			m.logger.Notice("Failed to restore unit %s, skipping: %v", name, err)
			cr.items(func(string, string) {}, bad)
			continue
		}
		cr.items(func(key, value string) {
			if !m.deserializeCommon(u, key, value) {
				u.DeserializeItem(key, value)
			}
		}, bad)
	}
	if err := cr.sc.Err(); err != nil {
		return fmt.Errorf("read checkpoint: %w", err)
	}
	return nil
}

// deserializeCommon handles the items serializeCommon writes. It
// returns false for keys it does not know.
func (m *Manager) deserializeCommon(u Unit, key, value string) bool {
	r := u.Record()
	parseTime := func(dst *time.Time) {
		usec, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			r.debugf("Failed to parse %s value: %s", key, value)
			return
		}
		*dst = time.UnixMicro(usec)
	}
	switch key {
	case "state-change-timestamp":
		parseTime(&r.stateChangeTime)
	case "active-enter-timestamp":
		parseTime(&r.activeEnterTime)
	case "active-exit-timestamp":
		parseTime(&r.activeExitTime)
	case "transient":
		b, err := util.ParseBool(value)
		if err != nil {
			r.debugf("Failed to parse transient value: %s", value)
			return true
		}
		r.transient = b
	case "description":
		r.description = value
	case "cgroup":
		if r.cgroupPath != "" {
			delete(m.cgroupUnits, r.cgroupPath)
		}
		r.cgroupPath = value
		m.cgroupUnits[value] = u
	case "job":
		t, err := ParseJobType(value)
		if err != nil {
			r.debugf("Failed to parse job value: %s", value)
			return true
		}
		r.hasDeserializedJob = true
		r.deserializedJob = t
	default:
		return false
	}
	return true
}

// WriteCheckpoint serializes the manager into path. The file is
// replaced atomically so a crash never leaves a torn checkpoint.
func (m *Manager) WriteCheckpoint(path string) error {
	f, err := renameio.NewPendingFile(path, renameio.WithPermissions(0o600))
	if err != nil {
		return fmt.Errorf("create checkpoint: %w", err)
	}
	defer f.Cleanup()
	if err := m.Serialize(f); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := f.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("commit checkpoint: %w", err)
	}
	return nil
}

// ReadCheckpoint opens a checkpoint written by WriteCheckpoint and
// removes it, so a crash loop does not replay it.
func ReadCheckpoint(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		f.Close()
		return nil, err
	}
	return f, nil
}
