package unit

import (
	"fmt"
	"sort"
)

// DependencyMask records where a dependency edge came from, so edges
// of one origin can be dropped without touching the others.
//
//	MaskFile     configured in a unit fragment
//	MaskImplicit derived from the unit's own settings (What=, paths)
//	MaskDefault  added by DefaultDependencies=yes
//	MaskUdev     added from udev properties of a device
type DependencyMask uint8

const (
	MaskFile DependencyMask = 1 << iota
	MaskImplicit
	MaskDefault
	MaskUdev
)

// AddDependency adds an edge of kind d from u to other, plus the
// mirrored back edge on other. Self edges are ignored.
func (m *Manager) AddDependency(u Unit, d DependencyType, other Unit, mask DependencyMask) error {
	if d >= depMax {
		return fmt.Errorf("dependency type %d: %w", d, ErrInvalid)
	}
	if u == other {
		return nil
	}
	u.Record().addEdge(d, other.Name(), mask)
	other.Record().addEdge(d.Inverse(), u.Name(), mask)
	return nil
}

// AddDependencyByName resolves name, creating a stub unit queued for
// loading if needed, and adds the edge.
func (m *Manager) AddDependencyByName(u Unit, d DependencyType, name string, mask DependencyMask) error {
	other, err := m.LoadUnit(name)
	if err != nil {
		return err
	}
	return m.AddDependency(u, d, other, mask)
}

// RemoveDependencies drops the mask bits from every edge of u and its
// mirrors; edges left with no origin disappear.
func (m *Manager) RemoveDependencies(u Unit, mask DependencyMask) {
	r := u.Record()
	for d := DependencyType(0); d < depMax; d++ {
		for name, have := range r.deps[d] {
			left := have &^ mask
			if left == have {
				continue
			}
			r.setEdge(d, name, left)
			if other := m.units[name]; other != nil {
				or := other.Record()
				inv := d.Inverse()
				or.setEdge(inv, r.name, or.deps[inv][r.name]&^mask)
			}
		}
	}
}

// dropAllDependencies removes every edge touching u.
func (m *Manager) dropAllDependencies(u Unit) {
	m.RemoveDependencies(u, ^DependencyMask(0))
}

func (r *UnitRecord) addEdge(d DependencyType, name string, mask DependencyMask) {
	if r.deps[d] == nil {
		r.deps[d] = make(map[string]DependencyMask)
	}
	r.deps[d][name] |= mask
}

func (r *UnitRecord) setEdge(d DependencyType, name string, mask DependencyMask) {
	if mask == 0 {
		delete(r.deps[d], name)
		return
	}
	r.deps[d][name] = mask
}

// Dependencies returns the sorted names of the units related to this
// one by d.
func (r *UnitRecord) Dependencies(d DependencyType) []string {
	out := make([]string, 0, len(r.deps[d]))
	for name := range r.deps[d] {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// HasDependency reports whether an edge of kind d to name exists.
func (r *UnitRecord) HasDependency(d DependencyType, name string) bool {
	_, ok := r.deps[d][name]
	return ok
}

// dependencyUnits resolves the units related to u by d.
func (m *Manager) dependencyUnits(u Unit, d DependencyType) []Unit {
	names := u.Record().Dependencies(d)
	out := make([]Unit, 0, len(names))
	for _, name := range names {
		if other := m.units[name]; other != nil {
			out = append(out, other)
		}
	}
	return out
}
