package unit

// Handle is a stable reference to a unit in the manager's arena. A
// handle outlives the unit it names: once the unit is freed the handle
// resolves to nil.
type Handle struct {
	idx uint32
	gen uint32
}

// Valid reports whether h was ever assigned.
func (h Handle) Valid() bool { return h.gen != 0 }

type arenaSlot struct {
	unit Unit
	gen  uint32
}

// arena owns the handle space. Slots are reused with a bumped
// generation so stale handles never resolve to a different unit.
type arena struct {
	slots []arenaSlot
	free  []uint32
}

func (a *arena) add(u Unit) Handle {
	if n := len(a.free); n > 0 {
		idx := a.free[n-1]
		a.free = a.free[:n-1]
		s := &a.slots[idx]
		s.unit = u
		s.gen++
		return Handle{idx: idx, gen: s.gen}
	}
	a.slots = append(a.slots, arenaSlot{unit: u, gen: 1})
	return Handle{idx: uint32(len(a.slots) - 1), gen: 1}
}

func (a *arena) remove(h Handle) {
	if a.get(h) == nil {
		return
	}
	a.slots[h.idx].unit = nil
	a.free = append(a.free, h.idx)
}

func (a *arena) get(h Handle) Unit {
	if !h.Valid() || int(h.idx) >= len(a.slots) {
		return nil
	}
	s := a.slots[h.idx]
	if s.gen != h.gen {
		return nil
	}
	return s.unit
}

// Registry groups units that reference the same physical resource,
// keyed by sysfs path for devices and by device node for swaps. Each
// key maps to the handles in registration order.
type Registry struct {
	arena  *arena
	chains map[string][]Handle
}

func newRegistry(a *arena) *Registry {
	return &Registry{arena: a, chains: make(map[string][]Handle)}
}

// Register appends h to the chain for key.
func (r *Registry) Register(key string, h Handle) {
	for _, x := range r.chains[key] {
		if x == h {
			return
		}
	}
	r.chains[key] = append(r.chains[key], h)
}

// Unregister removes h from the chain for key, dropping the key when
// the chain becomes empty.
func (r *Registry) Unregister(key string, h Handle) {
	chain := r.chains[key]
	for i, x := range chain {
		if x != h {
			continue
		}
		if len(chain) == 1 {
			delete(r.chains, key)
			return
		}
		out := make([]Handle, 0, len(chain)-1)
		out = append(out, chain[:i]...)
		out = append(out, chain[i+1:]...)
		r.chains[key] = out
		return
	}
}

// Chain returns the live units registered under key, in order.
func (r *Registry) Chain(key string) []Unit {
	chain := r.chains[key]
	if len(chain) == 0 {
		return nil
	}
	out := make([]Unit, 0, len(chain))
	for _, h := range chain {
		if u := r.arena.get(h); u != nil {
			out = append(out, u)
		}
	}
	return out
}

// First returns the head of the chain for key.
func (r *Registry) First(key string) Unit {
	for _, h := range r.chains[key] {
		if u := r.arena.get(h); u != nil {
			return u
		}
	}
	return nil
}

// Len reports the number of keys.
func (r *Registry) Len() int { return len(r.chains) }

// Clear drops every chain.
func (r *Registry) Clear() {
	r.chains = make(map[string][]Handle)
}

// siblings splits the chain for key around h into the members
// registered before and after it. ok is false if h is not registered.
func (r *Registry) siblings(key string, h Handle) (before, after []Unit, ok bool) {
	chain := r.chains[key]
	pos := -1
	for i, x := range chain {
		if x == h {
			pos = i
			break
		}
	}
	if pos < 0 {
		return nil, nil, false
	}
	for _, x := range chain[:pos] {
		if u := r.arena.get(x); u != nil {
			before = append(before, u)
		}
	}
	for _, x := range chain[pos+1:] {
		if u := r.arena.get(x); u != nil {
			after = append(after, u)
		}
	}
	return before, after, true
}

// others returns every live member of key's chain except h.
func (r *Registry) others(key string, h Handle) []Unit {
	before, after, _ := r.siblings(key, h)
	return append(before, after...)
}
