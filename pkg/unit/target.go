package unit

// TargetState is the fine state of a target unit.
type TargetState uint8

const (
	TargetDead TargetState = iota
	TargetActive
	targetStateMax
)

var targetStateNames = [targetStateMax]string{
	TargetDead:   "dead",
	TargetActive: "active",
}

var targetStateTable = [targetStateMax]ActiveState{
	TargetDead:   ActiveInactive,
	TargetActive: ActiveActive,
}

func (s TargetState) String() string {
	if s < targetStateMax {
		return targetStateNames[s]
	}
	return "invalid"
}

// Target is a synchronization point with no processes of its own. It
// becomes active as soon as it is started.
type Target struct {
	UnitRecord

	state             TargetState
	deserializedState TargetState
	hasDeserialized   bool
}

func newTarget(m *Manager, name string) *Target {
	t := &Target{}
	t.UnitRecord = newUnitRecord(t, m, name, TypeTarget)
	return t
}

func (t *Target) ActiveState() ActiveState { return targetStateTable[t.state] }
func (t *Target) SubState() string         { return t.state.String() }

// State returns the fine state.
func (t *Target) State() TargetState { return t.state }

// MayGC keeps targets around; they anchor ordering for other units.
func (t *Target) MayGC() bool { return false }

func (t *Target) setState(s TargetState) {
	old := t.state
	t.state = s
	if s != old {
		t.debugf("Changed %s -> %s", old, s)
	}
	t.notify(targetStateTable[old], targetStateTable[s])
}

func (t *Target) Coldplug() error {
	if t.hasDeserialized && t.deserializedState != t.state {
		t.setState(t.deserializedState)
	}
	t.hasDeserialized = false
	return nil
}

func (t *Target) Start() error {
	t.setState(TargetActive)
	return nil
}

func (t *Target) Stop() error {
	t.setState(TargetDead)
	return nil
}

func (t *Target) Serialize(w *Serializer) {
	w.Item("state", t.state.String())
}

func (t *Target) DeserializeItem(key, value string) {
	if key != "state" {
		t.UnitRecord.DeserializeItem(key, value)
		return
	}
	for i, n := range targetStateNames {
		if n == value {
			t.deserializedState = TargetState(i)
			t.hasDeserialized = true
			return
		}
	}
	t.debugf("Failed to parse state value: %s", value)
}

// Other stands in for a dependency on a unit type slunit does not
// manage, such as a service or mount. It never loads and never runs.
type Other struct {
	UnitRecord
}

func newOther(m *Manager, name string) *Other {
	o := &Other{}
	o.UnitRecord = newUnitRecord(o, m, name, TypeOther)
	return o
}

func (o *Other) Load() error {
	return ErrNotFound
}

func (o *Other) ActiveState() ActiveState { return ActiveInactive }
func (o *Other) SubState() string         { return "dead" }

func (o *Other) Start() error { return ErrUnsupported }
func (o *Other) Stop() error  { return nil }
