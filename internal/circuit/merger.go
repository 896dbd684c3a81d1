package circuit

// mergeState is the tag of the merge target.
type mergeState int

const (
	mergeNone mergeState = iota
	mergePending
)

// String returns the name of the state.
func (s mergeState) String() string {
	switch s {
	case mergePending:
		return "pending"
	default:
		return "none"
	}
}

// Merger folds automatic-layout re-flows into the user edit that triggered
// them. It is a two-state machine: none, or pending(editID) holding the
// circuit produced by that edit.
//
// Merger is not safe for concurrent use; Store serializes access.
type Merger struct {
	state  mergeState
	editID uint64
	target *Circuit
}

// Track makes the circuit produced by edit id the merge target.
func (m *Merger) Track(id uint64, c *Circuit) {
	m.state = mergePending
	m.editID = id
	m.target = c
}

// Clear drops the merge target. Called on load, synthesis, undo, redo and
// revert.
func (m *Merger) Clear() {
	m.state = mergeNone
	m.editID = 0
	m.target = nil
}

// Pending returns the edit id of the merge target, if any.
func (m *Merger) Pending() (uint64, bool) {
	if m.state != mergePending {
		return 0, false
	}
	return m.editID, true
}

// Absorb rewrites the merge target in place with the layout-adjusted circuit
// and returns it. The target stays pending so later re-flows of the same
// edit also merge. When nothing is pending it returns false and the caller
// treats the layout as independent.
func (m *Merger) Absorb(layout *Circuit) (*Circuit, uint64, bool) {
	if m.state != mergePending || m.target == nil {
		return nil, 0, false
	}
	m.target.assign(layout)
	return m.target, m.editID, true
}

// State returns the current tag, for diagnostics.
func (m *Merger) State() string {
	return m.state.String()
}
