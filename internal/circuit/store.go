package circuit

import (
	"log/slog"
	"sync"
)

// RunState is the simulation state reported by the presentation context.
type RunState struct {
	Tick             int  `json:"tick"`
	HasCircuit       bool `json:"hascircuit"`
	Running          bool `json:"running"`
	HasPendingEvents bool `json:"hasPendingEvents"`
}

// Snapshot is the current circuit and tick, for persistence or for
// re-synchronizing the presentation context.
type Snapshot struct {
	Circuit *Circuit
	Tick    int
}

// LayoutResult reports what ApplyLayout did with a re-flow notification.
type LayoutResult struct {
	// Merged is true when the layout was folded into a pending user edit.
	Merged bool
	// EditID is the edit the layout merged into. Zero when not merged.
	EditID uint64
}

// Store owns the authoritative circuit, the dirty flag, the tick and the
// run state. Listeners are called outside the store lock.
type Store struct {
	mu sync.Mutex

	current    *Circuit
	baseline   *Circuit
	extraDirty bool
	runState   RunState
	merger     Merger
	history    History
	nextEditID uint64

	tickListeners     []func(int)
	runStateListeners []func(RunState)

	logger *slog.Logger
}

// NewStore creates a store holding the empty circuit.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	empty := Empty()
	return &Store{
		current:  empty,
		baseline: empty.Clone(),
		logger:   logger,
	}
}

// OnTick registers a tick-changed listener.
func (s *Store) OnTick(fn func(int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickListeners = append(s.tickListeners, fn)
}

// OnRunState registers a run-state listener.
func (s *Store) OnRunState(fn func(RunState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runStateListeners = append(s.runStateListeners, fn)
}

// Replace installs c wholesale and resets the tick to 0. With markDirty the
// replacement is recorded as an undoable edit; without it the circuit
// becomes the new clean baseline and the history is dropped.
func (s *Store) Replace(c *Circuit, markDirty bool) {
	c = prepare(c)
	s.mu.Lock()
	s.merger.Clear()
	prev := s.current
	s.current = c
	if markDirty {
		s.nextEditID++
		s.history.Record(Edit{ID: s.nextEditID, Label: ReplaceLabel, Before: prev, After: c})
	} else {
		s.history.Reset()
		s.baseline = c.Clone()
		s.extraDirty = false
	}
	notify := s.setTickLocked(0)
	s.mu.Unlock()

	s.logger.Debug("circuit replaced", "dirty", markDirty, "devices", len(c.Devices))
	notify()
}

// ApplyUserEdit installs a circuit produced by a user interaction in the
// presentation context, marks the session dirty and makes the circuit the
// merge target. An edit that leaves the circuit unchanged records nothing,
// clears the merge target and reports false.
func (s *Store) ApplyUserEdit(c *Circuit, kind EditKind) (Edit, bool) {
	c = prepare(c)
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.Equal(s.current) {
		s.merger.Clear()
		return Edit{}, false
	}
	s.nextEditID++
	e := Edit{ID: s.nextEditID, Label: kind.Label(), Before: s.current, After: c}
	s.history.Record(e)
	s.current = c
	s.merger.Track(e.ID, c)
	s.logger.Debug("user edit", "id", e.ID, "label", e.Label)
	return e, true
}

// ApplyLayout handles an automatic-layout re-flow. With a pending merge
// target the target is rewritten in place and no edit is recorded. Without
// one the circuit is assigned directly, also without recording an edit or
// touching the dirty flag.
func (s *Store) ApplyLayout(c *Circuit) LayoutResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if target, id, ok := s.merger.Absorb(c); ok {
		s.current = target
		s.logger.Debug("layout merged", "edit", id)
		return LayoutResult{Merged: true, EditID: id}
	}
	s.current = prepare(c)
	s.logger.Debug("layout applied without merge target")
	return LayoutResult{}
}

// Sync installs the circuit echoed back by the presentation context in
// answer to a flush request. It does not record an edit, touch the dirty
// flag or reset the tick, but it does end any pending merge.
func (s *Store) Sync(c *Circuit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.merger.Clear()
	if c.Equal(s.current) {
		return
	}
	s.current = prepare(c)
}

// SetTick updates the tick and notifies listeners. Setting the current
// value again does nothing.
func (s *Store) SetTick(tick int) {
	s.mu.Lock()
	notify := s.setTickLocked(tick)
	s.mu.Unlock()
	notify()
}

func (s *Store) setTickLocked(tick int) func() {
	if tick < 0 {
		tick = 0
	}
	if s.runState.Tick == tick {
		return func() {}
	}
	s.runState.Tick = tick
	listeners := append([]func(int){}, s.tickListeners...)
	return func() {
		for _, fn := range listeners {
			fn(tick)
		}
	}
}

// SetRunState stores the run flags reported by the presentation context.
// The tick is not part of a run-state message and is left alone.
func (s *Store) SetRunState(hasCircuit, running, hasPendingEvents bool) {
	s.mu.Lock()
	s.runState.HasCircuit = hasCircuit
	s.runState.Running = running
	s.runState.HasPendingEvents = hasPendingEvents
	state := s.runState
	listeners := append([]func(RunState){}, s.runStateListeners...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(state)
	}
}

// RunState returns the last reported run state.
func (s *Store) RunState() RunState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runState
}

// Snapshot returns the current circuit and tick. The circuit is a copy
// that later layout merges do not touch.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{Circuit: s.current.shallow(), Tick: s.runState.Tick}
}

// Circuit returns a copy of the current circuit, safe to read and encode
// without the store lock.
func (s *Store) Circuit() *Circuit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.shallow()
}

// Dirty reports whether the session has unsaved changes.
func (s *Store) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirtyLocked()
}

func (s *Store) dirtyLocked() bool {
	return s.extraDirty || !s.history.AtSaved()
}

// MarkDirty flags a change that is not a circuit edit, such as a change of
// the tracked files or synthesis options.
func (s *Store) MarkDirty() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extraDirty = true
}

// MarkClean records that the current state has been saved.
func (s *Store) MarkClean() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extraDirty = false
	s.history.MarkSaved()
	s.baseline = s.current.Clone()
}

// Undo reverts the last edit. It reports false when there is nothing to
// undo.
func (s *Store) Undo() (Edit, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.merger.Clear()
	e, ok := s.history.Undo()
	if !ok {
		return Edit{}, false
	}
	s.current = e.Before
	return e, true
}

// Redo re-applies the last undone edit.
func (s *Store) Redo() (Edit, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.merger.Clear()
	e, ok := s.history.Redo()
	if !ok {
		return Edit{}, false
	}
	s.current = e.After
	return e, true
}

// Revert restores the circuit last loaded or saved, drops the history and
// clears the dirty flag.
func (s *Store) Revert() *Circuit {
	s.mu.Lock()
	s.merger.Clear()
	s.current = s.baseline.Clone()
	s.history.Reset()
	s.extraDirty = false
	c := s.current.shallow()
	notify := s.setTickLocked(0)
	s.mu.Unlock()
	notify()
	return c
}

// History returns the applied edits, oldest first.
func (s *Store) History() []Edit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.Edits()
}

// MergeState returns the merger's tag and pending edit id.
func (s *Store) MergeState() (string, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, _ := s.merger.Pending()
	return s.merger.State(), id
}

// Reset empties the store at the end of a session.
func (s *Store) Reset() {
	s.mu.Lock()
	s.merger.Clear()
	s.history.Reset()
	s.current = Empty()
	s.baseline = Empty()
	s.extraDirty = false
	s.runState = RunState{Tick: s.runState.Tick}
	notify := s.setTickLocked(0)
	s.mu.Unlock()
	notify()
}
