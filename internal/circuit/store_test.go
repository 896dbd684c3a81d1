package circuit

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplaceThenSnapshot(t *testing.T) {
	circuits := []*Circuit{Empty(), sample("a"), sample("a", "b")}
	for _, c := range circuits {
		s := NewStore(nil)
		s.SetTick(42)
		s.Replace(c, false)

		snap := s.Snapshot()
		assert.True(t, c.Equal(snap.Circuit))
		assert.Equal(t, 0, snap.Tick)
		assert.False(t, s.Dirty())
	}
}

func TestReplaceDirtyRecordsEdit(t *testing.T) {
	s := NewStore(nil)
	s.Replace(sample("a"), true)
	assert.True(t, s.Dirty())
	hist := s.History()
	require.Len(t, hist, 1)
	assert.Equal(t, ReplaceLabel, hist[0].Label)
}

func TestSetTickIsIdempotent(t *testing.T) {
	s := NewStore(nil)
	var seen []int
	s.OnTick(func(tick int) { seen = append(seen, tick) })

	s.SetTick(3)
	s.SetTick(3)
	s.SetTick(4)
	s.Replace(sample("a"), false)
	s.Replace(sample("b"), false)

	if diff := cmp.Diff([]int{3, 4, 0}, seen); diff != "" {
		t.Errorf("tick notifications mismatch (-want +got):\n%s", diff)
	}
}

func TestUserEditMarksDirty(t *testing.T) {
	s := NewStore(nil)
	s.Replace(sample("a"), false)

	e, ok := s.ApplyUserEdit(sample("a", "b"), ParseEditKind("add", "Lamp"))
	require.True(t, ok)
	assert.Equal(t, "Adding Lamp", e.Label)
	assert.True(t, s.Dirty())

	state, id := s.MergeState()
	assert.Equal(t, "pending", state)
	assert.Equal(t, e.ID, id)
}

func TestNoOpUserEditRecordsNothing(t *testing.T) {
	s := NewStore(nil)
	s.Replace(sample("a"), false)

	_, ok := s.ApplyUserEdit(sample("a"), ParseEditKind("pos", ""))
	assert.False(t, ok)
	assert.False(t, s.Dirty())
	assert.Empty(t, s.History())
	state, _ := s.MergeState()
	assert.Equal(t, "none", state)
}

func TestEditThenLayoutYieldsOneEdit(t *testing.T) {
	s := NewStore(nil)
	s.Replace(sample("a"), false)

	edited := sample("a", "b")
	e, ok := s.ApplyUserEdit(edited, ParseEditKind("add", "Lamp"))
	require.True(t, ok)

	layout := sample("a", "b", "c")
	res := s.ApplyLayout(layout)
	assert.True(t, res.Merged)
	assert.Equal(t, e.ID, res.EditID)

	hist := s.History()
	require.Len(t, hist, 1)
	assert.True(t, hist[0].After.Equal(layout))
	assert.True(t, s.Circuit().Equal(layout))
	assert.Same(t, hist[0].After, s.current)

	// A second re-flow of the same edit merges as well.
	layout2 := sample("a", "c")
	res = s.ApplyLayout(layout2)
	assert.True(t, res.Merged)
	assert.Len(t, s.History(), 1)
	assert.True(t, s.Circuit().Equal(layout2))

	// Undo goes back past the whole logical edit.
	undone, ok := s.Undo()
	require.True(t, ok)
	assert.Equal(t, e.ID, undone.ID)
	assert.True(t, s.Circuit().Equal(sample("a")))
	assert.False(t, s.Dirty())
}

func TestLoadThenLayoutDoesNotMerge(t *testing.T) {
	s := NewStore(nil)
	_, ok := s.ApplyUserEdit(sample("a"), ParseEditKind("add", ""))
	require.True(t, ok)

	s.Replace(sample("b"), false)
	layout := sample("b", "c")
	res := s.ApplyLayout(layout)

	assert.False(t, res.Merged)
	assert.True(t, s.Circuit().Equal(layout))
	assert.Empty(t, s.History())
	assert.False(t, s.Dirty())
}

func TestUndoRedoRevertClearMergeTarget(t *testing.T) {
	ops := map[string]func(s *Store){
		"undo":   func(s *Store) { s.Undo() },
		"redo":   func(s *Store) { s.Undo(); s.ApplyUserEdit(sample("z"), EditKind{}); s.Undo(); s.Redo() },
		"revert": func(s *Store) { s.Revert() },
	}
	for name, op := range ops {
		t.Run(name, func(t *testing.T) {
			s := NewStore(nil)
			s.Replace(sample("a"), false)
			_, ok := s.ApplyUserEdit(sample("a", "b"), ParseEditKind("add", ""))
			require.True(t, ok)

			op(s)
			state, _ := s.MergeState()
			assert.Equal(t, "none", state)

			before := len(s.History())
			res := s.ApplyLayout(sample("q"))
			assert.False(t, res.Merged)
			assert.Len(t, s.History(), before)
		})
	}
}

func TestRevertRestoresBaseline(t *testing.T) {
	s := NewStore(nil)
	base := sample("a")
	s.Replace(base, false)
	s.ApplyUserEdit(sample("a", "b"), EditKind{})
	s.MarkDirty()
	s.SetTick(9)

	got := s.Revert()
	assert.True(t, got.Equal(base))
	assert.False(t, s.Dirty())
	assert.Equal(t, 0, s.Snapshot().Tick)
	assert.Empty(t, s.History())
}

func TestMarkCleanMovesBaseline(t *testing.T) {
	s := NewStore(nil)
	s.Replace(sample("a"), false)
	s.ApplyUserEdit(sample("a", "b"), EditKind{})
	s.MarkClean()
	assert.False(t, s.Dirty())

	s.ApplyUserEdit(sample("c"), EditKind{})
	assert.True(t, s.Dirty())
	assert.True(t, s.Revert().Equal(sample("a", "b")))
}

func TestSyncKeepsHistoryAndTick(t *testing.T) {
	s := NewStore(nil)
	s.Replace(sample("a"), false)
	s.ApplyUserEdit(sample("a", "b"), EditKind{})
	s.SetTick(5)

	s.Sync(sample("a", "b", "c"))
	assert.Len(t, s.History(), 1)
	assert.Equal(t, 5, s.Snapshot().Tick)
	assert.True(t, s.Dirty())
	state, _ := s.MergeState()
	assert.Equal(t, "none", state)
}

func TestRunStateListeners(t *testing.T) {
	s := NewStore(nil)
	var got RunState
	s.OnRunState(func(rs RunState) { got = rs })
	s.SetTick(2)
	s.SetRunState(true, true, false)

	assert.Equal(t, RunState{Tick: 2, HasCircuit: true, Running: true}, got)
	assert.Equal(t, got, s.RunState())
}

func TestResetEmptiesStore(t *testing.T) {
	s := NewStore(nil)
	s.Replace(sample("a"), false)
	s.ApplyUserEdit(sample("b"), EditKind{})
	s.SetRunState(true, true, true)
	s.Reset()

	assert.True(t, s.Circuit().IsEmpty())
	assert.False(t, s.Dirty())
	assert.Equal(t, RunState{}, s.RunState())
	assert.Empty(t, s.History())
}

// Readers encode the circuit without the store lock while layouts merge
// into the pending edit. Run with -race.
func TestLayoutMergeDoesNotRaceReaders(t *testing.T) {
	s := NewStore(nil)
	s.ApplyUserEdit(sample("a"), EditKind{})

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if _, err := json.Marshal(s.Circuit()); err != nil {
				t.Error(err)
				return
			}
			if _, err := json.Marshal(s.Snapshot().Circuit); err != nil {
				t.Error(err)
				return
			}
		}
	}()

	for i := 0; i < 200; i++ {
		res := s.ApplyLayout(sample("a", "b"))
		require.True(t, res.Merged)
		s.ApplyLayout(sample("a"))
	}
	close(stop)
	wg.Wait()

	assert.True(t, s.Circuit().Equal(sample("a")))
	assert.Len(t, s.History(), 1)
}

func TestCircuitCopyIgnoresLaterMerge(t *testing.T) {
	s := NewStore(nil)
	s.ApplyUserEdit(sample("a"), EditKind{})
	seen := s.Circuit()

	s.ApplyLayout(sample("a", "b"))
	assert.True(t, seen.Equal(sample("a")), "copy changed under a layout merge")
	assert.True(t, s.Circuit().Equal(sample("a", "b")))
}
