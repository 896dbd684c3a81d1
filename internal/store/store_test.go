package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"circuitd/internal/circuit"
	"circuitd/internal/session"
	"circuitd/internal/sources"
	"circuitd/internal/synth"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state", "session.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenMigrates(t *testing.T) {
	s := openTestStore(t)
	v, err := SchemaVersion(s.db)
	require.NoError(t, err)
	assert.Equal(t, LatestVersion(), v)

	// Migrating again is a no-op.
	require.NoError(t, MigrateDB(s.db))
}

func TestMigrateDownAndUp(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.BeginSession(ctx, "s1", "ws"))
	require.NoError(t, s.Cache("ws").Put(ctx, "k", []byte("v")))

	require.NoError(t, MigrateTo(s.db, 1))
	v, err := SchemaVersion(s.db)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	_, err = s.db.Exec("SELECT id FROM sessions")
	assert.Error(t, err, "sessions table should be dropped")

	// The key/value table is untouched.
	got, ok, err := s.Cache("ws").Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), got)

	require.NoError(t, MigrateDB(s.db))
	records, err := s.Sessions(ctx, "ws")
	require.NoError(t, err)
	assert.Empty(t, records)

	assert.Error(t, MigrateTo(s.db, LatestVersion()+1))
}

func TestOpenMemory(t *testing.T) {
	s, err := Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	c := s.Cache("ws")
	require.NoError(t, c.Put(context.Background(), "k", []byte("v")))
	v, ok, err := c.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), v)
}

func TestWorkspaceCache(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	a := s.Cache("a")
	b := s.Cache("b")

	require.NoError(t, a.Put(ctx, "dirty", []byte("true")))
	require.NoError(t, a.Put(ctx, "dirty", []byte("false")))
	require.NoError(t, b.Put(ctx, "dirty", []byte("true")))

	v, ok, err := a.Get(ctx, "dirty")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "false", string(v))

	_, ok, err = a.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	workspaces, err := s.Workspaces(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, workspaces)

	require.NoError(t, a.Put(ctx, "view", nil))
	entries, err := s.Entries(ctx, "a")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "dirty", entries[0].Key)
	assert.Equal(t, "view", entries[1].Key)

	require.NoError(t, a.Delete(ctx, "view"))
	require.NoError(t, a.Clear(ctx))
	entries, err = s.Entries(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, ok, err = b.Get(ctx, "dirty")
	require.NoError(t, err)
	assert.True(t, ok, "clearing one workspace leaves the others")
}

func TestSessionJournal(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	sess := session.New("ws", s.Cache("ws"), nil)
	require.NoError(t, sess.Init(ctx))

	records, err := s.Sessions(ctx, "ws")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, sess.ID, records[0].ID)
	assert.Nil(t, records[0].EndedAt)

	require.NoError(t, sess.Close(ctx))
	records, err = s.Sessions(ctx, "ws")
	require.NoError(t, err)
	require.NotNil(t, records[0].EndedAt)

	assert.Error(t, s.EndSession(ctx, sess.ID))
}

func TestSessionStateSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "session.db")

	s, err := Open(path)
	require.NoError(t, err)
	c := circuit.Empty()
	c.Devices["d"] = json.RawMessage(`{"type":"Lamp"}`)
	st := session.State{
		View:      session.ViewState{Open: true, Visible: true},
		Dirty:     true,
		Files:     sources.FilesState{Circuit: "/w/top.json", Sources: []string{"/w/a.v"}},
		Circuit:   c,
		SourceMap: map[string]sources.SessionEntry{"a.v": {Locator: "/w/a.v", Hash: "h"}},
		Options:   synth.DefaultOptions(),
	}
	require.NoError(t, session.New("ws", s.Cache("ws"), nil).Mirror(ctx, st))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	r, ok, err := session.New("ws", s.Cache("ws"), nil).Load(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, r.Dirty)
	assert.True(t, c.Equal(r.Circuit))
	assert.Equal(t, st.SourceMap, r.SourceMap)
}
