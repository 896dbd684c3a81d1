package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"circuitd/internal/ipc"
	"circuitd/internal/protocol"
	"circuitd/internal/session"
	"circuitd/internal/store"
)

func writeServeConfig(t *testing.T) (cfgPath, sock, dbPath string) {
	t.Helper()
	// Unix socket paths are length limited, keep the directory short.
	dir, err := os.MkdirTemp("", "cd")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	sock = filepath.Join(dir, "d.sock")
	dbPath = filepath.Join(dir, "session.db")
	cfgPath = filepath.Join(dir, "circuitd.toml")
	cfg := fmt.Sprintf(`version = 1

[server]
socket_path = %q

[session]
database_path = %q
workspace = "bench"

[logging]
level = "error"
`, sock, dbPath)
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0644))
	return cfgPath, sock, dbPath
}

func TestServeLifecycle(t *testing.T) {
	cfgPath, sock, dbPath := writeServeConfig(t)
	configPath = cfgPath
	t.Cleanup(func() { configPath = "" })
	src := filepath.Join(t.TempDir(), "top.v")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- serve(ctx) }()

	require.Eventually(t, func() bool { return ipc.IsSocketListening(sock) }, 5*time.Second, 20*time.Millisecond)

	cc := ipc.DefaultClientConfig(sock)
	cc.RequestTimeout = 5 * time.Second
	client := ipc.NewClient(cc)
	require.NoError(t, client.Connect(ctx))

	reply, err := client.Command(ctx, &protocol.AddFiles{Paths: []string{src}})
	require.NoError(t, err)
	require.True(t, reply.OK, reply.Error)

	reply, err = client.Command(ctx, &protocol.Status{})
	require.NoError(t, err)
	require.True(t, reply.OK, reply.Error)
	var st struct {
		Files []string `json:"files"`
	}
	require.NoError(t, json.Unmarshal(reply.Data, &st))
	assert.Equal(t, []string{src}, st.Files)
	client.Close()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
	assert.False(t, ipc.IsSocketListening(sock))

	db, err := store.Open(dbPath)
	require.NoError(t, err)
	defer db.Close()
	records, err := db.Sessions(context.Background(), "bench")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.NotNil(t, records[0].EndedAt, "session should be closed on shutdown")

	// Shutdown keeps the session for the next start.
	r, restored, err := session.New("bench", db.Cache("bench"), nil).Load(context.Background())
	require.NoError(t, err)
	require.True(t, restored)
	require.NotNil(t, r.Files)
	assert.Equal(t, []string{src}, r.Files.Sources)
	assert.True(t, r.Dirty)
}

func TestServeRejectsInvalidConfig(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "circuitd.toml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("[server]\nmax_connections = 1\n"), 0644))
	configPath = cfgPath
	t.Cleanup(func() { configPath = "" })

	err := serve(context.Background())
	assert.ErrorContains(t, err, "server.max_connections")
}
