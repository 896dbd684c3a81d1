package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"circuitd/internal/circuit"
	"circuitd/internal/controller"
	"circuitd/internal/document"
	"circuitd/internal/ipc"
	"circuitd/internal/metrics"
	"circuitd/internal/protocol"
	"circuitd/internal/session"
	"circuitd/internal/sources"
	"circuitd/internal/synth"
)

var errNoTool = errors.New("no synthesis tool in tests")

// startDaemon wires a controller behind a server on a short socket path.
func startDaemon(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "cc")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	st := circuit.NewStore(nil)
	buffers := sources.NewBuffers()
	reg := sources.NewRegistry(buffers, nil)
	sess := session.New("ws", session.NewMemCache(), nil)
	require.NoError(t, sess.Init(context.Background()))

	ctrl := controller.New(controller.Config{
		Store:    st,
		Registry: reg,
		Buffers:  buffers,
		Gateway:  document.NewGateway(st, reg, nil),
		Synthesizer: synth.Func(func(context.Context, synth.Request) (*circuit.Circuit, error) {
			return nil, errNoTool
		}),
		Session: sess,
		Metrics: metrics.New(),
	})

	cfg := ipc.DefaultServerConfig(dir)
	cfg.SocketPath = filepath.Join(dir, "s.sock")
	srv := ipc.NewServer(cfg, ctrl.Handlers(), nil)
	ctrl.SetLink(srv)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })
	return cfg.SocketPath
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		socketPath = ""
		timeout = 2 * time.Minute
		discard = false
		eventTypes = nil
		d := synth.DefaultOptions()
		optionFlags.optimize, optionFlags.transform = d.Optimize, d.Simplify
		optionFlags.fsm, optionFlags.expand = string(d.FSM), d.ExpandFSM
	})
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func status(t *testing.T, sock string) controller.Status {
	t.Helper()
	out, err := execute(t, "", "--socket", sock, "status")
	require.NoError(t, err)
	var s controller.Status
	require.NoError(t, json.Unmarshal([]byte(out), &s))
	return s
}

func TestAddAndRemoveSources(t *testing.T) {
	sock := startDaemon(t)
	src := filepath.Join(t.TempDir(), "top.v")

	out, err := execute(t, "", "--socket", sock, "add", src)
	require.NoError(t, err)
	assert.JSONEq(t, `{"added": 1}`, out)
	assert.Equal(t, []string{src}, status(t, sock).Files)

	_, err = execute(t, "", "--socket", sock, "remove", src)
	require.NoError(t, err)
	assert.Empty(t, status(t, sock).Files)
}

func TestReplyErrorCarriesKind(t *testing.T) {
	sock := startDaemon(t)

	_, err := execute(t, "", "--socket", sock, "remove", "/nowhere/x.v")
	var re *ReplyError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, protocol.KindNotFound, re.Kind)
	assert.Equal(t, protocol.CmdRemoveSource, re.Command)
}

func TestSynthWithoutSources(t *testing.T) {
	sock := startDaemon(t)

	_, err := execute(t, "", "--socket", sock, "synth")
	var re *ReplyError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, protocol.KindSynth, re.Kind)
}

func TestOptions(t *testing.T) {
	sock := startDaemon(t)

	_, err := execute(t, "", "--socket", sock, "options", "--opt", "--fsm", "yes")
	require.NoError(t, err)
	opts := status(t, sock).Options
	assert.True(t, opts.Optimize)
	assert.Equal(t, synth.FSMDetect, opts.FSM)

	_, err = execute(t, "", "--socket", sock, "options", "--fsm", "sometimes")
	assert.ErrorContains(t, err, "invalid --fsm")
}

func TestSimRejectsUnknownCommand(t *testing.T) {
	_, err := execute(t, "", "--socket", "/unused", "sim", "rewind")
	assert.ErrorContains(t, err, "unknown simulation command")
}

func TestBufferFromStdin(t *testing.T) {
	sock := startDaemon(t)
	src := filepath.Join(t.TempDir(), "top.v")

	_, err := execute(t, "", "--socket", sock, "add", src)
	require.NoError(t, err)
	_, err = execute(t, "module top; endmodule\n", "--socket", sock, "buffer", "open", src)
	require.NoError(t, err)
	_, err = execute(t, "", "--socket", sock, "buffer", "close", src)
	require.NoError(t, err)
}

func TestUndoWithoutHistory(t *testing.T) {
	sock := startDaemon(t)

	out, err := execute(t, "", "--socket", sock, "undo")
	require.NoError(t, err)
	assert.JSONEq(t, `{"applied": false}`, out)
}

func TestDaemonNotRunning(t *testing.T) {
	_, err := execute(t, "", "--socket", filepath.Join(t.TempDir(), "none.sock"), "status")
	assert.ErrorIs(t, err, ipc.ErrDaemonNotRunning)
}

func TestStreamEventsFilters(t *testing.T) {
	events := make(chan protocol.Event, 3)
	files, err := protocol.NewEvent(protocol.EventFiles, map[string]any{"sources_uri": []string{"/a.v"}})
	require.NoError(t, err)
	tick, err := protocol.NewEvent(protocol.EventTick, map[string]int{"tick": 3})
	require.NoError(t, err)
	events <- tick
	events <- files
	close(events)

	var out bytes.Buffer
	err = streamEvents(context.Background(), events, &out, []string{protocol.EventFiles})
	assert.EqualError(t, err, "daemon closed the connection")

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 1)
	var ev protocol.Event
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &ev))
	assert.Equal(t, protocol.EventFiles, ev.Type)
}

func TestStreamEventsStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, streamEvents(ctx, make(chan protocol.Event), &bytes.Buffer{}, nil))
}
