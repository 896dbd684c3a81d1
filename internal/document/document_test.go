package document

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"circuitd/internal/circuit"
	"circuitd/internal/sources"
	"circuitd/internal/synth"
)

const sampleDoc = `{
  "files": ["rtl/alu.v", "../lib/cpu.v", "run.lua"],
  "options": {"opt": true, "fsm": "yes"},
  "source_map": {
    "alu.v": {"relpath": "rtl/alu.v", "sha512": "aa"},
    "cpu.v": {"relpath": "../lib/cpu.v", "sha512": "bb"},
    "stale": {"relpath": "gone.v"}
  },
  "devices": {"d1": {"type": "Button", "label": "a"}, "d2": {"type": "Lamp"}},
  "connectors": [{"from": {"id": "d1", "port": "out"}, "to": {"id": "d2", "port": "in"}}],
  "subcircuits": {},
  "layout":   {"engine" : "elk",  "spacing": [1, 2 ,3]},
  "author": "someone"
}`

func TestDecode(t *testing.T) {
	doc, err := Decode([]byte(sampleDoc), "/w/proj/top.json")
	require.NoError(t, err)

	assert.Equal(t, []string{"/w/proj/rtl/alu.v", "/w/lib/cpu.v", "/w/proj/run.lua"}, doc.Files)
	assert.Equal(t, synth.Options{Optimize: true, Simplify: true, FSM: synth.FSMDetect}, doc.Options)
	want := map[string]sources.SessionEntry{
		"alu.v": {Locator: "/w/proj/rtl/alu.v", Hash: "aa"},
		"cpu.v": {Locator: "/w/lib/cpu.v", Hash: "bb"},
	}
	if diff := cmp.Diff(want, doc.SourceMap); diff != "" {
		t.Errorf("source map mismatch (-want +got):\n%s", diff)
	}
	assert.Len(t, doc.Circuit.Devices, 2)
	assert.Len(t, doc.Circuit.Connectors, 1)
	assert.Equal(t, `{"engine" : "elk",  "spacing": [1, 2 ,3]}`, string(doc.Extra["layout"]))
	assert.Equal(t, `"someone"`, string(doc.Extra["author"]))
	assert.NotContains(t, doc.Extra, "devices")
}

func TestDecodeDefaults(t *testing.T) {
	doc, err := Decode([]byte(`{}`), "/w/top.json")
	require.NoError(t, err)
	assert.Equal(t, synth.DefaultOptions(), doc.Options)
	assert.True(t, doc.Circuit.IsEmpty())
	assert.Empty(t, doc.Files)
	assert.Empty(t, doc.SourceMap)
}

func TestDecodeNullFields(t *testing.T) {
	in := `{"files": null, "options": null, "source_map": null, "devices": null,
		"connectors": null, "subcircuits": {"inner": null}}`
	doc, err := Decode([]byte(in), "/w/top.json")
	require.NoError(t, err)
	assert.Equal(t, synth.DefaultOptions(), doc.Options)
	assert.Empty(t, doc.Files)
	assert.Empty(t, doc.SourceMap)
	assert.Empty(t, doc.Circuit.Devices)
	assert.Empty(t, doc.Circuit.Connectors)
	require.Contains(t, doc.Circuit.Subcircuits, "inner")
	assert.True(t, doc.Circuit.Subcircuits["inner"].IsEmpty())
	assert.Empty(t, doc.Extra)

	doc, err = Decode([]byte(`{"subcircuits": null}`), "/w/top.json")
	require.NoError(t, err)
	assert.True(t, doc.Circuit.IsEmpty())
}

func TestDecodeFormatErrors(t *testing.T) {
	tests := map[string]string{
		"invalid json":      `{"devices": `,
		"array root":        `[1, 2]`,
		"string root":       `"circuit"`,
		"bad fsm":           `{"options": {"fsm": "sometimes"}}`,
		"files not strings": `{"files": [1]}`,
		"device not object": `{"devices": {"d": 3}}`,
	}
	for name, in := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(in), "/w/top.json")
			var fe *FormatError
			require.True(t, errors.As(err, &fe), "got %v", err)
			assert.Equal(t, "/w/top.json", fe.Path)
		})
	}
}

func TestRoundTrip(t *testing.T) {
	const path = "/w/proj/top.json"
	first, err := Decode([]byte(sampleDoc), path)
	require.NoError(t, err)

	data, err := Encode(first, path)
	require.NoError(t, err)
	second, err := Decode(data, path)
	require.NoError(t, err)

	assert.True(t, first.Circuit.Equal(second.Circuit))
	assert.Equal(t, first.Options, second.Options)
	assert.Equal(t, first.Files, second.Files)
	if diff := cmp.Diff(first.SourceMap, second.SourceMap); diff != "" {
		t.Errorf("source map mismatch (-want +got):\n%s", diff)
	}
	require.Len(t, second.Extra, 2)
	for key, raw := range first.Extra {
		assert.Equal(t, string(raw), string(second.Extra[key]), "extra field %s", key)
	}
	assert.True(t, strings.Contains(string(data), `"layout": {"engine" : "elk",  "spacing": [1, 2 ,3]}`))
}

func TestEncodeOrder(t *testing.T) {
	doc := Document{
		Options: synth.DefaultOptions(),
		Circuit: circuit.Empty(),
		Extra: map[string]json.RawMessage{
			"zeta":    json.RawMessage(`1`),
			"alpha":   json.RawMessage(`2`),
			"devices": json.RawMessage(`"shadowed"`),
		},
	}
	data, err := Encode(doc, "/w/top.json")
	require.NoError(t, err)

	var order []string
	dec := json.NewDecoder(strings.NewReader(string(data)))
	_, err = dec.Token()
	require.NoError(t, err)
	for dec.More() {
		tok, err := dec.Token()
		require.NoError(t, err)
		order = append(order, tok.(string))
		var skip json.RawMessage
		require.NoError(t, dec.Decode(&skip))
	}
	want := []string{"files", "options", "source_map", "devices", "connectors", "subcircuits", "alpha", "zeta"}
	assert.Equal(t, want, order)
}

func TestWriteAndReadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "top.json")

	doc := Document{
		Files:   []string{filepath.Join(dir, "a.v")},
		Options: synth.DefaultOptions(),
		SourceMap: map[string]sources.SessionEntry{
			"a.v": {Locator: filepath.Join(dir, "a.v"), Hash: sources.HashString("x")},
		},
		Circuit: circuit.Empty(),
	}
	written, err := WriteFile(path, doc)
	require.NoError(t, err)

	onDisk, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, written, onDisk)
	assert.Contains(t, string(onDisk), `"a.v"`)
	assert.NotContains(t, string(onDisk), dir, "locators must be stored relative")

	got, raw, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, onDisk, raw)
	assert.Equal(t, doc.Files, got.Files)
	assert.Equal(t, doc.SourceMap, got.SourceMap)
}

func TestReadFileMissing(t *testing.T) {
	_, _, err := ReadFile(filepath.Join(t.TempDir(), "nope.json"))
	var ioErr *IOError
	require.True(t, errors.As(err, &ioErr))
	assert.Equal(t, "read", ioErr.Op)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestWriteFileFailure(t *testing.T) {
	_, err := WriteFile(filepath.Join(t.TempDir(), "missing", "top.json"), Document{})
	var ioErr *IOError
	require.True(t, errors.As(err, &ioErr))
	assert.Equal(t, "write", ioErr.Op)
}
