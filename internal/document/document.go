// Package document reads and writes the on-disk circuit document: the
// circuit itself, the tracked source files, the synthesis options, the
// source map, and any top-level fields this version does not understand.
package document

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"circuitd/internal/circuit"
	"circuitd/internal/sources"
	"circuitd/internal/synth"
)

//go:embed circuit.schema.json
var schemaJSON string

var documentSchema = jsonschema.MustCompileString("circuit-document.schema.json", schemaJSON)

// Top-level keys owned by this package. Anything else is extra data.
const (
	keyFiles       = "files"
	keyOptions     = "options"
	keySourceMap   = "source_map"
	keyDevices     = "devices"
	keyConnectors  = "connectors"
	keySubcircuits = "subcircuits"
)

var knownKeys = map[string]bool{
	keyFiles:       true,
	keyOptions:     true,
	keySourceMap:   true,
	keyDevices:     true,
	keyConnectors:  true,
	keySubcircuits: true,
}

// Document is the logical content of a circuit file with every locator in
// absolute form.
type Document struct {
	Files     []string
	Options   synth.Options
	SourceMap map[string]sources.SessionEntry
	Circuit   *circuit.Circuit
	// Extra holds unrecognized top-level fields verbatim.
	Extra map[string]json.RawMessage
}

// Encode serializes doc with locators made relative to the directory of
// circuitPath. Known fields come first in a fixed order, followed by the
// extra fields sorted by key and written byte for byte.
func Encode(doc Document, circuitPath string) ([]byte, error) {
	files := make([]string, len(doc.Files))
	for i, f := range doc.Files {
		files[i] = sources.Relative(circuitPath, f)
	}
	sourceMap := make(map[string]sources.DocumentEntry, len(doc.SourceMap))
	for key, e := range doc.SourceMap {
		sourceMap[key] = sources.DocumentEntry{RelPath: sources.Relative(circuitPath, e.Locator), Hash: e.Hash}
	}
	c := doc.Circuit
	if c == nil {
		c = circuit.Empty()
	}

	w := objectWriter{}
	w.value(keyFiles, files)
	w.value(keyOptions, doc.Options)
	w.value(keySourceMap, sourceMap)
	w.value(keyDevices, c.Devices)
	w.value(keyConnectors, c.Connectors)
	w.value(keySubcircuits, c.Subcircuits)

	extraKeys := make([]string, 0, len(doc.Extra))
	for key := range doc.Extra {
		if !knownKeys[key] {
			extraKeys = append(extraKeys, key)
		}
	}
	sort.Strings(extraKeys)
	for _, key := range extraKeys {
		w.raw(key, doc.Extra[key])
	}
	return w.finish()
}

// Decode parses a circuit document read from circuitPath. Relative
// locators are resolved against the circuit's directory, missing options
// take their defaults and source map entries lacking a path or hash are
// dropped. Any failure is a *FormatError and nothing is returned.
func Decode(data []byte, circuitPath string) (Document, error) {
	var root any
	if err := json.Unmarshal(data, &root); err != nil {
		return Document{}, &FormatError{Path: circuitPath, Reason: "invalid JSON", Err: err}
	}
	if _, ok := root.(map[string]any); !ok {
		return Document{}, &FormatError{Path: circuitPath, Reason: "top level is not an object"}
	}
	if err := documentSchema.Validate(root); err != nil {
		return Document{}, &FormatError{Path: circuitPath, Reason: "schema violation", Err: err}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Document{}, &FormatError{Path: circuitPath, Reason: "invalid JSON", Err: err}
	}

	doc := Document{
		Options:   synth.DefaultOptions(),
		SourceMap: map[string]sources.SessionEntry{},
		Extra:     map[string]json.RawMessage{},
	}

	if raw, ok := fields[keyFiles]; ok {
		var rel []string
		if err := json.Unmarshal(raw, &rel); err != nil {
			return Document{}, &FormatError{Path: circuitPath, Reason: "files", Err: err}
		}
		for _, f := range rel {
			doc.Files = append(doc.Files, sources.Resolve(circuitPath, f))
		}
	}

	if raw, ok := fields[keyOptions]; ok {
		opts, err := synth.ParseOptions(raw)
		if err != nil {
			return Document{}, &FormatError{Path: circuitPath, Reason: "options", Err: err}
		}
		doc.Options = opts
	}

	if raw, ok := fields[keySourceMap]; ok {
		var entries map[string]sources.DocumentEntry
		if err := json.Unmarshal(raw, &entries); err != nil {
			return Document{}, &FormatError{Path: circuitPath, Reason: "source_map", Err: err}
		}
		for key, e := range entries {
			if e.RelPath == "" || e.Hash == "" {
				continue
			}
			doc.SourceMap[key] = sources.SessionEntry{Locator: sources.Resolve(circuitPath, e.RelPath), Hash: e.Hash}
		}
	}

	c, err := circuit.Parse(data)
	if err != nil {
		return Document{}, &FormatError{Path: circuitPath, Reason: "circuit", Err: err}
	}
	doc.Circuit = c

	for key, raw := range fields {
		if knownKeys[key] {
			continue
		}
		doc.Extra[key] = raw
	}
	return doc, nil
}

// ReadFile reads and decodes the circuit document at path.
func ReadFile(path string) (Document, []byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, nil, &IOError{Op: "read", Path: path, Err: err}
	}
	doc, err := Decode(data, path)
	if err != nil {
		return Document{}, nil, err
	}
	return doc, data, nil
}

// WriteFile encodes doc relative to path and writes it atomically. It
// returns the bytes written.
func WriteFile(path string, doc Document) ([]byte, error) {
	data, err := Encode(doc, path)
	if err != nil {
		return nil, err
	}

	// Write atomically using temp file + rename
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return nil, &IOError{Op: "write", Path: path, Err: err}
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return nil, &IOError{Op: "write", Path: path, Err: err}
	}
	return data, nil
}

// objectWriter emits a pretty-printed JSON object one member at a time.
type objectWriter struct {
	buf bytes.Buffer
	n   int
	err error
}

func (w *objectWriter) key(k string) {
	if w.n == 0 {
		w.buf.WriteString("{\n")
	} else {
		w.buf.WriteString(",\n")
	}
	w.n++
	name, _ := json.Marshal(k)
	w.buf.WriteString("  ")
	w.buf.Write(name)
	w.buf.WriteString(": ")
}

func (w *objectWriter) value(k string, v any) {
	if w.err != nil {
		return
	}
	data, err := json.MarshalIndent(v, "  ", "  ")
	if err != nil {
		w.err = fmt.Errorf("encode %s: %w", k, err)
		return
	}
	w.key(k)
	w.buf.Write(data)
}

func (w *objectWriter) raw(k string, v json.RawMessage) {
	if w.err != nil {
		return
	}
	if len(v) == 0 {
		v = json.RawMessage("null")
	}
	w.key(k)
	w.buf.Write(v)
}

func (w *objectWriter) finish() ([]byte, error) {
	if w.err != nil {
		return nil, w.err
	}
	if w.n == 0 {
		return []byte("{}\n"), nil
	}
	w.buf.WriteString("\n}\n")
	return w.buf.Bytes(), nil
}
