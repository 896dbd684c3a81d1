package document

import (
	"encoding/json"
	"log/slog"
	"sync"

	"circuitd/internal/circuit"
	"circuitd/internal/sources"
	"circuitd/internal/synth"
)

// Gateway converts between the live state held by a circuit.Store and a
// sources.Registry and the on-disk document. It owns the synthesis options
// and the extra fields carried over from the last loaded file.
type Gateway struct {
	mu       sync.Mutex
	options  synth.Options
	extra    map[string]json.RawMessage
	store    *circuit.Store
	registry *sources.Registry
	logger   *slog.Logger
}

// NewGateway creates a gateway over store and registry.
func NewGateway(store *circuit.Store, registry *sources.Registry, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		options:  synth.DefaultOptions(),
		extra:    map[string]json.RawMessage{},
		store:    store,
		registry: registry,
		logger:   logger,
	}
}

// Options returns the current synthesis options.
func (g *Gateway) Options() synth.Options {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.options
}

// SetOptions replaces the synthesis options.
func (g *Gateway) SetOptions(opts synth.Options) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.options = opts
}

// Extra returns a copy of the carried-over extra fields.
func (g *Gateway) Extra() map[string]json.RawMessage {
	g.mu.Lock()
	defer g.mu.Unlock()
	return copyExtra(g.extra)
}

// SetExtra replaces the carried-over extra fields.
func (g *Gateway) SetExtra(extra map[string]json.RawMessage) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.extra = copyExtra(extra)
}

// Reset restores default options and drops the extra fields.
func (g *Gateway) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.options = synth.DefaultOptions()
	g.extra = map[string]json.RawMessage{}
}

// Current assembles the live state into a Document.
func (g *Gateway) Current() Document {
	g.mu.Lock()
	opts := g.options
	extra := copyExtra(g.extra)
	g.mu.Unlock()

	return Document{
		Files:     g.registry.Files(),
		Options:   opts,
		SourceMap: g.registry.SessionMap(),
		Circuit:   g.store.Circuit(),
		Extra:     extra,
	}
}

// ToDocument serializes the live state relative to the current circuit
// locator.
func (g *Gateway) ToDocument() ([]byte, error) {
	return Encode(g.Current(), g.registry.CircuitPath())
}

// FromDocument decodes data as the document stored at circuitPath and, only
// if it is well formed, installs it as the live state.
func (g *Gateway) FromDocument(data []byte, circuitPath string) error {
	doc, err := Decode(data, circuitPath)
	if err != nil {
		return err
	}
	g.Apply(doc, circuitPath)
	return nil
}

// Apply installs a decoded document as the live state. The circuit becomes
// the clean baseline.
func (g *Gateway) Apply(doc Document, circuitPath string) {
	g.registry.Reset(circuitPath)
	for _, f := range doc.Files {
		g.registry.AddSource(f)
	}
	g.registry.LoadSessionMap(doc.SourceMap)

	g.mu.Lock()
	g.options = doc.Options
	g.extra = copyExtra(doc.Extra)
	g.mu.Unlock()

	g.store.Replace(doc.Circuit, false)
	g.logger.Info("document loaded", "path", circuitPath, "files", len(doc.Files), "extra", len(doc.Extra))
}

// Load reads the document at path and installs it.
func (g *Gateway) Load(path string) error {
	path = sources.Canonical(path)
	doc, _, err := ReadFile(path)
	if err != nil {
		return err
	}
	g.Apply(doc, path)
	return nil
}

// Save writes the live state to path and returns the bytes written. It does
// not change the dirty flag or the circuit locator.
func (g *Gateway) Save(path string) ([]byte, error) {
	path = sources.Canonical(path)
	data, err := WriteFile(path, g.Current())
	if err != nil {
		return nil, err
	}
	g.logger.Info("document saved", "path", path, "bytes", len(data))
	return data, nil
}

func copyExtra(in map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(in))
	for k, v := range in {
		cp := make(json.RawMessage, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}
