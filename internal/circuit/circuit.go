// Package circuit holds the authoritative in-memory circuit document and the
// edit bookkeeping around it.
//
// A Circuit is treated as an immutable-by-convention value: edits swap the
// whole value instead of patching individual devices or connectors. The only
// exception is the layout merge performed by Merger, which rewrites the
// pending edit's fields in place so the store and the edit history keep
// pointing at the same object. Store hands out shallow copies, so callers
// never observe that rewrite.
package circuit

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Circuit is the graph of devices, connectors and nested sub-circuits.
//
// Device and connector specs are opaque to this package and are kept as raw
// JSON so unknown attributes survive a round trip.
type Circuit struct {
	Devices     map[string]json.RawMessage `json:"devices"`
	Connectors  []json.RawMessage          `json:"connectors"`
	Subcircuits map[string]*Circuit        `json:"subcircuits"`
}

// Empty returns the empty triple used when no circuit is loaded.
func Empty() *Circuit {
	return &Circuit{
		Devices:     map[string]json.RawMessage{},
		Connectors:  []json.RawMessage{},
		Subcircuits: map[string]*Circuit{},
	}
}

// Parse decodes a circuit from JSON. Missing fields default to empty
// collections.
func Parse(data []byte) (*Circuit, error) {
	c := &Circuit{}
	if err := json.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("decode circuit: %w", err)
	}
	c.normalize()
	return c, nil
}

// UnmarshalJSON decodes a circuit and normalizes nil collections.
func (c *Circuit) UnmarshalJSON(data []byte) error {
	type plain Circuit
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*c = Circuit(p)
	c.normalize()
	return nil
}

// normalize replaces nil collections with empty ones.
func (c *Circuit) normalize() {
	if c.Devices == nil {
		c.Devices = map[string]json.RawMessage{}
	}
	if c.Connectors == nil {
		c.Connectors = []json.RawMessage{}
	}
	if c.Subcircuits == nil {
		c.Subcircuits = map[string]*Circuit{}
	}
	for name, sub := range c.Subcircuits {
		if sub == nil {
			c.Subcircuits[name] = Empty()
			continue
		}
		sub.normalize()
	}
}

// Clone returns a deep copy of the circuit.
func (c *Circuit) Clone() *Circuit {
	if c == nil {
		return Empty()
	}
	out := &Circuit{
		Devices:     make(map[string]json.RawMessage, len(c.Devices)),
		Connectors:  make([]json.RawMessage, len(c.Connectors)),
		Subcircuits: make(map[string]*Circuit, len(c.Subcircuits)),
	}
	for id, dev := range c.Devices {
		out.Devices[id] = cloneRaw(dev)
	}
	for i, conn := range c.Connectors {
		out.Connectors[i] = cloneRaw(conn)
	}
	for name, sub := range c.Subcircuits {
		out.Subcircuits[name] = sub.Clone()
	}
	return out
}

// Equal reports whether two circuits serialize to the same canonical JSON.
func (c *Circuit) Equal(other *Circuit) bool {
	if c == other {
		return true
	}
	a, errA := json.Marshal(orEmpty(c))
	b, errB := json.Marshal(orEmpty(other))
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(a, b)
}

// IsEmpty reports whether the circuit has no devices, connectors or
// sub-circuits.
func (c *Circuit) IsEmpty() bool {
	return c == nil || (len(c.Devices) == 0 && len(c.Connectors) == 0 && len(c.Subcircuits) == 0)
}

// assign overwrites c field by field with the contents of src, keeping the
// identity of c.
func (c *Circuit) assign(src *Circuit) {
	src = orEmpty(src)
	c.Devices = src.Devices
	c.Connectors = src.Connectors
	c.Subcircuits = src.Subcircuits
	c.normalize()
}

// shallow copies the struct. The collections are shared, which is safe
// because assign swaps them instead of editing them.
func (c *Circuit) shallow() *Circuit {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

// prepare returns c with nil collections filled in, or the empty circuit
// for nil.
func prepare(c *Circuit) *Circuit {
	if c == nil {
		return Empty()
	}
	c.normalize()
	return c
}

func orEmpty(c *Circuit) *Circuit {
	if c == nil {
		return Empty()
	}
	return c
}

func cloneRaw(m json.RawMessage) json.RawMessage {
	if m == nil {
		return nil
	}
	out := make(json.RawMessage, len(m))
	copy(out, m)
	return out
}
