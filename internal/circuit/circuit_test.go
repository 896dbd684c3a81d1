package circuit

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample(devices ...string) *Circuit {
	c := Empty()
	for _, id := range devices {
		c.Devices[id] = json.RawMessage(`{"type":"Button","label":"` + id + `"}`)
	}
	if len(devices) > 1 {
		c.Connectors = append(c.Connectors, json.RawMessage(`{"from":{"id":"`+devices[0]+`","port":"out"},"to":{"id":"`+devices[1]+`","port":"in"}}`))
	}
	return c
}

func TestParseDefaultsMissingFields(t *testing.T) {
	c, err := Parse([]byte(`{"devices":{"d1":{"type":"Lamp"}}}`))
	require.NoError(t, err)
	assert.Len(t, c.Devices, 1)
	assert.NotNil(t, c.Connectors)
	assert.NotNil(t, c.Subcircuits)

	out, err := json.Marshal(c)
	require.NoError(t, err)
	assert.JSONEq(t, `{"devices":{"d1":{"type":"Lamp"}},"connectors":[],"subcircuits":{}}`, string(out))
}

func TestParseRejectsInvalidJSON(t *testing.T) {
	_, err := Parse([]byte(`{"devices":`))
	assert.Error(t, err)
}

func TestEmptySerializesAsTriple(t *testing.T) {
	out, err := json.Marshal(Empty())
	require.NoError(t, err)
	assert.Equal(t, `{"devices":{},"connectors":[],"subcircuits":{}}`, string(out))
	assert.True(t, Empty().IsEmpty())
}

func TestCloneIsDeep(t *testing.T) {
	c := sample("a", "b")
	c.Subcircuits["half"] = sample("x")

	cp := c.Clone()
	require.True(t, cp.Equal(c))

	cp.Devices["a"][2] = 'X'
	cp.Subcircuits["half"].Devices["y"] = json.RawMessage(`{}`)
	assert.False(t, cp.Equal(c))
	assert.Len(t, c.Subcircuits["half"].Devices, 1)
}

func TestEqualIgnoresWhitespaceInRawSpecs(t *testing.T) {
	a := Empty()
	a.Devices["d"] = json.RawMessage(`{"type": "Lamp"}`)
	b := Empty()
	b.Devices["d"] = json.RawMessage(`{"type":"Lamp"}`)
	assert.True(t, a.Equal(b))
}

func TestEditKindLabels(t *testing.T) {
	tests := []struct {
		typ, element string
		want         string
	}{
		{"pos", "Lamp", "Moving Lamp"},
		{"vert", "", "Deforming Device"},
		{"src", "Wire", "Reconnecting Wire"},
		{"tgt", "Wire", "Reconnecting Wire"},
		{"add", "Button", "Adding Button"},
		{"rm", "Button", "Removing Button"},
		{"bits", "Constant", "Editing Constant"},
		{"", "", "Editing Device"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseEditKind(tt.typ, tt.element).Label())
		})
	}
}

func TestHistoryBranchDiscardsSavedPoint(t *testing.T) {
	var h History
	h.Reset()
	h.Record(Edit{ID: 1})
	h.MarkSaved()
	h.Record(Edit{ID: 2})
	assert.False(t, h.AtSaved())

	_, ok := h.Undo()
	require.True(t, ok)
	assert.True(t, h.AtSaved())

	_, ok = h.Undo()
	require.True(t, ok)
	h.Record(Edit{ID: 3})
	assert.False(t, h.AtSaved())
	_, ok = h.Redo()
	assert.False(t, ok, "branching must drop the redo tail")

	_, ok = h.Undo()
	require.True(t, ok)
	assert.False(t, h.AtSaved(), "saved point was on the discarded branch")
}

func TestMergerStates(t *testing.T) {
	var m Merger
	assert.Equal(t, "none", m.State())
	_, _, ok := m.Absorb(sample("a"))
	assert.False(t, ok)

	target := sample("a")
	m.Track(7, target)
	id, ok := m.Pending()
	require.True(t, ok)
	assert.Equal(t, uint64(7), id)

	layout := sample("a", "b")
	got, id, ok := m.Absorb(layout)
	require.True(t, ok)
	assert.Same(t, target, got)
	assert.Equal(t, uint64(7), id)
	assert.True(t, target.Equal(layout))

	m.Clear()
	assert.Equal(t, "none", m.State())
	_, ok = m.Pending()
	assert.False(t, ok)
}
