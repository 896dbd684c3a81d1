package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"circuitd/internal/circuit"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	msg := NewMessage(MsgCommand, 42, []byte(`{"command":"tick","tick":1}`))
	require.NoError(t, msg.Write(&buf))
	assert.Equal(t, HeaderSize+len(msg.Payload), buf.Len())

	got, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, msg.Header, got.Header)
	assert.Equal(t, msg.Payload, got.Payload)
}

func TestReadHeaderRejects(t *testing.T) {
	hdr := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(hdr, 0xdeadbeef)
	_, err := ReadHeader(bytes.NewReader(hdr))
	assert.ErrorContains(t, err, "invalid magic")

	binary.BigEndian.PutUint32(hdr, ProtocolMagic)
	hdr[4] = ProtocolVersion + 1
	_, err = ReadHeader(bytes.NewReader(hdr))
	assert.ErrorContains(t, err, "unsupported protocol version")

	hdr[4] = ProtocolVersion
	binary.BigEndian.PutUint32(hdr[12:], MaxPayload+1)
	_, err = ReadMessage(bytes.NewReader(hdr))
	assert.ErrorContains(t, err, "payload too large")
}

func TestMarshalCommandAddsName(t *testing.T) {
	tests := []struct {
		p    Payload
		want string
	}{
		{SaveCircuit{}, `{"command":"savecircuit"}`},
		{SimControl{Command: CmdStartSim}, `{"command":"startsim"}`},
		{RunLua{Script: "t.lua", Code: "print(1)"}, `{"command":"runlua","name":"t.lua","script":"print(1)"}`},
		{Tick{Tick: 9}, `{"command":"tick","tick":9}`},
		{IOPanelView{View: []string{"a", "b"}}, `{"command":"iopanel:view","view":["a","b"]}`},
	}
	for _, tt := range tests {
		t.Run(tt.p.Name(), func(t *testing.T) {
			got, err := MarshalCommand(tt.p)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(got))
		})
	}
}

func TestUnmarshalCommand(t *testing.T) {
	c := circuit.Empty()
	c.Devices["d1"] = json.RawMessage(`{"type":"Button"}`)

	tests := []struct {
		name string
		in   Payload
	}{
		{"showcircuit", &ShowCircuit{Circuit: c, Opts: ShowOptions{Transform: true}}},
		{"updatecircuit", &UpdateCircuit{Circuit: c, Type: "pos", EleType: "Lamp"}},
		{"runstate", &RunStateUpdate{HasCircuit: true, Running: true}},
		{"luaprint", &LuaPrint{Script: "s.lua", Messages: []string{"a", "b"}}},
		{"showmarker", &ShowMarker{Markers: []Marker{{Name: "alu.v", FromLine: 1, ToLine: 2, ToCol: 4}}}},
		{"iopanel:update", &IOPanelUpdate{ID: "btn", Value: json.RawMessage(`true`)}},
		{"open", &Open{Path: "/w/top.json", Discard: true}},
		{"editor:change", &EditorChange{Path: "/w/a.v", Text: "module a; endmodule"}},
		{"undo", &Undo{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := MarshalCommand(tt.in)
			require.NoError(t, err)
			got, err := UnmarshalCommand(data)
			require.NoError(t, err)
			assert.Equal(t, tt.name, got.Name())

			want, _ := json.Marshal(tt.in)
			have, _ := json.Marshal(got)
			if diff := cmp.Diff(string(want), string(have)); diff != "" {
				t.Errorf("payload mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestUnmarshalCommandEdgeCases(t *testing.T) {
	p, err := UnmarshalCommand([]byte(`{"command":"fastforwardsim"}`))
	require.NoError(t, err)
	assert.Equal(t, &SimControl{Command: CmdFastForwardSim}, p)

	p, err = UnmarshalCommand([]byte(`{"command":"mystery","x":1}`))
	require.NoError(t, err)
	unknown, ok := p.(*Unknown)
	require.True(t, ok)
	assert.Equal(t, "mystery", unknown.Name())
	assert.JSONEq(t, `{"command":"mystery","x":1}`, string(unknown.Raw))

	_, err = UnmarshalCommand([]byte(`{"tick":1}`))
	assert.ErrorIs(t, err, ErrNoCommand)

	_, err = UnmarshalCommand([]byte(`[1]`))
	assert.Error(t, err)

	_, err = UnmarshalCommand([]byte(`{"command":"tick","tick":"x"}`))
	assert.Error(t, err)
}

func TestIsSimCommand(t *testing.T) {
	for _, name := range SimCommands {
		assert.True(t, IsSimCommand(name), name)
	}
	assert.False(t, IsSimCommand(CmdSaveCircuit))
}

func TestEventMessage(t *testing.T) {
	ev, err := NewEvent(EventInfo, Notice{Message: "saved"})
	require.NoError(t, err)
	msg, err := ev.Message()
	require.NoError(t, err)
	assert.Equal(t, MsgEvent, msg.Header.Type)
	assert.Zero(t, msg.Header.RequestID)

	var back Event
	require.NoError(t, Decode(msg.Payload, &back))
	assert.Equal(t, EventInfo, back.Type)
	assert.JSONEq(t, `{"message":"saved"}`, string(back.Data))
}

func TestReplies(t *testing.T) {
	r, err := OKReply(nil)
	require.NoError(t, err)
	assert.True(t, r.OK)
	assert.Nil(t, r.Data)

	r = ErrorReply(KindUnsaved, assert.AnError)
	assert.False(t, r.OK)
	assert.Equal(t, KindUnsaved, r.Kind)
	assert.Equal(t, assert.AnError.Error(), r.Error)
}
