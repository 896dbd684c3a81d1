package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"circuitd/internal/circuit"
	"circuitd/internal/sources"
	"circuitd/internal/synth"
)

// Command names. Simulation controls travel in both directions: a host sends
// them to the daemon, which forwards them to the presentation context.
const (
	// Daemon to presentation.
	CmdShowCircuit    = "showcircuit"
	CmdPauseSim       = "pausesim"
	CmdStartSim       = "startsim"
	CmdFastForwardSim = "fastforwardsim"
	CmdSingleStepSim  = "singlestepsim"
	CmdNextEventSim   = "nexteventsim"
	CmdSaveCircuit    = "savecircuit"
	CmdRunLua         = "runlua"
	CmdStopLua        = "stoplua"

	// Presentation to daemon.
	CmdUpdateCircuit = "updatecircuit"
	CmdAutoLayout    = "autolayout"
	CmdTick          = "tick"
	CmdRunState      = "runstate"
	CmdLuaStarted    = "luastarted"
	CmdLuaStop       = "luastop"
	CmdLuaError      = "luaerror"
	CmdLuaPrint      = "luaprint"
	CmdShowMarker    = "showmarker"
	CmdClearMarker   = "clearmarker"
	CmdIOPanelView   = "iopanel:view"
	CmdIOPanelUpdate = "iopanel:update"

	// Host to daemon.
	CmdNew          = "new"
	CmdOpen         = "open"
	CmdSave         = "save"
	CmdSaveAs       = "saveas"
	CmdAddFiles     = "addfiles"
	CmdRemoveSource = "removesource"
	CmdSynth        = "synth"
	CmdSetOptions   = "setoptions"
	CmdStartScript  = "startscript"
	CmdStopScript   = "stopscript"
	CmdUndo         = "undo"
	CmdRedo         = "redo"
	CmdRevert       = "revert"
	CmdEditorOpen   = "editor:open"
	CmdEditorChange = "editor:change"
	CmdEditorClose  = "editor:close"
	CmdStatus       = "status"
)

// IOPanelPrefix is the namespace of I/O panel commands.
const IOPanelPrefix = "iopanel:"

// Payload is a command body. Name returns the value of its "command" field.
type Payload interface {
	Name() string
}

// ShowOptions controls how the presentation context installs a circuit.
type ShowOptions struct {
	Transform bool `json:"transform"`
	Pause     bool `json:"pause"`
}

// ShowCircuit replaces the circuit shown by the presentation context.
type ShowCircuit struct {
	Circuit *circuit.Circuit `json:"circuit"`
	Opts    ShowOptions      `json:"opts"`
}

// SimControl is one of the simulation control commands.
type SimControl struct {
	Command string `json:"-"`
}

// SaveCircuit asks the presentation context to send back its current
// circuit in an updatecircuit carrying the same request ID.
type SaveCircuit struct{}

// RunLua starts a script.
type RunLua struct {
	Script string `json:"name"`
	Code   string `json:"script"`
}

// StopLua stops a script.
type StopLua struct {
	Script string `json:"name"`
}

// UpdateCircuit reports the presentation context's circuit, either after a
// user edit or in answer to savecircuit.
type UpdateCircuit struct {
	Circuit *circuit.Circuit `json:"circuit"`
	Type    string           `json:"type,omitempty"`
	EleType string           `json:"ele_type,omitempty"`
}

// AutoLayout reports a circuit re-flowed by automatic layout.
type AutoLayout struct {
	Circuit *circuit.Circuit `json:"circuit"`
}

// Tick reports the simulation tick.
type Tick struct {
	Tick int `json:"tick"`
}

// RunStateUpdate reports the simulation run flags.
type RunStateUpdate struct {
	HasCircuit       bool `json:"hascircuit"`
	Running          bool `json:"running"`
	HasPendingEvents bool `json:"hasPendingEvents"`
}

// LuaStarted reports a running script.
type LuaStarted struct {
	Script string `json:"name"`
}

// LuaStop reports a stopped script.
type LuaStop struct {
	Script string `json:"name"`
}

// LuaError reports a script error.
type LuaError struct {
	Script  string `json:"name"`
	Message string `json:"message"`
}

// LuaPrint carries script output.
type LuaPrint struct {
	Script   string   `json:"name"`
	Messages []string `json:"messages"`
}

// Marker is a source range associated with a hovered circuit element.
type Marker struct {
	Name     string `json:"name"`
	FromLine int    `json:"from_line"`
	FromCol  int    `json:"from_col"`
	ToLine   int    `json:"to_line"`
	ToCol    int    `json:"to_col"`
}

// Range converts the marker to a source range.
func (m Marker) Range() sources.Range {
	return sources.Range{FromLine: m.FromLine, FromCol: m.FromCol, ToLine: m.ToLine, ToCol: m.ToCol}
}

// ShowMarker highlights source ranges.
type ShowMarker struct {
	Markers []Marker `json:"markers"`
}

// ClearMarker removes every highlight.
type ClearMarker struct{}

// IOPanelView lists the I/O panel element ids.
type IOPanelView struct {
	View []string `json:"view"`
}

// IOPanelUpdate carries the value of one I/O panel element.
type IOPanelUpdate struct {
	ID    string          `json:"id"`
	Value json.RawMessage `json:"value"`
}

// New starts an empty circuit.
type New struct {
	Discard bool `json:"discard,omitempty"`
}

// Open loads a circuit document.
type Open struct {
	Path    string `json:"path"`
	Discard bool   `json:"discard,omitempty"`
}

// Save writes the circuit to its current file.
type Save struct{}

// SaveAs writes the circuit to a new file and switches to it.
type SaveAs struct {
	Path string `json:"path"`
}

// AddFiles tracks source files.
type AddFiles struct {
	Paths []string `json:"paths"`
}

// RemoveSource untracks a source file.
type RemoveSource struct {
	Path string `json:"path"`
}

// Synth runs synthesis over the tracked sources.
type Synth struct{}

// SetOptions replaces the synthesis options.
type SetOptions struct {
	Options synth.Options `json:"options"`
}

// StartScript runs a tracked script.
type StartScript struct {
	Path string `json:"path"`
}

// StopScript stops a running script.
type StopScript struct {
	Path string `json:"path"`
}

// Undo, Redo and Revert walk the edit history.
type (
	Undo   struct{}
	Redo   struct{}
	Revert struct{}
)

// EditorOpen reports an editor opened over a file.
type EditorOpen struct {
	Path string `json:"path"`
	Text string `json:"text"`
}

// EditorChange reports new editor text.
type EditorChange struct {
	Path string `json:"path"`
	Text string `json:"text"`
}

// EditorClose reports a closed editor.
type EditorClose struct {
	Path string `json:"path"`
}

// Status asks for a state snapshot.
type Status struct{}

// Unknown is a command this version does not recognize.
type Unknown struct {
	Command string          `json:"-"`
	Raw     json.RawMessage `json:"-"`
}

func (ShowCircuit) Name() string    { return CmdShowCircuit }
func (p SimControl) Name() string   { return p.Command }
func (SaveCircuit) Name() string    { return CmdSaveCircuit }
func (RunLua) Name() string         { return CmdRunLua }
func (StopLua) Name() string        { return CmdStopLua }
func (UpdateCircuit) Name() string  { return CmdUpdateCircuit }
func (AutoLayout) Name() string     { return CmdAutoLayout }
func (Tick) Name() string           { return CmdTick }
func (RunStateUpdate) Name() string { return CmdRunState }
func (LuaStarted) Name() string     { return CmdLuaStarted }
func (LuaStop) Name() string        { return CmdLuaStop }
func (LuaError) Name() string       { return CmdLuaError }
func (LuaPrint) Name() string       { return CmdLuaPrint }
func (ShowMarker) Name() string     { return CmdShowMarker }
func (ClearMarker) Name() string    { return CmdClearMarker }
func (IOPanelView) Name() string    { return CmdIOPanelView }
func (IOPanelUpdate) Name() string  { return CmdIOPanelUpdate }
func (New) Name() string            { return CmdNew }
func (Open) Name() string           { return CmdOpen }
func (Save) Name() string           { return CmdSave }
func (SaveAs) Name() string         { return CmdSaveAs }
func (AddFiles) Name() string       { return CmdAddFiles }
func (RemoveSource) Name() string   { return CmdRemoveSource }
func (Synth) Name() string          { return CmdSynth }
func (SetOptions) Name() string     { return CmdSetOptions }
func (StartScript) Name() string    { return CmdStartScript }
func (StopScript) Name() string     { return CmdStopScript }
func (Undo) Name() string           { return CmdUndo }
func (Redo) Name() string           { return CmdRedo }
func (Revert) Name() string         { return CmdRevert }
func (EditorOpen) Name() string     { return CmdEditorOpen }
func (EditorChange) Name() string   { return CmdEditorChange }
func (EditorClose) Name() string    { return CmdEditorClose }
func (Status) Name() string         { return CmdStatus }
func (p Unknown) Name() string      { return p.Command }

// SimCommands lists the simulation control command names.
var SimCommands = []string{CmdPauseSim, CmdStartSim, CmdFastForwardSim, CmdSingleStepSim, CmdNextEventSim}

// IsSimCommand reports whether name is a simulation control command.
func IsSimCommand(name string) bool {
	for _, c := range SimCommands {
		if c == name {
			return true
		}
	}
	return false
}

var factories = map[string]func() Payload{
	CmdShowCircuit:   func() Payload { return &ShowCircuit{} },
	CmdSaveCircuit:   func() Payload { return &SaveCircuit{} },
	CmdRunLua:        func() Payload { return &RunLua{} },
	CmdStopLua:       func() Payload { return &StopLua{} },
	CmdUpdateCircuit: func() Payload { return &UpdateCircuit{} },
	CmdAutoLayout:    func() Payload { return &AutoLayout{} },
	CmdTick:          func() Payload { return &Tick{} },
	CmdRunState:      func() Payload { return &RunStateUpdate{} },
	CmdLuaStarted:    func() Payload { return &LuaStarted{} },
	CmdLuaStop:       func() Payload { return &LuaStop{} },
	CmdLuaError:      func() Payload { return &LuaError{} },
	CmdLuaPrint:      func() Payload { return &LuaPrint{} },
	CmdShowMarker:    func() Payload { return &ShowMarker{} },
	CmdClearMarker:   func() Payload { return &ClearMarker{} },
	CmdIOPanelView:   func() Payload { return &IOPanelView{} },
	CmdIOPanelUpdate: func() Payload { return &IOPanelUpdate{} },
	CmdNew:           func() Payload { return &New{} },
	CmdOpen:          func() Payload { return &Open{} },
	CmdSave:          func() Payload { return &Save{} },
	CmdSaveAs:        func() Payload { return &SaveAs{} },
	CmdAddFiles:      func() Payload { return &AddFiles{} },
	CmdRemoveSource:  func() Payload { return &RemoveSource{} },
	CmdSynth:         func() Payload { return &Synth{} },
	CmdSetOptions:    func() Payload { return &SetOptions{} },
	CmdStartScript:   func() Payload { return &StartScript{} },
	CmdStopScript:    func() Payload { return &StopScript{} },
	CmdUndo:          func() Payload { return &Undo{} },
	CmdRedo:          func() Payload { return &Redo{} },
	CmdRevert:        func() Payload { return &Revert{} },
	CmdEditorOpen:    func() Payload { return &EditorOpen{} },
	CmdEditorChange:  func() Payload { return &EditorChange{} },
	CmdEditorClose:   func() Payload { return &EditorClose{} },
	CmdStatus:        func() Payload { return &Status{} },
}

// ErrNoCommand is returned for a payload without a command name.
var ErrNoCommand = errors.New("missing command name")

// MarshalCommand encodes p as a JSON object with its name in the "command"
// field.
func MarshalCommand(p Payload) ([]byte, error) {
	name, err := json.Marshal(p.Name())
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", p.Name(), err)
	}
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("encode %s: payload is not an object", p.Name())
	}

	var buf bytes.Buffer
	buf.WriteString(`{"command":`)
	buf.Write(name)
	if inner := bytes.TrimSpace(body[1 : len(body)-1]); len(inner) > 0 {
		buf.WriteByte(',')
		buf.Write(inner)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalCommand decodes a command payload. Unrecognized names decode to
// *Unknown so the caller can decide what to do with them.
func UnmarshalCommand(data []byte) (Payload, error) {
	var head struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode command: %w", err)
	}
	if head.Command == "" {
		return nil, ErrNoCommand
	}
	if IsSimCommand(head.Command) {
		return &SimControl{Command: head.Command}, nil
	}
	factory, ok := factories[head.Command]
	if !ok {
		return &Unknown{Command: head.Command, Raw: append(json.RawMessage(nil), data...)}, nil
	}
	p := factory()
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("decode %s: %w", head.Command, err)
	}
	return p, nil
}

// NewCommand frames p as a command message.
func NewCommand(requestID uint32, p Payload) (*Message, error) {
	payload, err := MarshalCommand(p)
	if err != nil {
		return nil, err
	}
	return NewMessage(MsgCommand, requestID, payload), nil
}
