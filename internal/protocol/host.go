package protocol

import (
	"encoding/json"
	"time"

	"circuitd/internal/sources"
)

// Reply answers a host command.
type Reply struct {
	OK    bool            `json:"ok"`
	Error string          `json:"error,omitempty"`
	Kind  string          `json:"kind,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Reply error kinds, so hosts can react without parsing messages.
const (
	KindUnsaved  = "unsaved"
	KindNotFound = "not_found"
	KindInvalid  = "invalid"
	KindFormat   = "format"
	KindIO       = "io"
	KindSynth    = "synthesis"
	KindNoPeer   = "no_presentation"
	KindInternal = "internal"
)

// OKReply builds a successful reply. A nil v leaves Data empty.
func OKReply(v any) (Reply, error) {
	r := Reply{OK: true}
	if v == nil {
		return r, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return Reply{}, err
	}
	r.Data = data
	return r, nil
}

// ErrorReply builds a failed reply.
func ErrorReply(kind string, err error) Reply {
	return Reply{Kind: kind, Error: err.Error()}
}

// Event types pushed to host clients.
const (
	EventError     = "error"
	EventInfo      = "info"
	EventTick      = "tick"
	EventRunState  = "runstate"
	EventIOPanel   = "iopanel"
	EventHighlight = "highlight"
	EventFiles     = "files"
	EventCircuit   = "circuit"
	EventScript    = "script"
)

// Event is a notification pushed to host clients.
type Event struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewEvent encodes data into an event stamped with the current time.
func NewEvent(typ string, data any) (Event, error) {
	ev := Event{Type: typ, Timestamp: time.Now()}
	if data == nil {
		return ev, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, err
	}
	ev.Data = raw
	return ev, nil
}

// Message frames the event.
func (e Event) Message() (*Message, error) {
	return NewResponse(MsgEvent, 0, e)
}

// Notice is the data of error and info events.
type Notice struct {
	Message string `json:"message"`
	Source  string `json:"source,omitempty"`
}

// Highlight is the data of highlight events.
type Highlight struct {
	Path   string          `json:"path"`
	Ranges []sources.Range `json:"ranges"`
}

// IOPanelState is the data of iopanel events.
type IOPanelState struct {
	View   []string                   `json:"view"`
	Values map[string]json.RawMessage `json:"values"`
}
