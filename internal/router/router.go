// Package router dispatches the commands sent by the presentation context to
// the circuit store and the source registry.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"circuitd/internal/circuit"
	"circuitd/internal/ipc"
	"circuitd/internal/metrics"
	"circuitd/internal/protocol"
	"circuitd/internal/sources"
)

// Observer receives what the router produces for the rest of the daemon.
type Observer interface {
	// Publish pushes an event to host clients.
	Publish(eventType string, data any)
	// Notify reports a user-visible message. Level is protocol.EventError
	// or protocol.EventInfo.
	Notify(level, message string)
	// CircuitChanged runs after the presentation context changed the
	// circuit, so the new state can be mirrored.
	CircuitChanged()
	// ScriptsChanged runs after a script started or stopped.
	ScriptsChanged()
}

// Router is the dispatch table for inbound presentation commands.
type Router struct {
	store    *circuit.Store
	registry *sources.Registry
	observer Observer
	metrics  *metrics.Metrics
	logger   *slog.Logger

	panel IOPanel

	mu          sync.Mutex
	flushes     map[uint32]chan *circuit.Circuit
	highlighted []sources.Editor
}

// New creates a router.
func New(store *circuit.Store, registry *sources.Registry, observer Observer, m *metrics.Metrics, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		store:    store,
		registry: registry,
		observer: observer,
		metrics:  m,
		logger:   logger.With("component", "router"),
		panel:    IOPanel{values: make(map[string]json.RawMessage)},
		flushes:  make(map[uint32]chan *circuit.Circuit),
	}
}

// HandleMessage implements ipc.Handler for the presentation peer.
func (r *Router) HandleMessage(_ context.Context, _ *ipc.Peer, msg *protocol.Message) (*protocol.Message, error) {
	if msg.Header.Type != protocol.MsgCommand {
		return protocol.NewErrorMessage(msg.Header.RequestID, protocol.ErrInvalidRequest,
			fmt.Sprintf("unexpected %s frame", msg.Header.Type)), nil
	}
	p, err := protocol.UnmarshalCommand(msg.Payload)
	if err != nil {
		r.logger.Warn("undecodable command", "error", err)
		return protocol.NewErrorMessage(msg.Header.RequestID, protocol.ErrInvalidRequest, err.Error()), nil
	}
	r.Dispatch(msg.Header.RequestID, p)
	return nil, nil
}

// Dispatch applies one decoded command. requestID is the frame's correlation
// token; it is only meaningful for updatecircuit.
func (r *Router) Dispatch(requestID uint32, p protocol.Payload) {
	r.metrics.RecordMessage(metrics.Inbound, p.Name())

	switch p := p.(type) {
	case *protocol.UpdateCircuit:
		r.updateCircuit(requestID, p)
	case *protocol.AutoLayout:
		res := r.store.ApplyLayout(p.Circuit)
		if res.Merged {
			r.metrics.RecordUpdate(metrics.LayoutMerged)
		} else {
			r.metrics.RecordUpdate(metrics.LayoutDirect)
		}
		r.observer.CircuitChanged()
	case *protocol.Tick:
		r.store.SetTick(p.Tick)
	case *protocol.RunStateUpdate:
		r.store.SetRunState(p.HasCircuit, p.Running, p.HasPendingEvents)
	case *protocol.LuaStarted:
		r.registry.MarkScriptStarted(p.Script)
		r.observer.ScriptsChanged()
	case *protocol.LuaStop:
		r.registry.MarkScriptStopped(p.Script)
		r.observer.ScriptsChanged()
	case *protocol.LuaError:
		r.observer.Notify(protocol.EventError, fmt.Sprintf("%s: %s", r.displayName(p.Script), p.Message))
	case *protocol.LuaPrint:
		r.observer.Notify(protocol.EventInfo, fmt.Sprintf("%s: %s", r.displayName(p.Script), strings.Join(p.Messages, "\t")))
	case *protocol.ShowMarker:
		r.ShowMarkers(p.Markers)
	case *protocol.ClearMarker:
		r.ClearMarkers()
	case *protocol.IOPanelView, *protocol.IOPanelUpdate:
		r.panel.apply(p)
		// Hosts get the command itself, as the presentation context sent it.
		if raw, err := protocol.MarshalCommand(p); err == nil {
			r.observer.Publish(protocol.EventIOPanel, json.RawMessage(raw))
		}
	default:
		r.logger.Warn("ignoring command", "command", p.Name())
	}
}

func (r *Router) updateCircuit(requestID uint32, p *protocol.UpdateCircuit) {
	if requestID != 0 {
		r.mu.Lock()
		ch, waiting := r.flushes[requestID]
		delete(r.flushes, requestID)
		r.mu.Unlock()

		r.metrics.RecordUpdate(metrics.SaveFlush)
		if waiting {
			ch <- p.Circuit
			return
		}
		// The waiter gave up; the echo is still the current circuit.
		r.store.Sync(p.Circuit)
		r.observer.CircuitChanged()
		return
	}

	if _, recorded := r.store.ApplyUserEdit(p.Circuit, circuit.ParseEditKind(p.Type, p.EleType)); recorded {
		r.metrics.RecordUpdate(metrics.EditRecorded)
	} else {
		r.metrics.RecordUpdate(metrics.EditNoop)
	}
	r.observer.CircuitChanged()
}

// ExpectFlush registers a one-shot acknowledgement for the updatecircuit
// that answers the savecircuit sent with requestID. The channel receives
// exactly one circuit.
func (r *Router) ExpectFlush(requestID uint32) <-chan *circuit.Circuit {
	ch := make(chan *circuit.Circuit, 1)
	r.mu.Lock()
	r.flushes[requestID] = ch
	r.mu.Unlock()
	return ch
}

// CancelFlush drops a pending acknowledgement.
func (r *Router) CancelFlush(requestID uint32) {
	r.mu.Lock()
	delete(r.flushes, requestID)
	r.mu.Unlock()
}

// ShowMarkers highlights marker ranges in the live editors whose text still
// matches what was synthesized. Markers for stale or closed sources are
// dropped.
func (r *Router) ShowMarkers(markers []protocol.Marker) {
	type target struct {
		editor sources.Editor
		ranges []sources.Range
	}
	var order []string
	targets := make(map[string]*target)
	missing := make(map[string]bool)

	for _, m := range markers {
		t, ok := targets[m.Name]
		if !ok {
			if missing[m.Name] {
				continue
			}
			editor, found := r.registry.FindEditorFor(m.Name)
			if !found {
				missing[m.Name] = true
				continue
			}
			t = &target{editor: editor}
			targets[m.Name] = t
			order = append(order, m.Name)
		}
		t.ranges = append(t.ranges, m.Range())
	}

	r.mu.Lock()
	for _, name := range order {
		r.highlighted = append(r.highlighted, targets[name].editor)
	}
	r.mu.Unlock()

	for _, name := range order {
		t := targets[name]
		t.editor.SetHighlights(t.ranges)
	}
}

// ClearMarkers removes every highlight placed by ShowMarkers.
func (r *Router) ClearMarkers() {
	r.mu.Lock()
	editors := r.highlighted
	r.highlighted = nil
	r.mu.Unlock()

	for _, e := range editors {
		e.SetHighlights(nil)
	}
}

// IOPanel returns the cached I/O panel state.
func (r *Router) IOPanel() protocol.IOPanelState {
	return r.panel.State()
}

// Reset drops the I/O panel cache, markers and pending flushes. Pending
// flush waiters are released with a nil circuit.
func (r *Router) Reset() {
	r.ClearMarkers()
	r.panel.reset()

	r.mu.Lock()
	flushes := r.flushes
	r.flushes = make(map[uint32]chan *circuit.Circuit)
	r.mu.Unlock()
	for _, ch := range flushes {
		ch <- nil
	}
}

func (r *Router) displayName(name string) string {
	if r.registry.CircuitPath() == "" {
		return name
	}
	return sources.Relative(r.registry.CircuitPath(), name)
}

// IOPanel caches the last I/O panel view so late-joining hosts can be
// answered without asking the presentation context.
type IOPanel struct {
	mu     sync.Mutex
	view   []string
	values map[string]json.RawMessage
}

func (p *IOPanel) apply(cmd protocol.Payload) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch cmd := cmd.(type) {
	case *protocol.IOPanelView:
		p.view = append([]string(nil), cmd.View...)
		p.values = make(map[string]json.RawMessage, len(cmd.View))
	case *protocol.IOPanelUpdate:
		for _, id := range p.view {
			if id == cmd.ID {
				p.values[id] = append(json.RawMessage(nil), cmd.Value...)
				return
			}
		}
	}
}

// State returns a copy of the cache.
func (p *IOPanel) State() protocol.IOPanelState {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := protocol.IOPanelState{
		View:   append([]string{}, p.view...),
		Values: make(map[string]json.RawMessage, len(p.values)),
	}
	for k, v := range p.values {
		st.Values[k] = v
	}
	return st
}

func (p *IOPanel) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.view = nil
	p.values = make(map[string]json.RawMessage)
}
