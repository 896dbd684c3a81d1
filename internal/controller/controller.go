// Package controller owns the host side of a circuit session. It runs the
// operations requested by host clients, pushes state to the presentation
// context and mirrors everything into the session cache.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"circuitd/internal/circuit"
	"circuitd/internal/document"
	"circuitd/internal/ipc"
	"circuitd/internal/metrics"
	"circuitd/internal/protocol"
	"circuitd/internal/router"
	"circuitd/internal/session"
	"circuitd/internal/sources"
	"circuitd/internal/synth"
)

// Common errors
var (
	ErrUnsaved       = errors.New("circuit has unsaved changes")
	ErrNoCircuitPath = errors.New("circuit has not been saved yet, use save as")
	ErrNotTracked    = errors.New("file is not tracked")
	ErrNotScript     = errors.New("file is not a script")
	ErrDetached      = errors.New("presentation detached before the circuit was flushed")
	ErrSuperseded    = errors.New("session changed during synthesis, result discarded")
)

// Link is the transport to the presentation context and the host clients.
// *ipc.Server implements it.
type Link interface {
	Presentation() (*ipc.Peer, bool)
	NextRequestID() uint32
	SendPresentation(msg *protocol.Message) error
	Broadcast(msg *protocol.Message)
}

// Config wires a controller to its collaborators.
type Config struct {
	Store       *circuit.Store
	Registry    *sources.Registry
	Buffers     *sources.Buffers
	Gateway     *document.Gateway
	Synthesizer synth.Synthesizer
	Session     *session.Context
	Link        Link
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// Controller runs host operations against one session.
type Controller struct {
	store    *circuit.Store
	registry *sources.Registry
	buffers  *sources.Buffers
	gateway  *document.Gateway
	synth    synth.Synthesizer
	session  *session.Context
	link     Link
	metrics  *metrics.Metrics
	logger   *slog.Logger
	router   *router.Router

	// guard serializes the operations that swap the session contents, so
	// a result computed across a suspension point is revalidated and
	// applied as one step.
	guard sync.Mutex

	mu      sync.Mutex
	active  bool
	closing bool
	// gen moves on whenever the session contents are swapped or the
	// tracked files change. Written under guard and mu.
	gen uint64
	// written maps a file we wrote to the hash of the bytes written, so the
	// watcher can tell our own saves from external edits.
	written      map[string]string
	filesChanged []func(circuitPath string, files []string)
}

// New creates a controller and its router, and hooks the store and buffer
// listeners.
func New(cfg Config) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		store:    cfg.Store,
		registry: cfg.Registry,
		buffers:  cfg.Buffers,
		gateway:  cfg.Gateway,
		synth:    cfg.Synthesizer,
		session:  cfg.Session,
		link:     cfg.Link,
		metrics:  cfg.Metrics,
		logger:   logger.With("component", "controller"),
		written:  make(map[string]string),
	}
	c.router = router.New(c.store, c.registry, c, c.metrics, logger)

	c.store.OnTick(func(tick int) {
		c.metrics.SetTick(tick)
		c.Publish(protocol.EventTick, map[string]int{"tick": tick})
	})
	c.store.OnRunState(func(rs circuit.RunState) {
		c.Publish(protocol.EventRunState, rs)
	})
	if c.buffers != nil {
		c.buffers.OnChange(c.registry.DocumentChanged)
		c.buffers.OnHighlight(func(locator string, ranges []sources.Range) {
			c.Publish(protocol.EventHighlight, protocol.Highlight{Path: locator, Ranges: ranges})
		})
	}
	return c
}

// Router returns the handler for the presentation peer.
func (c *Controller) Router() *router.Router {
	return c.router
}

// OnFilesChanged registers a callback run whenever the circuit locator or
// the tracked files change.
func (c *Controller) OnFilesChanged(fn func(circuitPath string, files []string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filesChanged = append(c.filesChanged, fn)
}

// Active reports whether a session is running.
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// NewCircuit starts an empty, unsaved circuit. With unsaved changes it
// fails with ErrUnsaved unless discard is set.
func (c *Controller) NewCircuit(ctx context.Context, discard bool) error {
	c.guard.Lock()
	defer c.guard.Unlock()
	if !discard && c.store.Dirty() {
		return ErrUnsaved
	}
	c.registry.Reset("")
	c.gateway.Reset()
	c.store.Replace(circuit.Empty(), false)
	c.loaded(ctx)
	return nil
}

// Open loads the circuit document at path. A malformed document leaves the
// current session untouched.
func (c *Controller) Open(ctx context.Context, path string, discard bool) error {
	c.guard.Lock()
	defer c.guard.Unlock()
	if !discard && c.store.Dirty() {
		return ErrUnsaved
	}
	if err := c.gateway.Load(path); err != nil {
		return err
	}
	c.loaded(ctx)
	return nil
}

// loaded runs with guard held.
func (c *Controller) loaded(ctx context.Context) {
	c.nextGeneration()
	c.router.ClearMarkers()
	c.setActive(true)
	c.showCircuit(false, false)
	c.Publish(protocol.EventCircuit, c.circuitSummary())
	c.filesUpdated(ctx)
}

// Save flushes the presentation's circuit and writes it to the current
// circuit file.
func (c *Controller) Save(ctx context.Context) (string, error) {
	path := c.registry.CircuitPath()
	if path == "" {
		return "", ErrNoCircuitPath
	}
	if err := c.saveTo(ctx, path); err != nil {
		return "", err
	}
	return path, nil
}

// SaveAs writes the circuit to path and makes it the circuit file. On
// failure the previous circuit file is kept.
func (c *Controller) SaveAs(ctx context.Context, path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("%w: empty path", ErrNoCircuitPath)
	}
	path = sources.Canonical(path)
	prev := c.registry.SetCircuitPath(path)
	if err := c.saveTo(ctx, path); err != nil {
		c.registry.SetCircuitPath(prev)
		return "", err
	}
	c.filesUpdated(ctx)
	return path, nil
}

func (c *Controller) saveTo(ctx context.Context, path string) error {
	if _, err := c.flush(ctx); err != nil {
		c.metrics.RecordSave(err)
		return err
	}
	data, err := c.gateway.Save(path)
	c.metrics.RecordSave(err)
	if err != nil {
		return err
	}
	c.store.MarkClean()
	c.rememberWrite(path, data)
	c.Notify(protocol.EventInfo, fmt.Sprintf("Circuit saved to %s", path))
	c.mirror(ctx)
	return nil
}

// flush asks the presentation context for its current circuit and waits for
// the matching updatecircuit. Without a presentation the store already
// holds the latest circuit.
func (c *Controller) flush(ctx context.Context) (*circuit.Circuit, error) {
	if _, ok := c.link.Presentation(); !ok {
		return c.store.Circuit(), nil
	}
	id := c.link.NextRequestID()
	ack := c.router.ExpectFlush(id)
	if err := c.push(id, protocol.SaveCircuit{}); err != nil {
		c.router.CancelFlush(id)
		if errors.Is(err, ipc.ErrNoPresentation) {
			return c.store.Circuit(), nil
		}
		return nil, err
	}

	select {
	case got := <-ack:
		if got == nil {
			return nil, ErrDetached
		}
		c.store.Sync(got)
		return got, nil
	case <-ctx.Done():
		c.router.CancelFlush(id)
		return nil, ctx.Err()
	}
}

// AddFiles tracks the given source files and returns how many were new.
func (c *Controller) AddFiles(ctx context.Context, paths []string) int {
	c.guard.Lock()
	defer c.guard.Unlock()
	added := 0
	for _, p := range paths {
		if c.registry.AddSource(p) {
			added++
		}
	}
	if added == 0 {
		return 0
	}
	c.nextGeneration()
	c.setActive(true)
	c.store.MarkDirty()
	c.filesUpdated(ctx)
	return added
}

// RemoveSource untracks a source file.
func (c *Controller) RemoveSource(ctx context.Context, path string) error {
	c.guard.Lock()
	defer c.guard.Unlock()
	if !c.registry.RemoveSource(path) {
		return fmt.Errorf("%w: %s", ErrNotTracked, path)
	}
	c.nextGeneration()
	c.store.MarkDirty()
	c.filesUpdated(ctx)
	return nil
}

// Synthesize runs the synthesizer over the tracked sources and installs the
// result as an undoable edit. A result that arrives after the session was
// ended, replaced or had its files changed is dropped with ErrSuperseded.
func (c *Controller) Synthesize(ctx context.Context) error {
	gen := c.generation()
	keys, err := c.registry.BuildSynthesisKeys()
	if err != nil {
		return err
	}
	contents, err := c.registry.LoadContents(keys)
	if err != nil {
		return err
	}

	opts := c.gateway.Options()
	start := time.Now()
	out, err := c.synth.Synthesize(ctx, synth.Request{Files: contents, Options: opts.RequestOptions()})
	c.metrics.RecordSynthesis(err, time.Since(start))
	if err != nil {
		return err
	}

	c.guard.Lock()
	defer c.guard.Unlock()
	if c.generation() != gen {
		c.logger.Info("synthesis result discarded", "reason", "session changed", "files", len(keys))
		return ErrSuperseded
	}
	c.registry.RefreshHashes(keys, contents)
	c.store.Replace(out, true)
	c.router.ClearMarkers()
	c.setActive(true)
	c.showCircuit(opts.Simplify, false)
	c.logger.Info("synthesis complete", "files", len(keys), "devices", len(out.Devices), "duration", time.Since(start))
	c.CircuitChanged()
	return nil
}

// SetOptions replaces the synthesis options.
func (c *Controller) SetOptions(ctx context.Context, opts synth.Options) error {
	if err := opts.Validate(); err != nil {
		return fmt.Errorf("%w: %v", errInvalid, err)
	}
	if c.gateway.Options() == opts {
		return nil
	}
	c.gateway.SetOptions(opts)
	c.store.MarkDirty()
	c.mirror(ctx)
	return nil
}

// StartScript sends a tracked script to the presentation context. The live
// editor text wins over the file on disk.
func (c *Controller) StartScript(_ context.Context, path string) error {
	locator, err := c.script(path)
	if err != nil {
		return err
	}
	text, ok := c.buffers.Text(locator)
	if !ok {
		data, err := os.ReadFile(locator)
		if err != nil {
			return &document.IOError{Op: "read", Path: locator, Err: err}
		}
		text = string(data)
	}
	return c.push(0, protocol.RunLua{Script: locator, Code: text})
}

// StopScript stops a script in the presentation context.
func (c *Controller) StopScript(_ context.Context, path string) error {
	locator, err := c.script(path)
	if err != nil {
		return err
	}
	return c.push(0, protocol.StopLua{Script: locator})
}

func (c *Controller) script(path string) (string, error) {
	locator := sources.Canonical(path)
	if !sources.IsScript(locator) {
		return "", fmt.Errorf("%w: %s", ErrNotScript, path)
	}
	if !c.registry.Tracked(locator) {
		return "", fmt.Errorf("%w: %s", ErrNotTracked, path)
	}
	return locator, nil
}

// Simulate forwards a simulation control command.
func (c *Controller) Simulate(_ context.Context, command string) error {
	if !protocol.IsSimCommand(command) {
		return fmt.Errorf("%w: unknown simulation command %q", errInvalid, command)
	}
	return c.push(0, protocol.SimControl{Command: command})
}

// Undo reverts the last edit. It reports false when there was nothing to
// undo.
func (c *Controller) Undo(_ context.Context) (circuit.Edit, bool) {
	e, ok := c.store.Undo()
	if ok {
		c.edited()
	}
	return e, ok
}

// Redo re-applies the last undone edit.
func (c *Controller) Redo(_ context.Context) (circuit.Edit, bool) {
	e, ok := c.store.Redo()
	if ok {
		c.edited()
	}
	return e, ok
}

// Revert restores the circuit last loaded or saved.
func (c *Controller) Revert(_ context.Context) {
	c.store.Revert()
	c.edited()
}

func (c *Controller) edited() {
	c.showCircuit(false, false)
	c.CircuitChanged()
}

// EditorOpen, EditorChange and EditorClose track host editor buffers.
func (c *Controller) EditorOpen(path, text string)   { c.buffers.Open(path, text) }
func (c *Controller) EditorChange(path, text string) { c.buffers.Change(path, text) }
func (c *Controller) EditorClose(path string)        { c.buffers.Close(path) }

// Status is a snapshot of the session for host clients.
type Status struct {
	Active       bool                  `json:"active"`
	Presentation bool                  `json:"presentation"`
	Circuit      string                `json:"circuit,omitempty"`
	Files        []string              `json:"files"`
	Dirty        bool                  `json:"dirty"`
	Devices      int                   `json:"devices"`
	RunState     circuit.RunState      `json:"runstate"`
	Scripts      []sources.ScriptState `json:"scripts"`
	Options      synth.Options         `json:"options"`
	History      []string              `json:"history"`
	Merge        string                `json:"merge"`
	IOPanel      protocol.IOPanelState `json:"iopanel"`
}

// Status returns the current session snapshot.
func (c *Controller) Status() Status {
	_, attached := c.link.Presentation()
	edits := c.store.History()
	labels := make([]string, len(edits))
	for i, e := range edits {
		labels[i] = e.Label
	}
	merge, _ := c.store.MergeState()
	return Status{
		Active:       c.Active(),
		Presentation: attached,
		Circuit:      c.registry.CircuitPath(),
		Files:        c.registry.Files(),
		Dirty:        c.store.Dirty(),
		Devices:      len(c.store.Circuit().Devices),
		RunState:     c.store.RunState(),
		Scripts:      c.registry.ScriptStates(),
		Options:      c.gateway.Options(),
		History:      labels,
		Merge:        merge,
		IOPanel:      c.router.IOPanel(),
	}
}

// Handlers routes ipc peers to the controller: the presentation peer to
// the router and host peers to HandleMessage.
func (c *Controller) Handlers() ipc.Handlers {
	return ipc.Handlers{
		Presentation: c.router,
		Host:         c,
		Attached: func(ctx context.Context, peer *ipc.Peer) {
			c.PeerAttached(ctx, peer.Role())
		},
		Detached: func(peer *ipc.Peer) {
			c.PeerDetached(peer.Role())
		},
	}
}

// SetLink sets the transport. Call it before the server starts.
func (c *Controller) SetLink(l Link) {
	c.link = l
}

// PeerAttached runs once a peer finished its handshake. A new presentation
// peer is shown the current circuit, paused.
func (c *Controller) PeerAttached(ctx context.Context, role protocol.Role) {
	c.metrics.PeerAttached(string(role))
	if role != protocol.RolePresentation {
		return
	}
	c.setActive(true)
	c.showCircuit(false, true)
	c.mirror(ctx)
}

// PeerDetached runs after a peer disconnected. Losing the presentation peer
// ends the session, unless the daemon is shutting down.
func (c *Controller) PeerDetached(role protocol.Role) {
	c.metrics.PeerDetached(string(role))
	if role != protocol.RolePresentation {
		return
	}
	c.mu.Lock()
	closing := c.closing
	c.mu.Unlock()
	if closing {
		return
	}
	c.EndSession(context.Background())
}

// Shutdown mirrors the session one last time and keeps it restorable:
// peers dropped from here on no longer end the session.
func (c *Controller) Shutdown(ctx context.Context) {
	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()
	c.mirror(ctx)
	c.logger.Info("controller stopped", "circuit", c.registry.CircuitPath(), "dirty", c.store.Dirty())
}

// EndSession drops the circuit, the tracked files, the source map and any
// pending merge state.
func (c *Controller) EndSession(ctx context.Context) {
	c.guard.Lock()
	defer c.guard.Unlock()
	c.nextGeneration()
	c.setActive(false)
	c.store.Reset()
	c.registry.Reset("")
	c.gateway.Reset()
	c.router.Reset()
	c.logger.Info("session ended")
	c.Publish(protocol.EventCircuit, c.circuitSummary())
	c.filesUpdated(ctx)
}

func (c *Controller) generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

func (c *Controller) nextGeneration() {
	c.mu.Lock()
	c.gen++
	c.mu.Unlock()
}

func (c *Controller) setActive(active bool) {
	c.mu.Lock()
	c.active = active
	c.mu.Unlock()
}

// showCircuit pushes the current circuit. Showing a circuit restarts the
// simulation, so the tick goes back to 0.
func (c *Controller) showCircuit(transform, pause bool) {
	c.store.SetTick(0)
	err := c.push(0, protocol.ShowCircuit{
		Circuit: c.store.Circuit(),
		Opts:    protocol.ShowOptions{Transform: transform, Pause: pause},
	})
	if err != nil && !errors.Is(err, ipc.ErrNoPresentation) {
		c.logger.Warn("show circuit failed", "error", err)
	}
}

func (c *Controller) push(requestID uint32, p protocol.Payload) error {
	msg, err := protocol.NewCommand(requestID, p)
	if err != nil {
		return err
	}
	if err := c.link.SendPresentation(msg); err != nil {
		return err
	}
	c.metrics.RecordMessage(metrics.Outbound, p.Name())
	return nil
}

func (c *Controller) filesUpdated(ctx context.Context) {
	circuitPath := c.registry.CircuitPath()
	files := c.registry.Files()
	c.metrics.SetSources(len(files))
	c.Publish(protocol.EventFiles, c.registry.FilesState())
	c.mirror(ctx)

	c.mu.Lock()
	fns := append([]func(string, []string){}, c.filesChanged...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(circuitPath, files)
	}
}

type circuitSummary struct {
	Path    string `json:"path,omitempty"`
	Dirty   bool   `json:"dirty"`
	Devices int    `json:"devices"`
	Edits   int    `json:"edits"`
}

func (c *Controller) circuitSummary() circuitSummary {
	return circuitSummary{
		Path:    c.registry.CircuitPath(),
		Dirty:   c.store.Dirty(),
		Devices: len(c.store.Circuit().Devices),
		Edits:   len(c.store.History()),
	}
}

// Publish implements router.Observer.
func (c *Controller) Publish(eventType string, data any) {
	ev, err := protocol.NewEvent(eventType, data)
	if err != nil {
		c.logger.Error("encode event", "type", eventType, "error", err)
		return
	}
	msg, err := ev.Message()
	if err != nil {
		c.logger.Error("frame event", "type", eventType, "error", err)
		return
	}
	c.link.Broadcast(msg)
	c.metrics.RecordMessage(metrics.Outbound, eventType)
}

// Notify implements router.Observer.
func (c *Controller) Notify(level, message string) {
	if level == protocol.EventError {
		c.logger.Warn(message)
	} else {
		c.logger.Info(message)
	}
	c.Publish(level, protocol.Notice{Message: message})
}

// CircuitChanged implements router.Observer.
func (c *Controller) CircuitChanged() {
	c.Publish(protocol.EventCircuit, c.circuitSummary())
	c.mirror(context.Background())
}

// ScriptsChanged implements router.Observer.
func (c *Controller) ScriptsChanged() {
	c.Publish(protocol.EventScript, c.registry.ScriptStates())
}
