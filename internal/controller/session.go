package controller

import (
	"context"
	"os"

	"circuitd/internal/document"
	"circuitd/internal/protocol"
	"circuitd/internal/session"
	"circuitd/internal/sources"
)

// mirror writes the live state into the session cache. Failures are logged;
// the cache is a convenience and never blocks an operation.
func (c *Controller) mirror(ctx context.Context) {
	dirty := c.store.Dirty()
	c.metrics.SetDirty(dirty)
	if c.session == nil {
		return
	}
	_, attached := c.link.Presentation()
	st := session.State{
		View:      session.ViewState{Open: c.Active(), Visible: attached},
		Dirty:     dirty,
		Files:     c.registry.FilesState(),
		Circuit:   c.store.Circuit(),
		SourceMap: c.registry.SessionMap(),
		Options:   c.gateway.Options(),
	}
	if err := c.session.Mirror(ctx, st); err != nil {
		c.logger.Warn("session mirror failed", "error", err)
	}
}

// Restore reloads the state mirrored by a previous daemon run. It reports
// false when there was no open session to restore.
func (c *Controller) Restore(ctx context.Context) (bool, error) {
	if c.session == nil {
		return false, nil
	}
	r, ok, err := c.session.Load(ctx)
	if err != nil || !ok {
		return false, err
	}

	c.guard.Lock()
	defer c.guard.Unlock()
	c.nextGeneration()

	if r.Files != nil {
		c.registry.LoadFilesState(*r.Files)
	}
	restored := r.Circuit != nil
	if restored {
		c.store.Replace(r.Circuit, false)
		c.registry.LoadSessionMap(r.SourceMap)
	}
	if err := c.restoreMisc(r, !restored); err != nil {
		c.logger.Warn("ignoring circuit file during restore", "error", err)
	}
	if r.Dirty {
		c.store.MarkDirty()
	}

	c.setActive(true)
	c.metrics.RecordRestore()
	c.logger.Info("session restored",
		"circuit", c.registry.CircuitPath(),
		"files", len(c.registry.Files()),
		"dirty", c.store.Dirty(),
		"from_cache", restored)
	c.showCircuit(false, true)
	c.Publish(protocol.EventCircuit, c.circuitSummary())
	c.filesUpdated(ctx)
	return true, nil
}

// restoreMisc restores the options and, when a circuit file is tracked, the
// extra fields it carries. With loadCircuit the file also supplies the
// circuit and the source map.
func (c *Controller) restoreMisc(r session.Restored, loadCircuit bool) error {
	if r.Options != nil {
		c.gateway.SetOptions(*r.Options)
	}
	path := c.registry.CircuitPath()
	if path == "" {
		return nil
	}
	doc, _, err := document.ReadFile(path)
	if err != nil {
		return err
	}
	if loadCircuit {
		c.store.Replace(doc.Circuit, false)
		c.registry.LoadSessionMap(doc.SourceMap)
	}
	if r.Options == nil {
		c.gateway.SetOptions(doc.Options)
	}
	c.gateway.SetExtra(doc.Extra)
	return nil
}

func (c *Controller) rememberWrite(path string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written[path] = sources.Hash(data)
}

// ownWrite reports whether the file at path still holds what we last wrote
// there.
func (c *Controller) ownWrite(path string, data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.written[path]
	return ok && h == sources.Hash(data)
}

// FileChanged handles a change on disk. An external change to the circuit
// file reloads it, unless there are unsaved changes, which are kept. A
// change to a tracked source invalidates its editor match.
func (c *Controller) FileChanged(ctx context.Context, path string) {
	c.metrics.RecordFileEvent("changed")
	path = sources.Canonical(path)
	if path != c.registry.CircuitPath() {
		if c.registry.Tracked(path) {
			c.registry.DocumentChanged(path)
			c.logger.Debug("source changed on disk", "path", path)
		}
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		c.logger.Debug("circuit file unreadable", "path", path, "error", err)
		return
	}
	if c.ownWrite(path, data) {
		return
	}
	if c.store.Dirty() {
		c.Notify(protocol.EventError, "Circuit file "+path+" changed on disk; unsaved changes kept")
		return
	}
	c.guard.Lock()
	defer c.guard.Unlock()
	if err := c.gateway.FromDocument(data, path); err != nil {
		c.Notify(protocol.EventError, err.Error())
		return
	}
	c.logger.Info("circuit file reloaded", "path", path)
	c.loaded(ctx)
}

// FileRemoved handles a file deleted or renamed away.
func (c *Controller) FileRemoved(_ context.Context, path string) {
	c.metrics.RecordFileEvent("removed")
	path = sources.Canonical(path)
	switch {
	case path == c.registry.CircuitPath():
		c.Notify(protocol.EventError, "Circuit file "+path+" was removed")
	case c.registry.Tracked(path):
		c.Notify(protocol.EventError, "Source file "+sources.Relative(c.registry.CircuitPath(), path)+" was removed")
	}
}
