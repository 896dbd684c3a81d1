// Package session mirrors the live editing state into a session-scoped
// cache so that a restarted daemon can offer to restore unsaved work.
//
// A Context is created per workspace and passed explicitly to whoever needs
// it; there is no package-level state.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"circuitd/internal/circuit"
	"circuitd/internal/sources"
	"circuitd/internal/synth"
)

// Cache keys.
const (
	KeyView         = "view"
	KeyDirty        = "dirty"
	KeyFiles        = "files"
	KeyCircuit      = "circuit"
	KeySourceMap    = "source_map"
	KeySynthOptions = "synth_options"
)

// Keys lists every key a Context writes.
var Keys = []string{KeyView, KeyDirty, KeyFiles, KeyCircuit, KeySourceMap, KeySynthOptions}

// ErrClosed is returned by operations on a closed Context.
var ErrClosed = errors.New("session closed")

// Cache is a key/value store scoped to one workspace.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}

// Journal records session lifetimes. Caches that also implement Journal
// are told when a Context starts and ends.
type Journal interface {
	BeginSession(ctx context.Context, id, workspace string) error
	EndSession(ctx context.Context, id string) error
}

// ViewState records whether the presentation surface was open.
type ViewState struct {
	Open    bool `json:"open"`
	Visible bool `json:"visible"`
}

// State is the logical state mirrored into the cache.
type State struct {
	View      ViewState
	Dirty     bool
	Files     sources.FilesState
	Circuit   *circuit.Circuit
	SourceMap map[string]sources.SessionEntry
	Options   synth.Options
}

// Restored is what Load found in the cache. Pointer fields are nil when the
// key was absent or unreadable.
type Restored struct {
	View      ViewState
	Dirty     bool
	Files     *sources.FilesState
	Circuit   *circuit.Circuit
	SourceMap map[string]sources.SessionEntry
	Options   *synth.Options
}

// Context is one editing session bound to a workspace cache.
type Context struct {
	ID        string
	Workspace string

	mu     sync.Mutex
	cache  Cache
	closed bool
	logger *slog.Logger
}

// New creates a session context over cache.
func New(workspace string, cache Cache, logger *slog.Logger) *Context {
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()
	return &Context{
		ID:        id,
		Workspace: workspace,
		cache:     cache,
		logger:    logger.With("session", id),
	}
}

// Init starts the session.
func (c *Context) Init(ctx context.Context) error {
	if j, ok := c.cache.(Journal); ok {
		if err := j.BeginSession(ctx, c.ID, c.Workspace); err != nil {
			return fmt.Errorf("begin session: %w", err)
		}
	}
	c.logger.Debug("session started", "workspace", c.Workspace)
	return nil
}

// Close ends the session. The cached state is kept for the next start.
func (c *Context) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if j, ok := c.cache.(Journal); ok {
		if err := j.EndSession(ctx, c.ID); err != nil {
			return fmt.Errorf("end session: %w", err)
		}
	}
	c.logger.Debug("session ended")
	return nil
}

// Put stores one key as JSON.
func (c *Context) Put(ctx context.Context, key string, v any) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := c.cache.Put(ctx, key, data); err != nil {
		return fmt.Errorf("store %s: %w", key, err)
	}
	return nil
}

// Mirror writes the whole state.
func (c *Context) Mirror(ctx context.Context, st State) error {
	values := map[string]any{
		KeyView:         st.View,
		KeyDirty:        st.Dirty,
		KeyFiles:        st.Files,
		KeyCircuit:      st.Circuit,
		KeySourceMap:    st.SourceMap,
		KeySynthOptions: st.Options,
	}
	for _, key := range Keys {
		if err := c.Put(ctx, key, values[key]); err != nil {
			return err
		}
	}
	return nil
}

// Load reads the cached state. It reports false when the presentation
// surface was not open when the state was last mirrored, in which case
// there is nothing to restore. Keys that fail to decode are logged and
// treated as absent.
func (c *Context) Load(ctx context.Context) (Restored, bool, error) {
	var r Restored

	ok, err := c.get(ctx, KeyView, &r.View)
	if err != nil {
		return Restored{}, false, err
	}
	if !ok || !r.View.Open {
		return Restored{}, false, nil
	}

	if _, err := c.get(ctx, KeyDirty, &r.Dirty); err != nil {
		return Restored{}, false, err
	}

	var files sources.FilesState
	if ok, err := c.get(ctx, KeyFiles, &files); err != nil {
		return Restored{}, false, err
	} else if ok && (files.Circuit != "" || len(files.Sources) > 0) {
		r.Files = &files
	}

	var raw json.RawMessage
	if ok, err := c.get(ctx, KeyCircuit, &raw); err != nil {
		return Restored{}, false, err
	} else if ok && len(raw) > 0 && string(raw) != "null" {
		parsed, perr := circuit.Parse(raw)
		if perr != nil {
			c.logger.Warn("discarding cached circuit", "error", perr)
		} else {
			r.Circuit = parsed
		}
	}

	if r.Circuit != nil {
		sm := map[string]sources.SessionEntry{}
		if _, err := c.get(ctx, KeySourceMap, &sm); err != nil {
			return Restored{}, false, err
		}
		r.SourceMap = sm
	}

	var opts synth.Options
	if ok, err := c.get(ctx, KeySynthOptions, &raw); err != nil {
		return Restored{}, false, err
	} else if ok {
		parsed, perr := synth.ParseOptions(raw)
		if perr != nil {
			c.logger.Warn("discarding cached synthesis options", "error", perr)
		} else {
			opts = parsed
			r.Options = &opts
		}
	}
	return r, true, nil
}

// Clear drops every cached key of the workspace.
func (c *Context) Clear(ctx context.Context) error {
	return c.cache.Clear(ctx)
}

// get decodes key into v. A value that does not decode is logged and
// reported as absent.
func (c *Context) get(ctx context.Context, key string, v any) (bool, error) {
	data, ok, err := c.cache.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("load %s: %w", key, err)
	}
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		c.logger.Warn("discarding cached value", "key", key, "error", err)
		return false, nil
	}
	return true, nil
}

// MemCache is an in-memory Cache.
type MemCache struct {
	mu     sync.Mutex
	values map[string][]byte
}

// NewMemCache creates an empty in-memory cache.
func NewMemCache() *MemCache {
	return &MemCache{values: make(map[string][]byte)}
}

// Get implements Cache.
func (m *MemCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

// Put implements Cache.
func (m *MemCache) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = append([]byte(nil), value...)
	return nil
}

// Delete implements Cache.
func (m *MemCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

// Clear implements Cache.
func (m *MemCache) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values = make(map[string][]byte)
	return nil
}
