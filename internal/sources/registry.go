package sources

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Editor is an open editor over a source file.
type Editor interface {
	Locator() string
	Text() string
	// SetHighlights replaces the marker highlights shown in the editor.
	SetHighlights(ranges []Range)
}

// Workspace resolves locators to open editors.
type Workspace interface {
	Editor(locator string) (Editor, bool)
}

// Range is a highlighted span of source text. Lines and columns are zero
// based.
type Range struct {
	FromLine int `json:"from_line"`
	FromCol  int `json:"from_col"`
	ToLine   int `json:"to_line"`
	ToCol    int `json:"to_col"`
}

// Registry owns the file registry and the source map.
type Registry struct {
	mu sync.Mutex

	circuitPath string
	files       []string
	tracked     map[string]struct{}
	scripts     map[string]bool

	sourceMap map[string]*Info
	// reverse maps locators back to source map keys. Built on first use and
	// dropped whenever the source map is replaced.
	reverse map[string]string

	ws     Workspace
	logger *slog.Logger
}

// NewRegistry creates an empty registry. ws may be nil when no editors are
// available.
func NewRegistry(ws Workspace, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tracked:   make(map[string]struct{}),
		scripts:   make(map[string]bool),
		sourceMap: make(map[string]*Info),
		ws:        ws,
		logger:    logger,
	}
}

// Reset drops every tracked file and the source map and sets the circuit
// locator.
func (r *Registry) Reset(circuitPath string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.circuitPath = Canonical(circuitPath)
	r.files = nil
	r.tracked = make(map[string]struct{})
	r.scripts = make(map[string]bool)
	r.sourceMap = make(map[string]*Info)
	r.reverse = nil
}

// CircuitPath returns the locator of the circuit file, or "" for an unsaved
// circuit.
func (r *Registry) CircuitPath() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.circuitPath
}

// SetCircuitPath changes the circuit locator without touching the tracked
// files. It returns the previous locator.
func (r *Registry) SetCircuitPath(p string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.circuitPath
	r.circuitPath = Canonical(p)
	return prev
}

// AddSource starts tracking locator. It reports false when the file was
// already tracked.
func (r *Registry) AddSource(locator string) bool {
	locator = Canonical(locator)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tracked[locator]; ok {
		return false
	}
	r.tracked[locator] = struct{}{}
	r.files = append(r.files, locator)
	if IsScript(locator) {
		r.scripts[locator] = false
	}
	return true
}

// RemoveSource stops tracking locator. It reports false when the file was
// not tracked.
func (r *Registry) RemoveSource(locator string) bool {
	locator = Canonical(locator)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tracked[locator]; !ok {
		return false
	}
	delete(r.tracked, locator)
	delete(r.scripts, locator)
	for i, f := range r.files {
		if f == locator {
			r.files = append(r.files[:i], r.files[i+1:]...)
			break
		}
	}
	return true
}

// Tracked reports whether locator is tracked.
func (r *Registry) Tracked(locator string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tracked[Canonical(locator)]
	return ok
}

// Files returns the tracked locators in insertion order.
func (r *Registry) Files() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.files...)
}

// RelativeFiles returns the tracked locators relative to the circuit
// directory, in insertion order.
func (r *Registry) RelativeFiles() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.files))
	for i, f := range r.files {
		out[i] = Relative(r.circuitPath, f)
	}
	return out
}

// BuildSynthesisKeys computes the synthesis key of every non-script tracked
// file. Files are keyed by base name; files that share a base name are keyed
// by their path relative to the circuit directory, or by their absolute path
// when the circuit has not been saved. It returns ErrNoSources when there is
// nothing to synthesize.
func (r *Registry) BuildSynthesisKeys() (map[string]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	byBase := make(map[string][]string)
	for _, f := range r.files {
		if IsScript(f) {
			continue
		}
		base := filepath.Base(f)
		byBase[base] = append(byBase[base], f)
	}
	if len(byBase) == 0 {
		return nil, ErrNoSources
	}

	keys := make(map[string]string, len(r.files))
	for base, files := range byBase {
		if len(files) == 1 {
			keys[base] = files[0]
			continue
		}
		for _, f := range files {
			keys[Relative(r.circuitPath, f)] = f
		}
	}
	return keys, nil
}

// LoadContents reads the content of every keyed file, preferring the live
// editor text over the file on disk.
func (r *Registry) LoadContents(keys map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	for key, locator := range keys {
		if ed, ok := r.editor(locator); ok {
			out[key] = ed.Text()
			continue
		}
		data, err := os.ReadFile(locator)
		if err != nil {
			return nil, fmt.Errorf("read source %s: %w", key, err)
		}
		out[key] = string(data)
	}
	return out, nil
}

// RefreshHashes installs a new source map for a just-synthesized set. keys
// maps synthesis keys to locators and contents maps the same keys to the
// text that was synthesized.
func (r *Registry) RefreshHashes(keys map[string]string, contents map[string]string) {
	next := make(map[string]*Info, len(keys))
	for key, locator := range keys {
		next[key] = &Info{Locator: Canonical(locator), Hash: HashString(contents[key])}
	}
	r.mu.Lock()
	r.sourceMap = next
	r.reverse = nil
	r.mu.Unlock()
	r.logger.Debug("source hashes refreshed", "files", len(next))
}

// SourceMap returns a copy of the source map.
func (r *Registry) SourceMap() map[string]Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Info, len(r.sourceMap))
	for key, info := range r.sourceMap {
		out[key] = Info{Locator: info.Locator, Hash: info.Hash}
	}
	return out
}

// FindEditorFor returns the open editor of the source keyed by key, but only
// while its text still hashes to the recorded content hash. The comparison
// is cached until the editor's text changes.
func (r *Registry) FindEditorFor(key string) (Editor, bool) {
	r.mu.Lock()
	info, ok := r.sourceMap[key]
	if !ok {
		r.mu.Unlock()
		return nil, false
	}
	locator, hash, cached, gen := info.Locator, info.Hash, info.match, info.gen
	r.mu.Unlock()

	ed, ok := r.editor(locator)
	if !ok {
		return nil, false
	}
	if cached != nil {
		if !*cached {
			return nil, false
		}
		return ed, true
	}

	match := hash != "" && HashString(ed.Text()) == hash
	r.mu.Lock()
	// Keep the result only if neither the map nor the text changed while
	// hashing.
	if cur, ok := r.sourceMap[key]; ok && cur == info && info.gen == gen {
		info.match = &match
	}
	r.mu.Unlock()
	if !match {
		return nil, false
	}
	return ed, true
}

// DocumentChanged invalidates the cached editor match of the source at
// locator.
func (r *Registry) DocumentChanged(locator string) {
	locator = Canonical(locator)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reverse == nil {
		r.reverse = make(map[string]string, len(r.sourceMap))
		for key, info := range r.sourceMap {
			r.reverse[info.Locator] = key
		}
	}
	key, ok := r.reverse[locator]
	if !ok {
		return
	}
	if info, ok := r.sourceMap[key]; ok {
		info.match = nil
		info.gen++
	}
}

// MarkScriptStarted tags a script as running.
func (r *Registry) MarkScriptStarted(locator string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scripts[Canonical(locator)] = true
}

// MarkScriptStopped tags a script as not running.
func (r *Registry) MarkScriptStopped(locator string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scripts[Canonical(locator)] = false
}

// ScriptStates returns the running state of every tagged script, sorted by
// locator.
func (r *Registry) ScriptStates() []ScriptState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ScriptState, 0, len(r.scripts))
	for locator, running := range r.scripts {
		out = append(out, ScriptState{Locator: locator, Running: running})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Locator < out[j].Locator })
	return out
}

// Running reports whether the script at locator is running.
func (r *Registry) Running(locator string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scripts[Canonical(locator)]
}

// FilesState returns the session form of the file registry.
func (r *Registry) FilesState() FilesState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return FilesState{Circuit: r.circuitPath, Sources: append([]string{}, r.files...)}
}

// LoadFilesState resets the registry to a session-form file registry.
func (r *Registry) LoadFilesState(st FilesState) {
	r.Reset(st.Circuit)
	for _, f := range st.Sources {
		r.AddSource(f)
	}
}

// SessionMap returns the session form of the source map.
func (r *Registry) SessionMap() map[string]SessionEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]SessionEntry, len(r.sourceMap))
	for key, info := range r.sourceMap {
		out[key] = SessionEntry{Locator: info.Locator, Hash: info.Hash}
	}
	return out
}

// LoadSessionMap replaces the source map from its session form. Entries
// without a locator or hash are skipped.
func (r *Registry) LoadSessionMap(m map[string]SessionEntry) {
	next := make(map[string]*Info, len(m))
	for key, e := range m {
		if e.Locator == "" || e.Hash == "" {
			continue
		}
		next[key] = &Info{Locator: Canonical(e.Locator), Hash: e.Hash}
	}
	r.mu.Lock()
	r.sourceMap = next
	r.reverse = nil
	r.mu.Unlock()
}

// DocumentMap returns the document form of the source map, relative to the
// current circuit locator.
func (r *Registry) DocumentMap() map[string]DocumentEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]DocumentEntry, len(r.sourceMap))
	for key, info := range r.sourceMap {
		out[key] = DocumentEntry{RelPath: Relative(r.circuitPath, info.Locator), Hash: info.Hash}
	}
	return out
}

// LoadDocumentMap replaces the source map from its document form, resolving
// paths against the current circuit locator. Entries without a relative path
// or hash are skipped.
func (r *Registry) LoadDocumentMap(m map[string]DocumentEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := make(map[string]*Info, len(m))
	for key, e := range m {
		if e.RelPath == "" || e.Hash == "" {
			continue
		}
		next[key] = &Info{Locator: Resolve(r.circuitPath, e.RelPath), Hash: e.Hash}
	}
	r.sourceMap = next
	r.reverse = nil
}

func (r *Registry) editor(locator string) (Editor, bool) {
	if r.ws == nil {
		return nil, false
	}
	return r.ws.Editor(locator)
}
