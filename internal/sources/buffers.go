package sources

import (
	"sort"
	"sync"
)

// Buffers is an in-memory Workspace fed by the host. Each open buffer holds
// the live text of one source file and its current highlights.
type Buffers struct {
	mu         sync.Mutex
	docs       map[string]*buffer
	changed    []func(locator string)
	highlights []func(locator string, ranges []Range)
}

type buffer struct {
	text       string
	highlights []Range
}

// NewBuffers creates an empty workspace.
func NewBuffers() *Buffers {
	return &Buffers{docs: make(map[string]*buffer)}
}

// OnChange registers a callback run after a buffer is opened, changed or
// closed.
func (b *Buffers) OnChange(fn func(locator string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.changed = append(b.changed, fn)
}

// OnHighlight registers a callback run when the highlights of a buffer
// change.
func (b *Buffers) OnHighlight(fn func(locator string, ranges []Range)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.highlights = append(b.highlights, fn)
}

// Open opens or replaces the buffer for locator.
func (b *Buffers) Open(locator, text string) {
	locator = Canonical(locator)
	b.mu.Lock()
	b.docs[locator] = &buffer{text: text}
	fns := append([]func(string){}, b.changed...)
	b.mu.Unlock()
	for _, fn := range fns {
		fn(locator)
	}
}

// Change replaces the text of an open buffer. A change to a buffer that is
// not open opens it.
func (b *Buffers) Change(locator, text string) {
	locator = Canonical(locator)
	b.mu.Lock()
	if doc, ok := b.docs[locator]; ok {
		doc.text = text
	} else {
		b.docs[locator] = &buffer{text: text}
	}
	fns := append([]func(string){}, b.changed...)
	b.mu.Unlock()
	for _, fn := range fns {
		fn(locator)
	}
}

// Close drops the buffer for locator.
func (b *Buffers) Close(locator string) {
	locator = Canonical(locator)
	b.mu.Lock()
	_, ok := b.docs[locator]
	delete(b.docs, locator)
	fns := append([]func(string){}, b.changed...)
	b.mu.Unlock()
	if !ok {
		return
	}
	for _, fn := range fns {
		fn(locator)
	}
}

// Text returns the live text of an open buffer.
func (b *Buffers) Text(locator string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	doc, ok := b.docs[Canonical(locator)]
	if !ok {
		return "", false
	}
	return doc.text, true
}

// Locators returns the locators of every open buffer, sorted.
func (b *Buffers) Locators() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.docs))
	for locator := range b.docs {
		out = append(out, locator)
	}
	sort.Strings(out)
	return out
}

// Highlights returns the current highlights of a buffer.
func (b *Buffers) Highlights(locator string) []Range {
	b.mu.Lock()
	defer b.mu.Unlock()
	doc, ok := b.docs[Canonical(locator)]
	if !ok {
		return nil
	}
	return append([]Range(nil), doc.highlights...)
}

// Editor implements Workspace.
func (b *Buffers) Editor(locator string) (Editor, bool) {
	locator = Canonical(locator)
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.docs[locator]; !ok {
		return nil, false
	}
	return &bufferEditor{b: b, locator: locator}, true
}

func (b *Buffers) setHighlights(locator string, ranges []Range) {
	b.mu.Lock()
	doc, ok := b.docs[locator]
	if !ok {
		b.mu.Unlock()
		return
	}
	doc.highlights = append([]Range(nil), ranges...)
	fns := append([]func(string, []Range){}, b.highlights...)
	b.mu.Unlock()
	for _, fn := range fns {
		fn(locator, ranges)
	}
}

// bufferEditor is an Editor handle over a Buffers entry. Text always reads
// the current buffer content.
type bufferEditor struct {
	b       *Buffers
	locator string
}

func (e *bufferEditor) Locator() string { return e.locator }

func (e *bufferEditor) Text() string {
	text, _ := e.b.Text(e.locator)
	return text
}

func (e *bufferEditor) SetHighlights(ranges []Range) {
	e.b.setHighlights(e.locator, ranges)
}
