package circuit

import "fmt"

// Action classifies a user interaction in the presentation context.
type Action string

const (
	ActionMove      Action = "pos"
	ActionDeform    Action = "vert"
	ActionReconnect Action = "src"
	ActionAdd       Action = "add"
	ActionRemove    Action = "rm"
	ActionEdit      Action = ""
)

// EditKind describes what a user edit did and to which kind of element.
type EditKind struct {
	Action  Action
	Element string
}

// ParseEditKind maps the type/ele_type fields of an updatecircuit message to
// an EditKind. Unknown types fall back to a generic edit.
func ParseEditKind(typ, element string) EditKind {
	if element == "" {
		element = "Device"
	}
	var action Action
	switch typ {
	case "pos":
		action = ActionMove
	case "vert":
		action = ActionDeform
	case "src", "tgt":
		action = ActionReconnect
	case "add":
		action = ActionAdd
	case "rm":
		action = ActionRemove
	default:
		action = ActionEdit
	}
	return EditKind{Action: action, Element: element}
}

// Label returns the human readable undo label.
func (k EditKind) Label() string {
	element := k.Element
	if element == "" {
		element = "Device"
	}
	switch k.Action {
	case ActionMove:
		return fmt.Sprintf("Moving %s", element)
	case ActionDeform:
		return fmt.Sprintf("Deforming %s", element)
	case ActionReconnect:
		return fmt.Sprintf("Reconnecting %s", element)
	case ActionAdd:
		return fmt.Sprintf("Adding %s", element)
	case ActionRemove:
		return fmt.Sprintf("Removing %s", element)
	default:
		return fmt.Sprintf("Editing %s", element)
	}
}

// ReplaceLabel is the label recorded for a dirty wholesale replacement,
// which in practice is a synthesis result.
const ReplaceLabel = "Synthesis"

// Edit is one logical, undoable change of the circuit.
type Edit struct {
	ID     uint64
	Label  string
	Before *Circuit
	After  *Circuit
}

// History is a linear undo/redo log. pos counts the applied edits; saved is
// the value of pos at the last clean point, or -1 once that point has been
// discarded by a branching edit.
type History struct {
	edits []Edit
	pos   int
	saved int
}

// Record appends an edit after the current position, discarding any redo
// tail.
func (h *History) Record(e Edit) {
	if h.saved > h.pos {
		h.saved = -1
	}
	h.edits = append(h.edits[:h.pos], e)
	h.pos++
}

// Undo steps back one edit.
func (h *History) Undo() (Edit, bool) {
	if h.pos == 0 {
		return Edit{}, false
	}
	h.pos--
	return h.edits[h.pos], true
}

// Redo re-applies the next edit.
func (h *History) Redo() (Edit, bool) {
	if h.pos >= len(h.edits) {
		return Edit{}, false
	}
	e := h.edits[h.pos]
	h.pos++
	return e, true
}

// Last returns the most recently applied edit.
func (h *History) Last() (Edit, bool) {
	if h.pos == 0 {
		return Edit{}, false
	}
	return h.edits[h.pos-1], true
}

// MarkSaved records the current position as clean.
func (h *History) MarkSaved() {
	h.saved = h.pos
}

// AtSaved reports whether the current position is the clean one.
func (h *History) AtSaved() bool {
	return h.pos == h.saved
}

// Reset drops every edit and makes the empty log the clean point.
func (h *History) Reset() {
	h.edits = nil
	h.pos = 0
	h.saved = 0
}

// Len returns the number of applied edits.
func (h *History) Len() int {
	return h.pos
}

// Edits returns a copy of the applied edits, oldest first.
func (h *History) Edits() []Edit {
	out := make([]Edit, h.pos)
	copy(out, h.edits[:h.pos])
	return out
}
