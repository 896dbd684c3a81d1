// Package synth defines the boundary to the external synthesis toolchain
// that turns HDL source text into a circuit.
package synth

import (
	"encoding/json"
	"fmt"
)

// FSMMode selects how finite state machines are extracted. The values are
// the ones stored in circuit documents.
type FSMMode string

const (
	FSMNone            FSMMode = "no"
	FSMDetect          FSMMode = "yes"
	FSMDetectAsElement FSMMode = "nomap"
)

// Valid reports whether m is a known mode.
func (m FSMMode) Valid() bool {
	switch m {
	case FSMNone, FSMDetect, FSMDetectAsElement:
		return true
	}
	return false
}

// Options are the user-selected synthesis options.
type Options struct {
	Optimize  bool    `json:"opt"`
	Simplify  bool    `json:"transform"`
	FSM       FSMMode `json:"fsm"`
	ExpandFSM bool    `json:"fsmexpand"`
}

// DefaultOptions returns the options used when none are stored.
func DefaultOptions() Options {
	return Options{
		Optimize:  false,
		Simplify:  true,
		FSM:       FSMNone,
		ExpandFSM: false,
	}
}

// ParseOptions decodes stored options. Missing fields take their default
// value and an empty input yields the defaults.
func ParseOptions(data []byte) (Options, error) {
	opts := DefaultOptions()
	if len(data) == 0 || string(data) == "null" {
		return opts, nil
	}
	if err := json.Unmarshal(data, &opts); err != nil {
		return DefaultOptions(), fmt.Errorf("decode synthesis options: %w", err)
	}
	if err := opts.Validate(); err != nil {
		return DefaultOptions(), err
	}
	return opts, nil
}

// Validate checks the option values.
func (o Options) Validate() error {
	if !o.FSM.Valid() {
		return fmt.Errorf("invalid fsm mode %q", o.FSM)
	}
	return nil
}

// RequestOptions converts the stored options to the form sent to the
// toolchain. Simplify is applied by the presentation context when the
// result is shown and is not part of the request.
func (o Options) RequestOptions() RequestOptions {
	fsm := string(o.FSM)
	if o.FSM == FSMNone {
		fsm = ""
	}
	return RequestOptions{
		Optimize:  o.Optimize,
		FSM:       fsm,
		FSMExpand: o.ExpandFSM,
		Lint:      false,
	}
}
