package synth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"circuitd/internal/circuit"
)

// ErrUnknown is returned when the toolchain fails without reporting an error
// message or diagnostic output.
var ErrUnknown = errors.New("unknown synthesis error")

// Error is a failure reported by the toolchain.
type Error struct {
	Message string
	Stderr  string
}

func (e *Error) Error() string {
	switch {
	case e.Stderr == "":
		return "synthesis error: " + e.Message
	case e.Message == "":
		return "synthesis error:\n" + e.Stderr
	default:
		return "synthesis error: " + e.Message + "\n" + e.Stderr
	}
}

// RequestOptions is the options object of a synthesis request.
type RequestOptions struct {
	Optimize  bool   `json:"optimize"`
	FSM       string `json:"fsm"`
	FSMExpand bool   `json:"fsmexpand"`
	Lint      bool   `json:"lint"`
}

// Request is a synthesis request: keyed source contents plus options.
type Request struct {
	Files   map[string]string `json:"files"`
	Options RequestOptions    `json:"options"`
}

// Response is the toolchain's reply. On success Output is set; on failure
// Error and Stderr carry whatever the toolchain reported.
type Response struct {
	Output *circuit.Circuit `json:"output,omitempty"`
	Error  string           `json:"error,omitempty"`
	Stderr string           `json:"stderr,omitempty"`
}

// Err converts a failed response into an error. It returns nil for a
// successful response.
func (r *Response) Err() error {
	if r.Error != "" || r.Stderr != "" {
		return &Error{Message: r.Error, Stderr: r.Stderr}
	}
	if r.Output == nil {
		return ErrUnknown
	}
	return nil
}

// Synthesizer turns source text into a circuit.
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) (*circuit.Circuit, error)
}

// ExecSynthesizer runs an external command that reads a Request as JSON on
// stdin and writes a Response as JSON on stdout.
type ExecSynthesizer struct {
	Command []string
	Env     []string
	Logger  *slog.Logger
}

// NewExecSynthesizer creates a synthesizer running argv.
func NewExecSynthesizer(argv []string, env []string, logger *slog.Logger) *ExecSynthesizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecSynthesizer{Command: argv, Env: env, Logger: logger}
}

// Synthesize implements Synthesizer.
func (s *ExecSynthesizer) Synthesize(ctx context.Context, req Request) (*circuit.Circuit, error) {
	if len(s.Command) == 0 {
		return nil, fmt.Errorf("%w: no synthesis command configured", ErrUnknown)
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode synthesis request: %w", err)
	}

	cmd := exec.CommandContext(ctx, s.Command[0], s.Command[1:]...)
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	var resp Response
	if stdout.Len() > 0 {
		if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
			s.Logger.Warn("undecodable synthesis output", "error", err, "stderr", strings.TrimSpace(stderr.String()))
			return nil, fmt.Errorf("%w: %v", ErrUnknown, err)
		}
	}
	if err := resp.Err(); err != nil {
		if errors.Is(err, ErrUnknown) {
			s.Logger.Warn("synthesis failed without diagnostics", "error", runErr, "stderr", strings.TrimSpace(stderr.String()))
			if runErr != nil {
				return nil, fmt.Errorf("%w: %v", ErrUnknown, runErr)
			}
		}
		return nil, err
	}
	if runErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknown, runErr)
	}
	return resp.Output, nil
}

// Func adapts a function to the Synthesizer interface.
type Func func(ctx context.Context, req Request) (*circuit.Circuit, error)

// Synthesize implements Synthesizer.
func (f Func) Synthesize(ctx context.Context, req Request) (*circuit.Circuit, error) {
	return f(ctx, req)
}
