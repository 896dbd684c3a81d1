package synth

import (
	"context"
	"encoding/json"
	"errors"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()
	assert.False(t, opts.Optimize)
	assert.True(t, opts.Simplify)
	assert.Equal(t, FSMNone, opts.FSM)
	assert.False(t, opts.ExpandFSM)

	out, err := json.Marshal(opts)
	require.NoError(t, err)
	assert.JSONEq(t, `{"opt":false,"transform":true,"fsm":"no","fsmexpand":false}`, string(out))
}

func TestParseOptions(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    Options
		wantErr bool
	}{
		{name: "empty", in: "", want: DefaultOptions()},
		{name: "null", in: "null", want: DefaultOptions()},
		{name: "partial", in: `{"opt":true}`, want: Options{Optimize: true, Simplify: true, FSM: FSMNone}},
		{name: "full", in: `{"opt":true,"transform":false,"fsm":"nomap","fsmexpand":true}`,
			want: Options{Optimize: true, FSM: FSMDetectAsElement, ExpandFSM: true}},
		{name: "bad fsm", in: `{"fsm":"maybe"}`, want: DefaultOptions(), wantErr: true},
		{name: "bad json", in: `{`, want: DefaultOptions(), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseOptions([]byte(tt.in))
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRequestOptions(t *testing.T) {
	ro := Options{Optimize: true, FSM: FSMNone}.RequestOptions()
	assert.Equal(t, RequestOptions{Optimize: true}, ro)

	ro = Options{FSM: FSMDetect, ExpandFSM: true}.RequestOptions()
	assert.Equal(t, RequestOptions{FSM: "yes", FSMExpand: true}, ro)
}

func TestResponseErr(t *testing.T) {
	var synthErr *Error

	err := (&Response{Error: "syntax error", Stderr: "line 3"}).Err()
	require.True(t, errors.As(err, &synthErr))
	assert.Equal(t, "syntax error", synthErr.Message)
	assert.Equal(t, "synthesis error: syntax error\nline 3", err.Error())

	err = (&Response{Stderr: "boom"}).Err()
	require.True(t, errors.As(err, &synthErr))

	assert.ErrorIs(t, (&Response{}).Err(), ErrUnknown)
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestExecSynthesizerSuccess(t *testing.T) {
	requireShell(t)
	s := NewExecSynthesizer([]string{"sh", "-c",
		`cat >/dev/null; echo '{"output":{"devices":{"d":{"type":"Lamp"}},"connectors":[],"subcircuits":{}}}'`}, nil, nil)

	c, err := s.Synthesize(context.Background(), Request{Files: map[string]string{"a.v": "module a; endmodule"}})
	require.NoError(t, err)
	assert.Len(t, c.Devices, 1)
}

func TestExecSynthesizerReportedError(t *testing.T) {
	requireShell(t)
	s := NewExecSynthesizer([]string{"sh", "-c",
		`cat >/dev/null; echo '{"error":"bad","stderr":"details"}'; exit 1`}, nil, nil)

	_, err := s.Synthesize(context.Background(), Request{})
	var synthErr *Error
	require.True(t, errors.As(err, &synthErr))
	assert.Equal(t, "details", synthErr.Stderr)
}

func TestExecSynthesizerUnknownFailure(t *testing.T) {
	requireShell(t)
	s := NewExecSynthesizer([]string{"sh", "-c", `cat >/dev/null; echo oops >&2; exit 3`}, nil, nil)

	_, err := s.Synthesize(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrUnknown)

	_, err = NewExecSynthesizer(nil, nil, nil).Synthesize(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrUnknown)
}

func TestExecSynthesizerSeesRequest(t *testing.T) {
	requireShell(t)
	// Echo the request back wrapped as the output's only device.
	s := NewExecSynthesizer([]string{"sh", "-c",
		`printf '{"output":{"devices":{"req":'; cat; printf '}}}'`}, nil, nil)

	c, err := s.Synthesize(context.Background(), Request{
		Files:   map[string]string{"a.v": "x"},
		Options: DefaultOptions().RequestOptions(),
	})
	require.NoError(t, err)

	var got Request
	require.NoError(t, json.Unmarshal(c.Devices["req"], &got))
	assert.Equal(t, "x", got.Files["a.v"])
	assert.False(t, got.Options.Lint)
}
