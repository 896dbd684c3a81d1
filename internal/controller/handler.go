package controller

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"circuitd/internal/document"
	"circuitd/internal/ipc"
	"circuitd/internal/metrics"
	"circuitd/internal/protocol"
	"circuitd/internal/sources"
	"circuitd/internal/synth"
)

var errInvalid = errors.New("invalid request")

// HandleMessage implements ipc.Handler for host peers. Every command is
// answered with a Reply frame.
func (c *Controller) HandleMessage(ctx context.Context, _ *ipc.Peer, msg *protocol.Message) (*protocol.Message, error) {
	if msg.Header.Type != protocol.MsgCommand {
		return protocol.NewErrorMessage(msg.Header.RequestID, protocol.ErrInvalidRequest,
			fmt.Sprintf("unexpected %s frame", msg.Header.Type)), nil
	}
	p, err := protocol.UnmarshalCommand(msg.Payload)
	if err != nil {
		return protocol.NewErrorMessage(msg.Header.RequestID, protocol.ErrInvalidRequest, err.Error()), nil
	}
	c.metrics.RecordMessage(metrics.Inbound, p.Name())
	return protocol.NewResponse(protocol.MsgReply, msg.Header.RequestID, c.Execute(ctx, p))
}

// Execute runs one host command. Failures are reported to host observers
// and returned in the reply.
func (c *Controller) Execute(ctx context.Context, p protocol.Payload) protocol.Reply {
	c.logger.DebugContext(ctx, "command", "command", p.Name())
	data, err := c.execute(ctx, p)
	if err != nil {
		kind := errorKind(err)
		c.logger.DebugContext(ctx, "command failed", "command", p.Name(), "kind", kind, "error", err)
		c.Notify(protocol.EventError, err.Error())
		return protocol.ErrorReply(kind, err)
	}
	reply, err := protocol.OKReply(data)
	if err != nil {
		return protocol.ErrorReply(protocol.KindInternal, err)
	}
	return reply
}

type editResult struct {
	Applied bool   `json:"applied"`
	Label   string `json:"label,omitempty"`
}

type pathResult struct {
	Path string `json:"path"`
}

func (c *Controller) execute(ctx context.Context, p protocol.Payload) (any, error) {
	switch p := p.(type) {
	case *protocol.New:
		return nil, c.NewCircuit(ctx, p.Discard)
	case *protocol.Open:
		if p.Path == "" {
			return nil, fmt.Errorf("%w: missing path", errInvalid)
		}
		return nil, c.Open(ctx, p.Path, p.Discard)
	case *protocol.Save:
		path, err := c.Save(ctx)
		if err != nil {
			return nil, err
		}
		return pathResult{Path: path}, nil
	case *protocol.SaveAs:
		path, err := c.SaveAs(ctx, p.Path)
		if err != nil {
			return nil, err
		}
		return pathResult{Path: path}, nil
	case *protocol.AddFiles:
		return map[string]int{"added": c.AddFiles(ctx, p.Paths)}, nil
	case *protocol.RemoveSource:
		return nil, c.RemoveSource(ctx, p.Path)
	case *protocol.Synth:
		return nil, c.Synthesize(ctx)
	case *protocol.SetOptions:
		return nil, c.SetOptions(ctx, p.Options)
	case *protocol.StartScript:
		return nil, c.StartScript(ctx, p.Path)
	case *protocol.StopScript:
		return nil, c.StopScript(ctx, p.Path)
	case *protocol.SimControl:
		return nil, c.Simulate(ctx, p.Command)
	case *protocol.Undo:
		e, ok := c.Undo(ctx)
		return editResult{Applied: ok, Label: e.Label}, nil
	case *protocol.Redo:
		e, ok := c.Redo(ctx)
		return editResult{Applied: ok, Label: e.Label}, nil
	case *protocol.Revert:
		c.Revert(ctx)
		return nil, nil
	case *protocol.EditorOpen:
		c.EditorOpen(p.Path, p.Text)
		return nil, nil
	case *protocol.EditorChange:
		c.EditorChange(p.Path, p.Text)
		return nil, nil
	case *protocol.EditorClose:
		c.EditorClose(p.Path)
		return nil, nil
	case *protocol.Status:
		return c.Status(), nil
	default:
		return nil, fmt.Errorf("%w: unknown command %q", errInvalid, p.Name())
	}
}

func errorKind(err error) string {
	var (
		formatErr *document.FormatError
		ioErr     *document.IOError
		synthErr  *synth.Error
		pathErr   *fs.PathError
	)
	switch {
	case errors.Is(err, ErrUnsaved):
		return protocol.KindUnsaved
	case errors.As(err, &formatErr):
		return protocol.KindFormat
	case errors.Is(err, ErrNotTracked), errors.Is(err, fs.ErrNotExist):
		return protocol.KindNotFound
	case errors.As(err, &ioErr), errors.As(err, &pathErr):
		return protocol.KindIO
	case errors.Is(err, sources.ErrNoSources), errors.As(err, &synthErr), errors.Is(err, synth.ErrUnknown),
		errors.Is(err, ErrSuperseded):
		return protocol.KindSynth
	case errors.Is(err, ipc.ErrNoPresentation), errors.Is(err, ErrDetached):
		return protocol.KindNoPeer
	case errors.Is(err, errInvalid), errors.Is(err, ErrNotScript), errors.Is(err, ErrNoCircuitPath):
		return protocol.KindInvalid
	default:
		return protocol.KindInternal
	}
}
