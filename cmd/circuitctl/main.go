// Command circuitctl drives a running circuitd as a host client.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"circuitd/internal/config"
	"circuitd/internal/ipc"
	"circuitd/internal/protocol"
)

var (
	socketPath string
	timeout    time.Duration
)

var rootCmd = &cobra.Command{
	Use:           "circuitctl",
	Short:         "Control a running circuitd",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&socketPath, "socket", "s", "", "daemon socket (default: from the circuitd configuration)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 2*time.Minute, "request timeout")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "circuitctl:", err)
		os.Exit(1)
	}
}

// resolveSocket returns --socket, else the socket of the daemon
// configuration found in the standard locations.
func resolveSocket() (string, error) {
	if socketPath != "" {
		return socketPath, nil
	}
	cfg, err := config.Load(config.FindConfigFile())
	if err != nil {
		return "", fmt.Errorf("load config: %w", err)
	}
	return cfg.Server.SocketPath, nil
}

// connect opens a host session with the daemon.
func connect(ctx context.Context) (*ipc.Client, error) {
	path, err := resolveSocket()
	if err != nil {
		return nil, err
	}
	cfg := ipc.DefaultClientConfig(path)
	cfg.RequestTimeout = timeout
	client := ipc.NewClient(cfg)
	if err := client.Connect(ctx); err != nil {
		if errors.Is(err, ipc.ErrDaemonNotRunning) {
			return nil, fmt.Errorf("%w (socket %s)", err, path)
		}
		return nil, err
	}
	return client, nil
}

// ReplyError is a command the daemon refused.
type ReplyError struct {
	Command string
	Kind    string
	Message string
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("%s failed (%s): %s", e.Command, e.Kind, e.Message)
}

// run sends one command and prints the reply data.
func run(cmd *cobra.Command, p protocol.Payload) error {
	ctx := cmd.Context()
	client, err := connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	reply, err := client.Command(ctx, p)
	if err != nil {
		return fmt.Errorf("%s: %w", p.Name(), err)
	}
	if !reply.OK {
		return &ReplyError{Command: p.Name(), Kind: reply.Kind, Message: reply.Error}
	}
	return printData(cmd.OutOrStdout(), reply.Data)
}

func printData(w io.Writer, data json.RawMessage) error {
	if len(data) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		_, err = fmt.Fprintf(w, "%s\n", data)
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}

// absPaths resolves paths against the working directory of circuitctl,
// which is not the daemon's.
func absPaths(paths []string) ([]string, error) {
	out := make([]string, len(paths))
	for i, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, err
		}
		out[i] = abs
	}
	return out, nil
}

func absPath(p string) (string, error) {
	return filepath.Abs(p)
}
