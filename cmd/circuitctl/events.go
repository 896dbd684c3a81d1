package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"circuitd/internal/protocol"
)

var eventTypes []string

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Stream daemon events as JSON lines until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		client, err := connect(ctx)
		if err != nil {
			return err
		}
		defer client.Close()

		return streamEvents(ctx, client.Events(), cmd.OutOrStdout(), eventTypes)
	},
}

// streamEvents writes every event whose type is in types, or every event
// when types is empty. It returns when ctx is done or the stream closes.
func streamEvents(ctx context.Context, events <-chan protocol.Event, w io.Writer, types []string) error {
	want := make(map[string]bool, len(types))
	for _, t := range types {
		want[t] = true
	}
	enc := json.NewEncoder(w)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return errors.New("daemon closed the connection")
			}
			if len(want) > 0 && !want[ev.Type] {
				continue
			}
			if err := enc.Encode(ev); err != nil {
				return err
			}
		}
	}
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check that the daemon answers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		defer client.Close()

		start := time.Now()
		if err := client.Ping(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "pong from %s in %s\n", client.PeerID(), time.Since(start).Round(time.Microsecond))
		return nil
	},
}

func init() {
	eventsCmd.Flags().StringSliceVarP(&eventTypes, "type", "t", nil, "only print events of these types")
}
