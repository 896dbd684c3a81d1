package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"circuitd/internal/config"
	"circuitd/internal/ipc"
	"circuitd/internal/store"
)

var (
	sessionWorkspace string
	sessionValues    bool
	sessionForce     bool
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect or clear the cached session state",
}

var sessionShowCmd = &cobra.Command{
	Use:   "show",
	Short: "List the cached keys of a workspace",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, db, err := openSessionDB()
		if err != nil {
			return err
		}
		defer db.Close()

		ws := workspace(cfg)
		entries, err := db.Entries(cmd.Context(), ws)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(entries) == 0 {
			fmt.Fprintf(out, "no cached state for workspace %s\n", ws)
			return nil
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "KEY\tUPDATED\tBYTES")
		for _, e := range entries {
			fmt.Fprintf(tw, "%s\t%s\t%d\n", e.Key, e.UpdatedAt.Format(time.RFC3339), len(e.Value))
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		if sessionValues {
			for _, e := range entries {
				fmt.Fprintf(out, "\n%s:\n%s\n", e.Key, e.Value)
			}
		}
		return nil
	},
}

var sessionHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List daemon sessions of a workspace, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, db, err := openSessionDB()
		if err != nil {
			return err
		}
		defer db.Close()

		records, err := db.Sessions(cmd.Context(), workspace(cfg))
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "SESSION\tSTARTED\tENDED")
		for _, r := range records {
			ended := "running"
			if r.EndedAt != nil {
				ended = r.EndedAt.Format(time.RFC3339)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\n", r.ID, r.StartedAt.Format(time.RFC3339), ended)
		}
		return tw.Flush()
	},
}

var sessionWorkspacesCmd = &cobra.Command{
	Use:   "workspaces",
	Short: "List workspaces with cached state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, db, err := openSessionDB()
		if err != nil {
			return err
		}
		defer db.Close()

		names, err := db.Workspaces(cmd.Context())
		if err != nil {
			return err
		}
		for _, n := range names {
			fmt.Fprintln(cmd.OutOrStdout(), n)
		}
		return nil
	},
}

var errDaemonRunning = errors.New("daemon is running; stop it first or pass --force")

var sessionClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop the cached state of a workspace",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, db, err := openSessionDB()
		if err != nil {
			return err
		}
		defer db.Close()

		// A running daemon would mirror its state right back.
		if !sessionForce && ipc.IsSocketListening(cfg.Server.SocketPath) {
			return errDaemonRunning
		}
		ws := workspace(cfg)
		if err := db.Cache(ws).Clear(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "cleared workspace %s\n", ws)
		return nil
	},
}

func init() {
	sessionCmd.PersistentFlags().StringVarP(&sessionWorkspace, "workspace", "w", "", "workspace name (default: configured workspace)")
	sessionShowCmd.Flags().BoolVar(&sessionValues, "values", false, "print the cached values")
	sessionClearCmd.Flags().BoolVar(&sessionForce, "force", false, "clear even while the daemon is running")

	sessionCmd.AddCommand(sessionShowCmd, sessionHistoryCmd, sessionWorkspacesCmd, sessionClearCmd)
}

func openSessionDB() (*config.Config, *store.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	db, err := store.Open(cfg.Session.DatabasePath)
	if err != nil {
		return nil, nil, fmt.Errorf("open session database: %w", err)
	}
	return cfg, db, nil
}

func workspace(cfg *config.Config) string {
	if sessionWorkspace != "" {
		return sessionWorkspace
	}
	return cfg.Session.Workspace
}
