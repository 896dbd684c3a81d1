package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"circuitd/internal/protocol"
	"circuitd/internal/synth"
)

var discard bool

var newCmd = &cobra.Command{
	Use:   "new",
	Short: "Start an empty circuit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd, &protocol.New{Discard: discard})
	},
}

var openCmd = &cobra.Command{
	Use:   "open <circuit.json>",
	Short: "Load a circuit document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := absPath(args[0])
		if err != nil {
			return err
		}
		return run(cmd, &protocol.Open{Path: path, Discard: discard})
	},
}

var saveCmd = &cobra.Command{
	Use:   "save",
	Short: "Write the circuit to its file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd, &protocol.Save{})
	},
}

var saveAsCmd = &cobra.Command{
	Use:   "saveas <circuit.json>",
	Short: "Write the circuit to a new file and switch to it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := absPath(args[0])
		if err != nil {
			return err
		}
		return run(cmd, &protocol.SaveAs{Path: path})
	},
}

var addCmd = &cobra.Command{
	Use:   "add <file>...",
	Short: "Track source files",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		paths, err := absPaths(args)
		if err != nil {
			return err
		}
		return run(cmd, &protocol.AddFiles{Paths: paths})
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove <file>",
	Short: "Stop tracking a source file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := absPath(args[0])
		if err != nil {
			return err
		}
		return run(cmd, &protocol.RemoveSource{Path: path})
	},
}

var synthCmd = &cobra.Command{
	Use:   "synth",
	Short: "Synthesize the tracked sources",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd, &protocol.Synth{})
	},
}

var optionFlags struct {
	optimize  bool
	transform bool
	fsm       string
	expand    bool
}

var optionsCmd = &cobra.Command{
	Use:   "options",
	Short: "Replace the synthesis options",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := parseOptions()
		if err != nil {
			return err
		}
		return run(cmd, &protocol.SetOptions{Options: opts})
	},
}

func parseOptions() (synth.Options, error) {
	opts := synth.Options{
		Optimize:  optionFlags.optimize,
		Simplify:  optionFlags.transform,
		FSM:       synth.FSMMode(optionFlags.fsm),
		ExpandFSM: optionFlags.expand,
	}
	if !opts.FSM.Valid() {
		return synth.Options{}, fmt.Errorf("invalid --fsm %q (valid: no, yes, nomap)", optionFlags.fsm)
	}
	return opts, nil
}

var scriptCmd = &cobra.Command{
	Use:   "script",
	Short: "Start or stop a tracked script",
}

var scriptStartCmd = &cobra.Command{
	Use:   "start <script.lua>",
	Short: "Run a tracked script",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := absPath(args[0])
		if err != nil {
			return err
		}
		return run(cmd, &protocol.StartScript{Path: path})
	},
}

var scriptStopCmd = &cobra.Command{
	Use:   "stop <script.lua>",
	Short: "Stop a running script",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := absPath(args[0])
		if err != nil {
			return err
		}
		return run(cmd, &protocol.StopScript{Path: path})
	},
}

var simCmd = &cobra.Command{
	Use:       "sim <" + strings.Join(protocol.SimCommands, "|") + ">",
	Short:     "Control the simulation",
	Args:      cobra.ExactArgs(1),
	ValidArgs: protocol.SimCommands,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !protocol.IsSimCommand(args[0]) {
			return fmt.Errorf("unknown simulation command %q (valid: %s)", args[0], strings.Join(protocol.SimCommands, ", "))
		}
		return run(cmd, &protocol.SimControl{Command: args[0]})
	},
}

var undoCmd = &cobra.Command{
	Use:   "undo",
	Short: "Undo the last circuit edit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd, &protocol.Undo{})
	},
}

var redoCmd = &cobra.Command{
	Use:   "redo",
	Short: "Redo the last undone circuit edit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd, &protocol.Redo{})
	},
}

var revertCmd = &cobra.Command{
	Use:   "revert",
	Short: "Drop every edit since the circuit was loaded",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd, &protocol.Revert{})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the session state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd, &protocol.Status{})
	},
}

var bufferCmd = &cobra.Command{
	Use:   "buffer",
	Short: "Report unsaved editor text for a source file",
}

var bufferOpenCmd = &cobra.Command{
	Use:   "open <file>",
	Short: "Open an editor buffer with the text read from stdin",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, text, err := bufferArgs(cmd, args[0])
		if err != nil {
			return err
		}
		return run(cmd, &protocol.EditorOpen{Path: path, Text: text})
	},
}

var bufferChangeCmd = &cobra.Command{
	Use:   "change <file>",
	Short: "Replace the text of an editor buffer with stdin",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, text, err := bufferArgs(cmd, args[0])
		if err != nil {
			return err
		}
		return run(cmd, &protocol.EditorChange{Path: path, Text: text})
	},
}

var bufferCloseCmd = &cobra.Command{
	Use:   "close <file>",
	Short: "Close an editor buffer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := absPath(args[0])
		if err != nil {
			return err
		}
		return run(cmd, &protocol.EditorClose{Path: path})
	},
}

func bufferArgs(cmd *cobra.Command, arg string) (string, string, error) {
	path, err := absPath(arg)
	if err != nil {
		return "", "", err
	}
	text, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", "", fmt.Errorf("read buffer text: %w", err)
	}
	return path, string(text), nil
}

func init() {
	newCmd.Flags().BoolVar(&discard, "discard", false, "drop unsaved changes")
	openCmd.Flags().BoolVar(&discard, "discard", false, "drop unsaved changes")

	defaults := synth.DefaultOptions()
	optionsCmd.Flags().BoolVar(&optionFlags.optimize, "opt", defaults.Optimize, "optimize the netlist")
	optionsCmd.Flags().BoolVar(&optionFlags.transform, "transform", defaults.Simplify, "simplify the generated circuit")
	optionsCmd.Flags().StringVar(&optionFlags.fsm, "fsm", string(defaults.FSM), "state machine extraction: no, yes or nomap")
	optionsCmd.Flags().BoolVar(&optionFlags.expand, "fsmexpand", defaults.ExpandFSM, "expand extracted state machines")

	scriptCmd.AddCommand(scriptStartCmd, scriptStopCmd)
	bufferCmd.AddCommand(bufferOpenCmd, bufferChangeCmd, bufferCloseCmd)

	rootCmd.AddCommand(
		newCmd, openCmd, saveCmd, saveAsCmd,
		addCmd, removeCmd, synthCmd, optionsCmd,
		scriptCmd, simCmd,
		undoCmd, redoCmd, revertCmd,
		statusCmd, bufferCmd,
		eventsCmd, pingCmd,
	)
}
