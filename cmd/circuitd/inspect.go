package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"circuitd/internal/circuit"
	"circuitd/internal/document"
	"circuitd/internal/synth"
)

var inspectJSON bool

var inspectCmd = &cobra.Command{
	Use:   "inspect <circuit.json>",
	Short: "Validate a circuit document and print a summary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		doc, _, err := document.ReadFile(args[0])
		if err != nil {
			return err
		}
		s := summarize(doc)
		if inspectJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(s)
		}
		return s.print(cmd.OutOrStdout())
	},
}

func init() {
	inspectCmd.Flags().BoolVar(&inspectJSON, "json", false, "print the summary as JSON")
}

type documentSummary struct {
	Files       []string      `json:"files"`
	Options     synth.Options `json:"options"`
	Devices     int           `json:"devices"`
	Connectors  int           `json:"connectors"`
	Subcircuits int           `json:"subcircuits"`
	Mapped      int           `json:"source_map_entries"`
	Extra       []string      `json:"extra_fields,omitempty"`
}

func summarize(doc document.Document) documentSummary {
	s := documentSummary{
		Files:   doc.Files,
		Options: doc.Options,
		Mapped:  len(doc.SourceMap),
	}
	if s.Files == nil {
		s.Files = []string{}
	}
	if doc.Circuit != nil {
		s.Devices, s.Connectors, s.Subcircuits = count(doc.Circuit)
	}
	for k := range doc.Extra {
		s.Extra = append(s.Extra, k)
	}
	sort.Strings(s.Extra)
	return s
}

// count walks c and its subcircuits.
func count(c *circuit.Circuit) (devices, connectors, subcircuits int) {
	devices = len(c.Devices)
	connectors = len(c.Connectors)
	for _, sub := range c.Subcircuits {
		if sub == nil {
			continue
		}
		d, n, s := count(sub)
		devices += d
		connectors += n
		subcircuits += 1 + s
	}
	return devices, connectors, subcircuits
}

func (s documentSummary) print(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "devices:\t%d\n", s.Devices)
	fmt.Fprintf(tw, "connectors:\t%d\n", s.Connectors)
	fmt.Fprintf(tw, "subcircuits:\t%d\n", s.Subcircuits)
	fmt.Fprintf(tw, "source map:\t%d entries\n", s.Mapped)
	fmt.Fprintf(tw, "options:\topt=%t transform=%t fsm=%s fsmexpand=%t\n",
		s.Options.Optimize, s.Options.Simplify, s.Options.FSM, s.Options.ExpandFSM)
	fmt.Fprintf(tw, "files:\t%d\n", len(s.Files))
	for _, f := range s.Files {
		fmt.Fprintf(tw, "\t%s\n", f)
	}
	if len(s.Extra) > 0 {
		fmt.Fprintf(tw, "extra fields:\t%v\n", s.Extra)
	}
	return tw.Flush()
}
