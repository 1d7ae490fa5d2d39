package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"wsagent/internal/config"
	"wsagent/internal/journal"
	"wsagent/internal/protocol"
)

func newJournalCmd(opts *rootOptions) *cobra.Command {
	var kind string

	cmd := &cobra.Command{
		Use:   "journal [file]",
		Short: "Print the recorded event journal",
		Long: `Print entries from the event journal. Without a file argument the
journal path is taken from the Journal section of the configuration.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := journalPath(opts.configPath, args)
			if err != nil {
				return err
			}

			f, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("failed to open journal: %w", err)
			}
			defer f.Close()

			return printJournal(cmd.OutOrStdout(), f, protocol.EventKind(kind))
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "", "only print events of this kind")
	return cmd
}

func journalPath(configPath string, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg.Journal.FilePath, nil
}

// printJournal writes the entries of r, optionally filtered by kind. Entries
// read before a malformed line are still printed.
func printJournal(w io.Writer, r io.Reader, kind protocol.EventKind) error {
	entries, err := journal.Read(r)
	for _, e := range entries {
		if kind != "" && e.Kind != kind {
			continue
		}
		fmt.Fprintf(w, "%6d %s\n", e.Seq, formatEvent(e.Event))
	}
	return err
}
