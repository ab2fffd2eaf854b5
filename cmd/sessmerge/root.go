package main

import (
	"log/slog"

	"github.com/spf13/cobra"
)

var version = "dev"

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessmerge",
		Short: "sessmerge - merge A/B experiment session transcripts",
		Long: `sessmerge combines the JSONL session transcripts recorded by several
model lanes of an A/B experiment into one chronologically ordered transcript.

Entries are ordered by timestamp, then session ID, then position in their
session. Byte-identical duplicates are dropped and per-session metrics are
summed into the merged session summary.`,
		Version:      version,
		SilenceUsage: true,
	}

	debugLogging := cmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	cmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if *debugLogging {
			slog.SetLogLoggerLevel(slog.LevelDebug)
		}
	}

	cmd.AddCommand(newMergeCommand())
	cmd.AddCommand(newSessionCommand())

	return cmd
}

func execute() error {
	rootCmd := newRootCommand()
	return rootCmd.Execute()
}
