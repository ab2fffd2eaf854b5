package main

import (
	"fmt"
	"path/filepath"

	"github.com/spboyer/sessmerge/internal/projectconfig"
	"github.com/spboyer/sessmerge/internal/session"
	"github.com/spf13/cobra"
)

func newSessionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "List and view session transcripts",
		Long: `List and view session transcripts.

Transcripts are JSONL files, optionally gzip or zstd compressed, holding a
session_start line, the conversation entries, a session_summary and a
session_end line. Merged transcripts have the same layout.`,
	}

	cmd.AddCommand(newSessionListCommand())
	cmd.AddCommand(newSessionViewCommand())

	return cmd
}

func newSessionListCommand() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List session transcripts in a directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			absDir, err := filepath.Abs(dir)
			if err != nil {
				return err
			}

			cfg, err := projectconfig.Load(absDir)
			if err != nil {
				return err
			}

			files, err := session.ListSessions(absDir, cfg.Discovery.Pattern)
			if err != nil {
				return fmt.Errorf("listing sessions: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(files) == 0 {
				fmt.Fprintln(out, "No session transcripts found.")
				return nil
			}

			fmt.Fprintf(out, "%s %-8s %s\n", padRight("File", 50), "Lines", "Modified")
			fmt.Fprintln(out, "─────────────────────────────────────────────────────────────────────────────")
			for _, f := range files {
				fmt.Fprintf(out, "%s %-8d %s\n", padRight(truncateName(f.Name, 50), 50), f.NumEvents, f.ModTime.Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", ".", "Directory to search for session transcripts")

	return cmd
}

func newSessionViewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "view <session-file>",
		Short: "View a session timeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			events, err := session.ReadEvents(args[0])
			if err != nil {
				return fmt.Errorf("reading session: %w", err)
			}

			session.RenderTimeline(cmd.OutOrStdout(), events)
			return nil
		},
	}

	return cmd
}
