package main

import (
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-runewidth"
	"github.com/spboyer/sessmerge/internal/models"
	"github.com/spboyer/sessmerge/internal/projectconfig"
	"github.com/spboyer/sessmerge/internal/runner"
	"github.com/spboyer/sessmerge/internal/session"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

type mergeFlags struct {
	output    string
	recursive bool
	workers   int
	compress  string
	lane      string
	sessionID string
	dryRun    bool
	format    string
}

func newMergeCommand() *cobra.Command {
	var f mergeFlags

	cmd := &cobra.Command{
		Use:   "merge [experiment-dir]",
		Short: "Merge the session transcripts of an experiment",
		Long: `Merge every session transcript (session_*.jsonl) found in an experiment
directory into one transcript named session_<id>.jsonl.

Settings are read from .sessmerge.yaml, searched upward from the experiment
directory. Flags override the file.

Exit codes:
  0  merged, or fewer than two sessions were found
  1  the sessions conflict or are malformed
  2  any other error`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root := "."
			if len(args) == 1 {
				root = args[0]
			}
			return runMerge(cmd, root, &f)
		},
	}

	cmd.Flags().StringVarP(&f.output, "output", "o", "", "Directory for the merged transcript (default: the experiment directory)")
	cmd.Flags().BoolVarP(&f.recursive, "recursive", "r", false, "Search subdirectories for transcripts")
	cmd.Flags().IntVarP(&f.workers, "workers", "w", 0, "Number of transcripts loaded concurrently")
	cmd.Flags().StringVar(&f.compress, "compress", "", "Output compression: none, gzip or zstd")
	cmd.Flags().StringVar(&f.lane, "lane", "", "Model lane for transcripts that do not declare one")
	cmd.Flags().StringVar(&f.sessionID, "session-id", "", "Use this ID for the merged session instead of a random one")
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "Merge and report without writing the transcript")
	cmd.Flags().StringVarP(&f.format, "format", "f", "table", "Report format: table or json")

	return cmd
}

func runMerge(cmd *cobra.Command, root string, f *mergeFlags) error {
	if f.format != "table" && f.format != "json" {
		return fmt.Errorf("unsupported format %q: must be table or json", f.format)
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return err
	}

	cfg, err := projectconfig.Load(absRoot)
	if err != nil {
		return err
	}
	if err := applyMergeFlags(cmd, cfg, f); err != nil {
		return err
	}

	compression, err := session.ParseCompression(cfg.Output.Compression)
	if err != nil {
		return err
	}

	outDir := cfg.Output.Dir
	switch {
	case outDir == "":
		outDir = absRoot
	case !filepath.IsAbs(outDir):
		outDir = filepath.Join(absRoot, outDir)
	}

	res, err := runner.Run(cmd.Context(), runner.Options{
		Root:        absRoot,
		Pattern:     cfg.Discovery.Pattern,
		Recursive:   *cfg.Discovery.Recursive,
		SkipMerged:  *cfg.Discovery.SkipMerged,
		Workers:     cfg.Defaults.Workers,
		DefaultLane: cfg.Defaults.Lane,
		SessionID:   f.sessionID,
		DryRun:      f.dryRun,
		Sink:        &session.FileSink{Dir: outDir, Compression: compression},
	})
	if err != nil {
		return err
	}

	report := buildMergeReport(absRoot, res, f.dryRun)
	if f.format == "json" {
		return printMergeJSON(cmd.OutOrStdout(), report)
	}
	printMergeTable(cmd.OutOrStdout(), report)
	return nil
}

// applyMergeFlags overlays explicitly set flags onto the loaded config.
func applyMergeFlags(cmd *cobra.Command, cfg *projectconfig.ProjectConfig, f *mergeFlags) error {
	flags := cmd.Flags()
	if flags.Changed("output") {
		cfg.Output.Dir = f.output
	}
	if flags.Changed("recursive") {
		cfg.Discovery.Recursive = &f.recursive
	}
	if flags.Changed("workers") {
		if f.workers < 1 {
			return fmt.Errorf("invalid --workers %d: must be at least 1", f.workers)
		}
		cfg.Defaults.Workers = f.workers
	}
	if flags.Changed("compress") {
		cfg.Output.Compression = f.compress
	}
	if flags.Changed("lane") {
		cfg.Defaults.Lane = f.lane
	}
	return nil
}

type sessionRow struct {
	SessionID string   `json:"session_id"`
	ModelLane string   `json:"model_lane"`
	File      string   `json:"file"`
	Entries   int      `json:"entries"`
	Tokens    *big.Int `json:"tokens"`
}

type mergeReport struct {
	Root       string       `json:"root"`
	Files      int          `json:"files"`
	Ignored    []string     `json:"ignored,omitempty"`
	Sessions   []sessionRow `json:"sessions"`
	Merged     bool         `json:"merged"`
	DryRun     bool         `json:"dry_run,omitempty"`
	OutputPath string       `json:"output_path,omitempty"`

	SessionID            string                   `json:"session_id,omitempty"`
	Entries              int                      `json:"entries"`
	DroppedDuplicates    int                      `json:"dropped_duplicates"`
	ContributingSessions []string                 `json:"contributing_sessions,omitempty"`
	ModelLanes           []string                 `json:"model_lanes,omitempty"`
	Metrics              *models.AggregateMetrics `json:"metrics,omitempty"`
}

func buildMergeReport(root string, res *runner.Result, dryRun bool) *mergeReport {
	r := &mergeReport{
		Root:       root,
		Files:      len(res.Files),
		Ignored:    res.Ignored,
		Sessions:   make([]sessionRow, 0, len(res.Sessions)),
		DryRun:     dryRun,
		OutputPath: res.OutputPath,
	}
	for _, s := range res.Sessions {
		tokens := new(big.Int).SetUint64(s.DeclaredMetrics.InputTokens)
		tokens.Add(tokens, new(big.Int).SetUint64(s.DeclaredMetrics.OutputTokens))
		r.Sessions = append(r.Sessions, sessionRow{
			SessionID: s.SessionID,
			ModelLane: s.ModelLane,
			File:      relPath(root, s.SourcePath),
			Entries:   len(s.Entries),
			Tokens:    tokens,
		})
	}

	if m := res.Merged; m != nil {
		r.Merged = true
		r.SessionID = m.SessionID
		r.Entries = len(m.Entries)
		r.DroppedDuplicates = m.DroppedDuplicates
		r.ContributingSessions = m.ContributingSessions
		r.ModelLanes = m.ModelLanesPresent
		r.Metrics = &m.AggregateMetrics
	}
	return r
}

func relPath(root, path string) string {
	if rel, err := filepath.Rel(root, path); err == nil {
		return rel
	}
	return path
}

func printMergeJSON(w io.Writer, r *mergeReport) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal merge report: %w", err)
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write merge report: %w", err)
	}
	return nil
}

var reportPrinter = message.NewPrinter(language.English)

func printMergeTable(w io.Writer, r *mergeReport) {
	rule := strings.Repeat("-", 70)
	if isTerminal(w) {
		rule = strings.Repeat("─", 70)
	}

	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, " SESSIONS  (%d found in %s)\n", len(r.Sessions), r.Root)
	fmt.Fprintln(w, rule)

	if len(r.Sessions) > 0 {
		fmt.Fprintf(w, "  %s  %s  %8s  %12s\n", padRight("Session", 24), padRight("Lane", 16), "Entries", "Tokens")
		for _, s := range r.Sessions {
			fmt.Fprintf(w, "  %s  %s  %8d  %12s\n",
				padRight(truncateName(s.SessionID, 24), 24),
				padRight(truncateName(s.ModelLane, 16), 16),
				s.Entries,
				formatCount(s.Tokens))
		}
	}
	for _, path := range r.Ignored {
		fmt.Fprintf(w, "  skipped earlier merge output %s\n", relPath(r.Root, path))
	}
	fmt.Fprintln(w)

	if !r.Merged {
		fmt.Fprintf(w, "No merge needed: found %d session(s), need at least %d.\n", len(r.Sessions), runner.MinSessions)
		return
	}

	fmt.Fprintln(w, rule)
	fmt.Fprintln(w, " MERGED SESSION")
	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "  %-20s %s\n", "Session ID", r.SessionID)
	fmt.Fprintf(w, "  %-20s %s\n", "Lanes", strings.Join(r.ModelLanes, ", "))
	fmt.Fprintf(w, "  %-20s %s\n", "Entries", formatCount(big.NewInt(int64(r.Entries))))
	if r.DroppedDuplicates > 0 {
		fmt.Fprintf(w, "  %-20s %d\n", "Duplicates dropped", r.DroppedDuplicates)
	}
	if m := r.Metrics; m != nil {
		fmt.Fprintf(w, "  %-20s %s\n", "Messages", formatCount(m.TotalMessages))
		fmt.Fprintf(w, "  %-20s %s\n", "Input tokens", formatCount(m.InputTokens))
		fmt.Fprintf(w, "  %-20s %s\n", "Output tokens", formatCount(m.OutputTokens))
		fmt.Fprintf(w, "  %-20s %s\n", "Total tokens", formatCount(m.TotalTokens()))
		fmt.Fprintf(w, "  %-20s %s\n", "Tool calls", formatCount(m.ToolCalls))
	}
	fmt.Fprintln(w)

	switch {
	case r.DryRun:
		fmt.Fprintln(w, "Dry run: no transcript written.")
	case r.OutputPath != "":
		fmt.Fprintf(w, "✅ Merged transcript written to %s\n", r.OutputPath)
	}
}

// formatCount renders v with thousands separators when it fits in a uint64.
func formatCount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	if v.IsUint64() {
		return reportPrinter.Sprintf("%d", v.Uint64())
	}
	return v.String()
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func truncateName(name string, maxLen int) string {
	if runewidth.StringWidth(name) <= maxLen {
		return name
	}
	return runewidth.Truncate(name, maxLen, "…")
}

// padRight pads s with spaces so its terminal display width reaches width.
func padRight(s string, width int) string {
	sw := runewidth.StringWidth(s)
	if sw >= width {
		return s
	}
	return s + strings.Repeat(" ", width-sw)
}
