// Package runner drives a merge over an experiment root: it discovers the
// session transcripts, loads them in parallel and merges them in one step.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spboyer/sessmerge/internal/merge"
	"github.com/spboyer/sessmerge/internal/models"
	"github.com/spboyer/sessmerge/internal/session"
	"golang.org/x/sync/errgroup"
)

//go:generate go tool mockgen -source=runner.go -destination=mock_sink_test.go -package=runner

// Sink receives the merged session. It returns where the result was stored.
type Sink interface {
	Write(ctx context.Context, merged *models.MergedSession) (string, error)
}

// MinSessions is the smallest number of sessions worth merging.
const MinSessions = 2

// Options configures Run.
type Options struct {
	Root      string
	Pattern   string
	Recursive bool
	// SkipMerged ignores transcripts produced by an earlier merge. When
	// false, finding one is an error.
	SkipMerged  bool
	Workers     int
	DefaultLane string

	// SessionID fixes the merged session ID; a random one is used otherwise.
	SessionID string
	// DryRun merges without handing the result to Sink.
	DryRun bool
	Sink   Sink
}

// Result describes a completed run.
type Result struct {
	// Files lists every transcript that was discovered.
	Files []string
	// Ignored lists discovered files that were outputs of an earlier merge.
	Ignored []string
	// Sessions are the loaded records, in discovery order.
	Sessions []models.SessionRecord

	// NotEnoughSessions is set when fewer than MinSessions were loaded; no
	// merge happened.
	NotEnoughSessions bool

	Merged     *models.MergedSession
	OutputPath string
}

// Run discovers, loads and merges the sessions under opts.Root.
func Run(ctx context.Context, opts Options) (*Result, error) {
	files, err := session.Discover(opts.Root, session.DiscoverOptions{
		Pattern:   opts.Pattern,
		Recursive: opts.Recursive,
	})
	if err != nil {
		return nil, err
	}
	slog.Debug("discovered session files", "root", opts.Root, "count", len(files))

	res := &Result{Files: files}

	records, ignored, err := loadAll(ctx, files, opts)
	if err != nil {
		return nil, err
	}
	res.Ignored = ignored
	res.Sessions = records

	if len(records) < MinSessions {
		res.NotEnoughSessions = true
		return res, nil
	}

	var mergeOpts []merge.Option
	if opts.SessionID != "" {
		mergeOpts = append(mergeOpts, merge.WithSessionID(opts.SessionID))
	}
	merged, err := merge.Merge(records, mergeOpts...)
	if err != nil {
		return nil, err
	}
	res.Merged = merged
	slog.Debug("merged sessions", "session", merged.SessionID, "entries", len(merged.Entries),
		"dropped_duplicates", merged.DroppedDuplicates)

	if opts.DryRun {
		return res, nil
	}
	if opts.Sink == nil {
		return nil, errors.New("no output sink configured")
	}
	res.OutputPath, err = opts.Sink.Write(ctx, merged)
	if err != nil {
		return nil, fmt.Errorf("writing merged session: %w", err)
	}
	return res, nil
}

// loadAll loads files concurrently. The merge itself runs once, after every
// file is loaded.
func loadAll(ctx context.Context, files []string, opts Options) ([]models.SessionRecord, []string, error) {
	loaded := make([]*models.SessionRecord, len(files))
	wasMerged := make([]bool, len(files))

	g, gctx := errgroup.WithContext(ctx)
	if opts.Workers > 0 {
		g.SetLimit(opts.Workers)
	}
	for i, path := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rec, err := session.LoadFile(path, session.LoadOptions{DefaultLane: opts.DefaultLane})
			if errors.Is(err, session.ErrMergedOutput) && opts.SkipMerged {
				slog.Warn("ignoring output of an earlier merge", "file", path)
				wasMerged[i] = true
				return nil
			}
			if err != nil {
				return err
			}
			loaded[i] = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	var (
		records []models.SessionRecord
		ignored []string
	)
	for i, rec := range loaded {
		switch {
		case wasMerged[i]:
			ignored = append(ignored, files[i])
		case rec != nil:
			records = append(records, *rec)
		}
	}
	return records, ignored, nil
}
