// Package merge combines session transcripts from repeated experiment runs
// into one chronologically ordered transcript.
//
// Merge is a pure function: it performs no I/O, never mutates its input and
// is safe to call from several goroutines at once.
package merge

import (
	"maps"
	"slices"

	"github.com/google/uuid"
	"github.com/spboyer/sessmerge/internal/models"
)

type options struct {
	sessionID string
}

// Option configures Merge.
type Option func(*options)

// WithSessionID sets the ID of the merged session. By default a random UUID
// is generated.
func WithSessionID(id string) Option {
	return func(o *options) { o.sessionID = id }
}

// Merge orders every entry of sessions by (timestamp, session ID, sequence),
// reconciles session metadata and sums the declared metrics.
//
// The input order is not significant: any permutation of sessions yields the
// same entries, contributing sessions and metrics.
func Merge(sessions []models.SessionRecord, opts ...Option) (*models.MergedSession, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.sessionID == "" {
		o.sessionID = uuid.NewString()
	}

	runs := make([][]models.Entry, len(sessions))
	for i := range sessions {
		run, err := sortedRun(&sessions[i])
		if err != nil {
			return nil, err
		}
		runs[i] = run
	}

	lanes, err := reconcileLanes(sessions)
	if err != nil {
		return nil, err
	}

	unique, uniqueRuns, collapsed := collapseIdentical(sessions, runs)

	entries, dropped, err := kWayMerge(uniqueRuns)
	if err != nil {
		return nil, err
	}

	return &models.MergedSession{
		SessionID:            o.sessionID,
		Entries:              entries,
		ContributingSessions: contributingSessions(entries, unique),
		AggregateMetrics:     aggregate(unique),
		ModelLanesPresent:    lanes,
		DroppedDuplicates:    dropped + collapsed,
	}, nil
}

// sortedRun validates s and returns a copy of its entries sorted by merge key.
func sortedRun(s *models.SessionRecord) ([]models.Entry, error) {
	if s.SessionID == "" {
		return nil, &MalformedSessionError{SessionID: s.SourcePath, Sequence: -1, Field: "session_id"}
	}
	if s.ModelLane == "" {
		return nil, &MalformedSessionError{SessionID: s.SessionID, Sequence: -1, Field: "model_lane"}
	}

	run := make([]models.Entry, len(s.Entries))
	copy(run, s.Entries)
	for i := range run {
		e := &run[i]
		if e.Sequence < 0 {
			return nil, &MalformedSessionError{SessionID: s.SessionID, Sequence: int64(i), Field: "sequence_in_session"}
		}
		if e.Timestamp.IsZero() {
			return nil, &MalformedSessionError{SessionID: s.SessionID, Sequence: e.Sequence, Field: "timestamp"}
		}
		switch e.OriginSessionID {
		case "":
			e.OriginSessionID = s.SessionID
		case s.SessionID:
		default:
			return nil, &MalformedSessionError{SessionID: s.SessionID, Sequence: e.Sequence, Field: "origin_session_id"}
		}
	}

	slices.SortFunc(run, func(a, b models.Entry) int { return compareKey(&a, &b) })
	return run, nil
}

// reconcileLanes checks that each session ID maps to one lane and returns the
// distinct lanes, sorted.
func reconcileLanes(sessions []models.SessionRecord) ([]string, error) {
	bySession := make(map[string]string, len(sessions))
	present := make(map[string]struct{})
	for _, s := range sessions {
		if lane, ok := bySession[s.SessionID]; ok && lane != s.ModelLane {
			return nil, &InconsistentMetadataError{
				SessionID: s.SessionID,
				Lanes:     slices.Sorted(slices.Values([]string{lane, s.ModelLane})),
			}
		}
		bySession[s.SessionID] = s.ModelLane
		present[s.ModelLane] = struct{}{}
	}
	return slices.Sorted(maps.Keys(present)), nil
}

// collapseIdentical drops records that are value-equal to an earlier record,
// so loading the same file twice neither grows the transcript nor doubles the
// metrics. It returns the remaining records, their runs and the number of
// entries dropped with the removed records.
func collapseIdentical(sessions []models.SessionRecord, runs [][]models.Entry) ([]*models.SessionRecord, [][]models.Entry, int) {
	var (
		unique     []*models.SessionRecord
		uniqueRuns [][]models.Entry
		dropped    int
	)
	byID := make(map[string][]int)

outer:
	for i := range sessions {
		s := &sessions[i]
		for _, j := range byID[s.SessionID] {
			if identicalRecords(unique[j], uniqueRuns[j], s, runs[i]) {
				dropped += len(runs[i])
				continue outer
			}
		}
		byID[s.SessionID] = append(byID[s.SessionID], len(unique))
		unique = append(unique, s)
		uniqueRuns = append(uniqueRuns, runs[i])
	}
	return unique, uniqueRuns, dropped
}

func identicalRecords(a *models.SessionRecord, aRun []models.Entry, b *models.SessionRecord, bRun []models.Entry) bool {
	if a.SessionID != b.SessionID || a.ModelLane != b.ModelLane || a.DeclaredMetrics != b.DeclaredMetrics {
		return false
	}
	return slices.EqualFunc(aRun, bRun, func(x, y models.Entry) bool { return sameEntry(&x, &y) })
}

// contributingSessions lists session IDs by first appearance in the merged
// entries, followed by entry-less sessions that still declared metrics.
func contributingSessions(entries []models.Entry, sessions []*models.SessionRecord) []string {
	seen := make(map[string]struct{})
	ids := make([]string, 0, len(sessions))
	for _, e := range entries {
		if _, ok := seen[e.OriginSessionID]; ok {
			continue
		}
		seen[e.OriginSessionID] = struct{}{}
		ids = append(ids, e.OriginSessionID)
	}

	var silent []string
	for _, s := range sessions {
		if _, ok := seen[s.SessionID]; ok || len(s.Entries) > 0 || s.DeclaredMetrics.IsZero() {
			continue
		}
		seen[s.SessionID] = struct{}{}
		silent = append(silent, s.SessionID)
	}
	slices.Sort(silent)
	return append(ids, silent...)
}

func aggregate(sessions []*models.SessionRecord) models.AggregateMetrics {
	agg := models.NewAggregateMetrics()
	for _, s := range sessions {
		agg.Add(s.DeclaredMetrics)
	}
	return agg
}
