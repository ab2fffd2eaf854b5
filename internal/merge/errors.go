package merge

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMergeData matches every error caused by the content of the input
// sessions, as opposed to I/O or configuration problems.
var ErrMergeData = errors.New("invalid session data")

// MalformedSessionError means a session or one of its entries lacks a field
// needed to place it in the merged order.
type MalformedSessionError struct {
	SessionID string
	// Sequence is the offending entry, or -1 when the record itself is malformed.
	Sequence int64
	Field    string
}

func (e *MalformedSessionError) Error() string {
	if e.Sequence < 0 {
		return fmt.Sprintf("malformed session %q: missing %s", e.SessionID, e.Field)
	}
	return fmt.Sprintf("malformed session %q: entry %d is missing %s", e.SessionID, e.Sequence, e.Field)
}

func (e *MalformedSessionError) Is(target error) bool { return target == ErrMergeData }

// DuplicateEntryError means two entries share a full merge key but carry
// different payloads.
type DuplicateEntryError struct {
	SessionID string
	Sequence  int64
	Timestamp time.Time
}

func (e *DuplicateEntryError) Error() string {
	return fmt.Sprintf("duplicate entry in session %q: sequence %d at %s has conflicting payloads",
		e.SessionID, e.Sequence, e.Timestamp.Format(time.RFC3339Nano))
}

func (e *DuplicateEntryError) Is(target error) bool { return target == ErrMergeData }

// InconsistentMetadataError means one session ID was supplied with more than
// one model lane.
type InconsistentMetadataError struct {
	SessionID string
	Lanes     []string
}

func (e *InconsistentMetadataError) Error() string {
	return fmt.Sprintf("session %q appears with conflicting model lanes: %s",
		e.SessionID, strings.Join(e.Lanes, ", "))
}

func (e *InconsistentMetadataError) Is(target error) bool { return target == ErrMergeData }
