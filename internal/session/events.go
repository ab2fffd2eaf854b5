package session

import (
	"encoding/json"
	"time"

	"github.com/spboyer/sessmerge/internal/models"
)

// EventType identifies the kind of transcript line.
type EventType string

const (
	EventSessionStart   EventType = "session_start"
	EventSessionSummary EventType = "session_summary"
	EventSessionEnd     EventType = "session_end"

	EventUser              EventType = "user"
	EventAssistant         EventType = "assistant"
	EventAssistantThinking EventType = "assistant_thinking"
	EventToolUse           EventType = "tool_use"
	EventToolResult        EventType = "tool_result"
	EventError             EventType = "error"
)

// FormatVersion is the transcript format this tool reads and writes.
const FormatVersion = 1

// IsEnvelope reports whether t frames a session rather than recording an
// event inside it. Envelope lines are regenerated on merge.
func (t EventType) IsEnvelope() bool {
	switch t {
	case EventSessionStart, EventSessionSummary, EventSessionEnd:
		return true
	}
	return false
}

// Event is one decoded transcript line. Raw holds the line as read.
type Event struct {
	Timestamp time.Time       `json:"timestamp"`
	Type      EventType       `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Raw       json.RawMessage `json:"-"`
}

// MergedStartData returns the fields of the session_start line written for
// a merged transcript.
func MergedStartData(m *models.MergedSession, at time.Time) map[string]any {
	return map[string]any{
		"type":                  EventSessionStart,
		"timestamp":             at.UTC().Format(time.RFC3339Nano),
		"session_id":            m.SessionID,
		"format_version":        FormatVersion,
		"merged":                true,
		"contributing_sessions": nonNil(m.ContributingSessions),
		"model_lanes":           nonNil(m.ModelLanesPresent),
	}
}

// SummaryData returns the session_summary line for a merged transcript. The
// summary_data layout matches what recorded sessions emit.
func SummaryData(m *models.MergedSession, at time.Time) map[string]any {
	agg := m.AggregateMetrics
	return map[string]any{
		"type":       EventSessionSummary,
		"timestamp":  at.UTC().Format(time.RFC3339Nano),
		"session_id": m.SessionID,
		"summary_data": map[string]any{
			"total_duration_seconds": agg.Seconds(),
			"total_messages":         agg.TotalMessages,
			"assistant_messages":     agg.AssistantMessages,
			"user_prompts":           agg.UserPrompts,
			"tool_calls":             agg.ToolCalls,
			"usage_totals": map[string]any{
				"total_input_tokens":  agg.InputTokens,
				"total_output_tokens": agg.OutputTokens,
			},
		},
	}
}

// SessionEndData returns the closing line of a merged transcript.
func SessionEndData(m *models.MergedSession, at time.Time) map[string]any {
	return map[string]any{
		"type":       EventSessionEnd,
		"timestamp":  at.UTC().Format(time.RFC3339Nano),
		"session_id": m.SessionID,
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
