package models

import (
	"encoding/json"
	"math/big"
	"strings"
	"time"
)

// SessionRecord is one experiment run's transcript as handed over by the loader.
type SessionRecord struct {
	SessionID       string  `json:"session_id"`
	ModelLane       string  `json:"model_lane"`
	Entries         []Entry `json:"entries"`
	DeclaredMetrics Metrics `json:"declared_metrics"`

	// SourcePath is the file the record was loaded from, if any.
	SourcePath string `json:"source_path,omitempty"`
}

// Entry is a single transcript event.
//
// A zero Timestamp or a negative Sequence marks the field as missing.
type Entry struct {
	Timestamp       time.Time       `json:"timestamp"`
	OriginSessionID string          `json:"origin_session_id"`
	Sequence        int64           `json:"sequence_in_session"`
	Type            string          `json:"type,omitempty"`
	Payload         json.RawMessage `json:"payload"`
}

// Metrics holds the totals a session reports about itself.
type Metrics struct {
	InputTokens       uint64 `json:"input_tokens"`
	OutputTokens      uint64 `json:"output_tokens"`
	TotalMessages     uint64 `json:"total_messages"`
	AssistantMessages uint64 `json:"assistant_messages"`
	UserPrompts       uint64 `json:"user_prompts"`
	ToolCalls         uint64 `json:"tool_calls"`

	// DurationSeconds is the declared wall time as an exact decimal, in the
	// canonical form produced by Seconds. Empty means zero.
	DurationSeconds json.Number `json:"duration_seconds,omitempty"`
}

// IsZero reports whether every counter is zero.
func (m Metrics) IsZero() bool {
	if d, ok := new(big.Rat).SetString(string(m.DurationSeconds)); ok && d.Sign() == 0 {
		m.DurationSeconds = ""
	}
	return m == Metrics{}
}

// AggregateMetrics is the unbounded sum of Metrics across sessions.
type AggregateMetrics struct {
	InputTokens       *big.Int `json:"input_tokens"`
	OutputTokens      *big.Int `json:"output_tokens"`
	TotalMessages     *big.Int `json:"total_messages"`
	AssistantMessages *big.Int `json:"assistant_messages"`
	UserPrompts       *big.Int `json:"user_prompts"`
	ToolCalls         *big.Int `json:"tool_calls"`
	DurationSeconds   *big.Rat `json:"-"`
}

// NewAggregateMetrics returns an aggregate with every counter at zero.
func NewAggregateMetrics() AggregateMetrics {
	return AggregateMetrics{
		InputTokens:       new(big.Int),
		OutputTokens:      new(big.Int),
		TotalMessages:     new(big.Int),
		AssistantMessages: new(big.Int),
		UserPrompts:       new(big.Int),
		ToolCalls:         new(big.Int),
		DurationSeconds:   new(big.Rat),
	}
}

// Add accumulates m into a.
func (a AggregateMetrics) Add(m Metrics) {
	add := func(dst *big.Int, v uint64) {
		dst.Add(dst, new(big.Int).SetUint64(v))
	}
	add(a.InputTokens, m.InputTokens)
	add(a.OutputTokens, m.OutputTokens)
	add(a.TotalMessages, m.TotalMessages)
	add(a.AssistantMessages, m.AssistantMessages)
	add(a.UserPrompts, m.UserPrompts)
	add(a.ToolCalls, m.ToolCalls)
	if d, ok := new(big.Rat).SetString(string(m.DurationSeconds)); ok {
		a.DurationSeconds.Add(a.DurationSeconds, d)
	}
}

// Equal reports whether both aggregates hold the same values.
func (a AggregateMetrics) Equal(b AggregateMetrics) bool {
	pairs := [][2]*big.Int{
		{a.InputTokens, b.InputTokens},
		{a.OutputTokens, b.OutputTokens},
		{a.TotalMessages, b.TotalMessages},
		{a.AssistantMessages, b.AssistantMessages},
		{a.UserPrompts, b.UserPrompts},
		{a.ToolCalls, b.ToolCalls},
	}
	for _, p := range pairs {
		if bigOrZero(p[0]).Cmp(bigOrZero(p[1])) != 0 {
			return false
		}
	}
	return ratOrZero(a.DurationSeconds).Cmp(ratOrZero(b.DurationSeconds)) == 0
}

// Seconds returns the summed duration as an exact decimal.
func (a AggregateMetrics) Seconds() json.Number {
	return Seconds(a.DurationSeconds)
}

// MarshalJSON adds duration_seconds as an exact decimal number.
func (a AggregateMetrics) MarshalJSON() ([]byte, error) {
	type plain AggregateMetrics
	return json.Marshal(struct {
		plain
		DurationSeconds json.Number `json:"duration_seconds"`
	}{plain(a), a.Seconds()})
}

// TotalTokens returns input plus output tokens.
func (a AggregateMetrics) TotalTokens() *big.Int {
	return new(big.Int).Add(bigOrZero(a.InputTokens), bigOrZero(a.OutputTokens))
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func ratOrZero(v *big.Rat) *big.Rat {
	if v == nil {
		return new(big.Rat)
	}
	return v
}

// Seconds renders r as a decimal without rounding, trimming trailing zeros.
// Sums of decimal inputs always terminate; any other value is rounded to
// nanoseconds.
func Seconds(r *big.Rat) json.Number {
	if r == nil || r.Sign() == 0 {
		return "0"
	}
	if r.IsInt() {
		return json.Number(r.Num().String())
	}

	d := new(big.Int).Set(r.Denom())
	twos := 0
	for d.Bit(0) == 0 {
		d.Rsh(d, 1)
		twos++
	}
	fives := 0
	five, rem := big.NewInt(5), new(big.Int)
	for {
		q, m := new(big.Int).QuoRem(d, five, rem)
		if m.Sign() != 0 {
			break
		}
		d = q
		fives++
	}
	digits := max(twos, fives)
	if d.Cmp(big.NewInt(1)) != 0 {
		digits = 9
	}

	s := strings.TrimRight(r.FloatString(digits), "0")
	return json.Number(strings.TrimSuffix(s, "."))
}

// MergedSession is the unified transcript built from several SessionRecords.
type MergedSession struct {
	SessionID            string           `json:"session_id"`
	Entries              []Entry          `json:"entries"`
	ContributingSessions []string         `json:"contributing_sessions"`
	AggregateMetrics     AggregateMetrics `json:"aggregate_metrics"`
	ModelLanesPresent    []string         `json:"model_lanes_present"`

	// DroppedDuplicates counts byte-identical entries removed during the merge.
	DroppedDuplicates int `json:"dropped_duplicates,omitempty"`
}
