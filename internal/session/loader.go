package session

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/big"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spboyer/sessmerge/internal/models"
	"github.com/spboyer/sessmerge/internal/validation"
	"github.com/tidwall/gjson"
)

var (
	// ErrUnsupportedFormat is returned for transcripts written in a format
	// version this tool does not read.
	ErrUnsupportedFormat = errors.New("unsupported transcript format")

	// ErrMergedOutput is returned when a file is itself the output of an
	// earlier merge.
	ErrMergedOutput = errors.New("transcript is a merged session")
)

// maxLineSize bounds a single transcript line.
const maxLineSize = 1024 * 1024

// laneFields are checked in order on the session_start line.
var laneFields = []string{"model_lane", "model", "data.model_lane", "data.model"}

// LoadOptions controls how a transcript becomes a SessionRecord.
type LoadOptions struct {
	// DefaultLane is used when the transcript declares no model. When empty,
	// the name of the directory holding the file is used.
	DefaultLane string
}

// LoadFile reads a session transcript from disk.
func LoadFile(path string, opts LoadOptions) (*models.SessionRecord, error) {
	rc, err := openTranscript(path)
	if err != nil {
		return nil, fmt.Errorf("opening session file: %w", err)
	}
	defer rc.Close() //nolint:errcheck

	rec, err := Load(rc, path, opts)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", filepath.Base(path), err)
	}
	return rec, nil
}

// Load parses a transcript read from r. name is the file path the data came
// from; it supplies fallbacks for the session ID and lane.
//
// Lines that are not valid JSON are skipped with a warning. Lines that are
// valid JSON but violate the event schema fail the load.
func Load(r io.Reader, name string, opts LoadOptions) (*models.SessionRecord, error) {
	rec := &models.SessionRecord{SourcePath: name}
	var (
		started bool
		skipped int
	)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		doc, err := validation.DecodeLine(line)
		if err != nil {
			skipped++
			slog.Warn("skipping undecodable line", "file", name, "line", lineNo, "error", err)
			continue
		}
		if errs := validation.ValidateEvent(doc); len(errs) > 0 {
			return nil, fmt.Errorf("line %d: %s", lineNo, strings.Join(errs, "; "))
		}

		typ := EventType(gjson.GetBytes(line, "type").String())
		if !typ.IsEnvelope() {
			raw := make([]byte, len(line))
			copy(raw, line)
			rec.Entries = append(rec.Entries, models.Entry{
				Timestamp:       parseTimestamp(gjson.GetBytes(line, "timestamp")),
				OriginSessionID: gjson.GetBytes(line, "session_id").String(),
				Sequence:        int64(len(rec.Entries)),
				Type:            string(typ),
				Payload:         raw,
			})
			continue
		}

		switch typ {
		case EventSessionStart:
			if started {
				continue
			}
			started = true
			if err := applyStart(rec, line); err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNo, err)
			}
		case EventSessionSummary:
			m, err := decodeSummary(doc)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNo, err)
			}
			rec.DeclaredMetrics = m
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading session file: %w", err)
	}

	if rec.SessionID == "" {
		for _, e := range rec.Entries {
			if e.OriginSessionID != "" {
				rec.SessionID = e.OriginSessionID
				break
			}
		}
	}
	if rec.SessionID == "" {
		rec.SessionID = sessionIDFromName(name)
	}
	if rec.ModelLane == "" {
		rec.ModelLane = opts.DefaultLane
	}
	if rec.ModelLane == "" {
		if dir := filepath.Base(filepath.Dir(name)); dir != "." && dir != string(filepath.Separator) {
			rec.ModelLane = dir
		}
	}
	for i := range rec.Entries {
		switch id := rec.Entries[i].OriginSessionID; id {
		case "":
			rec.Entries[i].OriginSessionID = rec.SessionID
		case rec.SessionID:
		default:
			return nil, fmt.Errorf("entry %d belongs to session %q, not %q", i, id, rec.SessionID)
		}
	}

	slog.Debug("loaded session", "file", name, "session", rec.SessionID, "lane", rec.ModelLane,
		"entries", len(rec.Entries), "skipped", skipped)
	return rec, nil
}

func applyStart(rec *models.SessionRecord, line []byte) error {
	if v := gjson.GetBytes(line, "format_version"); v.Exists() && v.Int() != FormatVersion {
		return fmt.Errorf("%w: format_version %s, want %d", ErrUnsupportedFormat, v.Raw, FormatVersion)
	}
	if gjson.GetBytes(line, "merged").Bool() {
		return ErrMergedOutput
	}

	rec.SessionID = gjson.GetBytes(line, "session_id").String()
	for _, r := range gjson.GetManyBytes(line, laneFields...) {
		if s := strings.TrimSpace(r.String()); s != "" {
			rec.ModelLane = s
			break
		}
	}
	return nil
}

// summaryData mirrors the summary_data object of a session_summary line.
type summaryData struct {
	TotalDurationSeconds json.Number `mapstructure:"total_duration_seconds"`
	DurationMs           uint64      `mapstructure:"duration_ms"`
	TotalMessages        uint64      `mapstructure:"total_messages"`
	AssistantMessages    uint64      `mapstructure:"assistant_messages"`
	UserPrompts          uint64      `mapstructure:"user_prompts"`
	ToolCalls            uint64      `mapstructure:"tool_calls"`
	UsageTotals          struct {
		TotalInputTokens  uint64 `mapstructure:"total_input_tokens"`
		TotalOutputTokens uint64 `mapstructure:"total_output_tokens"`
	} `mapstructure:"usage_totals"`
}

var maxCounter = new(big.Int).SetUint64(math.MaxUint64)

// counterHook turns JSON numbers such as 3.0 or 1e2 into uint64 counters.
// The schema accepts any integral number; strconv does not.
func counterHook(from, to reflect.Type, data any) (any, error) {
	n, ok := data.(json.Number)
	if !ok || to.Kind() != reflect.Uint64 {
		return data, nil
	}
	r, ok := new(big.Rat).SetString(string(n))
	if !ok || !r.IsInt() {
		return nil, fmt.Errorf("value %s is not a whole number", n)
	}
	v := r.Num()
	if v.Sign() < 0 || v.Cmp(maxCounter) > 0 {
		return nil, fmt.Errorf("value %s is out of range for a counter", n)
	}
	return v.Uint64(), nil
}

func decodeSummary(doc any) (models.Metrics, error) {
	obj, _ := doc.(map[string]any) //nolint:errcheck
	raw, ok := obj["summary_data"]
	if !ok {
		return models.Metrics{}, nil
	}

	var sd summaryData
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &sd,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.DecodeHookFuncType(counterHook),
	})
	if err != nil {
		return models.Metrics{}, err
	}
	if err := dec.Decode(raw); err != nil {
		return models.Metrics{}, fmt.Errorf("decoding summary_data: %w", err)
	}

	seconds := new(big.Rat)
	switch {
	case sd.TotalDurationSeconds != "":
		if _, ok := seconds.SetString(string(sd.TotalDurationSeconds)); !ok {
			return models.Metrics{}, fmt.Errorf("decoding summary_data: invalid total_duration_seconds %q", sd.TotalDurationSeconds)
		}
	case sd.DurationMs > 0:
		seconds.SetFrac(new(big.Int).SetUint64(sd.DurationMs), big.NewInt(1000))
	}

	m := models.Metrics{
		InputTokens:       sd.UsageTotals.TotalInputTokens,
		OutputTokens:      sd.UsageTotals.TotalOutputTokens,
		TotalMessages:     sd.TotalMessages,
		AssistantMessages: sd.AssistantMessages,
		UserPrompts:       sd.UserPrompts,
		ToolCalls:         sd.ToolCalls,
	}
	if seconds.Sign() != 0 {
		m.DurationSeconds = models.Seconds(seconds)
	}
	return m, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// parseTimestamp accepts RFC 3339 strings, ISO timestamps without a zone
// (read as UTC) and Unix seconds. Anything else yields the zero time.
func parseTimestamp(v gjson.Result) time.Time {
	switch v.Type {
	case gjson.Number:
		sec, frac := math.Modf(v.Float())
		return time.Unix(int64(sec), int64(math.Round(frac*1e9))).UTC()
	case gjson.String:
		s := strings.TrimSpace(v.String())
		for _, layout := range timestampLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts.UTC()
			}
		}
	}
	return time.Time{}
}

// sessionIDFromName derives an ID from "session_<id>.jsonl".
func sessionIDFromName(name string) string {
	base := strings.TrimSuffix(stripCompressionExt(filepath.Base(name)), ".jsonl")
	return strings.TrimPrefix(base, "session_")
}
