package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/spboyer/sessmerge/internal/merge"
	"github.com/spboyer/sessmerge/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sessionA = `{"type":"session_start","timestamp":"2026-01-15T10:00:00Z","session_id":"aaa","model":"gpt-x"}
{"type":"user","timestamp":"2026-01-15T10:00:01Z","session_id":"aaa","content":"hello"}
{"type":"assistant","timestamp":"2026-01-15T10:00:03Z","session_id":"aaa","content":"hi there"}
{"type":"tool_use","timestamp":"2026-01-15T10:00:05Z","session_id":"aaa","tool_name":"bash"}
{"type":"session_summary","timestamp":"2026-01-15T10:00:06Z","session_id":"aaa","summary_data":{"total_duration_seconds":6.25,"total_messages":2,"assistant_messages":1,"user_prompts":1,"tool_calls":1,"usage_totals":{"total_input_tokens":120,"total_output_tokens":30}}}
{"type":"session_end","timestamp":"2026-01-15T10:00:06Z","session_id":"aaa"}
`

const sessionB = `{"type":"session_start","timestamp":"2026-01-15T10:00:00Z","session_id":"bbb","model_lane":"gpt-y"}
{"type":"user","timestamp":"2026-01-15T10:00:02Z","session_id":"bbb","content":"hello"}
{"type":"assistant","timestamp":"2026-01-15T10:00:04Z","session_id":"bbb","content":"hey"}
{"type":"session_summary","timestamp":"2026-01-15T10:00:05Z","session_id":"bbb","summary_data":{"total_duration_seconds":5,"total_messages":2,"assistant_messages":1,"user_prompts":1,"usage_totals":{"total_input_tokens":80,"total_output_tokens":20}}}
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func loadString(t *testing.T, name, content string, opts LoadOptions) (*models.SessionRecord, error) {
	t.Helper()
	return Load(strings.NewReader(content), name, opts)
}

// ---------------------------------------------------------------------------
// Loader
// ---------------------------------------------------------------------------

func TestLoad_ParsesEnvelopeAndEntries(t *testing.T) {
	rec, err := loadString(t, "logs/session_aaa.jsonl", sessionA, LoadOptions{})
	require.NoError(t, err)

	assert.Equal(t, "aaa", rec.SessionID)
	assert.Equal(t, "gpt-x", rec.ModelLane)
	assert.Equal(t, "logs/session_aaa.jsonl", rec.SourcePath)
	require.Len(t, rec.Entries, 3)

	for i, e := range rec.Entries {
		assert.Equal(t, int64(i), e.Sequence)
		assert.Equal(t, "aaa", e.OriginSessionID)
	}
	assert.Equal(t, "user", rec.Entries[0].Type)
	assert.Equal(t, "tool_use", rec.Entries[2].Type)
	assert.Equal(t, time.Date(2026, 1, 15, 10, 0, 1, 0, time.UTC), rec.Entries[0].Timestamp)
	assert.JSONEq(t, `{"type":"user","timestamp":"2026-01-15T10:00:01Z","session_id":"aaa","content":"hello"}`, string(rec.Entries[0].Payload))

	assert.Equal(t, models.Metrics{
		InputTokens:       120,
		OutputTokens:      30,
		TotalMessages:     2,
		AssistantMessages: 1,
		UserPrompts:       1,
		ToolCalls:         1,
		DurationSeconds:   "6.25",
	}, rec.DeclaredMetrics)
}

func TestLoad_Fallbacks(t *testing.T) {
	content := `{"type":"user","timestamp":"2026-01-15T10:00:01Z","content":"no envelope"}` + "\n"

	t.Run("directory name as lane", func(t *testing.T) {
		rec, err := loadString(t, filepath.Join("root", "lane-b", "session_xyz.jsonl.gz"), content, LoadOptions{})
		require.NoError(t, err)
		assert.Equal(t, "xyz", rec.SessionID)
		assert.Equal(t, "lane-b", rec.ModelLane)
		assert.Equal(t, "xyz", rec.Entries[0].OriginSessionID)
		assert.True(t, rec.DeclaredMetrics.IsZero())
	})

	t.Run("configured lane", func(t *testing.T) {
		rec, err := loadString(t, "session_xyz.jsonl", content, LoadOptions{DefaultLane: "baseline"})
		require.NoError(t, err)
		assert.Equal(t, "baseline", rec.ModelLane)
	})

	t.Run("session id from entries", func(t *testing.T) {
		rec, err := loadString(t, "session_file.jsonl",
			`{"type":"user","timestamp":"2026-01-15T10:00:01Z","session_id":"from-line"}`+"\n", LoadOptions{})
		require.NoError(t, err)
		assert.Equal(t, "from-line", rec.SessionID)
	})

	t.Run("nested model", func(t *testing.T) {
		rec, err := loadString(t, "session_n.jsonl",
			`{"type":"session_start","session_id":"n","data":{"model":"claude"}}`+"\n", LoadOptions{DefaultLane: "ignored"})
		require.NoError(t, err)
		assert.Equal(t, "claude", rec.ModelLane)
	})
}

func summaryOnly(id, summaryData string) string {
	return `{"type":"session_start","session_id":"` + id + `","model":"m"}` + "\n" +
		`{"type":"user","timestamp":"2026-01-15T10:00:01Z","session_id":"` + id + `"}` + "\n" +
		`{"type":"session_summary","summary_data":` + summaryData + `}` + "\n"
}

func TestLoad_DurationSumIsExact(t *testing.T) {
	a, err := loadString(t, "session_a.jsonl", summaryOnly("a", `{"total_duration_seconds":1.2344}`), LoadOptions{})
	require.NoError(t, err)
	b, err := loadString(t, "session_b.jsonl", summaryOnly("b", `{"total_duration_seconds":2.0004}`), LoadOptions{})
	require.NoError(t, err)
	assert.Equal(t, json.Number("1.2344"), a.DeclaredMetrics.DurationSeconds)

	m, err := merge.Merge([]models.SessionRecord{*a, *b}, merge.WithSessionID("m"))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, m, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)))
	assert.Contains(t, buf.String(), `"total_duration_seconds":3.2348`)
}

func TestLoad_DurationFromMilliseconds(t *testing.T) {
	rec, err := loadString(t, "session_a.jsonl", summaryOnly("a", `{"duration_ms":1234}`), LoadOptions{})
	require.NoError(t, err)
	assert.Equal(t, json.Number("1.234"), rec.DeclaredMetrics.DurationSeconds)

	rec, err = loadString(t, "session_a.jsonl", summaryOnly("a", `{"total_duration_seconds":0}`), LoadOptions{})
	require.NoError(t, err)
	assert.True(t, rec.DeclaredMetrics.IsZero())
}

func TestLoad_IntegralCounters(t *testing.T) {
	rec, err := loadString(t, "session_a.jsonl",
		summaryOnly("a", `{"total_messages":3.0,"tool_calls":1e2,"usage_totals":{"total_input_tokens":18446744073709551615}}`), LoadOptions{})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), rec.DeclaredMetrics.TotalMessages)
	assert.Equal(t, uint64(100), rec.DeclaredMetrics.ToolCalls)
	assert.Equal(t, uint64(18446744073709551615), rec.DeclaredMetrics.InputTokens)
}

func TestLoad_CounterErrors(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr []string
	}{
		{
			name:    "above uint64",
			data:    `{"total_messages":18446744073709551616}`,
			wantErr: []string{"total_messages", "out of range"},
		},
		{
			name:    "huge exponent",
			data:    `{"usage_totals":{"total_output_tokens":1e30}}`,
			wantErr: []string{"total_output_tokens", "out of range"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadString(t, "session_a.jsonl", summaryOnly("a", tt.data), LoadOptions{})
			require.Error(t, err)
			for _, want := range tt.wantErr {
				assert.Contains(t, err.Error(), want)
			}
		})
	}
}

func TestCounterHook(t *testing.T) {
	u64 := reflect.TypeOf(uint64(0))
	num := reflect.TypeOf(json.Number(""))

	v, err := counterHook(num, u64, json.Number("2.000"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v)

	_, err = counterHook(num, u64, json.Number("2.5"))
	assert.ErrorContains(t, err, "not a whole number")

	// non-counter targets pass through
	v, err = counterHook(num, num, json.Number("2.5"))
	require.NoError(t, err)
	assert.Equal(t, json.Number("2.5"), v)
}

func TestLoad_SkipsUndecodableLines(t *testing.T) {
	content := "{not json\n\n" + sessionB
	rec, err := loadString(t, "session_bbb.jsonl", content, LoadOptions{})
	require.NoError(t, err)
	assert.Len(t, rec.Entries, 2)
}

func TestLoad_SchemaViolationFails(t *testing.T) {
	_, err := loadString(t, "session_x.jsonl", `{"timestamp":"2026-01-15T10:00:01Z"}`+"\n", LoadOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 1")
}

func TestLoad_UnsupportedFormatVersion(t *testing.T) {
	_, err := loadString(t, "session_x.jsonl", `{"type":"session_start","session_id":"x","format_version":2}`+"\n", LoadOptions{})
	require.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestLoad_MergedOutputRejected(t *testing.T) {
	_, err := loadString(t, "session_x.jsonl", `{"type":"session_start","session_id":"x","merged":true}`+"\n", LoadOptions{})
	require.ErrorIs(t, err, ErrMergedOutput)
}

func TestLoad_ForeignSessionLine(t *testing.T) {
	content := `{"type":"session_start","session_id":"a","model":"m"}
{"type":"user","timestamp":"2026-01-15T10:00:01Z","session_id":"b"}
`
	_, err := loadString(t, "session_a.jsonl", content, LoadOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `belongs to session "b"`)
}

func TestLoad_MissingTimestampLeftForMerge(t *testing.T) {
	rec, err := loadString(t, "session_a.jsonl", `{"type":"user","session_id":"a"}`+"\n", LoadOptions{DefaultLane: "m"})
	require.NoError(t, err)
	require.Len(t, rec.Entries, 1)
	assert.True(t, rec.Entries[0].Timestamp.IsZero())

	_, err = merge.Merge([]models.SessionRecord{*rec})
	var malformed *merge.MalformedSessionError
	require.ErrorAs(t, err, &malformed)
	assert.Equal(t, "timestamp", malformed.Field)
}

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2026, 1, 15, 10, 0, 1, 500_000_000, time.UTC)
	tests := []struct {
		name  string
		field string
		want  time.Time
	}{
		{"rfc3339 zulu", `,"timestamp":"2026-01-15T10:00:01.5Z"`, want},
		{"offset", `,"timestamp":"2026-01-15T12:00:01.5+02:00"`, want},
		{"no zone", `,"timestamp":"2026-01-15T10:00:01.500000"`, want},
		{"unix seconds", `,"timestamp":1768471201.5`, want},
		{"garbage", `,"timestamp":"yesterday"`, time.Time{}},
		{"missing", ``, time.Time{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line := `{"type":"user"` + tt.field + "}\n"
			rec, err := loadString(t, "session_t.jsonl", line, LoadOptions{DefaultLane: "m"})
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(rec.Entries[0].Timestamp), "got %v", rec.Entries[0].Timestamp)
		})
	}
}

func TestLoadFile_Compressed(t *testing.T) {
	dir := t.TempDir()

	var gz bytes.Buffer
	gw := gzip.NewWriter(&gz)
	_, err := gw.Write([]byte(sessionA))
	require.NoError(t, err)
	require.NoError(t, gw.Close())
	gzPath := writeFile(t, dir, "session_aaa.jsonl.gz", gz.String())

	zw, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	zstPath := writeFile(t, dir, "session_bbb.jsonl.zst", string(zw.EncodeAll([]byte(sessionB), nil)))

	a, err := LoadFile(gzPath, LoadOptions{})
	require.NoError(t, err)
	assert.Len(t, a.Entries, 3)

	b, err := LoadFile(zstPath, LoadOptions{})
	require.NoError(t, err)
	assert.Equal(t, "gpt-y", b.ModelLane)
	assert.Len(t, b.Entries, 2)
}

func TestLoadFile_Missing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.jsonl"), LoadOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

// ---------------------------------------------------------------------------
// Discovery
// ---------------------------------------------------------------------------

func TestDiscover(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"session_b.jsonl",
		"session_a.jsonl.zst",
		"session_a_raw.jsonl",
		"session_c_raw.jsonl.gz",
		"notes.jsonl",
		"lane-x/session_d.jsonl",
		".hidden/session_e.jsonl",
	} {
		writeFile(t, dir, name, "{}\n")
	}

	flat, err := Discover(dir, DiscoverOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "session_a.jsonl.zst"),
		filepath.Join(dir, "session_b.jsonl"),
	}, flat)

	deep, err := Discover(dir, DiscoverOptions{Recursive: true})
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "lane-x", "session_d.jsonl"),
		filepath.Join(dir, "session_a.jsonl.zst"),
		filepath.Join(dir, "session_b.jsonl"),
	}, deep)

	custom, err := Discover(dir, DiscoverOptions{Pattern: "*.jsonl"})
	require.NoError(t, err)
	assert.Len(t, custom, 3)
}

func TestDiscover_Errors(t *testing.T) {
	_, err := Discover("/nonexistent/dir", DiscoverOptions{})
	assert.Error(t, err)

	_, err = Discover(t.TempDir(), DiscoverOptions{Pattern: "[bad"})
	assert.Error(t, err)
}

// ---------------------------------------------------------------------------
// Serializer
// ---------------------------------------------------------------------------

func mergedFixture(t *testing.T) *models.MergedSession {
	t.Helper()
	a, err := loadString(t, "session_aaa.jsonl", sessionA, LoadOptions{})
	require.NoError(t, err)
	b, err := loadString(t, "session_bbb.jsonl", sessionB, LoadOptions{})
	require.NoError(t, err)
	m, err := merge.Merge([]models.SessionRecord{*a, *b}, merge.WithSessionID("merged-1"))
	require.NoError(t, err)
	return m
}

func decodeLines(t *testing.T, data []byte) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(data), []byte("\n")) {
		var m map[string]any
		require.NoError(t, json.Unmarshal(line, &m), "line %s", line)
		out = append(out, m)
	}
	return out
}

func TestEncode(t *testing.T) {
	m := mergedFixture(t)
	at := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, m, at))
	lines := decodeLines(t, buf.Bytes())

	require.Len(t, lines, 1+5+2)

	start := lines[0]
	assert.Equal(t, "session_start", start["type"])
	assert.Equal(t, "merged-1", start["session_id"])
	assert.Equal(t, true, start["merged"])
	assert.Equal(t, []any{"aaa", "bbb"}, start["contributing_sessions"])
	assert.Equal(t, []any{"gpt-x", "gpt-y"}, start["model_lanes"])

	wantOrigins := []string{"aaa", "bbb", "aaa", "bbb", "aaa"}
	for i, origin := range wantOrigins {
		line := lines[1+i]
		assert.Equal(t, "merged-1", line["session_id"])
		assert.Equal(t, origin, line["origin_session_id"])
	}
	assert.Equal(t, "hi there", lines[3]["content"])

	summary := lines[6]
	assert.Equal(t, "session_summary", summary["type"])
	sd := summary["summary_data"].(map[string]any)
	assert.Equal(t, 11.25, sd["total_duration_seconds"])
	assert.Equal(t, float64(4), sd["total_messages"])
	assert.Equal(t, float64(1), sd["tool_calls"])
	usage := sd["usage_totals"].(map[string]any)
	assert.Equal(t, float64(200), usage["total_input_tokens"])
	assert.Equal(t, float64(50), usage["total_output_tokens"])

	assert.Equal(t, "session_end", lines[7]["type"])
}

func TestEncode_EntryWithoutPayload(t *testing.T) {
	m := &models.MergedSession{
		SessionID:        "m",
		AggregateMetrics: models.NewAggregateMetrics(),
		Entries: []models.Entry{{
			Timestamp:       time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			OriginSessionID: "s1",
			Type:            "user",
		}},
	}
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, m, time.Now()))

	lines := decodeLines(t, buf.Bytes())
	assert.Equal(t, "user", lines[1]["type"])
	assert.Equal(t, "2026-01-01T00:00:00Z", lines[1]["timestamp"])
	assert.Equal(t, "s1", lines[1]["origin_session_id"])
}

func TestEncode_DoesNotMutatePayload(t *testing.T) {
	m := mergedFixture(t)
	before := string(m.Entries[0].Payload)

	require.NoError(t, Encode(&bytes.Buffer{}, m, time.Now()))
	assert.Equal(t, before, string(m.Entries[0].Payload))
}

func TestFileSink_RoundTrip(t *testing.T) {
	for _, c := range []Compression{CompressionNone, CompressionGzip, CompressionZstd} {
		t.Run(string(c), func(t *testing.T) {
			dir := filepath.Join(t.TempDir(), "out")
			sink := &FileSink{Dir: dir, Compression: c}

			path, err := sink.Write(context.Background(), mergedFixture(t))
			require.NoError(t, err)
			assert.Equal(t, filepath.Join(dir, OutputName("merged-1", c)), path)

			events, err := ReadEvents(path)
			require.NoError(t, err)
			require.Len(t, events, 8)
			assert.Equal(t, EventSessionStart, events[0].Type)
			assert.Equal(t, "aaa", events[1].SessionID)

			// merged output is not picked up as an input again
			_, err = LoadFile(path, LoadOptions{})
			assert.ErrorIs(t, err, ErrMergedOutput)

			leftovers, err := filepath.Glob(filepath.Join(dir, "*.tmp"))
			require.NoError(t, err)
			assert.Empty(t, leftovers)
		})
	}
}

func TestFileSink_EncodeErrorLeavesNothing(t *testing.T) {
	for _, c := range []Compression{CompressionNone, CompressionGzip, CompressionZstd} {
		t.Run(string(c), func(t *testing.T) {
			m := mergedFixture(t)
			// an array payload cannot carry session_id
			m.Entries[1].Payload = json.RawMessage(`[1,2]`)

			dir := t.TempDir()
			_, err := (&FileSink{Dir: dir, Compression: c}).Write(context.Background(), m)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "entry")

			entries, err := os.ReadDir(dir)
			require.NoError(t, err)
			assert.Empty(t, entries)
		})
	}
}

func TestFileSink_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	dir := t.TempDir()
	_, err := (&FileSink{Dir: dir}).Write(ctx, mergedFixture(t))
	require.ErrorIs(t, err, context.Canceled)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestParseCompression(t *testing.T) {
	for in, want := range map[string]Compression{"": CompressionNone, "none": CompressionNone, "GZIP": CompressionGzip, " zstd ": CompressionZstd} {
		got, err := ParseCompression(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseCompression("brotli")
	assert.Error(t, err)
}

// ---------------------------------------------------------------------------
// Viewer
// ---------------------------------------------------------------------------

func TestListSessions(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "session_one.jsonl", sessionA)
	writeFile(t, dir, "session_two.jsonl", sessionB)
	writeFile(t, dir, "not-a-session.txt", "{}\n")

	files, err := ListSessions(dir, "")
	require.NoError(t, err)
	require.Len(t, files, 2)

	byName := map[string]int{}
	for _, f := range files {
		byName[f.Name] = f.NumEvents
	}
	assert.Equal(t, 6, byName["session_one.jsonl"])
	assert.Equal(t, 4, byName["session_two.jsonl"])
}

func TestListSessionsNoDir(t *testing.T) {
	_, err := ListSessions("/nonexistent/dir", "")
	assert.Error(t, err)
}

func TestRenderTimeline(t *testing.T) {
	dir := t.TempDir()
	path, err := (&FileSink{Dir: dir}).Write(context.Background(), mergedFixture(t))
	require.NoError(t, err)

	events, err := ReadEvents(path)
	require.NoError(t, err)

	var buf bytes.Buffer
	RenderTimeline(&buf, events)
	out := buf.String()

	assert.Contains(t, out, "SESSION TIMELINE")
	assert.Contains(t, out, "Merged session merged-1")
	assert.Contains(t, out, "lanes=gpt-x,gpt-y")
	assert.Contains(t, out, "hi there")
	assert.Contains(t, out, "tool_use bash")
	assert.Contains(t, out, "input_tokens=200")
}

func TestRenderTimelineEmpty(t *testing.T) {
	var buf bytes.Buffer
	RenderTimeline(&buf, nil)
	assert.Equal(t, "No events found.\n", buf.String())
}
