package session

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/tidwall/gjson"
)

// SessionFile represents a session log file on disk.
type SessionFile struct {
	Path      string
	Name      string
	Size      int64
	ModTime   time.Time
	NumEvents int
}

// ListSessions finds session transcripts in dir, newest first.
func ListSessions(dir, pattern string) ([]SessionFile, error) {
	paths, err := Discover(dir, DiscoverOptions{Pattern: pattern})
	if err != nil {
		return nil, err
	}

	files := make([]SessionFile, 0, len(paths))
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		n, _ := countLines(path) //nolint:errcheck
		files = append(files, SessionFile{
			Path:      path,
			Name:      filepath.Base(path),
			Size:      info.Size(),
			ModTime:   info.ModTime(),
			NumEvents: n,
		})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].ModTime.After(files[j].ModTime)
	})

	return files, nil
}

func countLines(path string) (int, error) {
	rc, err := openTranscript(path)
	if err != nil {
		return 0, err
	}
	defer rc.Close() //nolint:errcheck
	n := 0
	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		if len(bytes.TrimSpace(scanner.Bytes())) > 0 {
			n++
		}
	}
	return n, scanner.Err()
}

// ReadEvents parses all events from a session transcript, skipping lines
// that are not JSON objects.
func ReadEvents(path string) ([]Event, error) {
	rc, err := openTranscript(path)
	if err != nil {
		return nil, fmt.Errorf("opening session file: %w", err)
	}
	defer rc.Close() //nolint:errcheck

	var events []Event
	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if !gjson.ValidBytes(line) || !gjson.ParseBytes(line).IsObject() {
			continue
		}
		raw := make([]byte, len(line))
		copy(raw, line)
		events = append(events, Event{
			Timestamp: parseTimestamp(gjson.GetBytes(raw, "timestamp")),
			Type:      EventType(gjson.GetBytes(raw, "type").String()),
			SessionID: gjson.GetBytes(raw, "origin_session_id").String(),
			Raw:       raw,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading session file: %w", err)
	}
	return events, nil
}

// RenderTimeline writes a human-readable session timeline to w.
//
//nolint:errcheck // display-only writes; errors are not actionable
func RenderTimeline(w io.Writer, events []Event) {
	if len(events) == 0 {
		fmt.Fprintln(w, "No events found.")
		return
	}

	fmt.Fprintln(w, "═══════════════════════════════════════════════════════")
	fmt.Fprintln(w, " SESSION TIMELINE")
	fmt.Fprintln(w, "═══════════════════════════════════════════════════════")
	fmt.Fprintln(w)

	start := earliest(events)
	for _, ev := range events {
		ts := "     --"
		if !ev.Timestamp.IsZero() {
			ts = formatDuration(ev.Timestamp.Sub(start))
		}
		origin := ""
		if ev.SessionID != "" {
			origin = " " + runewidth.Truncate(ev.SessionID, 12, "…")
		}

		switch ev.Type {
		case EventSessionStart:
			id := gjson.GetBytes(ev.Raw, "session_id").String()
			if gjson.GetBytes(ev.Raw, "merged").Bool() {
				n := len(gjson.GetBytes(ev.Raw, "contributing_sessions").Array())
				var lanes []string
				for _, l := range gjson.GetBytes(ev.Raw, "model_lanes").Array() {
					lanes = append(lanes, l.String())
				}
				fmt.Fprintf(w, "[%s] 🔀 Merged session %s  sessions=%d  lanes=%s\n", ts, id, n, strings.Join(lanes, ","))
			} else {
				model := gjson.GetManyBytes(ev.Raw, "model_lane", "model")
				lane := model[0].String()
				if lane == "" {
					lane = model[1].String()
				}
				fmt.Fprintf(w, "[%s] 🚀 Session started %s  model=%s\n", ts, id, lane)
			}

		case EventUser:
			fmt.Fprintf(w, "[%s]%s 👤 %s\n", ts, origin, preview(ev.Raw))

		case EventAssistant, EventAssistantThinking:
			icon := "🤖"
			if ev.Type == EventAssistantThinking {
				icon = "💭"
			}
			fmt.Fprintf(w, "[%s]%s %s %s\n", ts, origin, icon, preview(ev.Raw))

		case EventToolUse, EventToolResult:
			tool := gjson.GetBytes(ev.Raw, "tool_name").String()
			fmt.Fprintf(w, "[%s]%s 🔧 %s %s\n", ts, origin, ev.Type, tool)

		case EventError:
			fmt.Fprintf(w, "[%s]%s ❌ Error: %s\n", ts, origin, gjson.GetBytes(ev.Raw, "message").String())

		case EventSessionSummary:
			sd := gjson.GetBytes(ev.Raw, "summary_data")
			fmt.Fprintf(w, "[%s] 📊 Summary  messages=%s  input_tokens=%s  output_tokens=%s  tool_calls=%s\n", ts,
				numOrZero(sd.Get("total_messages")),
				numOrZero(sd.Get("usage_totals.total_input_tokens")),
				numOrZero(sd.Get("usage_totals.total_output_tokens")),
				numOrZero(sd.Get("tool_calls")))

		case EventSessionEnd:
			fmt.Fprintf(w, "[%s] 🏁 Session complete\n", ts)

		default:
			fmt.Fprintf(w, "[%s]%s %s\n", ts, origin, ev.Type)
		}
	}
	fmt.Fprintln(w)
}

// preview returns a single-line, width-bounded excerpt of an event's text.
func preview(raw []byte) string {
	for _, path := range []string{"content", "text", "message.content", "data.content"} {
		if v := gjson.GetBytes(raw, path); v.Type == gjson.String {
			return runewidth.Truncate(singleLine(v.String()), 80, "…")
		}
	}
	return ""
}

func singleLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func numOrZero(v gjson.Result) string {
	if !v.Exists() {
		return "0"
	}
	return v.Raw
}

// earliest returns the first non-zero timestamp in chronological order. A
// merged transcript opens with an envelope stamped at merge time, which is
// later than the entries it frames.
func earliest(events []Event) time.Time {
	var min time.Time
	for _, ev := range events {
		if ev.Timestamp.IsZero() {
			continue
		}
		if min.IsZero() || ev.Timestamp.Before(min) {
			min = ev.Timestamp
		}
	}
	return min
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%6dms", d.Milliseconds())
	}
	return fmt.Sprintf("%6.1fs", d.Seconds())
}
