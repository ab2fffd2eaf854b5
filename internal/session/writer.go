package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spboyer/sessmerge/internal/models"
	"github.com/tidwall/sjson"
)

// FileSink writes merged sessions as JSONL transcripts into Dir.
type FileSink struct {
	Dir         string
	Compression Compression

	// Now stamps the envelope lines. Defaults to time.Now.
	Now func() time.Time
}

// OutputName returns the file name used for a merged session.
func OutputName(sessionID string, c Compression) string {
	return fmt.Sprintf("session_%s.jsonl%s", sessionID, c.Ext())
}

// Write stores m and returns the path of the new file. The file appears
// atomically: a failed write leaves nothing behind.
func (s *FileSink) Write(ctx context.Context, m *models.MergedSession) (path string, err error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(s.Dir, 0755); err != nil {
		return "", fmt.Errorf("creating output directory: %w", err)
	}

	tmp, err := os.CreateTemp(s.Dir, ".session-merge-*.tmp")
	if err != nil {
		return "", fmt.Errorf("creating output file: %w", err)
	}
	var zw io.WriteCloser
	defer func() {
		if err != nil {
			if zw != nil {
				zw.Close() //nolint:errcheck
			}
			tmp.Close()           //nolint:errcheck
			os.Remove(tmp.Name()) //nolint:errcheck
		}
	}()

	zw, err = compressWriter(tmp, s.Compression)
	if err != nil {
		return "", err
	}
	bw := bufio.NewWriter(zw)

	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	if err := Encode(bw, m, now()); err != nil {
		return "", err
	}
	if err := bw.Flush(); err != nil {
		return "", fmt.Errorf("writing merged session: %w", err)
	}
	closeErr := zw.Close()
	zw = nil
	if closeErr != nil {
		return "", fmt.Errorf("finishing %s stream: %w", s.Compression, closeErr)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("closing output file: %w", err)
	}

	path = filepath.Join(s.Dir, OutputName(m.SessionID, s.Compression))
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("renaming output file: %w", err)
	}
	return path, nil
}

// Encode writes m as JSONL: a session_start envelope, every entry, the
// aggregated session_summary and a session_end line. Entries keep their
// payload; session_id is rewritten to the merged ID and origin_session_id
// records where the entry came from.
func Encode(w io.Writer, m *models.MergedSession, at time.Time) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)

	if err := enc.Encode(MergedStartData(m, at)); err != nil {
		return fmt.Errorf("writing session_start: %w", err)
	}
	for i := range m.Entries {
		line, err := stampEntry(&m.Entries[i], m.SessionID)
		if err != nil {
			return fmt.Errorf("entry %d of session %q: %w", m.Entries[i].Sequence, m.Entries[i].OriginSessionID, err)
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("writing entry: %w", err)
		}
	}
	if err := enc.Encode(SummaryData(m, at)); err != nil {
		return fmt.Errorf("writing session_summary: %w", err)
	}
	if err := enc.Encode(SessionEndData(m, at)); err != nil {
		return fmt.Errorf("writing session_end: %w", err)
	}
	return nil
}

func stampEntry(e *models.Entry, mergedID string) ([]byte, error) {
	line := []byte(e.Payload)
	var err error
	if len(line) == 0 {
		line = []byte(`{}`)
		if line, err = sjson.SetBytes(line, "type", e.Type); err != nil {
			return nil, err
		}
		if line, err = sjson.SetBytes(line, "timestamp", e.Timestamp.UTC().Format(time.RFC3339Nano)); err != nil {
			return nil, err
		}
	}
	if line, err = sjson.SetBytes(line, "session_id", mergedID); err != nil {
		return nil, err
	}
	return sjson.SetBytes(line, "origin_session_id", e.OriginSessionID)
}
