package session

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// DefaultPattern matches recorded session transcripts.
const DefaultPattern = "session_*.jsonl"

// DiscoverOptions controls which files Discover returns.
type DiscoverOptions struct {
	// Pattern is a filepath.Match pattern applied to the file name with any
	// .gz/.zst suffix removed. Defaults to DefaultPattern.
	Pattern string
	// Recursive descends into subdirectories, skipping hidden ones.
	Recursive bool
}

// Discover returns the session transcripts under root, sorted by path.
// Companion "_raw.jsonl" captures are never returned.
func Discover(root string, opts DiscoverOptions) ([]string, error) {
	pattern := opts.Pattern
	if pattern == "" {
		pattern = DefaultPattern
	}
	if _, err := filepath.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("invalid session pattern %q: %w", pattern, err)
	}

	var files []string
	if !opts.Recursive {
		entries, err := os.ReadDir(root)
		if err != nil {
			return nil, fmt.Errorf("reading session directory: %w", err)
		}
		for _, e := range entries {
			if !e.IsDir() && isSessionFile(e.Name(), pattern) {
				files = append(files, filepath.Join(root, e.Name()))
			}
		}
		return files, nil
	}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if isSessionFile(d.Name(), pattern) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", root, err)
	}
	slices.Sort(files)
	return files, nil
}

func isSessionFile(name, pattern string) bool {
	name = stripCompressionExt(name)
	if strings.HasSuffix(name, "_raw.jsonl") {
		return false
	}
	ok, _ := filepath.Match(pattern, name) //nolint:errcheck // pattern validated by Discover
	return ok
}
