// Package projectconfig provides the ProjectConfig struct and loader for
// .sessmerge.yaml experiment-level configuration files.
package projectconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spboyer/sessmerge/internal/session"
	"gopkg.in/yaml.v3"
)

// FileName is the configuration file looked up from the experiment root.
const FileName = ".sessmerge.yaml"

// Default values for project configuration. New() references them and no
// other code should duplicate them. The discovery pattern default belongs to
// the session package.
const (
	DefaultWorkers     = 4
	DefaultCompression = "none"
)

// DiscoveryConfig controls which files are treated as session transcripts.
type DiscoveryConfig struct {
	Pattern    string `yaml:"pattern,omitempty"`
	Recursive  *bool  `yaml:"recursive,omitempty"`
	SkipMerged *bool  `yaml:"skip_merged,omitempty"`
}

// DefaultsConfig holds default load parameters.
type DefaultsConfig struct {
	Workers int    `yaml:"workers,omitempty"`
	Lane    string `yaml:"lane,omitempty"`
}

// OutputConfig holds where and how the merged transcript is written.
type OutputConfig struct {
	Dir         string `yaml:"dir,omitempty"`
	Compression string `yaml:"compression,omitempty"`
}

// ProjectConfig is the top-level configuration loaded from .sessmerge.yaml.
type ProjectConfig struct {
	Discovery DiscoveryConfig `yaml:"discovery,omitempty"`
	Defaults  DefaultsConfig  `yaml:"defaults,omitempty"`
	Output    OutputConfig    `yaml:"output,omitempty"`
}

// New returns a ProjectConfig with all hard-coded defaults populated.
func New() *ProjectConfig {
	return &ProjectConfig{
		Discovery: DiscoveryConfig{
			Pattern:    session.DefaultPattern,
			Recursive:  boolPtr(false),
			SkipMerged: boolPtr(true),
		},
		Defaults: DefaultsConfig{
			Workers: DefaultWorkers,
		},
		Output: OutputConfig{
			Compression: DefaultCompression,
		},
	}
}

// Load finds .sessmerge.yaml by walking up from startDir (max 10 levels),
// unmarshals it, and fills in missing fields with defaults.
// If no config file is found, returns defaults with a nil error.
// Real I/O errors (e.g. permission denied) are returned to the caller.
func Load(startDir string) (*ProjectConfig, error) {
	cfg := New()

	data, err := findConfigFile(startDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("loading %s: %w", FileName, err)
	}

	var fileCfg ProjectConfig
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", FileName, err)
	}
	if fileCfg.Defaults.Workers < 0 {
		return nil, fmt.Errorf("parsing %s: defaults.workers must not be negative", FileName)
	}

	mergeConfig(cfg, &fileCfg)
	return cfg, nil
}

// findConfigFile walks up from dir looking for .sessmerge.yaml (max 10
// levels). Returns os.ErrNotExist if no config file is found.
func findConfigFile(dir string) ([]byte, error) {
	// Convert to absolute path so filepath.Dir(".") walks correctly.
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving path %q: %w", dir, err)
	}
	dir = absDir

	for i := 0; i < 10; i++ {
		p := filepath.Join(dir, FileName)
		data, err := os.ReadFile(p)
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("reading %q: %w", p, err)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break // reached filesystem root
		}
		dir = parent
	}
	return nil, os.ErrNotExist
}

// mergeConfig overlays non-zero values from src onto dst.
func mergeConfig(dst, src *ProjectConfig) {
	// Discovery
	if src.Discovery.Pattern != "" {
		dst.Discovery.Pattern = src.Discovery.Pattern
	}
	if src.Discovery.Recursive != nil {
		dst.Discovery.Recursive = src.Discovery.Recursive
	}
	if src.Discovery.SkipMerged != nil {
		dst.Discovery.SkipMerged = src.Discovery.SkipMerged
	}

	// Defaults
	if src.Defaults.Workers != 0 {
		dst.Defaults.Workers = src.Defaults.Workers
	}
	if src.Defaults.Lane != "" {
		dst.Defaults.Lane = src.Defaults.Lane
	}

	// Output
	if src.Output.Dir != "" {
		dst.Output.Dir = src.Output.Dir
	}
	if src.Output.Compression != "" {
		dst.Output.Compression = src.Output.Compression
	}
}

func boolPtr(b bool) *bool {
	return &b
}
