// Package agentconfig loads the agent's optional YAML configuration file,
// following the same read-file-then-yaml.Unmarshal shape as the teacher's
// project.yaml loader, generalized from per-project registration data to
// the agent's own startup settings.
package agentconfig

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds settings that can be supplied via -config in addition to, or
// instead of, individual command-line flags. Flags always take precedence
// when both are given; see Merge.
type Config struct {
	// LogPath is where the agent appends its debug log. Empty means no log
	// file is opened.
	LogPath string `yaml:"log"`

	// PollInterval is how often the autopoll ticker fires while armed.
	PollInterval time.Duration `yaml:"poll_interval"`

	// PSPath overrides the `ps` executable used by the process monitor.
	PSPath string `yaml:"ps_path"`
}

// Load reads and parses a YAML config file. A missing path is not an error;
// it returns a zero-value Config so callers can unconditionally merge flags
// on top of it.
func Load(path string) (*Config, error) {
	if path == "" {
		return &Config{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &c, nil
}

// Merge returns a Config with every field of override that was explicitly
// set (non-zero) taking precedence over the corresponding field of base.
func Merge(base, override Config) Config {
	merged := base
	if override.LogPath != "" {
		merged.LogPath = override.LogPath
	}
	if override.PollInterval != 0 {
		merged.PollInterval = override.PollInterval
	}
	if override.PSPath != "" {
		merged.PSPath = override.PSPath
	}
	return merged
}
