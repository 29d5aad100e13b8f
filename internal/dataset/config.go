package dataset

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Valid values for ingest.time_source.
const (
	TimeSourceMtime = "mtime"
	TimeSourceNow   = "now"
)

// defaultConfigYAML is the starting config for a new dataset: commented-out
// examples of the most common settings.
const defaultConfigYAML = `# cmd: "echo example > $PARCEL_PATH.txt"
# keep: 5
# interval: "1 day"
`

// Config is a dataset's configuration, read from config.yaml.
type Config struct {
	// Cmd is the shell command that produces a new parcel.
	Cmd string `yaml:"cmd,omitempty"`
	// Keep is the retention count; zero or negative disables pruning.
	Keep int `yaml:"keep,omitempty"`
	// Interval is a human-friendly duration string driving due-scheduling.
	Interval string `yaml:"interval,omitempty"`
	// Git enables commits of dataset changes.
	Git bool `yaml:"git,omitempty"`

	Ingest  *IngestConfig         `yaml:"ingest,omitempty"`
	Metrics map[string]MetricConf `yaml:"metrics,omitempty"`
}

// IngestConfig controls automatic ingestion of pre-existing files.
type IngestConfig struct {
	Paths      PathList `yaml:"paths,omitempty"`
	TimeSource string   `yaml:"time_source,omitempty"`
}

// MetricConf is one custom metric: a shell command whose trimmed stdout
// becomes the metric value.
type MetricConf struct {
	Cmd string `yaml:"cmd"`
}

// PathList accepts either a single string or a sequence of strings.
type PathList []string

func (p *PathList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var s string
		if err := value.Decode(&s); err != nil {
			return err
		}
		*p = PathList{s}
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := value.Decode(&items); err != nil {
			return err
		}
		*p = PathList(items)
		return nil
	default:
		return fmt.Errorf("ingest.paths must be a string or a list of strings")
	}
}

// ReadConfig parses the dataset's config file. When a checksum manifest is
// present the file is verified against it first.
func (d *Dataset) ReadConfig() (*Config, error) {
	info, err := os.Stat(d.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("dataset config: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("dataset config %s is not a file", d.ConfigPath)
	}

	if err := d.verifyConfigHash(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(d.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("read dataset config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", d.ConfigPath, err)
	}
	return &cfg, nil
}

// WriteConfig saves cfg as the dataset's config file.
func (d *Dataset) WriteConfig(cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal dataset config: %w", err)
	}
	if err := os.WriteFile(d.ConfigPath, data, 0o644); err != nil {
		return fmt.Errorf("write dataset config: %w", err)
	}
	return nil
}
