package dataset

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"

	"github.com/brokensandals/export-manager/internal/interval"
)

// checksumsFile lives next to config.yaml and pins its BLAKE3 hash, so an
// operator can detect out-of-band edits to a locked dataset config.
const checksumsFile = ".checksums"

// ChecksumManifest is the on-disk format of the checksums file.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

func hashFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// LockConfig records the current config file's hash in the checksums
// manifest. Subsequent config reads fail if the file changes without a
// fresh LockConfig.
func (d *Dataset) LockConfig() error {
	hash, err := hashFile(d.ConfigPath)
	if err != nil {
		return err
	}
	manifest := ChecksumManifest{
		Version:     1,
		GeneratedAt: d.now().UTC().Format(time.RFC3339),
		Hashes:      map[string]string{ConfigFile: hash},
	}
	data, err := yaml.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("marshal checksums: %w", err)
	}
	// Restrictive permissions: the manifest holds the expected hashes.
	path := filepath.Join(d.Path, checksumsFile)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write checksums: %w", err)
	}
	return nil
}

// verifyConfigHash checks the config file against the checksums manifest.
// A dataset without a manifest is unlocked, which is fine.
func (d *Dataset) verifyConfigHash() error {
	path := filepath.Join(d.Path, checksumsFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read checksums: %w", err)
	}

	var manifest ChecksumManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return fmt.Errorf("parse checksums: %w", err)
	}
	if manifest.Version != 1 {
		return fmt.Errorf("unsupported checksums version: %d", manifest.Version)
	}
	expected, ok := manifest.Hashes[ConfigFile]
	if !ok {
		return fmt.Errorf("checksums manifest has no hash for %s", ConfigFile)
	}

	actual, err := hashFile(d.ConfigPath)
	if err != nil {
		return err
	}
	if actual != expected {
		return fmt.Errorf("%s does not match its locked checksum; re-lock the config if the edit was intentional", ConfigFile)
	}
	return nil
}

// CheckConfig parses and validates the dataset's config, returning every
// problem found rather than stopping at the first.
func (d *Dataset) CheckConfig() []error {
	cfg, err := d.ReadConfig()
	if err != nil {
		return []error{err}
	}

	var problems []error
	if cfg.Interval != "" {
		if _, err := interval.Parse(cfg.Interval); err != nil {
			problems = append(problems, fmt.Errorf("interval: %w", err))
		}
	}
	if cfg.Keep < 0 {
		problems = append(problems, fmt.Errorf("keep must not be negative, got %d", cfg.Keep))
	}
	if cfg.Ingest != nil {
		switch cfg.Ingest.TimeSource {
		case "", TimeSourceMtime, TimeSourceNow:
		default:
			problems = append(problems, fmt.Errorf("ingest.time_source must be %q or %q, got %q",
				TimeSourceMtime, TimeSourceNow, cfg.Ingest.TimeSource))
		}
	}
	for name, m := range cfg.Metrics {
		if m.Cmd == "" {
			problems = append(problems, fmt.Errorf("metrics.%s.cmd must not be empty", name))
		}
	}
	return problems
}
