// Package dataset implements the dataset/parcel lifecycle: directory
// layout, export execution, ingestion, metrics collection, due-scheduling,
// and retention cleanup.
//
// A dataset is a directory tracking one data source's recurring snapshots
// ("parcels"). All state lives on the filesystem; a Dataset value holds
// only the paths it derives everything else from.
//
// The design assumes a single caller invokes operations sequentially
// against a given dataset directory. Concurrent invocations can race on
// directory creation, the metrics file, and the commit history; guarding
// against that is explicitly out of scope.
package dataset

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/brokensandals/export-manager/internal/interval"
	"github.com/brokensandals/export-manager/internal/log"
	"github.com/brokensandals/export-manager/internal/metrics"
	"github.com/brokensandals/export-manager/internal/vcs"
)

// Well-known names inside a dataset directory.
const (
	ConfigFile    = "config.yaml"
	MetricsFile   = "metrics.csv"
	DataDir       = "data"
	IncompleteDir = "incomplete"
	LogDir        = "log"
	gitignoreFile = ".gitignore"
)

// DefaultMargin is subtracted from the configured interval when deciding
// whether an export is due, so schedulers with coarse tick granularity
// (a daily cron against "1 day" intervals) don't skip a cycle.
const DefaultMargin = 5 * time.Minute

// initialMetricsCSV is the header a new dataset's metrics table starts with.
const initialMetricsCSV = "parcel_id,success,files,bytes\n"

const defaultGitignore = `.DS_Store
incomplete/
log/
/secrets*
`

// Dataset accesses a dataset stored in a given directory. All information
// is retrieved from the filesystem upon request; nothing is cached.
type Dataset struct {
	// Path is the dataset's root directory.
	Path string

	ConfigPath     string
	MetricsPath    string
	DataPath       string
	IncompletePath string
	LogPath        string

	sink    vcs.Sink
	now     func() time.Time
	listDir func(string) ([]os.DirEntry, error)
	logger  *slog.Logger
}

// New returns a Dataset rooted at path. The path does not need to exist;
// Initialize sets up a new dataset in place.
func New(path string) *Dataset {
	return &Dataset{
		Path:           path,
		ConfigPath:     filepath.Join(path, ConfigFile),
		MetricsPath:    filepath.Join(path, MetricsFile),
		DataPath:       filepath.Join(path, DataDir),
		IncompletePath: filepath.Join(path, IncompleteDir),
		LogPath:        filepath.Join(path, LogDir),
		sink:           vcs.NewGit(path),
		now:            time.Now,
		listDir:        os.ReadDir,
		logger:         log.WithDataset(path),
	}
}

// Name returns the dataset's directory name.
func (d *Dataset) Name() string {
	return filepath.Base(d.Path)
}

// Valid reports whether the directory holds a dataset, which is the case
// exactly when its config file exists.
func (d *Dataset) Valid() bool {
	info, err := os.Stat(d.ConfigPath)
	return err == nil && !info.IsDir()
}

// Metrics returns the dataset's metrics table.
func (d *Dataset) Metrics() *metrics.Table {
	return metrics.NewTable(d.MetricsPath)
}

// Initialize ensures the dataset directory, its subdirectories, a default
// config, and an empty metrics table exist. Only missing pieces are
// created, so it is safe to call on an existing dataset; an existing
// config is never overwritten.
//
// With enableCommit, a version-control root and a default ignore file are
// also set up, and the config, ignore, and metrics files are committed.
func (d *Dataset) Initialize(ctx context.Context, enableCommit bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	for _, dir := range []string{d.Path, d.DataPath, d.IncompletePath, d.LogPath} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create dataset directory: %w", err)
		}
	}

	if _, err := os.Stat(d.ConfigPath); os.IsNotExist(err) {
		content := defaultConfigYAML
		if enableCommit {
			content += "git: true\n"
		}
		if err := os.WriteFile(d.ConfigPath, []byte(content), 0o644); err != nil {
			return fmt.Errorf("write default config: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("stat dataset config: %w", err)
	}

	if _, err := os.Stat(d.MetricsPath); os.IsNotExist(err) {
		if err := os.WriteFile(d.MetricsPath, []byte(initialMetricsCSV), 0o644); err != nil {
			return fmt.Errorf("write initial metrics table: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("stat metrics table: %w", err)
	}

	if !enableCommit {
		return nil
	}

	if err := d.sink.Init(); err != nil {
		return err
	}
	gitignorePath := filepath.Join(d.Path, gitignoreFile)
	if _, err := os.Stat(gitignorePath); os.IsNotExist(err) {
		if err := os.WriteFile(gitignorePath, []byte(defaultGitignore), 0o644); err != nil {
			return fmt.Errorf("write gitignore: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("stat gitignore: %w", err)
	}
	if err := d.sink.Stage([]string{gitignoreFile, ConfigFile, MetricsFile}); err != nil {
		return err
	}
	return d.sink.Commit("initialize")
}

// Parcel returns an accessor for the given parcel id. The id must be
// well-formed, but the parcel does not need to exist.
func (d *Dataset) Parcel(id string) (*Parcel, error) {
	ts, err := ParseParcelID(id)
	if err != nil {
		return nil, err
	}
	return &Parcel{ds: d, ID: id, Time: ts}, nil
}

// FindParcelIDs returns the ids of extant parcels in ascending order.
// Only parcels with data (complete or incomplete) or logs count, not
// historical parcels recorded solely in the metrics table.
func (d *Dataset) FindParcelIDs() ([]string, error) {
	seen := make(map[string]bool)
	for _, dir := range []string{d.DataPath, d.IncompletePath, d.LogPath} {
		entries, err := d.listDir(dir)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", dir, err)
		}
		for _, entry := range entries {
			id := parcelStem(entry.Name())
			if parcelIDPattern.MatchString(id) {
				seen[id] = true
			}
		}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Parcels returns accessors for all extant parcels in ascending id order.
func (d *Dataset) Parcels() ([]*Parcel, error) {
	ids, err := d.FindParcelIDs()
	if err != nil {
		return nil, err
	}
	parcels := make([]*Parcel, 0, len(ids))
	for _, id := range ids {
		p, err := d.Parcel(id)
		if err != nil {
			return nil, err
		}
		parcels = append(parcels, p)
	}
	return parcels, nil
}

// IsDue reports whether the dataset's schedule demands a new parcel.
//
// margin is subtracted from the configured interval, making the dataset
// due slightly sooner than the interval alone would; DefaultMargin is the
// usual choice. Without a configured interval this is always false; with
// an interval and no extant parcels it is always true.
func (d *Dataset) IsDue(margin time.Duration) (bool, error) {
	cfg, err := d.ReadConfig()
	if err != nil {
		return false, err
	}
	if cfg.Interval == "" {
		return false, nil
	}
	every, err := interval.Parse(cfg.Interval)
	if err != nil {
		return false, fmt.Errorf("interval for %s: %w", d.Path, err)
	}

	ids, err := d.FindParcelIDs()
	if err != nil {
		return false, err
	}
	if len(ids) == 0 {
		return true, nil
	}

	// The lexicographic maximum is the chronological maximum because of
	// the parcel id format.
	last, err := ParseParcelID(ids[len(ids)-1])
	if err != nil {
		return false, err
	}
	return d.now().Sub(last) >= every-margin, nil
}

// findParcelPath returns the single entry in dir whose name begins with
// id, or "" when there is none. More than one match means the dataset
// directory is corrupt.
func (d *Dataset) findParcelPath(dir, id string) (string, error) {
	entries, err := d.listDir(dir)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("list %s: %w", dir, err)
	}

	var matches []string
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), id) {
			matches = append(matches, entry.Name())
		}
	}
	if len(matches) == 0 {
		return "", nil
	}
	if len(matches) > 1 {
		sort.Strings(matches)
		return "", &AmbiguousParcelError{ID: id, Dir: dir, Matches: matches}
	}
	return filepath.Join(dir, matches[0]), nil
}

// commit stages paths and commits them as one unit when the config enables
// commits; otherwise the whole thing is a no-op.
func (d *Dataset) commit(cfg *Config, message string, paths []string) error {
	sink := d.sink
	if !cfg.Git {
		sink = vcs.Noop{}
	}
	if err := sink.Stage(paths); err != nil {
		return err
	}
	return sink.Commit(message)
}
