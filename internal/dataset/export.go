package dataset

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
)

// Environment variables exposed to export and metric commands.
const (
	envParcelPath  = "PARCEL_PATH"
	envDatasetPath = "DATASET_PATH"
)

// shellCommand builds a blocking /bin/sh invocation of command with
// PARCEL_PATH and DATASET_PATH exported on top of the inherited
// environment. There is deliberately no timeout: a hung command hangs the
// operation, and retries are the caller's responsibility.
func (d *Dataset) shellCommand(ctx context.Context, command, parcelPath string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Dir = d.Path
	cmd.Env = append(os.Environ(),
		envParcelPath+"="+parcelPath,
		envDatasetPath+"="+d.Path,
	)
	return cmd
}

// RunExport runs the dataset's export command to produce the given parcel,
// without updating metrics or committing.
//
// Returns the parcel id, or "" when no export command is configured (in
// which case nothing is created). The id must not already be in use.
//
// The command receives PARCEL_PATH, a destination prefix inside the
// incomplete directory with no extension; it may append an extension or
// mkdir the prefix and fill it. Stdout and stderr are captured to the
// parcel's log files. On success the single produced file or directory is
// renamed into the data directory; on failure it stays in incomplete and
// the logs remain for diagnosis.
func (d *Dataset) RunExport(ctx context.Context, parcelID string) (string, error) {
	p, err := d.Parcel(parcelID)
	if err != nil {
		return "", err
	}
	known, err := p.IsKnown()
	if err != nil {
		return "", err
	}
	if known {
		return "", &ParcelExistsError{ID: parcelID}
	}

	cfg, err := d.ReadConfig()
	if err != nil {
		return "", err
	}
	if cfg.Cmd == "" {
		return "", nil
	}

	for _, dir := range []string{d.IncompletePath, d.LogPath} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create %s: %w", dir, err)
		}
	}

	dest := filepath.Join(d.IncompletePath, parcelID)
	outFile, err := os.Create(filepath.Join(d.LogPath, parcelID+".out"))
	if err != nil {
		return "", fmt.Errorf("create stdout log: %w", err)
	}
	defer outFile.Close()
	errFile, err := os.Create(filepath.Join(d.LogPath, parcelID+".err"))
	if err != nil {
		return "", fmt.Errorf("create stderr log: %w", err)
	}
	defer errFile.Close()

	cmd := d.shellCommand(ctx, cfg.Cmd, dest)
	cmd.Stdout = outFile
	cmd.Stderr = errFile

	d.logger.Info("running export", "parcel_id", parcelID)
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("export command for %s: %w", parcelID, err)
	}

	produced, err := d.findParcelPath(d.IncompletePath, parcelID)
	if err != nil {
		return "", err
	}
	if produced == "" {
		return "", fmt.Errorf("export did not produce data in %s", dest)
	}

	if err := os.MkdirAll(d.DataPath, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", d.DataPath, err)
	}
	target := filepath.Join(d.DataPath, filepath.Base(produced))
	if err := os.Rename(produced, target); err != nil {
		return "", fmt.Errorf("promote parcel data: %w", err)
	}
	return parcelID, nil
}

// PerformExport runs the export, updates metrics, and commits the metrics
// and data files. Incomplete data files are never committed.
//
// An empty parcelID means "use the current time". Returns the parcel id
// used, or "" when no export command is configured.
func (d *Dataset) PerformExport(ctx context.Context, parcelID string) (string, error) {
	if parcelID == "" {
		parcelID = NewParcelID(d.now())
	}
	id, err := d.RunExport(ctx, parcelID)
	if err != nil {
		return "", err
	}

	var paths []string
	if id != "" {
		if err := d.processMetrics(ctx, []string{id}); err != nil {
			return id, err
		}
		paths = append(paths, MetricsFile)
		dataPath, err := d.relativeDataPath(id)
		if err != nil {
			return id, err
		}
		if dataPath != "" {
			paths = append(paths, dataPath)
		}
	}

	cfg, err := d.ReadConfig()
	if err != nil {
		return id, err
	}
	if err := d.commit(cfg, "add new export "+parcelID, paths); err != nil {
		return id, err
	}
	return id, nil
}

// IngestPath moves the file or directory at src into the dataset as the
// complete data of parcelID, keeping src's extension. It does not update
// metrics or commit; callers compose those steps.
func (d *Dataset) IngestPath(ctx context.Context, src, parcelID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := d.Parcel(parcelID)
	if err != nil {
		return err
	}
	known, err := p.IsKnown()
	if err != nil {
		return err
	}
	if known {
		return &ParcelExistsError{ID: parcelID}
	}

	if err := os.MkdirAll(d.DataPath, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", d.DataPath, err)
	}
	target := filepath.Join(d.DataPath, parcelID+filepath.Ext(src))
	if err := os.Rename(src, target); err != nil {
		return fmt.Errorf("ingest %s: %w", src, err)
	}
	return nil
}

// Ingest moves src into the dataset as a complete parcel, updates its
// metrics, and commits the data and metrics files. An empty parcelID means
// "use the current time".
func (d *Dataset) Ingest(ctx context.Context, src, parcelID string) error {
	if parcelID == "" {
		parcelID = NewParcelID(d.now())
	}
	if err := d.IngestPath(ctx, src, parcelID); err != nil {
		return err
	}
	if err := d.ReprocessMetrics(ctx, []string{parcelID}); err != nil {
		return err
	}

	cfg, err := d.ReadConfig()
	if err != nil {
		return err
	}
	paths := []string{MetricsFile}
	dataPath, err := d.relativeDataPath(parcelID)
	if err != nil {
		return err
	}
	if dataPath != "" {
		paths = append(paths, dataPath)
	}
	message := fmt.Sprintf("ingest %s as %s", src, parcelID)
	return d.commit(cfg, message, paths)
}

// AutoIngest ingests every file matching the configured ingest.paths
// globs, without updating metrics or committing. Absolute and
// home-relative globs are resolved against the filesystem; relative globs
// against the dataset root. Parcel ids come from the file's modification
// time or the current time per ingest.time_source ("now" by default).
//
// Returns a map of newly created parcel ids to their original paths. A
// missing ingest.paths configuration makes this a no-op.
func (d *Dataset) AutoIngest(ctx context.Context) (map[string]string, error) {
	cfg, err := d.ReadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Ingest == nil || len(cfg.Ingest.Paths) == 0 {
		return map[string]string{}, nil
	}

	timeSource := cfg.Ingest.TimeSource
	if timeSource == "" {
		timeSource = TimeSourceNow
	}
	if timeSource != TimeSourceNow && timeSource != TimeSourceMtime {
		return nil, fmt.Errorf("invalid ingest.time_source %q (expected %q or %q)",
			timeSource, TimeSourceMtime, TimeSourceNow)
	}

	var found []string
	for _, pattern := range cfg.Ingest.Paths {
		resolved := pattern
		if strings.HasPrefix(pattern, "~") {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("resolve home for ingest glob %q: %w", pattern, err)
			}
			resolved = filepath.Join(home, strings.TrimPrefix(pattern, "~"))
		} else if !filepath.IsAbs(pattern) {
			resolved = filepath.Join(d.Path, pattern)
		}
		matches, err := filepath.Glob(resolved)
		if err != nil {
			return nil, fmt.Errorf("ingest glob %q: %w", pattern, err)
		}
		found = append(found, matches...)
	}
	sort.Strings(found)

	ingested := make(map[string]string)
	for _, src := range found {
		var id string
		switch timeSource {
		case TimeSourceMtime:
			info, err := os.Stat(src)
			if err != nil {
				return ingested, fmt.Errorf("stat ingest source %s: %w", src, err)
			}
			id = NewParcelID(info.ModTime())
		case TimeSourceNow:
			id = NewParcelID(d.now())
		}
		if err := d.IngestPath(ctx, src, id); err != nil {
			return ingested, err
		}
		d.logger.Info("ingested file", "parcel_id", id, "source", src)
		ingested[id] = src
	}
	return ingested, nil
}

// Process runs ingestion, an export when one is due, metrics for every new
// parcel, and retention cleanup, then commits the metrics file and all new
// data artifacts as one unit.
//
// Export and metrics failures are captured and returned rather than
// raised, so cleanup and the commit still happen; configuration and
// metrics-table errors abort processing. Re-invoking Process is safe: the
// export is guarded by the parcel-exists check, though an earlier failed
// export's incomplete artifact is never retried under the same id.
func (d *Dataset) Process(ctx context.Context) (parcelIDs []string, captured []error, err error) {
	ingested, err := d.AutoIngest(ctx)
	if err != nil {
		return nil, nil, err
	}
	for id := range ingested {
		parcelIDs = append(parcelIDs, id)
	}
	sort.Strings(parcelIDs)

	due, err := d.IsDue(DefaultMargin)
	if err != nil {
		return parcelIDs, captured, err
	}
	if due {
		exportID := NewParcelID(d.now())
		parcelIDs = append(parcelIDs, exportID)
		if _, err := d.RunExport(ctx, exportID); err != nil {
			d.logger.Error("export failed", "parcel_id", exportID, "error", err)
			captured = append(captured, err)
		}
	}

	if err := d.processMetrics(ctx, parcelIDs); err != nil {
		d.logger.Error("metrics update failed", "error", err)
		captured = append(captured, err)
	}

	if err := d.Clean(ctx); err != nil {
		return parcelIDs, captured, err
	}

	cfg, err := d.ReadConfig()
	if err != nil {
		return parcelIDs, captured, err
	}

	var message strings.Builder
	message.WriteString("process new parcels: " + strings.Join(parcelIDs, ", "))
	ingestedIDs := make([]string, 0, len(ingested))
	for id := range ingested {
		ingestedIDs = append(ingestedIDs, id)
	}
	sort.Strings(ingestedIDs)
	for _, id := range ingestedIDs {
		fmt.Fprintf(&message, "\n%s was ingested from %s", id, ingested[id])
	}

	paths := []string{MetricsFile}
	for _, id := range parcelIDs {
		dataPath, err := d.relativeDataPath(id)
		if err != nil {
			return parcelIDs, captured, err
		}
		if dataPath != "" {
			paths = append(paths, dataPath)
		}
	}
	if err := d.commit(cfg, message.String(), paths); err != nil {
		return parcelIDs, captured, err
	}
	return parcelIDs, captured, nil
}

// relativeDataPath returns the parcel's complete-data path relative to the
// dataset root, or "" when the parcel has no complete data.
func (d *Dataset) relativeDataPath(parcelID string) (string, error) {
	p, err := d.Parcel(parcelID)
	if err != nil {
		return "", err
	}
	dataPath, err := p.FindData()
	if err != nil {
		return "", err
	}
	if dataPath == "" {
		return "", nil
	}
	rel, err := filepath.Rel(d.Path, dataPath)
	if err != nil {
		return "", fmt.Errorf("relativize %s: %w", dataPath, err)
	}
	return rel, nil
}
