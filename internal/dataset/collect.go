package dataset

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/brokensandals/export-manager/internal/fsutil"
	"github.com/brokensandals/export-manager/internal/metrics"
)

// metricErrorValue is recorded for a custom metric whose command failed.
const metricErrorValue = "ERROR"

// CollectMetrics calculates the metrics row for a parcel.
//
// The row always contains parcel_id and success ("Y" when complete data
// exists, else "N"). When the parcel has any data — the incomplete
// location is measured for unsuccessful parcels — files and bytes are
// added, and each configured metrics.<name>.cmd runs with PARCEL_PATH set
// to the resolved data path (extension included, unlike the export
// command's destination prefix). A failing metric command records the
// value "ERROR" and never aborts the sibling metrics.
func (d *Dataset) CollectMetrics(ctx context.Context, parcelID string) (metrics.Row, error) {
	p, err := d.Parcel(parcelID)
	if err != nil {
		return nil, err
	}

	row := metrics.Row{metrics.ColumnParcelID: parcelID}
	path, err := p.FindData()
	if err != nil {
		return nil, err
	}
	if path != "" {
		row["success"] = "Y"
	} else {
		row["success"] = "N"
		path, err = p.FindIncomplete()
		if err != nil {
			return nil, err
		}
	}
	if path == "" {
		return row, nil
	}

	count, err := fsutil.TotalFileCount(path)
	if err != nil {
		return nil, fmt.Errorf("count parcel files: %w", err)
	}
	size, err := fsutil.TotalSizeBytes(path)
	if err != nil {
		return nil, fmt.Errorf("measure parcel size: %w", err)
	}
	row["files"] = strconv.Itoa(count)
	row["bytes"] = strconv.FormatInt(size, 10)

	cfg, err := d.ReadConfig()
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(cfg.Metrics))
	for name := range cfg.Metrics {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		cmd := d.shellCommand(ctx, cfg.Metrics[name].Cmd, path)
		out, err := cmd.Output()
		if err != nil {
			d.logger.Warn("metric command failed",
				"metric", name, "parcel_id", parcelID, "error", err)
			row[name] = metricErrorValue
			continue
		}
		row[name] = strings.TrimSpace(string(out))
	}
	return row, nil
}

// processMetrics collects metrics for each parcel and applies them as one
// table update, without committing.
func (d *Dataset) processMetrics(ctx context.Context, parcelIDs []string) error {
	updates := make(map[string]metrics.Row, len(parcelIDs))
	for _, id := range parcelIDs {
		row, err := d.CollectMetrics(ctx, id)
		if err != nil {
			return err
		}
		updates[id] = row
	}
	return d.Metrics().Update(updates)
}

// ReprocessMetrics recalculates metrics rows for the given parcels,
// rewrites the metrics table, and commits it when commits are enabled.
func (d *Dataset) ReprocessMetrics(ctx context.Context, parcelIDs []string) error {
	if err := d.processMetrics(ctx, parcelIDs); err != nil {
		return err
	}
	cfg, err := d.ReadConfig()
	if err != nil {
		return err
	}
	message := "reprocess metrics for: " + strings.Join(parcelIDs, ", ")
	return d.commit(cfg, message, []string{MetricsFile})
}
