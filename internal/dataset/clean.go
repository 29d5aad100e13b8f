package dataset

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Clean prunes old parcels per the configured retention count and commits
// the removals. Without a keep setting this is a no-op.
func (d *Dataset) Clean(ctx context.Context) error {
	cfg, err := d.ReadConfig()
	if err != nil {
		return err
	}
	removed, err := d.clean(ctx, cfg)
	if err != nil {
		return err
	}
	if len(removed) == 0 {
		return nil
	}

	paths := make([]string, 0, len(removed))
	for _, p := range removed {
		rel, err := filepath.Rel(d.Path, p)
		if err != nil {
			return fmt.Errorf("relativize %s: %w", p, err)
		}
		paths = append(paths, rel)
	}
	return d.commit(cfg, "clean", paths)
}

// clean removes everything but the keep newest parcels and returns the
// complete-data paths that were deleted. Parcels are ranked purely by id;
// an incomplete parcel in the keep window still counts against the quota.
// Metrics rows are never deleted, so removed parcels stay in the history.
//
// TODO: ranking by id alone means a run of failed exports can age every
// complete parcel out of the keep window; consider always retaining the
// newest complete parcel.
func (d *Dataset) clean(ctx context.Context, cfg *Config) ([]string, error) {
	if cfg.Keep <= 0 {
		return nil, nil
	}

	parcels, err := d.Parcels()
	if err != nil {
		return nil, err
	}
	if len(parcels) <= cfg.Keep {
		return nil, nil
	}

	var removed []string
	for _, p := range parcels[:len(parcels)-cfg.Keep] {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		d.logger.Info("removing old parcel", "parcel_id", p.ID)

		for _, logPath := range []string{p.FindStdout(), p.FindStderr()} {
			if logPath == "" {
				continue
			}
			if err := os.Remove(logPath); err != nil {
				return removed, fmt.Errorf("remove parcel log: %w", err)
			}
		}

		incomplete, err := p.FindIncomplete()
		if err != nil {
			return removed, err
		}
		if incomplete != "" {
			if err := os.RemoveAll(incomplete); err != nil {
				return removed, fmt.Errorf("remove incomplete parcel data: %w", err)
			}
		}

		data, err := p.FindData()
		if err != nil {
			return removed, err
		}
		if data != "" {
			if err := os.RemoveAll(data); err != nil {
				return removed, fmt.Errorf("remove parcel data: %w", err)
			}
			removed = append(removed, data)
		}
	}
	return removed, nil
}
