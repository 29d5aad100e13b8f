// Package report summarizes the health of a set of datasets: staleness,
// incomplete or vanished parcels, and metrics gaps.
package report

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fatih/color"

	"github.com/brokensandals/export-manager/internal/dataset"
)

var warningColor = color.New(color.FgYellow)

// Report is a point-in-time health summary. Each category slice holds the
// affected datasets in the order they were given to Build.
type Report struct {
	datasets []*dataset.Dataset

	// HasNoComplete lists datasets without any complete parcel on disk.
	HasNoComplete []*dataset.Dataset
	// Overdue lists datasets due for an export with zero margin.
	Overdue []*dataset.Dataset
	// LastIsIncomplete lists datasets whose newest parcel is incomplete.
	LastIsIncomplete []*dataset.Dataset
	// LastSuccessGone lists datasets whose newest successful parcel per the
	// metrics table no longer has complete data on disk.
	LastSuccessGone []*dataset.Dataset
	// MissingMetrics lists datasets whose last complete parcel has no
	// metrics row or has an ERROR metric value.
	MissingMetrics []*dataset.Dataset

	// LastSuccessID maps each dataset to the id of its newest successful
	// parcel per the metrics table, or "" when there has never been one.
	LastSuccessID map[*dataset.Dataset]string
}

// Build inspects every dataset and assembles the report. Reading a
// dataset's directories or metrics can fail; the first failure aborts the
// whole report.
func Build(datasets []*dataset.Dataset) (*Report, error) {
	r := &Report{
		datasets:      datasets,
		LastSuccessID: make(map[*dataset.Dataset]string),
	}

	for _, d := range datasets {
		parcels, err := d.Parcels()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", d.Name(), err)
		}

		var lastComplete *dataset.Parcel
		for i := len(parcels) - 1; i >= 0; i-- {
			complete, err := parcels[i].IsComplete()
			if err != nil {
				return nil, fmt.Errorf("%s: %w", d.Name(), err)
			}
			if complete {
				lastComplete = parcels[i]
				break
			}
		}
		if lastComplete == nil {
			r.HasNoComplete = append(r.HasNoComplete, d)
		}

		due, err := d.IsDue(0)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", d.Name(), err)
		}
		if due {
			r.Overdue = append(r.Overdue, d)
		}

		if len(parcels) > 0 {
			complete, err := parcels[len(parcels)-1].IsComplete()
			if err != nil {
				return nil, fmt.Errorf("%s: %w", d.Name(), err)
			}
			if !complete {
				r.LastIsIncomplete = append(r.LastIsIncomplete, d)
			}
		}

		rows, err := d.Metrics().Read()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", d.Name(), err)
		}

		if lastComplete != nil {
			row, ok := rows[lastComplete.ID]
			bad := !ok
			for _, v := range row {
				if v == "ERROR" {
					bad = true
					break
				}
			}
			if bad {
				r.MissingMetrics = append(r.MissingMetrics, d)
			}
		}

		successIDs := make([]string, 0, len(rows))
		for id, row := range rows {
			if row["success"] == "Y" {
				successIDs = append(successIDs, id)
			}
		}
		sort.Strings(successIDs)
		if len(successIDs) == 0 {
			r.LastSuccessID[d] = ""
			continue
		}
		newest := successIDs[len(successIDs)-1]
		r.LastSuccessID[d] = newest

		gone := true
		for _, p := range parcels {
			if p.ID != newest {
				continue
			}
			complete, err := p.IsComplete()
			if err != nil {
				return nil, fmt.Errorf("%s: %w", d.Name(), err)
			}
			if complete {
				gone = false
			}
			break
		}
		if gone {
			r.LastSuccessGone = append(r.LastSuccessGone, d)
		}
	}

	return r, nil
}

// HasWarnings reports whether any category is non-empty.
func (r *Report) HasWarnings() bool {
	return len(r.HasNoComplete) > 0 ||
		len(r.Overdue) > 0 ||
		len(r.LastIsIncomplete) > 0 ||
		len(r.LastSuccessGone) > 0 ||
		len(r.MissingMetrics) > 0
}

// Plaintext renders the report for a terminal. Warning lines are
// highlighted when the output supports color.
func (r *Report) Plaintext() string {
	if len(r.datasets) == 0 {
		return "No datasets were specified :/"
	}

	nameWidth := 0
	for _, d := range r.datasets {
		if len(d.Name()) > nameWidth {
			nameWidth = len(d.Name())
		}
	}

	var b strings.Builder
	warn := func(label string, affected []*dataset.Dataset) {
		if len(affected) == 0 {
			return
		}
		names := make([]string, len(affected))
		for i, d := range affected {
			names[i] = d.Name()
		}
		b.WriteString(warningColor.Sprintf("WARNING: %s: %s", label, strings.Join(names, ", ")))
		b.WriteString("\n")
	}

	warn("no complete parcel for", r.HasNoComplete)
	warn("overdue", r.Overdue)
	warn("most recent parcel is incomplete for", r.LastIsIncomplete)
	warn("most recent successful parcel is missing for", r.LastSuccessGone)
	warn("missing metrics in last complete parcel for", r.MissingMetrics)

	if r.HasWarnings() {
		b.WriteString("\n")
	} else {
		b.WriteString("No warnings!\n\n")
	}

	b.WriteString("Newest successes:\n")
	b.WriteString(strings.Repeat("-", nameWidth+2+25))
	b.WriteString("\n")
	for _, d := range r.datasets {
		id := r.LastSuccessID[d]
		if id == "" {
			id = "NONE"
		}
		for _, gone := range r.LastSuccessGone {
			if gone == d {
				id += " (GONE)"
				break
			}
		}
		fmt.Fprintf(&b, "%-*s  %s\n", nameWidth, d.Name(), id)
	}

	return b.String()
}
