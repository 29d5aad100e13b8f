package dataset

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// parcelIDLayout renders a UTC timestamp at second precision with no
// separators in the time portion. The format sorts lexicographically in
// chronological order, which the scheduler and retention logic rely on.
const parcelIDLayout = "2006-01-02T150405Z"

var parcelIDPattern = regexp.MustCompile(`\A\d{4}-\d{2}-\d{2}T\d{6}Z\z`)

// NewParcelID returns the parcel id for the given time.
func NewParcelID(t time.Time) string {
	return t.UTC().Format(parcelIDLayout)
}

// ParseParcelID returns the UTC timestamp a parcel id encodes, or a
// ParcelIDFormatError if the id is malformed.
func ParseParcelID(id string) (time.Time, error) {
	if !parcelIDPattern.MatchString(id) {
		return time.Time{}, &ParcelIDFormatError{ID: id}
	}
	t, err := time.Parse(parcelIDLayout, id)
	if err != nil {
		return time.Time{}, &ParcelIDFormatError{ID: id}
	}
	return t, nil
}

// Parcel accesses one snapshot's artifacts within a dataset.
//
// Nothing about the parcel is held in memory beyond its id; every lookup
// queries the dataset's directories, so a Parcel can refer to a snapshot
// that does not exist yet.
type Parcel struct {
	ds *Dataset

	// ID is the parcel identifier.
	ID string
	// Time is the timestamp the id encodes.
	Time time.Time
}

// FindData returns the path to the parcel's complete data, or "" if there
// is none. Complete data means the export process finished without errors.
func (p *Parcel) FindData() (string, error) {
	return p.ds.findParcelPath(p.ds.DataPath, p.ID)
}

// FindIncomplete returns the path to the parcel's incomplete data, or "".
// Incomplete data may come from an interrupted or failed export and should
// be regarded with suspicion.
func (p *Parcel) FindIncomplete() (string, error) {
	return p.ds.findParcelPath(p.ds.IncompletePath, p.ID)
}

// IsComplete reports whether complete data exists for this parcel.
func (p *Parcel) IsComplete() (bool, error) {
	path, err := p.FindData()
	return path != "", err
}

// FindStdout returns the path to the export command's stdout log, or "".
func (p *Parcel) FindStdout() string {
	return p.findLog(".out")
}

// FindStderr returns the path to the export command's stderr log, or "".
func (p *Parcel) FindStderr() string {
	return p.findLog(".err")
}

func (p *Parcel) findLog(suffix string) string {
	path := filepath.Join(p.ds.LogPath, p.ID+suffix)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return ""
	}
	return path
}

// IsKnown reports whether any record of this parcel exists: complete or
// incomplete data, log files, or a metrics table row.
func (p *Parcel) IsKnown() (bool, error) {
	data, err := p.FindData()
	if err != nil {
		return false, err
	}
	if data != "" {
		return true, nil
	}
	incomplete, err := p.FindIncomplete()
	if err != nil {
		return false, err
	}
	if incomplete != "" {
		return true, nil
	}
	if p.FindStdout() != "" || p.FindStderr() != "" {
		return true, nil
	}
	rows, err := p.ds.Metrics().Read()
	if err != nil {
		return false, err
	}
	_, ok := rows[p.ID]
	return ok, nil
}

// parcelStem maps an artifact file name back to its parcel id by cutting
// at the first dot, so "2020-01-02T030405Z.tar.gz" and
// "2020-01-02T030405Z.out" both yield the id.
func parcelStem(name string) string {
	if i := strings.Index(name, "."); i >= 0 {
		return name[:i]
	}
	return name
}
