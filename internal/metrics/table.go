// Package metrics reads and writes the per-parcel metrics table.
//
// The table is a CSV file with a header row of column names and one data row
// per parcel, sorted by parcel id. The column set is the union of every
// column ever written; values absent from a row serialize as empty strings.
package metrics

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"sort"
)

// ColumnParcelID is the key column present in every row.
const ColumnParcelID = "parcel_id"

// ErrDuplicateParcel indicates the backing store is corrupt: the same
// parcel id appears in more than one row.
var ErrDuplicateParcel = errors.New("parcel_id appears multiple times in metrics table")

// canonicalColumns is the preferred ordering for well-known columns when
// they are first introduced. Columns outside this list are appended in
// sorted order so rewrites stay deterministic.
var canonicalColumns = []string{ColumnParcelID, "success", "files", "bytes"}

// Row maps column names to string values for one parcel.
type Row map[string]string

// Table provides access to a metrics CSV file at a fixed path.
type Table struct {
	path string
}

// NewTable returns a Table backed by the file at path. The file does not
// need to exist yet.
func NewTable(path string) *Table {
	return &Table{path: path}
}

// Path returns the location of the backing file.
func (t *Table) Path() string {
	return t.path
}

// Read returns all rows keyed by parcel id. A missing backing file yields
// an empty map.
func (t *Table) Read() (map[string]Row, error) {
	_, rows, err := t.readAll()
	return rows, err
}

// Update merges updates into the stored rows and rewrites the backing file.
//
// Rows not named in updates are preserved verbatim. Rows named in updates
// completely replace any previous row with the same parcel id: columns the
// update omits become empty strings, not their old values. An empty updates
// map leaves the file untouched.
func (t *Table) Update(updates map[string]Row) error {
	if len(updates) == 0 {
		return nil
	}

	header, rows, err := t.readAll()
	if err != nil {
		return err
	}

	seen := make(map[string]bool, len(header))
	for _, col := range header {
		seen[col] = true
	}
	if !seen[ColumnParcelID] {
		header = append([]string{ColumnParcelID}, header...)
		seen[ColumnParcelID] = true
	}

	ids := make([]string, 0, len(updates))
	for id := range updates {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		row := updates[id]
		if row[ColumnParcelID] == "" {
			return fmt.Errorf("metrics update for %q has no parcel_id value", id)
		}
		for _, col := range rowColumns(row) {
			if !seen[col] {
				header = append(header, col)
				seen[col] = true
			}
		}
		rows[row[ColumnParcelID]] = row
	}

	return t.write(header, rows)
}

// readAll parses the backing file, returning the header in file order and
// the rows keyed by parcel id.
func (t *Table) readAll() ([]string, map[string]Row, error) {
	f, err := os.Open(t.path)
	if os.IsNotExist(err) {
		return nil, map[string]Row{}, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("open metrics table: %w", err)
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("read metrics table %s: %w", t.path, err)
	}
	if len(records) == 0 {
		return nil, map[string]Row{}, nil
	}

	header := records[0]
	idIndex := -1
	for i, col := range header {
		if col == ColumnParcelID {
			idIndex = i
			break
		}
	}
	if idIndex < 0 {
		return nil, nil, fmt.Errorf("metrics table %s has no parcel_id column", t.path)
	}

	rows := make(map[string]Row, len(records)-1)
	for _, record := range records[1:] {
		row := make(Row, len(header))
		for i, col := range header {
			row[col] = record[i]
		}
		id := record[idIndex]
		if _, dup := rows[id]; dup {
			return nil, nil, fmt.Errorf("%w: %s", ErrDuplicateParcel, id)
		}
		rows[id] = row
	}
	return header, rows, nil
}

func (t *Table) write(header []string, rows map[string]Row) error {
	ids := make([]string, 0, len(rows))
	for id := range rows {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	f, err := os.Create(t.path)
	if err != nil {
		return fmt.Errorf("write metrics table: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		return fmt.Errorf("write metrics header: %w", err)
	}
	record := make([]string, len(header))
	for _, id := range ids {
		row := rows[id]
		for i, col := range header {
			record[i] = row[col]
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("write metrics row %s: %w", id, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush metrics table: %w", err)
	}
	return f.Close()
}

// rowColumns returns row's column names with well-known columns first and
// the remainder sorted, so newly introduced columns land in a stable order.
func rowColumns(row Row) []string {
	cols := make([]string, 0, len(row))
	for _, col := range canonicalColumns {
		if _, ok := row[col]; ok {
			cols = append(cols, col)
		}
	}
	var rest []string
	for col := range row {
		canonical := false
		for _, c := range canonicalColumns {
			if col == c {
				canonical = true
				break
			}
		}
		if !canonical {
			rest = append(rest, col)
		}
	}
	sort.Strings(rest)
	return append(cols, rest...)
}
