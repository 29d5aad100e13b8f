package dataset

import (
	"fmt"
	"strings"
)

// ParcelIDFormatError indicates a string is not a valid parcel id.
type ParcelIDFormatError struct {
	ID string
}

func (e *ParcelIDFormatError) Error() string {
	return fmt.Sprintf("invalid parcel id %q (expected yyyy-mm-ddThhmmssZ)", e.ID)
}

// ParcelExistsError indicates an attempt to reuse a parcel id that is
// already known to the dataset. The caller must choose a new id.
type ParcelExistsError struct {
	ID string
}

func (e *ParcelExistsError) Error() string {
	return fmt.Sprintf("parcel %s already exists", e.ID)
}

// AmbiguousParcelError indicates more than one file or directory matches a
// parcel id in one parent directory. This is a consistency error in the
// dataset directory itself and is never auto-repaired.
type AmbiguousParcelError struct {
	ID      string
	Dir     string
	Matches []string
}

func (e *AmbiguousParcelError) Error() string {
	return fmt.Sprintf("multiple data files or dirs exist for %s in %s: %s",
		e.ID, e.Dir, strings.Join(e.Matches, ", "))
}
