// Package fsutil provides size and count measurements over file trees.
package fsutil

import (
	"io/fs"
	"path/filepath"
)

// TotalSizeBytes returns the total size in bytes of the regular files at or
// under path. For a regular file this is its own size; directories are
// traversed recursively.
func TotalSizeBytes(path string) (int64, error) {
	var total int64
	err := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

// TotalFileCount returns the number of regular files at or under path.
// For a regular file this is 1; directories are traversed recursively.
func TotalFileCount(path string) (int, error) {
	count := 0
	err := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}
