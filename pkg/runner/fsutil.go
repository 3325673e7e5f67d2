package runner

import (
	"io/fs"
	"path/filepath"
)

// ScanDir walks root and accumulates a DirSummary. It never fails: files
// or directories that cannot be read are skipped and reported through the
// second return value, keeping the summary a meaningful lower bound.
func ScanDir(root string) (DirSummary, bool) {
	sum := DirSummary{Path: root}
	sawErrors := false
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			sawErrors = true
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			sawErrors = true
			return nil
		}
		if mod := info.ModTime(); mod.After(sum.LastModified) {
			sum.LastModified = mod
		}
		if info.Mode().IsRegular() {
			sum.TotalBytes += info.Size()
		}
		return nil
	})
	if err != nil {
		sawErrors = true
	}
	return sum, sawErrors
}
