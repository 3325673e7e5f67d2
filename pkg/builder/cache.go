package builder

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/denv-project/denv/pkg/names"
)

// Cache stores one provides artifact per package under a single
// directory. A package's last-built time is the artifact file's
// modification time; there is no separate ledger.
type Cache struct {
	dir string
}

// NewCache returns a cache rooted at dir, creating it if needed.
func NewCache(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache directory %s: %w", dir, err)
	}
	return &Cache{dir: dir}, nil
}

// PathFor is the primary artifact slot for a package.
func (c *Cache) PathFor(name names.PackageName) string {
	return filepath.Join(c.dir, name.Escaped()+".tar")
}

// StagingPathFor is the transient slot an artifact occupies between
// extraction (and the optional test run) and its promotion into the
// primary slot.
func (c *Cache) StagingPathFor(name names.PackageName) string {
	return filepath.Join(c.dir, name.Escaped()+".testing.tar")
}

// LastBuilt reports when the package's artifact was last written, or
// false when no artifact exists.
func (c *Cache) LastBuilt(name names.PackageName) (time.Time, bool) {
	info, err := os.Stat(c.PathFor(name))
	if err != nil {
		return time.Time{}, false
	}
	return info.ModTime(), true
}

// Promote atomically moves a staged artifact into the primary slot.
func (c *Cache) Promote(name names.PackageName) error {
	if err := os.Rename(c.StagingPathFor(name), c.PathFor(name)); err != nil {
		return fmt.Errorf("promoting artifact for %q: %w", name, err)
	}
	return nil
}

// DiscardStaged removes a staged artifact if one is present. A leftover
// staging file is harmless; the next build overwrites it.
func (c *Cache) DiscardStaged(name names.PackageName) {
	_ = os.Remove(c.StagingPathFor(name))
}
