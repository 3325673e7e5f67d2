package registry

import (
	"fmt"
	"os"
	"sort"

	"github.com/pelletier/go-toml/v2"

	"github.com/denv-project/denv/pkg/names"
)

// ManifestFile is the per-package manifest filename.
const ManifestFile = "package.toml"

// UpdateScript is the optional build/update script filename.
const UpdateScript = "update.sh"

// TestScript is the optional test script filename.
const TestScript = "test.sh"

// debianNamespace is the manifest namespace holding OS-native package
// names rather than registry package names.
const debianNamespace = "debian"

// rawManifest mirrors the package.toml schema: two tables whose entries
// are either bare dependencies (empty tables) or a namespace sub-table.
// Entry values carry no fields today.
type rawManifest struct {
	Depends      map[string]map[string]any `toml:"depends"`
	BuildDepends map[string]map[string]any `toml:"build_depends"`
}

// depSet is the parsed form of one dependency table.
type depSet struct {
	// Packages are registry package dependencies (the implicit root
	// namespace).
	Packages map[names.PackageName]struct{}

	// Debian are OS-native package names from the debian namespace.
	Debian []string
}

func parseManifest(path string) (run, build depSet, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return depSet{}, depSet{}, fmt.Errorf("reading manifest %s: %w", path, err)
	}
	var raw rawManifest
	if err := toml.Unmarshal(data, &raw); err != nil {
		return depSet{}, depSet{}, fmt.Errorf("malformed manifest %s: %w", path, err)
	}
	run, err = parseDepTable(raw.Depends)
	if err != nil {
		return depSet{}, depSet{}, fmt.Errorf("manifest %s: depends: %w", path, err)
	}
	build, err = parseDepTable(raw.BuildDepends)
	if err != nil {
		return depSet{}, depSet{}, fmt.Errorf("manifest %s: build_depends: %w", path, err)
	}
	return run, build, nil
}

func parseDepTable(table map[string]map[string]any) (depSet, error) {
	set := depSet{Packages: make(map[names.PackageName]struct{})}
	for key, value := range table {
		if key == debianNamespace {
			for osPkg := range value {
				set.Debian = append(set.Debian, osPkg)
			}
			continue
		}
		name, err := names.NewPackageName(key)
		if err != nil {
			return depSet{}, err
		}
		set.Packages[name] = struct{}{}
	}
	sort.Strings(set.Debian)
	return set, nil
}
