package registry

import (
	"sort"

	"github.com/denv-project/denv/pkg/names"
)

// EdgeSet selects which dependency edges a closure traversal follows.
type EdgeSet int

const (
	// RunDeps follows run-time dependencies only.
	RunDeps EdgeSet = iota

	// RunAndBuildDeps follows run-time and build-time dependencies.
	RunAndBuildDeps
)

// Closure computes the transitive dependency closure of the requested
// packages over the chosen edge set, visiting each package at most once.
//
// Dependencies that have no manifest are tolerated as leaf placeholders
// and omitted from the result. Requested packages are always included,
// with or without a manifest, so that callers can fail loudly when a
// package the user asked for does not exist.
//
// The result is in dependency order: a package appears after everything
// it depends on. Traversal order is deterministic.
func (specs PackageSpecs) Closure(requested []names.PackageName, edges EdgeSet) []names.PackageName {
	seen := make(map[names.PackageName]struct{})
	var out []names.PackageName

	var visit func(name names.PackageName, isRequested bool)
	visit = func(name names.PackageName, isRequested bool) {
		spec, ok := specs[name]
		if !ok {
			// Leaf placeholder: only surfaced when explicitly requested.
			// Unrequested visits leave it unmarked so a later requested
			// visit still includes it.
			if isRequested {
				if _, dup := seen[name]; !dup {
					seen[name] = struct{}{}
					out = append(out, name)
				}
			}
			return
		}
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		for _, dep := range sortedKeys(spec.Depends) {
			visit(dep, false)
		}
		if edges == RunAndBuildDeps {
			for _, dep := range sortedKeys(spec.BuildDepends) {
				visit(dep, false)
			}
		}
		out = append(out, name)
	}

	sorted := make([]names.PackageName, len(requested))
	copy(sorted, requested)
	names.SortPackageNames(sorted)
	for _, name := range sorted {
		visit(name, true)
	}
	return out
}

func sortedKeys(set map[names.PackageName]struct{}) []names.PackageName {
	out := make([]names.PackageName, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
