package registry

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/denv-project/denv/pkg/names"
)

// AutoPackage is the meta-package every package implicitly depends on,
// except packages that auto itself transitively depends on (which would
// otherwise form a cycle).
var AutoPackage = names.MustPackageName("auto")

// Layer is one package search location.
type Layer struct {
	// Origin labels where specs from this layer came from, e.g. "user" or
	// "built-in".
	Origin string

	// Path is the directory whose subdirectories are packages.
	Path string
}

// PackageSpec describes one scanned package. The source directory is
// owned by the registry for the lifetime of the scan result.
type PackageSpec struct {
	Name   names.PackageName
	Origin string

	// Dir is the package's source directory.
	Dir string

	// HasUpdate reports the presence of the build/update script.
	HasUpdate bool

	// HasTest reports the presence of the test script.
	HasTest bool

	// Depends are run-time package dependencies, including the implicit
	// auto meta-package where applicable.
	Depends map[names.PackageName]struct{}

	// BuildDepends are build-time-only package dependencies.
	BuildDepends map[names.PackageName]struct{}

	// Debian and BuildDebian are OS-native packages from the manifest's
	// debian namespace, for run time and build time respectively.
	Debian      []string
	BuildDebian []string
}

// UpdateScriptPath returns the path of the package's build script.
func (s *PackageSpec) UpdateScriptPath() string {
	return filepath.Join(s.Dir, UpdateScript)
}

// PackageSpecs maps package names to their specs. It is rebuilt by Scan
// for every top-level operation.
type PackageSpecs map[names.PackageName]*PackageSpec

// Registry scans a layered list of package source directories.
type Registry struct {
	layers []Layer
}

// New returns a registry over layers, highest precedence first.
func New(layers []Layer) *Registry {
	return &Registry{layers: layers}
}

// Scan walks all layers and parses a manifest for every package name not
// already found in a higher-precedence layer, then applies the implicit
// auto dependency.
func (r *Registry) Scan() (PackageSpecs, error) {
	specs := make(PackageSpecs)
	for _, layer := range r.layers {
		entries, err := os.ReadDir(layer.Path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("scanning package directory %s: %w", layer.Path, err)
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			dir := filepath.Join(layer.Path, entry.Name())
			manifest := filepath.Join(dir, ManifestFile)
			if _, err := os.Stat(manifest); err != nil {
				// Not a package directory.
				continue
			}
			name, err := names.NewPackageName(entry.Name())
			if err != nil {
				return nil, fmt.Errorf("package directory %s: %w", dir, err)
			}
			if _, ok := specs[name]; ok {
				// A higher-precedence layer already provides this package.
				continue
			}
			run, build, err := parseManifest(manifest)
			if err != nil {
				return nil, err
			}
			spec := &PackageSpec{
				Name:         name,
				Origin:       layer.Origin,
				Dir:          dir,
				Depends:      run.Packages,
				BuildDepends: build.Packages,
				Debian:       run.Debian,
				BuildDebian:  build.Debian,
			}
			if _, err := os.Stat(filepath.Join(dir, UpdateScript)); err == nil {
				spec.HasUpdate = true
			}
			if _, err := os.Stat(filepath.Join(dir, TestScript)); err == nil {
				spec.HasTest = true
			}
			specs[name] = spec
		}
	}
	specs.applyAutoDependency()
	return specs, nil
}

// applyAutoDependency adds the auto meta-package to every package's
// run-time dependencies, except auto itself and its own transitive
// dependencies.
func (specs PackageSpecs) applyAutoDependency() {
	if _, ok := specs[AutoPackage]; !ok {
		return
	}
	exempt := specs.reachableFrom(AutoPackage)
	for name, spec := range specs {
		if _, ok := exempt[name]; ok {
			continue
		}
		spec.Depends[AutoPackage] = struct{}{}
	}
}

// reachableFrom returns the set of packages reachable from start over
// both dependency edge kinds, including start itself.
func (specs PackageSpecs) reachableFrom(start names.PackageName) map[names.PackageName]struct{} {
	seen := make(map[names.PackageName]struct{})
	var visit func(names.PackageName)
	visit = func(name names.PackageName) {
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		spec, ok := specs[name]
		if !ok {
			return
		}
		for dep := range spec.Depends {
			visit(dep)
		}
		for dep := range spec.BuildDepends {
			visit(dep)
		}
	}
	visit(start)
	return seen
}
