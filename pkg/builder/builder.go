package builder

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/denv-project/denv/pkg/names"
	"github.com/denv-project/denv/pkg/registry"
	"github.com/denv-project/denv/pkg/runner"
	"github.com/denv-project/denv/pkg/seed"
)

// ProvidesArtifact is the home-relative file a package's build step must
// produce inside its builder environment.
const ProvidesArtifact = "provides.tar"

// builderEnvPrefix and testEnvPrefix name the ephemeral environments the
// engine drives. User-facing environment creation rejects these
// prefixes (IsReservedEnv) so the engine can purge and recreate its
// environments without clobbering anyone's.
const (
	builderEnvPrefix = "package/"
	testEnvPrefix    = "test-package/"
)

// IsReservedEnv reports whether name lies in the namespace the engine
// uses for its builder and test environments.
func IsReservedEnv(name names.EnvironmentName) bool {
	s := name.String()
	return strings.HasPrefix(s, builderEnvPrefix) || strings.HasPrefix(s, testEnvPrefix)
}

// Policy selects how the engine decides whether a package needs a
// rebuild.
type Policy int

const (
	// Always rebuilds unconditionally.
	Always Policy = iota

	// IfRequired rebuilds only packages that have never produced an
	// artifact.
	IfRequired

	// IfStale rebuilds when the artifact is missing, older than the
	// maximum artifact age, older than the package's source tree, or
	// older than any dependency's artifact.
	IfStale
)

func (p Policy) String() string {
	switch p {
	case Always:
		return "always"
	case IfRequired:
		return "if-required"
	case IfStale:
		return "if-stale"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// Options configures an Engine.
type Options struct {
	// Runner drives the ephemeral builder and test environments. Callers
	// pass the invariant-checked wrapper, never a raw backend.
	Runner runner.Runner

	Cache *Cache

	// MaxArtifactAge bounds artifact reuse under the IfStale policy.
	MaxArtifactAge time.Duration

	Log zerolog.Logger

	// Now is the clock used for staleness decisions; nil means time.Now.
	Now func() time.Time
}

// Engine is the incremental build scheduler.
type Engine struct {
	run    runner.Runner
	cache  *Cache
	maxAge time.Duration
	log    zerolog.Logger
	now    func() time.Time
}

// New returns an engine over opts.
func New(opts Options) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		run:    opts.Runner,
		cache:  opts.Cache,
		maxAge: opts.MaxArtifactAge,
		log:    opts.Log,
		now:    opts.Now,
	}
}

// BuilderEnv is the deterministic name of the ephemeral environment that
// builds a package.
func BuilderEnv(p names.PackageName) names.EnvironmentName {
	return names.MustEnvironmentName(builderEnvPrefix + p.String())
}

// TestEnv is the deterministic name of the ephemeral environment that
// exercises a package's staged artifact.
func TestEnv(p names.PackageName) names.EnvironmentName {
	return names.MustEnvironmentName(testEnvPrefix + p.String())
}

// Update brings the requested packages and their transitive run- and
// build-time dependencies up to date under the given policy. Requested
// packages without a manifest fail immediately, before any environment
// is touched.
func (e *Engine) Update(ctx context.Context, specs registry.PackageSpecs, requested []names.PackageName, policy Policy) error {
	for _, r := range requested {
		if specs[r] == nil {
			return fmt.Errorf("package %q has no manifest", r)
		}
	}

	todo := make(map[names.PackageName]struct{})
	for _, p := range specs.Closure(requested, registry.RunAndBuildDeps) {
		todo[p] = struct{}{}
	}
	done := make(map[names.PackageName]struct{})
	failed := make(map[names.PackageName]error)

	for len(todo) > 0 {
		progressed := false
		for _, name := range sortedSet(todo) {
			spec := specs[name]
			if spec == nil {
				return fmt.Errorf("package %q has no manifest", name)
			}
			if !e.depsDone(spec, specs, done) {
				continue
			}
			delete(todo, name)
			progressed = true

			if err := e.updateOne(ctx, specs, spec, policy); err != nil {
				if _, cached := e.cache.LastBuilt(name); cached {
					e.log.Warn().
						Str("package", name.String()).
						Err(err).
						Msg("rebuild failed, keeping previously cached artifact")
					done[name] = struct{}{}
					continue
				}
				e.log.Error().Str("package", name.String()).Err(err).Msg("build failed")
				failed[name] = err
				continue
			}
			done[name] = struct{}{}
		}
		if !progressed {
			break
		}
	}

	if len(failed) > 0 {
		ordered := sortedSetErr(failed)
		return fmt.Errorf("failed to update packages %s: %w",
			joinPackages(ordered), failed[ordered[0]])
	}
	if len(todo) > 0 {
		return fmt.Errorf("update of packages %s is unsatisfiable; check for dependency cycles or failed dependencies",
			joinPackages(sortedSet(todo)))
	}
	return nil
}

// depsDone reports whether every dependency and build-dependency with a
// manifest has been brought up to date. Placeholder dependencies have
// nothing to build and never block readiness.
func (e *Engine) depsDone(spec *registry.PackageSpec, specs registry.PackageSpecs, done map[names.PackageName]struct{}) bool {
	for _, deps := range []map[names.PackageName]struct{}{spec.Depends, spec.BuildDepends} {
		for dep := range deps {
			if specs[dep] == nil {
				continue
			}
			if _, ok := done[dep]; !ok {
				return false
			}
		}
	}
	return true
}

// updateOne rebuilds a single ready package if the policy calls for it.
func (e *Engine) updateOne(ctx context.Context, specs registry.PackageSpecs, spec *registry.PackageSpec, policy Policy) error {
	if !spec.HasUpdate {
		return nil
	}
	stale, reason := e.needsBuild(spec, specs, policy)
	if !stale {
		e.log.Debug().Str("package", spec.Name.String()).Msg("package is up to date")
		return nil
	}
	e.log.Info().
		Str("package", spec.Name.String()).
		Str("reason", reason).
		Msg("building package")
	if err := e.buildOne(ctx, specs, spec); err != nil {
		return fmt.Errorf("building package %q: %w", spec.Name, err)
	}
	return nil
}

// needsBuild evaluates the staleness policy for one package.
func (e *Engine) needsBuild(spec *registry.PackageSpec, specs registry.PackageSpecs, policy Policy) (bool, string) {
	last, built := e.cache.LastBuilt(spec.Name)
	switch policy {
	case Always:
		return true, "unconditional rebuild"
	case IfRequired:
		if !built {
			return true, "never built"
		}
		return false, ""
	case IfStale:
	default:
		return true, "unknown policy"
	}

	if !built {
		return true, "never built"
	}
	if age := e.now().Sub(last); age > e.maxAge {
		return true, fmt.Sprintf("artifact is %s old", age.Round(time.Second))
	}
	if newer, err := treeModifiedAfter(spec.Dir, last); err != nil || newer {
		return true, "source tree changed"
	}
	for _, deps := range []map[names.PackageName]struct{}{spec.Depends, spec.BuildDepends} {
		for dep := range deps {
			if depLast, ok := e.cache.LastBuilt(dep); ok && depLast.After(last) {
				return true, fmt.Sprintf("dependency %q was rebuilt", dep)
			}
		}
	}
	return false, ""
}

// treeModifiedAfter reports whether any entry under root has a
// modification time after cutoff.
func treeModifiedAfter(root string, cutoff time.Time) (bool, error) {
	newer := false
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.ModTime().After(cutoff) {
			newer = true
			return filepath.SkipAll
		}
		return nil
	})
	return newer, err
}

// buildOne runs the per-package pipeline: builder environment, build
// step, artifact extraction, and the optional test-then-promote step.
func (e *Engine) buildOne(ctx context.Context, specs registry.PackageSpecs, spec *registry.PackageSpec) error {
	srcTar, cleanup, err := e.sourceSeed(spec)
	if err != nil {
		return err
	}
	defer cleanup()

	deps := dependencyNames(spec, true)
	init := e.initFor(specs, deps, srcTar)
	env := BuilderEnv(spec.Name)
	if err := e.ensureEnv(ctx, env, init); err != nil {
		return err
	}
	if err := e.run.Run(ctx, env, runner.Exec(
		[]string{"sh", "-c", "cd w && exec ./" + registry.UpdateScript}, nil)); err != nil {
		return fmt.Errorf("running %s: %w", registry.UpdateScript, err)
	}

	// Extraction always targets the staging slot; the primary slot is
	// only ever replaced by the atomic promote below, so a failure here
	// leaves any previously cached artifact untouched.
	if err := e.extractArtifact(ctx, env, e.cache.StagingPathFor(spec.Name)); err != nil {
		e.cache.DiscardStaged(spec.Name)
		return err
	}
	if spec.HasTest {
		if err := e.testOne(ctx, specs, spec, srcTar); err != nil {
			e.cache.DiscardStaged(spec.Name)
			return fmt.Errorf("testing package %q: %w", spec.Name, err)
		}
	}
	return e.cache.Promote(spec.Name)
}

// testOne exercises a staged artifact in a throwaway test environment
// seeded with the package's run-time dependencies only. The environment
// is torn down regardless of outcome.
func (e *Engine) testOne(ctx context.Context, specs registry.PackageSpecs, spec *registry.PackageSpec, srcTar string) error {
	deps := dependencyNames(spec, false)
	init := e.initFor(specs, deps, srcTar, e.cache.StagingPathFor(spec.Name))
	env := TestEnv(spec.Name)
	if err := e.run.Purge(ctx, env); err != nil {
		return err
	}
	defer func() {
		if err := e.run.Purge(ctx, env); err != nil {
			e.log.Warn().
				Str("environment", env.String()).
				Err(err).
				Msg("could not remove test environment")
		}
	}()
	if err := e.run.Create(ctx, env, init); err != nil {
		return err
	}
	return e.run.Run(ctx, env, runner.Exec(
		[]string{"sh", "-c", "cd w && exec ./" + registry.TestScript}, nil))
}

// ensureEnv creates the environment or resets a leftover one from a
// previous build of the same package.
func (e *Engine) ensureEnv(ctx context.Context, env names.EnvironmentName, init *runner.Init) error {
	state, err := e.run.Exists(ctx, env)
	if err != nil {
		return err
	}
	if state == runner.NoEnvironment {
		return e.run.Create(ctx, env, init)
	}
	return e.run.Reset(ctx, env, init)
}

// extractArtifact copies the provides artifact out of the builder
// environment's home directory into dest.
func (e *Engine) extractArtifact(ctx context.Context, env names.EnvironmentName, dest string) (err error) {
	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("creating artifact file %s: %w", dest, err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = cerr
		}
	}()
	if err := e.run.CopyOutFromHome(ctx, env, ProvidesArtifact, f); err != nil {
		return fmt.Errorf("extracting %s: %w", ProvidesArtifact, err)
	}
	return nil
}

// sourceSeed archives the package's source tree under the work prefix
// into a temporary tarball. The caller runs the returned cleanup.
func (e *Engine) sourceSeed(spec *registry.PackageSpec) (string, func(), error) {
	f, err := os.CreateTemp("", "denv-package-source-*.tar")
	if err != nil {
		return "", nil, fmt.Errorf("creating source seed: %w", err)
	}
	path := f.Name()
	f.Close()
	if err := seed.DirToFile(path, spec.Dir, seed.WorkPrefix); err != nil {
		os.Remove(path)
		return "", nil, fmt.Errorf("archiving source of package %q: %w", spec.Name, err)
	}
	return path, func() { os.Remove(path) }, nil
}

// initFor assembles the Init for a builder or test environment: the
// source tarball, the cached artifacts of the transitive dependency
// closure, then any extra seeds, along with the closure's OS-level
// package requirements. Later seeds win on path collisions, so the
// extra seeds (a staged artifact under test) override dependency
// content.
func (e *Engine) initFor(specs registry.PackageSpecs, deps []names.PackageName, srcTar string, extraSeeds ...string) *runner.Init {
	seeds := []string{srcTar}
	debs := make(map[string]struct{})
	for _, dep := range specs.Closure(deps, registry.RunAndBuildDeps) {
		depSpec := specs[dep]
		if depSpec == nil {
			continue
		}
		for _, d := range depSpec.Debian {
			debs[d] = struct{}{}
		}
		for _, d := range depSpec.BuildDebian {
			debs[d] = struct{}{}
		}
		if artifact := e.cache.PathFor(dep); fileExists(artifact) {
			seeds = append(seeds, artifact)
		}
	}
	seeds = append(seeds, extraSeeds...)
	return &runner.Init{
		DebianPackages: sortedStrings(debs),
		Seeds:          seeds,
	}
}

// dependencyNames flattens a package's dependency sets, optionally
// including build-time dependencies.
func dependencyNames(spec *registry.PackageSpec, includeBuild bool) []names.PackageName {
	var out []names.PackageName
	for dep := range spec.Depends {
		out = append(out, dep)
	}
	if includeBuild {
		for dep := range spec.BuildDepends {
			out = append(out, dep)
		}
	}
	names.SortPackageNames(out)
	return out
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func sortedSet(set map[names.PackageName]struct{}) []names.PackageName {
	out := make([]names.PackageName, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	names.SortPackageNames(out)
	return out
}

func sortedSetErr(set map[names.PackageName]error) []names.PackageName {
	out := make([]names.PackageName, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	names.SortPackageNames(out)
	return out
}

func sortedStrings(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func joinPackages(pkgs []names.PackageName) string {
	parts := make([]string, len(pkgs))
	for i, p := range pkgs {
		parts[i] = fmt.Sprintf("%q", p)
	}
	return strings.Join(parts, ", ")
}
