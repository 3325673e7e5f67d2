package app

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/rs/zerolog"

	"github.com/denv-project/denv/pkg/builder"
	"github.com/denv-project/denv/pkg/config"
	"github.com/denv-project/denv/pkg/debian"
	"github.com/denv-project/denv/pkg/names"
	"github.com/denv-project/denv/pkg/registry"
	"github.com/denv-project/denv/pkg/runner"
	"github.com/denv-project/denv/pkg/runner/bubblewrap"
	"github.com/denv-project/denv/pkg/runner/dockerenv"
	"github.com/denv-project/denv/pkg/runner/userenv"
	"github.com/denv-project/denv/pkg/seed"
)

// DefaultPackage is requested when an environment is created without an
// explicit package list.
var DefaultPackage = names.MustPackageName("default")

// App is the top-level orchestrator. All runner access goes through the
// invariant-checked wrapper; the raw backend is never touched directly.
type App struct {
	cfg    *config.Config
	run    *runner.Checked
	cache  *builder.Cache
	engine *builder.Engine
	log    zerolog.Logger
}

// New selects the configured backend and assembles the orchestrator.
func New(cfg *config.Config, log zerolog.Logger) (*App, error) {
	backend, err := newBackend(cfg, log)
	if err != nil {
		return nil, err
	}
	checked := runner.NewChecked(backend)
	cache, err := builder.NewCache(cfg.Dirs.Cache)
	if err != nil {
		return nil, err
	}
	engine := builder.New(builder.Options{
		Runner:         checked,
		Cache:          cache,
		MaxArtifactAge: cfg.Builder.MaxArtifactAge.Std(),
		Log:            log,
	})
	return &App{
		cfg:    cfg,
		run:    checked,
		cache:  cache,
		engine: engine,
		log:    log,
	}, nil
}

func newBackend(cfg *config.Config, log zerolog.Logger) (runner.Runner, error) {
	switch cfg.Backend {
	case config.BackendBubblewrap:
		return bubblewrap.New(bubblewrap.Options{
			Program:       cfg.Bubblewrap.Program,
			HomeRoot:      cfg.Dirs.HomeRoot,
			WorkRoot:      cfg.Dirs.WorkRoot,
			Seccomp:       cfg.Bubblewrap.Seccomp,
			ReadOnlyBinds: cfg.Bubblewrap.ReadOnlyBinds,
			Log:           log,
		}), nil
	case config.BackendDocker:
		return dockerenv.New(dockerenv.Options{
			Image:      cfg.Docker.Image,
			Dockerfile: cfg.Docker.Dockerfile,
			Prefix:     cfg.Docker.Prefix,
			ShmSize:    cfg.Docker.ShmSize,
			HomeRoot:   cfg.Dirs.HomeRoot,
			WorkRoot:   cfg.Dirs.WorkRoot,
			Log:        log,
		}), nil
	case config.BackendUser:
		return userenv.New(userenv.Options{
			Prefix: cfg.User.Prefix,
			Log:    log,
		}), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// Runner exposes the checked runner for operations that need no package
// resolution: purge, stop, files summaries.
func (a *App) Runner() *runner.Checked { return a.run }

// scan rebuilds the package graph from the filesystem. Specs are never
// kept across top-level operations.
func (a *App) scan() (registry.PackageSpecs, error) {
	return registry.New(a.cfg.PackageLayers()).Scan()
}

// NewEnvironment creates name from the given packages, building any
// stale ones first. An empty package list requests the default package.
func (a *App) NewEnvironment(ctx context.Context, name names.EnvironmentName, packages []names.PackageName) error {
	if builder.IsReservedEnv(name) {
		return fmt.Errorf("environment name %q uses a prefix reserved for package builds", name)
	}
	state, err := a.run.Exists(ctx, name)
	if err != nil {
		return err
	}
	if state != runner.NoEnvironment {
		return fmt.Errorf("environment %q: %w", name, runner.ErrAlreadyExists)
	}
	if len(packages) == 0 {
		packages = []names.PackageName{DefaultPackage}
	}

	specs, err := a.scan()
	if err != nil {
		return err
	}
	if err := a.engine.Update(ctx, specs, packages, builder.IfStale); err != nil {
		return fmt.Errorf("creating environment %q: %w", name, err)
	}
	init, cleanup, err := a.envInit(ctx, specs, packages)
	if err != nil {
		return err
	}
	defer cleanup()
	if err := a.run.Create(ctx, name, init); err != nil {
		return fmt.Errorf("creating environment %q: %w", name, err)
	}
	return nil
}

// ResetEnvironment tears down and recreates name, preserving its work
// directory. With no explicit packages the previously requested set is
// recovered from the environment's packages.txt; if that fails, the
// default package is used.
func (a *App) ResetEnvironment(ctx context.Context, name names.EnvironmentName, packages []names.PackageName) error {
	state, err := a.run.Exists(ctx, name)
	if err != nil {
		return err
	}
	if state == runner.NoEnvironment {
		return fmt.Errorf("environment %q: %w", name, runner.ErrDoesNotExist)
	}
	if len(packages) == 0 {
		packages = a.recoverPackages(ctx, name)
	}

	specs, err := a.scan()
	if err != nil {
		return err
	}
	if err := a.engine.Update(ctx, specs, packages, builder.IfStale); err != nil {
		return fmt.Errorf("resetting environment %q: %w", name, err)
	}
	init, cleanup, err := a.envInit(ctx, specs, packages)
	if err != nil {
		return err
	}
	defer cleanup()
	if err := a.run.Reset(ctx, name, init); err != nil {
		return fmt.Errorf("resetting environment %q: %w", name, err)
	}
	return nil
}

// recoverPackages reads the package list an environment was created
// with back out of its work directory.
func (a *App) recoverPackages(ctx context.Context, name names.EnvironmentName) []names.PackageName {
	var buf bytes.Buffer
	if err := a.run.CopyOutFromWork(ctx, name, seed.PackagesFile, &buf); err != nil {
		a.log.Warn().
			Str("environment", name.String()).
			Err(err).
			Msg("could not recover previous package list, using the default package")
		return []names.PackageName{DefaultPackage}
	}
	var out []names.PackageName
	for _, raw := range seed.ParsePackagesList(buf.Bytes()) {
		p, err := names.NewPackageName(raw)
		if err != nil {
			a.log.Warn().Str("entry", raw).Err(err).Msg("skipping invalid entry in recovered package list")
			continue
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return []names.PackageName{DefaultPackage}
	}
	return out
}

// UpdatePackages rebuilds the given packages (or every known package
// when all is set) under the given policy.
func (a *App) UpdatePackages(ctx context.Context, packages []names.PackageName, all bool, policy builder.Policy) error {
	specs, err := a.scan()
	if err != nil {
		return err
	}
	if all {
		packages = packages[:0]
		for name := range specs {
			packages = append(packages, name)
		}
		names.SortPackageNames(packages)
	}
	if len(packages) == 0 {
		return fmt.Errorf("no packages to update")
	}
	return a.engine.Update(ctx, specs, packages, policy)
}

// RunCommand attaches an interactive shell when argv is empty, otherwise
// executes argv inside the environment.
func (a *App) RunCommand(ctx context.Context, name names.EnvironmentName, argv []string) error {
	cmd := runner.Interactive()
	if len(argv) > 0 {
		cmd = runner.Exec(argv, nil)
	}
	return a.run.Run(ctx, name, cmd)
}

// envInit assembles the Init for a user-facing environment: the run-time
// dependency closure's artifacts, then a generated tarball carrying the
// requested package list for later recovery. The closure's OS-level
// package requirements are checked against the host so missing ones can
// be warned about before the environment misbehaves.
func (a *App) envInit(ctx context.Context, specs registry.PackageSpecs, packages []names.PackageName) (*runner.Init, func(), error) {
	closure := specs.Closure(packages, registry.RunDeps)
	var seeds []string
	debs := make(map[string]struct{})
	for _, p := range closure {
		spec := specs[p]
		if spec == nil {
			continue
		}
		for _, d := range spec.Debian {
			debs[d] = struct{}{}
		}
		if artifact := a.cache.PathFor(p); fileExists(artifact) {
			seeds = append(seeds, artifact)
		}
	}

	manifest, err := packagesSeed(packages)
	if err != nil {
		return nil, nil, err
	}
	seeds = append(seeds, manifest)
	cleanup := func() { os.Remove(manifest) }

	debList := sortedStrings(debs)
	a.warnUnsatisfiedDebian(ctx, debList)
	return &runner.Init{
		DebianPackages: debList,
		Seeds:          seeds,
	}, cleanup, nil
}

// warnUnsatisfiedDebian dry-runs the OS package set against the host.
// The check only ever produces a warning; hosts without the tool skip it
// silently.
func (a *App) warnUnsatisfiedDebian(ctx context.Context, debs []string) {
	if len(debs) == 0 {
		return
	}
	summary, err := debian.Check(ctx, debs)
	if err != nil {
		a.log.Debug().Err(err).Msg("skipping OS package check")
		return
	}
	if !summary.Satisfied() {
		a.log.Warn().
			Strs("packages", debs).
			Msg("host is missing OS packages some environment packages expect")
	}
}

// packagesSeed writes a single-file tarball placing packages.txt in the
// environment's work directory.
func packagesSeed(packages []names.PackageName) (string, error) {
	f, err := os.CreateTemp("", "denv-packages-*.tar")
	if err != nil {
		return "", fmt.Errorf("creating package manifest seed: %w", err)
	}
	path := f.Name()

	raw := make([]string, len(packages))
	for i, p := range packages {
		raw[i] = p.String()
	}
	w := seed.NewWriter(f)
	err = w.AddFile(seed.WorkPrefix+seed.PackagesFile, 0o644, seed.PackagesList(raw))
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return "", fmt.Errorf("writing package manifest seed: %w", err)
	}
	return path, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func sortedStrings(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
