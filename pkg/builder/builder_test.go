package builder

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/denv-project/denv/pkg/names"
	"github.com/denv-project/denv/pkg/registry"
	"github.com/denv-project/denv/pkg/runner"
)

// fakeRunner records environment activity and simulates build and test
// runs without spawning anything.
type fakeRunner struct {
	envs map[names.EnvironmentName]runner.Exists

	// built records one entry per executed build or test command, keyed
	// by environment name.
	built []names.EnvironmentName

	// failRuns makes Run fail for the given environments.
	failRuns map[names.EnvironmentName]bool

	// failCopyOut makes CopyOutFromHome write a truncated artifact and
	// then fail for the given environments.
	failCopyOut map[names.EnvironmentName]bool

	creates int
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		envs:        make(map[names.EnvironmentName]runner.Exists),
		failRuns:    make(map[names.EnvironmentName]bool),
		failCopyOut: make(map[names.EnvironmentName]bool),
	}
}

func (f *fakeRunner) List(ctx context.Context) ([]names.EnvironmentName, error) {
	var out []names.EnvironmentName
	for name := range f.envs {
		out = append(out, name)
	}
	names.SortEnvironmentNames(out)
	return out, nil
}

func (f *fakeRunner) Exists(ctx context.Context, name names.EnvironmentName) (runner.Exists, error) {
	return f.envs[name], nil
}

func (f *fakeRunner) Create(ctx context.Context, name names.EnvironmentName, init *runner.Init) error {
	f.creates++
	f.envs[name] = runner.FullyExists
	return nil
}

func (f *fakeRunner) Reset(ctx context.Context, name names.EnvironmentName, init *runner.Init) error {
	f.envs[name] = runner.FullyExists
	return nil
}

func (f *fakeRunner) Purge(ctx context.Context, name names.EnvironmentName) error {
	delete(f.envs, name)
	return nil
}

func (f *fakeRunner) Stop(ctx context.Context, name names.EnvironmentName) error {
	return nil
}

func (f *fakeRunner) Run(ctx context.Context, name names.EnvironmentName, cmd runner.Command) error {
	f.built = append(f.built, name)
	if f.failRuns[name] {
		return fmt.Errorf("command failed in %q", name)
	}
	return nil
}

func (f *fakeRunner) CopyOutFromHome(ctx context.Context, name names.EnvironmentName, path string, sink io.Writer) error {
	if f.failCopyOut[name] {
		fmt.Fprint(sink, "PART")
		return fmt.Errorf("stream from %q interrupted", name)
	}
	_, err := fmt.Fprintf(sink, "artifact from %s", name)
	return err
}

func (f *fakeRunner) CopyOutFromWork(ctx context.Context, name names.EnvironmentName, path string, sink io.Writer) error {
	return fmt.Errorf("unexpected work copy from %q", name)
}

func (f *fakeRunner) FilesSummary(ctx context.Context, name names.EnvironmentName) (runner.FilesSummary, error) {
	return runner.FilesSummary{}, nil
}

// buildsOf counts build-step runs for one package.
func (f *fakeRunner) buildsOf(p names.PackageName) int {
	count := 0
	for _, env := range f.built {
		if env == BuilderEnv(p) {
			count++
		}
	}
	return count
}

func pkg(t *testing.T, raw string) names.PackageName {
	t.Helper()
	p, err := names.NewPackageName(raw)
	if err != nil {
		t.Fatalf("NewPackageName(%q): %v", raw, err)
	}
	return p
}

// sourceDir creates a package source tree with an update script and
// pins every modification time to mtime.
func sourceDir(t *testing.T, mtime time.Time) string {
	t.Helper()
	dir := t.TempDir()
	script := filepath.Join(dir, registry.UpdateScript)
	if err := os.WriteFile(script, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	for _, p := range []string{script, dir} {
		if err := os.Chtimes(p, mtime, mtime); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func spec(t *testing.T, name string, dir string, deps ...names.PackageName) *registry.PackageSpec {
	depSet := make(map[names.PackageName]struct{})
	for _, d := range deps {
		depSet[d] = struct{}{}
	}
	return &registry.PackageSpec{
		Name:         pkg(t, name),
		Origin:       "test",
		Dir:          dir,
		HasUpdate:    true,
		Depends:      depSet,
		BuildDepends: map[names.PackageName]struct{}{},
	}
}

type fixture struct {
	fake   *fakeRunner
	cache  *Cache
	engine *Engine
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fake := newFakeRunner()
	cache, err := NewCache(filepath.Join(t.TempDir(), "cache"))
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	engine := New(Options{
		Runner:         fake,
		Cache:          cache,
		MaxArtifactAge: 100 * time.Hour,
		Log:            zerolog.Nop(),
		Now:            func() time.Time { return now },
	})
	return &fixture{fake: fake, cache: cache, engine: engine, now: now}
}

// writeArtifact simulates a prior successful build at mtime.
func (fx *fixture) writeArtifact(t *testing.T, p names.PackageName, content string, mtime time.Time) {
	t.Helper()
	path := fx.cache.PathFor(p)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
}

func TestUpdate_NeverBuiltPackageBuildsExactlyOnce(t *testing.T) {
	fx := newFixture(t)
	configs := pkg(t, "configs")
	other := pkg(t, "other")
	specs := registry.PackageSpecs{
		configs: spec(t, "configs", sourceDir(t, fx.now.Add(-2*time.Hour))),
		other:   spec(t, "other", sourceDir(t, fx.now.Add(-2*time.Hour))),
	}

	err := fx.engine.Update(context.Background(), specs, []names.PackageName{configs}, IfStale)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got := fx.fake.buildsOf(configs); got != 1 {
		t.Errorf("configs built %d times, want 1", got)
	}
	if got := fx.fake.buildsOf(other); got != 0 {
		t.Errorf("unrelated package built %d times, want 0", got)
	}
	if _, ok := fx.cache.LastBuilt(configs); !ok {
		t.Error("no artifact cached after a successful build")
	}
}

func TestUpdate_UpToDatePackageIsNotRebuilt(t *testing.T) {
	fx := newFixture(t)
	configs := pkg(t, "configs")
	specs := registry.PackageSpecs{
		configs: spec(t, "configs", sourceDir(t, fx.now.Add(-2*time.Hour))),
	}
	fx.writeArtifact(t, configs, "cached", fx.now.Add(-time.Hour))

	err := fx.engine.Update(context.Background(), specs, []names.PackageName{configs}, IfStale)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got := fx.fake.buildsOf(configs); got != 0 {
		t.Errorf("fresh package built %d times, want 0", got)
	}
}

func TestUpdate_DependencyRebuildCascades(t *testing.T) {
	fx := newFixture(t)
	a := pkg(t, "a")
	b := pkg(t, "b")
	specs := registry.PackageSpecs{
		a: spec(t, "a", sourceDir(t, fx.now.Add(-2*time.Hour))),
		b: spec(t, "b", sourceDir(t, fx.now.Add(-2*time.Hour)), a),
	}
	// b has been built; a never has. Rebuilding a must invalidate b.
	fx.writeArtifact(t, b, "old-b", fx.now.Add(-time.Hour))

	err := fx.engine.Update(context.Background(), specs, []names.PackageName{b}, IfStale)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got := fx.fake.buildsOf(a); got != 1 {
		t.Errorf("dependency built %d times, want 1", got)
	}
	if got := fx.fake.buildsOf(b); got != 1 {
		t.Errorf("dependent built %d times, want 1", got)
	}
	// The dependency must be built before the dependent.
	if len(fx.fake.built) >= 2 && fx.fake.built[0] != BuilderEnv(a) {
		t.Errorf("build order %v, want %s first", fx.fake.built, BuilderEnv(a))
	}
}

func TestUpdate_SourceChangeTriggersRebuild(t *testing.T) {
	fx := newFixture(t)
	configs := pkg(t, "configs")
	specs := registry.PackageSpecs{
		configs: spec(t, "configs", sourceDir(t, fx.now.Add(-time.Minute))),
	}
	fx.writeArtifact(t, configs, "cached", fx.now.Add(-time.Hour))

	err := fx.engine.Update(context.Background(), specs, []names.PackageName{configs}, IfStale)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got := fx.fake.buildsOf(configs); got != 1 {
		t.Errorf("changed package built %d times, want 1", got)
	}
}

func TestUpdate_IfRequiredIgnoresStaleness(t *testing.T) {
	fx := newFixture(t)
	configs := pkg(t, "configs")
	specs := registry.PackageSpecs{
		configs: spec(t, "configs", sourceDir(t, fx.now)),
	}
	fx.writeArtifact(t, configs, "ancient", fx.now.Add(-1000*time.Hour))

	err := fx.engine.Update(context.Background(), specs, []names.PackageName{configs}, IfRequired)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got := fx.fake.buildsOf(configs); got != 0 {
		t.Errorf("IfRequired rebuilt an existing artifact %d times", got)
	}
}

func TestUpdate_MissingManifestFailsBeforeSideEffects(t *testing.T) {
	fx := newFixture(t)
	ghost := pkg(t, "ghost")

	err := fx.engine.Update(context.Background(), registry.PackageSpecs{}, []names.PackageName{ghost}, IfStale)
	if err == nil {
		t.Fatal("expected error for package without manifest")
	}
	if !strings.Contains(err.Error(), `"ghost"`) {
		t.Errorf("error %q does not name the package", err)
	}
	if fx.fake.creates != 0 {
		t.Errorf("%d environments created despite early failure", fx.fake.creates)
	}
}

func TestUpdate_PackageWithoutBuildStepIsTriviallyDone(t *testing.T) {
	fx := newFixture(t)
	leaf := pkg(t, "leaf")
	top := pkg(t, "top")
	leafSpec := spec(t, "leaf", t.TempDir())
	leafSpec.HasUpdate = false
	specs := registry.PackageSpecs{
		leaf: leafSpec,
		top:  spec(t, "top", sourceDir(t, fx.now.Add(-time.Hour)), leaf),
	}

	err := fx.engine.Update(context.Background(), specs, []names.PackageName{top}, IfStale)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got := fx.fake.buildsOf(leaf); got != 0 {
		t.Errorf("package without build step built %d times", got)
	}
	if got := fx.fake.buildsOf(top); got != 1 {
		t.Errorf("dependent built %d times, want 1", got)
	}
}

func TestUpdate_DependencyCycleReportedAsUnsatisfiable(t *testing.T) {
	fx := newFixture(t)
	a := pkg(t, "a")
	b := pkg(t, "b")
	specs := registry.PackageSpecs{
		a: spec(t, "a", sourceDir(t, fx.now), b),
		b: spec(t, "b", sourceDir(t, fx.now), a),
	}

	err := fx.engine.Update(context.Background(), specs, []names.PackageName{a}, IfStale)
	if err == nil {
		t.Fatal("expected unsatisfiable error for a dependency cycle")
	}
	if !strings.Contains(err.Error(), "unsatisfiable") {
		t.Errorf("error %q does not mention unsatisfiability", err)
	}
	if len(fx.fake.built) != 0 {
		t.Errorf("cycle members were built: %v", fx.fake.built)
	}
}

func TestUpdate_BuildFailureWithoutArtifactPropagates(t *testing.T) {
	fx := newFixture(t)
	broken := pkg(t, "broken")
	top := pkg(t, "top")
	specs := registry.PackageSpecs{
		broken: spec(t, "broken", sourceDir(t, fx.now)),
		top:    spec(t, "top", sourceDir(t, fx.now), broken),
	}
	fx.fake.failRuns[BuilderEnv(broken)] = true

	err := fx.engine.Update(context.Background(), specs, []names.PackageName{top}, IfStale)
	if err == nil {
		t.Fatal("expected error when a dependency build fails without a cached artifact")
	}
	if !strings.Contains(err.Error(), `"broken"`) {
		t.Errorf("error %q does not name the failed package", err)
	}
	if got := fx.fake.buildsOf(top); got != 0 {
		t.Errorf("dependent of a failed package built %d times", got)
	}
}

func TestUpdate_BuildFailureWithArtifactDowngradesToWarning(t *testing.T) {
	fx := newFixture(t)
	flaky := pkg(t, "flaky")
	specs := registry.PackageSpecs{
		flaky: spec(t, "flaky", sourceDir(t, fx.now)),
	}
	fx.writeArtifact(t, flaky, "previous good build", fx.now.Add(-50*time.Hour))
	fx.fake.failRuns[BuilderEnv(flaky)] = true

	err := fx.engine.Update(context.Background(), specs, []names.PackageName{flaky}, Always)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, readErr := os.ReadFile(fx.cache.PathFor(flaky))
	if readErr != nil {
		t.Fatal(readErr)
	}
	if string(got) != "previous good build" {
		t.Errorf("cached artifact changed to %q", got)
	}
}

func TestUpdate_FailedExtractionKeepsPriorArtifact(t *testing.T) {
	fx := newFixture(t)
	flaky := pkg(t, "flaky")
	specs := registry.PackageSpecs{
		flaky: spec(t, "flaky", sourceDir(t, fx.now)),
	}
	fx.writeArtifact(t, flaky, "previous good build", fx.now.Add(-time.Hour))
	fx.fake.failCopyOut[BuilderEnv(flaky)] = true

	err := fx.engine.Update(context.Background(), specs, []names.PackageName{flaky}, Always)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, readErr := os.ReadFile(fx.cache.PathFor(flaky))
	if readErr != nil {
		t.Fatal(readErr)
	}
	if string(got) != "previous good build" {
		t.Errorf("cached artifact changed to %q after an interrupted extraction", got)
	}
	if _, err := os.Stat(fx.cache.StagingPathFor(flaky)); err == nil {
		t.Error("staging artifact left behind after an interrupted extraction")
	}
}

func TestUpdate_FailedExtractionWithoutArtifactPropagates(t *testing.T) {
	fx := newFixture(t)
	broken := pkg(t, "broken")
	specs := registry.PackageSpecs{
		broken: spec(t, "broken", sourceDir(t, fx.now)),
	}
	fx.fake.failCopyOut[BuilderEnv(broken)] = true

	err := fx.engine.Update(context.Background(), specs, []names.PackageName{broken}, Always)
	if err == nil {
		t.Fatal("expected error when extraction fails with no cached artifact")
	}
	if _, err := os.Stat(fx.cache.PathFor(broken)); err == nil {
		t.Error("primary artifact slot created by a failed extraction")
	}
	if _, err := os.Stat(fx.cache.StagingPathFor(broken)); err == nil {
		t.Error("staging artifact left behind after a failed extraction")
	}
}

func TestIsReservedEnv(t *testing.T) {
	tests := []struct {
		raw  string
		want bool
	}{
		{"package/configs", true},
		{"test-package/configs", true},
		{"scratch", false},
		{"packages/configs", false},
		{"my-package/x", false},
	}
	for _, tt := range tests {
		name, err := names.NewEnvironmentName(tt.raw)
		if err != nil {
			t.Fatalf("NewEnvironmentName(%q): %v", tt.raw, err)
		}
		if got := IsReservedEnv(name); got != tt.want {
			t.Errorf("IsReservedEnv(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestUpdate_TestFailureKeepsPriorArtifact(t *testing.T) {
	fx := newFixture(t)
	tested := pkg(t, "tested")
	testedSpec := spec(t, "tested", sourceDir(t, fx.now))
	testedSpec.HasTest = true
	specs := registry.PackageSpecs{tested: testedSpec}
	fx.writeArtifact(t, tested, "previous good build", fx.now.Add(-time.Hour))
	fx.fake.failRuns[TestEnv(tested)] = true

	err := fx.engine.Update(context.Background(), specs, []names.PackageName{tested}, Always)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, readErr := os.ReadFile(fx.cache.PathFor(tested))
	if readErr != nil {
		t.Fatal(readErr)
	}
	if string(got) != "previous good build" {
		t.Errorf("primary artifact changed to %q", got)
	}
	if _, err := os.Stat(fx.cache.StagingPathFor(tested)); err == nil {
		t.Error("staging artifact left behind after a failed test")
	}
	if _, ok := fx.fake.envs[TestEnv(tested)]; ok {
		t.Error("test environment left behind after a failed test")
	}
}

func TestUpdate_TestSuccessPromotesStagedArtifact(t *testing.T) {
	fx := newFixture(t)
	tested := pkg(t, "tested")
	testedSpec := spec(t, "tested", sourceDir(t, fx.now))
	testedSpec.HasTest = true
	specs := registry.PackageSpecs{tested: testedSpec}

	err := fx.engine.Update(context.Background(), specs, []names.PackageName{tested}, Always)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, readErr := os.ReadFile(fx.cache.PathFor(tested))
	if readErr != nil {
		t.Fatal(readErr)
	}
	want := "artifact from " + BuilderEnv(tested).String()
	if string(got) != want {
		t.Errorf("promoted artifact = %q, want %q", got, want)
	}
	if _, err := os.Stat(fx.cache.StagingPathFor(tested)); err == nil {
		t.Error("staging artifact still present after promotion")
	}
	if _, ok := fx.fake.envs[TestEnv(tested)]; ok {
		t.Error("test environment not torn down after a successful test")
	}
}

func TestUpdate_SuccessfulRebuildAdvancesArtifactTime(t *testing.T) {
	fx := newFixture(t)
	configs := pkg(t, "configs")
	specs := registry.PackageSpecs{
		configs: spec(t, "configs", sourceDir(t, fx.now)),
	}
	old := fx.now.Add(-50 * time.Hour)
	fx.writeArtifact(t, configs, "old", old)

	err := fx.engine.Update(context.Background(), specs, []names.PackageName{configs}, Always)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	last, ok := fx.cache.LastBuilt(configs)
	if !ok {
		t.Fatal("artifact missing after rebuild")
	}
	if !last.After(old) {
		t.Errorf("artifact time %v did not advance past %v", last, old)
	}
}
