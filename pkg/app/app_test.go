package app

import (
	"archive/tar"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/denv-project/denv/pkg/builder"
	"github.com/denv-project/denv/pkg/config"
	"github.com/denv-project/denv/pkg/names"
	"github.com/denv-project/denv/pkg/registry"
	"github.com/denv-project/denv/pkg/seed"
)

func pkg(t *testing.T, raw string) names.PackageName {
	t.Helper()
	p, err := names.NewPackageName(raw)
	if err != nil {
		t.Fatalf("NewPackageName(%q): %v", raw, err)
	}
	return p
}

func TestPackagesSeedRoundTrip(t *testing.T) {
	path, err := packagesSeed([]names.PackageName{pkg(t, "default"), pkg(t, "go")})
	if err != nil {
		t.Fatalf("packagesSeed: %v", err)
	}
	defer os.Remove(path)

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	tr := tar.NewReader(f)
	hdr, err := tr.Next()
	if err != nil {
		t.Fatalf("reading seed tar: %v", err)
	}
	if hdr.Name != seed.WorkPrefix+seed.PackagesFile {
		t.Errorf("entry name = %q, want %q", hdr.Name, seed.WorkPrefix+seed.PackagesFile)
	}
	content, err := io.ReadAll(tr)
	if err != nil {
		t.Fatal(err)
	}
	got := seed.ParsePackagesList(content)
	if len(got) != 2 || got[0] != "default" || got[1] != "go" {
		t.Errorf("recovered package list %v", got)
	}
}

func TestNewRejectsUnknownBackend(t *testing.T) {
	cfg, err := config.Default()
	if err != nil {
		t.Fatal(err)
	}
	cfg.Backend = "chroot"
	if _, err := New(cfg, zerolog.Nop()); err == nil {
		t.Error("expected error for unknown backend")
	}
}

func TestNewSelectsConfiguredBackend(t *testing.T) {
	for _, backend := range []string{
		config.BackendBubblewrap,
		config.BackendDocker,
		config.BackendUser,
	} {
		cfg, err := config.Default()
		if err != nil {
			t.Fatal(err)
		}
		cfg.Backend = backend
		cfg.Dirs.Cache = filepath.Join(t.TempDir(), "cache")
		if _, err := New(cfg, zerolog.Nop()); err != nil {
			t.Errorf("New with backend %q: %v", backend, err)
		}
	}
}

func TestNewEnvironmentRejectsReservedNames(t *testing.T) {
	a := &App{log: zerolog.Nop()}
	for _, raw := range []string{"package/python", "test-package/python"} {
		name := names.MustEnvironmentName(raw)
		err := a.NewEnvironment(context.Background(), name, nil)
		if err == nil {
			t.Errorf("NewEnvironment(%q) succeeded, want reserved-prefix error", raw)
		}
	}
}

func TestEnvInitSeedsClosureArtifacts(t *testing.T) {
	cache, err := builder.NewCache(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	a := &App{cache: cache, log: zerolog.Nop()}

	base := pkg(t, "base")
	top := pkg(t, "top")
	unbuilt := pkg(t, "unbuilt")
	specs := registry.PackageSpecs{
		base: {Name: base, Depends: map[names.PackageName]struct{}{}},
		top: {Name: top, Depends: map[names.PackageName]struct{}{
			base:    {},
			unbuilt: {},
		}},
		unbuilt: {Name: unbuilt, Depends: map[names.PackageName]struct{}{}},
	}
	for _, p := range []names.PackageName{base, top} {
		if err := os.WriteFile(cache.PathFor(p), []byte("tar"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	init, cleanup, err := a.envInit(context.Background(), specs, []names.PackageName{top})
	if err != nil {
		t.Fatalf("envInit: %v", err)
	}
	defer cleanup()

	// base and top artifacts plus the generated package manifest; the
	// unbuilt dependency contributes nothing.
	if len(init.Seeds) != 3 {
		t.Fatalf("got %d seeds %v, want 3", len(init.Seeds), init.Seeds)
	}
	last := init.Seeds[len(init.Seeds)-1]
	if filepath.Ext(last) != ".tar" {
		t.Errorf("manifest seed %q is not a tarball", last)
	}
	for _, s := range init.Seeds[:2] {
		if s != cache.PathFor(base) && s != cache.PathFor(top) {
			t.Errorf("unexpected seed %q", s)
		}
	}
}
