// Package config loads and validates the denv configuration file. The
// configuration selects the active isolation backend and the directory
// layout; exactly one backend is active per process invocation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/denv-project/denv/pkg/registry"
	"github.com/denv-project/denv/pkg/telemetry"
)

// Backend names accepted by the "backend" key.
const (
	BackendBubblewrap = "bubblewrap"
	BackendDocker     = "docker"
	BackendUser       = "user"
)

// Config is the root of the configuration file.
type Config struct {
	// Backend selects the isolation technology for this invocation.
	Backend string `yaml:"backend" validate:"required,oneof=bubblewrap docker user"`

	Logging telemetry.LoggingConfig `yaml:"logging"`

	Dirs DirsConfig `yaml:"dirs"`

	Bubblewrap BubblewrapConfig `yaml:"bubblewrap"`
	Docker     DockerConfig     `yaml:"docker"`
	User       UserConfig       `yaml:"user"`

	Builder BuilderConfig `yaml:"builder"`
}

// DirsConfig is the host directory layout.
type DirsConfig struct {
	// Cache holds built package artifacts, one tar per package.
	Cache string `yaml:"cache" validate:"required"`

	// HomeRoot holds per-environment home directories for the backends
	// that keep environment storage on the host.
	HomeRoot string `yaml:"home_root" validate:"required"`

	// WorkRoot holds per-environment work directories.
	WorkRoot string `yaml:"work_root" validate:"required"`

	// PackageDirs are user-level package source directories, highest
	// precedence first.
	PackageDirs []string `yaml:"package_dirs"`

	// BuiltinPackages is the built-in package directory, consulted last.
	BuiltinPackages string `yaml:"builtin_packages"`
}

// BubblewrapConfig configures the namespace-sandbox backend.
type BubblewrapConfig struct {
	// Program is the sandboxing tool. Defaults to "bwrap".
	Program string `yaml:"program"`

	// Seccomp is the path of a pre-built syscall filter program loaded
	// into every sandbox. Empty disables the filter.
	Seccomp string `yaml:"seccomp"`

	// ReadOnlyBinds are host paths exposed read-only inside the sandbox
	// in addition to the standard system directories.
	ReadOnlyBinds []string `yaml:"read_only_binds"`
}

// DockerConfig configures the container-daemon backend.
type DockerConfig struct {
	// Image is the shared base image name.
	Image string `yaml:"image"`

	// Dockerfile is the base image's build recipe. Its modification time
	// feeds the image freshness policy.
	Dockerfile string `yaml:"dockerfile"`

	// Prefix is prepended to container names.
	Prefix string `yaml:"prefix"`

	// ShmSize enlarges /dev/shm beyond the daemon default; memory-mapped
	// heavy workloads crash with the stock 64m.
	ShmSize string `yaml:"shm_size"`
}

// UserConfig configures the user-account backend.
type UserConfig struct {
	// Prefix is prepended to derived account names.
	Prefix string `yaml:"prefix"`
}

// BuilderConfig tunes the incremental build engine.
type BuilderConfig struct {
	// MaxArtifactAge is how old a cached artifact may grow before the
	// IfStale policy rebuilds it regardless of other signals.
	MaxArtifactAge Duration `yaml:"max_artifact_age"`
}

// Duration is a time.Duration that unmarshals from YAML strings like
// "12h".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the configuration used when no file exists, rooted in
// the user's XDG directories.
func Default() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolving home directory: %w", err)
	}
	cacheRoot := envOr("XDG_CACHE_HOME", filepath.Join(home, ".cache"))
	dataRoot := envOr("XDG_DATA_HOME", filepath.Join(home, ".local", "share"))
	cfg := &Config{
		Backend: BackendBubblewrap,
		Dirs: DirsConfig{
			Cache:           filepath.Join(cacheRoot, "denv", "packages"),
			HomeRoot:        filepath.Join(cacheRoot, "denv", "home"),
			WorkRoot:        filepath.Join(dataRoot, "denv", "work"),
			PackageDirs:     []string{filepath.Join(dataRoot, "denv", "packages")},
			BuiltinPackages: "/usr/share/denv/packages",
		},
	}
	cfg.applyDefaults()
	return cfg, nil
}

// Load reads path, falling back to Default when the file does not exist.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default()
	}
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	base, err := Default()
	if err != nil {
		return nil, err
	}
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(base); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	base.applyDefaults()
	if err := base.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return base, nil
}

// DefaultPath returns the standard configuration file location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "denv.yaml"
	}
	confRoot := envOr("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
	return filepath.Join(confRoot, "denv", "config.yaml")
}

// Validate checks the configuration's structural constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}
	return nil
}

// PackageLayers returns the registry search layers in precedence order:
// user directories first, the built-in directory last.
func (c *Config) PackageLayers() []registry.Layer {
	var layers []registry.Layer
	for _, dir := range c.Dirs.PackageDirs {
		layers = append(layers, registry.Layer{Origin: "user", Path: dir})
	}
	if c.Dirs.BuiltinPackages != "" {
		layers = append(layers, registry.Layer{Origin: "built-in", Path: c.Dirs.BuiltinPackages})
	}
	return layers
}

func (c *Config) applyDefaults() {
	if c.Bubblewrap.Program == "" {
		c.Bubblewrap.Program = "bwrap"
	}
	if c.Docker.Image == "" {
		c.Docker.Image = "denv-base"
	}
	if c.Docker.Prefix == "" {
		c.Docker.Prefix = "denv."
	}
	if c.Docker.ShmSize == "" {
		c.Docker.ShmSize = "1g"
	}
	if c.User.Prefix == "" {
		c.User.Prefix = "denv-"
	}
	if c.Builder.MaxArtifactAge == 0 {
		c.Builder.MaxArtifactAge = Duration(7 * 24 * time.Hour)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
