package dockerenv

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/denv-project/denv/pkg/names"
	"github.com/denv-project/denv/pkg/proc"
	"github.com/denv-project/denv/pkg/runner"
)

// containerHome is the environment home directory inside containers.
const containerHome = "/home/denv"

// seedScriptName is the home-relative extraction helper copied into the
// container before seeding.
const seedScriptName = ".denv-seed.sh"

// forwardedEnv is the fixed allow-list of host environment variables
// forwarded into container commands.
var forwardedEnv = []string{"TERM", "LANG", "LC_ALL", "COLORTERM"}

// containerPath covers both host-overridden and legacy image layouts;
// images without a sane PATH in their config still find their tools.
const containerPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin:" + containerHome + "/bin"

// Options configures the backend.
type Options struct {
	// Image is the shared base image name.
	Image string

	// Dockerfile is the base image recipe. Empty disables rebuilds.
	Dockerfile string

	// Prefix is prepended to container names.
	Prefix string

	// ShmSize enlarges the container's /dev/shm beyond the daemon's 64m
	// default; memory-mapped-heavy workloads crash without it.
	ShmSize string

	// HomeRoot and WorkRoot hold the per-environment host directories
	// bind-mounted into each container.
	HomeRoot string
	WorkRoot string

	// ImageMaxAge overrides the base image freshness window.
	ImageMaxAge time.Duration

	Log zerolog.Logger
}

// Backend is the container-daemon runner.
type Backend struct {
	opts Options
}

// New returns a backend over opts.
func New(opts Options) *Backend {
	if opts.ShmSize == "" {
		opts.ShmSize = "1g"
	}
	return &Backend{opts: opts}
}

func (b *Backend) containerName(name names.EnvironmentName) string {
	return b.opts.Prefix + names.EscapeNarrow(name.String())
}

func (b *Backend) homePath(name names.EnvironmentName) string {
	return filepath.Join(b.opts.HomeRoot, name.Escaped())
}

func (b *Backend) workPath(name names.EnvironmentName) string {
	return filepath.Join(b.opts.WorkRoot, name.Escaped())
}

// List returns environments with host storage or a container, including
// half-created ones.
func (b *Backend) List(ctx context.Context) ([]names.EnvironmentName, error) {
	seen := make(map[string]struct{})
	for _, root := range []string{b.opts.HomeRoot, b.opts.WorkRoot} {
		entries, err := os.ReadDir(root)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("listing %s: %w", root, err)
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			if raw, err := names.Unescape(entry.Name()); err == nil {
				seen[raw] = struct{}{}
			}
		}
	}
	out, err := proc.Output(ctx, proc.Cmd{
		Argv: []string{"docker", "ps", "--all", "--filter", "name=" + b.opts.Prefix, "--format", "{{.Names}}"},
	})
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, b.opts.Prefix) {
			continue
		}
		if raw, err := names.UnescapeNarrow(strings.TrimPrefix(line, b.opts.Prefix)); err == nil {
			seen[raw] = struct{}{}
		}
	}
	var result []names.EnvironmentName
	for raw := range seen {
		name, err := names.NewEnvironmentName(raw)
		if err != nil {
			b.opts.Log.Warn().Str("entry", raw).Msg("ignoring unparseable environment entry")
			continue
		}
		result = append(result, name)
	}
	names.SortEnvironmentNames(result)
	return result, nil
}

// Exists combines host storage with daemon inspection: full existence
// requires the directory pair; a container without its storage, or half
// the storage, is partial.
func (b *Backend) Exists(ctx context.Context, name names.EnvironmentName) (runner.Exists, error) {
	home := dirExists(b.homePath(name))
	work := dirExists(b.workPath(name))
	switch {
	case home && work:
		return runner.FullyExists, nil
	case home || work:
		return runner.PartiallyExists, nil
	}
	if b.containerExists(ctx, name) {
		return runner.PartiallyExists, nil
	}
	return runner.NoEnvironment, nil
}

func (b *Backend) containerExists(ctx context.Context, name names.EnvironmentName) bool {
	err := proc.Run(ctx, proc.Cmd{
		Argv: []string{"docker", "inspect", "--format", "{{.Id}}", b.containerName(name)},
	})
	return err == nil
}

func (b *Backend) containerRunning(ctx context.Context, name names.EnvironmentName) bool {
	out, err := proc.Output(ctx, proc.Cmd{
		Argv: []string{"docker", "inspect", "--format", "{{.State.Running}}", b.containerName(name)},
	})
	return err == nil && strings.TrimSpace(out) == "true"
}

// ensureContainer starts the environment's long-lived placeholder
// container if it is not already running.
func (b *Backend) ensureContainer(ctx context.Context, name names.EnvironmentName) error {
	if b.containerRunning(ctx, name) {
		return nil
	}
	if b.containerExists(ctx, name) {
		// A stopped or wedged container cannot be restarted reliably with
		// --rm; replace it.
		if err := b.removeContainer(ctx, name); err != nil {
			return err
		}
	}
	if err := b.ensureImage(ctx); err != nil {
		return err
	}
	err := proc.Run(ctx, proc.Cmd{
		Argv: []string{
			"docker", "run",
			"--detach", "--rm", "--init",
			"--name", b.containerName(name),
			"--shm-size", b.opts.ShmSize,
			"--volume", b.homePath(name) + ":" + containerHome,
			"--volume", b.workPath(name) + ":" + containerHome + "/w",
			"--env", "HOME=" + containerHome,
			b.opts.Image,
			"sleep", "infinity",
		},
	})
	if err != nil {
		return fmt.Errorf("starting container for environment %q: %w", name, err)
	}
	return nil
}

func (b *Backend) removeContainer(ctx context.Context, name names.EnvironmentName) error {
	err := proc.Run(ctx, proc.Cmd{
		Argv: []string{"docker", "rm", "--force", b.containerName(name)},
	})
	if err != nil && !isNoSuchContainer(err) {
		return fmt.Errorf("removing container for environment %q: %w", name, err)
	}
	return nil
}

// Create makes the host storage, starts the container, and seeds it.
func (b *Backend) Create(ctx context.Context, name names.EnvironmentName, init *runner.Init) error {
	for _, dir := range []string{b.homePath(name), b.workPath(name)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating environment %q: %w", name, err)
		}
	}
	if err := b.ensureContainer(ctx, name); err != nil {
		return err
	}
	if err := b.seed(ctx, name, init); err != nil {
		return fmt.Errorf("seeding environment %q: %w", name, err)
	}
	return nil
}

// Reset replaces the container and home directory, preserving work.
func (b *Backend) Reset(ctx context.Context, name names.EnvironmentName, init *runner.Init) error {
	if err := b.removeContainer(ctx, name); err != nil {
		return err
	}
	if err := os.RemoveAll(b.homePath(name)); err != nil {
		return fmt.Errorf("resetting environment %q: %w", name, err)
	}
	if err := b.Create(ctx, name, init); err != nil {
		return fmt.Errorf("re-initializing environment %q (work preserved at %s): %w",
			name, b.workPath(name), err)
	}
	return nil
}

// Purge removes the container and all host storage. Idempotent.
func (b *Backend) Purge(ctx context.Context, name names.EnvironmentName) error {
	if err := b.removeContainer(ctx, name); err != nil {
		return err
	}
	for _, dir := range []string{b.homePath(name), b.workPath(name)} {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("purging environment %q: %w", name, err)
		}
	}
	return nil
}

// Stop kills the container; the bind-mounted storage survives.
func (b *Backend) Stop(ctx context.Context, name names.EnvironmentName) error {
	err := proc.Run(ctx, proc.Cmd{
		Argv: []string{"docker", "kill", b.containerName(name)},
	})
	if err != nil && !isNoSuchContainer(err) {
		return fmt.Errorf("stopping environment %q: %w", name, err)
	}
	return nil
}

// Run executes the command in the environment's container, starting it
// if necessary.
func (b *Backend) Run(ctx context.Context, name names.EnvironmentName, cmd runner.Command) error {
	if err := b.ensureContainer(ctx, name); err != nil {
		return err
	}
	argv, err := execArgv(b.containerName(name), cmd)
	if err != nil {
		return err
	}
	return proc.Run(ctx, proc.Cmd{
		Argv:   argv,
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	})
}

// CopyOutFromHome streams one file from the host-side home directory.
func (b *Backend) CopyOutFromHome(ctx context.Context, name names.EnvironmentName, path string, sink io.Writer) error {
	return copyOut(filepath.Join(b.homePath(name), path), sink)
}

// CopyOutFromWork streams one file from the host-side work directory.
func (b *Backend) CopyOutFromWork(ctx context.Context, name names.EnvironmentName, path string, sink io.Writer) error {
	return copyOut(filepath.Join(b.workPath(name), path), sink)
}

// FilesSummary scans the host-side directories.
func (b *Backend) FilesSummary(ctx context.Context, name names.EnvironmentName) (runner.FilesSummary, error) {
	home, homeErrs := runner.ScanDir(b.homePath(name))
	work, workErrs := runner.ScanDir(b.workPath(name))
	return runner.FilesSummary{Home: home, Work: work, Errors: homeErrs || workErrs}, nil
}

// seed copies the extraction helper in through the daemon's file-copy
// primitive, then streams the seed archives into it through the
// host-side progress filter.
func (b *Backend) seed(ctx context.Context, name names.EnvironmentName, init *runner.Init) error {
	if init == nil || len(init.Seeds) == 0 {
		return b.runBootstrap(ctx, name)
	}

	helper, err := os.CreateTemp("", "denv-seed-*.sh")
	if err != nil {
		return fmt.Errorf("writing seed helper: %w", err)
	}
	defer os.Remove(helper.Name())
	if _, err := helper.WriteString(seedScript()); err != nil {
		helper.Close()
		return fmt.Errorf("writing seed helper: %w", err)
	}
	if err := helper.Close(); err != nil {
		return fmt.Errorf("writing seed helper: %w", err)
	}

	container := b.containerName(name)
	err = proc.Run(ctx, proc.Cmd{
		Argv: []string{"docker", "cp", helper.Name(), container + ":" + containerHome + "/" + seedScriptName},
	})
	if err != nil {
		return fmt.Errorf("copying seed helper into container: %w", err)
	}

	// Total byte count is precomputed on the host so the filter can show
	// a progress estimate over the whole stream.
	filter := proc.Cmd{
		Argv:   append([]string{"pv", "--size", fmt.Sprint(init.SeedSize())}, init.Seeds...),
		Stderr: os.Stderr,
	}
	extract := proc.Cmd{
		Argv: []string{
			"docker", "exec", "--interactive",
			"--env", "HOME=" + containerHome,
			container,
			"sh", containerHome + "/" + seedScriptName,
		},
		Stdout: os.Stderr,
		Stderr: os.Stderr,
	}
	if err := proc.Pipeline(ctx, filter, extract); err != nil {
		return err
	}
	return nil
}

// runBootstrap runs the environment's bootstrap script if seeding placed
// one in the home directory.
func (b *Backend) runBootstrap(ctx context.Context, name names.EnvironmentName) error {
	script := filepath.Join(b.homePath(name), runner.InitScriptName)
	if _, err := os.Stat(script); err != nil {
		return nil
	}
	return b.Run(ctx, name, runner.Exec([]string{"sh", containerHome + "/" + runner.InitScriptName}, nil))
}

// seedScript is the in-container extraction helper: it reads the
// concatenated seed archives from stdin, then hands off to the bootstrap
// script if one was seeded.
func seedScript() string {
	return "#!/bin/sh\n" +
		"set -e\n" +
		"tar --extract --ignore-zeros --no-same-owner --directory \"$HOME\"\n" +
		"if [ -f \"$HOME/" + runner.InitScriptName + "\" ]; then sh \"$HOME/" + runner.InitScriptName + "\"; fi\n"
}

// execArgv renders the docker exec invocation for one of the three run
// behaviors, forwarding the fixed environment allow-list and the
// constructed PATH.
func execArgv(container string, cmd runner.Command) ([]string, error) {
	argv := []string{"docker", "exec", "--interactive"}
	if cmd.Kind == runner.KindInteractive {
		argv = append(argv, "--tty")
	}
	argv = append(argv, "--env", "HOME="+containerHome)
	argv = append(argv, "--env", "PATH="+containerPath)
	for _, key := range forwardedEnv {
		if value, ok := os.LookupEnv(key); ok {
			argv = append(argv, "--env", key+"="+value)
		}
	}
	if cmd.Kind == runner.KindExec {
		keys := make([]string, 0, len(cmd.ExtraEnv))
		for k := range cmd.ExtraEnv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			argv = append(argv, "--env", k+"="+cmd.ExtraEnv[k])
		}
	}
	argv = append(argv, "--workdir", containerHome, container)

	switch cmd.Kind {
	case runner.KindInteractive:
		argv = append(argv, "bash", "-l")
	case runner.KindInit:
		argv = append(argv, "sh", "-c",
			"if [ -f \"$HOME/"+runner.InitScriptName+"\" ]; then sh \"$HOME/"+runner.InitScriptName+"\"; fi")
	case runner.KindExec:
		if len(cmd.Argv) == 0 {
			return nil, fmt.Errorf("exec command requires an argv")
		}
		argv = append(argv, "sh", "-lc", proc.ShellEscape(cmd.Argv))
	default:
		return nil, fmt.Errorf("unknown command kind %d", cmd.Kind)
	}
	return argv, nil
}

func isNoSuchContainer(err error) bool {
	var exit *proc.ExitError
	if !errors.As(err, &exit) {
		return false
	}
	return strings.Contains(exit.Output, "No such container")
}

func copyOut(path string, sink io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("copying out %s: %w", path, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("copying out %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("copying out %s: not a regular file", path)
	}
	if _, err := io.Copy(sink, f); err != nil {
		return fmt.Errorf("copying out %s: %w", path, err)
	}
	return nil
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
