package bubblewrap

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/denv-project/denv/pkg/names"
	"github.com/denv-project/denv/pkg/proc"
	"github.com/denv-project/denv/pkg/runner"
)

// Options configures the backend.
type Options struct {
	// Program is the sandboxing tool, normally "bwrap".
	Program string

	// HomeRoot and WorkRoot are the host directories holding one home and
	// one work directory per environment.
	HomeRoot string
	WorkRoot string

	// Seccomp is the path of a pre-built syscall filter program. Empty
	// disables filtering.
	Seccomp string

	// ReadOnlyBinds are extra host paths exposed read-only inside every
	// sandbox.
	ReadOnlyBinds []string

	Log zerolog.Logger
}

// Backend is the namespace-sandbox runner.
type Backend struct {
	opts Options
}

// New returns a backend over opts.
func New(opts Options) *Backend {
	if opts.Program == "" {
		opts.Program = "bwrap"
	}
	return &Backend{opts: opts}
}

func (b *Backend) homePath(name names.EnvironmentName) string {
	return filepath.Join(b.opts.HomeRoot, name.Escaped())
}

func (b *Backend) workPath(name names.EnvironmentName) string {
	return filepath.Join(b.opts.WorkRoot, name.Escaped())
}

// List returns every environment with a home or work directory,
// including half-created ones.
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
			if entry.IsDir() {
				seen[entry.Name()] = struct{}{}
			}
		}
	}
	var out []names.EnvironmentName
	for escaped := range seen {
		name, err := names.UnescapeEnvironmentName(escaped)
		if err != nil {
			b.opts.Log.Warn().Str("entry", escaped).Msg("ignoring stray directory in environment root")
			continue
		}
		out = append(out, name)
	}
	names.SortEnvironmentNames(out)
	return out, nil
}

// Exists derives the tri-state from the directory pair: the filesystem is
// this backend's authoritative state.
func (b *Backend) Exists(ctx context.Context, name names.EnvironmentName) (runner.Exists, error) {
	home := dirExists(b.homePath(name))
	work := dirExists(b.workPath(name))
	switch {
	case home && work:
		return runner.FullyExists, nil
	case home || work:
		return runner.PartiallyExists, nil
	default:
		return runner.NoEnvironment, nil
	}
}

// Create makes the directory pair and seeds it.
func (b *Backend) Create(ctx context.Context, name names.EnvironmentName, init *runner.Init) error {
	for _, dir := range []string{b.homePath(name), b.workPath(name)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating environment %q: %w", name, err)
		}
	}
	if err := b.launch(ctx, name, runner.InitCommand(), init); err != nil {
		return fmt.Errorf("initializing environment %q: %w", name, err)
	}
	return nil
}

// Reset recreates the home directory and re-seeds, leaving the work
// directory untouched.
func (b *Backend) Reset(ctx context.Context, name names.EnvironmentName, init *runner.Init) error {
	home := b.homePath(name)
	if err := os.RemoveAll(home); err != nil {
		return fmt.Errorf("resetting environment %q: %w", name, err)
	}
	if err := os.MkdirAll(home, 0o755); err != nil {
		return fmt.Errorf("resetting environment %q: %w", name, err)
	}
	if err := os.MkdirAll(b.workPath(name), 0o755); err != nil {
		return fmt.Errorf("resetting environment %q: %w", name, err)
	}
	if err := b.launch(ctx, name, runner.InitCommand(), init); err != nil {
		return fmt.Errorf("re-initializing environment %q (work preserved at %s): %w",
			name, b.workPath(name), err)
	}
	return nil
}

// Purge removes both directories. Idempotent.
func (b *Backend) Purge(ctx context.Context, name names.EnvironmentName) error {
	for _, dir := range []string{b.homePath(name), b.workPath(name)} {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("purging environment %q: %w", name, err)
		}
	}
	return nil
}

// Stop is a no-op: every sandbox dies with its Run invocation (the PID
// namespace collapses when the sandbox init exits), so there is nothing
// long-lived to terminate.
func (b *Backend) Stop(ctx context.Context, name names.EnvironmentName) error {
	b.opts.Log.Debug().Stringer("env", name).Msg("stop: sandboxes are per-run, nothing to do")
	return nil
}

// Run launches a fresh sandbox for the command.
func (b *Backend) Run(ctx context.Context, name names.EnvironmentName, cmd runner.Command) error {
	return b.launch(ctx, name, cmd, nil)
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

// launch builds and runs one bwrap invocation. Seed archives, when
// present, are not written into the sandbox; they are streamed by a
// host-side progress filter into an inherited file descriptor that the
// in-sandbox extraction reads directly.
func (b *Backend) launch(ctx context.Context, name names.EnvironmentName, command runner.Command, init *runner.Init) error {
	args := &argsBuilder{}
	args.namespaces("denv")
	args.baseMounts()
	args.hostView(b.opts.ReadOnlyBinds)
	args.homeAndWork(b.homePath(name), b.workPath(name))

	var extraEnv map[string]string
	if command.Kind == runner.KindExec {
		extraEnv = command.ExtraEnv
	} else if init != nil {
		extraEnv = init.Env
	}
	args.environment(extraEnv)

	var files []*os.File
	nextFd := 3

	if b.opts.Seccomp != "" {
		filter, err := os.Open(b.opts.Seccomp)
		if err != nil {
			return fmt.Errorf("opening syscall filter: %w", err)
		}
		defer filter.Close()
		args.seccomp(nextFd)
		files = append(files, filter)
		nextFd++
	}

	var pvChild *proc.Child
	seedFd := -1
	if command.Kind == runner.KindInit && init != nil && len(init.Seeds) > 0 {
		r, w, err := os.Pipe()
		if err != nil {
			return fmt.Errorf("creating seed pipe: %w", err)
		}
		pvChild, err = proc.Start(ctx, proc.Cmd{
			Argv:   seedFilterArgv(init),
			Stdout: w,
			Stderr: os.Stderr,
		})
		w.Close()
		if err != nil {
			r.Close()
			return err
		}
		defer pvChild.Close()
		defer r.Close()
		seedFd = nextFd
		files = append(files, r)
		nextFd++
	}

	shell, err := shellArgv(command, seedFd)
	if err != nil {
		return err
	}
	argv := append([]string{b.opts.Program}, args.args...)
	argv = append(argv, "--")
	argv = append(argv, shell...)

	b.opts.Log.Debug().Stringer("env", name).Strs("argv", argv).Msg("launching sandbox")
	sandbox, err := proc.Start(ctx, proc.Cmd{
		Argv:       argv,
		Stdin:      os.Stdin,
		Stdout:     os.Stdout,
		Stderr:     os.Stderr,
		ExtraFiles: files,
	})
	if err != nil {
		return err
	}
	defer sandbox.Close()

	runErr := sandbox.Wait()
	if pvChild != nil {
		if pvErr := pvChild.Wait(); runErr == nil && pvErr != nil {
			runErr = fmt.Errorf("seed delivery: %w", pvErr)
		}
	}
	return runErr
}

// shellArgv renders the in-sandbox command for one of the three run
// behaviors.
func shellArgv(command runner.Command, seedFd int) ([]string, error) {
	switch command.Kind {
	case runner.KindInteractive:
		return []string{"/bin/bash", "-l"}, nil
	case runner.KindInit:
		script := ""
		if seedFd >= 0 {
			script += fmt.Sprintf(
				"tar --extract --ignore-zeros --no-same-owner --directory \"$HOME\" --file /proc/self/fd/%d\n",
				seedFd)
		}
		script += fmt.Sprintf("if [ -f \"$HOME/%[1]s\" ]; then sh \"$HOME/%[1]s\"; fi\n", runner.InitScriptName)
		return []string{"/bin/sh", "-lc", script}, nil
	case runner.KindExec:
		if len(command.Argv) == 0 {
			return nil, fmt.Errorf("exec command requires an argv")
		}
		return []string{"/bin/sh", "-lc", proc.ShellEscape(command.Argv)}, nil
	default:
		return nil, fmt.Errorf("unknown command kind %d", command.Kind)
	}
}

// seedFilterArgv builds the host-side rate-limiting filter invocation:
// pv concatenates the seed archives, renders progress against the
// precomputed total, and writes the stream to stdout.
func seedFilterArgv(init *runner.Init) []string {
	argv := []string{"pv", "--size", fmt.Sprint(init.SeedSize())}
	return append(argv, init.Seeds...)
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
