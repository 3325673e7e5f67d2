package userenv

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/denv-project/denv/pkg/names"
	"github.com/denv-project/denv/pkg/proc"
	"github.com/denv-project/denv/pkg/runner"
)

// workSubdir is the work directory inside each account's home.
const workSubdir = "w"

// Options configures the backend.
type Options struct {
	// Prefix is prepended to derived account names.
	Prefix string

	Log zerolog.Logger
}

// Backend is the user-account runner.
type Backend struct {
	opts Options
}

// New returns a backend over opts.
func New(opts Options) *Backend {
	if opts.Prefix == "" {
		opts.Prefix = "denv-"
	}
	return &Backend{opts: opts}
}

// elevated builds an account-elevation invocation with the environment
// cleared and selectively repopulated.
func (b *Backend) elevated(account, home string, extraEnv map[string]string, argv ...string) []string {
	out := []string{
		"sudo", "--set-home", "--user", account,
		"env", "-i",
		"HOME=" + home,
		"USER=" + account,
		"LOGNAME=" + account,
		"PATH=/usr/local/bin:/usr/bin:/bin",
	}
	if term := os.Getenv("TERM"); term != "" {
		out = append(out, "TERM="+term)
	}
	keys := make([]string, 0, len(extraEnv))
	for k := range extraEnv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+extraEnv[k])
	}
	return append(out, argv...)
}

// lookup finds the environment's account in the account database.
func (b *Backend) lookup(ctx context.Context, name names.EnvironmentName) (passwdEntry, bool, error) {
	account := accountName(b.opts.Prefix, name)
	out, err := proc.Output(ctx, proc.Cmd{Argv: []string{"getent", "passwd", account}})
	if err != nil {
		var exit *proc.ExitError
		if errors.As(err, &exit) && exit.Status == 2 {
			// getent: key not found.
			return passwdEntry{}, false, nil
		}
		return passwdEntry{}, false, fmt.Errorf("querying account database: %w", err)
	}
	entries, err := parsePasswd(out)
	if err != nil || len(entries) == 0 {
		return passwdEntry{}, false, fmt.Errorf("parsing account entry for %q: %w", account, err)
	}
	return entries[0], true, nil
}

// reachable reports whether the account can be operated on through the
// elevation mechanism.
func (b *Backend) reachable(ctx context.Context, account, home string) bool {
	err := proc.Run(ctx, proc.Cmd{
		Argv:  b.elevated(account, home, nil, "true"),
		Stdin: os.Stdin,
	})
	return err == nil
}

// List scans the account database for derived accounts and recovers each
// environment's display name from its GECOS field.
func (b *Backend) List(ctx context.Context) ([]names.EnvironmentName, error) {
	out, err := proc.Output(ctx, proc.Cmd{Argv: []string{"getent", "passwd"}})
	if err != nil {
		return nil, fmt.Errorf("listing account database: %w", err)
	}
	entries, err := parsePasswd(out)
	if err != nil {
		return nil, err
	}
	var result []names.EnvironmentName
	for _, entry := range entries {
		if !isDerivedAccount(b.opts.Prefix, entry.Account) {
			continue
		}
		name, err := decodeGecos(entry.Gecos)
		if err != nil {
			b.opts.Log.Warn().Str("account", entry.Account).Msg("derived account with undecodable description")
			continue
		}
		result = append(result, name)
	}
	names.SortEnvironmentNames(result)
	return result, nil
}

// Exists combines two live signals: account presence in the database and
// reachability through the elevation mechanism.
func (b *Backend) Exists(ctx context.Context, name names.EnvironmentName) (runner.Exists, error) {
	entry, present, err := b.lookup(ctx, name)
	if err != nil {
		return runner.NoEnvironment, err
	}
	if !present {
		return runner.NoEnvironment, nil
	}
	if !b.reachable(ctx, entry.Account, entry.Home) {
		return runner.PartiallyExists, nil
	}
	return runner.FullyExists, nil
}

// Create adds the account and seeds its home directory.
func (b *Backend) Create(ctx context.Context, name names.EnvironmentName, init *runner.Init) error {
	account := accountName(b.opts.Prefix, name)
	err := proc.Run(ctx, proc.Cmd{
		Argv: []string{
			"sudo", "adduser",
			"--disabled-password",
			"--gecos", encodeGecos(name),
			account,
		},
		Stdin:  os.Stdin,
		Stderr: os.Stderr,
	})
	if err != nil {
		return fmt.Errorf("creating account for environment %q: %w", name, err)
	}
	entry, present, err := b.lookup(ctx, name)
	if err != nil || !present {
		return fmt.Errorf("account for environment %q missing after creation: %w", name, err)
	}
	if err := b.seed(ctx, entry, init); err != nil {
		return fmt.Errorf("seeding environment %q: %w", name, err)
	}
	return nil
}

// seed streams the seed archives through the progress filter into an
// elevated extraction, then hands off to the bootstrap script.
func (b *Backend) seed(ctx context.Context, entry passwdEntry, init *runner.Init) error {
	script := "cd \"$HOME\" && mkdir -p " + workSubdir
	var extraEnv map[string]string
	if init != nil {
		extraEnv = init.Env
	}
	if init != nil && len(init.Seeds) > 0 {
		script += " && tar --extract --ignore-zeros --no-same-owner"
	}
	script += " && if [ -f \"$HOME/" + runner.InitScriptName + "\" ]; then sh \"$HOME/" + runner.InitScriptName + "\"; fi"

	extract := proc.Cmd{
		Argv:   b.elevated(entry.Account, entry.Home, extraEnv, "sh", "-c", script),
		Stdout: os.Stderr,
		Stderr: os.Stderr,
	}
	if init == nil || len(init.Seeds) == 0 {
		return proc.Run(ctx, extract)
	}
	filter := proc.Cmd{
		Argv:   append([]string{"pv", "--size", fmt.Sprint(init.SeedSize())}, init.Seeds...),
		Stderr: os.Stderr,
	}
	return proc.Pipeline(ctx, filter, extract)
}

// Reset recreates the account while preserving the work subtree. There
// is no backend-level preserve primitive: the work subtree is archived
// to a uniquely named tarball on the host, the account is purged and
// recreated, and the tarball is restored. If restoration fails the
// tarball's path is reported, never discarded.
func (b *Backend) Reset(ctx context.Context, name names.EnvironmentName, init *runner.Init) error {
	entry, present, err := b.lookup(ctx, name)
	if err != nil {
		return err
	}
	if !present {
		return fmt.Errorf("cannot reset environment %q: %w", name, runner.ErrDoesNotExist)
	}

	saved := filepath.Join(os.TempDir(), "denv-reset-"+uuid.NewString()+".tar")
	if err := b.archiveWork(ctx, entry, saved); err != nil {
		return fmt.Errorf("saving work directory of environment %q: %w", name, err)
	}

	if err := b.Purge(ctx, name); err != nil {
		return fmt.Errorf("resetting environment %q (work saved at %s): %w", name, saved, err)
	}
	if err := b.Create(ctx, name, init); err != nil {
		return fmt.Errorf("recreating environment %q (work saved at %s): %w", name, saved, err)
	}
	if err := b.restoreWork(ctx, name, saved); err != nil {
		return fmt.Errorf("restoring work directory of environment %q from %s: %w", name, saved, err)
	}
	if err := os.Remove(saved); err != nil {
		b.opts.Log.Warn().Str("path", saved).Err(err).Msg("could not remove restored work archive")
	}
	return nil
}

// archiveWork writes the account's work subtree to a host tarball.
func (b *Backend) archiveWork(ctx context.Context, entry passwdEntry, dest string) (err error) {
	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = cerr
		}
	}()
	script := "cd \"$HOME\" && if [ -d " + workSubdir + " ]; then tar --create " + workSubdir +
		"; else tar --create --files-from /dev/null; fi"
	return proc.Run(ctx, proc.Cmd{
		Argv:   b.elevated(entry.Account, entry.Home, nil, "sh", "-c", script),
		Stdout: f,
		Stderr: os.Stderr,
	})
}

// restoreWork extracts a saved work tarball into the recreated home.
func (b *Backend) restoreWork(ctx context.Context, name names.EnvironmentName, saved string) error {
	entry, present, err := b.lookup(ctx, name)
	if err != nil {
		return err
	}
	if !present {
		return fmt.Errorf("account disappeared during reset")
	}
	f, err := os.Open(saved)
	if err != nil {
		return err
	}
	defer f.Close()
	return proc.Run(ctx, proc.Cmd{
		Argv: b.elevated(entry.Account, entry.Home, nil,
			"sh", "-c", "cd \"$HOME\" && tar --extract --no-same-owner"),
		Stdin:  f,
		Stderr: os.Stderr,
	})
}

// Purge kills the account's processes and deletes the account with its
// home directory. Idempotent.
func (b *Backend) Purge(ctx context.Context, name names.EnvironmentName) error {
	_, present, err := b.lookup(ctx, name)
	if err != nil {
		return err
	}
	if !present {
		return nil
	}
	account := accountName(b.opts.Prefix, name)
	if err := b.killProcesses(ctx, account); err != nil {
		return fmt.Errorf("purging environment %q: %w", name, err)
	}
	err = proc.Run(ctx, proc.Cmd{
		Argv:  []string{"sudo", "deluser", "--remove-home", account},
		Stdin: os.Stdin,
	})
	if err != nil {
		return fmt.Errorf("purging environment %q: %w", name, err)
	}
	return nil
}

// Stop terminates the account's processes; the account and its storage
// survive.
func (b *Backend) Stop(ctx context.Context, name names.EnvironmentName) error {
	account := accountName(b.opts.Prefix, name)
	if err := b.killProcesses(ctx, account); err != nil {
		return fmt.Errorf("stopping environment %q: %w", name, err)
	}
	return nil
}

func (b *Backend) killProcesses(ctx context.Context, account string) error {
	err := proc.Run(ctx, proc.Cmd{
		Argv:  []string{"sudo", "pkill", "--signal", "KILL", "--uid", account},
		Stdin: os.Stdin,
	})
	var exit *proc.ExitError
	if errors.As(err, &exit) && exit.Status == 1 {
		// No processes matched.
		return nil
	}
	return err
}

// Run executes the command as the environment's account.
func (b *Backend) Run(ctx context.Context, name names.EnvironmentName, cmd runner.Command) error {
	entry, present, err := b.lookup(ctx, name)
	if err != nil {
		return err
	}
	if !present {
		return fmt.Errorf("cannot run in environment %q: %w", name, runner.ErrDoesNotExist)
	}
	script, extraEnv, err := runScript(cmd)
	if err != nil {
		return err
	}
	return proc.Run(ctx, proc.Cmd{
		Argv:   b.elevated(entry.Account, entry.Home, extraEnv, "sh", "-c", script),
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	})
}

// runScript renders the in-account shell script for one of the three run
// behaviors.
func runScript(cmd runner.Command) (string, map[string]string, error) {
	switch cmd.Kind {
	case runner.KindInteractive:
		return "cd \"$HOME\" && exec bash -l", nil, nil
	case runner.KindInit:
		return "cd \"$HOME\" && if [ -f ./" + runner.InitScriptName + " ]; then sh ./" + runner.InitScriptName + "; fi", nil, nil
	case runner.KindExec:
		if len(cmd.Argv) == 0 {
			return "", nil, fmt.Errorf("exec command requires an argv")
		}
		return "cd \"$HOME\" && " + proc.ShellEscape(cmd.Argv), cmd.ExtraEnv, nil
	default:
		return "", nil, fmt.Errorf("unknown command kind %d", cmd.Kind)
	}
}

// CopyOutFromHome streams one file out of the account's home directory.
func (b *Backend) CopyOutFromHome(ctx context.Context, name names.EnvironmentName, path string, sink io.Writer) error {
	return b.copyOut(ctx, name, path, sink, false)
}

// CopyOutFromWork streams one file out of the account's work subtree.
func (b *Backend) CopyOutFromWork(ctx context.Context, name names.EnvironmentName, path string, sink io.Writer) error {
	return b.copyOut(ctx, name, path, sink, true)
}

func (b *Backend) copyOut(ctx context.Context, name names.EnvironmentName, path string, sink io.Writer, fromWork bool) error {
	entry, present, err := b.lookup(ctx, name)
	if err != nil {
		return err
	}
	if !present {
		return fmt.Errorf("cannot copy from environment %q: %w", name, runner.ErrDoesNotExist)
	}
	full := entry.Home
	if fromWork {
		full = filepath.Join(full, workSubdir)
	}
	full = filepath.Join(full, path)
	err = proc.Run(ctx, proc.Cmd{
		Argv:   b.elevated(entry.Account, entry.Home, nil, "cat", "--", full),
		Stdout: sink,
		Stderr: os.Stderr,
	})
	if err != nil {
		return fmt.Errorf("copying out %s: %w", full, err)
	}
	return nil
}

// FilesSummary gathers disk usage through elevated find invocations; an
// unreadable corner of the tree sets the Errors flag instead of failing
// the call.
func (b *Backend) FilesSummary(ctx context.Context, name names.EnvironmentName) (runner.FilesSummary, error) {
	entry, present, err := b.lookup(ctx, name)
	if err != nil {
		return runner.FilesSummary{}, err
	}
	if !present {
		return runner.FilesSummary{}, fmt.Errorf("cannot summarize environment %q: %w", name, runner.ErrDoesNotExist)
	}
	workPath := filepath.Join(entry.Home, workSubdir)
	home, homeErrs := b.scanElevated(ctx, entry, entry.Home, workPath)
	work, workErrs := b.scanElevated(ctx, entry, workPath, "")
	return runner.FilesSummary{Home: home, Work: work, Errors: homeErrs || workErrs}, nil
}

// scanElevated sums file sizes and finds the newest modification time
// under dir, excluding the prune subtree when given.
func (b *Backend) scanElevated(ctx context.Context, entry passwdEntry, dir, prune string) (runner.DirSummary, bool) {
	argv := []string{"find", dir}
	if prune != "" {
		argv = append(argv, "-path", prune, "-prune", "-o")
	}
	argv = append(argv, "-type", "f", "-printf", "%s %T@\\n")
	out, err := proc.Output(ctx, proc.Cmd{
		Argv: b.elevated(entry.Account, entry.Home, nil, argv...),
	})
	// find keeps going past unreadable entries; whatever it printed is a
	// valid lower bound.
	sum, parseErrs := parseFindOutput(out)
	sum.Path = dir
	return sum, err != nil || parseErrs
}
