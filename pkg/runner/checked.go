package runner

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/denv-project/denv/pkg/names"
)

// Checked decorates a backend with pre- and post-state assertions for
// every contract operation. All call sites interact with backends only
// through Checked.
type Checked struct {
	backend Runner
}

// NewChecked wraps backend.
func NewChecked(backend Runner) *Checked {
	return &Checked{backend: backend}
}

// List delegates to the backend.
func (c *Checked) List(ctx context.Context) ([]names.EnvironmentName, error) {
	return c.backend.List(ctx)
}

// Exists delegates to the backend.
func (c *Checked) Exists(ctx context.Context, name names.EnvironmentName) (Exists, error) {
	return c.backend.Exists(ctx, name)
}

// Create asserts NoEnvironment beforehand and FullyExists afterward.
func (c *Checked) Create(ctx context.Context, name names.EnvironmentName, init *Init) error {
	state, err := c.backend.Exists(ctx, name)
	if err != nil {
		return fmt.Errorf("checking environment %q before create: %w", name, err)
	}
	if state != NoEnvironment {
		return fmt.Errorf("cannot create environment %q (state %s): %w", name, state, ErrAlreadyExists)
	}
	if err := c.backend.Create(ctx, name, init); err != nil {
		return err
	}
	return c.assertAfter(ctx, "create", name, FullyExists)
}

// Reset requires at least partial existence beforehand and asserts full
// existence afterward. The backend preserves the work subdirectory; on
// failure its error names where the preserved data ended up.
func (c *Checked) Reset(ctx context.Context, name names.EnvironmentName, init *Init) error {
	state, err := c.backend.Exists(ctx, name)
	if err != nil {
		return fmt.Errorf("checking environment %q before reset: %w", name, err)
	}
	if state == NoEnvironment {
		return fmt.Errorf("cannot reset environment %q: %w", name, ErrDoesNotExist)
	}
	if err := c.backend.Reset(ctx, name, init); err != nil {
		return err
	}
	return c.assertAfter(ctx, "reset", name, FullyExists)
}

// Purge is valid in any starting state and asserts NoEnvironment
// afterward.
func (c *Checked) Purge(ctx context.Context, name names.EnvironmentName) error {
	if err := c.backend.Purge(ctx, name); err != nil {
		return err
	}
	state, err := c.backend.Exists(ctx, name)
	if err != nil {
		return fmt.Errorf("checking environment %q after purge: %w", name, err)
	}
	if state != NoEnvironment {
		return &InvariantError{Op: "purge", Environment: name.String(), Want: NoEnvironment, Got: state}
	}
	return nil
}

// Stop requires at least partial existence and asserts the environment's
// storage survived.
func (c *Checked) Stop(ctx context.Context, name names.EnvironmentName) error {
	state, err := c.backend.Exists(ctx, name)
	if err != nil {
		return fmt.Errorf("checking environment %q before stop: %w", name, err)
	}
	if state == NoEnvironment {
		return fmt.Errorf("cannot stop environment %q: %w", name, ErrDoesNotExist)
	}
	if err := c.backend.Stop(ctx, name); err != nil {
		return err
	}
	state, err = c.backend.Exists(ctx, name)
	if err != nil {
		return fmt.Errorf("checking environment %q after stop: %w", name, err)
	}
	if state == NoEnvironment {
		return &InvariantError{Op: "stop", Environment: name.String(), Want: PartiallyExists, Got: state}
	}
	return nil
}

// Run requires full existence before and after the command.
func (c *Checked) Run(ctx context.Context, name names.EnvironmentName, cmd Command) error {
	if err := c.assertBefore(ctx, "run", name); err != nil {
		return err
	}
	if err := c.backend.Run(ctx, name, cmd); err != nil {
		return err
	}
	return c.assertAfter(ctx, "run", name, FullyExists)
}

// CopyOutFromHome requires full existence and rejects paths that escape
// the home subtree before the backend sees them.
func (c *Checked) CopyOutFromHome(ctx context.Context, name names.EnvironmentName, p string, sink io.Writer) error {
	if err := validateInsidePath(p); err != nil {
		return err
	}
	if err := c.assertBefore(ctx, "copy out", name); err != nil {
		return err
	}
	return c.backend.CopyOutFromHome(ctx, name, p, sink)
}

// CopyOutFromWork is CopyOutFromHome for the work subtree.
func (c *Checked) CopyOutFromWork(ctx context.Context, name names.EnvironmentName, p string, sink io.Writer) error {
	if err := validateInsidePath(p); err != nil {
		return err
	}
	if err := c.assertBefore(ctx, "copy out", name); err != nil {
		return err
	}
	return c.backend.CopyOutFromWork(ctx, name, p, sink)
}

// FilesSummary requires at least partial existence.
func (c *Checked) FilesSummary(ctx context.Context, name names.EnvironmentName) (FilesSummary, error) {
	state, err := c.backend.Exists(ctx, name)
	if err != nil {
		return FilesSummary{}, fmt.Errorf("checking environment %q: %w", name, err)
	}
	if state == NoEnvironment {
		return FilesSummary{}, fmt.Errorf("cannot summarize environment %q: %w", name, ErrDoesNotExist)
	}
	return c.backend.FilesSummary(ctx, name)
}

func (c *Checked) assertBefore(ctx context.Context, op string, name names.EnvironmentName) error {
	state, err := c.backend.Exists(ctx, name)
	if err != nil {
		return fmt.Errorf("checking environment %q before %s: %w", name, op, err)
	}
	if state != FullyExists {
		return fmt.Errorf("cannot %s in environment %q (state %s): %w", op, name, state, ErrDoesNotExist)
	}
	return nil
}

func (c *Checked) assertAfter(ctx context.Context, op string, name names.EnvironmentName, want Exists) error {
	state, err := c.backend.Exists(ctx, name)
	if err != nil {
		return fmt.Errorf("checking environment %q after %s: %w", name, op, err)
	}
	if state != want {
		return &InvariantError{Op: op, Environment: name.String(), Want: want, Got: state}
	}
	return nil
}

// validateInsidePath rejects paths that could escape the environment
// subtree they are resolved under: absolute paths and any path whose
// cleaned form starts with "..".
func validateInsidePath(p string) error {
	if p == "" {
		return fmt.Errorf("path must not be empty")
	}
	if path.IsAbs(p) {
		return fmt.Errorf("path %q must be relative", p)
	}
	clean := path.Clean(p)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("path %q escapes the environment", p)
	}
	return nil
}
