package proc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

// ExitError reports a tool that ran but exited unsuccessfully. It carries
// the argv, the exit status, and whatever output was captured, so the
// failure can be surfaced with full context.
type ExitError struct {
	Argv   []string
	Status int
	Output string
}

// Error implements the error interface.
func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s exited with status %d", strings.Join(e.Argv, " "), e.Status)
	out := strings.TrimSpace(e.Output)
	if out != "" {
		msg += ": " + out
	}
	return msg
}

// Cmd describes one external tool invocation.
type Cmd struct {
	// Argv is the program and its arguments. Argv[0] is resolved via PATH.
	Argv []string

	// Dir is the working directory. Empty means inherit.
	Dir string

	// Env is the full environment for the child. Nil means inherit;
	// non-nil replaces the inherited environment entirely.
	Env []string

	// Stdin, Stdout, Stderr connect the child's standard streams. Nil
	// streams connect to the null device.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// ExtraFiles are inherited by the child as descriptors 3, 4, ... with
	// the close-on-exec flag cleared.
	ExtraFiles []*os.File
}

// Child is a started subprocess whose teardown path guarantees
// termination and reaping. The caller must either Wait or Close it;
// deferring Close makes abandonment on early return safe.
type Child struct {
	cmd    *exec.Cmd
	argv   []string
	waited bool
}

// Start launches the command described by c.
func Start(ctx context.Context, c Cmd) (*Child, error) {
	if len(c.Argv) == 0 {
		return nil, fmt.Errorf("empty argv")
	}
	cmd := exec.CommandContext(ctx, c.Argv[0], c.Argv[1:]...)
	cmd.Dir = c.Dir
	cmd.Env = c.Env
	cmd.Stdin = c.Stdin
	cmd.Stdout = c.Stdout
	cmd.Stderr = c.Stderr
	cmd.ExtraFiles = c.ExtraFiles
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", c.Argv[0], err)
	}
	return &Child{cmd: cmd, argv: c.Argv}, nil
}

// Wait blocks until the child exits and reaps it. A non-zero exit status
// is returned as an *ExitError.
func (ch *Child) Wait() error {
	if ch.waited {
		return fmt.Errorf("%s already waited on", ch.argv[0])
	}
	ch.waited = true
	err := ch.cmd.Wait()
	if err == nil {
		return nil
	}
	var exit *exec.ExitError
	if errors.As(err, &exit) {
		return &ExitError{Argv: ch.argv, Status: exit.ExitCode(), Output: string(exit.Stderr)}
	}
	return fmt.Errorf("waiting for %s: %w", ch.argv[0], err)
}

// Close terminates the child if it is still running and reaps it. Safe to
// call after Wait; the usual pattern is to defer Close immediately after
// Start and call Wait on the success path.
func (ch *Child) Close() error {
	if ch.waited {
		return nil
	}
	ch.waited = true
	if ch.cmd.Process != nil {
		_ = ch.cmd.Process.Kill()
	}
	_ = ch.cmd.Wait()
	return nil
}

// Run executes the command to completion with combined output captured.
// On non-zero exit the captured output rides along in the *ExitError.
func Run(ctx context.Context, c Cmd) error {
	_, err := runCapture(ctx, c, false)
	return err
}

// Output executes the command to completion and returns its standard
// output. Standard error is captured separately and attached to any
// *ExitError.
func Output(ctx context.Context, c Cmd) (string, error) {
	return runCapture(ctx, c, true)
}

func runCapture(ctx context.Context, c Cmd, splitStdout bool) (string, error) {
	var stdout, stderr bytes.Buffer
	if c.Stdout == nil {
		c.Stdout = &stdout
	}
	if splitStdout {
		c.Stderr = &stderr
	} else if c.Stderr == nil {
		c.Stderr = &stdout
	}
	child, err := Start(ctx, c)
	if err != nil {
		return "", err
	}
	defer child.Close()
	if err := child.Wait(); err != nil {
		var exit *ExitError
		if errors.As(err, &exit) && exit.Output == "" {
			if splitStdout {
				exit.Output = stderr.String()
			} else {
				exit.Output = stdout.String()
			}
		}
		return stdout.String(), err
	}
	return stdout.String(), nil
}
