package proc

import (
	"context"
	"fmt"
	"os"
)

// Pipeline connects the stdout of the first command to the stdin of the
// second through an OS pipe and runs both to completion. Both children
// are always waited on, even when one fails, and the first real error
// encountered wins. The write end of the pipe is closed in this process
// as soon as the first child owns it, so the reader sees EOF when the
// writer exits.
func Pipeline(ctx context.Context, first, second Cmd) error {
	r, w, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("creating pipe: %w", err)
	}

	first.Stdout = w
	firstChild, err := Start(ctx, first)
	if err != nil {
		r.Close()
		w.Close()
		return err
	}
	defer firstChild.Close()
	// The child holds its own copy of the write end now.
	w.Close()

	second.Stdin = r
	secondChild, err := Start(ctx, second)
	if err != nil {
		r.Close()
		return err
	}
	defer secondChild.Close()
	r.Close()

	firstErr := firstChild.Wait()
	secondErr := secondChild.Wait()
	if firstErr != nil {
		return fmt.Errorf("pipeline source: %w", firstErr)
	}
	if secondErr != nil {
		return fmt.Errorf("pipeline sink: %w", secondErr)
	}
	return nil
}

// WritePipe starts cmd with a fresh OS pipe as its stdin and returns the
// write end. The caller streams data into the returned file, closes it,
// and then calls Wait on the child. Close-before-wait ordering matters:
// the child only sees EOF once every copy of the write end is closed.
func WritePipe(ctx context.Context, c Cmd) (*os.File, *Child, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, nil, fmt.Errorf("creating pipe: %w", err)
	}
	c.Stdin = r
	child, err := Start(ctx, c)
	if err != nil {
		r.Close()
		w.Close()
		return nil, nil, err
	}
	r.Close()
	return w, child, nil
}
