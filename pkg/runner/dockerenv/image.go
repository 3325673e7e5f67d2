package dockerenv

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/denv-project/denv/pkg/proc"
)

// defaultImageMaxAge is the base image freshness window: a dozen hours,
// so routine invocations reuse the image while recipe edits and upstream
// package updates are picked up promptly.
const defaultImageMaxAge = 12 * time.Hour

// imageCreated asks the daemon when the base image was built. A failed
// inspect means the image is absent.
func (b *Backend) imageCreated(ctx context.Context) (time.Time, bool) {
	out, err := proc.Output(ctx, proc.Cmd{
		Argv: []string{"docker", "image", "inspect", "--format", "{{.Created}}", b.opts.Image},
	})
	if err != nil {
		return time.Time{}, false
	}
	created, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(out))
	if err != nil {
		return time.Time{}, false
	}
	return created, true
}

// imageIsFresh decides whether the base image can be reused: it must
// exist, be younger than the freshness window, and be newer than its
// build recipe.
func imageIsFresh(created time.Time, exists bool, now time.Time, maxAge time.Duration, recipeModTime time.Time) bool {
	if !exists {
		return false
	}
	if now.Sub(created) > maxAge {
		return false
	}
	if !recipeModTime.IsZero() && recipeModTime.After(created) {
		return false
	}
	return true
}

// ensureImage rebuilds the base image when the freshness policy says so.
func (b *Backend) ensureImage(ctx context.Context) error {
	created, exists := b.imageCreated(ctx)

	var recipeMod time.Time
	if b.opts.Dockerfile != "" {
		if info, err := os.Stat(b.opts.Dockerfile); err == nil {
			recipeMod = info.ModTime()
		}
	}
	if imageIsFresh(created, exists, time.Now(), b.imageMaxAge(), recipeMod) {
		return nil
	}
	if b.opts.Dockerfile == "" {
		if exists {
			// No recipe to rebuild from; use the image as-is.
			return nil
		}
		return fmt.Errorf("base image %q does not exist and no dockerfile is configured", b.opts.Image)
	}

	b.opts.Log.Info().Str("image", b.opts.Image).Msg("building base image")
	err := proc.Run(ctx, proc.Cmd{
		Argv: []string{
			"docker", "build",
			"--tag", b.opts.Image,
			"--file", b.opts.Dockerfile,
			filepath.Dir(b.opts.Dockerfile),
		},
		Stdout: os.Stderr,
		Stderr: os.Stderr,
	})
	if err != nil {
		return fmt.Errorf("building base image %q: %w", b.opts.Image, err)
	}
	return nil
}

func (b *Backend) imageMaxAge() time.Duration {
	if b.opts.ImageMaxAge > 0 {
		return b.opts.ImageMaxAge
	}
	return defaultImageMaxAge
}
