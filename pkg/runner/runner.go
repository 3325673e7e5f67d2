package runner

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/denv-project/denv/pkg/names"
)

// Exists is the tri-state existence model for an environment. It is always
// derived live from the backend's authoritative state (account database,
// daemon inspection, filesystem) and never cached.
type Exists int

const (
	// NoEnvironment means no trace of the environment is present.
	NoEnvironment Exists = iota

	// PartiallyExists means some backend-specific subset of the
	// environment is present: a half-created directory pair, a container
	// without its storage, an account that cannot be reached.
	PartiallyExists

	// FullyExists means the environment is complete and usable.
	FullyExists
)

// String returns a short human-readable form for log output.
func (e Exists) String() string {
	switch e {
	case NoEnvironment:
		return "none"
	case PartiallyExists:
		return "partial"
	case FullyExists:
		return "full"
	default:
		return "invalid"
	}
}

// Init is the payload needed to bring a freshly created environment to a
// runnable state.
type Init struct {
	// DebianPackages are OS-level package names that should be present in
	// the environment. Backends that cannot install packages use the list
	// to warn when the host cannot satisfy it.
	DebianPackages []string

	// Env are extra environment variables set for the bootstrap run.
	Env map[string]string

	// Seeds are host paths of tar archives extracted, in order, into the
	// environment's home directory. Entries under the "w/" prefix land in
	// the work subdirectory.
	Seeds []string
}

// SeedSize returns the total byte count of all seed archives, so the
// delivery pipeline's progress filter can render an estimate. Unreadable
// seeds contribute zero; delivery itself will surface the real error.
func (in *Init) SeedSize() int64 {
	var total int64
	for _, s := range in.Seeds {
		if fi, err := os.Stat(s); err == nil {
			total += fi.Size()
		}
	}
	return total
}

// DirSummary describes one directory tree of an environment.
type DirSummary struct {
	// Path is the host-side or backend-reported location of the tree.
	Path string

	// TotalBytes is the summed size of all regular files.
	TotalBytes int64

	// LastModified is the newest modification time seen in the tree. Zero
	// when the tree is empty or missing.
	LastModified time.Time
}

// FilesSummary is a best-effort disk-usage report for an environment.
type FilesSummary struct {
	Home DirSummary
	Work DirSummary

	// Errors reports that some files could not be read while gathering the
	// summary. The numbers are still meaningful lower bounds.
	Errors bool
}

// Runner is the lifecycle contract implemented by every isolation backend.
// Callers never use a backend directly; they go through Checked, which
// asserts the pre- and post-state of every operation.
type Runner interface {
	// List returns all environments known to the backend, including
	// partially existing ones.
	List(ctx context.Context) ([]names.EnvironmentName, error)

	// Exists queries the backend's live state for the environment.
	Exists(ctx context.Context, name names.EnvironmentName) (Exists, error)

	// Create builds the environment from nothing and seeds it. It fails if
	// anything already exists under the name.
	Create(ctx context.Context, name names.EnvironmentName, init *Init) error

	// Reset tears the environment down and recreates it, preserving the
	// work subdirectory. If the preserved data cannot be restored, the
	// returned error names its location.
	Reset(ctx context.Context, name names.EnvironmentName, init *Init) error

	// Purge removes every trace of the environment. Idempotent.
	Purge(ctx context.Context, name names.EnvironmentName) error

	// Stop terminates the environment's running processes without
	// destroying its storage.
	Stop(ctx context.Context, name names.EnvironmentName) error

	// Run executes a command in the environment.
	Run(ctx context.Context, name names.EnvironmentName, cmd Command) error

	// CopyOutFromHome streams a single file from the environment's home
	// directory to sink. The path is relative to the home directory and
	// must stay inside it.
	CopyOutFromHome(ctx context.Context, name names.EnvironmentName, path string, sink io.Writer) error

	// CopyOutFromWork is CopyOutFromHome for the work subdirectory.
	CopyOutFromWork(ctx context.Context, name names.EnvironmentName, path string, sink io.Writer) error

	// FilesSummary reports disk usage for the environment's home and work
	// trees. Unreadable files set the Errors flag instead of failing the
	// call.
	FilesSummary(ctx context.Context, name names.EnvironmentName) (FilesSummary, error)
}
