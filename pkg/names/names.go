package names

import (
	"fmt"
	"sort"
	"strings"
	"unicode"
)

// EnvironmentName identifies one isolated development environment. It is
// used both as a human-facing label and, backend-dependent, as raw material
// for OS-level names (directories, container names, account comments).
type EnvironmentName struct {
	s string
}

// NewEnvironmentName validates raw and returns it as an EnvironmentName.
// A valid name is non-empty, has no leading or trailing whitespace, and
// contains no control characters. Any other character, including '/' and
// '.', is allowed; the escaping layer makes such names filesystem-safe.
func NewEnvironmentName(raw string) (EnvironmentName, error) {
	if raw == "" {
		return EnvironmentName{}, fmt.Errorf("environment name must not be empty")
	}
	if strings.TrimSpace(raw) != raw {
		return EnvironmentName{}, fmt.Errorf("environment name %q must not have leading or trailing whitespace", raw)
	}
	for _, r := range raw {
		if unicode.IsControl(r) {
			return EnvironmentName{}, fmt.Errorf("environment name %q must not contain control characters", raw)
		}
	}
	return EnvironmentName{s: raw}, nil
}

// MustEnvironmentName is NewEnvironmentName for names the caller has
// already validated; it panics on invalid input.
func MustEnvironmentName(raw string) EnvironmentName {
	n, err := NewEnvironmentName(raw)
	if err != nil {
		panic(err)
	}
	return n
}

// String returns the name as entered by the user.
func (n EnvironmentName) String() string { return n.s }

// IsZero reports whether n is the zero value (never produced by
// NewEnvironmentName).
func (n EnvironmentName) IsZero() bool { return n.s == "" }

// Escaped returns the name encoded for use as a single filesystem path
// component. See Escape.
func (n EnvironmentName) Escaped() string { return Escape(n.s) }

// PackageName identifies one software package in the registry.
type PackageName struct {
	s string
}

// NewPackageName validates raw and returns it as a PackageName. A valid
// package name is non-empty and consists of ASCII alphanumerics, '-', '_',
// and non-ASCII printable characters. Whitespace and control characters are
// rejected.
func NewPackageName(raw string) (PackageName, error) {
	if raw == "" {
		return PackageName{}, fmt.Errorf("package name must not be empty")
	}
	for _, r := range raw {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_':
		case r > unicode.MaxASCII && !unicode.IsControl(r) && !unicode.IsSpace(r):
		default:
			return PackageName{}, fmt.Errorf("package name %q contains invalid character %q", raw, r)
		}
	}
	return PackageName{s: raw}, nil
}

// MustPackageName is NewPackageName for compile-time-constant names; it
// panics on invalid input.
func MustPackageName(raw string) PackageName {
	n, err := NewPackageName(raw)
	if err != nil {
		panic(err)
	}
	return n
}

// String returns the package name.
func (n PackageName) String() string { return n.s }

// IsZero reports whether n is the zero value.
func (n PackageName) IsZero() bool { return n.s == "" }

// Escaped returns the name encoded for use as a single filesystem path
// component, for example as the artifact cache key.
func (n PackageName) Escaped() string { return Escape(n.s) }

// SortPackageNames sorts the slice in place by the names' string forms.
func SortPackageNames(pkgs []PackageName) {
	sort.Slice(pkgs, func(i, j int) bool { return pkgs[i].s < pkgs[j].s })
}

// SortEnvironmentNames sorts the slice in place by the names' string forms.
func SortEnvironmentNames(envs []EnvironmentName) {
	sort.Slice(envs, func(i, j int) bool { return envs[i].s < envs[j].s })
}
