// Package seed builds the tar archives extracted into an environment's
// home directory at creation, reset, and build time. Archived paths are
// rooted at the home directory; entries under the WorkPrefix land in the
// environment's work subdirectory.
package seed

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// WorkPrefix is the fixed archive-path prefix that places entries in the
// environment's work subdirectory rather than its home directory.
const WorkPrefix = "w/"

// PackagesFile is the work-relative name of the manifest listing the
// package names an environment was created with. Reset without explicit
// packages reads it back to recover the previous request.
const PackagesFile = "packages.txt"

// Writer incrementally assembles one seed tarball.
type Writer struct {
	tw *tar.Writer
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{tw: tar.NewWriter(w)}
}

// AddDir archives every entry under dir, placing it at prefix + its
// dir-relative path. Symlinks are preserved; other non-regular files are
// skipped.
func (s *Writer) AddDir(dir, prefix string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("walking %s: %w", p, err)
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		name := prefix + filepath.ToSlash(rel)
		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %w", p, err)
		}
		switch {
		case info.IsDir():
			return s.writeHeader(&tar.Header{
				Typeflag: tar.TypeDir,
				Name:     name + "/",
				Mode:     int64(info.Mode().Perm()),
				ModTime:  info.ModTime(),
			})
		case info.Mode()&fs.ModeSymlink != 0:
			target, err := os.Readlink(p)
			if err != nil {
				return fmt.Errorf("readlink %s: %w", p, err)
			}
			return s.writeHeader(&tar.Header{
				Typeflag: tar.TypeSymlink,
				Name:     name,
				Linkname: target,
				Mode:     int64(info.Mode().Perm()),
				ModTime:  info.ModTime(),
			})
		case info.Mode().IsRegular():
			if err := s.writeHeader(&tar.Header{
				Typeflag: tar.TypeReg,
				Name:     name,
				Size:     info.Size(),
				Mode:     int64(info.Mode().Perm()),
				ModTime:  info.ModTime(),
			}); err != nil {
				return err
			}
			f, err := os.Open(p)
			if err != nil {
				return fmt.Errorf("open %s: %w", p, err)
			}
			defer f.Close()
			if _, err := io.Copy(s.tw, f); err != nil {
				return fmt.Errorf("archiving %s: %w", p, err)
			}
			return nil
		default:
			// Sockets, devices and the like have no place in a seed.
			return nil
		}
	})
}

// AddFile archives content as a regular file at name.
func (s *Writer) AddFile(name string, mode int64, content []byte) error {
	if err := s.writeHeader(&tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Size:     int64(len(content)),
		Mode:     mode,
		ModTime:  time.Now(),
	}); err != nil {
		return err
	}
	if _, err := s.tw.Write(content); err != nil {
		return fmt.Errorf("archiving %s: %w", name, err)
	}
	return nil
}

// Close finishes the archive.
func (s *Writer) Close() error {
	return s.tw.Close()
}

func (s *Writer) writeHeader(hdr *tar.Header) error {
	if err := validateEntryName(hdr.Name); err != nil {
		return err
	}
	if err := s.tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("archiving %s: %w", hdr.Name, err)
	}
	return nil
}

// validateEntryName rejects archive paths that would extract outside the
// environment's home directory.
func validateEntryName(name string) error {
	if strings.HasPrefix(name, "/") {
		return fmt.Errorf("seed entry %q must be relative", name)
	}
	clean := path.Clean(name)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("seed entry %q escapes the extraction root", name)
	}
	return nil
}

// DirToFile archives dir under prefix into a new tarball at dest.
func DirToFile(dest, dir, prefix string) (err error) {
	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("creating seed tarball %s: %w", dest, err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = cerr
		}
	}()
	w := NewWriter(f)
	if err := w.AddDir(dir, prefix); err != nil {
		return err
	}
	return w.Close()
}

// PackagesList renders the packages.txt payload: one package name per
// line, in the given order.
func PackagesList(pkgs []string) []byte {
	var b strings.Builder
	for _, p := range pkgs {
		b.WriteString(p)
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

// ParsePackagesList reverses PackagesList, dropping blank lines.
func ParsePackagesList(data []byte) []string {
	var out []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}
