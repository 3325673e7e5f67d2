package seed

import (
	"archive/tar"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func readEntries(t *testing.T, data []byte) map[string]string {
	t.Helper()
	entries := make(map[string]string)
	tr := tar.NewReader(bytes.NewReader(data))
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("reading archive: %v", err)
		}
		content, err := io.ReadAll(tr)
		if err != nil {
			t.Fatalf("reading entry %s: %v", hdr.Name, err)
		}
		entries[hdr.Name] = string(content)
	}
	return entries
}

func TestWriter_AddDirUnderWorkPrefix(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "update.sh"), "#!/bin/sh\n")
	writeFile(t, filepath.Join(dir, "src", "main.c"), "int main(){}\n")

	var buf bytes.Buffer
	w := NewWriter(&buf)
	if err := w.AddDir(dir, WorkPrefix); err != nil {
		t.Fatalf("AddDir: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	entries := readEntries(t, buf.Bytes())
	if got := entries["w/update.sh"]; got != "#!/bin/sh\n" {
		t.Errorf("w/update.sh = %q", got)
	}
	if got := entries["w/src/main.c"]; got != "int main(){}\n" {
		t.Errorf("w/src/main.c = %q", got)
	}
	if _, ok := entries["w/src/"]; !ok {
		t.Errorf("directory entry w/src/ missing; archive has %v", keys(entries))
	}
}

func TestWriter_AddFile(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	if err := w.AddFile(WorkPrefix+PackagesFile, 0o644, PackagesList([]string{"configs", "git"})); err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	entries := readEntries(t, buf.Bytes())
	if got := entries["w/packages.txt"]; got != "configs\ngit\n" {
		t.Errorf("w/packages.txt = %q", got)
	}
}

func TestWriter_RejectsEscapingEntries(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	for _, name := range []string{"/etc/passwd", "../outside", "a/../../b"} {
		if err := w.AddFile(name, 0o644, nil); err == nil {
			t.Errorf("AddFile(%q) succeeded, expected error", name)
		}
	}
}

func TestDirToFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.txt"), "a")
	dest := filepath.Join(t.TempDir(), "seed.tar")

	if err := DirToFile(dest, dir, ""); err != nil {
		t.Fatalf("DirToFile: %v", err)
	}
	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	entries := readEntries(t, data)
	if got := entries["a.txt"]; got != "a" {
		t.Errorf("a.txt = %q", got)
	}
}

func TestPackagesList_RoundTrip(t *testing.T) {
	pkgs := []string{"configs", "git", "neovim"}
	got := ParsePackagesList(PackagesList(pkgs))
	if !reflect.DeepEqual(got, pkgs) {
		t.Errorf("round trip = %v, want %v", got, pkgs)
	}
	if got := ParsePackagesList([]byte("\n\n  \n")); got != nil {
		t.Errorf("blank list = %v, want nil", got)
	}
}

func keys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
