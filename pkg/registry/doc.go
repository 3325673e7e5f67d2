// Package registry discovers package definitions and resolves their
// dependency graphs.
//
// Packages live as directories in a layered set of search locations:
// user-level directories take precedence and the built-in directory is
// consulted last. A directory is a package when it carries a package.toml
// manifest; the manifest declares run-time and build-time dependencies,
// optionally split into named namespaces (the "debian" namespace lists
// OS-native packages). The scan result is rebuilt from the filesystem on
// every top-level operation and never cached across operations.
package registry
