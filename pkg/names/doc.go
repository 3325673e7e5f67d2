// Package names defines the validated identifier types used throughout denv:
// environment names and package names. Construction is the only validation
// point; a value of either type is always well formed. The package also
// provides a deterministic, reversible percent-style encoding for embedding
// identifiers in filenames and in external tools' name fields.
package names
