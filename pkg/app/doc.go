// Package app ties the configuration, the active runner backend, the
// package registry, and the build engine into the top-level environment
// operations exposed by the command line.
package app
