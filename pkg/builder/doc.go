// Package builder is the incremental package build engine. It resolves
// the requested packages to a build-order worklist, decides staleness
// per package, and drives ephemeral builder and test environments
// through the runner contract to produce cached provides artifacts.
package builder
