// Package proc runs external tools for the isolation backends. It wraps
// os/exec with three guarantees the backends rely on: a started child is
// always terminated and reaped when its scope closes, even on early
// return; failures carry the tool's exit status and captured output; and
// two-process pipelines are drained and waited on both sides, reporting
// the first real error without leaving zombies.
package proc
