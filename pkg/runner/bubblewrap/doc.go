// Package bubblewrap implements the runner contract with unprivileged
// bwrap sandboxes. There is no daemon: every Run invocation launches a
// fresh sandboxed process that unshares the PID, IPC, UTS and cgroup
// namespaces, binds the environment's home and work directories from the
// host, exposes a read-only view of the host system directories, applies
// a pre-built syscall filter, and execs a login shell.
//
// Environment storage is plain host directories, one pair per
// environment, so the filesystem is this backend's authoritative
// existence state: both directories present means the environment fully
// exists, exactly one means it partially exists.
package bubblewrap
