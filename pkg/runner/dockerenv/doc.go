// Package dockerenv implements the runner contract on the Docker CLI.
// Each environment owns one persistent container, named after the
// environment and created from a shared base image. The environment's
// home and work directories live on the host and are bind-mounted into
// the container, so storage survives container churn and the host-side
// operations (file copy-out, disk summaries) never need the daemon.
package dockerenv
