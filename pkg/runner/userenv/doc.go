// Package userenv implements the runner contract on per-environment OS
// user accounts. Each environment maps deterministically to one account
// whose name is a truncated keyed digest of the environment name, so no
// separate name-mapping table is needed; the human-facing name is stored
// in, and recovered from, the account's GECOS field. All operations on
// an environment go through the system's account-elevation commands with
// the process environment cleared and selectively repopulated.
package userenv
