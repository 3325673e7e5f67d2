package proc

import "strings"

// ShellEscape renders argv as a single string safe to pass to `sh -c`.
// Every word is single-quoted, with embedded single quotes spliced out
// the POSIX way.
func ShellEscape(argv []string) string {
	words := make([]string, len(argv))
	for i, arg := range argv {
		words[i] = "'" + strings.ReplaceAll(arg, "'", `'\''`) + "'"
	}
	return strings.Join(words, " ")
}
