// Package debian inspects, via a dry run of the system package manager,
// whether a set of Debian packages is already satisfied on a host. It is
// used only to print a warning when an environment asks for OS packages
// the host does not have; nothing here installs anything.
package debian

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/denv-project/denv/pkg/proc"
)

// summaryLine matches apt-get's fixed summary format.
var summaryLine = regexp.MustCompile(`^(\d+) upgraded, (\d+) newly installed, (\d+) to remove and (\d+) not upgraded\.$`)

// Summary is the parsed form of apt-get's dry-run summary line.
type Summary struct {
	Upgraded       int
	NewlyInstalled int
	ToRemove       int
	NotUpgraded    int
}

// Satisfied reports whether installing the requested set would be a
// no-op, i.e. everything is already present.
func (s Summary) Satisfied() bool {
	return s.Upgraded == 0 && s.NewlyInstalled == 0 && s.ToRemove == 0
}

// ParseSummary scans dry-run output for the summary line. It fails when
// the line is absent, which usually means the tool's output format
// changed or the run aborted early.
func ParseSummary(output string) (Summary, error) {
	for _, line := range strings.Split(output, "\n") {
		m := summaryLine.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		var sum Summary
		for i, field := range []*int{&sum.Upgraded, &sum.NewlyInstalled, &sum.ToRemove, &sum.NotUpgraded} {
			n, err := strconv.Atoi(m[i+1])
			if err != nil {
				return Summary{}, fmt.Errorf("parsing summary line %q: %w", line, err)
			}
			*field = n
		}
		return sum, nil
	}
	return Summary{}, fmt.Errorf("no package summary line found in dry-run output")
}

// Check dry-runs an install of pkgs and reports whether the set is
// already satisfied.
func Check(ctx context.Context, pkgs []string) (Summary, error) {
	if len(pkgs) == 0 {
		return Summary{}, nil
	}
	argv := append([]string{"apt-get", "--dry-run", "install"}, pkgs...)
	out, err := proc.Output(ctx, proc.Cmd{Argv: argv})
	if err != nil {
		return Summary{}, fmt.Errorf("dry-running package install: %w", err)
	}
	return ParseSummary(out)
}
