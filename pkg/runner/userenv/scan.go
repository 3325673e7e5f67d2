package userenv

import (
	"strconv"
	"strings"
	"time"

	"github.com/denv-project/denv/pkg/runner"
)

// parseFindOutput sums "size mtime" lines as printed by find -printf
// "%s %T@\n". Malformed lines are skipped and flagged.
func parseFindOutput(out string) (runner.DirSummary, bool) {
	var sum runner.DirSummary
	sawErrors := false
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		sizeField, timeField, ok := strings.Cut(line, " ")
		if !ok {
			sawErrors = true
			continue
		}
		size, err := strconv.ParseInt(sizeField, 10, 64)
		if err != nil {
			sawErrors = true
			continue
		}
		secs, frac, _ := strings.Cut(timeField, ".")
		whole, err := strconv.ParseInt(secs, 10, 64)
		if err != nil {
			sawErrors = true
			continue
		}
		var nanos int64
		if frac != "" {
			// find prints fractional seconds to nanosecond width.
			padded := (frac + "000000000")[:9]
			nanos, _ = strconv.ParseInt(padded, 10, 64)
		}
		sum.TotalBytes += size
		mtime := time.Unix(whole, nanos)
		if mtime.After(sum.LastModified) {
			sum.LastModified = mtime
		}
	}
	return sum, sawErrors
}
