package routing

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseISODuration converts an ISO-8601 duration string (as carried in the
// directory's reliability attributes, e.g. "PT2S" or "PT1M30S") to a
// time.Duration. Year and month designators are rejected: they have no fixed
// length and never appear in retry intervals.
func ParseISODuration(value string) (time.Duration, error) {
	s := strings.TrimSpace(value)
	if len(s) < 2 || s[0] != 'P' {
		return 0, fmt.Errorf("invalid ISO-8601 duration %q", value)
	}
	s = s[1:]

	var total time.Duration
	inTime := false
	components := 0
	num := ""

	for _, r := range s {
		switch {
		case r == 'T':
			if inTime || num != "" {
				return 0, fmt.Errorf("invalid ISO-8601 duration %q", value)
			}
			inTime = true
		case r >= '0' && r <= '9' || r == '.':
			num += string(r)
		default:
			if num == "" {
				return 0, fmt.Errorf("invalid ISO-8601 duration %q", value)
			}
			n, err := strconv.ParseFloat(num, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid ISO-8601 duration %q: %v", value, err)
			}
			num = ""

			var unit time.Duration
			switch {
			case r == 'D' && !inTime:
				unit = 24 * time.Hour
			case r == 'H' && inTime:
				unit = time.Hour
			case r == 'M' && inTime:
				unit = time.Minute
			case r == 'S' && inTime:
				unit = time.Second
			default:
				return 0, fmt.Errorf("unsupported designator %q in ISO-8601 duration %q", r, value)
			}
			total += time.Duration(n * float64(unit))
			components++
		}
	}

	if num != "" {
		return 0, fmt.Errorf("invalid ISO-8601 duration %q: trailing number", value)
	}
	if components == 0 {
		return 0, fmt.Errorf("invalid ISO-8601 duration %q: no components", value)
	}

	return total, nil
}
