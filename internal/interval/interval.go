// Package interval parses human-friendly duration strings such as
// "1 day", "5 minutes 3 seconds", or "1w2d3h5m4s".
package interval

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// ErrUnrecognized indicates a duration string could not be parsed.
var ErrUnrecognized = errors.New("unrecognized duration")

// Alternatives are ordered longest-first so "mins" is not consumed as "m".
const unitPattern = `weeks|week|wk|w|days|day|d|hours|hour|hr|h|` +
	`minutes|minute|mins|min|m|seconds|second|secs|sec|s`

var (
	partRe  = regexp.MustCompile(`(\d+)\s*(` + unitPattern + `)`)
	deltaRe = regexp.MustCompile(`\A(\s*\d+\s*(?:` + unitPattern + `)\s*,?\s*)+\z`)
)

var unitDurations = map[string]time.Duration{
	"w": 7 * 24 * time.Hour,
	"d": 24 * time.Hour,
	"h": time.Hour,
	"m": time.Minute,
	"s": time.Second,
}

var unitAliases = map[string]string{
	"w": "w", "wk": "w", "week": "w", "weeks": "w",
	"d": "d", "day": "d", "days": "d",
	"h": "h", "hr": "h", "hour": "h", "hours": "h",
	"m": "m", "min": "m", "mins": "m", "minute": "m", "minutes": "m",
	"s": "s", "sec": "s", "secs": "s", "second": "s", "seconds": "s",
}

// Parse converts a duration string to a time.Duration.
//
// The string is one or more "<integer><unit>" tokens, optionally separated
// by whitespace and/or commas. Repeating a unit overwrites the earlier
// quantity for that unit; distinct units are summed.
func Parse(s string) (time.Duration, error) {
	if !deltaRe.MatchString(s) {
		return 0, fmt.Errorf("%w: %q", ErrUnrecognized, s)
	}

	quantities := make(map[string]int64)
	for _, match := range partRe.FindAllStringSubmatch(s, -1) {
		qty, err := strconv.ParseInt(match[1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrUnrecognized, s)
		}
		quantities[unitAliases[match[2]]] = qty
	}

	var total time.Duration
	for unit, qty := range quantities {
		total += time.Duration(qty) * unitDurations[unit]
	}
	return total, nil
}
